package logstore

import (
	"time"

	"github.com/phuslu/log"
	"nuha.dev/trackgw/internal/telemetry"
)

// LogStore writes records and commands to the log instead of a database.
type LogStore struct {
	log log.Logger
}

func NewStore() *LogStore {
	l := &LogStore{}
	l.log = log.DefaultLogger
	l.log.Context = log.NewContext(nil).Str("module", "logstore").Value()
	return l
}

func (l *LogStore) Put(ev telemetry.Event) {
	l.log.Info().Uint64("cid", ev.ConnID).Time("server_time", ev.ReceivedAt).Time("gps_time", ev.Record.Timestamp).EmbedObject(ev.Record).Object("metadata", ev.Record.Metadata).Msg("record")
}

func (l *LogStore) SaveCommand(device_id string, kind string, command string, delivered bool, t time.Time) {
	l.log.Info().Str("device_id", device_id).Str("kind", kind).Str("command", command).Bool("delivered", delivered).Time("time", t).Msg("command")
}

func (l *LogStore) SaveCommandResponse(device_id string, command_id string, status string, t time.Time) {
	l.log.Info().Str("device_id", device_id).Str("command_id", command_id).Str("status", status).Time("time", t).Msg("command response")
}
