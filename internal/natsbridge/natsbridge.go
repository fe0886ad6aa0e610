// Package natsbridge publishes telemetry to NATS and serves command requests
// coming back from the command lifecycle service.
package natsbridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"nuha.dev/trackgw/internal/gw/server"
	"nuha.dev/trackgw/internal/store"
	"nuha.dev/trackgw/internal/telemetry"
)

const (
	PUBLISH_ERROR   = "nats_publish_error"
	COMMAND_REQUEST = "nats_command_request"
)

type Commander interface {
	Execute(ctx context.Context, deviceID string, kind server.CommandKind) (string, error)
	Raw(ctx context.Context, deviceID string, cmd string) error
}

// CommandRequest is the body of a request on <prefix>.command.<deviceId>.
// Either Kind or Command is set.
type CommandRequest struct {
	Kind    server.CommandKind `json:"kind,omitempty"`
	Command string             `json:"command,omitempty"`
}

type CommandReply struct {
	OK      bool   `json:"ok"`
	Command string `json:"command,omitempty"`
	Error   string `json:"error,omitempty"`
}

// MaxInFlight bounds the command requests handled at once.
const MaxInFlight = 64

type Bridge struct {
	nc      *nats.Conn
	prefix  string
	cmd     Commander
	audit   store.CommandStore
	timeout time.Duration
	sub     *nats.Subscription
	sem     chan struct{}
	wg      sync.WaitGroup
	log     log.Logger
}

func Connect(url string, name string) (*nats.Conn, error) {
	return nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
}

// NewBridge wires nc to cmd. audit may be nil.
func NewBridge(nc *nats.Conn, prefix string, cmd Commander, audit store.CommandStore) *Bridge {
	if prefix == "" {
		prefix = "trackgw"
	}
	b := &Bridge{nc: nc, prefix: prefix, cmd: cmd, audit: audit, timeout: 15 * time.Second, sem: make(chan struct{}, MaxInFlight)}
	b.log = log.DefaultLogger
	b.log.Context = log.NewContext(nil).Str("module", "natsbridge").Value()
	return b
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

func (b *Bridge) TelemetrySubject(deviceID, packetType string) string {
	return b.prefix + ".telemetry." + token(deviceID) + "." + token(packetType)
}

// Publish is a telemetry sink. nats buffers the write, so it does not block.
func (b *Bridge) Publish(ctx context.Context, ev telemetry.Event) {
	d, err := json.Marshal(ev)
	if err != nil {
		b.log.Error().Str("event", PUBLISH_ERROR).Err(err).Msg("")
		return
	}
	if err = b.nc.Publish(b.TelemetrySubject(ev.Record.DeviceID(), ev.Record.PacketType()), d); err != nil {
		b.log.Error().Str("event", PUBLISH_ERROR).Err(err).Msg("")
	}
}

func (b *Bridge) PublishConn(ctx context.Context, topic string, ev telemetry.ConnEvent) {
	d, _ := json.Marshal(ev)
	if err := b.nc.Publish(b.prefix+"."+topic, d); err != nil {
		b.log.Error().Str("event", PUBLISH_ERROR).Err(err).Msg("")
	}
}

// ServeCommands answers requests on <prefix>.command.*.
func (b *Bridge) ServeCommands() error {
	sub, err := b.nc.Subscribe(b.prefix+".command.*", func(m *nats.Msg) {
		// a slow device must not hold up requests for the others
		b.sem <- struct{}{}
		b.wg.Add(1)
		go func() {
			defer func() {
				<-b.sem
				b.wg.Done()
			}()
			b.serve(m)
		}()
	})
	if err != nil {
		return err
	}
	b.sub = sub
	return nil
}

func (b *Bridge) serve(m *nats.Msg) {
	deviceID := m.Subject[strings.LastIndexByte(m.Subject, '.')+1:]
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := m.Respond(b.handle(ctx, deviceID, m.Data)); err != nil {
		b.log.Error().Err(err).Str("device_id", deviceID).Msg("unable to respond")
	}
}

func (b *Bridge) handle(ctx context.Context, deviceID string, data []byte) []byte {
	var req CommandRequest
	var reply CommandReply
	if err := json.Unmarshal(data, &req); err != nil {
		reply.Error = "invalid request: " + err.Error()
	} else if req.Command != "" {
		reply.Command = req.Command
		if err := b.cmd.Raw(ctx, deviceID, req.Command); err != nil {
			reply.Error = err.Error()
		} else {
			reply.OK = true
		}
		b.record(deviceID, "raw", reply)
	} else {
		cmd, err := b.cmd.Execute(ctx, deviceID, req.Kind)
		reply.Command = cmd
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.OK = true
		}
		b.record(deviceID, string(req.Kind), reply)
	}
	b.log.Info().Str("event", COMMAND_REQUEST).Str("device_id", deviceID).Bool("ok", reply.OK).Str("error", reply.Error).Msg("")
	d, _ := json.Marshal(reply)
	return d
}

func (b *Bridge) record(deviceID string, kind string, reply CommandReply) {
	if b.audit == nil || reply.Command == "" {
		return
	}
	b.audit.SaveCommand(deviceID, kind, reply.Command, reply.OK, time.Now())
}

// Close stops taking requests, waits for those in flight and drains nc.
func (b *Bridge) Close() error {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.wg.Wait()
	return b.nc.Drain()
}
