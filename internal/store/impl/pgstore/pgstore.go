package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"nuha.dev/trackgw/internal/gw/protocol"
	"nuha.dev/trackgw/internal/telemetry"
)

var columns = []string{"device_id", "protocol", "packet_type", "latitude", "longitude", "positioned", "speed", "gps_time", "server_time", "metadata"}

const createTable = `CREATE TABLE IF NOT EXISTS %s (
	device_id   text NOT NULL,
	protocol    text NOT NULL,
	packet_type text NOT NULL,
	latitude    double precision NOT NULL,
	longitude   double precision NOT NULL,
	positioned  boolean NOT NULL,
	speed       real NOT NULL,
	gps_time    timestamptz NOT NULL,
	server_time timestamptz NOT NULL,
	metadata    jsonb
)`

// Store batches records and writes them with COPY. A batch is flushed when
// it is full or older than MaxAgeFlush.
type Store struct {
	config *StoreConfig
	wlock  sync.Mutex
	wbuf   buffer
	flushq chan buffer
	dbp    *pgxpool.Pool
	log    log.Logger
	table  string
}

type StoreConfig struct {
	BufSize     int
	TickerDur   time.Duration
	MaxAgeFlush time.Duration
}

type buffer struct {
	seq uint64
	t1  time.Time
	buf []record
}

func new_buffer(seq uint64, len int) buffer {
	return buffer{seq: seq, buf: make([]record, 0, len)}
}

type record struct {
	device_id   string
	protocol    string
	packet_type string
	lat         float64
	lon         float64
	positioned  bool
	speed       float32
	gpst        time.Time
	srvt        time.Time
	metadata    string
}

func NewStore(db *pgxpool.Pool, table string, config *StoreConfig) *Store {
	o := &Store{}
	if config.BufSize <= 0 {
		config.BufSize = 100
	}
	if config.TickerDur <= 0 {
		config.TickerDur = 5 * time.Second
	}
	if config.MaxAgeFlush <= 0 {
		config.MaxAgeFlush = 5 * time.Second
	}
	o.config = config
	o.table = table
	o.dbp = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	o.wbuf = new_buffer(0, o.config.BufSize)
	o.flushq = make(chan buffer, 8)
	return o
}

// EnsureTable creates the telemetry table on first use.
func (st *Store) EnsureTable(ctx context.Context) error {
	ident := pgx.Identifier{st.table}.Sanitize()
	_, err := st.dbp.Exec(ctx, "SELECT 1 FROM "+ident+" LIMIT 0")
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UndefinedTable {
		return err
	}
	st.log.Info().Str("table", st.table).Msg("creating telemetry table")
	_, err = st.dbp.Exec(ctx, fmt.Sprintf(createTable, ident))
	return err
}

// Run flushes batches until ctx is done, then writes what is left.
func (st *Store) Run(ctx context.Context) {
	st.log.Info().Msg("starting flusher task")
	ticker := time.NewTicker(st.config.TickerDur)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			st.wlock.Lock()
			st.flush()
			st.wlock.Unlock()
			st.drain()
			return
		case t := <-ticker.C:
			st.wlock.Lock()
			if len(st.wbuf.buf) != 0 && t.Sub(st.wbuf.t1) > st.config.MaxAgeFlush {
				st.flush()
			}
			st.wlock.Unlock()
		case buf := <-st.flushq:
			st.copy(buf)
		}
	}
}

func (st *Store) drain() {
	for {
		select {
		case buf := <-st.flushq:
			st.copy(buf)
		default:
			return
		}
	}
}

// Put satisfies store.TelemetryStore.
func (st *Store) Put(ev telemetry.Event) {
	st.put(toRecord(ev))
}

func toRecord(ev telemetry.Event) record {
	r := ev.Record
	md, _ := json.Marshal(r.Metadata)
	return record{
		device_id:   r.DeviceID(),
		protocol:    r.ProtocolName(),
		packet_type: r.PacketType(),
		lat:         r.Latitude,
		lon:         r.Longitude,
		positioned:  r.Positioned,
		speed:       r.SpeedKmh,
		gpst:        r.Timestamp,
		srvt:        ev.ReceivedAt,
		metadata:    string(md),
	}
}

func (st *Store) put(rec record) {
	st.wlock.Lock()
	if len(st.wbuf.buf) == 0 {
		st.wbuf.t1 = time.Now().UTC()
	}
	st.wbuf.buf = append(st.wbuf.buf, rec)
	if len(st.wbuf.buf) >= st.config.BufSize {
		st.flush()
	}
	st.wlock.Unlock()
}

// flush hands the write buffer to the flusher. wlock must be held.
func (st *Store) flush() {
	if len(st.wbuf.buf) == 0 {
		return
	}
	select {
	case st.flushq <- st.wbuf:
	default:
		st.log.Error().Uint64("seq", st.wbuf.seq).Int("length", len(st.wbuf.buf)).Msg("flush queue full, batch dropped")
	}
	st.wbuf = new_buffer(st.wbuf.seq+1, st.config.BufSize)
}

func (st *Store) copy(buf buffer) {
	t1 := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := st.dbp.CopyFrom(ctx,
		pgx.Identifier{st.table},
		columns,
		pgx.CopyFromSlice(len(buf.buf), func(i int) ([]interface{}, error) {
			d := buf.buf[i]
			return []interface{}{d.device_id, d.protocol, d.packet_type, d.lat, d.lon, d.positioned, d.speed, d.gpst, d.srvt, d.metadata}, nil
		}))
	if err != nil {
		st.log.Error().Err(err).Uint64("seq", buf.seq).Msg("flush error")
	} else {
		st.log.Debug().Str("action", "flush").Int("length", len(buf.buf)).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
	}
}

// CommandLog writes the command audit trail.
type CommandLog struct {
	db  *pgxpool.Pool
	log log.Logger
}

func NewCommandLog(db *pgxpool.Pool) *CommandLog {
	m := CommandLog{}
	m.db = db
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "command_log").Value()
	return &m
}

const createCommandTables = `
CREATE TABLE IF NOT EXISTS command_log (device_id text NOT NULL, kind text NOT NULL, command text NOT NULL, delivered boolean NOT NULL, sent_time timestamptz NOT NULL);
CREATE TABLE IF NOT EXISTS command_response (device_id text NOT NULL, command_id text NOT NULL, status text NOT NULL, received_time timestamptz NOT NULL)`

func (st *CommandLog) EnsureTables(ctx context.Context) error {
	_, err := st.db.Exec(ctx, createCommandTables)
	return err
}

func (st *CommandLog) SaveCommand(device_id string, kind string, command string, delivered bool, t time.Time) {
	_, err := st.db.Exec(context.Background(), `INSERT INTO command_log (device_id,kind,command,delivered,sent_time) VALUES ($1,$2,$3,$4,$5)`, device_id, kind, command, delivered, t)
	if err != nil {
		st.log.Error().Err(err).Msg("error saving command")
	}
}

func (st *CommandLog) SaveCommandResponse(device_id string, command_id string, status string, t time.Time) {
	_, err := st.db.Exec(context.Background(), `INSERT INTO command_response (device_id,command_id,status,received_time) VALUES ($1,$2,$3,$4)`, device_id, command_id, status, t)
	if err != nil {
		st.log.Error().Err(err).Msg("error saving command response")
	}
}

// Responses returns a sink that records command_response packets. The insert
// runs on its own goroutine so the publisher is never held up by the db.
func (st *CommandLog) Responses() func(ctx context.Context, ev telemetry.Event) {
	return func(ctx context.Context, ev telemetry.Event) {
		r := ev.Record
		if r.PacketType() != protocol.KindCommandResponse.String() {
			return
		}
		go st.SaveCommandResponse(r.DeviceID(), r.Metadata.String(protocol.KeyCommandID), r.Metadata.String(protocol.KeyCommandState), ev.ReceivedAt)
	}
}
