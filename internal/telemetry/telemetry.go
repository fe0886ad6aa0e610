// Package telemetry fans decoded records and connection events out to the
// sinks that consume them.
package telemetry

import (
	"context"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"
	"nuha.dev/trackgw/internal/gw/protocol"
)

const (
	TopicRecord     = "telemetry.record"
	TopicConnOpened = "connection.opened"
	TopicConnClosed = "connection.closed"

	SINK_PANIC = "sink_panic"
	EMIT_ERROR = "emit_error"
)

// 2024-01-01T00:00:00Z in ms, the epoch of generated event ids.
const idEpoch = uint64(1704067200000)

type Event struct {
	ID         string           `json:"id"`
	ConnID     uint64           `json:"conn_id"`
	Source     string           `json:"source"`
	ReceivedAt time.Time        `json:"received_at"`
	Record     *protocol.Record `json:"record"`
}

type ConnEvent struct {
	ID         string    `json:"id"`
	ConnID     uint64    `json:"conn_id"`
	RemoteAddr string    `json:"remote_addr"`
	DeviceID   string    `json:"device_id"`
	At         time.Time `json:"at"`
}

// Hub is a synchronous in-process bus. Sinks run on the publishing goroutine
// and must not block.
type Hub struct {
	b   *bus.Bus
	log log.Logger
}

func NewHub(node uint64) (*Hub, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), node, idEpoch)
	if err != nil {
		return nil, err
	}
	var next bus.Next = m.Next
	b, err := bus.NewBus(next)
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(TopicRecord, TopicConnOpened, TopicConnClosed)
	h := &Hub{b: b}
	h.log = log.DefaultLogger
	h.log.Context = log.NewContext(nil).Str("module", "telemetry").Value()
	return h, nil
}

// Publish is the onTelemetry hand-off, called once per dispatched message.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	h.emit(ctx, TopicRecord, ev)
}

func (h *Hub) ConnOpened(ctx context.Context, ev ConnEvent) {
	h.emit(ctx, TopicConnOpened, ev)
}

func (h *Hub) ConnClosed(ctx context.Context, ev ConnEvent) {
	h.emit(ctx, TopicConnClosed, ev)
}

func (h *Hub) emit(ctx context.Context, topic string, data interface{}) {
	if err := h.b.Emit(ctx, topic, data); err != nil {
		h.log.Error().Str("event", EMIT_ERROR).Str("topic", topic).Err(err).Msg("")
	}
}

// OnTelemetry registers fn for every decoded record under key.
func (h *Hub) OnTelemetry(key string, fn func(ctx context.Context, ev Event)) {
	h.Subscribe(key, "^"+TopicRecord+"$", func(ctx context.Context, e bus.Event) {
		ev, ok := e.Data.(Event)
		if !ok {
			return
		}
		if ev.ID == "" {
			ev.ID = e.ID
		}
		fn(ctx, ev)
	})
}

// OnConnection registers fn for connection open and close events.
func (h *Hub) OnConnection(key string, fn func(ctx context.Context, topic string, ev ConnEvent)) {
	h.Subscribe(key, "^connection\\.", func(ctx context.Context, e bus.Event) {
		ev, ok := e.Data.(ConnEvent)
		if !ok {
			return
		}
		if ev.ID == "" {
			ev.ID = e.ID
		}
		fn(ctx, e.Topic, ev)
	})
}

// Subscribe registers a raw bus handler. A panicking sink is logged and
// does not affect the publisher or other sinks.
func (h *Hub) Subscribe(key string, matcher string, fn func(ctx context.Context, e bus.Event)) {
	h.b.RegisterHandler(key, bus.Handler{
		Matcher: matcher,
		Handle: func(ctx context.Context, e bus.Event) {
			defer func() {
				if v := recover(); v != nil {
					h.log.Error().Str("event", SINK_PANIC).Str("sink", key).Str("topic", e.Topic).Msgf("%v", v)
				}
			}()
			fn(ctx, e)
		},
	})
}

func (h *Hub) Unsubscribe(key string) {
	h.b.DeregisterHandler(key)
}
