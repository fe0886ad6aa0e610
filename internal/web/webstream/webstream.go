// Package webstream pushes live telemetry to websocket clients.
package webstream

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"
	"nuha.dev/trackgw/internal/telemetry"
)

const (
	WS_CONNECTED    = "ws_connected"
	WS_DISCONNECTED = "ws_disconnected"
)

type Webstream struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	log     log.Logger
}

type client struct {
	devices map[string]bool
	loc     chan []byte
	skipped uint64
	pushed  uint64
}

func (c *client) wants(deviceID string) bool {
	return len(c.devices) == 0 || c.devices[deviceID]
}

func (c *client) push(d []byte) {
	select {
	case c.loc <- d:
		atomic.AddUint64(&c.pushed, 1)
	default:
		atomic.AddUint64(&c.skipped, 1)
	}
}

func NewWebstream() *Webstream {
	ws := &Webstream{clients: make(map[*client]struct{})}
	ws.log = log.DefaultLogger
	ws.log.Context = log.NewContext(nil).Str("module", "webstream").Value()
	return ws
}

// Publish is a telemetry sink. Slow clients miss records instead of
// holding up the publisher.
func (ws *Webstream) Publish(ctx context.Context, ev telemetry.Event) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.clients) == 0 {
		return
	}
	d, err := json.Marshal(ev)
	if err != nil {
		return
	}
	dev := ev.Record.DeviceID()
	for c := range ws.clients {
		if c.wants(dev) {
			c.push(d)
		}
	}
}

func (ws *Webstream) Clients() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.clients)
}

func (ws *Webstream) subscribe(devices []string) *client {
	c := &client{devices: make(map[string]bool), loc: make(chan []byte, 64)}
	for _, d := range devices {
		if d = strings.TrimSpace(d); d != "" {
			c.devices[d] = true
		}
	}
	ws.mu.Lock()
	ws.clients[c] = struct{}{}
	ws.mu.Unlock()
	return c
}

func (ws *Webstream) unsubscribe(c *client) {
	ws.mu.Lock()
	delete(ws.clients, c)
	ws.mu.Unlock()
}

// ServeHTTP upgrades the request. ?device=a,b limits the stream to those ids.
func (ws *Webstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		ws.log.Error().Err(err).Msg("error while upgrading websocket")
		return
	}
	defer c.Close(websocket.StatusInternalError, "unhandled error")

	var devices []string
	if q := r.URL.Query().Get("device"); q != "" {
		devices = strings.Split(q, ",")
	}
	sub := ws.subscribe(devices)
	defer ws.unsubscribe(sub)
	ws.log.Info().Str("event", WS_CONNECTED).Str("remote", r.RemoteAddr).Strs("devices", devices).Msg("")

	ctx := c.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			ws.log.Info().Str("event", WS_DISCONNECTED).Str("remote", r.RemoteAddr).Uint64("pushed", atomic.LoadUint64(&sub.pushed)).Uint64("skipped", atomic.LoadUint64(&sub.skipped)).Msg("")
			c.Close(websocket.StatusNormalClosure, "")
			return
		case d := <-sub.loc:
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.Write(wctx, websocket.MessageText, d)
			cancel()
			if err != nil {
				ws.log.Error().Err(err).Msg("error while writing to connection")
				return
			}
		}
	}
}
