package webstream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nuha.dev/trackgw/internal/gw/protocol"
	"nuha.dev/trackgw/internal/telemetry"
)

func TestStream(t *testing.T) {
	ws := NewWebstream()
	srv := httptest.NewServer(ws)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?device=1234567890"
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")
	for ws.Clients() == 0 {
		time.Sleep(time.Millisecond)
	}

	ws.Publish(ctx, telemetry.Event{ConnID: 1, Record: protocol.NewRecord("999", "h02", "HQ", protocol.KindGPS)})
	ws.Publish(ctx, telemetry.Event{ConnID: 2, Record: protocol.NewRecord("1234567890", "h02", "HQ", protocol.KindHeartbeat)})

	_, d, err := c.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		ConnID uint64 `json:"conn_id"`
		Record struct {
			Metadata map[string]interface{} `json:"metadata"`
		} `json:"record"`
	}
	if err := json.Unmarshal(d, &got); err != nil {
		t.Fatal(err)
	}
	if got.ConnID != 2 || got.Record.Metadata["packetType"] != "heartbeat" {
		t.Error(string(d))
	}
}

func TestSlowClientSkips(t *testing.T) {
	c := &client{loc: make(chan []byte, 1)}
	c.push([]byte("a"))
	c.push([]byte("b"))
	if c.pushed != 1 || c.skipped != 1 {
		t.Error(c.pushed, c.skipped)
	}
}
