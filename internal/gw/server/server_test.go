package server

import (
	"bufio"
	"context"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"nuha.dev/trackgw/internal/gw/frame"
	"nuha.dev/trackgw/internal/gw/protocol"
	"nuha.dev/trackgw/internal/gw/protocol/h02"
	"nuha.dev/trackgw/internal/gw/protocol/sk"
	"nuha.dev/trackgw/internal/gw/registry"
	"nuha.dev/trackgw/internal/telemetry"
)

type chanSink struct {
	records chan telemetry.Event
	mu      sync.Mutex
	opened  int
	closed  chan telemetry.ConnEvent
}

func newChanSink() *chanSink {
	return &chanSink{records: make(chan telemetry.Event, 16), closed: make(chan telemetry.ConnEvent, 4)}
}

func (s *chanSink) Publish(ctx context.Context, ev telemetry.Event) {
	s.records <- ev
}

func (s *chanSink) ConnOpened(ctx context.Context, ev telemetry.ConnEvent) {
	s.mu.Lock()
	s.opened++
	s.mu.Unlock()
}

func (s *chanSink) ConnClosed(ctx context.Context, ev telemetry.ConnEvent) {
	s.closed <- ev
}

type fixture struct {
	srv    *Server
	conns  *registry.Registry
	protos *protocol.Registry
	sink   *chanSink
	cancel context.CancelFunc
}

func start(t *testing.T, idle time.Duration) *fixture {
	protos := protocol.NewRegistry(h02.NewParser(), sk.NewParser())
	conns := registry.NewRegistry(registry.Config{CommandTimeout: time.Second})
	sink := newChanSink()
	srv := NewServer(protos, conns, sink, &ServerConfig{
		ReadIdleTimeout: idle,
		Framing:         frame.Config{Start: '*', End: '#', MaxLen: 256},
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)
	for srv.Addr() == nil {
		time.Sleep(time.Millisecond)
	}
	return &fixture{srv: srv, conns: conns, protos: protos, sink: sink, cancel: cancel}
}

func (f *fixture) next(t *testing.T) telemetry.Event {
	select {
	case ev := <-f.sink.records:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no record")
	}
	return telemetry.Event{}
}

func TestEndToEnd(t *testing.T) {
	f := start(t, time.Minute)
	defer f.cancel()
	c, err := net.Dial("tcp", f.srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// split across writes on purpose
	_, _ = c.Write([]byte("*HQ,1234567890,V1,120000,A,3830.0000,N,009"))
	time.Sleep(10 * time.Millisecond)
	_, _ = c.Write([]byte("00.0000,E,10.0,45,010124,FFFFFBFF#*HQ,1234567890,HTBT,0190#"))

	ev := f.next(t)
	rec := ev.Record
	if math.Abs(rec.Latitude-38.5) > 1e-6 || math.Abs(rec.Longitude-9.0) > 1e-6 || math.Abs(float64(rec.SpeedKmh)-18.52) > 1e-4 {
		t.Error(rec)
	}
	if rec.PacketType() != "gps" {
		t.Error(rec.PacketType())
	}
	if ev := f.next(t); ev.Record.PacketType() != "heartbeat" {
		t.Error(ev.Record.PacketType())
	}

	e, ok := f.conns.Get("1234567890")
	if !ok || e.Protocol != h02.Name {
		t.Fatal(e, ok)
	}

	cmd := NewCommander(f.protos, f.conns)
	r := bufio.NewReader(c)
	done := make(chan string, 1)
	go func() {
		line, _ := r.ReadString('#')
		done <- line
	}()
	sent, err := cmd.Execute(context.Background(), "1234567890", CommandEngineOn)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-done:
		if got != sent {
			t.Error(got, sent)
		}
	case <-time.After(2 * time.Second):
		t.Error("command not received")
	}
}

func TestUnknownTrafficIsGeneric(t *testing.T) {
	f := start(t, time.Minute)
	defer f.cancel()
	c, _ := net.Dial("tcp", f.srv.Addr().String())
	defer c.Close()
	_, _ = c.Write([]byte("*ZZ,55,XY,1,2#"))
	ev := f.next(t)
	if ev.Record.PacketType() != "generic" || ev.Record.Metadata.String("part_4") != "2" {
		t.Error(ev.Record.Metadata.Keys())
	}
	if _, ok := f.conns.Get("55"); ok {
		t.Error("generic records must not bind a device")
	}
}

func TestDisconnectDeregisters(t *testing.T) {
	f := start(t, time.Minute)
	defer f.cancel()
	c, _ := net.Dial("tcp", f.srv.Addr().String())
	_, _ = c.Write([]byte("*SK,87654321,HB,00000000#*SK,87654321,LG,fw1"))
	f.next(t)
	c.Close()
	// the unterminated tail is flushed as a final message
	if ev := f.next(t); ev.Record.Metadata.String("part_3") != "fw1" {
		t.Error(ev.Record.Metadata.Keys())
	}
	select {
	case ev := <-f.sink.closed:
		if ev.DeviceID != "87654321" {
			t.Error(ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed")
	}
	if _, ok := f.conns.Lookup("87654321"); ok {
		t.Error()
	}
	if f.conns.SendCommand(context.Background(), "87654321", "x") {
		t.Error()
	}
}

func TestIdleTimeout(t *testing.T) {
	f := start(t, 50*time.Millisecond)
	defer f.cancel()
	c, _ := net.Dial("tcp", f.srv.Addr().String())
	defer c.Close()
	select {
	case <-f.sink.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection kept open")
	}
	if f.conns.Len() != 0 {
		t.Error()
	}
}

func TestCommandUnknownDevice(t *testing.T) {
	f := start(t, time.Minute)
	defer f.cancel()
	cmd := NewCommander(f.protos, f.conns)
	if _, err := cmd.Execute(context.Background(), "nope", CommandFuelCut); err != registry.ErrNotConnected {
		t.Error(err)
	}
}
