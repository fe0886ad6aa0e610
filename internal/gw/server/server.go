// Package server accepts device connections and drives the
// read, frame, dispatch and publish loop of each one.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"
	"nuha.dev/trackgw/internal/gw/conn"
	"nuha.dev/trackgw/internal/gw/frame"
	"nuha.dev/trackgw/internal/gw/protocol"
	"nuha.dev/trackgw/internal/gw/registry"
	"nuha.dev/trackgw/internal/telemetry"
)

const (
	NEW_CONNECTION    string = "new_connection"
	CONNECTION_CLOSED string = "connection_closed"
	FRAMING_OVERFLOW  string = "framing_overflow"
	READ_ERROR        string = "read_error"
	IDLE_TIMEOUT      string = "idle_timeout"
	REREGISTERED      string = "reregistered"
	PARTIAL_FLUSH     string = "partial_flush"
)

// Sink receives decoded records and connection lifecycle events.
type Sink interface {
	Publish(ctx context.Context, ev telemetry.Event)
	ConnOpened(ctx context.Context, ev telemetry.ConnEvent)
	ConnClosed(ctx context.Context, ev telemetry.ConnEvent)
}

type ServerConfig struct {
	ListenerAddr    string
	ProxyProtocol   bool
	TunnelAddr      string
	TunnelToken     string
	ReadIdleTimeout time.Duration
	ReadBufSize     int
	Framing         frame.Config
}

type Server struct {
	mu          sync.Mutex
	log         log.Logger
	config      *ServerConfig
	cid_counter uint64
	protos      *protocol.Registry
	conns       *registry.Registry
	sink        Sink
	listener    net.Listener
	conn_list   map[uint64]*conn.Conn
	wg          sync.WaitGroup
}

func NewServer(protos *protocol.Registry, conns *registry.Registry, sink Sink, config *ServerConfig) *Server {
	s := &Server{}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "gw-server").Value()
	if config.ReadIdleTimeout <= 0 {
		config.ReadIdleTimeout = 5 * time.Minute
	}
	if config.ReadBufSize <= 0 {
		config.ReadBufSize = 1024
	}
	s.config = config
	s.protos = protos
	s.conns = conns
	s.sink = sink
	s.conn_list = make(map[uint64]*conn.Conn)
	return s
}

// Run listens on the configured address, plus the tunnel when one is
// configured, until ctx is done. Only listener failures are returned.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info().Msgf("starting gw-server on %s", s.config.ListenerAddr)
	ln, err := net.Listen("tcp", s.config.ListenerAddr)
	if err != nil {
		return err
	}
	if s.config.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	if s.config.TunnelAddr != "" {
		go s.runTunnel(ctx)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is done or Accept fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		ln.Close()
		s.closeAll()
	}()
	err := s.acceptLoop(ctx, ln, false)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, tunnelled bool) error {
	for {
		_c, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				s.log.Error().Err(err).Msg("failed to accept new connection")
			}
			return err
		}
		cid := atomic.AddUint64(&s.cid_counter, 1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			raddr := ""
			if tunnelled {
				var perr error
				raddr, perr = readPeerLine(_c)
				if perr != nil {
					s.log.Error().Err(perr).Uint64("cid", cid).Msg("missing tunnel peer address")
					_c.Close()
					return
				}
			}
			s.handle(ctx, conn.NewConn(_c, cid, raddr))
		}()
	}
}

// Wait blocks until every connection goroutine has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Close drops a live connection, used by the admin API.
func (s *Server) Close(cid uint64) bool {
	s.mu.Lock()
	c, ok := s.conn_list[cid]
	s.mu.Unlock()
	if ok {
		c.Close()
	}
	return ok
}

func (s *Server) closeAll() {
	s.mu.Lock()
	list := make([]*conn.Conn, 0, len(s.conn_list))
	for _, c := range s.conn_list {
		list = append(list, c)
	}
	s.mu.Unlock()
	for _, c := range list {
		c.Close()
	}
}

func (s *Server) handle(ctx context.Context, c *conn.Conn) {
	ConnectionsTotal.Inc()
	ConnectionsOpen.Inc()
	s.log.Info().Str("event", NEW_CONNECTION).EmbedObject(c).Msg("")
	s.mu.Lock()
	s.conn_list[c.Cid()] = c
	s.mu.Unlock()
	s.conns.Register(c.Cid(), protocol.UnknownDevice, c.RemoteAddr(), c)
	s.sink.ConnOpened(ctx, telemetry.ConnEvent{ConnID: c.Cid(), RemoteAddr: c.RemoteAddr(), DeviceID: protocol.UnknownDevice, At: time.Now()})

	st := &connState{c: c, device: protocol.UnknownDevice, framer: frame.NewFramer(s.config.Framing)}
	defer func() {
		s.conns.Remove(c.Cid())
		c.Close()
		st.framer.Reset()
		s.mu.Lock()
		delete(s.conn_list, c.Cid())
		s.mu.Unlock()
		ConnectionsOpen.Dec()
		in, out := c.Stat()
		s.log.Info().Str("event", CONNECTION_CLOSED).EmbedObject(c).Str("device_id", st.device).Uint64("byte_in", in).Uint64("byte_out", out).Msg("")
		s.sink.ConnClosed(ctx, telemetry.ConnEvent{ConnID: c.Cid(), RemoteAddr: c.RemoteAddr(), DeviceID: st.device, At: time.Now()})
	}()

	buf := make([]byte, s.config.ReadBufSize)
	for {
		_ = c.SetReadDeadline(time.Now().Add(s.config.ReadIdleTimeout))
		n, err := c.Read(buf)
		if n > 0 {
			msgs, ferr := st.framer.Feed(buf[:n])
			for _, m := range msgs {
				s.process(ctx, st, m)
			}
			if errors.Is(ferr, frame.ErrOverflow) {
				FramingOverflows.Inc()
				s.log.Warn().Str("event", FRAMING_OVERFLOW).EmbedObject(c).Int("max_len", s.config.Framing.MaxLen).Msg("buffer reset")
			}
		}
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				s.log.Info().Str("event", IDLE_TIMEOUT).EmbedObject(c).Dur("idle", s.config.ReadIdleTimeout).Msg("")
			case c.Closed() || isEOF(err):
			default:
				s.log.Warn().Str("event", READ_ERROR).EmbedObject(c).Err(err).Msg("")
			}
			if rest, ok := st.framer.Flush(); ok {
				s.log.Debug().Str("event", PARTIAL_FLUSH).EmbedObject(c).Int("len", len(rest)).Msg("")
				s.process(ctx, st, rest)
			}
			return
		}
	}
}

type connState struct {
	c      *conn.Conn
	device string
	framer *frame.Framer
}

func (s *Server) process(ctx context.Context, st *connState, msg string) {
	FramesTotal.Inc()
	t0 := time.Now()
	rec, err := s.protos.Dispatch(msg)
	DispatchLatency.Observe(time.Since(t0).Seconds())
	if err != nil {
		ParseFailures.Inc()
		return
	}
	RecordsTotal.WithLabelValues(rec.ProtocolName(), rec.PacketType()).Inc()

	cid := st.c.Cid()
	fresh := !s.conns.Touch(cid)
	if fresh {
		// evicted by a failed command write while the socket kept talking
		s.log.Info().Str("event", REREGISTERED).EmbedObject(st.c).Msg("")
		s.conns.Register(cid, st.device, st.c.RemoteAddr(), st.c)
	}
	dev := rec.DeviceID()
	if dev != "" && dev != protocol.UnknownDevice && rec.ProtocolName() != protocol.GenericName {
		if fresh || dev != st.device || rec.PacketType() == protocol.KindLogin.String() {
			st.device = dev
			s.conns.UpdateDeviceID(cid, dev, rec.ProtocolName())
		}
	}
	s.sink.Publish(ctx, telemetry.Event{ConnID: cid, Source: st.c.RemoteAddr(), ReceivedAt: t0, Record: rec})
}
