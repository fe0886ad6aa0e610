package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/yamux"
)

var errPeerLine = errors.New("tunnel peer line too long")

// runTunnel dials the relay and accepts device streams from it, redialling
// until ctx is done.
func (s *Server) runTunnel(ctx context.Context) {
	for ctx.Err() == nil {
		t0 := time.Now()
		err := s.tunnelOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Str("tunnel", s.config.TunnelAddr).Msg("tunnel session ended")
		}
		if time.Since(t0) < 10*time.Second {
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

func (s *Server) tunnelOnce(ctx context.Context) error {
	s.log.Info().Msgf("dialling tunnel %s", s.config.TunnelAddr)
	var d net.Dialer
	yconn, err := d.DialContext(ctx, "tcp", s.config.TunnelAddr)
	if err != nil {
		return err
	}
	if _, err = yconn.Write([]byte(s.config.TunnelToken)); err != nil {
		yconn.Close()
		return err
	}
	status := []byte{0}
	_ = yconn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err = io.ReadFull(yconn, status); err != nil {
		yconn.Close()
		return err
	}
	_ = yconn.SetReadDeadline(time.Time{})
	if status[0] != '+' {
		yconn.Close()
		return errors.New("tunnel rejected token")
	}
	s.log.Info().Msg("yamux tunnel accepted")
	session, err := yamux.Client(yconn, nil)
	if err != nil {
		yconn.Close()
		return err
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-session.CloseChan():
		}
		session.Close()
	}()
	return s.acceptLoop(ctx, session, true)
}

// readPeerLine reads the "<ip>:<port>\n" header the relay writes on every
// stream. It reads byte by byte so nothing past the header is consumed.
func readPeerLine(c net.Conn) (string, error) {
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer c.SetReadDeadline(time.Time{})
	var sb strings.Builder
	b := []byte{0}
	for sb.Len() < 128 {
		if _, err := io.ReadFull(c, b); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			return strings.TrimSpace(sb.String()), nil
		}
		sb.WriteByte(b[0])
	}
	return "", errPeerLine
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
