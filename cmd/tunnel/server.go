// Command tunnel is the public side of the gateway tunnel. Devices connect to
// -eaddr; every connection is carried to the gateway as a yamux stream that
// starts with a "<ip>:<port>\n" line naming the device.
package main

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	yamux "github.com/hashicorp/yamux"
	"github.com/rs/zerolog"
)

var eaddr = flag.String("eaddr", ":5555", "address for device connections")
var taddr = flag.String("taddr", ":5556", "address for the gateway tunnel")
var secret = flag.String("token", "token", "token the gateway must present")
var certfile = flag.String("cert", "", "tls certificate file")
var keyfile = flag.String("key", "", "tls key file")

var logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Str("module", "tunnel").Logger()

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("eaddr", *eaddr).Str("taddr", *taddr).Msg("starting relay")
	ylistener, err := tunnelListener()
	if err != nil {
		logger.Fatal().Err(err).Msg("tunnel listener")
	}
	go func() {
		<-ctx.Done()
		ylistener.Close()
	}()

	for ctx.Err() == nil {
		yconn, err := ylistener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error().Err(err).Msg("tunnel accept")
			time.Sleep(time.Second)
			continue
		}
		logger.Info().Str("remote", yconn.RemoteAddr().String()).Msg("gateway connected")
		// one gateway at a time; the next is accepted when this session ends
		if err := serveSession(ctx, yconn); err != nil {
			logger.Error().Err(err).Msg("session ended")
		}
	}
	logger.Info().Msg("relay stopped")
}

func tunnelListener() (net.Listener, error) {
	if *certfile == "" && *keyfile == "" {
		return net.Listen("tcp", *taddr)
	}
	cert, err := tls.LoadX509KeyPair(*certfile, *keyfile)
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", *taddr, &tls.Config{Certificates: []tls.Certificate{cert}})
}

func authenticate(yconn net.Conn) bool {
	token := make([]byte, 64)
	_ = yconn.SetReadDeadline(time.Now().Add(10 * time.Second))
	n, err := yconn.Read(token)
	_ = yconn.SetReadDeadline(time.Time{})
	if err != nil || subtle.ConstantTimeCompare(token[:n], []byte(*secret)) != 1 {
		_, _ = yconn.Write([]byte{'-'})
		return false
	}
	_, err = yconn.Write([]byte{'+'})
	return err == nil
}

func serveSession(ctx context.Context, yconn net.Conn) error {
	if !authenticate(yconn) {
		yconn.Close()
		return fmt.Errorf("gateway %s presented a bad token", yconn.RemoteAddr())
	}
	session, err := yamux.Server(yconn, nil)
	if err != nil {
		yconn.Close()
		return err
	}
	defer session.Close()

	listener, err := net.Listen("tcp", *eaddr)
	if err != nil {
		return err
	}
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sctx.Done():
		case <-session.CloseChan():
		}
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if session.IsClosed() {
				return fmt.Errorf("tunnel session closed")
			}
			return sctx.Err()
		}
		logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("device connected")
		go forward(session, conn)
	}
}

func forward(session *yamux.Session, conn net.Conn) {
	defer conn.Close()
	tstream, err := session.OpenStream()
	if err != nil {
		logger.Error().Err(err).Msg("open stream")
		return
	}
	defer tstream.Close()
	l := logger.With().Uint32("stream", tstream.StreamID()).Str("remote", conn.RemoteAddr().String()).Logger()
	if _, err := fmt.Fprintf(tstream, "%s\n", conn.RemoteAddr()); err != nil {
		l.Error().Err(err).Msg("write peer line")
		return
	}
	done := make(chan struct{})
	go func() {
		if _, err := io.Copy(tstream, conn); err != nil {
			l.Debug().Err(err).Msg("device to stream")
		}
		tstream.Close()
		close(done)
	}()
	if _, err := io.Copy(conn, tstream); err != nil {
		l.Debug().Err(err).Msg("stream to device")
	}
	conn.Close()
	<-done
	l.Debug().Msg("device disconnected")
}
