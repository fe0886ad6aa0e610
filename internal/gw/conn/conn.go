package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
)

var ErrClosed = errors.New("connection closed")

// Conn is a device connection. Reads belong to the connection goroutine,
// writes may come from any goroutine and are serialized.
type Conn struct {
	cid      uint64
	tuple    []string
	raddr    string
	conn     net.Conn
	wmu      sync.Mutex
	closed   uint32
	created  time.Time
	byte_in  uint64
	byte_out uint64
}

// NewConn wraps c. raddr overrides the socket peer address, used for
// tunnelled streams where the real peer arrives in-band.
func NewConn(c net.Conn, cid uint64, raddr string) *Conn {
	sourceip, sourceport, _ := net.SplitHostPort(c.RemoteAddr().String())
	targetip, targetport, _ := net.SplitHostPort(c.LocalAddr().String())
	if raddr == "" {
		raddr = c.RemoteAddr().String()
	}
	return &Conn{
		cid:     cid,
		tuple:   []string{sourceip, sourceport, targetip, targetport},
		raddr:   raddr,
		conn:    c,
		created: time.Now(),
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.conn.Read(p)
	atomic.AddUint64(&c.byte_in, uint64(n))
	return n, err
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Send writes p in full. It gives up when ctx is done and fails fast once
// the connection is closed.
func (c *Conn) Send(ctx context.Context, p []byte) error {
	if c.Closed() {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.Closed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
	})
	n, err := c.conn.Write(p)
	stop()
	_ = c.conn.SetWriteDeadline(time.Time{})
	atomic.AddUint64(&c.byte_out, uint64(n))
	if err != nil {
		if c.Closed() {
			return ErrClosed
		}
		if ctx.Err() != nil {
			return fmt.Errorf("write: %w", ctx.Err())
		}
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Conn) Close() error {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return nil
	}
	return c.conn.Close()
}

func (c *Conn) Closed() bool {
	return atomic.LoadUint32(&c.closed) == 1
}

func (c *Conn) Cid() uint64 {
	return c.cid
}

func (c *Conn) RemoteAddr() string {
	return c.raddr
}

func (c *Conn) Created() time.Time {
	return c.created
}

func (c *Conn) Stat() (byte_in uint64, byte_out uint64) {
	return atomic.LoadUint64(&c.byte_in), atomic.LoadUint64(&c.byte_out)
}

func (c *Conn) MarshalObject(e *log.Entry) {
	e.Uint64("cid", c.cid).Str("remote", c.raddr).Strs("socket", c.tuple)
}
