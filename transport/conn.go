package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/drunlade/go-oftp/oftp"
)

// Conn is an oftp.Channel over a stream connection.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader

	name     string
	userData string
	caps     oftp.Capabilities

	wmu   sync.Mutex
	frame []byte

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Conn.
type Option func(*Conn)

// WithName overrides the channel name, which defaults to the remote address.
func WithName(name string) Option {
	return func(c *Conn) {
		c.name = name
	}
}

// WithUserData sets the SSIDUSER field sent on this connection.
func WithUserData(userData string) Option {
	return func(c *Conn) {
		c.userData = userData
	}
}

// WithCapabilities restricts the capabilities offered on this connection.
func WithCapabilities(caps oftp.Capabilities) Option {
	return func(c *Conn) {
		c.caps = caps
	}
}

// NewConn wraps conn.
func NewConn(conn net.Conn, opts ...Option) *Conn {
	c := &Conn{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 16*1024),
		name: conn.RemoteAddr().String(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) Name() string                           { return c.name }
func (c *Conn) UserData() string                       { return c.userData }
func (c *Conn) InitialCapabilities() oftp.Capabilities { return c.caps }

// Receive reads the next command into buf.
func (c *Conn) Receive(ctx context.Context, buf []byte) (int, error) {
	stop, err := c.bind(ctx, c.conn.SetReadDeadline)
	if err != nil {
		return 0, err
	}
	n, err := ReadFrame(c.r, buf)
	stop()
	if err != nil {
		return 0, c.mapError(ctx, "receive", err)
	}
	return n, nil
}

// Send writes p in one stream transmission buffer.
func (c *Conn) Send(ctx context.Context, p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	frame, err := appendFrame(c.frame[:0], p)
	if err != nil {
		return err
	}
	c.frame = frame

	stop, err := c.bind(ctx, c.conn.SetWriteDeadline)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(frame)
	stop()
	if err != nil {
		return c.mapError(ctx, "send", err)
	}
	return nil
}

// Disconnect closes the connection.
func (c *Conn) Disconnect() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// bind applies the context deadline to the connection and interrupts the
// pending operation when the context is cancelled.
func (c *Conn) bind(ctx context.Context, setDeadline func(time.Time) error) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	if err := setDeadline(deadline); err != nil {
		return nil, c.mapError(ctx, "deadline", err)
	}
	stop := context.AfterFunc(ctx, func() {
		setDeadline(time.Now())
	})
	return func() { stop() }, nil
}

func (c *Conn) mapError(ctx context.Context, op string, err error) error {
	var oe *oftp.Error
	switch {
	case errors.As(err, &oe):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return oftp.NewError(oftp.ErrRemoteEnd, op+": connection closed by "+c.name)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &oftp.Error{Type: oftp.ErrTimeout, Message: op + " timed out on " + c.name, Reason: oftp.EndSessionTimeOut}
	}
	return oftp.NewError(oftp.ErrRemoteEnd, op+" on "+c.name+": "+err.Error())
}
