package oftp_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drunlade/go-oftp/oftp"
)

type frame struct {
	from string
	kind oftp.CommandKind
	data []byte
}

// trace records every frame sent through a pipe in send order.
type trace struct {
	mu     sync.Mutex
	frames []frame
}

func (t *trace) add(from string, p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, frame{from: from, kind: oftp.CommandKind(p[0]), data: p})
}

func (t *trace) all() []frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]frame(nil), t.frames...)
}

// kinds returns the signatures sent from one side, Data commands excluded.
func (t *trace) kinds(from string) []oftp.CommandKind {
	var out []oftp.CommandKind
	for _, f := range t.all() {
		if f.from == from && f.kind != oftp.CmdData {
			out = append(out, f.kind)
		}
	}
	return out
}

func (t *trace) last(from string, kind oftp.CommandKind) []byte {
	var out []byte
	for _, f := range t.all() {
		if f.from == from && f.kind == kind {
			out = f.data
		}
	}
	return out
}

// pipeEnd is one side of an in-memory command channel.
type pipeEnd struct {
	name   string
	trace  *trace
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
	peer   *pipeEnd

	// failSend, when set, fails a send and disconnects
	failSend func(p []byte) bool
}

func newPipe(a, b string) (*pipeEnd, *pipeEnd, *trace) {
	tr := &trace{}
	ab := make(chan []byte, 2048)
	ba := make(chan []byte, 2048)
	x := &pipeEnd{name: a, trace: tr, in: ba, out: ab, closed: make(chan struct{})}
	y := &pipeEnd{name: b, trace: tr, in: ab, out: ba, closed: make(chan struct{})}
	x.peer, y.peer = y, x
	return x, y, tr
}

func (e *pipeEnd) Name() string                           { return "pipe:" + e.name }
func (e *pipeEnd) UserData() string                       { return "" }
func (e *pipeEnd) InitialCapabilities() oftp.Capabilities { return 0 }

func (e *pipeEnd) Disconnect() error {
	e.once.Do(func() { close(e.closed) })
	return nil
}

func (e *pipeEnd) Send(ctx context.Context, p []byte) error {
	select {
	case <-e.closed:
		return io.ErrClosedPipe
	case <-e.peer.closed:
		return io.ErrClosedPipe
	default:
	}
	if e.failSend != nil && e.failSend(p) {
		e.Disconnect()
		return io.ErrClosedPipe
	}

	b := append([]byte(nil), p...)
	e.trace.add(e.name, b)
	select {
	case e.out <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.peer.closed:
		return io.ErrClosedPipe
	}
}

func (e *pipeEnd) Receive(ctx context.Context, buf []byte) (int, error) {
	select {
	case b := <-e.in:
		return deliver(buf, b)
	default:
	}
	select {
	case b := <-e.in:
		return deliver(buf, b)
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-e.closed:
		return 0, io.ErrClosedPipe
	case <-e.peer.closed:
		select {
		case b := <-e.in:
			return deliver(buf, b)
		default:
			return 0, io.EOF
		}
	}
}

func deliver(buf, b []byte) (int, error) {
	if len(b) > len(buf) {
		return 0, fmt.Errorf("command of %d bytes exceeds buffer of %d", len(b), len(buf))
	}
	return copy(buf, b), nil
}

// script drives one pipe end by hand with raw commands.
type script struct {
	end     *pipeEnd
	version oftp.Version
	buf     []byte
}

func newScript(end *pipeEnd, v oftp.Version) *script {
	return &script{end: end, version: v, buf: make([]byte, oftp.MaxBufferSize)}
}

func (s *script) send(m oftp.Message) error {
	p, err := oftp.Encode(make([]byte, oftp.MaxBufferSize), s.version, m)
	if err != nil {
		return err
	}
	return s.end.Send(context.Background(), p)
}

func (s *script) recv() (oftp.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := s.end.Receive(ctx, s.buf)
	if err != nil {
		return nil, err
	}
	return oftp.Decode(s.buf[:n], s.version)
}

// expect receives a command of type T.
func expect[T oftp.Message](s *script) (T, error) {
	var zero T
	m, err := s.recv()
	if err != nil {
		return zero, err
	}
	v, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("got %s, want %T", oftp.Describe(m), zero)
	}
	return v, nil
}

// runScript runs fn against a scripted peer and returns its result channel.
func runScript(s *script, fn func(*script) error) <-chan error {
	done := make(chan error, 1)
	go func() {
		err := fn(s)
		s.end.Disconnect()
		done <- err
	}()
	return done
}

func waitScript(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("scripted peer did not finish")
	}
}
