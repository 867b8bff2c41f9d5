package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drunlade/go-oftp/fileservice/memory"
	"github.com/drunlade/go-oftp/oftp"
)

func TestFrameLayout(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, WriteFrame(&b, []byte("IODETTE FTP READY \r")))
	assert.Equal(t, []byte{0x10, 0x00, 0x00, 23}, b.Bytes()[:4])

	buf := make([]byte, 64)
	n, err := ReadFrame(&b, buf)
	require.NoError(t, err)
	assert.Equal(t, "IODETTE FTP READY \r", string(buf[:n]))
}

func TestMalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"wrong header", []byte{0x11, 0, 0, 5, 'P'}},
		{"empty command", []byte{0x10, 0, 0, 4}},
		{"too long", append([]byte{0x10, 0, 0, 12}, bytes.Repeat([]byte{'D'}, 8)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.input), make([]byte, 4))
			assert.True(t, oftp.IsRemoteEnd(err), "%v", err)
		})
	}
}

func TestFrameLimits(t *testing.T) {
	var e *oftp.Error
	err := WriteFrame(&bytes.Buffer{}, nil)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, oftp.ErrInternal, e.Type)

	frame, err := appendFrame([]byte("kept"), []byte("X"))
	require.NoError(t, err)
	assert.Equal(t, []byte{'k', 'e', 'e', 'p', 0x10, 0, 0, 5, 'X'}, frame)

	a, _ := net.Pipe()
	c := NewConn(a)
	defer c.Disconnect()
	err = c.Send(context.Background(), nil)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, oftp.ErrInternal, e.Type)
}

func connPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	ca, cb := NewConn(a, WithName("a")), NewConn(b, WithName("b"))
	t.Cleanup(func() {
		ca.Disconnect()
		cb.Disconnect()
	})
	return ca, cb
}

func TestConnSendReceive(t *testing.T) {
	a, b := connPair(t)
	payload := bytes.Repeat([]byte{'D'}, 5000)

	errc := make(chan error, 1)
	go func() { errc <- a.Send(context.Background(), payload) }()

	buf := make([]byte, oftp.MaxBufferSize)
	n, err := b.Receive(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
	require.NoError(t, <-errc)
}

func TestConnReceiveTimeout(t *testing.T) {
	_, b := connPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Receive(ctx, make([]byte, 128))
	require.Error(t, err)
	timedOut := errors.Is(err, context.DeadlineExceeded) || oftp.IsTimeout(err)
	assert.True(t, timedOut, "%v", err)
}

func TestConnReceiveCancel(t *testing.T) {
	a, b := connPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	buf := make([]byte, 128)
	_, err := b.Receive(ctx, buf)
	assert.ErrorIs(t, err, context.Canceled)

	// the connection stays usable after a cancelled receive
	go a.Send(context.Background(), []byte("P\r"))
	n, err := b.Receive(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, "P\r", string(buf[:n]))
}

func TestConnClosedByPeer(t *testing.T) {
	a, b := connPair(t)
	require.NoError(t, a.Disconnect())
	_, err := b.Receive(context.Background(), make([]byte, 128))
	assert.True(t, oftp.IsRemoteEnd(err), "%v", err)
	assert.NoError(t, a.Disconnect(), "disconnect is idempotent")
}

func TestAddress(t *testing.T) {
	assert.Equal(t, "oftp.example.com:6619", Address("oftp.example.com", false))
	assert.Equal(t, "oftp.example.com:3305", Address("oftp.example.com", true))
	assert.Equal(t, "10.0.0.1:7000", Address("10.0.0.1:7000", true))
	assert.Equal(t, "[::1]:6619", Address("::1", false))
}

func TestSessionOverTCP(t *testing.T) {
	l, err := Listen("127.0.0.1:0", nil, 4, WithUserData("SRV"))
	require.NoError(t, err)
	defer l.Close()

	server := memory.New("SERVER")
	client := memory.New("CLIENT")
	data := bytes.Repeat([]byte("ODETTE "), 3000)
	client.Queue(oftp.FileID{VirtualFileName: "PAYLOAD", Stamp: time.Now().UTC().Truncate(time.Second), Partner: "SERVER"}, data, nil, "")

	serverConfig := oftp.DefaultConfig()
	serverConfig.LocalID = "SERVER"
	clientConfig := oftp.DefaultConfig()
	clientConfig.LocalID, clientConfig.Password = "CLIENT", "SECRET"

	var wg sync.WaitGroup
	var serverErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := l.AcceptConn()
		if err != nil {
			serverErr = err
			return
		}
		serverErr = oftp.NewSession(conn, server.Provider("CLIENT", "SECRET"), oftp.WithConfig(serverConfig)).
			Accept(context.Background())
	}()

	d := &Dialer{Timeout: 5 * time.Second}
	conn, err := d.Dial(context.Background(), l.Addr().String())
	require.NoError(t, err)
	err = oftp.NewSession(conn, client.Provider("SERVER", ""), oftp.WithConfig(clientConfig)).Initiate(context.Background())
	require.NoError(t, err)
	wg.Wait()
	require.NoError(t, serverErr)

	in := server.InFileList()
	require.Len(t, in, 1)
	assert.Equal(t, data, in[0].Data)
	assert.Equal(t, memory.StateDone, client.OutFileList()[0].State)
}
