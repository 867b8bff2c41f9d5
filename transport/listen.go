package transport

import (
	"crypto/tls"
	"fmt"
	"net"

	"golang.org/x/net/netutil"
)

// Listener accepts inbound OFTP connections.
type Listener struct {
	net.Listener
	opts []Option
}

// Listen opens a TCP listener on address, wrapped in TLS when tlsConfig is
// set. A positive maxConns caps the number of open connections.
func Listen(address string, tlsConfig *tls.Config, maxConns int, opts ...Option) (*Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", address, err)
	}
	if maxConns > 0 {
		l = netutil.LimitListener(l, maxConns)
	}
	if tlsConfig != nil {
		l = tls.NewListener(l, tlsConfig)
	}
	return &Listener{Listener: l, opts: opts}, nil
}

// AcceptConn waits for the next connection.
func (l *Listener) AcceptConn(opts ...Option) (*Conn, error) {
	conn, err := l.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(conn, append(append([]Option(nil), l.opts...), opts...)...), nil
}
