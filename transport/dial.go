package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// DefaultDialTimeout bounds connection setup when the dialer has none.
const DefaultDialTimeout = 30 * time.Second

// ProxyConfig describes a SOCKS5 proxy.
type ProxyConfig struct {
	// Network is "tcp" or "unix".
	Network  string
	Address  string
	User     string
	Password string
}

// Dialer opens outbound OFTP connections.
type Dialer struct {
	// Timeout bounds connection setup including the TLS handshake.
	Timeout time.Duration

	// TLS enables OFTP over TLS when set.
	TLS *tls.Config

	// Proxy routes the connection through a SOCKS5 proxy when set.
	Proxy *ProxyConfig
}

// Address appends the default port to host when it has none.
func Address(host string, useTLS bool) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := DefaultPort
	if useTLS {
		port = DefaultTLSPort
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(port))
}

// Dial connects to address and wraps the connection.
func (d *Dialer) Dial(ctx context.Context, address string, opts ...Option) (*Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	address = Address(address, d.TLS != nil)
	conn, err := d.dialContext(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", address, err)
	}

	if d.TLS != nil {
		cfg := d.TLS.Clone()
		if cfg.ServerName == "" {
			host, _, _ := net.SplitHostPort(address)
			cfg.ServerName = host
		}
		tc := tls.Client(conn, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: tls handshake with %s: %w", address, err)
		}
		conn = tc
	}
	return NewConn(conn, opts...), nil
}

func (d *Dialer) dialContext(ctx context.Context, address string) (net.Conn, error) {
	if d.Proxy == nil {
		var nd net.Dialer
		return nd.DialContext(ctx, "tcp", address)
	}

	var auth *proxy.Auth
	if d.Proxy.User != "" {
		auth = &proxy.Auth{User: d.Proxy.User, Password: d.Proxy.Password}
	}
	network := d.Proxy.Network
	if network == "" {
		network = "tcp"
	}
	socks, err := proxy.SOCKS5(network, d.Proxy.Address, auth, proxy.Direct)
	if err != nil {
		return nil, err
	}
	if cd, ok := socks.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", address)
	}
	return socks.Dial("tcp", address)
}
