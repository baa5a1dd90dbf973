package mqlink

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/url"
	"time"
)

// ErrUnsupportedScheme is returned when a server URL uses a scheme no
// dialer is registered for.
var ErrUnsupportedScheme = errors.New("unsupported server URL scheme")

// Conn represents a network connection carrying the protocol stream.
type Conn interface {
	net.Conn
}

// Dialer establishes connections to a server.
type Dialer interface {
	// Dial connects to the address with the given context.
	Dial(ctx context.Context, address string) (Conn, error)
}

// TCPDialer connects over plain TCP.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration
}

// Dial connects to the address.
func (d *TCPDialer) Dial(ctx context.Context, address string) (Conn, error) {
	var dialer net.Dialer
	if d.Timeout > 0 {
		dialer.Timeout = d.Timeout
	}
	return dialer.DialContext(ctx, "tcp", address)
}

// TLSDialer connects over TLS.
type TLSDialer struct {
	// Config is the TLS configuration.
	Config *tls.Config

	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration
}

// Dial connects to the address.
func (d *TLSDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{
			Timeout: d.Timeout,
		},
		Config: d.Config,
	}
	return dialer.DialContext(ctx, "tcp", address)
}

// Default ports per scheme.
const (
	defaultPortTCP  = "1883"
	defaultPortTLS  = "8883"
	defaultPortWS   = "80"
	defaultPortWSS  = "443"
	defaultPortQUIC = "14567"
)

// dialServer parses a server URL and connects with the dialer matching its
// scheme: tcp, tls/ssl, ws, wss or quic. A URL without a port gets the
// scheme's default.
func dialServer(ctx context.Context, server string, timeout time.Duration, tlsConfig *tls.Config) (Conn, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, err
	}

	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), defaultPort(u.Scheme))
	}

	switch u.Scheme {
	case "tcp", "mqtt", "":
		d := &TCPDialer{Timeout: timeout}
		return d.Dial(ctx, host)
	case "tls", "ssl", "mqtts":
		d := &TLSDialer{Config: tlsConfig, Timeout: timeout}
		return d.Dial(ctx, host)
	case "ws", "wss":
		d := NewWSDialer()
		if u.Scheme == "wss" && tlsConfig != nil {
			d.Dialer.TLSClientConfig = tlsConfig
		}
		d.Dialer.HandshakeTimeout = timeout
		target := *u
		target.Host = host
		return d.Dial(ctx, target.String())
	case "quic":
		d := NewQUICDialer(tlsConfig)
		return d.Dial(ctx, host)
	default:
		return nil, ErrUnsupportedScheme
	}
}

func defaultPort(scheme string) string {
	switch scheme {
	case "tls", "ssl", "mqtts":
		return defaultPortTLS
	case "ws":
		return defaultPortWS
	case "wss":
		return defaultPortWSS
	case "quic":
		return defaultPortQUIC
	default:
		return defaultPortTCP
	}
}
