// Package relay is the agent side of the showoff relay protocol: a yamux
// session over TCP, TLS or WebSocket whose first stream carries control
// messages and whose further streams carry forwarded connections.
package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"

	"github.com/matst80/showoff-agent/internal/errdefs"
	"github.com/matst80/showoff-agent/internal/obs"
	"github.com/matst80/showoff-agent/internal/options"
	"github.com/matst80/showoff-agent/internal/proto"
	"github.com/matst80/showoff-agent/internal/transport"
)

const (
	DefaultServerAddr         = "127.0.0.1:9000"
	DefaultHeartbeatInterval  = 10 * time.Second
	DefaultHeartbeatTolerance = 15 * time.Second

	// TunnelPath is the WebSocket endpoint used when a ws:// address has no path.
	TunnelPath = "/tunnel"

	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	wsReadLimit      = 4 * 1024 * 1024
)

// Connector dials the relay named by the session's ServerAddr:
//
//	host:port, tcp://host:port   plain TCP (TLS when RootCAs or CACert is set)
//	tls://host:port              TLS
//	ws://host[:port][/path]      WebSocket
//	wss://host[:port][/path]     WebSocket over TLS
type Connector struct {
	// Format is the control stream encoding.
	Format proto.Format
	// MinBackoff and MaxBackoff bound the delay between reconnect attempts.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// Dial replaces the built-in dialer when set.
	Dial func(ctx context.Context, s options.Session) (net.Conn, error)
}

func NewConnector() *Connector {
	return &Connector{Format: proto.JSON, MinBackoff: time.Second, MaxBackoff: time.Minute}
}

var _ transport.Connector = (*Connector)(nil)

// Connect dials the relay, authenticates and starts the session's
// background loops. Errors reported by the relay are *errdefs.RemoteError.
func (c *Connector) Connect(ctx context.Context, cfg transport.Config) (transport.Session, error) {
	s := newSession(c, cfg)
	l, id, err := s.establish(ctx, "")
	if err != nil {
		s.cancel()
		return nil, err
	}
	s.id = id
	s.link = l
	s.run(l)
	go s.supervise(l)
	obs.Info("relay.session.connected", obs.Fields{"session": id, "server": serverAddr(cfg.Session)})
	return s, nil
}

func (c *Connector) dial(ctx context.Context, s options.Session) (net.Conn, error) {
	if c.Dial != nil {
		return c.Dial(ctx, s)
	}
	return Dial(ctx, s)
}

func (c *Connector) muxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	// liveness is checked by Session.heartbeat
	cfg.EnableKeepAlive = false
	cfg.LogOutput = nil
	cfg.Logger = obs.StdLogger("yamux")
	return cfg
}

func serverAddr(s options.Session) string {
	if s.ServerAddr == "" {
		return DefaultServerAddr
	}
	return s.ServerAddr
}

// Dial opens the raw connection to the relay for s.
func Dial(ctx context.Context, s options.Session) (net.Conn, error) {
	target := serverAddr(s)
	scheme, rest, ok := strings.Cut(target, "://")
	if !ok {
		scheme, rest = "tcp", target
	}
	host := rest
	if h, _, err := net.SplitHostPort(rest); err == nil {
		host = h
	}
	switch scheme {
	case "ws", "wss":
		return dialWebsocket(ctx, s, target)
	case "tls":
		tc, err := tlsConfig(s, host)
		if err != nil {
			return nil, err
		}
		return dialTLS(ctx, rest, tc)
	case "tcp":
		tc, err := tlsConfig(s, host)
		if err != nil {
			return nil, err
		}
		if s.RootCAs != "" || len(s.CACert) > 0 {
			return dialTLS(ctx, rest, tc)
		}
		d := net.Dialer{Timeout: dialTimeout}
		return d.DialContext(ctx, "tcp", rest)
	}
	return nil, fmt.Errorf("%w: server_addr scheme %q", errdefs.ErrInvalidOption, scheme)
}

func dialTLS(ctx context.Context, address string, tc *tls.Config) (net.Conn, error) {
	d := tls.Dialer{NetDialer: &net.Dialer{Timeout: dialTimeout}, Config: tc}
	return d.DialContext(ctx, "tcp", address)
}

func dialWebsocket(ctx context.Context, s options.Session, target string) (net.Conn, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: server_addr %q: %v", errdefs.ErrInvalidOption, target, err)
	}
	if u.Path == "" {
		u.Path = TunnelPath
	}
	opts := &websocket.DialOptions{}
	if u.Scheme == "wss" {
		tc, err := tlsConfig(s, u.Hostname())
		if err != nil {
			return nil, err
		}
		opts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: tc}}
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dctx, u.String(), opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial to %s: %w", u.Host, err)
	}
	ws.SetReadLimit(wsReadLimit)
	return websocket.NetConn(context.Background(), ws, websocket.MessageBinary), nil
}

// tlsConfig builds the client TLS configuration. RootCAs "host" or
// "trusted" selects the system pool; any other value is a PEM file path.
// CACert is appended to the pool.
func tlsConfig(s options.Session, serverName string) (*tls.Config, error) {
	tc := &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}
	if s.RootCAs == "" && len(s.CACert) == 0 {
		return tc, nil
	}
	var pool *x509.CertPool
	switch s.RootCAs {
	case "", "host", "trusted":
		sys, err := x509.SystemCertPool()
		if err != nil {
			sys = x509.NewCertPool()
		}
		pool = sys
	default:
		pem, err := os.ReadFile(s.RootCAs)
		if err != nil {
			return nil, fmt.Errorf("%w: root_cas: %v", errdefs.ErrInvalidOption, err)
		}
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: root_cas %s holds no certificates", errdefs.ErrInvalidOption, s.RootCAs)
		}
	}
	if len(s.CACert) > 0 && !pool.AppendCertsFromPEM(s.CACert) {
		return nil, fmt.Errorf("%w: ca_cert holds no certificates", errdefs.ErrInvalidOption)
	}
	tc.RootCAs = pool
	return tc, nil
}

// isSessionClosed reports errors that mean the yamux session went away.
func isSessionClosed(err error) bool {
	return errors.Is(err, yamux.ErrSessionShutdown) || errors.Is(err, net.ErrClosed)
}
