// Package session wraps a transport session with listener bookkeeping.
package session

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/matst80/showoff-agent/internal/errdefs"
	"github.com/matst80/showoff-agent/internal/listener"
	"github.com/matst80/showoff-agent/internal/obs"
	"github.com/matst80/showoff-agent/internal/options"
	"github.com/matst80/showoff-agent/internal/transport"
)

const (
	AuthtokenEnv = "SHOWOFF_AUTHTOKEN"
	ClientType   = "showoff-agent"
)

// Version is reported to the relay in the client info.
var Version = "dev"

// Builder configures and connects a Session.
type Builder struct {
	connector    transport.Connector
	cfg          transport.Config
	defaultToken string
	err          error
}

func NewBuilder(c transport.Connector) *Builder {
	return &Builder{connector: c}
}

func (b *Builder) Authtoken(tok string) *Builder {
	b.cfg.Authtoken = tok
	return b
}

// AuthtokenFromEnv reads the token from SHOWOFF_AUTHTOKEN.
func (b *Builder) AuthtokenFromEnv() *Builder {
	b.cfg.AuthtokenFromEnv = true
	if tok := os.Getenv(AuthtokenEnv); tok != "" {
		b.cfg.Authtoken = tok
	}
	return b
}

// DefaultAuthtoken is used only when no token was configured otherwise.
func (b *Builder) DefaultAuthtoken(tok string) *Builder {
	b.defaultToken = tok
	return b
}

func (b *Builder) Metadata(m string) *Builder {
	b.cfg.Metadata = m
	return b
}

func (b *Builder) ServerAddr(addr string) *Builder {
	b.cfg.ServerAddr = addr
	return b
}

// RootCAs selects the roots used to verify the relay: "trusted", "host" or
// the path of a PEM bundle.
func (b *Builder) RootCAs(s string) *Builder {
	b.cfg.RootCAs = s
	return b
}

func (b *Builder) CACert(pem []byte) *Builder {
	b.cfg.CACert = pem
	return b
}

func (b *Builder) HeartbeatInterval(d time.Duration) *Builder {
	if d < 0 && b.err == nil {
		b.err = fmt.Errorf("%w: negative heartbeat interval", errdefs.ErrInvalidOption)
	}
	b.cfg.HeartbeatInterval = d
	return b
}

func (b *Builder) HeartbeatTolerance(d time.Duration) *Builder {
	if d < 0 && b.err == nil {
		b.err = fmt.Errorf("%w: negative heartbeat tolerance", errdefs.ErrInvalidOption)
	}
	b.cfg.HeartbeatTolerance = d
	return b
}

func (b *Builder) ClientInfo(typ, version, comments string) *Builder {
	b.cfg.ClientInfo = append(b.cfg.ClientInfo, transport.ClientInfo{Type: typ, Version: version, Comments: comments})
	return b
}

// HandleDisconnection installs fn to run when the relay connection drops.
// An error from fn stops reconnection.
func (b *Builder) HandleDisconnection(fn func(addr string, err error) error) *Builder {
	b.cfg.OnDisconnect = fn
	return b
}

func (b *Builder) HandleHeartbeat(fn func(latency time.Duration)) *Builder {
	b.cfg.OnHeartbeat = fn
	return b
}

func (b *Builder) HandleStopCommand(fn func() error) *Builder {
	b.cfg.OnStop = fn
	return b
}

func (b *Builder) HandleRestartCommand(fn func() error) *Builder {
	b.cfg.OnRestart = fn
	return b
}

// Apply copies every non-zero field of o.
func (b *Builder) Apply(o options.Session) *Builder {
	if o.Authtoken != "" {
		b.Authtoken(o.Authtoken)
	}
	if o.AuthtokenFromEnv {
		b.AuthtokenFromEnv()
	}
	if o.Metadata != "" {
		b.Metadata(o.Metadata)
	}
	if o.ServerAddr != "" {
		b.ServerAddr(o.ServerAddr)
	}
	if o.RootCAs != "" {
		b.RootCAs(o.RootCAs)
	}
	if len(o.CACert) > 0 {
		b.CACert(o.CACert)
	}
	if o.HeartbeatInterval != 0 {
		b.HeartbeatInterval(o.HeartbeatInterval)
	}
	if o.HeartbeatTolerance != 0 {
		b.HeartbeatTolerance(o.HeartbeatTolerance)
	}
	return b
}

// Config returns the transport configuration as it would be sent.
func (b *Builder) Config() transport.Config {
	cfg := b.cfg
	if cfg.Authtoken == "" {
		cfg.Authtoken = b.defaultToken
	}
	cfg.ClientInfo = append([]transport.ClientInfo{{Type: ClientType, Version: Version}}, b.cfg.ClientInfo...)
	return cfg
}

// Connect establishes the session. Listeners created through it are kept
// in reg.
func (b *Builder) Connect(ctx context.Context, reg *listener.Registry) (*Session, error) {
	if b.err != nil {
		return nil, b.err
	}
	cfg := b.Config()
	t, err := b.connector.Connect(ctx, cfg)
	if err != nil {
		obs.SessionConnectsTotal.WithLabelValues("error").Inc()
		return nil, errdefs.Remote("connect", err)
	}
	obs.SessionConnectsTotal.WithLabelValues("ok").Inc()
	with := "without"
	if cfg.Authtoken != "" {
		with = "with"
	}
	obs.Info("session.connected", obs.Fields{"session": t.ID(), "authtoken": with, "server": cfg.ServerAddr})
	return &Session{t: t, reg: reg}, nil
}

// Session is a connected control session.
type Session struct {
	t   transport.Session
	reg *listener.Registry
}

// New wraps an already connected transport session.
func New(t transport.Session, reg *listener.Registry) *Session {
	return &Session{t: t, reg: reg}
}

func (s *Session) ID() string { return s.t.ID() }

func (s *Session) Registry() *listener.Registry { return s.reg }

// Endpoint starts building a listener of kind. No call is made to the relay
// until Listen.
func (s *Session) Endpoint(kind options.Kind) *EndpointBuilder {
	return &EndpointBuilder{s: s, kind: kind}
}

func (s *Session) HTTPEndpoint() *EndpointBuilder    { return s.Endpoint(options.HTTP) }
func (s *Session) TCPEndpoint() *EndpointBuilder     { return s.Endpoint(options.TCP) }
func (s *Session) TLSEndpoint() *EndpointBuilder     { return s.Endpoint(options.TLS) }
func (s *Session) LabeledListener() *EndpointBuilder { return s.Endpoint(options.Labeled) }

// CloseListener closes id on the relay and then drops it from the registry.
func (s *Session) CloseListener(ctx context.Context, id string) error {
	return s.reg.Close(ctx, id)
}

// Listeners returns the listeners owned by this session.
func (s *Session) Listeners() []*listener.Handle {
	return s.reg.List(s.ID())
}

// Close ends the session. Its listeners stay registered until closed
// explicitly.
func (s *Session) Close(ctx context.Context) error {
	obs.Info("session.close", obs.Fields{"session": s.ID()})
	return errdefs.Remote("close", s.t.Close(ctx))
}
