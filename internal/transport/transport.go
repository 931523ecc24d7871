// Package transport describes the session transport the agent core drives.
// Implementations own the wire protocol, TLS and reconnection; the core only
// sees the capabilities below.
package transport

import (
	"context"
	"net/url"
	"time"

	"github.com/matst80/showoff-agent/internal/options"
)

// ClientInfo identifies the software embedding the agent.
type ClientInfo struct {
	Type     string
	Version  string
	Comments string
}

// Config is everything a Connector needs to establish a session.
type Config struct {
	options.Session
	ClientInfo []ClientInfo

	// OnDisconnect is called when the connection to the relay is lost.
	// Returning an error cancels reconnection and ends the session.
	OnDisconnect func(addr string, err error) error
	OnHeartbeat  func(latency time.Duration)
	// OnStop and OnRestart handle commands sent by the relay operator.
	OnStop    func() error
	OnRestart func() error
}

type Connector interface {
	Connect(ctx context.Context, cfg Config) (Session, error)
}

// Session is a live control session.
type Session interface {
	ID() string
	// Listen asks the relay for a new listener. ep has been validated for kind.
	Listen(ctx context.Context, kind options.Kind, ep options.Endpoint) (Tunnel, error)
	CloseTunnel(ctx context.Context, id string) error
	// Close ends the session. Tunnels of a closed session stop forwarding
	// but are not removed from any registry.
	Close(ctx context.Context) error
}

// Tunnel is the remote side of one listener.
type Tunnel interface {
	ID() string
	URL() string // empty for labeled listeners
	Proto() string
	Labels() map[string]string
	ForwardsTo() string
	Metadata() string
	// Forward accepts remote connections and relays each to to until the
	// tunnel is closed (nil) or the session goes away (an error wrapping
	// errdefs.ErrCanceled).
	Forward(ctx context.Context, to *url.URL) error
}
