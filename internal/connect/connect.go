// Package connect is the one-call path: it keeps a shared session, creates
// a listener for each Connect and forwards it in the background.
package connect

import (
	"context"
	"errors"
	"sync"

	"github.com/matst80/showoff-agent/internal/addr"
	"github.com/matst80/showoff-agent/internal/listener"
	"github.com/matst80/showoff-agent/internal/obs"
	"github.com/matst80/showoff-agent/internal/options"
	"github.com/matst80/showoff-agent/internal/relay"
	"github.com/matst80/showoff-agent/internal/session"
	"github.com/matst80/showoff-agent/internal/sockbridge"
	"github.com/matst80/showoff-agent/internal/transport"
)

// Orchestrator owns a registry and a lazily created shared session.
type Orchestrator struct {
	connector transport.Connector
	reg       *listener.Registry
	bridge    *sockbridge.Bridge

	// mu is held while the shared session is created so concurrent
	// Connect calls share one session.
	mu        sync.Mutex
	sess      *session.Session
	authtoken string
	configure func(*session.Builder)
}

// New returns an orchestrator with its own registry and socket bridge.
func New(c transport.Connector) *Orchestrator {
	b := sockbridge.New()
	return NewWith(c, listener.NewRegistry(b), b)
}

// NewWith returns an orchestrator over an existing registry and bridge.
func NewWith(c transport.Connector, reg *listener.Registry, b *sockbridge.Bridge) *Orchestrator {
	return &Orchestrator{connector: c, reg: reg, bridge: b}
}

var (
	defaultOnce sync.Once
	def         *Orchestrator
)

// Default returns the process wide orchestrator, connected through the relay
// transport.
func Default() *Orchestrator {
	defaultOnce.Do(func() { def = New(relay.NewConnector()) })
	return def
}

// SetAuthtoken sets the token used by sessions created without one.
func (o *Orchestrator) SetAuthtoken(tok string) {
	o.mu.Lock()
	o.authtoken = tok
	o.mu.Unlock()
}

// Configure registers fn to prepare every session builder before the
// session options of a Connect are applied, e.g. to install command
// handlers.
func (o *Orchestrator) Configure(fn func(*session.Builder)) {
	o.mu.Lock()
	o.configure = fn
	o.mu.Unlock()
}

// Connect creates a listener described by set and forwards it to set.Addr in
// the background. Options are validated before any call to the relay. The
// shared session is created on first use or when set.ForceNewSession is true.
func (o *Orchestrator) Connect(ctx context.Context, set *options.Set) (*listener.Handle, error) {
	if _, err := addr.Parse(set.Addr); err != nil {
		return nil, err
	}
	kind, err := options.ParseKind(string(set.Kind))
	if err != nil {
		return nil, err
	}
	if err := set.Endpoint.Validate(kind); err != nil {
		return nil, err
	}

	sess, err := o.ensureSession(ctx, set)
	if err != nil {
		return nil, err
	}
	h, err := sess.Endpoint(kind).Options(set.Endpoint).Listen(ctx)
	if err != nil {
		return nil, err
	}
	h.Spawn(context.WithoutCancel(ctx), set.Addr)
	obs.Info("connect.listener", obs.Fields{"id": h.ID(), "url": h.URL(), "proto": h.Proto(), "addr": set.Addr})
	return h, nil
}

// ConnectMap is Connect for loosely typed callers such as config files.
// address may be nil, a port number or a string.
func (o *Orchestrator) ConnectMap(ctx context.Context, address any, proto string, opts map[string]any) (*listener.Handle, error) {
	set, err := options.FromMap(address, proto, opts)
	if err != nil {
		return nil, err
	}
	if len(set.Ignored) > 0 {
		obs.Debug("connect.options.ignored", obs.Fields{"keys": set.Ignored})
	}
	return o.Connect(ctx, set)
}

// Forward is an alias of Connect.
//
// Deprecated: use Connect.
func (o *Orchestrator) Forward(ctx context.Context, set *options.Set) (*listener.Handle, error) {
	return o.Connect(ctx, set)
}

// ForwardMap is an alias of ConnectMap.
//
// Deprecated: use ConnectMap.
func (o *Orchestrator) ForwardMap(ctx context.Context, address any, proto string, opts map[string]any) (*listener.Handle, error) {
	return o.ConnectMap(ctx, address, proto, opts)
}

func (o *Orchestrator) ensureSession(ctx context.Context, set *options.Set) (*session.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != nil && !set.ForceNewSession {
		return o.sess, nil
	}
	b := session.NewBuilder(o.connector).DefaultAuthtoken(o.authtoken)
	if o.configure != nil {
		o.configure(b)
	}
	s, err := b.Apply(set.Session).Connect(ctx, o.reg)
	if err != nil {
		return nil, err
	}
	o.sess = s
	return s, nil
}

// Disconnect closes the listeners whose URL is url. An empty url closes
// every listener, then closes and forgets the shared session.
func (o *Orchestrator) Disconnect(ctx context.Context, url string) error {
	err := o.reg.CloseMatching(ctx, listener.MatchURL(url))
	if url != "" {
		return err
	}
	o.mu.Lock()
	s := o.sess
	o.sess = nil
	o.mu.Unlock()
	if s != nil {
		err = errors.Join(err, s.Close(ctx))
	}
	return err
}

// Kill closes everything. It is Disconnect with an empty url.
func (o *Orchestrator) Kill(ctx context.Context) error { return o.Disconnect(ctx, "") }

// Listeners returns every registered listener.
func (o *Orchestrator) Listeners() []*listener.Handle { return o.reg.List("") }

// Session returns the shared session or nil.
func (o *Orchestrator) Session() *session.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess
}

func (o *Orchestrator) Registry() *listener.Registry { return o.reg }

// Socket wraps h for callers that accept from a socket.
func (o *Orchestrator) Socket(h *listener.Handle) *sockbridge.Adapter {
	return sockbridge.NewAdapter(h, o.bridge)
}
