// Package transporttest provides in-memory transport fakes.
package transporttest

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/matst80/showoff-agent/internal/errdefs"
	"github.com/matst80/showoff-agent/internal/options"
	"github.com/matst80/showoff-agent/internal/transport"
)

// Connector hands out Sessions and records every Connect.
type Connector struct {
	mu       sync.Mutex
	Err      error
	Configs  []transport.Config
	Sessions []*Session
}

func (c *Connector) Connect(ctx context.Context, cfg transport.Config) (transport.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Configs = append(c.Configs, cfg)
	if c.Err != nil {
		return nil, c.Err
	}
	s := NewSession(fmt.Sprintf("sess_%d", len(c.Sessions)+1))
	c.Sessions = append(c.Sessions, s)
	return s, nil
}

// Connects returns the number of Connect calls.
func (c *Connector) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Configs)
}

// Last returns the most recent session or nil.
func (c *Connector) Last() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Sessions) == 0 {
		return nil
	}
	return c.Sessions[len(c.Sessions)-1]
}

// Session is a fake control session.
type Session struct {
	id string

	mu         sync.Mutex
	n          int
	tunnels    map[string]*Tunnel
	listens    int
	closeCalls map[string]int
	closed     bool

	ListenErr error
	CloseErr  error
}

func NewSession(id string) *Session {
	return &Session{id: id, tunnels: map[string]*Tunnel{}, closeCalls: map[string]int{}}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Listen(ctx context.Context, kind options.Kind, ep options.Endpoint) (transport.Tunnel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listens++
	if s.ListenErr != nil {
		return nil, s.ListenErr
	}
	if s.closed {
		return nil, fmt.Errorf("session closed: %w", errdefs.ErrCanceled)
	}
	s.n++
	id := fmt.Sprintf("tn_%s_%d", s.id, s.n)
	t := NewTunnel(id)
	t.metadata = ep.Metadata
	t.forwardsTo = ep.ForwardsTo
	switch kind {
	case options.HTTP:
		t.url, t.proto = "https://"+id+".example.test", "https"
	case options.TCP:
		t.url, t.proto = fmt.Sprintf("tcp://1.tcp.example.test:%d", 20000+s.n), "tcp"
	case options.TLS:
		t.url, t.proto = "tls://"+id+".example.test", "tls"
	case options.Labeled:
		t.labels = ep.Labels
	}
	s.tunnels[id] = t
	return t, nil
}

func (s *Session) CloseTunnel(ctx context.Context, id string) error {
	s.mu.Lock()
	s.closeCalls[id]++
	t := s.tunnels[id]
	delete(s.tunnels, id)
	err := s.CloseErr
	s.mu.Unlock()
	if t != nil {
		t.shut(nil)
	}
	return err
}

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ts := s.tunnels
	s.tunnels = map[string]*Tunnel{}
	s.mu.Unlock()
	for _, t := range ts {
		t.shut(fmt.Errorf("session closed: %w", errdefs.ErrCanceled))
	}
	return nil
}

// Tunnel returns the open tunnel with id or nil.
func (s *Session) Tunnel(id string) *Tunnel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tunnels[id]
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Listens returns the number of Listen calls.
func (s *Session) Listens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listens
}

// CloseCalls returns how many CloseTunnel calls were made for id.
func (s *Session) CloseCalls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls[id]
}

// Tunnel is a fake remote tunnel whose Forward blocks until the tunnel is
// closed, End is called or ctx is done.
type Tunnel struct {
	id, url, proto       string
	forwardsTo, metadata string
	labels               map[string]string

	// Started receives the target of every Forward call that begins.
	Started chan *url.URL

	end       chan error
	done      chan struct{}
	doneErr   error
	once      sync.Once
	active    atomic.Int32
	maxActive atomic.Int32
}

func NewTunnel(id string) *Tunnel {
	return &Tunnel{
		id:      id,
		Started: make(chan *url.URL, 64),
		end:     make(chan error),
		done:    make(chan struct{}),
	}
}

func (t *Tunnel) ID() string         { return t.id }
func (t *Tunnel) URL() string        { return t.url }
func (t *Tunnel) Proto() string      { return t.proto }
func (t *Tunnel) ForwardsTo() string { return t.forwardsTo }
func (t *Tunnel) Metadata() string   { return t.metadata }
func (t *Tunnel) Labels() map[string]string {
	return t.labels
}

func (t *Tunnel) Forward(ctx context.Context, to *url.URL) error {
	n := t.active.Add(1)
	defer t.active.Add(-1)
	for {
		m := t.maxActive.Load()
		if n <= m || t.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	select {
	case t.Started <- to:
	default:
	}
	select {
	case err := <-t.end:
		return err
	case <-t.done:
		return t.doneErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// End makes the running Forward call return err. It blocks until a
// Forward call is running to receive it.
func (t *Tunnel) End(err error) { t.end <- err }

// MaxConcurrent reports the highest number of Forward calls observed
// running at once.
func (t *Tunnel) MaxConcurrent() int { return int(t.maxActive.Load()) }

func (t *Tunnel) shut(err error) {
	t.once.Do(func() {
		t.doneErr = err
		close(t.done)
	})
}
