package sockbridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/matst80/showoff-agent/internal/errdefs"
	"github.com/matst80/showoff-agent/internal/listener"
)

// Adapter exposes a listener through the socket operations a local server
// expects. The socket is created lazily on first use.
type Adapter struct {
	h *listener.Handle
	b *Bridge

	once sync.Once
	join *listener.Join
}

func NewAdapter(h *listener.Handle, b *Bridge) *Adapter {
	return &Adapter{h: h, b: b}
}

// socket returns the listener's socket. A closed listener gets none; the
// second check releases a socket created while the listener was removed.
func (a *Adapter) socket() (*Socket, error) {
	id := a.h.ID()
	if !a.h.Registered() {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, id)
	}
	s, err := a.b.GetOrCreate(id)
	if err != nil {
		return nil, err
	}
	if !a.h.Registered() {
		a.b.Release(id)
		return nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, id)
	}
	return s, nil
}

func (a *Adapter) Accept() (net.Conn, error) {
	s, err := a.socket()
	if err != nil {
		return nil, err
	}
	return s.Accept()
}

// Listen starts forwarding the listener into its socket. The backlog is
// accepted for compatibility; the socket is already listening. Calling it
// again is a no-op.
func (a *Adapter) Listen(ctx context.Context, backlog int) error {
	s, err := a.socket()
	if err != nil {
		return err
	}
	a.once.Do(func() {
		a.join = a.h.Spawn(ctx, s.Target())
	})
	return nil
}

// Join returns the background forward started by Listen, or nil.
func (a *Adapter) Join() *listener.Join { return a.join }

func (a *Adapter) Getsockname() (net.Addr, error) {
	s, err := a.socket()
	if err != nil {
		return nil, err
	}
	return s.Addr(), nil
}

func (a *Adapter) Fileno() (uintptr, error) {
	s, err := a.socket()
	if err != nil {
		return 0, err
	}
	return s.Fileno()
}

func (a *Adapter) SetBlocking(v bool) error {
	s, err := a.socket()
	if err != nil {
		return err
	}
	s.SetBlocking(v)
	return nil
}

func (a *Adapter) GetTimeout() (time.Duration, bool, error) {
	s, err := a.socket()
	if err != nil {
		return 0, false, err
	}
	d, ok := s.Timeout()
	return d, ok, nil
}

func (a *Adapter) Family() (Family, error) {
	s, err := a.socket()
	if err != nil {
		return 0, err
	}
	return s.Family(), nil
}

func (a *Adapter) Type() (string, error) {
	if _, err := a.socket(); err != nil {
		return "", err
	}
	return SockStream, nil
}

// FD listens and returns the socket's descriptor.
func (a *Adapter) FD(ctx context.Context) (uintptr, error) {
	if err := a.Listen(ctx, 0); err != nil {
		return 0, err
	}
	return a.Fileno()
}

// Handle returns the wrapped listener.
func (a *Adapter) Handle() *listener.Handle { return a.h }
