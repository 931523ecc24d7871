// Package listener owns the lifetime of every listener and drives the
// forward loop of each one.
//
// A Record lives in a Registry from the moment the relay confirms the
// listener until an explicit close. Handles are projections of a Record;
// dropping them has no effect on the Registry.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/matst80/showoff-agent/internal/errdefs"
	"github.com/matst80/showoff-agent/internal/obs"
	"github.com/matst80/showoff-agent/internal/options"
	"github.com/matst80/showoff-agent/internal/transport"
)

// Endpoint is the URL and protocol of a URL-style listener.
type Endpoint struct {
	URL   string
	Proto string
}

// Record is the registry entry of one listener. All exported fields are
// written once in NewRecord.
type Record struct {
	ID         string
	Kind       options.Kind
	ForwardsTo string
	Metadata   string
	SessionID  string
	Endpoint   *Endpoint // nil for labeled listeners
	Labels     map[string]string

	tunnel  transport.Tunnel
	session transport.Session
	// slot admits one forward loop at a time.
	slot    chan struct{}
	join    atomic.Pointer[Join]
	state   atomic.Int32
	closing atomic.Bool
}

// NewRecord snapshots the descriptive fields of t.
func NewRecord(kind options.Kind, sess transport.Session, t transport.Tunnel) *Record {
	r := &Record{
		ID:         t.ID(),
		Kind:       kind,
		ForwardsTo: t.ForwardsTo(),
		Metadata:   t.Metadata(),
		SessionID:  sess.ID(),
		tunnel:     t,
		session:    sess,
		slot:       make(chan struct{}, 1),
	}
	if kind == options.Labeled {
		r.Labels = make(map[string]string, len(t.Labels()))
		for k, v := range t.Labels() {
			r.Labels[k] = v
		}
	} else {
		r.Endpoint = &Endpoint{URL: t.URL(), Proto: t.Proto()}
	}
	return r
}

// URL returns the endpoint URL or "" for labeled listeners.
func (r *Record) URL() string {
	if r.Endpoint == nil {
		return ""
	}
	return r.Endpoint.URL
}

// SocketReleaser frees per-listener sockets created for socket emulation.
type SocketReleaser interface {
	Release(id string)
}

// Registry maps listener ids to records. The zero value is not usable; use
// NewRegistry.
type Registry struct {
	mu       sync.Mutex
	records  map[string]*Record
	releaser SocketReleaser
	engine   *Engine
}

// NewRegistry returns an empty registry. releaser may be nil.
func NewRegistry(releaser SocketReleaser) *Registry {
	r := &Registry{records: map[string]*Record{}, releaser: releaser}
	r.engine = &Engine{reg: r}
	return r
}

// Engine returns the forwarding engine bound to this registry.
func (r *Registry) Engine() *Engine { return r.engine }

// SetReleaser replaces the socket releaser. Used to wire a bridge that itself
// needs the registry.
func (r *Registry) SetReleaser(rel SocketReleaser) {
	r.mu.Lock()
	r.releaser = rel
	r.mu.Unlock()
}

// Insert adds rec and returns a handle to it.
func (r *Registry) Insert(rec *Record) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.ID]; ok {
		return nil, fmt.Errorf("listener %s already registered", rec.ID)
	}
	r.records[rec.ID] = rec
	obs.ActiveListeners.Inc()
	obs.Info("listener.registered", obs.Fields{"id": rec.ID, "url": rec.URL(), "session": rec.SessionID})
	return r.handle(rec), nil
}

// Get returns the shared record for id or ErrNotFound. The map lock is not
// held once Get returns.
func (r *Registry) Get(id string) (*Record, error) {
	r.mu.Lock()
	rec, ok := r.records[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, id)
	}
	return rec, nil
}

// Handle returns a new handle for id.
func (r *Registry) Handle(id string) (*Handle, error) {
	rec, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return r.handle(rec), nil
}

func (r *Registry) handle(rec *Record) *Handle {
	return &Handle{reg: r, rec: rec}
}

// Remove purges id and releases its socket. It reports whether id was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	rec, ok := r.records[id]
	delete(r.records, id)
	rel := r.releaser
	r.mu.Unlock()
	if !ok {
		return false
	}
	rec.closing.Store(true)
	rec.markClosed()
	obs.ActiveListeners.Dec()
	if rel != nil {
		rel.Release(id)
	}
	obs.Info("listener.removed", obs.Fields{"id": id})
	return true
}

// List returns handles to every record owned by sessionID, or to every
// record when sessionID is empty. Order is unspecified.
func (r *Registry) List(sessionID string) []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.records))
	for _, rec := range r.records {
		if sessionID == "" || rec.SessionID == sessionID {
			out = append(out, r.handle(rec))
		}
	}
	return out
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Close closes id remotely, then removes it. Removal happens even when the
// close call fails; that error is still returned. A listener that is already
// closing or gone yields ErrNotFound without another remote call.
func (r *Registry) Close(ctx context.Context, id string) error {
	rec, err := r.Get(id)
	if err != nil {
		return err
	}
	if !rec.closing.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", errdefs.ErrNotFound, id)
	}
	return r.closeRecord(ctx, rec)
}

func (r *Registry) closeRecord(ctx context.Context, rec *Record) error {
	err := rec.session.CloseTunnel(ctx, rec.ID)
	r.Remove(rec.ID)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("close").Inc()
		obs.Error("listener.close.error", obs.Fields{"id": rec.ID, "err": err})
		return errdefs.Remote("close", err)
	}
	return nil
}

// CloseMatching closes every record for which match returns true. Ids are
// collected under the lock; the remote calls run after it is released.
func (r *Registry) CloseMatching(ctx context.Context, match func(*Record) bool) error {
	r.mu.Lock()
	var todo []*Record
	for _, rec := range r.records {
		if match(rec) && rec.closing.CompareAndSwap(false, true) {
			todo = append(todo, rec)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, rec := range todo {
		if err := r.closeRecord(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MatchURL matches records whose endpoint URL is url; "" matches all.
func MatchURL(url string) func(*Record) bool {
	return func(rec *Record) bool { return url == "" || rec.URL() == url }
}
