package listener

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/matst80/showoff-agent/internal/addr"
	"github.com/matst80/showoff-agent/internal/errdefs"
	"github.com/matst80/showoff-agent/internal/obs"
)

// State is the forwarding state of a listener.
type State int32

const (
	Idle State = iota
	Forwarding
	Closed
	Canceled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Forwarding:
		return "forwarding"
	case Closed:
		return "closed"
	case Canceled:
		return "canceled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

func (r *Record) setState(s State) { r.state.Store(int32(s)) }

// markClosed moves a live listener to Closed; terminal states are kept.
func (r *Record) markClosed() {
	r.state.CompareAndSwap(int32(Idle), int32(Closed))
	r.state.CompareAndSwap(int32(Forwarding), int32(Closed))
}

// Join is the result of a background forward.
type Join struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newJoin() *Join { return &Join{done: make(chan struct{})} }

func (j *Join) finish(err error) {
	j.once.Do(func() {
		j.err = err
		close(j.done)
	})
}

// Done is closed when the forward loop has ended.
func (j *Join) Done() <-chan struct{} { return j.done }

// Wait blocks until the forward loop ends or ctx is done.
func (j *Join) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Engine drives forward loops for the records of one Registry.
type Engine struct {
	reg *Registry
}

// Forward relays every connection accepted by listener id to raw until the
// listener is closed. Only one loop runs per listener; a second call waits
// for the first to end or for ctx to be done. Cancellation caused by session
// shutdown or reconnect is reported as success.
func (e *Engine) Forward(ctx context.Context, id, raw string) error {
	to, err := addr.Parse(raw)
	if err != nil {
		return err
	}
	rec, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	return e.run(ctx, rec, to)
}

func (e *Engine) run(ctx context.Context, rec *Record, to *url.URL) error {
	select {
	case rec.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-rec.slot }()

	if rec.closing.Load() {
		return nil
	}
	rec.setState(Forwarding)
	obs.ForwardLoops.Inc()
	defer obs.ForwardLoops.Dec()
	obs.Info("listener.forward.start", obs.Fields{"id": rec.ID, "to": addr.String(to)})

	err := rec.tunnel.Forward(ctx, to)
	switch {
	case err == nil:
		rec.setState(Closed)
		obs.Info("listener.forward.end", obs.Fields{"id": rec.ID})
		return nil
	case errors.Is(err, errdefs.ErrCanceled), errors.Is(err, context.Canceled):
		rec.setState(Canceled)
		obs.Debug("listener.forward.canceled", obs.Fields{"id": rec.ID, "err": err})
		return nil
	default:
		rec.setState(Failed)
		obs.ErrorsTotal.WithLabelValues("forward").Inc()
		return &errdefs.RemoteError{Op: "forward", Err: err}
	}
}

// Spawn runs Forward in the background and returns its Join. The address
// and listener are resolved before Spawn returns. The first Join spawned for
// a listener is kept on the record for Handle.Join.
func (e *Engine) Spawn(ctx context.Context, id, raw string) *Join {
	j := newJoin()
	to, err := addr.Parse(raw)
	var rec *Record
	if err == nil {
		rec, err = e.reg.Get(id)
	}
	if err != nil {
		obs.Error("listener.forward.error", obs.Fields{"id": id, "to": raw, "err": err})
		j.finish(err)
		return j
	}
	rec.join.CompareAndSwap(nil, j)
	go func() {
		err := e.run(ctx, rec, to)
		if err != nil {
			obs.Error("listener.forward.error", obs.Fields{"id": id, "to": raw, "err": err})
		}
		j.finish(err)
	}()
	return j
}
