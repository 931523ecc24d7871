package listener

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"

	"github.com/matst80/showoff-agent/internal/errdefs"
	"github.com/matst80/showoff-agent/internal/options"
	"github.com/matst80/showoff-agent/internal/transport/transporttest"
)

type releaseRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *releaseRecorder) Release(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *releaseRecorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.ids {
		if x == id {
			n++
		}
	}
	return n
}

func listen(t *testing.T, reg *Registry, sess *transporttest.Session, kind options.Kind, ep options.Endpoint) *Handle {
	t.Helper()
	tun, err := sess.Listen(context.Background(), kind, ep)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	h, err := reg.Insert(NewRecord(kind, sess, tun))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return h
}

func TestInsertGetExclusive(t *testing.T) {
	reg := NewRegistry(nil)
	sess := transporttest.NewSession("s1")
	tun, _ := sess.Listen(context.Background(), options.TCP, options.Endpoint{})
	rec := NewRecord(options.TCP, sess, tun)

	if _, err := reg.Insert(rec); err != nil {
		t.Fatal(err)
	}
	got, err := reg.Get(rec.ID)
	if err != nil || got != rec {
		t.Fatalf("Get returned %v, %v", got, err)
	}
	if _, err := reg.Insert(NewRecord(options.TCP, sess, tun)); err == nil {
		t.Errorf("second insert of %s should fail", rec.ID)
	}
	if reg.Len() != 1 {
		t.Errorf("expected one record, got %d", reg.Len())
	}
}

func TestRetentionIndependentOfHandles(t *testing.T) {
	reg := NewRegistry(nil)
	sess := transporttest.NewSession("s1")
	id := listen(t, reg, sess, options.HTTP, options.Endpoint{}).ID()

	runtime.GC()
	runtime.GC()

	if _, err := reg.Get(id); err != nil {
		t.Fatalf("record dropped without close: %v", err)
	}
	if n := len(reg.List("")); n != 1 {
		t.Errorf("List = %d handles, want 1", n)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	rel := &releaseRecorder{}
	reg := NewRegistry(rel)
	sess := transporttest.NewSession("s1")
	h := listen(t, reg, sess, options.HTTP, options.Endpoint{})
	ctx := context.Background()

	if err := h.Close(ctx); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := h.Close(ctx); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("second close: expected ErrNotFound, got %v", err)
	}
	if n := sess.CloseCalls(h.ID()); n != 1 {
		t.Errorf("expected one remote close, got %d", n)
	}
	if n := rel.count(h.ID()); n != 1 {
		t.Errorf("expected one socket release, got %d", n)
	}
	if h.State() != Closed {
		t.Errorf("state = %s, want closed", h.State())
	}
}

func TestCloseRemovesEvenWhenRemoteFails(t *testing.T) {
	reg := NewRegistry(nil)
	sess := transporttest.NewSession("s1")
	h := listen(t, reg, sess, options.TCP, options.Endpoint{})
	sess.CloseErr = errors.New("relay said no")

	err := h.Close(context.Background())
	if !errdefs.IsRemote(err) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if _, err := reg.Get(h.ID()); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("record should be purged after failed close, got %v", err)
	}
}

func TestConcurrentCloseSingleRPC(t *testing.T) {
	reg := NewRegistry(nil)
	sess := transporttest.NewSession("s1")
	h := listen(t, reg, sess, options.TCP, options.Endpoint{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Close(context.Background())
		}()
	}
	wg.Wait()
	if n := sess.CloseCalls(h.ID()); n != 1 {
		t.Errorf("expected one remote close, got %d", n)
	}
}

func TestListFiltersBySession(t *testing.T) {
	reg := NewRegistry(nil)
	a := transporttest.NewSession("a")
	b := transporttest.NewSession("b")
	listen(t, reg, a, options.HTTP, options.Endpoint{})
	listen(t, reg, a, options.TCP, options.Endpoint{})
	listen(t, reg, b, options.Labeled, options.Endpoint{Labels: map[string]string{"edge": "x"}})

	if n := len(reg.List("a")); n != 2 {
		t.Errorf("List(a) = %d", n)
	}
	if n := len(reg.List("b")); n != 1 {
		t.Errorf("List(b) = %d", n)
	}
	if n := len(reg.List("")); n != 3 {
		t.Errorf("List() = %d", n)
	}
}

func TestCloseMatching(t *testing.T) {
	reg := NewRegistry(nil)
	sess := transporttest.NewSession("s1")
	keep := listen(t, reg, sess, options.HTTP, options.Endpoint{})
	drop := listen(t, reg, sess, options.HTTP, options.Endpoint{})
	ctx := context.Background()

	if err := reg.CloseMatching(ctx, MatchURL(drop.URL())); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Get(drop.ID()); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("matched listener still registered")
	}
	if _, err := reg.Get(keep.ID()); err != nil {
		t.Errorf("unmatched listener removed: %v", err)
	}

	if err := reg.CloseMatching(ctx, MatchURL("")); err != nil {
		t.Fatal(err)
	}
	if reg.Len() != 0 {
		t.Errorf("close all left %d listeners", reg.Len())
	}
	if err := keep.Close(ctx); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("close after close all: expected ErrNotFound, got %v", err)
	}
}

func TestLabeledRecord(t *testing.T) {
	reg := NewRegistry(nil)
	sess := transporttest.NewSession("s1")
	h := listen(t, reg, sess, options.Labeled, options.Endpoint{Labels: map[string]string{"edge": "e1"}})

	if h.URL() != "" || h.Proto() != "" {
		t.Errorf("labeled listener has url %q proto %q", h.URL(), h.Proto())
	}
	labels := h.Labels()
	labels["edge"] = "mutated"
	if h.Labels()["edge"] != "e1" {
		t.Errorf("labels must be a copy")
	}
}
