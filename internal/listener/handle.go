package listener

import (
	"context"
	"fmt"
	"maps"

	"github.com/matst80/showoff-agent/internal/errdefs"
	"github.com/matst80/showoff-agent/internal/options"
)

// Handle is a caller's view of a listener. Copies are cheap and closing via
// any of them closes the listener for all.
type Handle struct {
	reg *Registry
	rec *Record
}

func (h *Handle) ID() string          { return h.rec.ID }
func (h *Handle) Kind() options.Kind  { return h.rec.Kind }
func (h *Handle) SessionID() string   { return h.rec.SessionID }
func (h *Handle) ForwardsTo() string  { return h.rec.ForwardsTo }
func (h *Handle) Metadata() string    { return h.rec.Metadata }
func (h *Handle) URL() string         { return h.rec.URL() }
func (h *Handle) Labels() map[string]string {
	return maps.Clone(h.rec.Labels)
}

// Proto returns the endpoint protocol or "" for labeled listeners.
func (h *Handle) Proto() string {
	if h.rec.Endpoint == nil {
		return ""
	}
	return h.rec.Endpoint.Proto
}

// State returns the forwarding state.
func (h *Handle) State() State { return State(h.rec.state.Load()) }

// Registered reports whether the listener is still in its registry.
func (h *Handle) Registered() bool {
	_, err := h.reg.Get(h.rec.ID)
	return err == nil
}

// Forward blocks relaying connections to to. See Engine.Forward.
func (h *Handle) Forward(ctx context.Context, to string) error {
	return h.reg.engine.Forward(ctx, h.rec.ID, to)
}

// Spawn forwards to to in the background. See Engine.Spawn.
func (h *Handle) Spawn(ctx context.Context, to string) *Join {
	return h.reg.engine.Spawn(ctx, h.rec.ID, to)
}

// Join waits for the background forward started for this listener.
func (h *Handle) Join(ctx context.Context) error {
	j := h.rec.join.Load()
	if j == nil {
		return fmt.Errorf("%w: %s", errdefs.ErrNotJoinable, h.rec.ID)
	}
	return j.Wait(ctx)
}

// Close closes the listener remotely and removes it from the registry.
func (h *Handle) Close(ctx context.Context) error {
	return h.reg.Close(ctx, h.rec.ID)
}

func (h *Handle) String() string {
	if h.rec.Endpoint == nil {
		return fmt.Sprintf("Listener{id=%s labels=%v}", h.rec.ID, h.rec.Labels)
	}
	return fmt.Sprintf("Listener{id=%s url=%s}", h.rec.ID, h.rec.Endpoint.URL)
}
