package relay

import (
	"context"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/matst80/showoff-agent/internal/addr"
	"github.com/matst80/showoff-agent/internal/obs"
	"github.com/matst80/showoff-agent/internal/options"
	"github.com/matst80/showoff-agent/internal/proto"
)

const (
	localDialTimeout = 10 * time.Second
	// handoffTimeout bounds how long an accepted stream waits for a
	// forward loop to take it.
	handoffTimeout = 30 * time.Second
)

var badGateway = []byte("HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nContent-Length: 11\r\n\r\nBad Gateway")

type incoming struct {
	conn   net.Conn
	remote string
}

// Tunnel is one listener bound on the relay.
type Tunnel struct {
	id, url, proto       string
	forwardsTo, metadata string
	labels               map[string]string

	kind options.Kind
	ep   options.Endpoint

	conns chan incoming

	once sync.Once
	done chan struct{}
	err  error
}

func newTunnel(kind options.Kind, ep options.Endpoint, b *proto.Bound) *Tunnel {
	return &Tunnel{
		id:         b.ID,
		url:        b.URL,
		proto:      b.Proto,
		forwardsTo: b.ForwardsTo,
		metadata:   b.Metadata,
		labels:     b.Labels,
		kind:       kind,
		ep:         ep,
		conns:      make(chan incoming),
		done:       make(chan struct{}),
	}
}

func (t *Tunnel) ID() string                { return t.id }
func (t *Tunnel) URL() string               { return t.url }
func (t *Tunnel) Proto() string             { return t.proto }
func (t *Tunnel) Labels() map[string]string { return t.labels }
func (t *Tunnel) ForwardsTo() string        { return t.forwardsTo }
func (t *Tunnel) Metadata() string          { return t.metadata }

// Forward hands every stream the relay opens for this tunnel to a local
// connection to to. It returns nil once the tunnel is closed and an error
// wrapping errdefs.ErrCanceled when the session ends.
func (t *Tunnel) Forward(ctx context.Context, to *url.URL) error {
	for {
		select {
		case in := <-t.conns:
			go t.serve(in, to)
		case <-t.done:
			return t.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Tunnel) serve(in incoming, to *url.URL) {
	network, address := addr.Dial(to)
	local, err := net.DialTimeout(network, address, localDialTimeout)
	if err != nil {
		obs.Error("relay.forward.dial", obs.Fields{"id": t.id, "to": addr.String(to), "remote": in.remote, "err": err})
		obs.ErrorsTotal.WithLabelValues("local_dial").Inc()
		if t.kind == options.HTTP {
			_, _ = in.conn.Write(badGateway)
		}
		_ = in.conn.Close()
		return
	}
	obs.ForwardedConnsTotal.Inc()
	obs.Debug("relay.forward.conn", obs.Fields{"id": t.id, "to": addr.String(to), "remote": in.remote})
	splice(in.conn, local)
}

// splice copies both ways and closes both ends once either side is done.
func splice(a, b net.Conn) {
	var wg sync.WaitGroup
	var once sync.Once
	closeBoth := func() { _ = a.Close(); _ = b.Close() }
	copyFn := func(dst, src net.Conn) {
		defer wg.Done()
		_, _ = io.Copy(dst, src)
		once.Do(closeBoth)
	}
	wg.Add(2)
	go copyFn(a, b)
	go copyFn(b, a)
	wg.Wait()
}

func (t *Tunnel) deliver(c net.Conn, remote string) {
	select {
	case t.conns <- incoming{conn: c, remote: remote}:
	case <-t.done:
		_ = c.Close()
	case <-time.After(handoffTimeout):
		obs.Error("relay.stream.unclaimed", obs.Fields{"id": t.id, "remote": remote})
		obs.ErrorsTotal.WithLabelValues("stream_unclaimed").Inc()
		_ = c.Close()
	}
}

func (t *Tunnel) shut(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// pinned returns the bind options with the public address fixed to the one
// the relay assigned, so a re-bind after reconnect keeps the same URL.
func (t *Tunnel) pinned() options.Endpoint {
	ep := t.ep
	u, err := url.Parse(t.url)
	if err != nil || u.Host == "" {
		return ep
	}
	switch t.kind {
	case options.TCP:
		if ep.RemoteAddr == "" {
			ep.RemoteAddr = u.Host
		}
	case options.HTTP, options.TLS:
		if ep.Domain == "" {
			ep.Domain = u.Hostname()
		}
	}
	return ep
}
