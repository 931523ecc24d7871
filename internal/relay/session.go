package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/matst80/showoff-agent/internal/errdefs"
	"github.com/matst80/showoff-agent/internal/obs"
	"github.com/matst80/showoff-agent/internal/options"
	"github.com/matst80/showoff-agent/internal/proto"
	"github.com/matst80/showoff-agent/internal/transport"
)

// link is one physical connection to the relay. A Session replaces its link
// after every reconnect.
type link struct {
	mux  *yamux.Session
	ctrl *proto.Conn
	next atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *proto.Message

	once sync.Once
	dead chan struct{}
	err  error
}

func newLink(mux *yamux.Session, ctrl *proto.Conn) *link {
	return &link{mux: mux, ctrl: ctrl, pending: make(map[uint64]chan *proto.Message), dead: make(chan struct{})}
}

// fail records why the link ended and tears it down. Only the first call
// has an effect.
func (l *link) fail(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.dead)
		_ = l.mux.Close()
	})
}

func (l *link) deliver(m *proto.Message) {
	l.mu.Lock()
	ch := l.pending[m.ReqID]
	delete(l.pending, m.ReqID)
	l.mu.Unlock()
	if ch == nil {
		obs.Debug("relay.control.unexpected", obs.Fields{"type": string(m.Type), "req_id": m.ReqID})
		return
	}
	ch <- m
}

// Session is a relay session that survives lost connections: the link is
// re-established with the same session id and every open tunnel is bound
// again under its id.
type Session struct {
	c   *Connector
	cfg transport.Config

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	id      string
	link    *link
	tunnels map[string]*Tunnel
	closed  bool
}

func newSession(c *Connector, cfg transport.Config) *Session {
	s := &Session{c: c, cfg: cfg, tunnels: make(map[string]*Tunnel)}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) current() *link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// establish dials and authenticates one link. resume is the id of the
// session being resumed, if any.
func (s *Session) establish(ctx context.Context, resume string) (*link, string, error) {
	conn, err := s.c.dial(ctx, s.cfg.Session)
	if err != nil {
		return nil, "", &errdefs.RemoteError{Op: "connect", Err: err}
	}
	mux, err := yamux.Client(conn, s.c.muxConfig())
	if err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("yamux client init: %w", err)
	}
	st, err := mux.OpenStream()
	if err != nil {
		_ = mux.Close()
		return nil, "", &errdefs.RemoteError{Op: "connect", Err: err}
	}
	ctrl := proto.NewConn(st, s.c.Format)

	auth := &proto.Auth{Token: s.cfg.Authtoken, Metadata: s.cfg.Metadata, SessionID: resume}
	for _, ci := range s.cfg.ClientInfo {
		auth.ClientInfo = append(auth.ClientInfo, proto.ClientInfo{Type: ci.Type, Version: ci.Version, Comments: ci.Comments})
	}
	if err := ctrl.Send(&proto.Message{Type: proto.TypeAuth, Auth: auth}); err != nil {
		_ = mux.Close()
		return nil, "", &errdefs.RemoteError{Op: "connect", Err: err}
	}
	_ = st.SetReadDeadline(time.Now().Add(handshakeTimeout))
	reply, err := ctrl.Recv()
	_ = st.SetReadDeadline(time.Time{})
	if err != nil {
		_ = mux.Close()
		return nil, "", &errdefs.RemoteError{Op: "connect", Err: err}
	}
	switch {
	case reply.Type == proto.TypeError && reply.Error != nil:
		_ = mux.Close()
		return nil, "", &errdefs.RemoteError{Op: "connect", Code: reply.Error.Code, Msg: reply.Error.Msg}
	case reply.Type != proto.TypeAuthOK || reply.AuthOK == nil:
		_ = mux.Close()
		return nil, "", &errdefs.RemoteError{Op: "connect", Msg: "unexpected reply " + string(reply.Type)}
	}
	return newLink(mux, ctrl), reply.AuthOK.SessionID, nil
}

// run starts the per-link loops.
func (s *Session) run(l *link) {
	go s.readLoop(l)
	go s.acceptLoop(l)
	go s.heartbeat(l)
}

func (s *Session) readLoop(l *link) {
	for {
		m, err := l.ctrl.Recv()
		if err != nil {
			l.fail(err)
			return
		}
		if m.Type == proto.TypeCommand {
			go s.command(l, m)
			continue
		}
		l.deliver(m)
	}
}

// call sends a request on the current link and waits for its reply. Error
// replies become *errdefs.RemoteError; a lost link wraps errdefs.ErrCanceled.
func (s *Session) call(ctx context.Context, op string, m *proto.Message) (*proto.Message, error) {
	l := s.current()
	if l == nil {
		return nil, &errdefs.RemoteError{Op: op, Err: fmt.Errorf("%w: session is not connected", errdefs.ErrCanceled)}
	}
	id := l.next.Add(1)
	m.ReqID = id
	ch := make(chan *proto.Message, 1)
	l.mu.Lock()
	l.pending[id] = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
	}()

	if err := l.ctrl.Send(m); err != nil {
		return nil, &errdefs.RemoteError{Op: op, Err: err}
	}
	select {
	case r := <-ch:
		if r.Type == proto.TypeError && r.Error != nil {
			return nil, &errdefs.RemoteError{Op: op, Code: r.Error.Code, Msg: r.Error.Msg}
		}
		return r, nil
	case <-l.dead:
		return nil, &errdefs.RemoteError{Op: op, Err: fmt.Errorf("%w: connection lost: %v", errdefs.ErrCanceled, l.err)}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) Listen(ctx context.Context, kind options.Kind, ep options.Endpoint) (transport.Tunnel, error) {
	r, err := s.call(ctx, "listen", &proto.Message{Type: proto.TypeBind, Bind: &proto.Bind{Kind: kind, Options: ep}})
	if err != nil {
		return nil, err
	}
	if r.Bound == nil || r.Bound.ID == "" {
		return nil, &errdefs.RemoteError{Op: "listen", Msg: "relay replied without a listener"}
	}
	t := newTunnel(kind, ep, r.Bound)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		t.shut(fmt.Errorf("session closed: %w", errdefs.ErrCanceled))
		return nil, &errdefs.RemoteError{Op: "listen", Err: fmt.Errorf("session closed: %w", errdefs.ErrCanceled)}
	}
	s.tunnels[t.id] = t
	return t, nil
}

// CloseTunnel stops the local tunnel and unbinds it on the relay. A relay
// that is not connected has already dropped the listener.
func (s *Session) CloseTunnel(ctx context.Context, id string) error {
	s.mu.Lock()
	t := s.tunnels[id]
	delete(s.tunnels, id)
	s.mu.Unlock()
	if t != nil {
		t.shut(nil)
	}
	_, err := s.call(ctx, "close", &proto.Message{Type: proto.TypeUnbind, Unbind: &proto.Unbind{ID: id}})
	if errors.Is(err, errdefs.ErrCanceled) {
		return nil
	}
	return err
}

func (s *Session) Close(ctx context.Context) error {
	s.terminate(fmt.Errorf("session closed: %w", errdefs.ErrCanceled))
	return nil
}

// terminate ends the session for good. Every tunnel's Forward returns cause.
func (s *Session) terminate(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	l := s.link
	s.link = nil
	ts := s.tunnels
	s.tunnels = make(map[string]*Tunnel)
	s.mu.Unlock()

	s.cancel()
	for _, t := range ts {
		t.shut(cause)
	}
	if l != nil {
		l.fail(cause)
	}
	obs.Info("relay.session.closed", obs.Fields{"session": s.ID(), "tunnels": len(ts)})
}

// supervise waits for the link to die and reconnects until the session is
// closed or the disconnect handler refuses.
func (s *Session) supervise(l *link) {
	for {
		select {
		case <-l.dead:
		case <-s.ctx.Done():
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		if s.link == l {
			s.link = nil
		}
		s.mu.Unlock()
		obs.Error("relay.session.lost", obs.Fields{"session": s.ID(), "err": l.err})
		obs.ErrorsTotal.WithLabelValues("session_lost").Inc()

		if h := s.cfg.OnDisconnect; h != nil {
			if err := h(serverAddr(s.cfg.Session), l.err); err != nil {
				s.terminate(fmt.Errorf("%w: %v", errdefs.ErrCanceled, err))
				return
			}
		}
		nl := s.reconnect()
		if nl == nil {
			return
		}
		l = nl
	}
}

func (s *Session) reconnect() *link {
	backoff := s.c.MinBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			return nil
		}
		l, id, err := s.establish(s.ctx, s.ID())
		if err != nil {
			obs.Error("relay.reconnect", obs.Fields{"session": s.ID(), "err": err, "backoff": backoff.String()})
			backoff *= 2
			if s.c.MaxBackoff > 0 && backoff > s.c.MaxBackoff {
				backoff = s.c.MaxBackoff
			}
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			l.fail(errdefs.ErrCanceled)
			return nil
		}
		s.id = id
		s.link = l
		s.mu.Unlock()
		s.run(l)
		obs.ReconnectsTotal.Inc()
		obs.Info("relay.session.reconnected", obs.Fields{"session": id})
		s.rebind()
		return l
	}
}

// rebind binds every open tunnel again under its id. A tunnel the relay
// refuses is shut with the relay's error.
func (s *Session) rebind() {
	s.mu.Lock()
	ts := make([]*Tunnel, 0, len(s.tunnels))
	for _, t := range s.tunnels {
		ts = append(ts, t)
	}
	s.mu.Unlock()
	for _, t := range ts {
		r, err := s.call(s.ctx, "listen", &proto.Message{Type: proto.TypeBind, Bind: &proto.Bind{ID: t.id, Kind: t.kind, Options: t.pinned()}})
		if errors.Is(err, errdefs.ErrCanceled) || s.ctx.Err() != nil {
			return
		}
		if err != nil {
			obs.Error("relay.rebind", obs.Fields{"id": t.id, "err": err})
			s.mu.Lock()
			delete(s.tunnels, t.id)
			s.mu.Unlock()
			t.shut(err)
			continue
		}
		if r.Bound != nil && r.Bound.URL != t.url {
			obs.Error("relay.rebind.url_changed", obs.Fields{"id": t.id, "was": t.url, "now": r.Bound.URL})
		}
	}
}

func (s *Session) acceptLoop(l *link) {
	for {
		st, err := l.mux.AcceptStream()
		if err != nil {
			if !isSessionClosed(err) {
				obs.Error("relay.accept", obs.Fields{"err": err})
			}
			return
		}
		go s.route(st)
	}
}

// route reads the stream header and hands the stream to its tunnel.
func (s *Session) route(st *yamux.Stream) {
	_ = st.SetReadDeadline(time.Now().Add(handshakeTimeout))
	h, err := proto.ReadHeader(st)
	_ = st.SetReadDeadline(time.Time{})
	if err != nil {
		obs.Error("relay.stream.header", obs.Fields{"err": err})
		obs.ErrorsTotal.WithLabelValues("stream_header").Inc()
		_ = st.Close()
		return
	}
	s.mu.Lock()
	t := s.tunnels[h.ListenerID]
	s.mu.Unlock()
	if t == nil {
		obs.Debug("relay.stream.unknown_listener", obs.Fields{"id": h.ListenerID})
		_ = st.Close()
		return
	}
	t.deliver(st, h.RemoteAddr)
}

type pingResult struct {
	rtt time.Duration
	err error
}

func (s *Session) heartbeat(l *link) {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	tolerance := s.cfg.HeartbeatTolerance
	if tolerance <= 0 {
		tolerance = DefaultHeartbeatTolerance
	}
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-l.dead:
			return
		case <-tk.C:
		}
		res := make(chan pingResult, 1)
		go func() {
			rtt, err := l.mux.Ping()
			res <- pingResult{rtt, err}
		}()
		select {
		case r := <-res:
			if r.err != nil {
				l.fail(r.err)
				return
			}
			obs.HeartbeatSeconds.Observe(r.rtt.Seconds())
			if h := s.cfg.OnHeartbeat; h != nil {
				h(r.rtt)
			}
		case <-time.After(tolerance):
			obs.Error("relay.heartbeat.timeout", obs.Fields{"session": s.ID(), "tolerance": tolerance.String()})
			obs.ErrorsTotal.WithLabelValues("heartbeat").Inc()
			l.fail(errors.New("heartbeat timeout"))
			return
		case <-l.dead:
			return
		}
	}
}

// command runs an operator command and acknowledges it. stop closes the
// session; restart drops the link so the session reconnects.
func (s *Session) command(l *link, m *proto.Message) {
	var name string
	if m.Command != nil {
		name = m.Command.Name
	}
	var h func() error
	switch name {
	case proto.CommandStop:
		h = s.cfg.OnStop
	case proto.CommandRestart:
		h = s.cfg.OnRestart
	}
	reply := &proto.Message{Type: proto.TypeAck, ReqID: m.ReqID}
	var err error
	if h == nil {
		err = fmt.Errorf("command %q is not handled by this agent", name)
		reply = &proto.Message{Type: proto.TypeError, ReqID: m.ReqID, Error: &proto.Error{Code: proto.CodeUnsupported, Msg: err.Error()}}
	} else if err = h(); err != nil {
		reply = &proto.Message{Type: proto.TypeError, ReqID: m.ReqID, Error: &proto.Error{Code: proto.CodeInternal, Msg: err.Error()}}
	}
	if serr := l.ctrl.Send(reply); serr != nil {
		obs.Error("relay.command.reply", obs.Fields{"command": name, "err": serr})
	}
	if err != nil {
		obs.Error("relay.command", obs.Fields{"command": name, "err": err})
		return
	}
	obs.Info("relay.command", obs.Fields{"command": name})
	switch name {
	case proto.CommandStop:
		_ = s.Close(context.Background())
	case proto.CommandRestart:
		l.fail(errors.New("restart requested by relay"))
	}
}
