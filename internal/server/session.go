package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"

	"github.com/matst80/showoff-agent/internal/obs"
	"github.com/matst80/showoff-agent/internal/options"
	"github.com/matst80/showoff-agent/internal/proto"
)

// agentSession is one connected agent.
type agentSession struct {
	id     string
	remote string
	auth   proto.Auth
	mux    *yamux.Session
	ctrl   *proto.Conn
	next   atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]chan *proto.Message
	bindings map[string]*binding

	once sync.Once
}

// binding is a listener bound for a session.
type binding struct {
	id     string
	kind   options.Kind
	host   string // claimed public name
	url    string
	proto  string
	ep     options.Endpoint
	policy *policy
	ln     net.Listener // tcp listeners only

	mu   sync.RWMutex
	sess *agentSession
}

func (b *binding) session() *agentSession {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sess
}

func (b *binding) info() ListenerInfo {
	return ListenerInfo{ID: b.id, Kind: b.kind, URL: b.url, SessionID: b.session().id, Labels: b.ep.Labels, Metadata: b.ep.Metadata}
}

func (b *binding) bound() *proto.Bound {
	return &proto.Bound{ID: b.id, URL: b.url, Proto: b.proto, Labels: b.ep.Labels, ForwardsTo: b.ep.ForwardsTo, Metadata: b.ep.Metadata}
}

func replyErr(req uint64, code, msg string) *proto.Message {
	return &proto.Message{Type: proto.TypeError, ReqID: req, Error: &proto.Error{Code: code, Msg: msg}}
}

func (s *Server) handleSession(ctx context.Context, mux *yamux.Session, remote string) {
	defer mux.Close()
	type accepted struct {
		st  *yamux.Stream
		err error
	}
	ch := make(chan accepted, 1)
	go func() {
		st, err := mux.AcceptStream()
		ch <- accepted{st, err}
	}()
	var st *yamux.Stream
	select {
	case a := <-ch:
		if a.err != nil {
			obs.Error("control.accept", obs.Fields{"err": a.err, "remote": remote})
			return
		}
		st = a.st
	case <-time.After(s.cfg.HandshakeTimeout):
		obs.Error("control.handshake.timeout", obs.Fields{"remote": remote})
		obs.ErrorsTotal.WithLabelValues("handshake_timeout").Inc()
		return
	}

	_ = st.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	ctrl, err := proto.AcceptConn(st)
	if err != nil {
		obs.Error("control.auth.read", obs.Fields{"err": err, "remote": remote})
		return
	}
	m, err := ctrl.Recv()
	_ = st.SetReadDeadline(time.Time{})
	if err != nil {
		obs.Error("control.auth.decode", obs.Fields{"err": err, "remote": remote})
		obs.ErrorsTotal.WithLabelValues("auth_decode").Inc()
		return
	}
	if m.Type != proto.TypeAuth || m.Auth == nil {
		_ = ctrl.Send(replyErr(m.ReqID, proto.CodeBadRequest, "expected auth"))
		return
	}
	if s.cfg.Token != "" && m.Auth.Token != s.cfg.Token {
		obs.Error("control.auth.token", obs.Fields{"remote": remote})
		obs.ErrorsTotal.WithLabelValues("auth_token").Inc()
		_ = ctrl.Send(replyErr(m.ReqID, proto.CodeUnauthorized, "invalid authtoken"))
		return
	}

	as := &agentSession{
		id:       m.Auth.SessionID,
		remote:   remote,
		auth:     *m.Auth,
		mux:      mux,
		ctrl:     ctrl,
		pending:  make(map[uint64]chan *proto.Message),
		bindings: make(map[string]*binding),
	}
	if as.id == "" {
		as.id = uuid.NewString()
	}
	s.mu.Lock()
	prev := s.sessions[as.id]
	s.sessions[as.id] = as
	s.mu.Unlock()
	if prev != nil {
		s.dropSession(prev, errors.New("session resumed elsewhere"))
		s.mu.Lock()
		s.sessions[as.id] = as
		s.mu.Unlock()
	}

	var client string
	if len(as.auth.ClientInfo) > 0 {
		ci := as.auth.ClientInfo[len(as.auth.ClientInfo)-1]
		client = ci.Type + "/" + ci.Version
	}
	now := time.Now()
	if err := s.store.RegisterSession(ctx, SessionInfo{ID: as.id, Metadata: as.auth.Metadata, Client: client, Remote: remote, ConnectedAt: now, LastSeen: now}); err != nil {
		obs.Error("state.register_session", obs.Fields{"err": err, "session": as.id})
	}
	obs.ActiveSessions.Inc()
	if err := ctrl.Send(&proto.Message{Type: proto.TypeAuthOK, ReqID: m.ReqID, AuthOK: &proto.AuthOK{SessionID: as.id, Msg: "ok"}}); err != nil {
		s.dropSession(as, err)
		return
	}
	obs.Info("session.registered", obs.Fields{"session": as.id, "remote": remote, "client": client, "resumed": m.Auth.SessionID != ""})

	for {
		m, err := ctrl.Recv()
		if err != nil {
			s.dropSession(as, err)
			return
		}
		switch m.Type {
		case proto.TypeBind:
			b, perr := s.bind(ctx, as, m.Bind)
			if perr != nil {
				obs.Error("session.bind", obs.Fields{"session": as.id, "code": perr.Code, "err": perr.Msg})
				_ = ctrl.Send(&proto.Message{Type: proto.TypeError, ReqID: m.ReqID, Error: perr})
				continue
			}
			_ = ctrl.Send(&proto.Message{Type: proto.TypeBound, ReqID: m.ReqID, Bound: b.bound()})
		case proto.TypeUnbind:
			if m.Unbind == nil || !s.unbind(ctx, as, m.Unbind.ID) {
				_ = ctrl.Send(replyErr(m.ReqID, proto.CodeNotFound, "no such listener"))
				continue
			}
			_ = ctrl.Send(&proto.Message{Type: proto.TypeUnbound, ReqID: m.ReqID, Unbind: m.Unbind})
		case proto.TypeAck, proto.TypeError:
			as.deliver(m)
		default:
			_ = ctrl.Send(replyErr(m.ReqID, proto.CodeBadRequest, "unexpected "+string(m.Type)))
		}
	}
}

func (as *agentSession) deliver(m *proto.Message) {
	as.mu.Lock()
	ch := as.pending[m.ReqID]
	delete(as.pending, m.ReqID)
	as.mu.Unlock()
	if ch != nil {
		ch <- m
	}
}

// dropSession tears down a session and every listener it holds.
func (s *Server) dropSession(as *agentSession, cause error) {
	as.once.Do(func() {
		_ = as.mux.Close()
		as.mu.Lock()
		ids := make([]string, 0, len(as.bindings))
		for id := range as.bindings {
			ids = append(ids, id)
		}
		as.mu.Unlock()
		ctx := context.Background()
		for _, id := range ids {
			s.unbind(ctx, as, id)
		}
		s.mu.Lock()
		if s.sessions[as.id] == as {
			delete(s.sessions, as.id)
		}
		s.mu.Unlock()
		if err := s.store.RemoveSession(ctx, as.id); err != nil {
			obs.Error("state.remove_session", obs.Fields{"err": err, "session": as.id})
		}
		obs.ActiveSessions.Dec()
		obs.Info("session.closed", obs.Fields{"session": as.id, "listeners": len(ids), "err": cause})
	})
}

// bind creates or re-attaches a listener for as.
func (s *Server) bind(ctx context.Context, as *agentSession, req *proto.Bind) (*binding, *proto.Error) {
	if req == nil {
		return nil, &proto.Error{Code: proto.CodeBadRequest, Msg: "missing bind payload"}
	}
	kind, err := options.ParseKind(string(req.Kind))
	if err != nil {
		return nil, &proto.Error{Code: proto.CodeUnsupported, Msg: err.Error()}
	}
	if err := req.Options.Validate(kind); err != nil {
		return nil, &proto.Error{Code: proto.CodeBadRequest, Msg: err.Error()}
	}
	pol, err := compilePolicy(kind, req.Options)
	if err != nil {
		return nil, &proto.Error{Code: proto.CodeBadRequest, Msg: err.Error()}
	}

	id := req.ID
	if id == "" {
		id = "tn_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	s.mu.Lock()
	if existing := s.bindings[id]; existing != nil {
		s.mu.Unlock()
		if existing.session() != as {
			return nil, &proto.Error{Code: proto.CodeConflict, Msg: "listener " + id + " is bound by another session"}
		}
		return existing, nil
	}
	s.mu.Unlock()

	b := &binding{id: id, kind: kind, ep: req.Options, policy: pol, sess: as}
	switch kind {
	case options.HTTP, options.TLS:
		b.host = strings.ToLower(req.Options.Domain)
		if b.host == "" {
			b.host = s.generatedHost(id)
		}
		if kind == options.HTTP {
			b.url, b.proto = s.httpURL(b.host), s.cfg.HTTPScheme
		} else {
			b.url, b.proto = s.tlsURL(b.host), "tls"
		}
	case options.TCP:
		ln, err := s.listenTCP(req.Options.RemoteAddr)
		if err != nil {
			return nil, &proto.Error{Code: proto.CodeConflict, Msg: err.Error()}
		}
		port := ln.Addr().(*net.TCPAddr).Port
		b.ln = ln
		b.host = net.JoinHostPort(s.cfg.TCPHost, strconv.Itoa(port))
		b.url, b.proto = "tcp://"+b.host, "tcp"
	case options.Labeled:
	}

	if b.host != "" {
		ok, err := s.store.ClaimName(ctx, routeKey(kind, b.host), as.id)
		if err != nil || !ok {
			if b.ln != nil {
				_ = b.ln.Close()
			}
			if err != nil {
				return nil, &proto.Error{Code: proto.CodeInternal, Msg: err.Error()}
			}
			return nil, &proto.Error{Code: proto.CodeConflict, Msg: b.host + " is already in use"}
		}
	}

	s.mu.Lock()
	s.bindings[id] = b
	if kind == options.HTTP || kind == options.TLS {
		s.routes[routeKey(kind, b.host)] = b
	}
	s.mu.Unlock()
	as.mu.Lock()
	as.bindings[id] = b
	as.mu.Unlock()
	if b.ln != nil {
		go s.serveTCP(b)
	}
	obs.RegisteredListeners.Inc()
	obs.Info("listener.bound", obs.Fields{"id": id, "kind": string(kind), "url": b.url, "session": as.id, "rebind": req.ID != ""})
	return b, nil
}

// listenTCP opens the public socket of a tcp listener. remote pins the port.
func (s *Server) listenTCP(remote string) (net.Listener, error) {
	port := "0"
	if remote != "" {
		_, p, err := net.SplitHostPort(remote)
		if err != nil {
			return nil, fmt.Errorf("remote_addr %q: %w", remote, err)
		}
		port = p
	}
	return net.Listen("tcp", net.JoinHostPort(s.cfg.TCPBindHost, port))
}

// unbind removes listener id of as. It reports false if as does not hold it.
func (s *Server) unbind(ctx context.Context, as *agentSession, id string) bool {
	as.mu.Lock()
	b := as.bindings[id]
	delete(as.bindings, id)
	as.mu.Unlock()
	if b == nil {
		return false
	}
	s.mu.Lock()
	if s.bindings[id] == b {
		delete(s.bindings, id)
	}
	if b.host != "" && s.routes[routeKey(b.kind, b.host)] == b {
		delete(s.routes, routeKey(b.kind, b.host))
	}
	s.mu.Unlock()
	if b.ln != nil {
		_ = b.ln.Close()
	}
	if b.host != "" {
		if err := s.store.ReleaseName(ctx, routeKey(b.kind, b.host), as.id); err != nil {
			obs.Error("state.release_name", obs.Fields{"err": err, "name": b.host})
		}
	}
	s.limiter.Forget(id)
	obs.RegisteredListeners.Dec()
	obs.Info("listener.unbound", obs.Fields{"id": id, "session": as.id})
	return true
}

// ErrNoSession is returned by Command for an unknown session id.
var ErrNoSession = errors.New("no such session")

// Command sends an operator command to the agent of session id and waits
// for its acknowledgement.
func (s *Server) Command(ctx context.Context, id, name string) error {
	s.mu.RLock()
	as := s.sessions[id]
	s.mu.RUnlock()
	if as == nil {
		return ErrNoSession
	}
	req := as.next.Add(1)
	ch := make(chan *proto.Message, 1)
	as.mu.Lock()
	as.pending[req] = ch
	as.mu.Unlock()
	defer func() {
		as.mu.Lock()
		delete(as.pending, req)
		as.mu.Unlock()
	}()
	if err := as.ctrl.Send(&proto.Message{Type: proto.TypeCommand, ReqID: req, Command: &proto.Command{Name: name}}); err != nil {
		return err
	}
	select {
	case r := <-ch:
		if r.Type == proto.TypeError && r.Error != nil {
			return fmt.Errorf("agent refused %s: %s", name, r.Error.Msg)
		}
		return nil
	case <-as.mux.CloseChan():
		return errors.New("session closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}
