// Package server is the showoff relay: it accepts agent sessions, binds
// their listeners to public endpoints and opens a stream to the agent for
// every public connection.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"

	"github.com/matst80/showoff-agent/internal/obs"
	"github.com/matst80/showoff-agent/internal/options"
	"github.com/matst80/showoff-agent/internal/ratelimit"
)

// Config holds the relay's routing and policy settings.
type Config struct {
	// Token, when set, must match the agent's authtoken.
	Token string
	// BaseDomain is the parent domain of generated http and tls hostnames.
	BaseDomain string
	// HTTPScheme and HTTPPort are advertised in http listener URLs.
	HTTPScheme string
	HTTPPort   int
	// TLSPort is advertised in tls listener URLs.
	TLSPort int
	// TCPHost is advertised in tcp listener URLs; TCPBindHost is the
	// interface per-listener tcp sockets are opened on.
	TCPHost     string
	TCPBindHost string

	MaxHeaderSize    int
	AddXFF           bool
	HandshakeTimeout time.Duration
	Limits           ratelimit.Limits
}

func (c *Config) defaults() {
	if c.BaseDomain == "" {
		c.BaseDomain = "localhost"
	}
	if c.HTTPScheme == "" {
		c.HTTPScheme = "http"
	}
	if c.TCPHost == "" {
		c.TCPHost = "localhost"
	}
	if c.MaxHeaderSize <= 0 {
		c.MaxHeaderSize = 32 * 1024
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Server is a relay instance.
type Server struct {
	cfg     Config
	store   StateStore
	limiter *ratelimit.Limiter

	mu       sync.RWMutex
	sessions map[string]*agentSession
	bindings map[string]*binding
	routes   map[string]*binding // "http:<host>" / "tls:<host>"
}

func New(cfg Config, store StateStore) *Server {
	cfg.defaults()
	if store == nil {
		store = NewMemoryState()
	}
	return &Server{
		cfg:      cfg,
		store:    store,
		limiter:  ratelimit.New(cfg.Limits),
		sessions: make(map[string]*agentSession),
		bindings: make(map[string]*binding),
		routes:   make(map[string]*binding),
	}
}

func (s *Server) Store() StateStore { return s.store }

func muxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = nil
	cfg.Logger = obs.StdLogger("yamux")
	return cfg
}

// ServeControl accepts agent connections on ln until ctx is done or ln is
// closed.
func (s *Server) ServeControl(ctx context.Context, ln net.Listener) error {
	return acceptLoop(ctx, ln, "control", func(c net.Conn) { s.ServeConn(ctx, c) })
}

// ServeConn runs one agent session over c and returns when it ends.
func (s *Server) ServeConn(ctx context.Context, c net.Conn) {
	mux, err := yamux.Server(c, muxConfig())
	if err != nil {
		obs.Error("control.yamux", obs.Fields{"err": err, "remote": c.RemoteAddr().String()})
		_ = c.Close()
		return
	}
	s.handleSession(ctx, mux, c.RemoteAddr().String())
}

// TunnelHandler upgrades WebSocket requests to agent sessions.
func (s *Server) TunnelHandler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			obs.Error("control.websocket.accept", obs.Fields{"err": err, "remote": r.RemoteAddr})
			return
		}
		ws.SetReadLimit(4 * 1024 * 1024)
		nc := websocket.NetConn(context.Background(), ws, websocket.MessageBinary)
		s.ServeConn(ctx, nc)
	})
}

// acceptLoop accepts from ln and runs handle for every connection in its own
// goroutine.
func acceptLoop(ctx context.Context, ln net.Listener, name string, handle func(net.Conn)) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				obs.Error("accept."+name+".timeout", obs.Fields{"err": err})
				continue
			}
			return err
		}
		go handle(c)
	}
}

// Maintain drops rate limit state of gone listeners every interval until ctx
// is done.
func (s *Server) Maintain(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.mu.RLock()
			active := make(map[string]bool, len(s.bindings))
			for id := range s.bindings {
				active[id] = true
			}
			s.mu.RUnlock()
			s.limiter.Retain(active)
		}
	}
}

// Close ends every session.
func (s *Server) Close() {
	s.mu.RLock()
	ss := make([]*agentSession, 0, len(s.sessions))
	for _, as := range s.sessions {
		ss = append(ss, as)
	}
	s.mu.RUnlock()
	for _, as := range ss {
		s.dropSession(as, errors.New("relay shutting down"))
	}
}

// ListenerInfo describes a bound listener.
type ListenerInfo struct {
	ID        string            `json:"id"`
	Kind      options.Kind      `json:"kind"`
	URL       string            `json:"url,omitempty"`
	SessionID string            `json:"session_id"`
	Labels    map[string]string `json:"labels,omitempty"`
	Metadata  string            `json:"metadata,omitempty"`
}

// Stats represents current relay stats for the state API.
type Stats struct {
	Sessions  int            `json:"sessions"`
	Listeners []ListenerInfo `json:"listeners"`
	Now       string         `json:"now"`
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	st := Stats{Sessions: len(s.sessions), Listeners: make([]ListenerInfo, 0, len(s.bindings))}
	for _, b := range s.bindings {
		st.Listeners = append(st.Listeners, b.info())
	}
	s.mu.RUnlock()
	sort.Slice(st.Listeners, func(i, j int) bool { return st.Listeners[i].ID < st.Listeners[j].ID })
	st.Now = time.Now().UTC().Format(time.RFC3339)
	return st
}

// httpURL renders the public URL of an http listener on host.
func (s *Server) httpURL(host string) string {
	u := s.cfg.HTTPScheme + "://" + host
	if p := s.cfg.HTTPPort; p != 0 && !(p == 80 && s.cfg.HTTPScheme == "http") && !(p == 443 && s.cfg.HTTPScheme == "https") {
		u += ":" + strconv.Itoa(p)
	}
	return u
}

func (s *Server) tlsURL(host string) string {
	if s.cfg.TLSPort == 0 || s.cfg.TLSPort == 443 {
		return "tls://" + host
	}
	return "tls://" + net.JoinHostPort(host, strconv.Itoa(s.cfg.TLSPort))
}

// generatedHost derives a hostname under the base domain from a listener id.
func (s *Server) generatedHost(id string) string {
	name := strings.TrimPrefix(id, "tn_")
	if len(name) > 12 {
		name = name[:12]
	}
	return strings.ToLower(name) + "." + s.cfg.BaseDomain
}

func routeKey(kind options.Kind, host string) string {
	return string(kind) + ":" + strings.ToLower(host)
}
