package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/matst80/showoff-agent/internal/httpx"
	"github.com/matst80/showoff-agent/internal/obs"
	"github.com/matst80/showoff-agent/internal/options"
	"github.com/matst80/showoff-agent/internal/proto"
	"github.com/matst80/showoff-agent/internal/web"
)

// ServePublicHTTP routes HTTP/1.x connections on ln to http listeners by Host
// header, falling back to a /name/ path prefix.
func (s *Server) ServePublicHTTP(ctx context.Context, ln net.Listener) error {
	return acceptLoop(ctx, ln, "http", s.handleHTTP)
}

// ServePublicTLS routes TLS connections on ln to tls listeners by SNI.
func (s *Server) ServePublicTLS(ctx context.Context, ln net.Listener) error {
	return acceptLoop(ctx, ln, "tls", s.handleTLS)
}

func (s *Server) lookupHTTP(host, uri string) (*binding, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b := s.routes[routeKey(options.HTTP, hostOnly(host))]; b != nil {
		return b, uri
	}
	if name, rewritten := ExtractName(host, uri, s.cfg.BaseDomain); name != "" {
		if b := s.routes[routeKey(options.HTTP, name+"."+s.cfg.BaseDomain)]; b != nil {
			return b, rewritten
		}
	}
	if name, rewritten := ExtractName("", uri, s.cfg.BaseDomain); name != "" {
		if b := s.routes[routeKey(options.HTTP, name+"."+s.cfg.BaseDomain)]; b != nil {
			return b, rewritten
		}
	}
	return nil, uri
}

func (s *Server) handleHTTP(c net.Conn) {
	defer c.Close()
	remote := c.RemoteAddr().String()
	_ = c.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	br := bufio.NewReader(c)
	req, _, err := httpx.ParseRequest(br, s.cfg.MaxHeaderSize)
	_ = c.SetReadDeadline(time.Time{})
	if err != nil {
		obs.Error("public.http.parse", obs.Fields{"err": err, "remote": remote})
		obs.ErrorsTotal.WithLabelValues("http_parse").Inc()
		_ = httpx.WriteResponse(c, http.StatusBadRequest, nil, "")
		return
	}

	b, uri := s.lookupHTTP(req.Get("Host"), req.URI)
	if b == nil {
		writePage(c, http.StatusNotFound, "notfound", hostOnly(req.Get("Host")))
		return
	}
	req.URI = uri
	if !b.policy.allowAddr(remote) {
		_ = httpx.WriteResponse(c, http.StatusForbidden, nil, "")
		return
	}
	if !s.limiter.AllowRequest(b.id) {
		obs.RateLimitedTotal.WithLabelValues("request").Inc()
		_ = httpx.WriteResponse(c, http.StatusTooManyRequests, nil, "")
		return
	}
	if !b.policy.authorize(req) {
		_ = httpx.WriteResponse(c, http.StatusUnauthorized, []httpx.Header{{Name: "WWW-Authenticate", Value: `Basic realm="showoff"`}}, "")
		return
	}
	b.policy.rewrite(req)
	if s.cfg.AddXFF {
		if h, _, err := net.SplitHostPort(remote); err == nil {
			req.AugmentXFF(h)
		}
	}

	st, err := s.open(b, remote)
	if err != nil {
		obs.Error("public.http.open", obs.Fields{"err": err, "listener": b.id})
		writePage(c, http.StatusBadGateway, "down", b.host)
		return
	}
	defer st.Close()
	if ph := b.policy.proxyHeader(c.RemoteAddr(), c.LocalAddr()); ph != nil {
		if _, err := st.Write(ph); err != nil {
			return
		}
	}
	if _, err := req.WriteTo(st); err != nil {
		return
	}
	pipe(c, br, st)
}

// writePage answers with an HTML page for name, or plain text when the page
// cannot be rendered.
func writePage(c net.Conn, status int, page, name string) {
	body, err := web.Page(page, map[string]any{"Name": name, "Title": http.StatusText(status)})
	if err != nil {
		obs.Error("public.page", obs.Fields{"err": err, "page": page})
		_ = httpx.WriteResponse(c, status, nil, "")
		return
	}
	_ = httpx.WriteResponse(c, status, []httpx.Header{{Name: "Content-Type", Value: "text/html; charset=utf-8"}}, string(body))
}

// serveTCP accepts on a tcp listener's own socket until it is closed.
func (s *Server) serveTCP(b *binding) {
	for {
		c, err := b.ln.Accept()
		if err != nil {
			return
		}
		go s.handleTCP(b, c)
	}
}

func (s *Server) handleTCP(b *binding, c net.Conn) {
	defer c.Close()
	remote := c.RemoteAddr().String()
	if !b.policy.allowAddr(remote) {
		return
	}
	if !s.limiter.AllowConnection(b.id) {
		obs.RateLimitedTotal.WithLabelValues("connection").Inc()
		return
	}
	st, err := s.open(b, remote)
	if err != nil {
		obs.Error("public.tcp.open", obs.Fields{"err": err, "listener": b.id})
		return
	}
	defer st.Close()
	if ph := b.policy.proxyHeader(c.RemoteAddr(), c.LocalAddr()); ph != nil {
		if _, err := st.Write(ph); err != nil {
			return
		}
	}
	pipe(c, c, st)
}

func (s *Server) handleTLS(c net.Conn) {
	defer c.Close()
	remote := c.RemoteAddr().String()
	_ = c.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	sni, replay, err := peekServerName(c)
	if err != nil {
		obs.Error("public.tls.hello", obs.Fields{"err": err, "remote": remote})
		return
	}
	s.mu.RLock()
	b := s.routes[routeKey(options.TLS, hostKey(sni))]
	s.mu.RUnlock()
	if b == nil {
		obs.Error("public.tls.route", obs.Fields{"sni": sni, "remote": remote})
		return
	}
	if !b.policy.allowAddr(remote) {
		return
	}
	if !s.limiter.AllowConnection(b.id) {
		obs.RateLimitedTotal.WithLabelValues("connection").Inc()
		return
	}

	var client net.Conn = &prefixConn{Conn: c, r: io.MultiReader(replay, c)}
	if b.policy.tls != nil {
		tc := tlsServer(client, b.policy.tls)
		if err := tc.Handshake(); err != nil {
			obs.Error("public.tls.handshake", obs.Fields{"err": err, "listener": b.id})
			return
		}
		client = tc
	}
	_ = c.SetReadDeadline(time.Time{})

	st, err := s.open(b, remote)
	if err != nil {
		obs.Error("public.tls.open", obs.Fields{"err": err, "listener": b.id})
		return
	}
	defer st.Close()
	if ph := b.policy.proxyHeader(c.RemoteAddr(), c.LocalAddr()); ph != nil {
		if _, err := st.Write(ph); err != nil {
			return
		}
	}
	pipe(client, client, st)
}

// open starts a data stream to the agent holding b.
func (s *Server) open(b *binding, remote string) (*yamux.Stream, error) {
	st, err := b.session().mux.OpenStream()
	if err != nil {
		return nil, err
	}
	if err := proto.WriteHeader(st, proto.StreamHeader{ListenerID: b.id, RemoteAddr: remote}); err != nil {
		_ = st.Close()
		return nil, err
	}
	obs.StreamsOpenedTotal.Inc()
	return st, nil
}

// pipe copies between the public side and an agent stream until either
// direction ends, then closes both.
func pipe(c net.Conn, from io.Reader, st net.Conn) {
	start := time.Now()
	var once sync.Once
	closeBoth := func() {
		_ = c.Close()
		_ = st.Close()
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(st, from)
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(c, st)
		once.Do(closeBoth)
	}()
	wg.Wait()
	obs.StreamDurationSeconds.Observe(time.Since(start).Seconds())
}

// prefixConn reads from r instead of the underlying connection.
type prefixConn struct {
	net.Conn
	r io.Reader
}

func (p *prefixConn) Read(b []byte) (int, error) { return p.r.Read(b) }
