package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/matst80/showoff-agent/internal/options"
	"github.com/matst80/showoff-agent/internal/proto"
	"github.com/matst80/showoff-agent/internal/ratelimit"
)

type agent struct {
	mux  *yamux.Session
	ctrl *proto.Conn
	id   string
}

func startServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	if cfg.TCPBindHost == "" {
		cfg.TCPBindHost = "127.0.0.1"
	}
	if cfg.TCPHost == "" {
		cfg.TCPHost = "127.0.0.1"
	}
	srv := New(cfg, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.ServeControl(ctx, ln)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, ln.Addr().String()
}

func serve(t *testing.T, fn func(context.Context, net.Listener) error) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go fn(ctx, ln)
	t.Cleanup(cancel)
	return ln.Addr().String()
}

// dialAgent connects and authenticates, returning the relay's reply.
func dialAgent(t *testing.T, addr string, auth proto.Auth, f proto.Format) (*agent, *proto.Message) {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	mux, err := yamux.Client(c, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mux.Close() })
	st, err := mux.OpenStream()
	if err != nil {
		t.Fatal(err)
	}
	ctrl := proto.NewConn(st, f)
	if err := ctrl.Send(&proto.Message{Type: proto.TypeAuth, ReqID: 1, Auth: &auth}); err != nil {
		t.Fatal(err)
	}
	reply, err := ctrl.Recv()
	if err != nil {
		t.Fatal(err)
	}
	a := &agent{mux: mux, ctrl: ctrl}
	if reply.AuthOK != nil {
		a.id = reply.AuthOK.SessionID
	}
	return a, reply
}

func (a *agent) bind(t *testing.T, req uint64, kind options.Kind, ep options.Endpoint) *proto.Message {
	t.Helper()
	if err := a.ctrl.Send(&proto.Message{Type: proto.TypeBind, ReqID: req, Bind: &proto.Bind{Kind: kind, Options: ep}}); err != nil {
		t.Fatal(err)
	}
	m, err := a.ctrl.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if m.ReqID != req {
		t.Fatalf("reply for request %d, want %d", m.ReqID, req)
	}
	return m
}

// accept takes the next data stream and checks its header. It runs off the
// test goroutine, so failures are reported with Errorf and a nil stream.
func (a *agent) accept(t *testing.T, listenerID string) net.Conn {
	st, err := a.mux.AcceptStream()
	if err != nil {
		t.Errorf("accept stream: %v", err)
		return nil
	}
	h, err := proto.ReadHeader(st)
	if err != nil || h.ListenerID != listenerID || h.RemoteAddr == "" {
		t.Errorf("stream header %+v, %v", h, err)
		_ = st.Close()
		return nil
	}
	return st
}

func TestAuthRejectsBadToken(t *testing.T) {
	_, addr := startServer(t, Config{Token: "secret"})
	_, reply := dialAgent(t, addr, proto.Auth{Token: "nope"}, proto.JSON)
	if reply.Type != proto.TypeError || reply.Error == nil || reply.Error.Code != proto.CodeUnauthorized {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestAuthCBOR(t *testing.T) {
	srv, addr := startServer(t, Config{Token: "secret"})
	a, reply := dialAgent(t, addr, proto.Auth{Token: "secret", Metadata: "m"}, proto.CBOR)
	if reply.Type != proto.TypeAuthOK || a.id == "" {
		t.Fatalf("reply = %+v", reply)
	}
	ss, _ := srv.Store().Sessions(context.Background())
	if len(ss) != 1 || ss[0].ID != a.id || ss[0].Metadata != "m" {
		t.Errorf("registered sessions = %+v", ss)
	}
}

func TestTCPForwarding(t *testing.T) {
	srv, addr := startServer(t, Config{})
	a, _ := dialAgent(t, addr, proto.Auth{}, proto.JSON)
	m := a.bind(t, 2, options.TCP, options.Endpoint{Metadata: "db", ForwardsTo: "localhost:5432"})
	if m.Type != proto.TypeBound || m.Bound == nil {
		t.Fatalf("bind reply = %+v", m)
	}
	b := m.Bound
	if b.Proto != "tcp" || !strings.HasPrefix(b.URL, "tcp://127.0.0.1:") || b.Metadata != "db" || b.ForwardsTo != "localhost:5432" {
		t.Fatalf("bound = %+v", b)
	}
	if st := srv.Stats(); len(st.Listeners) != 1 || st.Listeners[0].ID != b.ID || st.Listeners[0].SessionID != a.id {
		t.Fatalf("stats = %+v", st)
	}

	go func() {
		st := a.accept(t, b.ID)
		if st == nil {
			return
		}
		defer st.Close()
		_, _ = io.Copy(st, st)
	}()
	u, _ := url.Parse(b.URL)
	c, err := net.Dial("tcp", u.Host)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(c, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("echo = %q, %v", buf, err)
	}
}

func TestHTTPRouting(t *testing.T) {
	srv, addr := startServer(t, Config{BaseDomain: "example.test", AddXFF: true})
	pub := serve(t, srv.ServePublicHTTP)
	a, _ := dialAgent(t, addr, proto.Auth{}, proto.JSON)
	m := a.bind(t, 2, options.HTTP, options.Endpoint{
		RequestHeaderAdd: []options.Header{{Name: "X-Env", Value: "dev"}},
	})
	if m.Bound == nil || !strings.HasSuffix(m.Bound.URL, ".example.test") || m.Bound.Proto != "http" {
		t.Fatalf("bind reply = %+v", m)
	}
	host := strings.TrimPrefix(m.Bound.URL, "http://")

	got := make(chan *http.Request, 1)
	go func() {
		st := a.accept(t, m.Bound.ID)
		if st == nil {
			return
		}
		defer st.Close()
		req, err := http.ReadRequest(bufio.NewReader(st))
		if err != nil {
			return
		}
		got <- req
		_, _ = io.WriteString(st, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok")
	}()

	c, err := net.Dial("tcp", pub)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	_, _ = io.WriteString(c, "GET /hello HTTP/1.1\r\nHost: "+host+"\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(body) != "ok" {
		t.Fatalf("response %d %q", resp.StatusCode, body)
	}
	req := <-got
	if req.URL.Path != "/hello" || req.Header.Get("X-Env") != "dev" || req.Header.Get("X-Forwarded-For") != "127.0.0.1" {
		t.Errorf("forwarded request %s %v", req.URL, req.Header)
	}
}

func publicGet(t *testing.T, pub, host, extra string) *http.Response {
	t.Helper()
	c, err := net.Dial("tcp", pub)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	_, _ = io.WriteString(c, "GET / HTTP/1.1\r\nHost: "+host+"\r\n"+extra+"\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHTTPRejections(t *testing.T) {
	srv, addr := startServer(t, Config{BaseDomain: "example.test"})
	pub := serve(t, srv.ServePublicHTTP)
	a, _ := dialAgent(t, addr, proto.Auth{}, proto.JSON)
	auth := a.bind(t, 2, options.HTTP, options.Endpoint{Domain: "auth.example.test", BasicAuth: []options.Credential{{Username: "u", Password: "longenough"}}})
	denied := a.bind(t, 3, options.HTTP, options.Endpoint{Domain: "denied.example.test", DenyCIDR: []string{"127.0.0.0/8"}})
	if auth.Bound == nil || denied.Bound == nil {
		t.Fatalf("bind replies %+v %+v", auth, denied)
	}

	if r := publicGet(t, pub, "missing.example.test", ""); r.StatusCode != http.StatusNotFound || !strings.HasPrefix(r.Header.Get("Content-Type"), "text/html") {
		t.Errorf("unknown host status %d %q", r.StatusCode, r.Header.Get("Content-Type"))
	}
	r := publicGet(t, pub, "auth.example.test", "")
	if r.StatusCode != http.StatusUnauthorized || !strings.HasPrefix(r.Header.Get("WWW-Authenticate"), "Basic") {
		t.Errorf("basic auth status %d %v", r.StatusCode, r.Header)
	}
	if r := publicGet(t, pub, "denied.example.test", ""); r.StatusCode != http.StatusForbidden {
		t.Errorf("denied cidr status %d", r.StatusCode)
	}
}

func TestHTTPRateLimit(t *testing.T) {
	srv, addr := startServer(t, Config{BaseDomain: "example.test", Limits: ratelimit.Limits{Req: 1, Burst: 1}})
	pub := serve(t, srv.ServePublicHTTP)
	a, _ := dialAgent(t, addr, proto.Auth{}, proto.JSON)
	m := a.bind(t, 2, options.HTTP, options.Endpoint{Domain: "busy.example.test"})
	if m.Bound == nil {
		t.Fatalf("bind reply %+v", m)
	}
	go func() {
		st := a.accept(t, m.Bound.ID)
		if st == nil {
			return
		}
		defer st.Close()
		_, _ = http.ReadRequest(bufio.NewReader(st))
		_, _ = io.WriteString(st, "HTTP/1.1 204 No Content\r\nConnection: close\r\n\r\n")
	}()
	if r := publicGet(t, pub, "busy.example.test", ""); r.StatusCode != http.StatusNoContent {
		t.Fatalf("first request status %d", r.StatusCode)
	}
	if r := publicGet(t, pub, "busy.example.test", ""); r.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request status %d", r.StatusCode)
	}
}

func TestBindConflicts(t *testing.T) {
	_, addr := startServer(t, Config{BaseDomain: "example.test"})
	a, _ := dialAgent(t, addr, proto.Auth{}, proto.JSON)
	b, _ := dialAgent(t, addr, proto.Auth{}, proto.JSON)

	if m := a.bind(t, 2, options.HTTP, options.Endpoint{Domain: "taken.example.test"}); m.Type != proto.TypeBound {
		t.Fatalf("first bind %+v", m)
	}
	m := b.bind(t, 2, options.HTTP, options.Endpoint{Domain: "taken.example.test"})
	if m.Type != proto.TypeError || m.Error.Code != proto.CodeConflict {
		t.Errorf("second bind %+v", m)
	}
	m = a.bind(t, 3, options.TCP, options.Endpoint{Domain: "x.example.test"})
	if m.Type != proto.TypeError || m.Error.Code != proto.CodeBadRequest {
		t.Errorf("domain on tcp %+v", m)
	}
	m = a.bind(t, 4, options.Kind("udp"), options.Endpoint{})
	if m.Type != proto.TypeError || m.Error.Code != proto.CodeUnsupported {
		t.Errorf("unknown kind %+v", m)
	}
}

func TestLabeledAndUnbind(t *testing.T) {
	srv, addr := startServer(t, Config{})
	a, _ := dialAgent(t, addr, proto.Auth{}, proto.JSON)
	m := a.bind(t, 2, options.Labeled, options.Endpoint{Labels: map[string]string{"edge": "e1"}})
	if m.Bound == nil || m.Bound.URL != "" || m.Bound.Labels["edge"] != "e1" {
		t.Fatalf("labeled bind %+v", m)
	}
	_ = a.ctrl.Send(&proto.Message{Type: proto.TypeUnbind, ReqID: 3, Unbind: &proto.Unbind{ID: m.Bound.ID}})
	if r, err := a.ctrl.Recv(); err != nil || r.Type != proto.TypeUnbound {
		t.Fatalf("unbind reply %+v, %v", r, err)
	}
	_ = a.ctrl.Send(&proto.Message{Type: proto.TypeUnbind, ReqID: 4, Unbind: &proto.Unbind{ID: m.Bound.ID}})
	if r, _ := a.ctrl.Recv(); r == nil || r.Type != proto.TypeError || r.Error.Code != proto.CodeNotFound {
		t.Errorf("second unbind reply %+v", r)
	}
	if st := srv.Stats(); len(st.Listeners) != 0 {
		t.Errorf("listeners left %+v", st.Listeners)
	}
}

func TestCommand(t *testing.T) {
	srv, addr := startServer(t, Config{})
	a, _ := dialAgent(t, addr, proto.Auth{}, proto.JSON)

	go func() {
		m, err := a.ctrl.Recv()
		if err != nil || m.Type != proto.TypeCommand {
			return
		}
		_ = a.ctrl.Send(&proto.Message{Type: proto.TypeAck, ReqID: m.ReqID})
		m, err = a.ctrl.Recv()
		if err != nil {
			return
		}
		_ = a.ctrl.Send(&proto.Message{Type: proto.TypeError, ReqID: m.ReqID, Error: &proto.Error{Code: proto.CodeUnsupported, Msg: "no"}})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Command(ctx, a.id, proto.CommandRestart); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := srv.Command(ctx, a.id, proto.CommandStop); err == nil {
		t.Error("refused command reported success")
	}
	if err := srv.Command(ctx, "missing", proto.CommandStop); !errors.Is(err, ErrNoSession) {
		t.Errorf("unknown session: %v", err)
	}
}

func TestSessionDropReleasesListeners(t *testing.T) {
	srv, addr := startServer(t, Config{BaseDomain: "example.test"})
	a, _ := dialAgent(t, addr, proto.Auth{}, proto.JSON)
	if m := a.bind(t, 2, options.HTTP, options.Endpoint{Domain: "gone.example.test"}); m.Bound == nil {
		t.Fatalf("bind %+v", m)
	}
	_ = a.mux.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := srv.Stats()
		owner, _ := srv.Store().NameOwner(context.Background(), routeKey(options.HTTP, "gone.example.test"))
		if st.Sessions == 0 && len(st.Listeners) == 0 && owner == "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session state not released: %+v", srv.Stats())
}

func TestResumeKeepsSessionID(t *testing.T) {
	srv, addr := startServer(t, Config{})
	a, _ := dialAgent(t, addr, proto.Auth{}, proto.JSON)
	m := a.bind(t, 2, options.TCP, options.Endpoint{})
	if m.Bound == nil {
		t.Fatalf("bind %+v", m)
	}
	u, _ := url.Parse(m.Bound.URL)

	b, reply := dialAgent(t, addr, proto.Auth{SessionID: a.id}, proto.JSON)
	if reply.Type != proto.TypeAuthOK || b.id != a.id {
		t.Fatalf("resume reply %+v", reply)
	}
	if err := b.ctrl.Send(&proto.Message{Type: proto.TypeBind, ReqID: 2, Bind: &proto.Bind{ID: m.Bound.ID, Kind: options.TCP, Options: options.Endpoint{RemoteAddr: u.Host}}}); err != nil {
		t.Fatal(err)
	}
	r, err := b.ctrl.Recv()
	if err != nil || r.Bound == nil {
		t.Fatalf("rebind %+v, %v", r, err)
	}
	if r.Bound.ID != m.Bound.ID || r.Bound.URL != m.Bound.URL {
		t.Errorf("rebind changed listener: %+v vs %+v", r.Bound, m.Bound)
	}
	if st := srv.Stats(); st.Sessions != 1 || len(st.Listeners) != 1 {
		t.Errorf("stats after resume %+v", st)
	}
}

func TestTLSRoutingBySNI(t *testing.T) {
	srv, addr := startServer(t, Config{BaseDomain: "example.test"})
	pub := serve(t, srv.ServePublicTLS)
	a, _ := dialAgent(t, addr, proto.Auth{}, proto.JSON)
	m := a.bind(t, 2, options.TLS, options.Endpoint{Domain: "secure.example.test"})
	if m.Bound == nil || m.Bound.URL != "tls://secure.example.test" {
		t.Fatalf("bind %+v", m)
	}

	first := make(chan byte, 1)
	go func() {
		st := a.accept(t, m.Bound.ID)
		if st == nil {
			return
		}
		defer st.Close()
		b := make([]byte, 1)
		if _, err := io.ReadFull(st, b); err == nil {
			first <- b[0]
		}
	}()
	c, err := net.Dial("tcp", pub)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	tc := tls.Client(c, &tls.Config{ServerName: "secure.example.test", InsecureSkipVerify: true})
	_ = tc.SetDeadline(time.Now().Add(2 * time.Second))
	go func() { _ = tc.Handshake() }()
	select {
	case b := <-first:
		if b != 0x16 {
			t.Errorf("first replayed byte %#x, want a handshake record", b)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client hello was not replayed to the agent")
	}
}
