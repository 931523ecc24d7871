package options

import (
	"errors"
	"testing"
	"time"

	"github.com/matst80/showoff-agent/internal/errdefs"
)

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"": HTTP, "http": HTTP, "TCP": TCP, "tls": TLS, "labeled": Labeled} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseKind("udp"); !errors.Is(err, errdefs.ErrUnsupportedProtocol) {
		t.Errorf("expected ErrUnsupportedProtocol, got %v", err)
	}
}

func TestFromMapDefaults(t *testing.T) {
	s, err := FromMap(nil, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.Addr != "tcp://localhost:80" || s.Kind != HTTP {
		t.Errorf("unexpected defaults %+v", s)
	}
}

func TestFromMapAddrKeyAndDottedKeys(t *testing.T) {
	s, err := FromMap(nil, "", map[string]any{
		"addr":           "myhost",
		"proto":          "http",
		"oauth.provider": "google",
		"oauth.scopes":   "email",
		"domain":         nil,
		"unknown_thing":  1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Addr != "tcp://myhost:80" {
		t.Errorf("addr = %q", s.Addr)
	}
	if s.Endpoint.OAuth == nil || s.Endpoint.OAuth.Provider != "google" || len(s.Endpoint.OAuth.Scopes) != 1 {
		t.Errorf("oauth not applied: %+v", s.Endpoint.OAuth)
	}
	if s.Endpoint.Domain != "" {
		t.Errorf("nil option should be dropped")
	}
	if len(s.Ignored) != 1 || s.Ignored[0] != "unknown_thing" {
		t.Errorf("ignored = %v", s.Ignored)
	}
}

func TestFromMapExplicitArgsWin(t *testing.T) {
	s, err := FromMap(8080, "tcp", map[string]any{"addr": "other:1", "proto": "http"})
	if err != nil {
		t.Fatal(err)
	}
	if s.Addr != "tcp://localhost:8080" || s.Kind != TCP {
		t.Errorf("got %q %q", s.Addr, s.Kind)
	}
}

func TestFromMapScalarsAndPairs(t *testing.T) {
	s, err := FromMap(nil, "http", map[string]any{
		"allow_cidr":         "10.0.0.0/8",
		"deny_cidr":          []any{"192.168.0.0/16", "172.16.0.0/12"},
		"basic_auth":         []string{"user:pa:ss"},
		"request_header_add": "X-Env:dev",
		"compression":        "true",
		"circuit_breaker":    0.5,
		"schemes":            []any{"https"},
	})
	if err != nil {
		t.Fatal(err)
	}
	e := s.Endpoint
	if len(e.AllowCIDR) != 1 || len(e.DenyCIDR) != 2 {
		t.Errorf("cidrs = %v %v", e.AllowCIDR, e.DenyCIDR)
	}
	if len(e.BasicAuth) != 1 || e.BasicAuth[0].Username != "user" || e.BasicAuth[0].Password != "pa:ss" {
		t.Errorf("basic auth = %+v", e.BasicAuth)
	}
	if len(e.RequestHeaderAdd) != 1 || e.RequestHeaderAdd[0] != (Header{"X-Env", "dev"}) {
		t.Errorf("headers = %+v", e.RequestHeaderAdd)
	}
	if !e.Compression || e.CircuitBreaker != 0.5 {
		t.Errorf("compression/circuit breaker not applied")
	}
}

func TestFromMapLabels(t *testing.T) {
	s, err := FromMap(nil, "labeled", map[string]any{"labels": []any{"edge:edghts_1", "env:dev"}})
	if err != nil {
		t.Fatal(err)
	}
	if s.Endpoint.Labels["edge"] != "edghts_1" || s.Endpoint.Labels["env"] != "dev" {
		t.Errorf("labels = %v", s.Endpoint.Labels)
	}
	if _, err := FromMap(nil, "labeled", nil); !errors.Is(err, errdefs.ErrInvalidOption) {
		t.Errorf("labeled without labels: expected ErrInvalidOption, got %v", err)
	}
	if _, err := FromMap(nil, "labeled", map[string]any{"label": "nocolon"}); !errors.Is(err, errdefs.ErrInvalidOption) {
		t.Errorf("malformed label: expected ErrInvalidOption, got %v", err)
	}
}

func TestFromMapSessionOptions(t *testing.T) {
	s, err := FromMap(nil, "", map[string]any{
		"authtoken":           "tok",
		"session_metadata":    "meta",
		"server_addr":         "relay:9000",
		"heartbeat_interval":  "5s",
		"heartbeat_tolerance": 20,
		"force_new_session":   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Session.Authtoken != "tok" || s.Session.Metadata != "meta" || s.Session.ServerAddr != "relay:9000" {
		t.Errorf("session = %+v", s.Session)
	}
	if s.Session.HeartbeatInterval != 5*time.Second || s.Session.HeartbeatTolerance != 20*time.Second {
		t.Errorf("heartbeat = %v %v", s.Session.HeartbeatInterval, s.Session.HeartbeatTolerance)
	}
	if !s.ForceNewSession {
		t.Errorf("force_new_session not applied")
	}
}

func TestMissingDependentOptions(t *testing.T) {
	cases := []struct {
		proto string
		opts  map[string]any
	}{
		{"http", map[string]any{"oidc_issuer_url": "https://x", "oidc_client_id": "a"}},
		{"http", map[string]any{"oidc_issuer_url": "https://x"}},
		{"http", map[string]any{"verify_webhook_provider": "github"}},
		{"tls", map[string]any{"crt": []byte("-----BEGIN CERTIFICATE-----")}},
	}
	for _, c := range cases {
		if _, err := FromMap(nil, c.proto, c.opts); !errors.Is(err, errdefs.ErrMissingDependentOption) {
			t.Errorf("%v: expected ErrMissingDependentOption, got %v", c.opts, err)
		}
	}
}

func TestOptionKindMismatch(t *testing.T) {
	cases := []struct {
		proto string
		opts  map[string]any
	}{
		{"http", map[string]any{"remote_addr": "1.tcp.example:2000"}},
		{"tcp", map[string]any{"basic_auth": "a:b"}},
		{"labeled", map[string]any{"label": "a:b", "allow_cidr": "0.0.0.0/0"}},
		{"http", map[string]any{"compression": 3}},
		{"http", map[string]any{"allow_cidr": "not-a-cidr"}},
		{"tcp", map[string]any{"proxy_proto": "3"}},
	}
	for _, c := range cases {
		if _, err := FromMap(nil, c.proto, c.opts); !errors.Is(err, errdefs.ErrInvalidOption) {
			t.Errorf("%s %v: expected ErrInvalidOption, got %v", c.proto, c.opts, err)
		}
	}
}

func TestValidateTypedEndpoint(t *testing.T) {
	e := Endpoint{RemoteAddr: "x:1"}
	if err := e.Validate(TCP); err != nil {
		t.Errorf("tcp endpoint: %v", err)
	}
	if err := e.Validate(TLS); !errors.Is(err, errdefs.ErrInvalidOption) {
		t.Errorf("remote_addr on tls: expected ErrInvalidOption, got %v", err)
	}
	e = Endpoint{Key: []byte("k")}
	if err := e.Validate(TLS); !errors.Is(err, errdefs.ErrMissingDependentOption) {
		t.Errorf("key without crt: expected ErrMissingDependentOption, got %v", err)
	}
}
