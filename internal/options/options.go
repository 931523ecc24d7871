// Package options holds the typed configuration for sessions and listeners
// and the validation applied before any of it reaches the relay.
package options

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/matst80/showoff-agent/internal/errdefs"
)

// Kind is the closed set of listener protocols.
type Kind string

const (
	HTTP    Kind = "http"
	TCP     Kind = "tcp"
	TLS     Kind = "tls"
	Labeled Kind = "labeled"
)

// Kinds lists every supported kind.
var Kinds = []Kind{HTTP, TCP, TLS, Labeled}

// ParseKind maps a protocol string to a Kind. An empty string means http.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return HTTP, nil
	case HTTP, TCP, TLS, Labeled:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", errdefs.ErrUnsupportedProtocol, s)
	}
}

// URLStyle reports whether listeners of this kind are addressed by URL.
func (k Kind) URLStyle() bool { return k != Labeled }

type Header struct {
	Name  string `json:"name" cbor:"name"`
	Value string `json:"value" cbor:"value"`
}

type Credential struct {
	Username string `json:"username" cbor:"username"`
	Password string `json:"password" cbor:"password"`
}

type OAuth struct {
	Provider     string   `json:"provider" cbor:"provider"`
	AllowEmails  []string `json:"allow_emails,omitempty" cbor:"allow_emails,omitempty"`
	AllowDomains []string `json:"allow_domains,omitempty" cbor:"allow_domains,omitempty"`
	Scopes       []string `json:"scopes,omitempty" cbor:"scopes,omitempty"`
}

type OIDC struct {
	IssuerURL    string   `json:"issuer_url" cbor:"issuer_url"`
	ClientID     string   `json:"client_id" cbor:"client_id"`
	ClientSecret string   `json:"client_secret" cbor:"client_secret"`
	AllowEmails  []string `json:"allow_emails,omitempty" cbor:"allow_emails,omitempty"`
	AllowDomains []string `json:"allow_domains,omitempty" cbor:"allow_domains,omitempty"`
	Scopes       []string `json:"scopes,omitempty" cbor:"scopes,omitempty"`
}

type Webhook struct {
	Provider string `json:"provider" cbor:"provider"`
	Secret   string `json:"secret" cbor:"secret"`
}

// Endpoint is the option set of a single listener. Fields that do not apply
// to the listener's kind must be left zero; Validate enforces this.
type Endpoint struct {
	Metadata      string   `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	ForwardsTo    string   `json:"forwards_to,omitempty" cbor:"forwards_to,omitempty"`
	AllowCIDR     []string `json:"allow_cidr,omitempty" cbor:"allow_cidr,omitempty"`
	DenyCIDR      []string `json:"deny_cidr,omitempty" cbor:"deny_cidr,omitempty"`
	ProxyProto    string   `json:"proxy_proto,omitempty" cbor:"proxy_proto,omitempty"`
	TrafficPolicy string   `json:"traffic_policy,omitempty" cbor:"traffic_policy,omitempty"`

	// http and tls
	Domain       string   `json:"domain,omitempty" cbor:"domain,omitempty"`
	MutualTLSCAs [][]byte `json:"mutual_tls_cas,omitempty" cbor:"mutual_tls_cas,omitempty"`

	// http
	Schemes               []string     `json:"schemes,omitempty" cbor:"schemes,omitempty"`
	Compression           bool         `json:"compression,omitempty" cbor:"compression,omitempty"`
	WebsocketTCPConverter bool         `json:"websocket_tcp_converter,omitempty" cbor:"websocket_tcp_converter,omitempty"`
	CircuitBreaker        float64      `json:"circuit_breaker,omitempty" cbor:"circuit_breaker,omitempty"`
	RequestHeaderAdd      []Header     `json:"request_header_add,omitempty" cbor:"request_header_add,omitempty"`
	ResponseHeaderAdd     []Header     `json:"response_header_add,omitempty" cbor:"response_header_add,omitempty"`
	RequestHeaderRemove   []string     `json:"request_header_remove,omitempty" cbor:"request_header_remove,omitempty"`
	ResponseHeaderRemove  []string     `json:"response_header_remove,omitempty" cbor:"response_header_remove,omitempty"`
	BasicAuth             []Credential `json:"basic_auth,omitempty" cbor:"basic_auth,omitempty"`
	OAuth                 *OAuth       `json:"oauth,omitempty" cbor:"oauth,omitempty"`
	OIDC                  *OIDC        `json:"oidc,omitempty" cbor:"oidc,omitempty"`
	Webhook               *Webhook     `json:"webhook,omitempty" cbor:"webhook,omitempty"`
	VerifyUpstreamTLS     *bool        `json:"verify_upstream_tls,omitempty" cbor:"verify_upstream_tls,omitempty"`

	// http and labeled
	AppProtocol string `json:"app_protocol,omitempty" cbor:"app_protocol,omitempty"`

	// tls termination
	Crt []byte `json:"crt,omitempty" cbor:"crt,omitempty"`
	Key []byte `json:"key,omitempty" cbor:"key,omitempty"`

	// tcp
	RemoteAddr string `json:"remote_addr,omitempty" cbor:"remote_addr,omitempty"`

	// labeled
	Labels map[string]string `json:"labels,omitempty" cbor:"labels,omitempty"`
}

// Session is the session scoped option subset.
type Session struct {
	Authtoken          string
	AuthtokenFromEnv   bool
	Metadata           string
	ServerAddr         string
	RootCAs            string // "trusted", "host" or a PEM file path
	CACert             []byte
	HeartbeatInterval  time.Duration
	HeartbeatTolerance time.Duration
}

// Set is the result of ingesting one connect call.
type Set struct {
	Addr            string
	Kind            Kind
	ForceNewSession bool
	Session         Session
	Endpoint        Endpoint
	// Ignored lists keys that were not recognized.
	Ignored []string
}

// Validate checks paired options and rejects options that do not apply to
// kind. It performs no I/O.
func (e *Endpoint) Validate(kind Kind) error {
	if e.OIDC != nil && e.OIDC.IssuerURL != "" {
		if e.OIDC.ClientID == "" {
			return errdefs.Missing("oidc_issuer_url", "oidc_client_id")
		}
		if e.OIDC.ClientSecret == "" {
			return errdefs.Missing("oidc_issuer_url", "oidc_client_secret")
		}
	}
	if e.Webhook != nil {
		if e.Webhook.Provider != "" && e.Webhook.Secret == "" {
			return errdefs.Missing("verify_webhook_provider", "verify_webhook_secret")
		}
		if e.Webhook.Provider == "" && e.Webhook.Secret != "" {
			return errdefs.Missing("verify_webhook_secret", "verify_webhook_provider")
		}
	}
	if len(e.Crt) > 0 && len(e.Key) == 0 {
		return errdefs.Missing("crt", "key")
	}
	if len(e.Key) > 0 && len(e.Crt) == 0 {
		return errdefs.Missing("key", "crt")
	}

	for _, f := range e.kindFields() {
		if f.set && !f.allows(kind) {
			return fmt.Errorf("%w: %s does not apply to %s listeners", errdefs.ErrInvalidOption, f.name, kind)
		}
	}
	if kind == Labeled && len(e.Labels) == 0 {
		return fmt.Errorf("%w: labeled listeners need at least one label", errdefs.ErrInvalidOption)
	}

	switch e.ProxyProto {
	case "", "1", "2":
	default:
		return fmt.Errorf("%w: proxy_proto must be 1 or 2, got %q", errdefs.ErrInvalidOption, e.ProxyProto)
	}
	for _, c := range append(append([]string{}, e.AllowCIDR...), e.DenyCIDR...) {
		if _, err := netip.ParsePrefix(c); err != nil {
			return fmt.Errorf("%w: bad cidr %q", errdefs.ErrInvalidOption, c)
		}
	}
	for _, s := range e.Schemes {
		if s != "http" && s != "https" {
			return fmt.Errorf("%w: unknown scheme %q", errdefs.ErrInvalidOption, s)
		}
	}
	if e.CircuitBreaker < 0 || e.CircuitBreaker > 1 {
		return fmt.Errorf("%w: circuit_breaker must be within [0,1]", errdefs.ErrInvalidOption)
	}
	return nil
}

type kindField struct {
	name  string
	set   bool
	kinds []Kind
}

func (f kindField) allows(k Kind) bool {
	for _, a := range f.kinds {
		if a == k {
			return true
		}
	}
	return false
}

var (
	urlKinds     = []Kind{HTTP, TCP, TLS}
	httpKinds    = []Kind{HTTP}
	httpTLSKinds = []Kind{HTTP, TLS}
)

func (e *Endpoint) kindFields() []kindField {
	return []kindField{
		{"allow_cidr", len(e.AllowCIDR) > 0, urlKinds},
		{"deny_cidr", len(e.DenyCIDR) > 0, urlKinds},
		{"proxy_proto", e.ProxyProto != "", urlKinds},
		{"traffic_policy", e.TrafficPolicy != "", urlKinds},
		{"domain", e.Domain != "", httpTLSKinds},
		{"mutual_tls_cas", len(e.MutualTLSCAs) > 0, httpTLSKinds},
		{"schemes", len(e.Schemes) > 0, httpKinds},
		{"compression", e.Compression, httpKinds},
		{"websocket_tcp_converter", e.WebsocketTCPConverter, httpKinds},
		{"circuit_breaker", e.CircuitBreaker != 0, httpKinds},
		{"request_header_add", len(e.RequestHeaderAdd) > 0, httpKinds},
		{"response_header_add", len(e.ResponseHeaderAdd) > 0, httpKinds},
		{"request_header_remove", len(e.RequestHeaderRemove) > 0, httpKinds},
		{"response_header_remove", len(e.ResponseHeaderRemove) > 0, httpKinds},
		{"basic_auth", len(e.BasicAuth) > 0, httpKinds},
		{"oauth_provider", e.OAuth != nil, httpKinds},
		{"oidc_issuer_url", e.OIDC != nil, httpKinds},
		{"verify_webhook_provider", e.Webhook != nil, httpKinds},
		{"verify_upstream_tls", e.VerifyUpstreamTLS != nil, httpKinds},
		{"app_protocol", e.AppProtocol != "", []Kind{HTTP, Labeled}},
		{"crt", len(e.Crt) > 0, []Kind{TLS}},
		{"remote_addr", e.RemoteAddr != "", []Kind{TCP}},
		{"labels", len(e.Labels) > 0, []Kind{Labeled}},
	}
}
