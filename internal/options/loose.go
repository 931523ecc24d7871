package options

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/matst80/showoff-agent/internal/addr"
	"github.com/matst80/showoff-agent/internal/errdefs"
)

// setter applies one loose key to a Set. kinds restricts the key to some
// listener kinds; nil means any kind.
type setter struct {
	kinds []Kind
	apply func(s *Set, key string, v any) error
}

func str(f func(s *Set, v string)) func(*Set, string, any) error {
	return func(s *Set, key string, v any) error {
		x, err := asString(key, v)
		if err == nil {
			f(s, x)
		}
		return err
	}
}

func list(f func(s *Set, v []string)) func(*Set, string, any) error {
	return func(s *Set, key string, v any) error {
		x, err := asStrings(key, v)
		if err == nil {
			f(s, x)
		}
		return err
	}
}

func flag(f func(s *Set, v bool)) func(*Set, string, any) error {
	return func(s *Set, key string, v any) error {
		x, err := asBool(key, v)
		if err == nil {
			f(s, x)
		}
		return err
	}
}

func pairs(f func(s *Set, a, b string)) func(*Set, string, any) error {
	return func(s *Set, key string, v any) error {
		xs, err := asStrings(key, v)
		if err != nil {
			return err
		}
		for _, x := range xs {
			a, b, ok := strings.Cut(x, ":")
			if !ok {
				return fmt.Errorf("%w: %s entry %q is not of the form a:b", errdefs.ErrInvalidOption, key, x)
			}
			f(s, a, b)
		}
		return nil
	}
}

func pem(f func(s *Set, v []byte)) func(*Set, string, any) error {
	return func(s *Set, key string, v any) error {
		var items []any
		switch x := v.(type) {
		case []any:
			items = x
		case []string:
			for _, i := range x {
				items = append(items, i)
			}
		default:
			items = []any{v}
		}
		for _, i := range items {
			b, err := asBytes(key, i)
			if err != nil {
				return err
			}
			f(s, b)
		}
		return nil
	}
}

func oauth(s *Set) *OAuth {
	if s.Endpoint.OAuth == nil {
		s.Endpoint.OAuth = &OAuth{}
	}
	return s.Endpoint.OAuth
}

func oidc(s *Set) *OIDC {
	if s.Endpoint.OIDC == nil {
		s.Endpoint.OIDC = &OIDC{}
	}
	return s.Endpoint.OIDC
}

func webhook(s *Set) *Webhook {
	if s.Endpoint.Webhook == nil {
		s.Endpoint.Webhook = &Webhook{}
	}
	return s.Endpoint.Webhook
}

var table = map[string]setter{
	// session scoped
	"force_new_session":  {nil, flag(func(s *Set, v bool) { s.ForceNewSession = v })},
	"authtoken":          {nil, str(func(s *Set, v string) { s.Session.Authtoken = v })},
	"authtoken_from_env": {nil, flag(func(s *Set, v bool) { s.Session.AuthtokenFromEnv = v })},
	"session_metadata":   {nil, str(func(s *Set, v string) { s.Session.Metadata = v })},
	"server_addr":        {nil, str(func(s *Set, v string) { s.Session.ServerAddr = v })},
	"root_cas":           {nil, str(func(s *Set, v string) { s.Session.RootCAs = v })},
	"heartbeat_interval": {nil, duration(func(s *Set, d time.Duration) { s.Session.HeartbeatInterval = d })},
	"heartbeat_tolerance": {nil, duration(func(s *Set, d time.Duration) {
		s.Session.HeartbeatTolerance = d
	})},

	// common
	"metadata":       {nil, str(func(s *Set, v string) { s.Endpoint.Metadata = v })},
	"forwards_to":    {nil, str(func(s *Set, v string) { s.Endpoint.ForwardsTo = v })},
	"allow_cidr":     {urlKinds, list(func(s *Set, v []string) { s.Endpoint.AllowCIDR = append(s.Endpoint.AllowCIDR, v...) })},
	"deny_cidr":      {urlKinds, list(func(s *Set, v []string) { s.Endpoint.DenyCIDR = append(s.Endpoint.DenyCIDR, v...) })},
	"proxy_proto":    {urlKinds, proxyProto},
	"traffic_policy": {urlKinds, str(func(s *Set, v string) { s.Endpoint.TrafficPolicy = v })},
	"policy":         {urlKinds, str(func(s *Set, v string) { s.Endpoint.TrafficPolicy = v })},

	// http and tls
	"domain":         {httpTLSKinds, str(func(s *Set, v string) { s.Endpoint.Domain = v })},
	"hostname":       {httpTLSKinds, str(func(s *Set, v string) { s.Endpoint.Domain = v })},
	"mutual_tls_cas": {httpTLSKinds, pem(func(s *Set, v []byte) { s.Endpoint.MutualTLSCAs = append(s.Endpoint.MutualTLSCAs, v) })},

	// http
	"schemes":                 {httpKinds, list(func(s *Set, v []string) { s.Endpoint.Schemes = append(s.Endpoint.Schemes, v...) })},
	"compression":             {httpKinds, flag(func(s *Set, v bool) { s.Endpoint.Compression = v })},
	"websocket_tcp_converter": {httpKinds, flag(func(s *Set, v bool) { s.Endpoint.WebsocketTCPConverter = v })},
	"circuit_breaker":         {httpKinds, circuitBreaker},
	"request_header_add": {httpKinds, pairs(func(s *Set, a, b string) {
		s.Endpoint.RequestHeaderAdd = append(s.Endpoint.RequestHeaderAdd, Header{a, b})
	})},
	"response_header_add": {httpKinds, pairs(func(s *Set, a, b string) {
		s.Endpoint.ResponseHeaderAdd = append(s.Endpoint.ResponseHeaderAdd, Header{a, b})
	})},
	"request_header_remove": {httpKinds, list(func(s *Set, v []string) {
		s.Endpoint.RequestHeaderRemove = append(s.Endpoint.RequestHeaderRemove, v...)
	})},
	"response_header_remove": {httpKinds, list(func(s *Set, v []string) {
		s.Endpoint.ResponseHeaderRemove = append(s.Endpoint.ResponseHeaderRemove, v...)
	})},
	"basic_auth": {httpKinds, pairs(func(s *Set, a, b string) {
		s.Endpoint.BasicAuth = append(s.Endpoint.BasicAuth, Credential{a, b})
	})},
	"oauth_provider":          {httpKinds, str(func(s *Set, v string) { oauth(s).Provider = v })},
	"oauth_allow_emails":      {httpKinds, list(func(s *Set, v []string) { oauth(s).AllowEmails = v })},
	"oauth_allow_domains":     {httpKinds, list(func(s *Set, v []string) { oauth(s).AllowDomains = v })},
	"oauth_scopes":            {httpKinds, list(func(s *Set, v []string) { oauth(s).Scopes = v })},
	"oidc_issuer_url":         {httpKinds, str(func(s *Set, v string) { oidc(s).IssuerURL = v })},
	"oidc_client_id":          {httpKinds, str(func(s *Set, v string) { oidc(s).ClientID = v })},
	"oidc_client_secret":      {httpKinds, str(func(s *Set, v string) { oidc(s).ClientSecret = v })},
	"oidc_allow_emails":       {httpKinds, list(func(s *Set, v []string) { oidc(s).AllowEmails = v })},
	"oidc_allow_domains":      {httpKinds, list(func(s *Set, v []string) { oidc(s).AllowDomains = v })},
	"oidc_scopes":             {httpKinds, list(func(s *Set, v []string) { oidc(s).Scopes = v })},
	"verify_webhook_provider": {httpKinds, str(func(s *Set, v string) { webhook(s).Provider = v })},
	"verify_webhook_secret":   {httpKinds, str(func(s *Set, v string) { webhook(s).Secret = v })},
	"verify_upstream_tls": {httpKinds, flag(func(s *Set, v bool) {
		s.Endpoint.VerifyUpstreamTLS = &v
	})},
	"app_protocol": {[]Kind{HTTP, Labeled}, str(func(s *Set, v string) { s.Endpoint.AppProtocol = v })},

	// tls
	"crt": {[]Kind{TLS}, pem(func(s *Set, v []byte) { s.Endpoint.Crt = v })},
	"key": {[]Kind{TLS}, pem(func(s *Set, v []byte) { s.Endpoint.Key = v })},

	// tcp
	"remote_addr": {[]Kind{TCP}, str(func(s *Set, v string) { s.Endpoint.RemoteAddr = v })},

	// labeled
	"label":  {[]Kind{Labeled}, labels},
	"labels": {[]Kind{Labeled}, labels},
}

var labels = pairs(func(s *Set, k, v string) {
	if s.Endpoint.Labels == nil {
		s.Endpoint.Labels = map[string]string{}
	}
	s.Endpoint.Labels[k] = v
})

func proxyProto(s *Set, key string, v any) error {
	switch x := v.(type) {
	case int:
		s.Endpoint.ProxyProto = strconv.Itoa(x)
		return nil
	case float64:
		s.Endpoint.ProxyProto = strconv.Itoa(int(x))
		return nil
	}
	p, err := asString(key, v)
	s.Endpoint.ProxyProto = p
	return err
}

func circuitBreaker(s *Set, key string, v any) error {
	switch x := v.(type) {
	case float64:
		s.Endpoint.CircuitBreaker = x
	case int:
		s.Endpoint.CircuitBreaker = float64(x)
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return fmt.Errorf("%w: %s expects a number, got %q", errdefs.ErrInvalidOption, key, x)
		}
		s.Endpoint.CircuitBreaker = f
	default:
		return typeErr(key, "a number", v)
	}
	return nil
}

func duration(f func(s *Set, d time.Duration)) func(*Set, string, any) error {
	return func(s *Set, key string, v any) error {
		switch x := v.(type) {
		case time.Duration:
			f(s, x)
		case int:
			f(s, time.Duration(x)*time.Second)
		case float64:
			f(s, time.Duration(x*float64(time.Second)))
		case string:
			d, err := time.ParseDuration(x)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", errdefs.ErrInvalidOption, key, err)
			}
			f(s, d)
		default:
			return typeErr(key, "a duration", v)
		}
		return nil
	}
}

// Clean drops nil values and rewrites dotted keys ("oauth.provider") to
// their underscored form.
func Clean(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		out[strings.ReplaceAll(k, ".", "_")] = v
	}
	return out
}

// FromMap ingests a loosely typed option map. address takes precedence over
// an "addr" key and proto over a "proto" key. Unknown keys are recorded in
// Set.Ignored. The endpoint is validated before returning.
func FromMap(address any, proto string, m map[string]any) (*Set, error) {
	m = Clean(m)

	if address == nil {
		address = m["addr"]
	}
	target, err := addr.FromAny(address)
	if err != nil {
		return nil, err
	}
	if proto == "" {
		if p, ok := m["proto"]; ok {
			if proto, err = asString("proto", p); err != nil {
				return nil, err
			}
		}
	}
	kind, err := ParseKind(proto)
	if err != nil {
		return nil, err
	}

	s := &Set{Addr: target, Kind: kind}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "addr" || k == "proto" {
			continue
		}
		st, ok := table[k]
		if !ok {
			s.Ignored = append(s.Ignored, k)
			continue
		}
		if st.kinds != nil && !(kindField{kinds: st.kinds}).allows(kind) {
			return nil, fmt.Errorf("%w: %s does not apply to %s listeners", errdefs.ErrInvalidOption, k, kind)
		}
		if err := st.apply(s, k, m[k]); err != nil {
			return nil, err
		}
	}
	if err := s.Endpoint.Validate(kind); err != nil {
		return nil, err
	}
	return s, nil
}

func typeErr(key, want string, v any) error {
	return fmt.Errorf("%w: %s expects %s, got %T", errdefs.ErrInvalidOption, key, want, v)
}

func asString(key string, v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", typeErr(key, "a string", v)
}

func asBool(key string, v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return false, fmt.Errorf("%w: %s expects a bool, got %q", errdefs.ErrInvalidOption, key, x)
		}
		return b, nil
	}
	return false, typeErr(key, "a bool", v)
}

// asStrings accepts a scalar where a list is expected.
func asStrings(key string, v any) ([]string, error) {
	switch x := v.(type) {
	case string:
		return []string{x}, nil
	case []string:
		return x, nil
	case []any:
		out := make([]string, 0, len(x))
		for _, i := range x {
			s, err := asString(key, i)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, typeErr(key, "a string or list of strings", v)
}

// asBytes takes raw PEM bytes, an inline PEM string or a path to a PEM file.
func asBytes(key string, v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case string:
		if strings.HasPrefix(strings.TrimSpace(x), "-----BEGIN") {
			return []byte(x), nil
		}
		b, err := os.ReadFile(x)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errdefs.ErrInvalidOption, key, err)
		}
		return b, nil
	}
	return nil, typeErr(key, "PEM bytes or a file path", v)
}
