package session

import (
	"context"
	"net"
	"strconv"

	"github.com/matst80/showoff-agent/internal/addr"
	"github.com/matst80/showoff-agent/internal/errdefs"
	"github.com/matst80/showoff-agent/internal/listener"
	"github.com/matst80/showoff-agent/internal/obs"
	"github.com/matst80/showoff-agent/internal/options"
)

// EndpointBuilder collects the options of one listener. Options that do not
// apply to the builder's kind are rejected by Listen.
type EndpointBuilder struct {
	s    *Session
	kind options.Kind
	ep   options.Endpoint
}

func (b *EndpointBuilder) Kind() options.Kind { return b.kind }

// Options replaces every option at once.
func (b *EndpointBuilder) Options(ep options.Endpoint) *EndpointBuilder {
	b.ep = ep
	return b
}

func (b *EndpointBuilder) Metadata(m string) *EndpointBuilder {
	b.ep.Metadata = m
	return b
}

func (b *EndpointBuilder) ForwardsTo(s string) *EndpointBuilder {
	b.ep.ForwardsTo = s
	return b
}

func (b *EndpointBuilder) AllowCIDR(c string) *EndpointBuilder {
	b.ep.AllowCIDR = append(b.ep.AllowCIDR, c)
	return b
}

func (b *EndpointBuilder) DenyCIDR(c string) *EndpointBuilder {
	b.ep.DenyCIDR = append(b.ep.DenyCIDR, c)
	return b
}

// ProxyProto sets the PROXY protocol version, "1" or "2".
func (b *EndpointBuilder) ProxyProto(v string) *EndpointBuilder {
	b.ep.ProxyProto = v
	return b
}

func (b *EndpointBuilder) TrafficPolicy(p string) *EndpointBuilder {
	b.ep.TrafficPolicy = p
	return b
}

func (b *EndpointBuilder) Domain(d string) *EndpointBuilder {
	b.ep.Domain = d
	return b
}

func (b *EndpointBuilder) MutualTLSCA(pem []byte) *EndpointBuilder {
	b.ep.MutualTLSCAs = append(b.ep.MutualTLSCAs, pem)
	return b
}

func (b *EndpointBuilder) Scheme(s string) *EndpointBuilder {
	b.ep.Schemes = append(b.ep.Schemes, s)
	return b
}

func (b *EndpointBuilder) Compression() *EndpointBuilder {
	b.ep.Compression = true
	return b
}

func (b *EndpointBuilder) WebsocketTCPConversion() *EndpointBuilder {
	b.ep.WebsocketTCPConverter = true
	return b
}

func (b *EndpointBuilder) CircuitBreaker(ratio float64) *EndpointBuilder {
	b.ep.CircuitBreaker = ratio
	return b
}

func (b *EndpointBuilder) RequestHeader(name, value string) *EndpointBuilder {
	b.ep.RequestHeaderAdd = append(b.ep.RequestHeaderAdd, options.Header{Name: name, Value: value})
	return b
}

func (b *EndpointBuilder) ResponseHeader(name, value string) *EndpointBuilder {
	b.ep.ResponseHeaderAdd = append(b.ep.ResponseHeaderAdd, options.Header{Name: name, Value: value})
	return b
}

func (b *EndpointBuilder) RemoveRequestHeader(name string) *EndpointBuilder {
	b.ep.RequestHeaderRemove = append(b.ep.RequestHeaderRemove, name)
	return b
}

func (b *EndpointBuilder) RemoveResponseHeader(name string) *EndpointBuilder {
	b.ep.ResponseHeaderRemove = append(b.ep.ResponseHeaderRemove, name)
	return b
}

func (b *EndpointBuilder) BasicAuth(user, pass string) *EndpointBuilder {
	b.ep.BasicAuth = append(b.ep.BasicAuth, options.Credential{Username: user, Password: pass})
	return b
}

func (b *EndpointBuilder) OAuth(provider string, allowEmails, allowDomains, scopes []string) *EndpointBuilder {
	b.ep.OAuth = &options.OAuth{Provider: provider, AllowEmails: allowEmails, AllowDomains: allowDomains, Scopes: scopes}
	return b
}

func (b *EndpointBuilder) OIDC(issuer, clientID, clientSecret string, allowEmails, allowDomains, scopes []string) *EndpointBuilder {
	b.ep.OIDC = &options.OIDC{
		IssuerURL:    issuer,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AllowEmails:  allowEmails,
		AllowDomains: allowDomains,
		Scopes:       scopes,
	}
	return b
}

func (b *EndpointBuilder) WebhookVerification(provider, secret string) *EndpointBuilder {
	b.ep.Webhook = &options.Webhook{Provider: provider, Secret: secret}
	return b
}

func (b *EndpointBuilder) VerifyUpstreamTLS(v bool) *EndpointBuilder {
	b.ep.VerifyUpstreamTLS = &v
	return b
}

func (b *EndpointBuilder) AppProtocol(p string) *EndpointBuilder {
	b.ep.AppProtocol = p
	return b
}

// Termination makes the relay terminate TLS with the given PEM pair.
func (b *EndpointBuilder) Termination(crt, key []byte) *EndpointBuilder {
	b.ep.Crt, b.ep.Key = crt, key
	return b
}

func (b *EndpointBuilder) RemoteAddr(a string) *EndpointBuilder {
	b.ep.RemoteAddr = a
	return b
}

func (b *EndpointBuilder) Label(k, v string) *EndpointBuilder {
	if b.ep.Labels == nil {
		b.ep.Labels = map[string]string{}
	}
	b.ep.Labels[k] = v
	return b
}

// Listen validates the options and asks the relay for the listener.
func (b *EndpointBuilder) Listen(ctx context.Context) (*listener.Handle, error) {
	kind, err := options.ParseKind(string(b.kind))
	if err != nil {
		return nil, err
	}
	b.kind = kind
	if err := b.ep.Validate(b.kind); err != nil {
		return nil, err
	}
	t, err := b.s.t.Listen(ctx, b.kind, b.ep)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("listen").Inc()
		return nil, errdefs.Remote("listen", err)
	}
	h, err := b.s.reg.Insert(listener.NewRecord(b.kind, b.s.t, t))
	if err != nil {
		_ = b.s.t.CloseTunnel(ctx, t.ID())
		return nil, err
	}
	return h, nil
}

// ListenAndForward listens and forwards to to in the background. The
// returned handle is joinable.
func (b *EndpointBuilder) ListenAndForward(ctx context.Context, to string) (*listener.Handle, error) {
	if _, err := addr.Parse(to); err != nil {
		return nil, err
	}
	h, err := b.Listen(ctx)
	if err != nil {
		return nil, err
	}
	h.Spawn(context.WithoutCancel(ctx), to)
	return h, nil
}

// ListenAndServe forwards to the address a local server is bound to.
func (b *EndpointBuilder) ListenAndServe(ctx context.Context, a net.Addr) (*listener.Handle, error) {
	return b.ListenAndForward(ctx, ServerTarget(a))
}

// ServerTarget turns a server's bound address into a forward target.
// Wildcard hosts are reached through localhost.
func ServerTarget(a net.Addr) string {
	switch a.Network() {
	case "unix", "unixpacket":
		return addr.UnixPrefix + a.String()
	}
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = addr.DefaultHost
	}
	if _, err := strconv.Atoi(port); err != nil {
		return a.String()
	}
	return addr.TCPPrefix + net.JoinHostPort(host, port)
}
