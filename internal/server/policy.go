package server

import (
	"bytes"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/matst80/showoff-agent/internal/httpx"
	"github.com/matst80/showoff-agent/internal/options"
)

// policy is the part of a listener's options the relay enforces itself.
type policy struct {
	allow, deny []netip.Prefix
	basicAuth   []options.Credential
	reqAdd      []options.Header
	reqRemove   []string
	proxyProto  string
	tls         *tls.Config // termination, tls listeners only
}

func compilePolicy(kind options.Kind, ep options.Endpoint) (*policy, error) {
	p := &policy{
		basicAuth:  ep.BasicAuth,
		reqAdd:     ep.RequestHeaderAdd,
		reqRemove:  ep.RequestHeaderRemove,
		proxyProto: ep.ProxyProto,
	}
	for _, c := range ep.AllowCIDR {
		pfx, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("allow_cidr %q: %w", c, err)
		}
		p.allow = append(p.allow, pfx)
	}
	for _, c := range ep.DenyCIDR {
		pfx, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("deny_cidr %q: %w", c, err)
		}
		p.deny = append(p.deny, pfx)
	}
	if kind == options.TLS && len(ep.Crt) > 0 {
		cert, err := tls.X509KeyPair(ep.Crt, ep.Key)
		if err != nil {
			return nil, fmt.Errorf("crt/key: %w", err)
		}
		p.tls = &tls.Config{Certificates: []tls.Certificate{cert}}
		if len(ep.MutualTLSCAs) > 0 {
			pool := x509.NewCertPool()
			for _, ca := range ep.MutualTLSCAs {
				if !pool.AppendCertsFromPEM(ca) {
					return nil, errors.New("mutual_tls_cas holds no certificates")
				}
			}
			p.tls.ClientCAs = pool
			p.tls.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	return p, nil
}

// allowAddr applies deny then allow rules to a remote address. An empty
// allow list admits everyone not denied.
func (p *policy) allowAddr(remote string) bool {
	ap, err := netip.ParseAddrPort(remote)
	if err != nil {
		return len(p.allow) == 0 && len(p.deny) == 0
	}
	ip := ap.Addr().Unmap()
	for _, pfx := range p.deny {
		if pfx.Contains(ip) {
			return false
		}
	}
	if len(p.allow) == 0 {
		return true
	}
	for _, pfx := range p.allow {
		if pfx.Contains(ip) {
			return true
		}
	}
	return false
}

// authorize checks the request's basic auth credentials, if any are required.
func (p *policy) authorize(h *httpx.ProxyHeaders) bool {
	if len(p.basicAuth) == 0 {
		return true
	}
	v, ok := strings.CutPrefix(h.Get("Authorization"), "Basic ")
	if !ok {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v))
	if err != nil {
		return false
	}
	user, pass, _ := strings.Cut(string(raw), ":")
	for _, c := range p.basicAuth {
		if subtle.ConstantTimeCompare([]byte(user), []byte(c.Username)) == 1 &&
			subtle.ConstantTimeCompare([]byte(pass), []byte(c.Password)) == 1 {
			return true
		}
	}
	return false
}

// rewrite applies request header removal then addition.
func (p *policy) rewrite(h *httpx.ProxyHeaders) {
	for _, name := range p.reqRemove {
		h.Del(name)
	}
	for _, hd := range p.reqAdd {
		h.Add(hd.Name, hd.Value)
	}
}

var proxyV2Sig = []byte("\r\n\r\n\x00\r\nQUIT\n")

// proxyHeader renders the PROXY protocol header announcing src -> dst, or nil
// when the listener does not use one.
func (p *policy) proxyHeader(src, dst net.Addr) []byte {
	if p.proxyProto == "" {
		return nil
	}
	s, err1 := netip.ParseAddrPort(src.String())
	d, err2 := netip.ParseAddrPort(dst.String())
	if err1 != nil || err2 != nil {
		if p.proxyProto == "1" {
			return []byte("PROXY UNKNOWN\r\n")
		}
		return append(append([]byte{}, proxyV2Sig...), 0x20, 0x00, 0x00, 0x00)
	}
	sip, dip := s.Addr().Unmap(), d.Addr().Unmap()
	v4 := sip.Is4() && dip.Is4()
	if !v4 {
		sip, dip = netip.AddrFrom16(sip.As16()), netip.AddrFrom16(dip.As16())
	}
	if p.proxyProto == "1" {
		fam := "TCP4"
		if !v4 {
			fam = "TCP6"
		}
		return []byte(fmt.Sprintf("PROXY %s %s %s %d %d\r\n", fam, sip, dip, s.Port(), d.Port()))
	}
	var b bytes.Buffer
	b.Write(proxyV2Sig)
	b.WriteByte(0x21) // version 2, PROXY
	if v4 {
		b.WriteByte(0x11) // AF_INET, STREAM
		_ = binary.Write(&b, binary.BigEndian, uint16(12))
		s4, d4 := sip.As4(), dip.As4()
		b.Write(s4[:])
		b.Write(d4[:])
	} else {
		b.WriteByte(0x21) // AF_INET6, STREAM
		_ = binary.Write(&b, binary.BigEndian, uint16(36))
		s16, d16 := sip.As16(), dip.As16()
		b.Write(s16[:])
		b.Write(d16[:])
	}
	_ = binary.Write(&b, binary.BigEndian, s.Port())
	_ = binary.Write(&b, binary.BigEndian, d.Port())
	return b.Bytes()
}
