package server

import (
	"bytes"
	"encoding/base64"
	"net"
	"testing"

	"github.com/matst80/showoff-agent/internal/httpx"
	"github.com/matst80/showoff-agent/internal/options"
)

func TestPolicyCIDR(t *testing.T) {
	p, err := compilePolicy(options.TCP, options.Endpoint{AllowCIDR: []string{"10.0.0.0/8"}, DenyCIDR: []string{"10.1.0.0/16"}})
	if err != nil {
		t.Fatal(err)
	}
	cases := map[string]bool{
		"10.2.3.4:1000":        true,
		"10.1.3.4:1000":        false,
		"192.0.2.1:1000":       false,
		"[::ffff:10.2.3.4]:80": true,
	}
	for remote, want := range cases {
		if got := p.allowAddr(remote); got != want {
			t.Errorf("allowAddr(%s) = %v, want %v", remote, got, want)
		}
	}

	open, _ := compilePolicy(options.TCP, options.Endpoint{})
	if !open.allowAddr("192.0.2.1:1") {
		t.Error("empty policy should admit everyone")
	}
	if _, err := compilePolicy(options.TCP, options.Endpoint{AllowCIDR: []string{"nope"}}); err == nil {
		t.Error("expected bad cidr error")
	}
}

func TestPolicyBasicAuth(t *testing.T) {
	p, _ := compilePolicy(options.HTTP, options.Endpoint{BasicAuth: []options.Credential{{Username: "u", Password: "secret-pass"}}})
	h := &httpx.ProxyHeaders{}
	if p.authorize(h) {
		t.Error("request without credentials authorized")
	}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("u:wrong")))
	if p.authorize(h) {
		t.Error("wrong password authorized")
	}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("u:secret-pass")))
	if !p.authorize(h) {
		t.Error("valid credentials rejected")
	}
}

func TestPolicyRewrite(t *testing.T) {
	p, _ := compilePolicy(options.HTTP, options.Endpoint{
		RequestHeaderAdd:    []options.Header{{Name: "X-Env", Value: "dev"}},
		RequestHeaderRemove: []string{"cookie"},
	})
	h := &httpx.ProxyHeaders{Headers: []httpx.Header{{Name: "Cookie", Value: "a=b"}, {Name: "Accept", Value: "*/*"}}}
	p.rewrite(h)
	if h.Get("Cookie") != "" || h.Get("X-Env") != "dev" || h.Get("Accept") != "*/*" {
		t.Errorf("unexpected headers %+v", h.Headers)
	}
}

func TestProxyHeaderV1(t *testing.T) {
	p := &policy{proxyProto: "1"}
	src := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 5000}
	dst := &net.TCPAddr{IP: net.ParseIP("198.51.100.2"), Port: 443}
	if got := string(p.proxyHeader(src, dst)); got != "PROXY TCP4 192.0.2.1 198.51.100.2 5000 443\r\n" {
		t.Errorf("v1 header = %q", got)
	}
	src6 := &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 1}
	if got := string(p.proxyHeader(src6, dst)); got[:11] != "PROXY TCP6 " {
		t.Errorf("mixed family header = %q", got)
	}
	if (&policy{}).proxyHeader(src, dst) != nil {
		t.Error("header written without proxy_proto")
	}
}

func TestProxyHeaderV2(t *testing.T) {
	p := &policy{proxyProto: "2"}
	src := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 5000}
	dst := &net.TCPAddr{IP: net.ParseIP("198.51.100.2"), Port: 443}
	h := p.proxyHeader(src, dst)
	if !bytes.HasPrefix(h, proxyV2Sig) {
		t.Fatal("missing v2 signature")
	}
	if len(h) != 16+12 {
		t.Fatalf("v2 ipv4 header length = %d", len(h))
	}
	if h[12] != 0x21 || h[13] != 0x11 {
		t.Errorf("version/family bytes = %x %x", h[12], h[13])
	}
	if !bytes.Equal(h[16:20], []byte{192, 0, 2, 1}) || h[24] != 0x13 || h[25] != 0x88 {
		t.Errorf("address block = %x", h[16:])
	}
}
