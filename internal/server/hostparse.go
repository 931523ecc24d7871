package server

import (
	"net"
	"strings"
)

// ExtractName finds the listener name of an HTTP request. With a base domain
// the name is everything left of it in the Host header; without one it is the
// first label. When the host yields nothing, a path prefix /name/ is used and
// uri is returned with that prefix stripped for forwarding.
func ExtractName(host, uri, baseDomain string) (name, rewritten string) {
	host = strings.ToLower(hostOnly(host))
	baseDomain = strings.ToLower(strings.Trim(baseDomain, "."))
	if host != "" {
		switch {
		case baseDomain != "":
			if n, ok := strings.CutSuffix(host, "."+baseDomain); ok && n != "" {
				return n, uri
			}
		case strings.Contains(host, "."):
			return strings.SplitN(host, ".", 2)[0], uri
		}
	}
	// Fallback to path prefix
	if strings.Count(uri, "/") > 1 {
		elems := strings.SplitN(uri, "/", 3)
		if elems[0] == "" && elems[1] != "" {
			return elems[1], "/" + elems[2]
		}
	}
	return "", uri
}

// hostOnly strips a port from a Host header value.
func hostOnly(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
