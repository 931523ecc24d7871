// Package addr repairs user supplied forward targets into fully schemed
// addresses and parses them for dialing.
package addr

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/matst80/showoff-agent/internal/errdefs"
)

const (
	TCPPrefix  = "tcp://"
	UnixPrefix = "unix:"
	// PipePrefix is the legacy spelling of UnixPrefix.
	PipePrefix = "pipe:"

	DefaultHost = "localhost"
	DefaultPort = 80
)

// Default is the target used when no address is given.
var Default = FromPort(DefaultPort)

// FromPort returns the loopback target for port.
func FromPort(port int) string {
	return TCPPrefix + net.JoinHostPort(DefaultHost, strconv.Itoa(port))
}

// FromAny normalizes nil, integer and string inputs. Anything else is
// rejected with ErrInvalidAddress.
func FromAny(v any) (string, error) {
	switch a := v.(type) {
	case nil:
		return Default, nil
	case int:
		return FromPort(a), nil
	case int32:
		return FromPort(int(a)), nil
	case int64:
		return FromPort(int(a)), nil
	case uint16:
		return FromPort(int(a)), nil
	case float64: // numbers decoded from JSON/YAML documents
		if a != float64(int(a)) {
			return "", fmt.Errorf("%w: port %v is not an integer", errdefs.ErrInvalidAddress, a)
		}
		return FromPort(int(a)), nil
	case string:
		return Normalize(a), nil
	default:
		return "", fmt.Errorf("%w: unsupported address type %T", errdefs.ErrInvalidAddress, v)
	}
}

// Normalize turns a loosely written target into a schemed one. It never
// fails: malformed values are rejected later by Parse.
//
//	""              -> tcp://localhost:80
//	"8080"          -> tcp://localhost:8080
//	"myhost"        -> tcp://myhost:80
//	"https://web"   -> tcp://web:443
//	"/tmp/x.sock"   -> unix:/tmp/x.sock
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Default
	case strings.HasPrefix(s, TCPPrefix), strings.HasPrefix(s, UnixPrefix):
		return s
	case strings.HasPrefix(s, PipePrefix):
		return UnixPrefix + strings.TrimPrefix(s, PipePrefix)
	}
	if p, err := strconv.Atoi(s); err == nil {
		return FromPort(p)
	}
	port := DefaultPort
	if rest, ok := strings.CutPrefix(s, "http://"); ok {
		s = hostOnly(rest)
	} else if rest, ok := strings.CutPrefix(s, "https://"); ok {
		s = hostOnly(rest)
		port = 443
	} else if isPath(s) {
		return UnixPrefix + s
	}
	if !strings.Contains(s, ":") {
		s = net.JoinHostPort(s, strconv.Itoa(port))
	}
	return TCPPrefix + s
}

// Parse normalizes s and parses it strictly. tcp targets need a host and
// a numeric port, unix targets a path.
func Parse(s string) (*url.URL, error) {
	n := Normalize(s)
	if path, ok := strings.CutPrefix(n, UnixPrefix); ok {
		if path == "" {
			return nil, fmt.Errorf("%w: %q has no socket path", errdefs.ErrInvalidAddress, s)
		}
		return &url.URL{Scheme: "unix", Path: path}, nil
	}
	u, err := url.Parse(n)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot parse address %q: %v", errdefs.ErrInvalidAddress, s, err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q has no host", errdefs.ErrInvalidAddress, s)
	}
	p, err := strconv.Atoi(u.Port())
	if err != nil || p <= 0 || p > 65535 {
		return nil, fmt.Errorf("%w: %q has no valid port", errdefs.ErrInvalidAddress, s)
	}
	return u, nil
}

// Dial returns the network and address to dial for a parsed target.
func Dial(u *url.URL) (network, address string) {
	if IsUnix(u) {
		return "unix", u.Path
	}
	return "tcp", u.Host
}

// IsUnix reports whether u names a local socket path.
func IsUnix(u *url.URL) bool { return u.Scheme == "unix" }

// String renders a parsed target in the form Normalize produces.
func String(u *url.URL) string {
	if IsUnix(u) {
		return UnixPrefix + u.Path
	}
	return TCPPrefix + u.Host
}

func hostOnly(s string) string {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i]
	}
	return s
}

// isPath reports whether s looks like a file system path rather than host[:port].
func isPath(s string) bool {
	if strings.Contains(s, ":") && !strings.HasPrefix(s, `\\`) {
		return false
	}
	return strings.ContainsAny(s, `/\`)
}
