package server

import (
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

var errNoSNI = errors.New("client hello carries no server name")

// peekServerName reads the TLS ClientHello from r and returns its server name
// along with a reader replaying every byte consumed.
func peekServerName(r io.Reader) (string, io.Reader, error) {
	var hello *tls.ClientHelloInfo
	var seen bytes.Buffer
	err := tls.Server(readOnlyConn{r: io.TeeReader(r, &seen)}, &tls.Config{
		GetConfigForClient: func(h *tls.ClientHelloInfo) (*tls.Config, error) {
			hello = new(tls.ClientHelloInfo)
			*hello = *h
			return nil, errNoSNI
		},
	}).Handshake()
	if hello == nil {
		return "", nil, err
	}
	if hello.ServerName == "" {
		return "", nil, errNoSNI
	}
	return hello.ServerName, &seen, nil
}

func hostKey(sni string) string { return strings.ToLower(strings.TrimSuffix(sni, ".")) }

func tlsServer(c net.Conn, cfg *tls.Config) *tls.Conn { return tls.Server(c, cfg) }

// readOnlyConn lets crypto/tls parse a ClientHello without answering it.
type readOnlyConn struct {
	r io.Reader
}

func (c readOnlyConn) Read(p []byte) (int, error) { return c.r.Read(p) }
func (readOnlyConn) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }
func (readOnlyConn) Close() error { return nil }
func (readOnlyConn) LocalAddr() net.Addr { return nil }
func (readOnlyConn) RemoteAddr() net.Addr { return nil }
func (readOnlyConn) SetDeadline(t time.Time) error { return nil }
func (readOnlyConn) SetReadDeadline(t time.Time) error { return nil }
func (readOnlyConn) SetWriteDeadline(t time.Time) error { return nil }
