// Package httpx reads and rewrites HTTP/1.x request heads on raw
// connections, preserving header order and case.
package httpx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Header represents a single HTTP header field (case preserved as seen on wire).
type Header struct {
	Name  string
	Value string
}

// ProxyHeaders is a parsed representation of an HTTP request start-line + headers.
type ProxyHeaders struct {
	Method  string
	URI     string
	Proto   string
	Headers []Header
	// RawBodyStart holds any bytes read that belong to the body (if header terminator encountered early)
	RawBodyStart []byte
}

// Get returns the first value associated with name (case-insensitive) or empty.
func (p *ProxyHeaders) Get(name string) string {
	lname := strings.ToLower(name)
	for _, h := range p.Headers {
		if strings.ToLower(h.Name) == lname {
			return h.Value
		}
	}
	return ""
}

// Set sets (replaces) a header (case of Name preserved as provided).
func (p *ProxyHeaders) Set(name, value string) {
	lname := strings.ToLower(name)
	for i, h := range p.Headers {
		if strings.ToLower(h.Name) == lname {
			p.Headers[i].Value = value
			return
		}
	}
	p.Headers = append(p.Headers, Header{Name: name, Value: value})
}

// Add appends a header (does not replace existing).
func (p *ProxyHeaders) Add(name, value string) {
	p.Headers = append(p.Headers, Header{Name: name, Value: value})
}

// Del deletes all headers with given name (case-insensitive).
func (p *ProxyHeaders) Del(name string) {
	lname := strings.ToLower(name)
	out := p.Headers[:0]
	for _, h := range p.Headers {
		if strings.ToLower(h.Name) != lname {
			out = append(out, h)
		}
	}
	p.Headers = out
}

// ParseRequest reads one request head from r, line by line, stopping at the
// blank line so the body stays buffered in r. It returns the parsed head and
// the number of head bytes read. Heads larger than max are rejected.
func ParseRequest(r *bufio.Reader, max int) (*ProxyHeaders, int, error) {
	var buf []byte
	for !hasHeaderEnd(buf) {
		if len(buf) > max {
			return nil, 0, fmt.Errorf("header too large (%d>%d)", len(buf), max)
		}
		line, err := r.ReadBytes('\n')
		buf = append(buf, line...)
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				break
			}
			return nil, 0, err
		}
	}
	p, err := parseBuffer(buf)
	if err != nil {
		return nil, 0, err
	}
	return p, len(buf), nil
}

func hasHeaderEnd(b []byte) bool {
	return bytes.Contains(b, []byte("\r\n\r\n")) || bytes.Contains(b, []byte("\n\n"))
}

func parseBuffer(buf []byte) (*ProxyHeaders, error) {
	// Split header and possible early body start
	var headerPart, bodyStart []byte
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx != -1 {
		headerPart = buf[:idx+4]
		bodyStart = buf[idx+4:]
	} else if idx := bytes.Index(buf, []byte("\n\n")); idx != -1 {
		headerPart = buf[:idx+2]
		bodyStart = buf[idx+2:]
	} else {
		headerPart = buf
	}
	reader := bufio.NewReader(bytes.NewReader(headerPart))
	reqLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	reqLine = strings.TrimRight(reqLine, "\r\n")
	parts := strings.Split(reqLine, " ")
	if len(parts) < 3 {
		return nil, fmt.Errorf("bad request line: %q", reqLine)
	}
	ph := &ProxyHeaders{Method: parts[0], URI: parts[1], Proto: parts[2]}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || len(line) == 0 {
				break
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" { // end
			break
		}
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue // skip malformed
		}
		name := line[:colon]
		value := strings.TrimSpace(line[colon+1:])
		ph.Headers = append(ph.Headers, Header{Name: name, Value: value})
	}
	if len(bodyStart) > 0 {
		ph.RawBodyStart = append([]byte{}, bodyStart...)
	}
	return ph, nil
}

// WriteTo streams headers (with modifications) to w, followed by any pre-read body bytes, then leaves further body streaming to caller.
func (p *ProxyHeaders) WriteTo(w io.Writer) (int64, error) {
	var total int64
	write := func(b []byte) error {
		n, err := w.Write(b)
		total += int64(n)
		return err
	}
	if err := write([]byte(fmt.Sprintf("%s %s %s\r\n", p.Method, p.URI, p.Proto))); err != nil {
		return total, err
	}
	for _, h := range p.Headers {
		if err := write([]byte(h.Name + ": " + h.Value + "\r\n")); err != nil {
			return total, err
		}
	}
	if err := write([]byte("\r\n")); err != nil {
		return total, err
	}
	if len(p.RawBodyStart) > 0 {
		if err := write(p.RawBodyStart); err != nil {
			return total, err
		}
	}
	return total, nil
}

// AugmentXFF appends / sets X-Forwarded-For using clientIP.
func (p *ProxyHeaders) AugmentXFF(clientIP string) {
	if clientIP == "" {
		return
	}
	lname := "x-forwarded-for"
	for i, h := range p.Headers {
		if strings.ToLower(h.Name) == lname {
			p.Headers[i].Value = h.Value + ", " + clientIP
			return
		}
	}
	p.Headers = append(p.Headers, Header{Name: "X-Forwarded-For", Value: clientIP})
}

func hasHeader(hs []Header, name string) bool {
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}

// WriteResponse writes a complete HTTP/1.1 response and asks the client to
// close the connection. The body is plain text unless headers carry a
// Content-Type.
func WriteResponse(w io.Writer, status int, headers []Header, body string) error {
	if body == "" {
		body = http.StatusText(status)
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	if !hasHeader(headers, "Content-Type") {
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Cache-Control: no-store\r\nConnection: close\r\n")
	for _, h := range headers {
		b.WriteString(h.Name + ": " + h.Value + "\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	_, err := w.Write(b.Bytes())
	return err
}
