package proto

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Format is the encoding of the control stream.
type Format string

const (
	JSON Format = "json"
	CBOR Format = "cbor"
)

// ParseFormat maps a configuration string to a Format. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", JSON:
		return JSON, nil
	case CBOR:
		return CBOR, nil
	}
	return "", fmt.Errorf("unknown control codec %q", s)
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("proto: cbor encoder: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("proto: cbor decoder: " + err.Error())
	}
}

type encoder interface{ Encode(v any) error }
type decoder interface{ Decode(v any) error }

func newEncoder(w io.Writer, f Format) encoder {
	if f == CBOR {
		return cborEnc.NewEncoder(w)
	}
	return json.NewEncoder(w)
}

func newDecoder(r io.Reader, f Format) decoder {
	if f == CBOR {
		return cborDec.NewDecoder(r)
	}
	return json.NewDecoder(r)
}

// DetectFormat peeks at the first byte of a control stream. JSON messages
// always start with '{'; anything else is treated as CBOR.
func DetectFormat(br *bufio.Reader) (Format, error) {
	b, err := br.Peek(1)
	if err != nil {
		return "", err
	}
	switch b[0] {
	case '{', ' ', '\n', '\r', '\t':
		return JSON, nil
	}
	return CBOR, nil
}

// Conn is a control stream. Send may be called concurrently; Recv must be
// called from a single goroutine.
type Conn struct {
	rwc    io.ReadWriteCloser
	format Format

	wmu sync.Mutex
	enc encoder
	dec decoder
}

// NewConn wraps rwc using format f in both directions.
func NewConn(rwc io.ReadWriteCloser, f Format) *Conn {
	return &Conn{rwc: rwc, format: f, enc: newEncoder(rwc, f), dec: newDecoder(rwc, f)}
}

// AcceptConn wraps the accepting side of a control stream, using whatever
// format the peer speaks first.
func AcceptConn(rwc io.ReadWriteCloser) (*Conn, error) {
	br := bufio.NewReader(rwc)
	f, err := DetectFormat(br)
	if err != nil {
		return nil, err
	}
	return &Conn{rwc: rwc, format: f, enc: newEncoder(rwc, f), dec: newDecoder(br, f)}, nil
}

func (c *Conn) Format() Format { return c.format }

func (c *Conn) Send(m *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.enc.Encode(m)
}

func (c *Conn) Recv() (*Message, error) {
	var m Message
	if err := c.dec.Decode(&m); err != nil {
		return nil, err
	}
	if m.Type == "" {
		return nil, errors.New("control message without type")
	}
	return &m, nil
}

func (c *Conn) Close() error { return c.rwc.Close() }

// maxHeaderLine bounds a StreamHeader line.
const maxHeaderLine = 1024

// WriteHeader writes h as a single JSON line.
func WriteHeader(w io.Writer, h StreamHeader) error {
	b, err := json.Marshal(h)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

// ReadHeader reads a StreamHeader line one byte at a time so nothing past the
// newline is consumed from r.
func ReadHeader(r io.Reader) (StreamHeader, error) {
	var h StreamHeader
	var buf []byte
	b := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, b); err != nil {
			return h, err
		}
		if b[0] == '\n' {
			break
		}
		buf = append(buf, b[0])
		if len(buf) > maxHeaderLine {
			return h, fmt.Errorf("stream header exceeds %d bytes", maxHeaderLine)
		}
	}
	if err := json.Unmarshal(buf, &h); err != nil {
		return h, fmt.Errorf("stream header: %w", err)
	}
	if h.ListenerID == "" {
		return h, errors.New("stream header without listener id")
	}
	return h, nil
}
