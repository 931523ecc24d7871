// Package sockbridge gives listeners a local socket for servers that insist
// on accepting from a socket of their own. The listener forwards into the
// socket and the server accepts from it.
package sockbridge

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/matst80/showoff-agent/internal/obs"
)

type Family int

const (
	AFUnix Family = iota + 1
	AFInet
)

func (f Family) String() string {
	if f == AFUnix {
		return "AF_UNIX"
	}
	return "AF_INET"
}

// SockStream is the only socket type handed out.
const SockStream = "SOCK_STREAM"

var errNoFile = errors.New("listener does not expose a file descriptor")

// Socket is a bound, listening local socket.
type Socket struct {
	ln     net.Listener
	family Family

	mu       sync.Mutex
	file     *os.File
	blocking bool
}

// Addr is the address the socket is bound to.
func (s *Socket) Addr() net.Addr { return s.ln.Addr() }

func (s *Socket) Family() Family { return s.family }

// Target is the forward target that reaches this socket.
func (s *Socket) Target() string {
	if s.family == AFUnix {
		return "unix:" + s.ln.Addr().String()
	}
	return fmt.Sprintf("localhost:%d", s.ln.Addr().(*net.TCPAddr).Port)
}

// Accept waits for the next connection. In non-blocking mode it returns a
// timeout error immediately when nothing is pending.
func (s *Socket) Accept() (net.Conn, error) {
	s.mu.Lock()
	blocking := s.blocking
	s.mu.Unlock()
	dl, ok := s.ln.(interface{ SetDeadline(time.Time) error })
	if !blocking && ok {
		_ = dl.SetDeadline(time.Now())
		defer dl.SetDeadline(time.Time{})
	}
	return s.ln.Accept()
}

func (s *Socket) SetBlocking(v bool) {
	s.mu.Lock()
	s.blocking = v
	s.mu.Unlock()
}

// Timeout mirrors gettimeout: ok is false in blocking mode (no timeout) and
// the timeout is zero in non-blocking mode.
func (s *Socket) Timeout() (d time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return 0, !s.blocking
}

// Fileno returns a descriptor for the listening socket. The same descriptor
// is returned on every call.
func (s *Socket) Fileno() (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		fl, ok := s.ln.(interface{ File() (*os.File, error) })
		if !ok {
			return 0, errNoFile
		}
		f, err := fl.File()
		if err != nil {
			return 0, err
		}
		s.file = f
	}
	return s.file.Fd(), nil
}

func (s *Socket) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		_ = f.Close()
	}
	return s.ln.Close()
}

// Bridge caches one Socket per listener id.
type Bridge struct {
	dir string

	mu    sync.Mutex
	socks map[string]*Socket
}

// New returns a bridge that places unix sockets in the temp dir.
func New() *Bridge { return NewIn(os.TempDir()) }

// NewIn returns a bridge that places unix sockets in dir.
func NewIn(dir string) *Bridge {
	return &Bridge{dir: dir, socks: map[string]*Socket{}}
}

// GetOrCreate returns the socket for id, binding one on first use. A unix
// socket is tried first and a loopback TCP port on failure.
func (b *Bridge) GetOrCreate(id string) (*Socket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.socks[id]; ok {
		return s, nil
	}
	s, err := b.bindUnix()
	if err != nil {
		obs.Debug("sockbridge.unix.unavailable", obs.Fields{"id": id, "err": err})
		ln, terr := net.Listen("tcp", "127.0.0.1:0")
		if terr != nil {
			return nil, fmt.Errorf("bind socket for %s: %w", id, errors.Join(err, terr))
		}
		s = &Socket{ln: ln, family: AFInet, blocking: true}
	}
	b.socks[id] = s
	obs.Debug("sockbridge.bound", obs.Fields{"id": id, "addr": s.Addr().String(), "family": s.family.String()})
	return s, nil
}

func (b *Bridge) bindUnix() (*Socket, error) {
	var err error
	for i := 0; i < 3; i++ {
		path := filepath.Join(b.dir, fmt.Sprintf("tun-%d.sock", rand.IntN(1000000)))
		var ln net.Listener
		if ln, err = net.Listen("unix", path); err == nil {
			return &Socket{ln: ln, family: AFUnix, blocking: true}, nil
		}
	}
	return nil, err
}

// Release closes and forgets the socket for id. Unknown ids are ignored.
func (b *Bridge) Release(id string) {
	b.mu.Lock()
	s, ok := b.socks[id]
	delete(b.socks, id)
	b.mu.Unlock()
	if ok {
		_ = s.Close()
	}
}

// Len returns the number of cached sockets.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.socks)
}
