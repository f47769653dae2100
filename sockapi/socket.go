package sockapi

import (
	"sync"

	"github.com/nimbusos/corekernel/errs"
	"github.com/nimbusos/corekernel/fdops"
	"github.com/nimbusos/corekernel/limits"
)

type sockState int

const (
	stateNew sockState = iota
	stateBound
	stateListening
	stateConnected
	stateClosed
)

// registry is the kernel's single in-process rendezvous point for
// listening sockets, standing in for the real routing table a network
// stack above the driver boundary would own (out of scope, spec §1).
// connect() looks a bound+listening endpoint up here directly instead
// of going through any actual protocol/NIC.
var registry = struct {
	mu        sync.Mutex
	listeners map[endpointKey]*StreamSocket
}{listeners: make(map[endpointKey]*StreamSocket)}

// StreamSocket is a connection-oriented socket object implementing
// fdops.Fdops_i (spec §4.I's socket capability set), grounded on the
// original implementation's bind/listen/accept/connect dispatch
// (syscalls/socket/mod.rs) but replacing its smoltcp-backed TCP/IP
// stack with a direct in-process rendezvous: connect() looks its
// target up in registry and hands the listener a freshly paired
// server-side socket over a buffered channel, exercising the same
// accept/connect/send/recv capability surface spec §8 scenario 6
// names without needing a real network below it.
type StreamSocket struct {
	fdops.Base

	mu     sync.Mutex
	state  sockState
	family Family
	key    endpointKey

	backlog chan *StreamSocket
	peer    *StreamSocket
	rx      chan []byte

	localAddr  []byte
	remoteAddr []byte
}

// NewStreamSocket creates an unbound, unconnected socket for family.
func NewStreamSocket(family Family) *StreamSocket {
	return &StreamSocket{family: family, rx: make(chan []byte, 64)}
}

func (s *StreamSocket) Bind(sa []uint8) errs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateNew {
		return errs.Eisconn
	}
	k, err := keyOf(sa)
	if err != 0 {
		return err
	}
	s.key = k
	s.localAddr = append([]byte(nil), sa...)
	s.state = stateBound
	return 0
}

func (s *StreamSocket) Listen(backlog int) errs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateBound {
		return errs.Einval
	}
	if backlog <= 0 {
		backlog = 1
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, taken := registry.listeners[s.key]; taken {
		return errs.Eaddrinuse
	}
	if !limits.Syslimit.Socks.Take() {
		return errs.Enomem
	}
	s.backlog = make(chan *StreamSocket, backlog)
	registry.listeners[s.key] = s
	s.state = stateListening
	return 0
}

// Accept blocks until Connect pairs a new socket onto this listener's
// backlog, matching spec §4.I's clone-on-accept: the returned object is
// a fresh Fdops_i, the listening socket itself stays open for further
// accepts.
func (s *StreamSocket) Accept(sa fdops.Userio_i) (fdops.Fdops_i, errs.Err_t) {
	s.mu.Lock()
	if s.state != stateListening {
		s.mu.Unlock()
		return nil, errs.Einval
	}
	ch := s.backlog
	s.mu.Unlock()

	conn, ok := <-ch
	if !ok {
		return nil, errs.Einval
	}
	if sa != nil && conn.remoteAddr != nil {
		sa.Uiowrite(conn.remoteAddr)
	}
	return conn, 0
}

func (s *StreamSocket) Connect(sa []uint8) errs.Err_t {
	s.mu.Lock()
	if s.state == stateConnected || s.state == stateListening {
		s.mu.Unlock()
		return errs.Eisconn
	}
	s.mu.Unlock()

	k, err := keyOf(sa)
	if err != 0 {
		return err
	}

	registry.mu.Lock()
	listener, ok := registry.listeners[k]
	registry.mu.Unlock()
	if !ok {
		return errs.Econnrefused
	}

	peer := NewStreamSocket(listener.family)
	peer.state = stateConnected

	s.mu.Lock()
	s.state = stateConnected
	s.peer = peer
	s.remoteAddr = append([]byte(nil), sa...)
	peer.peer = s
	s.mu.Unlock()

	select {
	case listener.backlog <- peer:
	default:
		s.mu.Lock()
		s.state = stateNew
		s.peer = nil
		s.mu.Unlock()
		return errs.Econnrefused
	}
	return 0
}

func (s *StreamSocket) Write(src fdops.Userio_i) (int, errs.Err_t) {
	s.mu.Lock()
	if s.state != stateConnected {
		s.mu.Unlock()
		return 0, errs.Enotconn
	}
	peer := s.peer
	s.mu.Unlock()

	buf := make([]byte, src.Remain())
	n, err := src.Uioread(buf)
	if err != 0 {
		return 0, err
	}
	buf = buf[:n]

	select {
	case peer.rx <- buf:
	default:
		return 0, errs.Enobufs
	}
	return n, 0
}

func (s *StreamSocket) Read(dst fdops.Userio_i) (int, errs.Err_t) {
	s.mu.Lock()
	if s.state != stateConnected {
		s.mu.Unlock()
		return 0, errs.Enotconn
	}
	s.mu.Unlock()

	buf := <-s.rx
	return dst.Uiowrite(buf)
}

func (s *StreamSocket) Sendto(src fdops.Userio_i, sa []uint8) (int, errs.Err_t) {
	return s.Write(src)
}

func (s *StreamSocket) Recvfrom(dst fdops.Userio_i, saout fdops.Userio_i) (int, errs.Err_t) {
	n, err := s.Read(dst)
	if err == 0 && saout != nil {
		s.mu.Lock()
		remote := s.remoteAddr
		s.mu.Unlock()
		if remote != nil {
			saout.Uiowrite(remote)
		}
	}
	return n, err
}

// Shutdown is a local bookkeeping no-op here: with no network protocol
// below this socket, half-close framing has no peer-visible effect to
// model, so read/write simply keep working until Close.
func (s *StreamSocket) Shutdown(read, write bool) errs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateConnected {
		return errs.Enotconn
	}
	return 0
}

func (s *StreamSocket) Setsockopt(level, opt int, val []uint8) errs.Err_t {
	return 0
}

func (s *StreamSocket) Getsockopt(level, opt int, val fdops.Userio_i) errs.Err_t {
	return errs.Enoprotoopt
}

func (s *StreamSocket) Getsockname(sa fdops.Userio_i) errs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.localAddr == nil {
		return errs.Einval
	}
	_, err := sa.Uiowrite(s.localAddr)
	return err
}

func (s *StreamSocket) Getpeername(sa fdops.Userio_i) errs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteAddr == nil {
		return errs.Enotconn
	}
	_, err := sa.Uiowrite(s.remoteAddr)
	return err
}

func (s *StreamSocket) Poll(mask fdops.PollMask) (fdops.PollMask, errs.Err_t) {
	var ready fdops.PollMask
	if mask&fdops.PollReadable != 0 && len(s.rx) > 0 {
		ready |= fdops.PollReadable
	}
	if mask&fdops.PollWritable != 0 {
		ready |= fdops.PollWritable
	}
	return ready, 0
}

// Close releases the listening port, if any, so a subsequent bind on
// the same endpoint succeeds (spec §8 scenario 6: "port P becomes
// reusable").
func (s *StreamSocket) Close() errs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateListening {
		registry.mu.Lock()
		if registry.listeners[s.key] == s {
			delete(registry.listeners, s.key)
			limits.Syslimit.Socks.Give()
		}
		registry.mu.Unlock()
	}
	s.state = stateClosed
	return 0
}

func (s *StreamSocket) Reopen() errs.Err_t { return 0 }
