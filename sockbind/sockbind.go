// Package sockbind implements the policy layer above wsocket.Socket for
// callers whose reconcile loop may re-run without any real change of
// intent — a hot-config-reload loop, a supervisor-tree restart, or any
// other caller that re-evaluates "what socket should exist right now" on
// a cadence it doesn't fully control. It discriminates genuine intent
// changes (options changed) from an enable/disable toggle and from a bare
// replay of the same reconcile call, so a replay never drops the
// in-flight connection and a toggle preserves the socket's identity when
// nothing else changed.
package sockbind

import (
	"sync"

	"github.com/dkeye/partytracks/wsocket"
)

// NewSocketFunc constructs the underlying socket for a given options
// value. It must build with wsocket.Options{StartClosed: true} — the
// Supervisor alone decides when a freshly constructed socket actually
// starts connecting, via a later Reconcile call.
type NewSocketFunc[O any] func(opts O) *wsocket.Socket

// MemoKeyFunc reduces an options value to a comparison key. Two Reconcile
// calls are considered to carry the "same" options iff this key is equal.
type MemoKeyFunc[O any] func(opts O) string

// Handle is the result of one Reconcile call: the socket the caller
// should hold onto until the next Reconcile (or Close on teardown).
type Handle struct {
	Socket *wsocket.Socket
}

// Supervisor reconciles a stream of (options, enabled) snapshots against
// a single live wsocket.Socket, replacing it only when intent actually
// changes.
type Supervisor[O any] struct {
	newSocket   NewSocketFunc[O]
	memoKey     MemoKeyFunc[O]
	startClosed bool

	mu                   sync.Mutex
	initialized          bool
	prevEnabled          bool
	lastKey              string
	driftedWhileDisabled bool
	pendingConnect       bool
	sock                 *wsocket.Socket
}

// New constructs a Supervisor. newSocket and memoKey are required.
func New[O any](newSocket NewSocketFunc[O], memoKey MemoKeyFunc[O]) *Supervisor[O] {
	return &Supervisor[O]{newSocket: newSocket, memoKey: memoKey}
}

// WithStartClosed controls row 5 of the reconcile table: when true, a
// replay with unchanged options and an unchanged socket reference leaves
// the socket as-is instead of calling Reconnect(). Mirrors a caller that
// explicitly wants replays to never reopen a socket it closed itself.
func (s *Supervisor[O]) WithStartClosed(v bool) *Supervisor[O] {
	s.startClosed = v
	return s
}

// Reconcile evaluates one (opts, enabled) snapshot against the
// Supervisor's remembered state and returns the socket the caller should
// use until the next call.
//
//	disabled                                           -> close; remember drift if options also changed
//	toggled off->on, options unchanged, no drift        -> reconnect existing socket (identity preserved)
//	toggled off->on, options changed or drifted         -> construct new socket, replace
//	same socket we last replaced, options changed       -> construct new socket, replace (connects next call)
//	same socket we last replaced, options unchanged     -> replay: reconnect unless WithStartClosed(true)
//	socket differs from the one we last connected       -> first use of the replacement: connect it now
func (s *Supervisor[O]) Reconcile(opts O, enabled bool) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.memoKey(opts)
	optionsChanged := !s.initialized || key != s.lastKey

	if !enabled {
		if s.sock != nil {
			s.sock.Close()
		}
		if optionsChanged {
			s.driftedWhileDisabled = true
		}
		s.prevEnabled = false
		s.lastKey = key
		s.initialized = true
		return Handle{Socket: s.sock}
	}

	toggledOn := !s.prevEnabled

	switch {
	case toggledOn && !optionsChanged && !s.driftedWhileDisabled:
		if s.sock != nil {
			s.sock.Reconnect()
		}
		s.pendingConnect = false
	case toggledOn:
		s.sock = s.newSocket(opts)
		s.pendingConnect = true
		s.driftedWhileDisabled = false
	case optionsChanged:
		s.sock = s.newSocket(opts)
		s.pendingConnect = true
	case s.pendingConnect:
		s.sock.Reconnect()
		s.pendingConnect = false
	default:
		if !s.startClosed {
			s.sock.Reconnect()
		}
	}

	s.prevEnabled = true
	s.lastKey = key
	s.initialized = true
	return Handle{Socket: s.sock}
}

// Close tears down the currently held socket. Call on final teardown;
// Reconcile may still be called afterward to bring up a fresh socket.
func (s *Supervisor[O]) Close() {
	s.mu.Lock()
	sock := s.sock
	s.mu.Unlock()
	if sock != nil {
		sock.Close()
	}
}
