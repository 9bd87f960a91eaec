// Package wsocket implements ReconnectingSocket: a stateful wrapper around
// a raw WebSocket connection that reconnects with backoff, queues messages
// submitted while not yet open, and replays close/error events to
// registered listeners in a transport-neutral shape.
package wsocket

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var logger = log.With().Str("module", "wsocket").Logger()

// State is one of the four connection lifetimes.
type State int

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "closed"
	}
}

// URLProvider resolves the URL to dial before every connect attempt. A
// plain string is wrapped with Static; a function already satisfies this
// type, covering both the sync and async forms named in the spec.
type URLProvider func(ctx context.Context) (string, error)

// Static wraps a fixed URL as a URLProvider.
func Static(u string) URLProvider {
	return func(ctx context.Context) (string, error) { return u, nil }
}

// ProtocolProvider resolves the sub-protocol list before every connect
// attempt, mirroring URLProvider's static/sync/async forms.
type ProtocolProvider func(ctx context.Context) ([]string, error)

// StaticProtocols wraps a fixed sub-protocol list as a ProtocolProvider.
func StaticProtocols(protocols ...string) ProtocolProvider {
	return func(ctx context.Context) ([]string, error) { return protocols, nil }
}

// Backoff configures retry delays between failed connect attempts.
type Backoff struct {
	Min        time.Duration
	Max        time.Duration
	GrowFactor float64
	MaxRetries int
}

// DefaultBackoff mirrors common WebSocket client defaults: start at 1s,
// double each attempt, cap at 10s, retry without limit.
func DefaultBackoff() Backoff {
	return Backoff{Min: time.Second, Max: 10 * time.Second, GrowFactor: 2, MaxRetries: -1}
}

func (b Backoff) delay(attempt int) time.Duration {
	d := float64(b.Min)
	for i := 0; i < attempt; i++ {
		d *= b.GrowFactor
	}
	if cap := float64(b.Max); d > cap {
		d = cap
	}
	return time.Duration(d)
}

// Options configures a Socket.
type Options struct {
	URL                 URLProvider
	Protocols           ProtocolProvider
	Backoff             Backoff
	MinUptime           time.Duration
	ConnectionTimeout    time.Duration
	MaxEnqueuedMessages int
	StartClosed         bool
	Headers             map[string]string
}

// DefaultOptions returns Options with the same knobs DefaultBackoff uses,
// a 5s connection timeout, a 5s minimum uptime, and a 256-message queue.
func DefaultOptions(url URLProvider) Options {
	return Options{
		URL:                 url,
		Backoff:             DefaultBackoff(),
		MinUptime:           5 * time.Second,
		ConnectionTimeout:    5 * time.Second,
		MaxEnqueuedMessages: 256,
	}
}

// ErrMaxRetriesExceeded is delivered to OnError when a connect attempt
// exhausts Backoff.MaxRetries.
var ErrMaxRetriesExceeded = errors.New("wsocket: max retries exceeded")

// CloseEvent is a transport-neutral rendering of a WebSocket close frame.
type CloseEvent struct {
	Code     int
	Reason   string
	WasClean bool
}

// Socket is a reconnecting WebSocket client. The zero value is not usable;
// construct with New.
type Socket struct {
	opts Options

	connectMu sync.Mutex // serializes connect attempts; released on every exit path

	mu              sync.Mutex
	state           State
	conn            *websocket.Conn
	shouldReconnect bool
	retryCount      int
	queue           [][]byte
	queuedBytes     int

	onOpen    []func()
	onMessage []func([]byte)
	onClose   []func(CloseEvent)
	onError   []func(error)

	runCtx    context.Context
	runCancel context.CancelFunc
	runDone   chan struct{}
}

// New constructs a Socket. Unless opts.StartClosed is set, it begins
// connecting immediately.
func New(opts Options) *Socket {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	s := &Socket{
		opts:            opts,
		shouldReconnect: true,
	}
	if opts.StartClosed {
		s.mu.Lock()
		s.state = Closed
		s.shouldReconnect = false
		s.mu.Unlock()
		return s
	}
	s.start()
	return s
}

func (s *Socket) start() {
	s.mu.Lock()
	s.state = Connecting
	s.shouldReconnect = true
	s.mu.Unlock()

	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.runDone = make(chan struct{})
	go s.run(s.runCtx, s.runDone)
}

// OnOpen registers a listener fired each time a new underlying connection
// reaches Open.
func (s *Socket) OnOpen(fn func()) {
	s.mu.Lock()
	s.onOpen = append(s.onOpen, fn)
	s.mu.Unlock()
}

// OnMessage registers a listener fired for every inbound frame.
func (s *Socket) OnMessage(fn func([]byte)) {
	s.mu.Lock()
	s.onMessage = append(s.onMessage, fn)
	s.mu.Unlock()
}

// OnClose registers a listener fired whenever the underlying connection
// closes, whether or not a reconnect follows.
func (s *Socket) OnClose(fn func(CloseEvent)) {
	s.mu.Lock()
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// OnError registers a listener fired on connect failures and retry
// exhaustion.
func (s *Socket) OnError(fn func(error)) {
	s.mu.Lock()
	s.onError = append(s.onError, fn)
	s.mu.Unlock()
}

// State returns the current connection lifetime.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BufferedAmount returns the total byte size of messages still queued
// because the socket is not yet Open.
func (s *Socket) BufferedAmount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedBytes
}

// Send enqueues data for delivery. If the socket is Open it is written
// immediately; otherwise it is queued (bounded by MaxEnqueuedMessages,
// with overflow silently dropped) and flushed once the socket opens.
func (s *Socket) Send(data []byte) {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	if state != Open || conn == nil {
		s.enqueueLocked(data)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.writeLocked(conn, data); err != nil {
		logger.Error().Err(err).Msg("send: write failed, dropping to queue")
		s.mu.Lock()
		s.enqueueLocked(data)
		s.mu.Unlock()
	}
}

func (s *Socket) enqueueLocked(data []byte) {
	max := s.opts.MaxEnqueuedMessages
	if max > 0 && len(s.queue) >= max {
		logger.Warn().Msg("send queue full, dropping message")
		return
	}
	s.queue = append(s.queue, data)
	s.queuedBytes += len(data)
}

func (s *Socket) writeLocked(conn *websocket.Conn, data []byte) error {
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *Socket) flushQueue(conn *websocket.Conn) {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.queuedBytes = 0
	s.mu.Unlock()

	for _, data := range pending {
		if err := s.writeLocked(conn, data); err != nil {
			logger.Error().Err(err).Msg("flush queue: write failed")
			return
		}
	}
}

// Close sets the "should not reconnect" flag and transitions to Closed,
// closing the underlying connection if one is open. Reconnect clears the
// flag.
func (s *Socket) Close() {
	s.mu.Lock()
	s.shouldReconnect = false
	s.state = Closing
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
	if s.runCancel != nil {
		s.runCancel()
	}
	if s.runDone != nil {
		<-s.runDone
	}

	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
}

// Reconnect clears the "should not reconnect" flag and, if not already
// connecting or open, restarts the connect loop with a fresh retry count.
func (s *Socket) Reconnect() {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == Connecting || state == Open {
		s.mu.Lock()
		s.shouldReconnect = true
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.retryCount = 0
	s.mu.Unlock()
	s.start()
}

func (s *Socket) fireOpen() {
	s.mu.Lock()
	listeners := append([]func(){}, s.onOpen...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (s *Socket) fireMessage(data []byte) {
	s.mu.Lock()
	listeners := append([]func([]byte){}, s.onMessage...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(data)
	}
}

func (s *Socket) fireClose(ev CloseEvent) {
	s.mu.Lock()
	listeners := append([]func(CloseEvent){}, s.onClose...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (s *Socket) fireError(err error) {
	s.mu.Lock()
	listeners := append([]func(error){}, s.onError...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(err)
	}
}

// run drives the connect/read/reconnect loop for one Socket lifetime.
// It holds connectMu for each connect attempt, so attempts from
// overlapping run loops never interleave, and it always releases connectMu before
// returning on any exit path — including early return on retry
// exhaustion — per the connect-lock-leak regression this guards against.
func (s *Socket) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		s.connectMu.Lock()

		s.mu.Lock()
		shouldReconnect := s.shouldReconnect
		s.mu.Unlock()
		if !shouldReconnect {
			s.connectMu.Unlock()
			return
		}

		conn, err := s.connect(ctx)
		if err != nil {
			s.mu.Lock()
			s.retryCount++
			attempt := s.retryCount
			maxRetries := s.opts.Backoff.MaxRetries
			s.mu.Unlock()

			s.fireError(err)

			if maxRetries >= 0 && attempt >= maxRetries {
				s.fireError(ErrMaxRetriesExceeded)
				s.mu.Lock()
				s.state = Closed
				s.shouldReconnect = false
				s.mu.Unlock()
				s.connectMu.Unlock() // must release even on this early-return path
				return
			}

			s.connectMu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-time.After(s.opts.Backoff.delay(attempt - 1)):
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.state = Open
		s.mu.Unlock()
		s.connectMu.Unlock()

		openedAt := time.Now()
		s.fireOpen()
		s.flushQueue(conn)

		closeEv := s.readLoop(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		uptime := time.Since(openedAt)
		if uptime < s.opts.MinUptime {
			// A connection that dies before MinUptime does not reset the
			// retry counter; retryCount keeps climbing from where it was.
		} else {
			s.retryCount = 0
		}
		shouldReconnect = s.shouldReconnect
		s.state = Connecting
		s.mu.Unlock()

		s.fireClose(closeEv)

		if !shouldReconnect {
			s.mu.Lock()
			s.state = Closed
			s.mu.Unlock()
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Socket) connect(ctx context.Context) (*websocket.Conn, error) {
	rawURL, err := s.opts.URL(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve url: %w", err)
	}
	rawURL, err = applyDefaultScheme(rawURL)
	if err != nil {
		return nil, fmt.Errorf("normalize url: %w", err)
	}

	var protocols []string
	if s.opts.Protocols != nil {
		protocols, err = s.opts.Protocols(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve protocols: %w", err)
		}
	}

	header := make(map[string][]string, len(s.opts.Headers))
	for k, v := range s.opts.Headers {
		header[k] = []string{v}
	}

	timeout := s.opts.ConnectionTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{
		Subprotocols:     protocols,
		HandshakeTimeout: timeout,
	}
	conn, _, err := dialer.DialContext(dialCtx, rawURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	return conn, nil
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) CloseEvent {
	msgs := make(chan []byte)
	errs := make(chan error, 1)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errs <- err
				return
			}
			msgs <- data
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return CloseEvent{Code: websocket.CloseNormalClosure, WasClean: true}
		case data := <-msgs:
			s.fireMessage(data)
		case err := <-errs:
			code, reason := closeCodeOf(err)
			return CloseEvent{Code: code, Reason: reason, WasClean: websocket.IsCloseError(err, websocket.CloseNormalClosure)}
		}
	}
}

func closeCodeOf(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

var privateHostPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^localhost$`),
	regexp.MustCompile(`^127\.0\.0\.1$`),
	regexp.MustCompile(`^10\.`),
	regexp.MustCompile(`^192\.168\.`),
	regexp.MustCompile(`^172\.(1[6-9]|2[0-9]|3[01])\.`),
	regexp.MustCompile(`^\[?::ffff:7f00:1\]?$`),
}

// IsPrivateHost reports whether host matches one of the local/private
// address ranges that default to the ws scheme instead of wss.
func IsPrivateHost(host string) bool {
	for _, re := range privateHostPatterns {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

func applyDefaultScheme(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "" {
		return raw, nil
	}
	host := u.Hostname()
	if IsPrivateHost(host) {
		u.Scheme = "ws"
	} else {
		u.Scheme = "wss"
	}
	return u.String(), nil
}
