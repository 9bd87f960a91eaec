// Package partytracks is a reactive coordinator for a single WebRTC peer
// connection to a Selective Forwarding Unit: it multiplexes arbitrary
// push/pull track subscriptions onto that connection, batches signaling
// requests, and survives connection loss by rebuilding the session
// transparently.
//
// The reusable ReconnectingSocket and its supervisor live in the
// sibling wsocket and sockbind packages; they are independent of the
// SFU-signaling machinery here and bundled for callers that also need a
// resilient WebSocket elsewhere in their stack.
package partytracks

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/partytracks/internal/config"
	"github.com/dkeye/partytracks/internal/hotstream"
	"github.com/dkeye/partytracks/internal/history"
	"github.com/dkeye/partytracks/internal/session"
	"github.com/dkeye/partytracks/internal/sfuapi"
	"github.com/dkeye/partytracks/internal/track/closeengine"
	"github.com/dkeye/partytracks/internal/track/pull"
	"github.com/dkeye/partytracks/internal/track/push"
	"github.com/dkeye/partytracks/internal/trackmeta"
)

var logger = log.With().Str("module", "partytracks").Logger()

// Metadata identifies a track crossing the SFU boundary.
type Metadata = trackmeta.Metadata

// PushHandle is the live handle for one locally pushed track.
type PushHandle = push.Handle

// PullHandle is the live handle for one remotely pulled track.
type PullHandle = pull.Handle

// Options configures a Client. BaseURL and Prefix address the SFU's HTTP
// API; Doer overrides the transport (defaults to an *http.Client tuned to
// surface redirects instead of following them, per sfuapi.New). Config
// carries retry/ICE/history tuning; a nil Config uses config.Default().
type Options struct {
	BaseURL       string
	Prefix        string
	Doer          sfuapi.HTTPDoer
	ExtraParams   map[string]string
	Headers       map[string]string
	Config        *config.Config
	BatchCapacity int // forwarded to every Dispatcher; 0 means unbounded within a tick
}

// Client is the root facade: one SessionCoordinator plus the three track
// engines that share its session stream.
type Client struct {
	cfg         *config.Config
	api         *sfuapi.Client
	history     *history.Ring
	coordinator *session.Coordinator
	pushEngine  *push.Engine
	pullEngine  *pull.Engine
	closeEngine *closeengine.Engine
}

// New constructs a Client. The session coordinator starts building its
// first session as soon as something subscribes to Sessions(), a push,
// or a pull — construction itself performs no network I/O.
func New(opts Options) *Client {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Prefix != "" {
		cfg.Prefix = opts.Prefix
	}

	hist := history.New(cfg.MaxAPIHistory)

	apiOpts := []sfuapi.Option{sfuapi.WithHistory(hist)}
	if opts.Doer != nil {
		apiOpts = append(apiOpts, sfuapi.WithDoer(opts.Doer))
	}
	extraParams := opts.ExtraParams
	if extraParams == nil {
		extraParams = cfg.APIExtraParams
	}
	if len(extraParams) > 0 {
		apiOpts = append(apiOpts, sfuapi.WithExtraParams(extraParams))
	}
	headers := opts.Headers
	if headers == nil {
		headers = cfg.Headers
	}
	if len(headers) > 0 {
		apiOpts = append(apiOpts, sfuapi.WithHeaders(headers))
	}

	api := sfuapi.New(opts.BaseURL, cfg.Prefix, apiOpts...)
	coordinator := session.New(cfg, api)
	closeEng := closeengine.New(api, opts.BatchCapacity)
	pushEng := push.New(api, coordinator.Sessions(), closeEng, opts.BatchCapacity)
	pullEng := pull.New(api, coordinator.Sessions(), closeEng, opts.BatchCapacity)

	logger.Info().Str("prefix", cfg.Prefix).Msg("client constructed")

	return &Client{
		cfg:         cfg,
		api:         api,
		history:     hist,
		coordinator: coordinator,
		pushEngine:  pushEng,
		pullEngine:  pullEng,
		closeEngine: closeEng,
	}
}

// Sessions returns the ref-counted, replay-latest stream of the current
// session. Subscribing for the first time starts session creation; the
// last unsubscriber closes the peer connection with no rebuild.
func (c *Client) Sessions() *hotstream.Hot[*session.Session] {
	return c.coordinator.Sessions()
}

// Push attaches a local track to the current session's peer connection.
// The returned handle's Metadata stream does not begin signaling until
// it gets its first subscriber.
func (c *Client) Push(track webrtc.TrackLocal, encodings []webrtc.RTPCodingParameters) *PushHandle {
	return c.pushEngine.Push(track, encodings)
}

// Pull requests the remote track identified by descriptor. The returned
// handle's Tracks stream does not begin resolving until it gets its
// first subscriber.
func (c *Client) Pull(descriptor Metadata) *PullHandle {
	return c.pullEngine.Pull(descriptor)
}

// SetPreferredRid pushes a simulcast restriction-identifier preference
// for a pulled track. handle's sfuapi collaborator is internal, so this
// wrapper is the only way an external caller can reach it.
func (c *Client) SetPreferredRid(ctx context.Context, handle *PullHandle, rid string) error {
	return handle.SetPreferredRid(ctx, c.api, rid)
}

// Stats reports the current session id, ICE/connection state, and
// subscriber count, for operational visibility.
func (c *Client) Stats() session.Stats {
	return c.coordinator.Stats()
}

// History returns the diagnostic ring of SFU request/response records.
func (c *Client) History() []history.Entry {
	return c.history.Snapshot()
}
