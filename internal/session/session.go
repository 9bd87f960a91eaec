// Package session owns the single peer connection + SFU session id that
// every push/pull/close subscription borrows, rebuilding both together on
// any fatal ICE or connection failure.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/partytracks/internal/config"
	"github.com/dkeye/partytracks/internal/fifoscheduler"
	"github.com/dkeye/partytracks/internal/hotstream"
	"github.com/dkeye/partytracks/internal/retry"
	"github.com/dkeye/partytracks/internal/sfuapi"
)

var logger = log.With().Str("module", "session").Logger()

// ErrFatalConnectionState is returned by the internal watch loop when the
// peer connection or its ICE transport enters a terminal failure state.
var ErrFatalConnectionState = errors.New("session: fatal connection state")

// Session is one (peer connection, SFU session id) pair. Every push, pull,
// and close operation against it is serialized through Scheduler.
type Session struct {
	PeerConnection *webrtc.PeerConnection
	SessionID      string
	Scheduler      *fifoscheduler.Scheduler
}

// Coordinator produces a ref-counted, replay-latest stream of *Session.
// The first subscriber triggers session creation; the last unsubscriber
// closes the peer connection. A fatal watcher event rebuilds the session
// from scratch with exponential backoff.
type Coordinator struct {
	cfg *config.Config
	api *sfuapi.Client

	sessions *hotstream.Hot[*Session]
}

// New constructs a Coordinator. cfg supplies ICE-server overrides, ICE
// disconnect probation duration, and retry tuning; api issues the
// session-creation and ICE-server-fetch signaling calls.
func New(cfg *config.Config, api *sfuapi.Client) *Coordinator {
	co := &Coordinator{cfg: cfg, api: api}

	retryCfg := retry.Config{
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Multiplier:  2,
		Jitter:      0.2,
		MaxAttempts: cfg.RetryMaxAttempts,
	}
	retrier := retry.New[*Session](retryCfg)

	co.sessions = hotstream.New(func(emit func(*Session), fail func(error)) func() {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			err := retrier.Run(ctx, emit, co.produce)
			if err != nil && !errors.Is(err, context.Canceled) {
				fail(err)
			}
		}()
		return func() {
			cancel()
			<-done
		}
	})

	return co
}

// Sessions returns the ref-counted session stream.
func (co *Coordinator) Sessions() *hotstream.Hot[*Session] {
	return co.sessions
}

// produce creates one session, emits it, then blocks monitoring its ICE
// and connection state until a fatal condition is observed, returning an
// error so the caller's retrier rebuilds with backoff; or until ctx is
// cancelled, in which case it tears the session down and returns ctx.Err().
func (co *Coordinator) produce(ctx context.Context, emit func(*Session)) error {
	sess, err := co.createSession(ctx)
	if err != nil {
		return fmt.Errorf("session: create: %w", err)
	}
	defer func() {
		if cerr := sess.PeerConnection.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("closing peer connection")
		}
	}()

	emit(sess)

	return co.watchUntilFatal(ctx, sess)
}

func (co *Coordinator) createSession(ctx context.Context) (*Session, error) {
	newSess, err := co.api.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	iceServers, err := co.resolveICEServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("ice servers: %w", err)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers:   iceServers,
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	logger.Info().Str("sessionId", newSess.SessionID).Msg("session created")

	return &Session{
		PeerConnection: pc,
		SessionID:      newSess.SessionID,
		Scheduler:      fifoscheduler.New(),
	}, nil
}

func (co *Coordinator) resolveICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	if len(co.cfg.ICEServers) > 0 {
		out := make([]webrtc.ICEServer, 0, len(co.cfg.ICEServers))
		for _, s := range co.cfg.ICEServers {
			out = append(out, webrtc.ICEServer{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
		return out, nil
	}

	resp, err := co.api.GenerateICEServers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]webrtc.ICEServer, 0, len(resp.ICEServers))
	for _, s := range resp.ICEServers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out, nil
}

type stateEvent struct {
	ice  *webrtc.ICEConnectionState
	conn *webrtc.PeerConnectionState
}

func (co *Coordinator) watchUntilFatal(ctx context.Context, sess *Session) error {
	events := make(chan stateEvent, 16)

	sess.PeerConnection.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		select {
		case events <- stateEvent{ice: &s}:
		default:
		}
	})
	sess.PeerConnection.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		select {
		case events <- stateEvent{conn: &s}:
		default:
		}
	})

	probation := co.cfg.ICEDisconnectProbation
	if probation <= 0 {
		probation = 7 * time.Second
	}
	var probationTimer *time.Timer
	var probationCh <-chan time.Time
	stopProbation := func() {
		if probationTimer != nil {
			probationTimer.Stop()
			probationTimer = nil
			probationCh = nil
		}
	}
	defer stopProbation()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-probationCh:
			logger.Warn().Str("sessionId", sess.SessionID).Msg("ICE disconnect probation expired, rebuilding")
			return ErrFatalConnectionState

		case ev := <-events:
			if ev.conn != nil {
				logger.Info().Str("sessionId", sess.SessionID).Str("connectionState", ev.conn.String()).Msg("connection state changed")
				if *ev.conn == webrtc.PeerConnectionStateFailed || *ev.conn == webrtc.PeerConnectionStateClosed {
					return ErrFatalConnectionState
				}
				stopProbation()
			}
			if ev.ice != nil {
				logger.Info().Str("sessionId", sess.SessionID).Str("iceState", ev.ice.String()).Msg("ICE state changed")
				switch *ev.ice {
				case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
					return ErrFatalConnectionState
				case webrtc.ICEConnectionStateDisconnected:
					stopProbation()
					probationTimer = time.NewTimer(probation)
					probationCh = probationTimer.C
				default:
					stopProbation()
				}
			}
		}
	}
}

// Stats reports operational visibility into the current session, if any.
type Stats struct {
	SessionID        string
	ICEState         string
	ConnectionState  string
	SubscriberCount  int
}

// Stats returns a snapshot of the coordinator's current session. If no
// session is active, only SubscriberCount is filled in.
func (co *Coordinator) Stats() Stats {
	sess, ok := co.sessions.Latest()
	stats := Stats{SubscriberCount: co.sessions.SubscriberCount()}
	if !ok {
		return stats
	}
	stats.SessionID = sess.SessionID
	stats.ICEState = sess.PeerConnection.ICEConnectionState().String()
	stats.ConnectionState = sess.PeerConnection.ConnectionState().String()
	return stats
}
