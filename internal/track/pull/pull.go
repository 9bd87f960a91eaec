// Package pull implements the PullTrackEngine: batches remote-track pull
// requests, resolves the resulting transceiver by MID, handles the SFU's
// immediate-renegotiation path, and pushes simulcast preference updates.
package pull

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/partytracks/internal/dispatch"
	"github.com/dkeye/partytracks/internal/fifoscheduler"
	"github.com/dkeye/partytracks/internal/hotstream"
	"github.com/dkeye/partytracks/internal/rtcutil"
	"github.com/dkeye/partytracks/internal/session"
	"github.com/dkeye/partytracks/internal/sfuapi"
	"github.com/dkeye/partytracks/internal/track/closeengine"
	"github.com/dkeye/partytracks/internal/trackmeta"
)

var logger = log.With().Str("module", "track.pull").Logger()

// ErrNoMatchingTrackResult is returned when the SFU's batched response
// does not contain an entry for this caller's descriptor.
var ErrNoMatchingTrackResult = errors.New("pull: no matching track result")

type batchItem struct {
	sess       *session.Session
	descriptor trackmeta.Metadata
}

// Engine borrows the coordinator's session stream and batches concurrent
// pulls created within one tick into a single signaling call.
type Engine struct {
	api                    *sfuapi.Client
	sessions               *hotstream.Hot[*session.Session]
	closeEngine            *closeengine.Engine
	dispatcher             *dispatch.Dispatcher[batchItem, *sfuapi.TracksNewResponse]
	transceiverWaitTimeout time.Duration
}

// New returns an Engine. capacity bounds how many pulls a single batch
// may hold before flushing early; 0 means unbounded within a tick.
func New(api *sfuapi.Client, sessions *hotstream.Hot[*session.Session], closeEngine *closeengine.Engine, capacity int) *Engine {
	return &Engine{
		api:                    api,
		sessions:               sessions,
		closeEngine:            closeEngine,
		dispatcher:             dispatch.New[batchItem, *sfuapi.TracksNewResponse](capacity),
		transceiverWaitTimeout: 5 * time.Second,
	}
}

// SetTransceiverWaitTimeout overrides how long Pull waits for the assigned
// MID to surface via an OnTrack event. Mainly useful for tests.
func (e *Engine) SetTransceiverWaitTimeout(d time.Duration) {
	e.transceiverWaitTimeout = d
}

// Handle is the live handle for one pulled track descriptor.
type Handle struct {
	descriptor trackmeta.Metadata
	tracks     *hotstream.Hot[*webrtc.TrackRemote]

	mu           sync.Mutex
	mid          string
	sess         *session.Session
	preferredRid string
}

// Tracks returns the ref-counted, replay-latest stream of resolved remote
// tracks. Subscribing for the first time starts the pull; the last
// unsubscriber tears it down.
func (h *Handle) Tracks() *hotstream.Hot[*webrtc.TrackRemote] {
	return h.tracks
}

// SetPreferredRid pushes a simulcast restriction-identifier preference
// for this pull. The SFU's response body is ignored; a failed call or a
// non-2xx response is returned as an error. Nothing is sent until the pull
// has resolved a MID, or when rid equals the previous preference.
func (h *Handle) SetPreferredRid(ctx context.Context, api *sfuapi.Client, rid string) error {
	h.mu.Lock()
	mid := h.mid
	sess := h.sess
	prev := h.preferredRid
	h.preferredRid = rid
	h.mu.Unlock()

	if mid == "" || sess == nil || prev == rid {
		return nil
	}

	req := []sfuapi.TrackRequest{{
		TrackName: h.descriptor.TrackName,
		Mid:       mid,
		SessionID: h.descriptor.SessionID,
		Simulcast: &sfuapi.SimulcastUpdate{PreferredRid: rid},
	}}
	return api.TracksUpdate(ctx, sess.SessionID, req)
}

// Pull requests the remote track identified by descriptor. Consecutive
// identical descriptors (by value) should be deduped by the caller before
// calling Pull again; Pull itself always starts a fresh subscription.
func (e *Engine) Pull(descriptor trackmeta.Metadata) *Handle {
	h := &Handle{descriptor: descriptor}

	h.tracks = hotstream.New(func(emit func(*webrtc.TrackRemote), fail func(error)) func() {
		ctx, cancel := context.WithCancel(context.Background())
		sessCh, sessUnsub := e.sessions.Subscribe()

		done := make(chan struct{})
		go func() {
			defer close(done)
			var lastSession *session.Session
			first := true
			for {
				select {
				case <-ctx.Done():
					sessUnsub()
					e.teardown(h)
					return
				case ev, ok := <-sessCh:
					if !ok {
						return
					}
					if ev.Err != nil {
						fail(ev.Err)
						continue
					}
					// Dedupe only a replayed emission of the same
					// session (e.g. a late-subscriber replay); a
					// session rebuild always re-resolves, since the
					// old PeerConnection and its tracks are gone.
					if !first && ev.Val == lastSession {
						continue
					}
					first = false
					lastSession = ev.Val

					track, err := e.resolve(ctx, ev.Val, h, descriptor)
					if err != nil {
						fail(fmt.Errorf("pull: %w", err))
						continue
					}
					emit(track)
				}
			}
		}()

		return func() {
			cancel()
			<-done
		}
	})

	return h
}

func (e *Engine) resolve(ctx context.Context, sess *session.Session, h *Handle, descriptor trackmeta.Metadata) (*webrtc.TrackRemote, error) {
	resp, err := e.dispatcher.Do(batchItem{sess: sess, descriptor: descriptor}, func(items []batchItem) (*sfuapi.TracksNewResponse, error) {
		return e.flush(ctx, items)
	})
	if err != nil {
		return nil, err
	}

	var result *sfuapi.TrackResult
	for i := range resp.Tracks {
		if resp.Tracks[i].TrackName == descriptor.TrackName && resp.Tracks[i].SessionID == descriptor.SessionID {
			result = &resp.Tracks[i]
			break
		}
	}
	if result == nil {
		return nil, ErrNoMatchingTrackResult
	}
	if result.ErrorCode != "" {
		return nil, &sfuapi.Error{Code: result.ErrorCode, Description: result.ErrorDescription}
	}

	transceiver, err := rtcutil.WaitForTransceiverByMid(ctx, sess.PeerConnection, result.Mid, e.transceiverWaitTimeout)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.mid = result.Mid
	h.sess = sess
	h.mu.Unlock()

	return transceiver.Receiver().Track(), nil
}

func (e *Engine) flush(ctx context.Context, items []batchItem) (*sfuapi.TracksNewResponse, error) {
	sess := items[0].sess

	return fifoscheduler.Schedule(sess.Scheduler, func() (*sfuapi.TracksNewResponse, error) {
		tracks := make([]sfuapi.TrackRequest, len(items))
		for i, item := range items {
			tracks[i] = sfuapi.TrackRequest{
				TrackName: item.descriptor.TrackName,
				SessionID: item.descriptor.SessionID,
			}
		}

		resp, err := e.api.TracksNew(ctx, sess.SessionID, &sfuapi.TracksNewRequest{Tracks: tracks})
		if err != nil {
			return nil, err
		}

		// Resolved once per batch, not once per caller: every item in
		// this batch shares the same response, so renegotiating per
		// caller would re-apply the identical offer N times.
		if resp.RequiresImmediateRenegotiation {
			if err := e.renegotiate(ctx, sess, resp.SessionDescription); err != nil {
				return nil, err
			}
		}

		return resp, nil
	})
}

// renegotiate applies offer as the remote description and answers it. It
// is always called from inside a job already running on sess.Scheduler
// (flush's batch job) — never wrapped in its own Schedule call, since
// fifoscheduler.Scheduler's FIFO chain would deadlock waiting on a
// reentrant call to finish the very job it's nested inside.
func (e *Engine) renegotiate(ctx context.Context, sess *session.Session, offer *sfuapi.SessionDescription) error {
	if offer == nil {
		return fmt.Errorf("pull: immediate renegotiation requested without an offer")
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := sess.PeerConnection.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	answer, err := sess.PeerConnection.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := sess.PeerConnection.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	// Resolved Open Question: pion exposes no separate "pending" local
	// description once SetLocalDescription(answer) has been applied,
	// so LocalDescription() always returns the current value here.
	local := sess.PeerConnection.LocalDescription()

	if err := e.api.Renegotiate(ctx, sess.SessionID, sfuapi.SessionDescription{Type: local.Type.String(), SDP: local.SDP}); err != nil {
		return err
	}
	return rtcutil.WaitForSignalingStable(ctx, sess.PeerConnection, 5*time.Second)
}

func (e *Engine) teardown(h *Handle) {
	h.mu.Lock()
	mid := h.mid
	sess := h.sess
	h.mu.Unlock()
	if mid == "" || sess == nil {
		return
	}
	for _, t := range sess.PeerConnection.GetTransceivers() {
		if t.Mid() == mid {
			e.closeEngine.Enqueue(sess, t)
			return
		}
	}
	logger.Warn().Str("mid", mid).Msg("no transceiver found for teardown")
}
