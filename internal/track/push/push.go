// Package push implements the PushTrackEngine: attaches local tracks to
// the current session's peer connection, batches the resulting offers,
// and guarantees a track's metadata is not delivered downstream until the
// SFU has actually started receiving media for it.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
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

var logger = log.With().Str("module", "track.push").Logger()

// ErrOutboundRTPTimeout is returned when the transceiver's sender never
// reports outbound bytes within the polling window.
var ErrOutboundRTPTimeout = errors.New("push: outbound RTP never started")

// ErrNoMatchingTrackResult is returned when the SFU's batched response does
// not contain an entry for this caller's MID.
var ErrNoMatchingTrackResult = errors.New("push: no matching track result for mid")

type batchItem struct {
	sess        *session.Session
	transceiver *webrtc.RTPTransceiver
	trackName   string
}

// Engine borrows the coordinator's session stream and batches concurrent
// pushes created within one tick into a single signaling call.
type Engine struct {
	api               *sfuapi.Client
	sessions          *hotstream.Hot[*session.Session]
	closeEngine       *closeengine.Engine
	dispatcher        *dispatch.Dispatcher[batchItem, *sfuapi.TracksNewResponse]
	outboundRTPDeadline time.Duration
}

// New returns an Engine. capacity bounds how many pushes a single batch
// may hold before flushing early; 0 means unbounded within a tick.
func New(api *sfuapi.Client, sessions *hotstream.Hot[*session.Session], closeEngine *closeengine.Engine, capacity int) *Engine {
	return &Engine{
		api:                 api,
		sessions:            sessions,
		closeEngine:         closeEngine,
		dispatcher:          dispatch.New[batchItem, *sfuapi.TracksNewResponse](capacity),
		outboundRTPDeadline: 10 * time.Second,
	}
}

// SetOutboundRTPDeadline overrides how long Push waits for the sender to
// report outbound bytes before giving up. Mainly useful for tests.
func (e *Engine) SetOutboundRTPDeadline(d time.Duration) {
	e.outboundRTPDeadline = d
}

// Handle is the live handle for one pushed track. Its stableId persists
// across session rebuilds; ReplaceTrack and SetEncodings apply to the
// currently attached sender without renegotiation.
type Handle struct {
	StableID string

	metadata *hotstream.Hot[trackmeta.Metadata]

	mu          sync.Mutex
	track       webrtc.TrackLocal
	encodings   []webrtc.RTPCodingParameters
	sender      *webrtc.RTPSender
	transceiver *webrtc.RTPTransceiver
	sess        *session.Session
}

// Metadata returns the ref-counted, replay-latest metadata stream.
// Subscribing for the first time starts the push; the last unsubscriber
// tears it down.
func (h *Handle) Metadata() *hotstream.Hot[trackmeta.Metadata] {
	return h.metadata
}

// ReplaceTrack swaps the source track on the currently attached sender,
// with no renegotiation.
func (h *Handle) ReplaceTrack(track webrtc.TrackLocal) error {
	h.mu.Lock()
	h.track = track
	sender := h.sender
	h.mu.Unlock()

	if sender == nil {
		return nil
	}
	return sender.ReplaceTrack(track)
}

// SetEncodings merges new send encodings into the currently attached
// sender's parameters, with no renegotiation.
func (h *Handle) SetEncodings(encodings []webrtc.RTPCodingParameters) error {
	h.mu.Lock()
	h.encodings = encodings
	sender := h.sender
	h.mu.Unlock()

	if sender == nil {
		return nil
	}
	params := sender.GetParameters()
	params.Encodings = toRTPEncodingParameters(mergeEncodings(toRTPCodingParameters(params.Encodings), encodings))
	return sender.Send(params)
}

func mergeEncodings(existing, updates []webrtc.RTPCodingParameters) []webrtc.RTPCodingParameters {
	if len(updates) == 0 {
		return existing
	}
	out := make([]webrtc.RTPCodingParameters, len(existing))
	copy(out, existing)
	for i := range out {
		if i < len(updates) {
			out[i] = updates[i]
		}
	}
	return out
}

func toRTPCodingParameters(in []webrtc.RTPEncodingParameters) []webrtc.RTPCodingParameters {
	out := make([]webrtc.RTPCodingParameters, len(in))
	for i, e := range in {
		out[i] = e.RTPCodingParameters
	}
	return out
}

func toRTPEncodingParameters(in []webrtc.RTPCodingParameters) []webrtc.RTPEncodingParameters {
	out := make([]webrtc.RTPEncodingParameters, len(in))
	for i, c := range in {
		out[i] = webrtc.RTPEncodingParameters{RTPCodingParameters: c}
	}
	return out
}

// Push attaches track to the current session's peer connection and
// returns a Handle. A fresh stableId is minted once, persisting across
// session rebuilds. The push does not actually begin until the returned
// Handle's Metadata stream gets its first subscriber.
func (e *Engine) Push(track webrtc.TrackLocal, encodings []webrtc.RTPCodingParameters) *Handle {
	h := &Handle{
		StableID:  uuid.NewString(),
		track:     track,
		encodings: encodings,
	}

	h.metadata = hotstream.New(func(emit func(trackmeta.Metadata), fail func(error)) func() {
		ctx, cancel := context.WithCancel(context.Background())
		sessCh, sessUnsub := e.sessions.Subscribe()

		done := make(chan struct{})
		go func() {
			defer close(done)
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
					meta, err := e.attach(ctx, ev.Val, h)
					if err != nil {
						fail(fmt.Errorf("push: %w", err))
						continue
					}
					emit(meta.Public())
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

func (e *Engine) attach(ctx context.Context, sess *session.Session, h *Handle) (trackmeta.Metadata, error) {
	h.mu.Lock()
	track := h.track
	encodings := h.encodings
	h.mu.Unlock()

	transceiver, err := sess.PeerConnection.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		return trackmeta.Metadata{}, fmt.Errorf("add transceiver: %w", err)
	}
	sender := transceiver.Sender()
	if len(encodings) > 0 {
		params := sender.GetParameters()
		params.Encodings = toRTPEncodingParameters(mergeEncodings(toRTPCodingParameters(params.Encodings), encodings))
		if err := sender.Send(params); err != nil {
			logger.Warn().Err(err).Msg("applying initial encodings")
		}
	}

	h.mu.Lock()
	h.sender = sender
	h.transceiver = transceiver
	h.sess = sess
	h.mu.Unlock()

	resp, err := e.dispatcher.Do(batchItem{sess: sess, transceiver: transceiver, trackName: h.StableID}, func(items []batchItem) (*sfuapi.TracksNewResponse, error) {
		return e.flush(ctx, items)
	})
	if err != nil {
		return trackmeta.Metadata{}, err
	}

	mid := transceiver.Mid()
	var result *sfuapi.TrackResult
	for i := range resp.Tracks {
		if resp.Tracks[i].Mid == mid {
			result = &resp.Tracks[i]
			break
		}
	}
	if result == nil {
		return trackmeta.Metadata{}, ErrNoMatchingTrackResult
	}
	if result.ErrorCode != "" {
		return trackmeta.Metadata{}, &sfuapi.Error{Code: result.ErrorCode, Description: result.ErrorDescription}
	}

	if err := waitForOutboundRTP(ctx, sess.PeerConnection, sender, e.outboundRTPDeadline); err != nil {
		return trackmeta.Metadata{}, err
	}

	return trackmeta.Metadata{
		Location:  "local",
		TrackName: result.TrackName,
		SessionID: sess.SessionID,
		Mid:       mid,
	}, nil
}

func (e *Engine) flush(ctx context.Context, items []batchItem) (*sfuapi.TracksNewResponse, error) {
	sess := items[0].sess

	return fifoscheduler.Schedule(sess.Scheduler, func() (*sfuapi.TracksNewResponse, error) {
		offer, err := sess.PeerConnection.CreateOffer(nil)
		if err != nil {
			return nil, fmt.Errorf("create offer: %w", err)
		}
		gatherComplete := webrtc.GatheringCompletePromise(sess.PeerConnection)
		if err := sess.PeerConnection.SetLocalDescription(offer); err != nil {
			return nil, fmt.Errorf("set local description: %w", err)
		}
		<-gatherComplete

		local := sess.PeerConnection.LocalDescription()

		tracks := make([]sfuapi.TrackRequest, len(items))
		for i, item := range items {
			tracks[i] = sfuapi.TrackRequest{
				TrackName: item.trackName,
				Mid:       item.transceiver.Mid(),
				Location:  "local",
			}
		}

		resp, err := e.api.TracksNew(ctx, sess.SessionID, &sfuapi.TracksNewRequest{
			SessionDescription: &sfuapi.SessionDescription{Type: local.Type.String(), SDP: local.SDP},
			Tracks:             tracks,
		})
		if err != nil {
			return nil, err
		}
		if resp.SessionDescription == nil {
			return nil, fmt.Errorf("push: missing answer in response")
		}

		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: resp.SessionDescription.SDP}
		if err := sess.PeerConnection.SetRemoteDescription(answer); err != nil {
			return nil, fmt.Errorf("set remote description: %w", err)
		}
		if err := rtcutil.WaitForSignalingStable(ctx, sess.PeerConnection, 5*time.Second); err != nil {
			return nil, err
		}

		return resp, nil
	})
}

func (e *Engine) teardown(h *Handle) {
	h.mu.Lock()
	transceiver := h.transceiver
	sess := h.sess
	h.mu.Unlock()
	if transceiver == nil || sess == nil {
		return
	}
	mid := transceiver.Mid()
	if mid == "" {
		return
	}
	e.closeEngine.Enqueue(sess, transceiver)
}

func waitForOutboundRTP(ctx context.Context, pc *webrtc.PeerConnection, sender *webrtc.RTPSender, timeout time.Duration) error {
	params := sender.GetParameters()
	if len(params.Encodings) == 0 {
		return ErrOutboundRTPTimeout
	}
	ssrc := params.Encodings[0].SSRC

	delay := time.Millisecond
	const maxDelay = 100 * time.Millisecond
	deadline := time.Now().Add(timeout)

	for {
		stats := pc.GetStats()
		for _, s := range stats {
			if outbound, ok := s.(webrtc.OutboundRTPStreamStats); ok {
				if outbound.SSRC == ssrc && outbound.BytesSent > 0 {
					return nil
				}
			}
		}

		if time.Now().After(deadline) {
			return ErrOutboundRTPTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

