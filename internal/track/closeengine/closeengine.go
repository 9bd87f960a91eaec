// Package closeengine implements the TrackCloseEngine: batches transceiver
// stop + offer/answer round-trips for track release so that many
// concurrent teardowns produce one signaling call.
package closeengine

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/partytracks/internal/dispatch"
	"github.com/dkeye/partytracks/internal/fifoscheduler"
	"github.com/dkeye/partytracks/internal/rtcutil"
	"github.com/dkeye/partytracks/internal/session"
	"github.com/dkeye/partytracks/internal/sfuapi"
)

var logger = log.With().Str("module", "track.closeengine").Logger()

type closeItem struct {
	sess        *session.Session
	transceiver *webrtc.RTPTransceiver
}

// Engine batches close requests across push and pull teardowns.
type Engine struct {
	api        *sfuapi.Client
	dispatcher *dispatch.Dispatcher[closeItem, *sfuapi.TracksCloseResponse]
}

// New returns an Engine. capacity bounds a single batch; 0 means
// unbounded within a tick.
func New(api *sfuapi.Client, capacity int) *Engine {
	return &Engine{
		api:        api,
		dispatcher: dispatch.New[closeItem, *sfuapi.TracksCloseResponse](capacity),
	}
}

// Enqueue schedules transceiver for closure against sess. It runs the
// batch in the background; teardown of a push or pull subscription does
// not block on the network round-trip.
func (e *Engine) Enqueue(sess *session.Session, transceiver *webrtc.RTPTransceiver) {
	go func() {
		_, err := e.dispatcher.Do(closeItem{sess: sess, transceiver: transceiver}, func(items []closeItem) (*sfuapi.TracksCloseResponse, error) {
			return e.flush(context.Background(), items)
		})
		if err != nil {
			logger.Warn().Err(err).Msg("closing track batch")
		}
	}()
}

func (e *Engine) flush(ctx context.Context, items []closeItem) (*sfuapi.TracksCloseResponse, error) {
	sess := items[0].sess

	if sess.PeerConnection.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return &sfuapi.TracksCloseResponse{}, nil
	}

	return fifoscheduler.Schedule(sess.Scheduler, func() (*sfuapi.TracksCloseResponse, error) {
		tracks := make([]sfuapi.TrackRequest, 0, len(items))
		for _, item := range items {
			if err := item.transceiver.Stop(); err != nil {
				logger.Warn().Err(err).Msg("stopping transceiver")
			}
			mid := item.transceiver.Mid()
			if mid == "" {
				continue
			}
			tracks = append(tracks, sfuapi.TrackRequest{Mid: mid})
		}
		if len(tracks) == 0 {
			return &sfuapi.TracksCloseResponse{}, nil
		}

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

		resp, err := e.api.TracksClose(ctx, sess.SessionID,
			sfuapi.SessionDescription{Type: local.Type.String(), SDP: local.SDP},
			tracks,
		)
		if err != nil {
			return nil, err
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
