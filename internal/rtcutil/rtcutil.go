// Package rtcutil holds small bounded-wait helpers shared by the push,
// pull, and close engines, all of which must wait for a peer connection
// to settle after an SDP exchange.
package rtcutil

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// WaitForSignalingStable blocks until pc's signaling state is stable, ctx
// is cancelled, or timeout elapses.
func WaitForSignalingStable(ctx context.Context, pc *webrtc.PeerConnection, timeout time.Duration) error {
	if pc.SignalingState() == webrtc.SignalingStateStable {
		return nil
	}
	changed := make(chan struct{}, 1)
	pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		if s == webrtc.SignalingStateStable {
			select {
			case changed <- struct{}{}:
			default:
			}
		}
	})
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-changed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("rtcutil: timed out waiting for signaling state stable")
	}
}

// WaitForTransceiverByMid blocks until a transceiver with the given MID
// appears on pc (surfaced via the OnTrack event for pulled tracks), ctx is
// cancelled, or timeout elapses.
func WaitForTransceiverByMid(ctx context.Context, pc *webrtc.PeerConnection, mid string, timeout time.Duration) (*webrtc.RTPTransceiver, error) {
	for _, t := range pc.GetTransceivers() {
		if t.Mid() == mid {
			return t, nil
		}
	}

	found := make(chan *webrtc.RTPTransceiver, 1)
	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		for _, t := range pc.GetTransceivers() {
			if t.Mid() == mid && t.Receiver() == receiver {
				select {
				case found <- t:
				default:
				}
				return
			}
		}
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case t := <-found:
			return t, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("rtcutil: timed out waiting for transceiver mid=%s", mid)
		case <-time.After(20 * time.Millisecond):
			for _, t := range pc.GetTransceivers() {
				if t.Mid() == mid {
					return t, nil
				}
			}
		}
	}
}
