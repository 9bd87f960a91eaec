package closeengine

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/partytracks/internal/fifoscheduler"
	"github.com/dkeye/partytracks/internal/session"
	"github.com/dkeye/partytracks/internal/sfuapi"
)

type fakeDoer struct {
	calls int
	fn    func(req *http.Request) (*http.Response, error)
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.calls++
	return f.fn(req)
}

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return &session.Session{
		PeerConnection: pc,
		SessionID:      "sess-1",
		Scheduler:      fifoscheduler.New(),
	}
}

func TestEnqueueSkipsRoundTripOnAlreadyClosedConnection(t *testing.T) {
	doer := &fakeDoer{fn: func(req *http.Request) (*http.Response, error) {
		t.Fatal("no HTTP call expected once the peer connection is closed")
		return nil, nil
	}}
	api := sfuapi.New("https://sfu.example", "/partytracks", sfuapi.WithDoer(doer))
	e := New(api, 0)

	sess := newTestSession(t)
	_, err := sess.PeerConnection.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	require.NoError(t, err)
	require.NoError(t, sess.PeerConnection.Close())

	e.Enqueue(sess, sess.PeerConnection.GetTransceivers()[0])
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, 0, doer.calls)
}

func TestEnqueueSkipsRoundTripWhenNoTransceiverEverNegotiated(t *testing.T) {
	doer := &fakeDoer{fn: func(req *http.Request) (*http.Response, error) {
		t.Fatal("no HTTP call expected when no transceiver has a mid")
		return nil, nil
	}}
	api := sfuapi.New("https://sfu.example", "/partytracks", sfuapi.WithDoer(doer))
	e := New(api, 0)

	sess := newTestSession(t)
	transceiver, err := sess.PeerConnection.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	require.NoError(t, err)

	e.Enqueue(sess, transceiver)
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, 0, doer.calls)
}

func TestEnqueueSendsCloseRequestForNegotiatedTransceiver(t *testing.T) {
	var gotBody TracksCloseBody
	sess := newTestSession(t)
	transceiver, err := sess.PeerConnection.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	require.NoError(t, err)

	// Negotiate once so the transceiver has a mid.
	offer, err := sess.PeerConnection.CreateOffer(nil)
	require.NoError(t, err)
	gatherComplete := webrtc.GatheringCompletePromise(sess.PeerConnection)
	require.NoError(t, sess.PeerConnection.SetLocalDescription(offer))
	<-gatherComplete

	answerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = answerer.Close() })
	require.NoError(t, answerer.SetRemoteDescription(*sess.PeerConnection.LocalDescription()))
	answer, err := answerer.CreateAnswer(nil)
	require.NoError(t, err)
	answererGather := webrtc.GatheringCompletePromise(answerer)
	require.NoError(t, answerer.SetLocalDescription(answer))
	<-answererGather
	require.NoError(t, sess.PeerConnection.SetRemoteDescription(*answerer.LocalDescription()))

	require.NotEmpty(t, transceiver.Mid())

	doer := &fakeDoer{fn: func(req *http.Request) (*http.Response, error) {
		raw, _ := io.ReadAll(req.Body)
		_ = json.Unmarshal(raw, &gotBody)

		respBody, _ := json.Marshal(sfuapi.TracksCloseResponse{
			SessionDescription: sfuapi.SessionDescription{Type: "answer", SDP: answer.SDP},
		})
		return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader(respBody)), Header: make(http.Header)}, nil
	}}
	api := sfuapi.New("https://sfu.example", "/partytracks", sfuapi.WithDoer(doer))
	e := New(api, 0)

	e.Enqueue(sess, transceiver)

	require.Eventually(t, func() bool {
		return doer.calls > 0
	}, time.Second, time.Millisecond)

	require.Len(t, gotBody.Tracks, 1)
	require.False(t, gotBody.Force)
}

// TracksCloseBody mirrors sfuapi.TracksCloseRequest for decoding in tests
// without exporting internal request wiring beyond what sfuapi already does.
type TracksCloseBody struct {
	Tracks []sfuapi.TrackRequest `json:"tracks"`
	Force  bool                  `json:"force"`
}
