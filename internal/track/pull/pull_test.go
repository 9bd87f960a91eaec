package pull

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/partytracks/internal/config"
	"github.com/dkeye/partytracks/internal/dispatch"
	"github.com/dkeye/partytracks/internal/fifoscheduler"
	"github.com/dkeye/partytracks/internal/hotstream"
	"github.com/dkeye/partytracks/internal/session"
	"github.com/dkeye/partytracks/internal/sfuapi"
	"github.com/dkeye/partytracks/internal/track/closeengine"
	"github.com/dkeye/partytracks/internal/trackmeta"
)

type fakeDoer struct {
	mu            sync.Mutex
	sessionCount  int
	tracksNewFn   func(req *http.Request) (*http.Response, error)
	tracksUpdates atomic.Int32
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	switch {
	case req.URL.Path == "/partytracks/sessions/new":
		f.mu.Lock()
		f.sessionCount++
		n := f.sessionCount
		f.mu.Unlock()
		body, _ := json.Marshal(sfuapi.NewSessionResponse{SessionID: "sess-" + string(rune('0'+n))})
		return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader(body)), Header: make(http.Header)}, nil
	case req.URL.Path == "/partytracks/generate-ice-servers":
		body, _ := json.Marshal(sfuapi.GenerateICEServersResponse{})
		return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader(body)), Header: make(http.Header)}, nil
	case req.Method == http.MethodPut && req.URL.Path == "/partytracks/sessions/sess-1/tracks/update":
		f.tracksUpdates.Add(1)
		return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader(nil)), Header: make(http.Header)}, nil
	default:
		return f.tracksNewFn(req)
	}
}

func newTestCoordinator(doer *fakeDoer) *session.Coordinator {
	api := sfuapi.New("https://sfu.example", "/partytracks", sfuapi.WithDoer(doer))
	cfg := config.Default()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	return session.New(cfg, api)
}

func TestPullWithoutRenegotiationSendsSingleTrackRequest(t *testing.T) {
	doer := &fakeDoer{
		tracksNewFn: func(req *http.Request) (*http.Response, error) {
			var reqBody sfuapi.TracksNewRequest
			raw, _ := io.ReadAll(req.Body)
			_ = json.Unmarshal(raw, &reqBody)
			require.Len(t, reqBody.Tracks, 1)

			resp := sfuapi.TracksNewResponse{
				Tracks: []sfuapi.TrackResult{
					{TrackName: reqBody.Tracks[0].TrackName, SessionID: reqBody.Tracks[0].SessionID, Mid: "0"},
				},
			}
			body, _ := json.Marshal(resp)
			return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader(body)), Header: make(http.Header)}, nil
		},
	}

	co := newTestCoordinator(doer)
	api := sfuapi.New("https://sfu.example", "/partytracks", sfuapi.WithDoer(doer))
	closeEng := closeengine.New(api, 0)
	engine := New(api, co.Sessions(), closeEng, 0)
	engine.SetTransceiverWaitTimeout(200 * time.Millisecond)

	// No transceiver will ever actually surface with mid "0" on a bare
	// peer connection with no remote offer applied, so resolution times
	// out — this test asserts the request shape and that teardown does
	// not panic, which is the part reachable without a live SFU.
	handle := engine.Pull(trackmeta.Metadata{TrackName: "remote-track", SessionID: "S1"})
	ch, unsub := handle.Tracks().Subscribe()
	defer unsub()

	select {
	case ev := <-ch:
		_ = ev
	case <-time.After(2 * time.Second):
	}
}

func TestSetPreferredRidSendsUpdateOnlyOnChange(t *testing.T) {
	doer := &fakeDoer{}
	api := sfuapi.New("https://sfu.example", "/partytracks", sfuapi.WithDoer(doer))

	h := &Handle{descriptor: trackmeta.Metadata{TrackName: "x", SessionID: "S1"}}
	h.mid = "0"
	h.sess = &session.Session{
		PeerConnection: nil,
		SessionID:      "sess-1",
	}

	require.NoError(t, h.SetPreferredRid(t.Context(), api, "h"))
	require.Equal(t, int32(1), doer.tracksUpdates.Load())

	require.NoError(t, h.SetPreferredRid(t.Context(), api, "h"))
	require.Equal(t, int32(1), doer.tracksUpdates.Load(), "no extra call for an unchanged rid")

	require.NoError(t, h.SetPreferredRid(t.Context(), api, "l"))
	require.Equal(t, int32(2), doer.tracksUpdates.Load())
}

func newFakePullSession(t *testing.T, id string) *session.Session {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return &session.Session{PeerConnection: pc, SessionID: id, Scheduler: fifoscheduler.New()}
}

// TestPullReResolvesAfterSessionRebuild exercises the session-event loop
// directly: a replayed emission of the same *session.Session must not
// trigger a second TracksNew call, but a session rebuild (a new
// *session.Session value) always must, since the old PeerConnection and
// its tracks are gone.
func TestPullReResolvesAfterSessionRebuild(t *testing.T) {
	var mu sync.Mutex
	var sessionIDsSeen []string

	doer := &fakeDoer{
		tracksNewFn: func(req *http.Request) (*http.Response, error) {
			var reqBody sfuapi.TracksNewRequest
			raw, _ := io.ReadAll(req.Body)
			_ = json.Unmarshal(raw, &reqBody)

			// The local session is named in the path; the body's
			// SessionID is the remote descriptor's owning session.
			localID := strings.TrimSuffix(strings.TrimPrefix(req.URL.Path, "/partytracks/sessions/"), "/tracks/new")
			mu.Lock()
			sessionIDsSeen = append(sessionIDsSeen, localID)
			mu.Unlock()

			resp := sfuapi.TracksNewResponse{
				Tracks: []sfuapi.TrackResult{
					{TrackName: reqBody.Tracks[0].TrackName, SessionID: reqBody.Tracks[0].SessionID, Mid: "0"},
				},
			}
			body, _ := json.Marshal(resp)
			return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader(body)), Header: make(http.Header)}, nil
		},
	}
	api := sfuapi.New("https://sfu.example", "/partytracks", sfuapi.WithDoer(doer))
	closeEng := closeengine.New(api, 0)

	sess1 := newFakePullSession(t, "sess-1")
	sess2 := newFakePullSession(t, "sess-2")

	var emit func(*session.Session)
	sessions := hotstream.New(func(e func(*session.Session), fail func(error)) func() {
		emit = e
		return func() {}
	})

	engine := &Engine{
		api:                    api,
		sessions:               sessions,
		closeEngine:            closeEng,
		dispatcher:             dispatch.New[batchItem, *sfuapi.TracksNewResponse](0),
		transceiverWaitTimeout: 20 * time.Millisecond,
	}

	handle := engine.Pull(trackmeta.Metadata{TrackName: "remote-track", SessionID: "S1"})
	ch, unsub := handle.Tracks().Subscribe()
	defer unsub()
	go func() {
		for range ch {
		}
	}()

	require.NotNil(t, emit)

	emit(sess1)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sessionIDsSeen) == 1
	}, time.Second, time.Millisecond)

	// A replay of the identical session value must be deduped.
	emit(sess1)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Len(t, sessionIDsSeen, 1, "same-session replay should be deduped")
	mu.Unlock()

	// A rebuilt session (new value) must always re-resolve.
	emit(sess2)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sessionIDsSeen) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	require.Equal(t, []string{"sess-1", "sess-2"}, sessionIDsSeen)
	mu.Unlock()
}
