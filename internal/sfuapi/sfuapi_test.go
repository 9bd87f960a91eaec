package sfuapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/partytracks/internal/history"
)

type fakeDoer struct {
	fn func(req *http.Request) (*http.Response, error)
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	return f.fn(req)
}

func jsonResponse(status int, body any) *http.Response {
	raw, _ := json.Marshal(body)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(raw)),
		Header:     make(http.Header),
	}
}

func TestNewSession(t *testing.T) {
	var gotMethod, gotPath string
	doer := &fakeDoer{fn: func(req *http.Request) (*http.Response, error) {
		gotMethod = req.Method
		gotPath = req.URL.Path
		return jsonResponse(200, NewSessionResponse{SessionID: "sess-1"}), nil
	}}

	c := New("https://sfu.example", "/partytracks", WithDoer(doer))
	resp, err := c.NewSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sess-1", resp.SessionID)
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "/partytracks/sessions/new", gotPath)
}

func TestTracksNewPropagatesErrorCode(t *testing.T) {
	doer := &fakeDoer{fn: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, TracksNewResponse{ErrorCode: "TRACK_NOT_FOUND", ErrorDescription: "no such track"}), nil
	}}
	c := New("https://sfu.example", "/partytracks", WithDoer(doer))

	_, err := c.TracksNew(context.Background(), "sess-1", &TracksNewRequest{Tracks: []TrackRequest{{TrackName: "a"}}})
	require.Error(t, err)
	var sfuErr *Error
	require.ErrorAs(t, err, &sfuErr)
	require.Equal(t, "TRACK_NOT_FOUND", sfuErr.Code)
}

func TestOpaqueRedirectSurfacesSessionExpired(t *testing.T) {
	doer := &fakeDoer{fn: func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 302, Body: io.NopCloser(bytes.NewReader(nil)), Header: make(http.Header)}, nil
	}}
	c := New("https://sfu.example", "/partytracks", WithDoer(doer))

	_, err := c.NewSession(context.Background())
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestExtraParamsAndHeadersAppliedToEveryCall(t *testing.T) {
	var gotQuery, gotHeader string
	doer := &fakeDoer{fn: func(req *http.Request) (*http.Response, error) {
		gotQuery = req.URL.Query().Get("token")
		gotHeader = req.Header.Get("Authorization")
		return jsonResponse(200, GenerateICEServersResponse{}), nil
	}}

	c := New("https://sfu.example", "/partytracks",
		WithDoer(doer),
		WithExtraParams(map[string]string{"token": "abc"}),
		WithHeaders(map[string]string{"Authorization": "Bearer xyz"}),
	)
	_, err := c.GenerateICEServers(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", gotQuery)
	require.Equal(t, "Bearer xyz", gotHeader)
}

func TestHistoryRecordsRequestAndResponse(t *testing.T) {
	doer := &fakeDoer{fn: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, NewSessionResponse{SessionID: "sess-9"}), nil
	}}
	ring := history.New(10)
	c := New("https://sfu.example", "/partytracks", WithDoer(doer), WithHistory(ring))

	_, err := c.NewSession(context.Background())
	require.NoError(t, err)

	snap := ring.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, history.KindRequest, snap[0].Kind)
	require.Equal(t, history.KindResponse, snap[1].Kind)
}

func TestTracksCloseSendsForceFalse(t *testing.T) {
	var gotBody TracksCloseRequest
	doer := &fakeDoer{fn: func(req *http.Request) (*http.Response, error) {
		raw, _ := io.ReadAll(req.Body)
		_ = json.Unmarshal(raw, &gotBody)
		return jsonResponse(200, TracksCloseResponse{SessionDescription: SessionDescription{Type: "answer", SDP: "v=0"}}), nil
	}}
	c := New("https://sfu.example", "/partytracks", WithDoer(doer))

	resp, err := c.TracksClose(context.Background(), "sess-1",
		SessionDescription{Type: "offer", SDP: "v=0"},
		[]TrackRequest{{Mid: "0"}},
	)
	require.NoError(t, err)
	require.Equal(t, "answer", resp.SessionDescription.Type)
	require.False(t, gotBody.Force)
	require.Equal(t, "0", gotBody.Tracks[0].Mid)
}
