// Package sfuapi is the HTTP client for the SFU's signaling surface: session
// creation, ICE server provisioning, and the push/pull/renegotiate/update/
// close track operations. It is the Go-native stand-in for the "caller
// supplies fetch" seam spec.md leaves external.
package sfuapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/partytracks/internal/history"
)

// ErrSessionExpired is returned when a call is answered with a redirect,
// the stand-in for a browser fetch's opaque redirect. An errorCode in a
// response body is returned as *Error instead.
var ErrSessionExpired = errors.New("sfuapi: session expired")

// Error is the typed decoding of an SFU-reported errorCode/errorDescription
// pair, letting callers match on errors.As instead of string comparison.
type Error struct {
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("sfuapi: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("sfuapi: %s", e.Code)
}

// HTTPDoer is the seam every signaling call is issued through. *http.Client
// satisfies it directly.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SessionDescription mirrors the wire shape of an SDP offer/answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// TrackRequest is one entry in a tracks/new or tracks/update request body.
type TrackRequest struct {
	TrackName string           `json:"trackName,omitempty"`
	Mid       string           `json:"mid,omitempty"`
	Location  string           `json:"location,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
	Simulcast *SimulcastUpdate `json:"simulcast,omitempty"`
}

// SimulcastUpdate carries a preferred RID for a single track.
type SimulcastUpdate struct {
	PreferredRid string `json:"preferredRid"`
}

// TrackResult is one entry in a tracks/new response body.
type TrackResult struct {
	TrackName        string `json:"trackName,omitempty"`
	Mid              string `json:"mid,omitempty"`
	SessionID        string `json:"sessionId,omitempty"`
	ErrorCode        string `json:"errorCode,omitempty"`
	ErrorDescription string `json:"errorDescription,omitempty"`
}

// NewSessionResponse is the body of POST /sessions/new.
type NewSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// ICEServer mirrors RTCIceServer as returned by /generate-ice-servers.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// GenerateICEServersResponse is the body of GET /generate-ice-servers.
type GenerateICEServersResponse struct {
	ICEServers []ICEServer `json:"iceServers"`
}

// TracksNewRequest is the body of POST /sessions/{id}/tracks/new, shared by
// both the push and pull shapes; SessionDescription is nil for a pull.
type TracksNewRequest struct {
	SessionDescription *SessionDescription `json:"sessionDescription,omitempty"`
	Tracks             []TrackRequest      `json:"tracks"`
}

// TracksNewResponse is the shared response shape for push and pull.
type TracksNewResponse struct {
	SessionDescription            *SessionDescription `json:"sessionDescription,omitempty"`
	Tracks                        []TrackResult        `json:"tracks"`
	RequiresImmediateRenegotiation bool                `json:"requiresImmediateRenegotiation,omitempty"`
	ErrorCode                      string               `json:"errorCode,omitempty"`
	ErrorDescription                string              `json:"errorDescription,omitempty"`
}

// RenegotiateRequest is the body of PUT /sessions/{id}/renegotiate.
type RenegotiateRequest struct {
	SessionDescription SessionDescription `json:"sessionDescription"`
}

// RenegotiateResponse is the body of PUT /sessions/{id}/renegotiate.
type RenegotiateResponse struct {
	ErrorCode        string `json:"errorCode,omitempty"`
	ErrorDescription string `json:"errorDescription,omitempty"`
}

// TracksUpdateRequest is the body of PUT /sessions/{id}/tracks/update.
type TracksUpdateRequest struct {
	Tracks []TrackRequest `json:"tracks"`
}

// TracksCloseRequest is the body of PUT /sessions/{id}/tracks/close.
type TracksCloseRequest struct {
	SessionDescription SessionDescription `json:"sessionDescription"`
	Tracks             []TrackRequest     `json:"tracks"`
	Force              bool               `json:"force"`
}

// TracksCloseResponse is the body of PUT /sessions/{id}/tracks/close.
type TracksCloseResponse struct {
	SessionDescription SessionDescription `json:"sessionDescription"`
	ErrorCode          string             `json:"errorCode,omitempty"`
	ErrorDescription   string             `json:"errorDescription,omitempty"`
}

// Client issues signaling calls against one SFU deployment.
type Client struct {
	doer           HTTPDoer
	baseURL        string
	prefix         string
	extraParams    map[string]string
	headers        map[string]string
	history        *history.Ring
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithDoer overrides the HTTPDoer; defaults to an *http.Client whose
// CheckRedirect returns redirects instead of following them.
func WithDoer(d HTTPDoer) Option {
	return func(c *Client) { c.doer = d }
}

// WithExtraParams appends these query parameters to every call.
func WithExtraParams(p map[string]string) Option {
	return func(c *Client) { c.extraParams = p }
}

// WithHeaders appends these headers to every call.
func WithHeaders(h map[string]string) Option {
	return func(c *Client) { c.headers = h }
}

// WithHistory records every request/response into ring.
func WithHistory(ring *history.Ring) Option {
	return func(c *Client) { c.history = ring }
}

// New returns a Client for the SFU reachable at baseURL, with API paths
// under prefix (e.g. "/partytracks").
func New(baseURL, prefix string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		prefix:  prefix,
		doer: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var logger = log.With().Str("module", "sfuapi").Logger()

func (c *Client) endpoint(path string) (string, error) {
	u, err := url.Parse(c.baseURL + c.prefix + path)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range c.extraParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	endpoint, err := c.endpoint(path)
	if err != nil {
		return fmt.Errorf("sfuapi: building endpoint: %w", err)
	}

	var bodyReader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("sfuapi: encoding request: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	if c.history != nil {
		c.history.Push(history.Entry{Kind: history.KindRequest, Endpoint: path, Method: method, Body: reqBody})
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("sfuapi: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		logger.Error().Err(err).Str("endpoint", path).Msg("signaling call failed")
		if c.history != nil {
			c.history.Push(history.Entry{Kind: history.KindResponse, Endpoint: path, Method: method, Err: err})
		}
		return fmt.Errorf("sfuapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if isOpaqueRedirect(resp) {
		if c.history != nil {
			c.history.Push(history.Entry{Kind: history.KindResponse, Endpoint: path, Method: method, Err: ErrSessionExpired})
		}
		return ErrSessionExpired
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if c.history != nil {
			c.history.Push(history.Entry{Kind: history.KindResponse, Endpoint: path, Method: method, Err: err})
		}
		return fmt.Errorf("sfuapi: reading response: %w", err)
	}

	if resp.StatusCode >= 300 {
		if c.history != nil {
			c.history.Push(history.Entry{Kind: history.KindResponse, Endpoint: path, Method: method, Err: fmt.Errorf("status %d", resp.StatusCode)})
		}
		return fmt.Errorf("sfuapi: %s %s: unexpected status %d: %s", method, path, resp.StatusCode, string(raw))
	}

	if respBody != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, respBody); err != nil {
			if c.history != nil {
				c.history.Push(history.Entry{Kind: history.KindResponse, Endpoint: path, Method: method, Err: err})
			}
			return fmt.Errorf("sfuapi: decoding response: %w", err)
		}
	}

	if c.history != nil {
		c.history.Push(history.Entry{Kind: history.KindResponse, Endpoint: path, Method: method, Body: respBody})
	}

	return nil
}

// isOpaqueRedirect stands in for the browser fetch API's "opaque redirect"
// (status 0): Go's http.Client has no status-0 response, so a Client
// configured with CheckRedirect returning http.ErrUseLastResponse instead
// surfaces the blocked redirect as a 3xx response, which this treats the
// same way the original treats an opaque redirect.
func isOpaqueRedirect(resp *http.Response) bool {
	return resp.StatusCode >= 300 && resp.StatusCode < 400
}

// NewSession creates a fresh SFU session.
func (c *Client) NewSession(ctx context.Context) (*NewSessionResponse, error) {
	var out NewSessionResponse
	if err := c.do(ctx, http.MethodPost, "/sessions/new", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateICEServers fetches the SFU's recommended ICE server set.
func (c *Client) GenerateICEServers(ctx context.Context) (*GenerateICEServersResponse, error) {
	var out GenerateICEServersResponse
	if err := c.do(ctx, http.MethodGet, "/generate-ice-servers", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TracksNew issues a push or pull tracks/new call. req.SessionDescription
// is nil for a pull.
func (c *Client) TracksNew(ctx context.Context, sessionID string, req *TracksNewRequest) (*TracksNewResponse, error) {
	var out TracksNewResponse
	path := fmt.Sprintf("/sessions/%s/tracks/new", sessionID)
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	if out.ErrorCode != "" {
		return &out, &Error{Code: out.ErrorCode, Description: out.ErrorDescription}
	}
	return &out, nil
}

// Renegotiate applies a locally-generated answer after an immediate
// renegotiation request from the SFU.
func (c *Client) Renegotiate(ctx context.Context, sessionID string, answer SessionDescription) error {
	var out RenegotiateResponse
	path := fmt.Sprintf("/sessions/%s/renegotiate", sessionID)
	req := &RenegotiateRequest{SessionDescription: answer}
	if err := c.do(ctx, http.MethodPut, path, req, &out); err != nil {
		return err
	}
	if out.ErrorCode != "" {
		return &Error{Code: out.ErrorCode, Description: out.ErrorDescription}
	}
	return nil
}

// TracksUpdate pushes a simulcast RID preference change. Per the resolved
// Open Question, a non-2xx response here surfaces as an error rather than
// being silently dropped.
func (c *Client) TracksUpdate(ctx context.Context, sessionID string, tracks []TrackRequest) error {
	path := fmt.Sprintf("/sessions/%s/tracks/update", sessionID)
	req := &TracksUpdateRequest{Tracks: tracks}
	return c.do(ctx, http.MethodPut, path, req, nil)
}

// TracksClose batches a transceiver-stop close across one or more MIDs.
func (c *Client) TracksClose(ctx context.Context, sessionID string, offer SessionDescription, tracks []TrackRequest) (*TracksCloseResponse, error) {
	var out TracksCloseResponse
	path := fmt.Sprintf("/sessions/%s/tracks/close", sessionID)
	req := &TracksCloseRequest{SessionDescription: offer, Tracks: tracks, Force: false}
	if err := c.do(ctx, http.MethodPut, path, req, &out); err != nil {
		return nil, err
	}
	if out.ErrorCode != "" {
		return &out, &Error{Code: out.ErrorCode, Description: out.ErrorDescription}
	}
	return &out, nil
}
