package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/5dlabs/toolman/pkg/jsonrpc"
)

// DefaultHTTPConnectTimeout bounds dialing+TLS handshake for the shared
// client, per spec.md §5 ("HTTP connect: ~10 seconds").
const DefaultHTTPConnectTimeout = 10 * time.Second

// HTTP drives a backend over plain JSON-RPC-over-POST: one request, one
// response body, no persistent connection beyond the pooled keep-alive
// transport shared across calls to the same URL (spec.md §4.1).
type HTTP struct {
	url       string
	authToken string
	client    *http.Client

	counter atomic.Uint64
	live    atomic.Bool
	lastErr atomic.Pointer[time.Time]
}

// NewHTTP builds an HTTP transport against url. authToken, if non-empty, is
// attached as a Bearer Authorization header on every request.
func NewHTTP(url, authToken string) *HTTP {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	h := &HTTP{
		url:       url,
		authToken: authToken,
		client: &http.Client{
			Transport: transport,
		},
	}
	h.live.Store(true)
	return h
}

func (h *HTTP) do(ctx context.Context, req *jsonrpc.Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, DefaultHTTPConnectTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(connectCtx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.authToken)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		h.live.Store(false)
		return nil, err
	}
	h.live.Store(true)
	now := time.Now()
	h.lastErr.Store(&now)
	return resp, nil
}

// SendRequest implements Transport.
func (h *HTTP) SendRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	id := h.counter.Add(1)
	req.ID = jsonrpc.MustMarshal(id)
	req.JSONRPC = jsonrpc.Version

	httpResp, err := h.do(ctx, req)
	if err != nil {
		return nil, jsonrpc.Wrap(jsonrpc.KindTransportFailed, "http request to backend", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 32<<20))
	if err != nil {
		return nil, jsonrpc.Wrap(jsonrpc.KindTransportFailed, "reading backend response body", err)
	}
	if httpResp.StatusCode >= 300 {
		return nil, jsonrpc.Wrap(
			jsonrpc.KindTransportFailed,
			fmt.Sprintf("backend returned http %d", httpResp.StatusCode),
			fmt.Errorf("%s", string(raw)),
		)
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, jsonrpc.Wrap(jsonrpc.KindProtocolViolation, "malformed json-rpc response body", err)
	}
	return &resp, nil
}

// SendNotification implements Transport.
func (h *HTTP) SendNotification(ctx context.Context, req *jsonrpc.Request) error {
	req.ID = nil
	req.JSONRPC = jsonrpc.Version
	httpResp, err := h.do(ctx, req)
	if err != nil {
		return jsonrpc.Wrap(jsonrpc.KindTransportFailed, "http notification to backend", err)
	}
	defer httpResp.Body.Close()
	_, _ = io.Copy(io.Discard, httpResp.Body)
	if httpResp.StatusCode >= 300 {
		return jsonrpc.NewLocalError(jsonrpc.KindTransportFailed, fmt.Sprintf("backend returned http %d", httpResp.StatusCode))
	}
	return nil
}

// IsLive implements Transport: the last call's outcome within a tolerance.
func (h *HTTP) IsLive() bool {
	return h.live.Load()
}

// Close implements Transport. HTTP has no persistent connection to tear
// down beyond idle pooled sockets, which CloseIdleConnections releases.
func (h *HTTP) Close(_ context.Context) error {
	h.live.Store(false)
	h.client.Transport.(*http.Transport).CloseIdleConnections()
	return nil
}
