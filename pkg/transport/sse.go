package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/5dlabs/toolman/pkg/jsonrpc"
	"github.com/5dlabs/toolman/pkg/logger"
)

// SSE drives a backend whose server-to-client channel is a long-lived
// Server-Sent Events GET stream and whose client-to-server channel is a
// sibling HTTP POST endpoint (spec.md §4.1). Reconnection of the event
// stream is automatic with exponential backoff; on reconnect, any requests
// whose waiters had not yet resolved are failed, since the server cannot be
// expected to remember them.
type SSE struct {
	eventURL  string
	postURL   string
	authToken string
	client    *http.Client
	corr      *correlator
	onNotif   NotificationHandler
	onFatal   func(error)

	live   atomic.Bool
	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewSSE connects to eventURL and starts the reconnecting reader loop.
// Requests are POSTed to postURL. The supplied ctx bounds the lifetime of
// the whole transport; cancel it (or call Close) to stop reconnecting.
func NewSSE(
	ctx context.Context,
	eventURL, postURL, authToken string,
	onNotif NotificationHandler,
	onFatal func(error),
) (*SSE, error) {
	runCtx, cancel := context.WithCancel(ctx)
	s := &SSE{
		eventURL:  eventURL,
		postURL:   postURL,
		authToken: authToken,
		client:    &http.Client{},
		corr:      newCorrelator(),
		onNotif:   onNotif,
		onFatal:   onFatal,
		cancel:    cancel,
		doneCh:    make(chan struct{}),
	}

	connected := make(chan error, 1)
	go s.reconnectLoop(runCtx, connected)

	select {
	case err := <-connected:
		if err != nil {
			cancel()
			return nil, err
		}
	case <-time.After(DefaultHTTPConnectTimeout):
		cancel()
		return nil, jsonrpc.NewLocalError(jsonrpc.KindTimedOut, "timed out connecting sse event stream")
	}

	return s, nil
}

func (s *SSE) reconnectLoop(ctx context.Context, firstConnect chan<- error) {
	defer close(s.doneCh)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 60 * time.Second

	first := true
	for {
		if ctx.Err() != nil {
			if first {
				firstConnect <- ctx.Err()
			}
			return
		}

		err := s.connectOnce(ctx, firstConnect, &first)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warnw("sse event stream disconnected, reconnecting", "url", s.eventURL, "error", err)
			s.live.Store(false)
			s.corr.failOutstanding(jsonrpc.KindTransportFailed, "sse stream reconnecting, in-flight request abandoned")
		}

		next := b.NextBackOff()
		if next == backoff.Stop {
			next = b.MaxInterval
		}
		select {
		case <-time.After(next):
		case <-ctx.Done():
			return
		}
	}
}

// connectOnce opens the event stream and reads from it until it breaks or
// ctx is cancelled. It reports the outcome of the very first connection
// attempt on firstConnect exactly once.
func (s *SSE) connectOnce(ctx context.Context, firstConnect chan<- error, first *bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.eventURL, nil)
	if err != nil {
		if *first {
			*first = false
			firstConnect <- err
		}
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if *first {
			*first = false
			firstConnect <- err
		}
		return err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := fmt.Errorf("sse event stream returned http %d", resp.StatusCode)
		if *first {
			*first = false
			firstConnect <- err
		}
		return err
	}
	defer resp.Body.Close()

	s.live.Store(true)
	if *first {
		*first = false
		firstConnect <- nil
	}

	return s.pump(resp)
}

// pump reads "message" events off the stream and dispatches each data:
// payload as a JSON-RPC frame (a response or a server-originated
// notification).
func (s *SSE) pump(resp *http.Response) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)

	var dataLines []string
	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		s.handleFrame([]byte(payload))
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:, id:, retry: and comment lines carry no payload we
			// need; ordering of data lines within one event is preserved.
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("sse event stream closed by server")
}

func (s *SSE) handleFrame(raw []byte) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return
	}
	if !json.Valid(raw) {
		logger.Warnw("sse event payload is not valid json", "payload", string(raw))
		return
	}

	var generic struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return
	}
	if generic.Method != "" {
		var req jsonrpc.Request
		if err := json.Unmarshal(raw, &req); err == nil && s.onNotif != nil {
			s.onNotif(&req)
		}
		return
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return
	}
	key := idKey(resp.ID)
	if key != "" {
		s.corr.resolve(key, &resp)
	}
}

// SendRequest implements Transport: POSTs to the sibling endpoint and
// awaits the matching frame delivered asynchronously over the event
// stream.
func (s *SSE) SendRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	key, id := s.corr.nextID()
	req.ID = id
	req.JSONRPC = jsonrpc.Version

	ch, ok := s.corr.register(key)
	if !ok {
		return nil, jsonrpc.NewLocalError(jsonrpc.KindTransportFailed, "sse transport is closed")
	}

	if err := s.post(ctx, req); err != nil {
		s.corr.deregister(key)
		return nil, jsonrpc.Wrap(jsonrpc.KindTransportFailed, "posting request to sse backend", err)
	}

	select {
	case resp := <-ch:
		if len(resp.ID) == 0 && resp.Error != nil {
			// Woken by failAll/failOutstanding: frames from the backend
			// always carry an id.
			return nil, jsonrpc.NewLocalError(jsonrpc.KindTransportFailed, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		s.corr.deregister(key)
		return nil, jsonrpc.NewLocalError(jsonrpc.KindTimedOut, "deadline exceeded waiting for backend response")
	case <-s.doneCh:
		return nil, jsonrpc.NewLocalError(jsonrpc.KindTransportFailed, "sse transport closed")
	}
}

// SendNotification implements Transport.
func (s *SSE) SendNotification(ctx context.Context, req *jsonrpc.Request) error {
	req.ID = nil
	req.JSONRPC = jsonrpc.Version
	if err := s.post(ctx, req); err != nil {
		return jsonrpc.Wrap(jsonrpc.KindTransportFailed, "posting notification to sse backend", err)
	}
	return nil
}

func (s *SSE) post(ctx context.Context, req *jsonrpc.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.postURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.authToken)
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sse backend post returned http %d", resp.StatusCode)
	}
	return nil
}

// IsLive implements Transport.
func (s *SSE) IsLive() bool {
	return s.live.Load()
}

// Close implements Transport.
func (s *SSE) Close(ctx context.Context) error {
	s.cancel()
	s.live.Store(false)
	s.corr.failAll(jsonrpc.KindTransportFailed, "transport closed")
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
