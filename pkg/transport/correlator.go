package transport

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/5dlabs/toolman/pkg/jsonrpc"
)

// correlator tracks outstanding requests for transports that must match
// asynchronously-arriving responses back to the goroutine awaiting them
// (stdio and SSE; HTTP needs none of this since one POST yields exactly one
// response body). It owns the transport's monotonic request-id counter, one
// per spec.md's "each Connection owns its own counter" rule.
type correlator struct {
	mu      sync.Mutex
	counter uint64
	waiters map[string]chan *jsonrpc.Response
	closed  bool
	closeErr error
}

func newCorrelator() *correlator {
	return &correlator{waiters: make(map[string]chan *jsonrpc.Response)}
}

// nextID allocates the next request id and returns both its string form
// (map key) and its JSON-encoded form (wire value).
func (c *correlator) nextID() (key string, id jsonrpc.ID) {
	c.mu.Lock()
	c.counter++
	n := c.counter
	c.mu.Unlock()
	key = strconv.FormatUint(n, 10)
	return key, jsonrpc.ID(key)
}

// register installs a waiter for key and returns the channel to receive on.
// Returns false if the correlator is already closed.
func (c *correlator) register(key string) (chan *jsonrpc.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	ch := make(chan *jsonrpc.Response, 1)
	c.waiters[key] = ch
	return ch, true
}

// deregister removes key's waiter without signaling it; used on context
// cancellation / timeout so a late-arriving response finds no home.
func (c *correlator) deregister(key string) {
	c.mu.Lock()
	delete(c.waiters, key)
	c.mu.Unlock()
}

// resolve delivers resp to key's waiter, if any is still registered.
// Returns false if no waiter was found (stale or unknown id).
func (c *correlator) resolve(key string, resp *jsonrpc.Response) bool {
	c.mu.Lock()
	ch, ok := c.waiters[key]
	if ok {
		delete(c.waiters, key)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// failAll wakes every outstanding waiter with a terminal local error and
// marks the correlator closed so subsequent register calls fail fast.
func (c *correlator) failAll(kind jsonrpc.Kind, message string) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.failOutstanding(kind, message)
}

// failOutstanding wakes every currently-registered waiter without closing
// the correlator for future use — used on SSE reconnect, where in-flight
// requests cannot be expected to survive but new ones should still work
// (spec.md §4.1: "the server cannot be expected to remember them").
func (c *correlator) failOutstanding(kind jsonrpc.Kind, message string) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = make(map[string]chan *jsonrpc.Response)
	c.mu.Unlock()

	errResp := &jsonrpc.Response{
		JSONRPC: jsonrpc.Version,
		Error:   jsonrpc.ToWireError(jsonrpc.NewLocalError(kind, message)),
	}
	for _, ch := range waiters {
		ch <- errResp
	}
}

// idKey renders a jsonrpc.ID (which is a json.RawMessage holding either a
// quoted string or a bare number) into the string form used as the
// correlator's map key.
func idKey(id jsonrpc.ID) string {
	if len(id) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	// Not a JSON string; use the raw bytes (covers bare numeric ids some
	// backends send back unquoted).
	return string(id)
}
