// Package backend implements the per-backend Connection: the state machine,
// discovery handshake, circuit breaker, and typed request contract that sits
// directly on top of a pkg/transport.Transport.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/5dlabs/toolman/pkg/config"
	"github.com/5dlabs/toolman/pkg/jsonrpc"
	"github.com/5dlabs/toolman/pkg/logger"
	"github.com/5dlabs/toolman/pkg/transport"
)

// State is one node in a Connection's lifecycle.
type State string

const (
	StateStarting     State = "starting"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateDegraded     State = "degraded"
	StateFailed       State = "failed"
	StateStopped      State = "stopped"
)

// DefaultCircuitThreshold and DefaultCircuitResetTimeout are the breaker
// parameters applied to every connection unless a backend descriptor
// overrides them in the future; spec.md does not expose these as
// per-backend config, so one policy is shared by the whole pool.
const (
	DefaultCircuitThreshold    = 5
	DefaultCircuitResetTimeout = 30 * time.Second
)

// Tool is the discovered, un-prefixed shape of a single backend tool as
// reported by tools/list. Name, description, and schema are preserved
// byte-for-byte from the backend; the catalog layer is what prefixes names.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Connection owns one backend's transport, lifecycle state, circuit breaker,
// and discovered tool set. Exactly one Connection exists per configured
// backend for the process lifetime; restart policy recreates its transport
// in place rather than replacing the Connection itself, so callers (the
// pool, the catalog) can hold a stable reference.
type Connection struct {
	id   string
	desc config.BackendDescriptor

	mu      sync.RWMutex
	state   State
	tr      transport.Transport
	tools   []Tool
	lastErr error

	breaker *CircuitBreaker

	onDegrade atomic.Pointer[func(id string, err error)]
	onReady   atomic.Pointer[func(id string, tools []Tool)]
}

// NewConnection constructs a Connection in StateStarting. Callers must call
// Start to actually dial the backend.
func NewConnection(desc config.BackendDescriptor) *Connection {
	return &Connection{
		id:      desc.ID,
		desc:    desc,
		state:   StateStarting,
		breaker: NewCircuitBreaker(DefaultCircuitThreshold, DefaultCircuitResetTimeout),
	}
}

// ID returns the backend id this connection serves.
func (c *Connection) ID() string { return c.id }

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Tools returns a snapshot of the last successfully discovered tool set.
func (c *Connection) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// OnDegrade registers a callback invoked whenever the connection transitions
// into StateDegraded or StateFailed; the pool uses this to drive its
// restart-with-backoff policy.
func (c *Connection) OnDegrade(fn func(id string, err error)) {
	c.onDegrade.Store(&fn)
}

// OnReady registers a callback invoked every time fresh tool discovery
// completes successfully — both the initial Start and any later
// Rediscover (including the one a pool restart runs after reconnecting).
// The pool uses this to push refreshed tool lists back into the catalog,
// since the catalog depends on the pool's output but the pool itself
// never imports pkg/catalog (spec.md §9: dependency order runs one way).
func (c *Connection) OnReady(fn func(id string, tools []Tool)) {
	c.onReady.Store(&fn)
}

func (c *Connection) notifyReady() {
	if fn := c.onReady.Load(); fn != nil {
		(*fn)(c.id, c.Tools())
	}
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start dials the backend's transport and runs the initialize /
// notifications/initialized / tools/list discovery sequence. On success the
// connection enters StateReady; on failure it enters StateFailed and the
// error is returned for the caller's (the pool's) restart policy to act on.
func (c *Connection) Start(ctx context.Context) error {
	c.setState(StateStarting)

	tr, err := c.dial(ctx)
	if err != nil {
		c.fail(err)
		return err
	}

	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()
	c.setState(StateInitializing)

	if err := c.discover(ctx); err != nil {
		c.fail(err)
		return err
	}

	c.setState(StateReady)
	c.breaker.RecordSuccess()
	c.notifyReady()
	return nil
}

func (c *Connection) dial(ctx context.Context) (transport.Transport, error) {
	onNotif := func(*jsonrpc.Request) {
		// Server-initiated notifications (e.g. tools/list_changed) are
		// logged for now; re-discovery on that signal is a pool-level
		// concern, not this connection's.
		logger.Debugw("backend notification received", "backend_id", c.id)
	}
	onFatal := func(err error) {
		logger.Warnw("backend connection degraded", "backend_id", c.id, "error", err)
		c.degrade(err)
	}

	switch c.desc.Transport {
	case config.TransportStdio:
		env := make([]string, 0, len(c.desc.Env))
		for k, v := range c.desc.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, config.ExpandWorkingDir(v, c.desc.WorkDir)))
		}
		args := make([]string, len(c.desc.Args))
		for i, a := range c.desc.Args {
			args[i] = config.ExpandWorkingDir(a, c.desc.WorkDir)
		}
		return transport.NewStdio(ctx, c.desc.Command, args, env, c.desc.WorkDir, onNotif, onFatal)
	case config.TransportHTTP:
		return transport.NewHTTP(c.desc.URL, c.desc.AuthToken), nil
	case config.TransportSSE:
		eventURL, postURL := c.desc.URL, c.desc.URL
		return transport.NewSSE(ctx, eventURL, postURL, c.desc.AuthToken, onNotif, onFatal)
	default:
		return nil, jsonrpc.NewLocalError(jsonrpc.KindConfigError, "unknown transport kind: "+string(c.desc.Transport))
	}
}

func (c *Connection) discover(ctx context.Context) error {
	initParams, _ := json.Marshal(map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "toolman", "version": "1"},
	})
	if _, err := c.tr.SendRequest(ctx, &jsonrpc.Request{Method: "initialize", Params: initParams}); err != nil {
		return jsonrpc.Wrap(jsonrpc.KindBackendUnavailable, "initialize handshake", err)
	}
	if err := c.tr.SendNotification(ctx, &jsonrpc.Request{Method: "notifications/initialized"}); err != nil {
		return jsonrpc.Wrap(jsonrpc.KindBackendUnavailable, "initialized notification", err)
	}

	resp, err := c.tr.SendRequest(ctx, &jsonrpc.Request{Method: "tools/list"})
	if err != nil {
		return jsonrpc.Wrap(jsonrpc.KindBackendUnavailable, "tools/list discovery", err)
	}
	if resp.Error != nil {
		return jsonrpc.NewLocalError(jsonrpc.KindBackendUnavailable, "tools/list returned error: "+resp.Error.Message)
	}

	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return jsonrpc.Wrap(jsonrpc.KindProtocolViolation, "malformed tools/list result", err)
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()
	return nil
}

// Rediscover re-runs tools/list against an already-ready connection, e.g. in
// response to a tools/list_changed notification. It does not re-run
// initialize.
func (c *Connection) Rediscover(ctx context.Context) error {
	if c.State() != StateReady {
		return jsonrpc.NewLocalError(jsonrpc.KindBackendUnavailable, "connection not ready for rediscovery")
	}
	c.mu.RLock()
	tr := c.tr
	c.mu.RUnlock()

	resp, err := tr.SendRequest(ctx, &jsonrpc.Request{Method: "tools/list"})
	if err != nil {
		c.degrade(err)
		return err
	}
	if resp.Error != nil {
		return jsonrpc.NewLocalError(jsonrpc.KindBackendUnavailable, resp.Error.Message)
	}
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return jsonrpc.Wrap(jsonrpc.KindProtocolViolation, "malformed tools/list result", err)
	}
	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()
	c.notifyReady()
	return nil
}

// Call issues one tools/call against the backend and returns the raw
// response. A single request timing out does not degrade the connection —
// only transport-level write/read/protocol failures do, per spec.md §4.2.
func (c *Connection) Call(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (*jsonrpc.Response, error) {
	if c.State() != StateReady && c.State() != StateDegraded {
		return nil, jsonrpc.NewLocalError(jsonrpc.KindBackendUnavailable, "backend connection is "+string(c.State()))
	}
	if !c.breaker.CanAttempt() {
		return nil, jsonrpc.NewLocalError(jsonrpc.KindBackendUnavailable, "backend circuit breaker open")
	}

	c.mu.RLock()
	tr := c.tr
	c.mu.RUnlock()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := tr.SendRequest(callCtx, &jsonrpc.Request{Method: method, Params: params})
	if err != nil {
		var local *jsonrpc.LocalError
		if jsonrpc.AsLocalError(err, &local) && local.Kind == jsonrpc.KindTimedOut {
			// Timeout alone does not indicate the backend is unhealthy.
			return nil, err
		}
		c.breaker.RecordFailure()
		c.degrade(err)
		return nil, err
	}

	c.breaker.RecordSuccess()
	return resp, nil
}

func (c *Connection) degrade(err error) {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateDegraded
	c.lastErr = err
	c.mu.Unlock()

	if fn := c.onDegrade.Load(); fn != nil {
		(*fn)(c.id, err)
	}
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	c.state = StateFailed
	c.lastErr = err
	c.mu.Unlock()

	if fn := c.onDegrade.Load(); fn != nil {
		(*fn)(c.id, err)
	}
}

// LastError returns the error that most recently caused a degrade/fail
// transition, or nil if none has occurred.
func (c *Connection) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Stop tears down the underlying transport and transitions to StateStopped.
// A stopped connection never transitions again.
func (c *Connection) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateStopped
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return nil
	}
	return tr.Close(ctx)
}
