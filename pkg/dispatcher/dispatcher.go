// Package dispatcher implements the aggregator's JSON-RPC entry point:
// initialize, tools/list, and tools/call (spec.md §4.7), plus the HTTP
// surface (§6) that fronts it. It is the one place request-scoped context
// (session, working directory, filter header) is threaded through to the
// lower layers, which never see it directly (spec.md §9).
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/5dlabs/toolman/pkg/backend"
	"github.com/5dlabs/toolman/pkg/builtin"
	"github.com/5dlabs/toolman/pkg/catalog"
	"github.com/5dlabs/toolman/pkg/config"
	"github.com/5dlabs/toolman/pkg/filter"
	"github.com/5dlabs/toolman/pkg/jsonrpc"
	"github.com/5dlabs/toolman/pkg/logger"
	"github.com/5dlabs/toolman/pkg/pool"
	"github.com/5dlabs/toolman/pkg/session"
)

// DefaultCallTimeout is the default per tools/call deadline (spec.md §5).
const DefaultCallTimeout = 30 * time.Second

// RequestContext carries the per-request caller state the dispatcher needs
// but the Pool and Connection never do: which session (if any) this
// request belongs to, its working directory, and the parsed filter header.
// Constructed once per HTTP request by the transport-facing server layer.
type RequestContext struct {
	Session      *session.Session
	WorkingDir   string
	FilterHeader string
}

// Dispatcher is the core JSON-RPC handler, independent of the HTTP
// framing around it so it can be unit tested without spinning up a server.
type Dispatcher struct {
	Catalog     *catalog.Catalog
	Pool        *pool.Pool
	Sessions    *session.Registry
	Builtins    *builtin.Registry
	Descriptors map[string]config.BackendDescriptor
	CallTimeout time.Duration
}

// New builds a Dispatcher. callTimeout of zero selects DefaultCallTimeout.
func New(cat *catalog.Catalog, p *pool.Pool, sessions *session.Registry, builtins *builtin.Registry, descriptors map[string]config.BackendDescriptor, callTimeout time.Duration) *Dispatcher {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Dispatcher{
		Catalog:     cat,
		Pool:        p,
		Sessions:    sessions,
		Builtins:    builtins,
		Descriptors: descriptors,
		CallTimeout: callTimeout,
	}
}

// Handle dispatches one parsed JSON-RPC request and returns the response
// frame to serialize. req.ID is threaded through verbatim; notifications
// (nil ID) never produce a response body at the HTTP layer, but Handle
// still computes one for callers that want to log it.
func (d *Dispatcher) Handle(ctx context.Context, req *jsonrpc.Request, rc RequestContext) *jsonrpc.Response {
	switch req.Method {
	case "initialize":
		return d.handleInitialize(req)
	case "notifications/initialized":
		return nil
	case "tools/list":
		return d.handleToolsList(req, rc)
	case "tools/call":
		return d.handleToolsCall(ctx, req, rc)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "method not found: "+req.Method))
	}
}

func (d *Dispatcher) handleInitialize(req *jsonrpc.Request) *jsonrpc.Response {
	result := map[string]any{
		"protocolVersion": session.ProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "toolman",
			"version": "1",
		},
	}
	return jsonrpc.NewResponse(req.ID, jsonrpc.MustMarshal(result))
}

// visiblePatterns resolves the header and session-declared filters for one
// request, in the precedence order spec.md §4.6 requires. An unparseable
// header returns an error and never half-applies.
func (d *Dispatcher) visiblePatterns(rc RequestContext) (header, sess *filter.Patterns, err error) {
	header, err = filter.ParseHeader(rc.FilterHeader)
	if err != nil {
		return nil, nil, err
	}
	if rc.Session != nil {
		sess, err = filter.FromList(rc.Session.RequestedTools)
		if err != nil {
			return nil, nil, err
		}
	}
	return header, sess, nil
}

func (d *Dispatcher) handleToolsList(req *jsonrpc.Request, rc RequestContext) *jsonrpc.Response {
	header, sess, err := d.visiblePatterns(rc)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ToWireError(err))
	}

	visible := filter.Resolve(d.Catalog, header, sess)
	tools := make([]toolJSON, 0, len(visible)+len(builtin.Descriptors()))
	for _, t := range visible {
		tools = append(tools, toolJSON{Name: t.PrefixedName, Description: t.Description, InputSchema: t.InputSchema})
	}
	for _, t := range builtin.Descriptors() {
		tools = append(tools, toolJSON{Name: t.PrefixedName, Description: t.Description, InputSchema: t.InputSchema})
	}

	result := map[string]any{"tools": tools, "partial": d.anyBackendDegraded(visible)}
	return jsonrpc.NewResponse(req.ID, jsonrpc.MustMarshal(result))
}

// anyBackendDegraded reports whether any backend contributing to visible
// is currently degraded, per the "tools/list backend-scoped partial-result
// marking" supplement in SPEC_FULL.md: tools/list still returns the prior
// last-known-good list for a degraded backend, but flags the response so
// callers can tell the data may be stale.
func (d *Dispatcher) anyBackendDegraded(visible []catalog.Tool) bool {
	seen := make(map[string]bool)
	for _, t := range visible {
		if seen[t.BackendID] {
			continue
		}
		seen[t.BackendID] = true
		if conn := d.Pool.Get(t.BackendID); conn != nil && conn.State() == backend.StateDegraded {
			return true
		}
	}
	return false
}

type toolJSON struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req *jsonrpc.Request, rc RequestContext) *jsonrpc.Response {
	var params callParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "tools/call requires a non-empty name"))
	}

	header, sess, err := d.visiblePatterns(rc)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ToWireError(err))
	}

	if !d.isVisible(params.Name, header, sess) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeToolNotFound, "tool not found: "+params.Name))
	}

	if builtin.IsBuiltin(params.Name) {
		return d.callBuiltin(req, params)
	}

	return d.callBackend(ctx, req, params, rc)
}

// isVisible reports whether prefixedName is currently reachable by this
// request: built-in tools are always visible (they are the aggregator's
// own stable surface, not subject to per-backend filtering), everything
// else must both exist in the catalog and pass the same filter precedence
// tools/list used to advertise it.
func (d *Dispatcher) isVisible(prefixedName string, header, sess *filter.Patterns) bool {
	if builtin.IsBuiltin(prefixedName) {
		return true
	}
	t, ok := d.Catalog.Lookup(prefixedName)
	if !ok || !t.Enabled {
		return false
	}
	if header != nil {
		return header.Matches(prefixedName)
	}
	return sess != nil && sess.Matches(prefixedName)
}

func (d *Dispatcher) callBuiltin(req *jsonrpc.Request, params callParams) *jsonrpc.Response {
	_, originalName, _ := splitBuiltinName(params.Name)
	text, err := d.Builtins.Invoke(originalName, params.Arguments)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ToWireError(err))
	}
	result := map[string]any{"content": []map[string]any{{"type": "text", "text": text}}}
	return jsonrpc.NewResponse(req.ID, jsonrpc.MustMarshal(result))
}

// splitBuiltinName recovers the original (un-prefixed) tool name from a
// builtin_-prefixed catalog name by looking it up against the fixed
// descriptor list, since built-in names are not sanitized/collision
// resolved the way discovered backend tools are.
func splitBuiltinName(prefixedName string) (backendID, originalName string, ok bool) {
	for _, d := range builtin.Descriptors() {
		if d.PrefixedName == prefixedName {
			return d.BackendID, d.OriginalName, true
		}
	}
	return "", "", false
}

func (d *Dispatcher) callBackend(ctx context.Context, req *jsonrpc.Request, params callParams, rc RequestContext) *jsonrpc.Response {
	t, ok := d.Catalog.Lookup(params.Name)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeToolNotFound, "tool not found: "+params.Name))
	}

	args := d.injectWorkingDir(t.BackendID, t.OriginalName, params.Arguments, rc.WorkingDir)

	forwardParams := jsonrpc.MustMarshal(map[string]any{
		"name":      t.OriginalName,
		"arguments": json.RawMessage(args),
	})

	resp, err := d.Pool.Call(ctx, t.BackendID, "tools/call", forwardParams, d.CallTimeout)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ToWireError(err))
	}
	if resp.Error != nil {
		// Backend JSON-RPC error frames pass through byte-for-byte
		// (spec.md §7): never re-wrapped or reinterpreted.
		return jsonrpc.NewErrorResponse(req.ID, resp.Error)
	}
	return jsonrpc.NewResponse(req.ID, resp.Result)
}

// injectWorkingDir applies the backend's configured context-injection
// rules (spec.md §4.7) to a tool call's arguments, substituting or adding
// the caller's working directory under each configured argument name.
// Arguments that fail to parse as a JSON object are left untouched: schema
// shape is not this layer's concern.
func (d *Dispatcher) injectWorkingDir(backendID, originalName string, rawArgs json.RawMessage, workingDir string) json.RawMessage {
	if workingDir == "" {
		if rawArgs == nil {
			return json.RawMessage("{}")
		}
		return rawArgs
	}
	desc, ok := d.Descriptors[backendID]
	if !ok || len(desc.ContextInjection) == 0 {
		if rawArgs == nil {
			return json.RawMessage("{}")
		}
		return rawArgs
	}

	var obj map[string]any
	if len(rawArgs) == 0 {
		obj = map[string]any{}
	} else if err := json.Unmarshal(rawArgs, &obj); err != nil {
		logger.Warnw("tools/call arguments are not a JSON object; skipping context injection", "backend_id", backendID, "tool", originalName)
		return rawArgs
	}

	for _, rule := range desc.ContextInjection {
		if len(rule.Tools) > 0 && !containsString(rule.Tools, originalName) {
			continue
		}
		obj[rule.ArgumentName] = workingDir
	}

	return jsonrpc.MustMarshal(obj)
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
