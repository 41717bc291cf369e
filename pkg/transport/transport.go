// Package transport implements the three wire-level ways toolman talks to a
// backend MCP server: a child process over stdio, plain HTTP POST, and
// Server-Sent Events. All three satisfy the same Transport contract so the
// layers above (pkg/backend, pkg/pool) never need to know which one they
// are driving.
package transport

import (
	"context"

	"github.com/5dlabs/toolman/pkg/jsonrpc"
)

// NotificationHandler receives server-originated frames that are not
// responses to an outstanding request: MCP notifications pushed by the
// backend outside of a request/response cycle.
type NotificationHandler func(*jsonrpc.Request)

// Transport is the uniform contract every backend wire protocol implements.
// Implementations must preserve server-to-client ordering for notification
// delivery but need not preserve response ordering beyond correlation by id
// (spec.md §4.1).
type Transport interface {
	// SendRequest writes one JSON-RPC request and blocks until the
	// matching response arrives, ctx is done, or the transport closes.
	SendRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error)

	// SendNotification writes one fire-and-forget JSON-RPC notification;
	// no waiter is installed and no response is awaited.
	SendNotification(ctx context.Context, req *jsonrpc.Request) error

	// IsLive is a cheap, non-blocking health probe.
	IsLive() bool

	// Close flushes in-flight writes, releases OS resources, and wakes any
	// outstanding waiters with a terminal error.
	Close(ctx context.Context) error
}
