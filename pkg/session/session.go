// Package session implements the optional per-caller session registry
// described in spec.md §4.5: a process-wide table of active sessions, each
// a view over the aggregator's catalog plus the caller's declared local
// servers and working directory. Sessions do not own backend connections —
// the aggregator owns its remote backends regardless of sessions, and local
// backends are owned by the calling bridge process.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/5dlabs/toolman/pkg/catalog"
	"github.com/5dlabs/toolman/pkg/config"
	"github.com/5dlabs/toolman/pkg/jsonrpc"
	"github.com/5dlabs/toolman/pkg/logger"
)

// ProtocolVersion is the MCP protocol version toolman advertises at the
// aggregator's boundary. It is treated as a constant here (spec.md §9);
// whatever version an individual backend declares is passed back verbatim
// in that backend's own tool calls, never translated.
const ProtocolVersion = "2024-11-05"

// Session is a per-caller view over the aggregator, created explicitly via
// /session/init and immutable except for LastAccessed (spec.md §3's
// invariant: working directory is immutable after creation).
type Session struct {
	ID             string
	ClientName     string
	ClientVersion  string
	WorkingDir     string
	LocalServers   []config.BackendDescriptor
	RequestedTools []string
	CreatedAt      time.Time
	LastAccessed   time.Time
}

// CreateRequest is the parsed body of POST /session/init.
type CreateRequest struct {
	ClientName     string
	ClientVersion  string
	WorkingDir     string
	LocalServers   []config.BackendDescriptor
	RequestedTools []string
}

// Config is the synthesized response to session creation (spec.md §4.5):
// it echoes which of the requested tools are actually available.
type Config struct {
	SessionID       string   `json:"sessionId"`
	AvailableTools  []string `json:"availableTools"`
	LocalServers    []string `json:"localServers"`
	ProtocolVersion string   `json:"protocolVersion"`
}

// Registry is the process-wide session table. Zero value is not usable;
// use New.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	catalog  *catalog.Catalog
}

// New builds a Registry backed by cat for computing tool availability at
// creation time. ttl governs the idle sweeper (spec.md §4.5).
func New(cat *catalog.Catalog, ttl time.Duration) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		catalog:  cat,
	}
}

// Create allocates a new session and computes its availableTools by
// intersecting the request's RequestedTools (and glob patterns within it)
// against the live catalog, unioned with every tool name declared by the
// request's own local servers.
func (r *Registry) Create(req CreateRequest) (*Session, Config, error) {
	id := uuid.NewString()
	now := time.Now()

	s := &Session{
		ID:             id,
		ClientName:     req.ClientName,
		ClientVersion:  req.ClientVersion,
		WorkingDir:     req.WorkingDir,
		LocalServers:   req.LocalServers,
		RequestedTools: req.RequestedTools,
		CreatedAt:      now,
		LastAccessed:   now,
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	available, err := r.availableTools(req)
	if err != nil {
		return nil, Config{}, err
	}

	localNames := make([]string, 0, len(req.LocalServers))
	for _, ls := range req.LocalServers {
		localNames = append(localNames, ls.ID)
	}
	sort.Strings(localNames)

	cfg := Config{
		SessionID:       id,
		AvailableTools:  available,
		LocalServers:    localNames,
		ProtocolVersion: ProtocolVersion,
	}
	return s, cfg, nil
}

func (r *Registry) availableTools(req CreateRequest) ([]string, error) {
	matchers := make([]glob.Glob, 0, len(req.RequestedTools))
	for _, pat := range req.RequestedTools {
		g, err := glob.Compile(pat)
		if err != nil {
			return nil, jsonrpc.Wrap(jsonrpc.KindInvalidParams, "invalid requested tool pattern: "+pat, err)
		}
		matchers = append(matchers, g)
	}
	matches := func(name string) bool {
		for _, g := range matchers {
			if g.Match(name) {
				return true
			}
		}
		return false
	}

	seen := make(map[string]bool)
	var out []string
	for _, name := range r.catalog.Names() {
		if matches(name) && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	// Declared local servers contribute their own declared tool names (or,
	// absent any, the server id itself) to the same pool of candidates the
	// requested patterns are matched against — the aggregator has no
	// catalog entry for a local tool (it never dispatches to a local
	// backend), but a caller that actually requested it still sees it in
	// availableTools so the bridge knows to route to it (spec.md §3/§4.5,
	// Scenario E: availableTools is the intersection of RequestedTools
	// with catalog ∪ declared local, not an unconditional union).
	for _, ls := range req.LocalServers {
		names := ls.LocalTools
		if len(names) == 0 {
			names = []string{ls.ID}
		}
		for _, name := range names {
			if matches(name) && !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}

	sort.Strings(out)
	return out, nil
}

// Lookup returns the session for id, if it exists, and marks it accessed.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		r.Touch(id)
	}
	return s, ok
}

// Touch updates last-accessed for id. Best-effort under contention, per
// spec.md §5: a missed update merely shortens effective idle-TTL slightly.
func (r *Registry) Touch(id string) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		s.LastAccessed = time.Now()
	}
}

// Destroy removes the session row. The aggregator does not stop any local
// server child processes — that remains the bridge's responsibility
// (spec.md §4.5).
func (r *Registry) Destroy(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Count returns the number of live sessions, for observability.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SweepIdle blocks, periodically removing sessions whose LastAccessed is
// older than ttl, until ctx is done. It never holds the registry lock
// across a sleep or other I/O (spec.md §4.5).
func (r *Registry) SweepIdle(ctx context.Context, interval time.Duration) {
	log := logger.NewLogr()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(log)
		}
	}
}

func (r *Registry) sweepOnce(log interface{ Info(string, ...any) }) {
	if r.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	var expired []string
	for id, s := range r.sessions {
		if s.LastAccessed.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if len(expired) > 0 {
		log.Info("swept idle sessions", "count", len(expired))
	}
}
