package dispatcher

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/5dlabs/toolman/pkg/config"
	"github.com/5dlabs/toolman/pkg/jsonrpc"
	"github.com/5dlabs/toolman/pkg/logger"
	"github.com/5dlabs/toolman/pkg/pool"
	"github.com/5dlabs/toolman/pkg/session"
)

// HTTP headers honored on /mcp (spec.md §6).
const (
	HeaderSessionID  = "Mcp-Session-Id"
	HeaderWorkingDir = "X-Toolman-Working-Directory"
	HeaderToolFilter = "X-Toolman-Tool-Filter"
)

// Server mounts the aggregator's HTTP surface: /mcp, /health, /ready,
// /session/init, /session/{id} (spec.md §6).
type Server struct {
	dispatcher *Dispatcher
	pool       *pool.Pool
	sessions   *session.Registry
	router     chi.Router
}

// NewServer builds a Server wired to d, p (for /ready), and sessions (for
// /session/*).
func NewServer(d *Dispatcher, p *pool.Pool, sessions *session.Registry) *Server {
	s := &Server{dispatcher: d, pool: p, sessions: sessions}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Post("/mcp", s.handleMCP)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Post("/session/init", s.handleSessionInit)
	r.Delete("/session/{id}", s.handleSessionDelete)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debugw("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status := s.pool.Ready()
	w.Header().Set("Content-Type", "application/json")
	if !status.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	var req jsonrpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, jsonrpc.NewErrorResponse(nil, jsonrpc.NewError(jsonrpc.CodeParseError, "malformed JSON-RPC request")))
		return
	}

	rc := RequestContext{
		WorkingDir:   r.Header.Get(HeaderWorkingDir),
		FilterHeader: r.Header.Get(HeaderToolFilter),
	}
	if sid := r.Header.Get(HeaderSessionID); sid != "" {
		sess, ok := s.sessions.Lookup(sid)
		if !ok {
			writeResponse(w, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ToWireError(
				jsonrpc.NewLocalError(jsonrpc.KindSessionUnknown, "no such session: "+sid))))
			return
		}
		rc.Session = sess
		// A session's own working directory always wins over a raw
		// header, since the session is the authoritative, immutable
		// record of it (spec.md §3).
		rc.WorkingDir = sess.WorkingDir
	}

	resp := s.dispatcher.Handle(r.Context(), &req, rc)
	if resp == nil {
		// Notification: no response body, per JSON-RPC 2.0.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp *jsonrpc.Response) {
	resp.JSONRPC = jsonrpc.Version
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type sessionInitRequest struct {
	ClientInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
	WorkingDirectory string           `json:"workingDirectory"`
	LocalServers     []localServerDoc `json:"localServers,omitempty"`
	RequestedTools   []string         `json:"requestedTools,omitempty"`
}

type localServerDoc struct {
	ID    string   `json:"id"`
	Tools []string `json:"tools,omitempty"`
}

func (s *Server) handleSessionInit(w http.ResponseWriter, r *http.Request) {
	var body sessionInitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed session-init document", http.StatusBadRequest)
		return
	}
	if body.WorkingDirectory == "" {
		http.Error(w, "workingDirectory is required", http.StatusBadRequest)
		return
	}

	local := make([]config.BackendDescriptor, 0, len(body.LocalServers))
	for _, ls := range body.LocalServers {
		local = append(local, config.BackendDescriptor{ID: ls.ID, Local: true, LocalTools: ls.Tools})
	}

	_, cfg, err := s.sessions.Create(session.CreateRequest{
		ClientName:     body.ClientInfo.Name,
		ClientVersion:  body.ClientInfo.Version,
		WorkingDir:     body.WorkingDirectory,
		LocalServers:   local,
		RequestedTools: body.RequestedTools,
	})
	if err != nil {
		writeResponse(w, jsonrpc.NewErrorResponse(nil, jsonrpc.ToWireError(err)))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cfg)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.sessions.Destroy(id)
	w.WriteHeader(http.StatusNoContent)
}
