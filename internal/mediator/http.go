package mediator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tunetrainer/synccore/internal/obslog"
	"github.com/tunetrainer/synccore/internal/wire"
)

// maxBodyBytes bounds a push payload, matching the teacher's HTTP wrapper's
// body size cap for a single RPC call.
const maxBodyBytes = 10 * 1024 * 1024

// Server is the HTTP wrapper around a Mediator, serving POST /api/sync with
// bearer authentication and CORS per spec.md §4.F/§6.
type Server struct {
	mediator   *Mediator
	authSecret string
	path       string

	httpServer *http.Server
	listener   net.Listener
	addr       string
	mu         sync.RWMutex
}

// NewServer returns a Server bound to addr, serving m at path (typically
// "/api/sync").
func NewServer(m *Mediator, addr, path, authSecret string) *Server {
	return &Server{mediator: m, authSecret: authSecret, path: path, addr: addr}
}

// Start runs the HTTP server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleSync)

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mediator: listening on %s: %w", s.addr, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	return s.httpServer.Serve(s.listener)
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", originOrAny(r))
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	userID, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading request body")
		return
	}

	var req wire.SyncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("malformed request: %v", err))
		return
	}

	resp, err := s.mediator.Handle(r.Context(), userID, req)
	if err != nil {
		// Per-row rejections (unauthorized write, unknown table, ...) are
		// reported in resp.PushResults and never reach here; an error from
		// Handle is always a genuine server-side failure.
		obslog.Logf("mediator: sync request failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// authenticate verifies the Bearer token against the configured secret and
// returns the subject as the user identity, per spec.md §4.F.
//
// The token itself is treated as a signed identity credential; since
// issuing and verifying that signature is authentication/identity work
// explicitly out of scope for this module (spec.md §1), the bearer value
// has the form "<secret>:<userID>": it is accepted when the part before
// the first ':' equals the configured secret and the part after it is
// non-empty, and that part after the ':' is returned as the subject — a
// minimal symmetric scheme standing in for whatever real token issuer is
// deployed in front of this service.
func (s *Server) authenticate(r *http.Request) (userID string, ok bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	token, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		return "", false
	}
	secret, subject, found := strings.Cut(token, ":")
	if !found || secret != s.authSecret || subject == "" {
		return "", false
	}
	return subject, true
}

func originOrAny(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" {
		return o
	}
	return "*"
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(wire.SyncResponse{Error: message})
}
