// Package hookserver receives session lifecycle events posted by agent
// hooks, locally and from remote machines, and folds them into the session
// map that drives transcript monitoring.
package hookserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sjoeboo/chatmux/internal/logging"
	"github.com/sjoeboo/chatmux/internal/session"
)

const maxHookBody = 1 << 16 // 64KB

// HookServer is an embedded HTTP server for agent hook events. It binds all
// interfaces because remote machines post their hooks back to it.
type HookServer struct {
	port     int
	registry *session.Registry
	mapFile  string
	localNS  string
	log      *slog.Logger
	server   *http.Server
	mapMu    sync.Mutex
}

// New creates a HookServer that records events into the session map at
// mapFile and mirrors window states into registry. localNamespace prefixes
// session-map keys for events that carry no machine id. port=0 is valid for
// tests (use ServeHTTP directly).
func New(port int, registry *session.Registry, mapFile, localNamespace string) *HookServer {
	s := &HookServer{
		port:     port,
		registry: registry,
		mapFile:  mapFile,
		localNS:  localNamespace,
		log:      logging.ForComponent(logging.CompHook),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/hook", s.handleHook)
	mux.HandleFunc("/health", s.handleHealth)
	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// ServeHTTP implements http.Handler for testing, delegating to the mux.
func (s *HookServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// Start binds 0.0.0.0:{port} and serves until ctx is cancelled. Returns nil
// on clean shutdown.
func (s *HookServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("hookserver listen :%d: %w", s.port, err)
	}
	s.log.Info("hookserver_started", slog.Int("port", s.port))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// hookPayload is the JSON body posted by the agent's session hooks.
type hookPayload struct {
	SessionID     string `json:"session_id"`
	Cwd           string `json:"cwd"`
	HookEventName string `json:"hook_event_name"`
	MachineID     string `json:"machine_id,omitempty"`
	WindowID      string `json:"window_id"`
	WindowName    string `json:"window_name,omitempty"`
}

func (s *HookServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HookServer) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	var payload hookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON"})
		return
	}
	if payload.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing session_id"})
		return
	}
	if _, err := uuid.Parse(payload.SessionID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session_id"})
		return
	}
	if payload.WindowID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing window_id"})
		return
	}

	s.log.Info("hook_event",
		slog.String("event", payload.HookEventName),
		slog.String("session", payload.SessionID),
		slog.String("window", payload.WindowID),
		slog.String("machine", payload.MachineID))

	if err := s.recordSession(payload); err != nil {
		s.log.Error("hook_record_failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sessionMapEntry mirrors the session-map row shape the monitor reads.
type sessionMapEntry struct {
	SessionID string `json:"session_id"`
	Cwd       string `json:"cwd"`
	Machine   string `json:"machine,omitempty"`
}

// recordSession updates the session map under a read-modify-write and
// mirrors the window state into the registry. Local events are keyed under
// the local namespace; remote events under their machine id, with the id
// duplicated into the row so key parsing is not load-bearing.
func (s *HookServer) recordSession(p hookPayload) error {
	ns := p.MachineID
	entry := sessionMapEntry{SessionID: p.SessionID, Cwd: p.Cwd, Machine: p.MachineID}
	if ns == "" {
		ns = s.localNS
		entry.Machine = ""
	}
	key := ns + ":" + p.WindowID

	s.mapMu.Lock()
	defer s.mapMu.Unlock()

	current := make(map[string]sessionMapEntry)
	if data, err := os.ReadFile(s.mapFile); err == nil {
		if err := json.Unmarshal(data, &current); err != nil {
			s.log.Warn("session_map_malformed_replacing", slog.String("error", err.Error()))
			current = make(map[string]sessionMapEntry)
		}
	}
	current[key] = entry

	payload, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session map: %w", err)
	}
	if err := session.AtomicWrite(s.mapFile, payload, s.log); err != nil {
		return fmt.Errorf("write session map: %w", err)
	}

	if s.registry != nil {
		if err := s.registry.SetWindowSession(p.WindowID, p.SessionID, p.Cwd); err != nil {
			return fmt.Errorf("update window state: %w", err)
		}
		if p.WindowName != "" {
			if err := s.registry.SetDisplayName(p.WindowID, p.WindowName); err != nil {
				return fmt.Errorf("update display name: %w", err)
			}
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
