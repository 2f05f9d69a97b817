package progress

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spherical/batch-extractor/internal/credential"
	"github.com/spherical/batch-extractor/internal/domain"
	"github.com/spherical/batch-extractor/internal/observability"
)

// StatusServer serves the latest snapshot over HTTP while a run is active.
type StatusServer struct {
	logger      *observability.Logger
	runID       string
	credentials func() []credential.State

	mu     sync.RWMutex
	latest domain.ProgressSnapshot

	srv *http.Server
	ln  net.Listener
}

// StatusResponseDTO is the body of GET /status.
type StatusResponseDTO struct {
	RunID       string                  `json:"runId"`
	Progress    domain.ProgressSnapshot `json:"progress"`
	Credentials []CredentialDTO         `json:"credentials,omitempty"`
}

// CredentialDTO is the public view of one credential. Secrets never leave
// the process; the label is masked.
type CredentialDTO struct {
	Label      string `json:"label"`
	Status     string `json:"status"`
	Until      string `json:"until,omitempty"`
	WindowUsed int    `json:"windowUsed"`
	DayUsed    int    `json:"dayUsed"`
	InFlight   int    `json:"inFlight"`
}

// NewStatusServer creates a server. credentials may be nil.
func NewStatusServer(logger *observability.Logger, runID string, credentials func() []credential.State) *StatusServer {
	if logger == nil {
		logger = observability.Nop()
	}
	return &StatusServer{
		logger:      logger.WithOperation("status-server"),
		runID:       runID,
		credentials: credentials,
	}
}

// Routes returns the HTTP handler.
func (s *StatusServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/status", s.handleStatus)

	return r
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	resp := StatusResponseDTO{RunID: s.runID, Progress: s.latest}
	s.mu.RUnlock()

	if s.credentials != nil {
		for _, st := range s.credentials() {
			dto := CredentialDTO{
				Label:      st.Label,
				Status:     st.Status.String(),
				WindowUsed: st.WindowUsed,
				DayUsed:    st.DayUsed,
				InFlight:   st.InFlight,
			}
			if !st.Until.IsZero() {
				dto.Until = st.Until.UTC().Format(time.RFC3339)
			}
			resp.Credentials = append(resp.Credentials, dto)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode status")
	}
}

// Publish stores snap as the latest view.
func (s *StatusServer) Publish(_ context.Context, snap domain.ProgressSnapshot) error {
	s.mu.Lock()
	s.latest = snap
	s.mu.Unlock()
	return nil
}

// Start listens on addr and serves in the background.
func (s *StatusServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return domain.IOError("listen on "+addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("Status server listening")
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Status server stopped")
		}
	}()
	return nil
}

// Addr returns the bound address, useful when started on port 0.
func (s *StatusServer) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
