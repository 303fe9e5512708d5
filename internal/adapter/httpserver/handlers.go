package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/sessionadmit/internal/domain"
	"github.com/fairyhunter13/sessionadmit/internal/service/coordinator"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// Server aggregates the coordinator and readiness probes behind the thin
// /v1/admit surface (SPEC_FULL §1: HTTP transport is plumbing only).
type Server struct {
	Coordinator *coordinator.Coordinator
	KVPing      func(ctx domain.Context) error

	mu      sync.Mutex
	handles map[string]*coordinator.Handle
}

// NewServer constructs a Server wired to a Coordinator.
func NewServer(c *coordinator.Coordinator, kvPing func(domain.Context) error) *Server {
	return &Server{Coordinator: c, KVPing: kvPing, handles: make(map[string]*coordinator.Handle)}
}

type admitRequestBody struct {
	APIKeyID          string                       `json:"apiKeyId" validate:"required"`
	APIKeyConcurrency domain.ResourceLimiterConfig `json:"apiKeyConcurrency"`
	AccountCandidates []string                     `json:"accountCandidates" validate:"required,min=1"`
	SessionHash       string                       `json:"sessionHash" validate:"required"`
	Body              admitRequestBodyPayload      `json:"body"`
}

type admitRequestBodyPayload struct {
	Messages []domain.Message       `json:"messages"`
	Metadata domain.RequestMetadata `json:"metadata"`
}

type admitResponse struct {
	Granted      bool                    `json:"granted"`
	AccountID    string                  `json:"accountId"`
	SessionID    string                  `json:"sessionId"`
	IsNewSession bool                    `json:"isNewSession"`
	Transition   domain.DigestTransition `json:"digestTransition,omitempty"`
	ReleaseToken string                  `json:"releaseToken"`
}

// AdmitHandler handles POST /v1/admit: builds a coordinator.Request from the
// body and returns either a granted decision with a release token, or a
// mapped rejection via writeError. The admission decision outlives the HTTP
// request/response cycle, so acquired resources are tracked in-process by
// token until the caller calls ReleaseHandler.
func (s *Server) AdmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req admitRequestBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, domain.NewCoreError(domain.CodeInvalidConfig, domain.ErrInvalidConfig, map[string]any{"reason": "invalid json"}), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, domain.NewCoreError(domain.CodeInvalidConfig, domain.ErrInvalidConfig, nil), err.Error())
			return
		}

		h, err := s.Coordinator.Admit(r.Context(), coordinator.Request{
			APIKeyID:          req.APIKeyID,
			APIKeyConcurrency: req.APIKeyConcurrency,
			AccountCandidates: req.AccountCandidates,
			SessionHash:       req.SessionHash,
			Body: domain.RequestBody{
				Messages: req.Body.Messages,
				Metadata: req.Body.Metadata,
			},
		})
		if err != nil {
			// A digest rejection still returns the handle holding the
			// acquired slots; release it since no token is issued for it.
			if h != nil {
				_ = h.Release()
			}
			writeError(w, r, err, nil)
			return
		}

		token := s.storeHandle(h)
		writeJSON(w, http.StatusOK, admitResponse{
			Granted:      true,
			AccountID:    h.AccountID,
			SessionID:    h.SessionContext.SessionID,
			IsNewSession: h.SessionContext.IsNewSession,
			Transition:   h.DigestResult.Transition,
			ReleaseToken: token,
		})
	}
}

func (s *Server) storeHandle(h *coordinator.Handle) string {
	token := newReqID()
	s.mu.Lock()
	s.handles[token] = h
	s.mu.Unlock()
	return token
}

// ReleaseHandler handles DELETE /v1/admit/{token}: releases every resource
// the matching admission decision acquired, in LIFO order.
func (s *Server) ReleaseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")
		s.mu.Lock()
		h, ok := s.handles[token]
		if ok {
			delete(s.handles, token)
		}
		s.mu.Unlock()
		if !ok {
			writeError(w, r, domain.NewCoreError(domain.CodeInvalidConfig, domain.ErrInvalidConfig, map[string]any{"reason": "unknown release token"}), nil)
			return
		}
		if err := h.Release(); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HealthzHandler is a liveness probe: the process is up and serving.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes the shared KV backend (component A); readiness
// depends on it since every component routes through it.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if s.KVPing == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		if err := s.KVPing(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
