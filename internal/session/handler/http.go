// Package handler exposes the session ledger over HTTP.
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"identity-plane/backend/internal/account/domain"
	"identity-plane/backend/internal/server/httpx"
	"identity-plane/backend/internal/server/middleware"
	sessdomain "identity-plane/backend/internal/session/domain"
	"identity-plane/backend/internal/session/service"
)

type Handler struct {
	ledger *service.Ledger
	log    *slog.Logger
}

func New(ledger *service.Ledger, log *slog.Logger) *Handler {
	return &Handler{ledger: ledger, log: log}
}

// RegisterRoutes mounts the session endpoints. All routes require a bearer
// token; the auth middleware is installed by the router builder.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/accounts/{accountID}/sessions", h.listByAccount)
	r.Delete("/sessions/{sessionID}", h.terminate)
}

type sessionResponse struct {
	ID                string     `json:"id"`
	AccountID         string     `json:"accountId"`
	Active            bool       `json:"active"`
	UserAgent         string     `json:"userAgent,omitempty"`
	IPAddress         string     `json:"ipAddress,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	TerminationReason string     `json:"terminationReason,omitempty"`
	TerminatedAt      *time.Time `json:"terminatedAt,omitempty"`
}

func toResponse(s *sessdomain.Session) sessionResponse {
	return sessionResponse{
		ID:                s.ID,
		AccountID:         s.AccountID,
		Active:            s.Active,
		UserAgent:         s.UserAgent,
		IPAddress:         s.IPAddress,
		CreatedAt:         s.CreatedAt,
		ExpiresAt:         s.ExpiresAt,
		TerminationReason: string(s.TerminationReason),
		TerminatedAt:      s.TerminatedAt,
	}
}

// listByAccount returns the account's sessions. Accounts may list their own;
// admins may list anyone's.
func (h *Handler) listByAccount(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
		return
	}
	accountID := chi.URLParam(r, "accountID")
	if identity.AccountID != accountID && !isAdmin(identity.Role) {
		httpx.Error(w, http.StatusForbidden, "FORBIDDEN", "cannot list another account's sessions")
		return
	}

	sessions, err := h.ledger.ListByAccount(r.Context(), accountID)
	if err != nil {
		h.log.Error("list sessions failed", "accountId", accountID, "error", err)
		httpx.Error(w, http.StatusInternalServerError, "INTERNAL", "could not list sessions")
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toResponse(s))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// terminate ends one session out of band. Admin only.
func (h *Handler) terminate(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
		return
	}
	if !isAdmin(identity.Role) {
		httpx.Error(w, http.StatusForbidden, "FORBIDDEN", "admin role required")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if err := h.ledger.Terminate(r.Context(), sessionID); err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			httpx.Error(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
			return
		}
		h.log.Error("terminate session failed", "sessionId", sessionID, "error", err)
		httpx.Error(w, http.StatusInternalServerError, "INTERNAL", "could not terminate session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func isAdmin(role string) bool {
	switch domain.Role(role) {
	case domain.RoleAdmin, domain.RoleSuperAdmin:
		return true
	}
	return false
}
