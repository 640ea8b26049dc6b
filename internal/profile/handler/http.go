// Package handler exposes profiles over HTTP.
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"identity-plane/backend/internal/profile/domain"
	"identity-plane/backend/internal/profile/service"
	"identity-plane/backend/internal/server/httpx"
	"identity-plane/backend/internal/server/middleware"
)

type Handler struct {
	mirror *service.Mirror
	log    *slog.Logger
}

func New(mirror *service.Mirror, log *slog.Logger) *Handler {
	return &Handler{mirror: mirror, log: log}
}

// RegisterRoutes mounts the profile endpoints behind bearer authentication.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/profiles/{accountID}", h.get)
	r.Put("/profiles/{accountID}/display-name", h.updateDisplayName)
}

type profileResponse struct {
	AccountID   string    `json:"accountId"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func toResponse(p *domain.Profile) profileResponse {
	return profileResponse{
		AccountID:   p.AccountID,
		Username:    p.Username,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		UpdatedAt:   p.UpdatedAt,
	}
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	p, err := h.mirror.Get(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, service.ErrProfileNotFound) {
			httpx.Error(w, http.StatusNotFound, "PROFILE_NOT_FOUND", "profile not found")
			return
		}
		h.log.Error("get profile failed", "accountId", accountID, "error", err)
		httpx.Error(w, http.StatusInternalServerError, "INTERNAL", "could not load profile")
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(p))
}

type updateDisplayNameRequest struct {
	DisplayName string `json:"displayName"`
}

// updateDisplayName edits the caller's own display name.
func (h *Handler) updateDisplayName(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
		return
	}
	accountID := chi.URLParam(r, "accountID")
	if identity.AccountID != accountID {
		httpx.Error(w, http.StatusForbidden, "FORBIDDEN", "cannot edit another account's profile")
		return
	}

	var req updateDisplayNameRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if len(req.DisplayName) > 120 {
		httpx.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "display name too long")
		return
	}

	if err := h.mirror.UpdateDisplayName(r.Context(), accountID, req.DisplayName); err != nil {
		if errors.Is(err, service.ErrProfileNotFound) {
			httpx.Error(w, http.StatusNotFound, "PROFILE_NOT_FOUND", "profile not found")
			return
		}
		h.log.Error("update display name failed", "accountId", accountID, "error", err)
		httpx.Error(w, http.StatusInternalServerError, "INTERNAL", "could not update profile")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
