// Package handler exposes the authentication flows over HTTP.
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"identity-plane/backend/internal/auth/service"
	"identity-plane/backend/internal/server/httpx"
	"identity-plane/backend/internal/server/middleware"
	tokensvc "identity-plane/backend/internal/token/service"
)

type Handler struct {
	auth *service.AuthService
	log  *slog.Logger
}

func New(auth *service.AuthService, log *slog.Logger) *Handler {
	return &Handler{auth: auth, log: log}
}

// RegisterPublicRoutes mounts the endpoints that carry their own credential
// (password, refresh token, or one-shot token) instead of a bearer token.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Post("/auth/register", h.register)
	r.Post("/auth/login", h.login)
	r.Post("/auth/oauth", h.oauthLogin)
	r.Post("/auth/refresh", h.refresh)
	r.Post("/auth/logout", h.logout)
	r.Post("/auth/global-logout", h.globalLogout)
	r.Post("/auth/verify-email", h.verifyEmail)
	r.Post("/auth/password-reset/request", h.requestPasswordReset)
	r.Post("/auth/password-reset/confirm", h.confirmPasswordReset)
}

// RegisterProtectedRoutes mounts the endpoints acting on the bearer identity.
func (h *Handler) RegisterProtectedRoutes(r chi.Router) {
	r.Put("/account/password", h.changePassword)
	r.Put("/account/email", h.updateEmail)
	r.Put("/account/username", h.updateUsername)
	r.Delete("/account", h.deleteAccount)
}

type tokenResponse struct {
	AccessToken          string `json:"accessToken"`
	RefreshToken         string `json:"refreshToken"`
	AccessTokenExpiresIn int64  `json:"accessTokenExpiresIn"`
}

func toTokenResponse(res *service.AuthResult) tokenResponse {
	return tokenResponse{
		AccessToken:          res.AccessToken,
		RefreshToken:         res.RefreshToken,
		AccessTokenExpiresIn: int64(time.Until(res.ExpiresAt).Seconds()),
	}
}

// writeAuthError maps service sentinels to stable codes. Token reuse is
// answered as a plain invalid token; the family revocation already happened
// and the caller learns nothing about the detection.
func (h *Handler) writeAuthError(w http.ResponseWriter, err error) {
	var locked *service.LockedError
	switch {
	case errors.As(err, &locked):
		body := map[string]any{"code": "ACCOUNT_LOCKED", "message": "account locked"}
		if locked.Until != nil {
			body["lockedUntil"] = locked.Until.UTC().Format(time.RFC3339)
		}
		httpx.JSON(w, http.StatusUnauthorized, body)
	case errors.Is(err, service.ErrInvalidCredentials):
		httpx.Error(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
	case errors.Is(err, service.ErrAccountDisabled):
		httpx.Error(w, http.StatusUnauthorized, "ACCOUNT_DISABLED", "account disabled")
	case errors.Is(err, service.ErrAccountDeleted):
		httpx.Error(w, http.StatusUnauthorized, "ACCOUNT_DELETED", "account deleted")
	case errors.Is(err, service.ErrEmailNotVerified):
		httpx.Error(w, http.StatusUnauthorized, "EMAIL_NOT_VERIFIED", "email not verified")
	case errors.Is(err, tokensvc.ErrTokenNotFound):
		httpx.Error(w, http.StatusUnauthorized, "TOKEN_NOT_FOUND", "token not found")
	case errors.Is(err, tokensvc.ErrTokenReuseDetected), errors.Is(err, tokensvc.ErrInvalidToken):
		httpx.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
	case errors.Is(err, service.ErrUsernameAlreadyTaken):
		httpx.Error(w, http.StatusConflict, "USERNAME_ALREADY_TAKEN", "username already taken")
	case errors.Is(err, service.ErrEmailAlreadyRegistered):
		httpx.Error(w, http.StatusConflict, "EMAIL_ALREADY_REGISTERED", "email already registered")
	case errors.Is(err, service.ErrAccountNotFound):
		httpx.Error(w, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "account not found")
	default:
		h.log.Error("auth request failed", "error", err)
		httpx.Error(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func meta(r *http.Request) service.RequestMeta {
	return service.RequestMeta{UserAgent: r.UserAgent(), IPAddress: r.RemoteAddr}
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	res, err := h.auth.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUsernameAlreadyTaken), errors.Is(err, service.ErrEmailAlreadyRegistered):
			h.writeAuthError(w, err)
		default:
			httpx.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		}
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]string{"accountId": res.AccountID})
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	res, err := h.auth.Login(r.Context(), req.Identifier, req.Password, meta(r))
	if err != nil {
		h.writeAuthError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTokenResponse(res))
}

type oauthLoginRequest struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	ProviderID string `json:"providerId"`
}

func (h *Handler) oauthLogin(w http.ResponseWriter, r *http.Request) {
	var req oauthLoginRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	res, err := h.auth.LoginWithProvider(r.Context(), req.Email, req.Name, req.ProviderID, meta(r))
	if err != nil {
		h.writeAuthError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTokenResponse(res))
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	res, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTokenResponse(res))
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	if err := h.auth.Logout(r.Context(), req.RefreshToken); err != nil {
		h.writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) globalLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	if err := h.auth.GlobalLogout(r.Context(), req.RefreshToken); err != nil {
		h.writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

func (h *Handler) verifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	if err := h.auth.VerifyEmail(r.Context(), req.Token); err != nil {
		h.writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type passwordResetRequest struct {
	Email string `json:"email"`
}

// requestPasswordReset always answers 204: an attacker must not learn which
// addresses exist. The issued token travels through delivery glue, not this
// response.
func (h *Handler) requestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	if _, err := h.auth.RequestPasswordReset(r.Context(), req.Email); err != nil {
		h.log.Error("password reset request failed", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

type passwordResetConfirm struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

func (h *Handler) confirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetConfirm
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	if err := h.auth.ConfirmPasswordReset(r.Context(), req.Token, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, tokensvc.ErrTokenNotFound), errors.Is(err, tokensvc.ErrInvalidToken):
			h.writeAuthError(w, err)
		default:
			httpx.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
		return
	}
	var req changePasswordRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	if err := h.auth.ChangePassword(r.Context(), identity.AccountID, req.CurrentPassword, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrAccountNotFound):
			h.writeAuthError(w, err)
		default:
			httpx.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateEmailRequest struct {
	Email string `json:"email"`
}

func (h *Handler) updateEmail(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
		return
	}
	var req updateEmailRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	if _, err := h.auth.UpdateEmail(r.Context(), identity.AccountID, req.Email); err != nil {
		switch {
		case errors.Is(err, service.ErrEmailAlreadyRegistered), errors.Is(err, service.ErrAccountNotFound):
			h.writeAuthError(w, err)
		default:
			httpx.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateUsernameRequest struct {
	Username string `json:"username"`
}

func (h *Handler) updateUsername(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
		return
	}
	var req updateUsernameRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	if err := h.auth.UpdateUsername(r.Context(), identity.AccountID, req.Username); err != nil {
		switch {
		case errors.Is(err, service.ErrUsernameAlreadyTaken), errors.Is(err, service.ErrAccountNotFound):
			h.writeAuthError(w, err)
		default:
			httpx.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
		return
	}
	if err := h.auth.DeleteAccount(r.Context(), identity.AccountID); err != nil {
		h.writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
