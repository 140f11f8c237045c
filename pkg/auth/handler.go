package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/omniscope/controlplane/internal/apperr"
	"github.com/omniscope/controlplane/internal/httpserver"
)

// Handler provides HTTP handlers for the session & access API.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler creates a Handler backed by service.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// PublicRoutes returns the unauthenticated routes (register, login, refresh,
// mfa verify) — mounted outside the access-token-gated sub-router.
func (h *Handler) PublicRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/register", h.handleRegister)
	r.Post("/login", h.handleLogin)
	r.Post("/login/mfa", h.handleVerifyMFA)
	r.Post("/refresh", h.handleRefresh)
	return r
}

// AuthedRoutes returns the routes that require a valid access token.
func (h *Handler) AuthedRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/logout", h.handleLogout)
	r.Post("/logout-all", h.handleLogoutAll)
	r.Post("/change-password", h.handleChangePassword)
	r.Get("/sessions", h.handleListSessions)
	r.Delete("/sessions/{session_id}", h.handleRevokeSession)
	r.Post("/mfa/enroll", h.handleMFAEnroll)
	r.Post("/mfa/confirm", h.handleMFAConfirm)
	r.Post("/mfa/disable", h.handleMFADisable)
	return r
}

type registerRequest struct {
	Email       string `json:"email" validate:"required,email"`
	DisplayName string `json:"display_name" validate:"required,min=1,max=120"`
	Password    string `json:"password" validate:"required,min=12"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	user, err := h.service.Register(r.Context(), req.Email, req.DisplayName, req.Password, httpserver.ClientIP(r))
	if err != nil {
		h.logger.Error("registering user", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Invalid, "unable to register", err))
		return
	}

	httpserver.Respond(w, http.StatusCreated, userResponse(user))
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	session, challenge, err := h.service.Login(r.Context(), req.Email, req.Password, httpserver.ClientIP(r))
	if err != nil {
		h.respondLoginError(w, err)
		return
	}

	if challenge != nil {
		httpserver.Respond(w, http.StatusOK, map[string]any{
			"mfa_required": true,
			"temp_token":   challenge.TempToken,
		})
		return
	}

	httpserver.Respond(w, http.StatusOK, sessionResponse(session))
}

type verifyMFARequest struct {
	TempToken string `json:"temp_token" validate:"required"`
	Code      string `json:"code" validate:"required"`
}

func (h *Handler) handleVerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req verifyMFARequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	session, err := h.service.VerifyMFA(r.Context(), req.TempToken, req.Code, httpserver.ClientIP(r))
	if err != nil {
		h.respondLoginError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, sessionResponse(session))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	session, err := h.service.Refresh(r.Context(), req.RefreshToken, httpserver.ClientIP(r))
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenReuseDetected):
			httpserver.RespondAppError(w, apperr.New(apperr.TokenReuseDetected, err.Error()))
		case errors.Is(err, ErrInvalidRefreshToken):
			httpserver.RespondAppError(w, apperr.New(apperr.AuthInvalid, err.Error()))
		default:
			h.logger.Error("refreshing session", "error", err)
			httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to refresh session", err))
		}
		return
	}

	httpserver.Respond(w, http.StatusOK, sessionResponse(session))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.service.Logout(r.Context(), req.RefreshToken); err != nil {
		h.logger.Error("logging out", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to log out", err))
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}
	if err := h.service.LogoutAll(r.Context(), id.UserID, httpserver.ClientIP(r)); err != nil {
		h.logger.Error("logging out all sessions", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to log out", err))
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=12"`
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}

	var req changePasswordRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.service.ChangePassword(r.Context(), id.UserID, req.CurrentPassword, req.NewPassword, httpserver.ClientIP(r)); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			httpserver.RespondAppError(w, apperr.New(apperr.AuthInvalid, "current password is incorrect"))
			return
		}
		h.logger.Error("changing password", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Invalid, "unable to change password", err))
		return
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}

	sessions, err := h.service.ListSessions(r.Context(), id.UserID)
	if err != nil {
		h.logger.Error("listing sessions", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to list sessions", err))
		return
	}

	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, map[string]any{
			"id":         sess.ID,
			"created_at": sess.CreatedAt,
			"expires_at": sess.ExpiresAt,
		})
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"sessions": out, "count": len(out)})
}

func (h *Handler) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "session_id"))
	if err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid session id"))
		return
	}

	if err := h.service.RevokeSession(r.Context(), id.UserID, sessionID, httpserver.ClientIP(r)); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			httpserver.RespondAppError(w, apperr.New(apperr.NotFound, "no such session"))
			return
		}
		h.logger.Error("revoking session", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to revoke session", err))
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}

	secret, codes, err := h.service.EnrollMFA(r.Context(), id.UserID)
	if err != nil {
		h.logger.Error("enrolling mfa", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to enroll mfa", err))
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"secret":         secret,
		"recovery_codes": codes,
	})
}

type mfaConfirmRequest struct {
	Code string `json:"code" validate:"required"`
}

func (h *Handler) handleMFAConfirm(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}

	var req mfaConfirmRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.service.ConfirmMFA(r.Context(), id.UserID, req.Code, httpserver.ClientIP(r)); err != nil {
		if errors.Is(err, ErrInvalidMFACode) || errors.Is(err, ErrMFANotEnrolled) {
			httpserver.RespondAppError(w, apperr.New(apperr.Invalid, err.Error()))
			return
		}
		h.logger.Error("confirming mfa", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to confirm mfa", err))
		return
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}

type mfaDisableRequest struct {
	Password string `json:"password" validate:"required"`
}

func (h *Handler) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing authentication"))
		return
	}

	var req mfaDisableRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.service.DisableMFA(r.Context(), id.UserID, req.Password, httpserver.ClientIP(r)); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			httpserver.RespondAppError(w, apperr.New(apperr.AuthInvalid, "password is incorrect"))
			return
		}
		h.logger.Error("disabling mfa", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to disable mfa", err))
		return
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) respondLoginError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrInvalidMFAToken), errors.Is(err, ErrInvalidMFACode):
		httpserver.RespondAppError(w, apperr.New(apperr.AuthInvalid, err.Error()))
	case errors.Is(err, ErrRateLimited):
		httpserver.RespondAppError(w, apperr.New(apperr.RateLimited, err.Error()))
	default:
		h.logger.Error("login failed", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to log in", err))
	}
}

func userResponse(u *User) map[string]any {
	return map[string]any{
		"id":           u.ID,
		"email":        u.Email,
		"display_name": u.DisplayName,
		"mfa_enabled":  u.MFAEnabled,
		"created_at":   u.CreatedAt,
	}
}

func sessionResponse(s *Session) map[string]any {
	return map[string]any{
		"access_token":  s.AccessToken,
		"refresh_token": s.RefreshToken,
		"expires_in":    s.ExpiresIn,
		"user":          userResponse(s.User),
	}
}
