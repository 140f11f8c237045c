package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/omniscope/controlplane/internal/apperr"
	"github.com/omniscope/controlplane/internal/httpserver"
)

const oidcStateTTL = 10 * time.Minute

func oidcStateKey(state string) string { return "oidc:state:" + state }

// OIDCFlowHandler drives the OAuth2 Authorization Code flow: redirect to
// the identity provider, then exchange the returned code for an ID token
// and hand the caller a Session exactly as /auth/login would.
type OIDCFlowHandler struct {
	oauth2Cfg *oauth2.Config
	oidcAuth  *OIDCAuthenticator
	service   *Service
	redis     *redis.Client
	logger    *slog.Logger
}

// NewOIDCFlowHandler creates a flow handler.
func NewOIDCFlowHandler(oauth2Cfg *oauth2.Config, oidcAuth *OIDCAuthenticator, service *Service, rdb *redis.Client, logger *slog.Logger) *OIDCFlowHandler {
	return &OIDCFlowHandler{oauth2Cfg: oauth2Cfg, oidcAuth: oidcAuth, service: service, redis: rdb, logger: logger}
}

// HandleLogin redirects the caller to the identity provider's consent page.
func (h *OIDCFlowHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := randomState()
	if err != nil {
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "generating oidc state", err))
		return
	}
	if err := h.redis.Set(r.Context(), oidcStateKey(state), "1", oidcStateTTL).Err(); err != nil {
		h.logger.Error("storing oidc state", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to start oidc login", err))
		return
	}
	http.Redirect(w, r, h.oauth2Cfg.AuthCodeURL(state), http.StatusFound)
}

// HandleCallback completes the flow: validates state, exchanges the code,
// verifies the ID token, and redirects to the frontend with a session.
func (h *OIDCFlowHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	state := q.Get("state")
	if state == "" {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "missing state parameter"))
		return
	}
	if _, err := h.redis.GetDel(ctx, oidcStateKey(state)).Result(); err != nil {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "invalid or expired state"))
		return
	}

	if errParam := q.Get("error"); errParam != "" {
		h.logger.Warn("oidc provider returned error", "error", errParam, "description", q.Get("error_description"))
		httpserver.RespondAppError(w, apperr.New(apperr.AuthInvalid, "oidc authentication failed: "+errParam))
		return
	}

	code := q.Get("code")
	if code == "" {
		httpserver.RespondAppError(w, apperr.New(apperr.Invalid, "missing code parameter"))
		return
	}

	token, err := h.oauth2Cfg.Exchange(ctx, code)
	if err != nil {
		h.logger.Error("oidc code exchange failed", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.AuthInvalid, "code exchange failed", err))
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		httpserver.RespondAppError(w, apperr.New(apperr.AuthInvalid, "identity provider response missing id_token"))
		return
	}

	claims, err := h.oidcAuth.Verify(ctx, rawIDToken)
	if err != nil {
		h.logger.Error("oidc id token verification failed", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.AuthInvalid, "invalid id_token", err))
		return
	}

	session, err := h.service.LoginWithOIDC(ctx, claims, httpserver.ClientIP(r))
	if err != nil {
		h.logger.Error("oidc login failed", "error", err)
		httpserver.RespondAppError(w, apperr.Wrap(apperr.Internal, "unable to complete oidc login", err))
		return
	}

	redirectURL := fmt.Sprintf("%s?access_token=%s&refresh_token=%s", h.oauth2Cfg.RedirectURL, session.AccessToken, session.RefreshToken)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
