package auth

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/omniscope/controlplane/internal/apperr"
	"github.com/omniscope/controlplane/internal/httpserver"
)

// Middleware validates the Bearer access token on every request and
// attaches the resulting Identity to the request context. It is the sole
// authentication path for the API — no API keys, no PATs, no per-tenant
// session cookies.
func Middleware(signer *TokenSigner) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				httpserver.RespondAppError(w, apperr.New(apperr.AuthRequired, "missing bearer token"))
				return
			}

			claims, err := signer.Validate(raw, PurposeAccess)
			if err != nil {
				httpserver.RespondAppError(w, apperr.Wrap(apperr.AuthInvalid, "invalid access token", err))
				return
			}

			userID, err := uuid.Parse(claims.UserID)
			if err != nil {
				httpserver.RespondAppError(w, apperr.New(apperr.AuthInvalid, "invalid access token"))
				return
			}

			identity := &Identity{
				UserID:       userID,
				Email:        claims.Email,
				RolesVersion: claims.RolesVersion,
			}
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), identity)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
