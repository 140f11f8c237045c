package httpserver

import (
	"net/http"

	"github.com/omniscope/controlplane/internal/apperr"
)

// kindStatus maps each apperr.Kind to its HTTP status code. The wire error
// code in the envelope is the kind's own string.
var kindStatus = map[apperr.Kind]int{
	apperr.AuthRequired:       http.StatusUnauthorized,
	apperr.AuthInvalid:        http.StatusUnauthorized,
	apperr.TokenExpired:       http.StatusUnauthorized,
	apperr.TokenReuseDetected: http.StatusUnauthorized,
	apperr.PermissionDenied:   http.StatusForbidden,
	apperr.NotFound:           http.StatusNotFound,
	apperr.Conflict:           http.StatusConflict,
	apperr.Preconditioned:     http.StatusPreconditionFailed,
	apperr.Invalid:            http.StatusUnprocessableEntity,
	apperr.RateLimited:        http.StatusTooManyRequests,
	apperr.ResourceExhausted:  http.StatusServiceUnavailable,
	apperr.SlowConsumer:       http.StatusRequestTimeout,
	apperr.Transient:          http.StatusServiceUnavailable,
	apperr.Permanent:          http.StatusUnprocessableEntity,
	apperr.Internal:           http.StatusInternalServerError,
}

// RespondAppError maps err's apperr.Kind (defaulting to Internal) to an HTTP
// status and writes the envelope. Use at every handler's error boundary.
func RespondAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	RespondError(w, status, string(kind), err.Error())
}
