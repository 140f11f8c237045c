package audit

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// newTestHandler builds a Handler whose handleXxx methods can be invoked
// directly, bypassing Routes()'s rbac gate: these tests exercise request
// validation, not permission checks.
func newTestHandler() *Handler {
	return NewHandler(nil, NewService(nil, nil), nil)
}

func TestHandleQuery_InvalidUserID(t *testing.T) {
	h := newTestHandler()

	r := httptest.NewRequest(http.MethodGet, "/audit/?user_id=not-a-uuid", nil)
	w := httptest.NewRecorder()
	h.handleQuery(w, r)

	if w.Code != http.StatusBadRequest && w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 400 or 422; body = %s", w.Code, w.Body.String())
	}
}

func TestHandleQuery_InvalidSince(t *testing.T) {
	h := newTestHandler()

	r := httptest.NewRequest(http.MethodGet, "/audit/?since=not-a-timestamp", nil)
	w := httptest.NewRecorder()
	h.handleQuery(w, r)

	if w.Code != http.StatusBadRequest && w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 400 or 422; body = %s", w.Code, w.Body.String())
	}
}

func TestHandlePurge_MissingBefore(t *testing.T) {
	h := newTestHandler()

	r := httptest.NewRequest(http.MethodPost, "/audit/purge", nil)
	w := httptest.NewRecorder()
	h.handlePurge(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusBadRequest, w.Body.String())
	}
}
