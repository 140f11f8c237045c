package workspace

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/omniscope/controlplane/pkg/auth"
)

func newTestRouter() chi.Router {
	h := NewHandler(nil, NewService(nil, nil, nil), nil, nil)
	router := chi.NewRouter()
	router.Mount("/workspaces", h.Routes())
	return router
}

func withIdentity(r *http.Request) *http.Request {
	identity := &auth.Identity{UserID: uuid.New(), Email: "researcher@example.org"}
	return r.WithContext(auth.NewContext(r.Context(), identity))
}

func TestHandleCreate_RequiresAuthentication(t *testing.T) {
	router := newTestRouter()

	body, _ := json.Marshal(createWorkspaceRequest{Name: "Proteomics Q3"})
	r := httptest.NewRequest(http.MethodPost, "/workspaces/", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusUnauthorized, w.Body.String())
	}
}

func TestHandleCreate_RejectsBlankName(t *testing.T) {
	router := newTestRouter()

	body, _ := json.Marshal(createWorkspaceRequest{Name: ""})
	r := withIdentity(httptest.NewRequest(http.MethodPost, "/workspaces/", bytes.NewReader(body)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest && w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 400 or 422; body = %s", w.Code, w.Body.String())
	}
}

func TestHandleGet_InvalidWorkspaceID(t *testing.T) {
	router := newTestRouter()

	r := withIdentity(httptest.NewRequest(http.MethodGet, "/workspaces/not-a-uuid", nil))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest && w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 400 or 422; body = %s", w.Code, w.Body.String())
	}
}

func TestHandleInvite_RejectsOwnerRole(t *testing.T) {
	router := newTestRouter()

	body, _ := json.Marshal(inviteRequest{UserID: uuid.New(), Role: RoleOwner})
	r := withIdentity(httptest.NewRequest(http.MethodPost, "/workspaces/"+uuid.New().String()+"/members", bytes.NewReader(body)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusUnprocessableEntity, w.Body.String())
	}
}

func TestHandleSetMemberRole_RejectsOwnerRole(t *testing.T) {
	router := newTestRouter()

	body, _ := json.Marshal(setMemberRoleRequest{Role: "owner"})
	r := withIdentity(httptest.NewRequest(http.MethodPut, "/workspaces/"+uuid.New().String()+"/members/"+uuid.New().String()+"/role", bytes.NewReader(body)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest && w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 400 or 422 (oneof=editor viewer rejects owner); body = %s", w.Code, w.Body.String())
	}
}

func TestRespondStoreError_MapsKinds(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrNotMember, http.StatusNotFound},
		{ErrAlreadyMember, http.StatusConflict},
		{ErrOwnerMustTransfer, http.StatusPreconditionFailed},
		{ErrNotOwner, http.StatusForbidden},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		respondStoreError(w, tc.err)
		if w.Code != tc.want {
			t.Errorf("respondStoreError(%v) = %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}
