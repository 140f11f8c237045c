package rbac

import (
	"testing"

	"github.com/google/uuid"
)

func TestCacheKey_VariesWithRolesVersion(t *testing.T) {
	s := &Service{}
	userID := uuid.New()

	k1 := s.cacheKey(userID, 1)
	k2 := s.cacheKey(userID, 2)

	if k1 == k2 {
		t.Errorf("cacheKey() returned the same key for different roles_version: %q", k1)
	}
}

func TestToSet(t *testing.T) {
	set := toSet([]Permission{PermWorkspaceView, PermJobSubmit})

	if _, ok := set[PermWorkspaceView]; !ok {
		t.Errorf("toSet() missing %q", PermWorkspaceView)
	}
	if _, ok := set[PermAuditPurge]; ok {
		t.Errorf("toSet() unexpectedly contains %q", PermAuditPurge)
	}
	if len(set) != 2 {
		t.Errorf("len(set) = %d, want 2", len(set))
	}
}
