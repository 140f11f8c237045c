package auth

import (
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

func testSigner(t *testing.T) *TokenSigner {
	t.Helper()
	signer, err := NewTokenSigner(GenerateDevSecret())
	if err != nil {
		t.Fatalf("NewTokenSigner() error = %v", err)
	}
	return signer
}

func TestNewTokenSigner_RejectsShortSecret(t *testing.T) {
	if _, err := NewTokenSigner("too-short"); err == nil {
		t.Errorf("NewTokenSigner() error = nil, want error for short secret")
	}
}

func TestIssueAndValidateAccessToken(t *testing.T) {
	signer := testSigner(t)
	userID := uuid.New()

	raw, err := signer.IssueAccessToken(userID, "a@example.com", 3, time.Minute)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	claims, err := signer.Validate(raw, PurposeAccess)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if claims.UserID != userID.String() {
		t.Errorf("claims.UserID = %q, want %q", claims.UserID, userID.String())
	}
	if claims.RolesVersion != 3 {
		t.Errorf("claims.RolesVersion = %d, want 3", claims.RolesVersion)
	}
}

func TestValidate_RejectsWrongPurpose(t *testing.T) {
	signer := testSigner(t)
	raw, err := signer.IssueMFAToken(uuid.New(), time.Minute)
	if err != nil {
		t.Fatalf("IssueMFAToken() error = %v", err)
	}

	if _, err := signer.Validate(raw, PurposeAccess); err == nil {
		t.Errorf("Validate() error = nil, want error for purpose mismatch")
	}
}

func TestValidate_RejectsExpiredToken(t *testing.T) {
	signer := testSigner(t)
	raw, err := signer.IssueAccessToken(uuid.New(), "a@example.com", 1, -time.Minute)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	if _, err := signer.Validate(raw, PurposeAccess); err == nil {
		t.Errorf("Validate() error = nil, want error for expired token")
	}
}

func TestValidate_RejectsWrongSigningKey(t *testing.T) {
	signer := testSigner(t)
	other := testSigner(t)

	raw, err := signer.IssueAccessToken(uuid.New(), "a@example.com", 1, time.Minute)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	if _, err := other.Validate(raw, PurposeAccess); err == nil {
		t.Errorf("Validate() error = nil, want error for mismatched signing key")
	}
}

func TestIssueMFAToken_CapsTTL(t *testing.T) {
	signer := testSigner(t)
	raw, err := signer.IssueMFAToken(uuid.New(), time.Hour)
	if err != nil {
		t.Fatalf("IssueMFAToken() error = %v", err)
	}

	claims, err := signer.Validate(raw, PurposeMFA)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if claims.Purpose != PurposeMFA {
		t.Errorf("claims.Purpose = %q, want %q", claims.Purpose, PurposeMFA)
	}

	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		t.Fatalf("ParseSigned() error = %v", err)
	}
	var registered jwt.Claims
	if err := tok.Claims(signer.signingKey, &registered); err != nil {
		t.Fatalf("Claims() error = %v", err)
	}
	if lifetime := registered.Expiry.Time().Sub(registered.IssuedAt.Time()); lifetime > 5*time.Minute {
		t.Errorf("token lifetime = %v, want at most 5m", lifetime)
	}
}
