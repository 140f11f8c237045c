package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

const issuer = "omniscope-controlplane"

// Purpose distinguishes what a signed token authorizes, so a temp MFA token
// can never be replayed as an access token and vice versa.
type Purpose string

const (
	PurposeAccess Purpose = "access"
	PurposeMFA    Purpose = "mfa_verify"
	PurposeWSHub  Purpose = "ws_hub"
)

// AccessClaims are the custom claims embedded in every signed token.
type AccessClaims struct {
	UserID       string  `json:"user_id"`
	Email        string  `json:"email"`
	RolesVersion int64   `json:"roles_version"`
	Purpose      Purpose `json:"purpose"`
}

// TokenSigner issues and validates HMAC-SHA256 signed bearer tokens.
type TokenSigner struct {
	signingKey []byte
}

// NewTokenSigner creates a signer. The secret must be at least 32 bytes.
func NewTokenSigner(secret string) (*TokenSigner, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token signing secret must be at least 32 bytes, got %d", len(secret))
	}
	return &TokenSigner{signingKey: []byte(secret)}, nil
}

// GenerateDevSecret generates a random 32-byte hex-encoded secret for dev mode.
func GenerateDevSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}

// IssueAccessToken mints a short-lived access token with the given TTL
// (≤ 30 min in any sane configuration).
func (s *TokenSigner) IssueAccessToken(userID uuid.UUID, email string, rolesVersion int64, ttl time.Duration) (string, error) {
	return s.issue(AccessClaims{
		UserID:       userID.String(),
		Email:        email,
		RolesVersion: rolesVersion,
		Purpose:      PurposeAccess,
	}, ttl)
}

// IssueMFAToken mints a temp_token bound to purpose=mfa_verify. Callers
// pass ttl explicitly so config controls it, but it must never exceed 5
// minutes.
func (s *TokenSigner) IssueMFAToken(userID uuid.UUID, ttl time.Duration) (string, error) {
	if ttl > 5*time.Minute {
		ttl = 5 * time.Minute
	}
	return s.issue(AccessClaims{UserID: userID.String(), Purpose: PurposeMFA}, ttl)
}

// IssueWSHubToken mints a short-lived token for session-hub authentication.
func (s *TokenSigner) IssueWSHubToken(userID uuid.UUID, email string, rolesVersion int64, ttl time.Duration) (string, error) {
	return s.issue(AccessClaims{
		UserID:       userID.String(),
		Email:        email,
		RolesVersion: rolesVersion,
		Purpose:      PurposeWSHub,
	}, ttl)
}

func (s *TokenSigner) issue(claims AccessClaims, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: s.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	now := time.Now()
	registered := jwt.Claims{
		Subject:   claims.UserID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(ttl)),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    issuer,
	}

	token, err := jwt.Signed(signer).Claims(registered).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// Validate verifies signature, expiry, and issuer and, if wantPurpose is
// non-empty, that the token was minted for that purpose.
func (s *TokenSigner) Validate(raw string, wantPurpose Purpose) (*AccessClaims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	var registered jwt.Claims
	var custom AccessClaims
	if err := tok.Claims(s.signingKey, &registered, &custom); err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer: issuer,
		Time:   time.Now(),
	}, 5*time.Second); err != nil {
		return nil, fmt.Errorf("validating claims: %w", err)
	}

	if wantPurpose != "" && custom.Purpose != wantPurpose {
		return nil, fmt.Errorf("token purpose %q, want %q", custom.Purpose, wantPurpose)
	}

	return &custom, nil
}
