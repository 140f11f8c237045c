package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrTokenReuse is returned by Rotate when a previously-revoked refresh
// token is presented again — the replay signal for family revocation. Rotate
// has already revoked the whole family; the caller emits audit
// `token_reuse_detected`.
var ErrTokenReuse = errors.New("refresh token reuse detected")

// ErrTokenNotFound is returned when the presented token has no matching row
// at all (never issued, or pruned after expiry).
var ErrTokenNotFound = errors.New("refresh token not found")

// RefreshToken mirrors the `refresh_tokens` table. Only the SHA-256 digest
// of the token is ever persisted; the bearer value itself is returned to
// the caller exactly once, at issue time.
type RefreshToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	FamilyID  uuid.UUID
	TokenHash string
	Revoked   bool
	ExpiresAt time.Time
	CreatedAt time.Time
}

func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newRefreshSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating refresh token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// IssueRefreshToken creates the first token of a new family, as minted at
// login.
func (s *Store) IssueRefreshToken(ctx context.Context, userID uuid.UUID, ttl time.Duration) (raw string, rec *RefreshToken, err error) {
	raw, err = newRefreshSecret()
	if err != nil {
		return "", nil, err
	}

	familyID := uuid.New()
	rec, err = s.insertRefreshToken(ctx, userID, familyID, raw, ttl)
	return raw, rec, err
}

func (s *Store) insertRefreshToken(ctx context.Context, userID, familyID uuid.UUID, raw string, ttl time.Duration) (*RefreshToken, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO refresh_tokens (id, user_id, family_id, token_hash, revoked, expires_at, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, false, now() + $4::interval, now())
		RETURNING id, user_id, family_id, token_hash, revoked, expires_at, created_at`,
		userID, familyID, hashRefreshToken(raw), ttl.String(),
	)

	var rec RefreshToken
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.FamilyID, &rec.TokenHash, &rec.Revoked, &rec.ExpiresAt, &rec.CreatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Rotate consumes raw, a presented refresh token, and mints its successor
// in the same family. It must be called inside a transaction (s.db should
// be a pgx.Tx) so the revoke-then-insert is atomic.
//
// If raw maps to a row that is already revoked, every token in that family
// is revoked and ErrTokenReuse is returned — the caller emits the audit
// event and forces re-authentication.
func (s *Store) Rotate(ctx context.Context, raw string, ttl time.Duration) (newRaw string, rec *RefreshToken, err error) {
	hash := hashRefreshToken(raw)

	var current RefreshToken
	row := s.db.QueryRow(ctx, `
		SELECT id, user_id, family_id, token_hash, revoked, expires_at, created_at
		FROM refresh_tokens WHERE token_hash = $1`, hash)
	if err := row.Scan(&current.ID, &current.UserID, &current.FamilyID, &current.TokenHash, &current.Revoked, &current.ExpiresAt, &current.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, ErrTokenNotFound
		}
		return "", nil, err
	}

	if current.Revoked {
		if _, err := s.db.Exec(ctx, `UPDATE refresh_tokens SET revoked = true WHERE family_id = $1`, current.FamilyID); err != nil {
			return "", nil, err
		}
		return "", nil, ErrTokenReuse
	}

	if time.Now().After(current.ExpiresAt) {
		return "", nil, ErrTokenNotFound
	}

	if _, err := s.db.Exec(ctx, `UPDATE refresh_tokens SET revoked = true WHERE id = $1`, current.ID); err != nil {
		return "", nil, err
	}

	newRaw, err = newRefreshSecret()
	if err != nil {
		return "", nil, err
	}
	rec, err = s.insertRefreshToken(ctx, current.UserID, current.FamilyID, newRaw, ttl)
	return newRaw, rec, err
}

// RevokeFamily revokes every token descended from the same login (used by
// RevokeSessionForUser to end one session).
func (s *Store) RevokeFamily(ctx context.Context, familyID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE refresh_tokens SET revoked = true WHERE family_id = $1`, familyID)
	return err
}

// RevokeAllForUser revokes every refresh token issued to userID, across all
// families at once, for logout-all.
func (s *Store) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE refresh_tokens SET revoked = true WHERE user_id = $1 AND revoked = false`, userID)
	return err
}

// RevokeOne revokes a single token by its raw bearer value — used by
// logout (single session).
func (s *Store) RevokeOne(ctx context.Context, raw string) error {
	_, err := s.db.Exec(ctx, `UPDATE refresh_tokens SET revoked = true WHERE token_hash = $1`, hashRefreshToken(raw))
	return err
}

// RevokeSessionForUser revokes the family behind one of userID's live
// sessions, identified by its refresh-token row id. Reports false when no
// matching row belongs to userID.
func (s *Store) RevokeSessionForUser(ctx context.Context, userID, tokenID uuid.UUID) (bool, error) {
	var familyID uuid.UUID
	err := s.db.QueryRow(ctx, `
		SELECT family_id FROM refresh_tokens WHERE id = $1 AND user_id = $2`, tokenID, userID,
	).Scan(&familyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, s.RevokeFamily(ctx, familyID)
}

// ListActiveSessions returns the non-revoked, non-expired refresh token
// rows for userID, one per live session, for the session-listing operation.
func (s *Store) ListActiveSessions(ctx context.Context, userID uuid.UUID) ([]RefreshToken, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, family_id, token_hash, revoked, expires_at, created_at
		FROM refresh_tokens
		WHERE user_id = $1 AND revoked = false AND expires_at > now()
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RefreshToken
	for rows.Next() {
		var rec RefreshToken
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.FamilyID, &rec.TokenHash, &rec.Revoked, &rec.ExpiresAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
