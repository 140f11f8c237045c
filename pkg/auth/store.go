package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DBTX is the minimal pgx surface a store needs. Satisfied by *pgxpool.Pool,
// pgx.Tx, and *pgxpool.Conn, so services can run either against the pool
// directly or inside a caller-managed transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// User mirrors the `users` table.
type User struct {
	ID                 uuid.UUID
	Email              string
	DisplayName        string
	PasswordHash       string
	MFASecret          *string
	MFAEnabled         bool
	RecoveryCodeHashes []string
	RolesVersion       int64
	IsActive           bool
	CreatedAt          time.Time
}

// Store persists users and refresh tokens.
type Store struct {
	db DBTX
}

// NewStore creates a Store bound to db (a pool, a connection, or a
// transaction).
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

const userColumns = `id, email, display_name, password_hash, mfa_secret, mfa_enabled, recovery_code_hashes, roles_version, is_active, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(
		&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.MFASecret, &u.MFAEnabled,
		&u.RecoveryCodeHashes, &u.RolesVersion, &u.IsActive, &u.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a new active user with the given password hash.
func (s *Store) CreateUser(ctx context.Context, email, displayName, passwordHash string) (*User, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, mfa_enabled, roles_version, is_active, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, false, 1, true, now())
		RETURNING `+userColumns,
		email, displayName, passwordHash,
	)
	return scanUser(row)
}

// GetUserByEmail looks up an active user by case-insensitive email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1) AND is_active = true`, email)
	return scanUser(row)
}

// GetUserByID looks up a user regardless of active state.
func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// SetPasswordHash updates the user's password hash.
func (s *Store) SetPasswordHash(ctx context.Context, userID uuid.UUID, hash string) error {
	_, err := s.db.Exec(ctx, `UPDATE users SET password_hash = $1 WHERE id = $2`, hash, userID)
	return err
}

// SetMFA enables or updates MFA enrollment for a user.
func (s *Store) SetMFA(ctx context.Context, userID uuid.UUID, secret string, recoveryHashes []string) error {
	_, err := s.db.Exec(ctx, `UPDATE users SET mfa_secret = $1, mfa_enabled = true, recovery_code_hashes = $2, mfa_last_counter = NULL WHERE id = $3`,
		secret, recoveryHashes, userID)
	return err
}

// DisableMFA clears MFA enrollment.
func (s *Store) DisableMFA(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE users SET mfa_secret = NULL, mfa_enabled = false, recovery_code_hashes = '{}', mfa_last_counter = NULL WHERE id = $1`, userID)
	return err
}

// ConsumeRecoveryCode atomically removes a matched recovery code hash so it
// cannot be reused; returns false if no stored hash matched, or if another
// request consumed a code concurrently (the caller may retry).
func (s *Store) ConsumeRecoveryCode(ctx context.Context, userID uuid.UUID, code string) (bool, error) {
	u, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return false, err
	}
	for i, hash := range u.RecoveryCodeHashes {
		if VerifyPassword(hash, code) {
			remaining := append(u.RecoveryCodeHashes[:i:i], u.RecoveryCodeHashes[i+1:]...)
			// The guard on the old array value makes the removal
			// compare-and-swap: two racing uses of the same one-shot code
			// both read the same array, but only the first update matches.
			tag, err := s.db.Exec(ctx, `
				UPDATE users SET recovery_code_hashes = $1
				WHERE id = $2 AND recovery_code_hashes = $3`,
				remaining, userID, u.RecoveryCodeHashes)
			if err != nil {
				return false, err
			}
			return tag.RowsAffected() > 0, nil
		}
	}
	return false, nil
}

// ConsumeTOTPCounter marks a verified TOTP step as used, refusing any
// counter at or below the last consumed one. Reports false when the step
// was already consumed — the replay signal that makes codes single-use.
func (s *Store) ConsumeTOTPCounter(ctx context.Context, userID uuid.UUID, counter uint64) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE users SET mfa_last_counter = $1
		WHERE id = $2 AND (mfa_last_counter IS NULL OR mfa_last_counter < $1)`,
		int64(counter), userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// BumpRolesVersion increments roles_version, invalidating outstanding
// access tokens and cached RBAC decisions on their next check.
func (s *Store) BumpRolesVersion(ctx context.Context, userID uuid.UUID) (int64, error) {
	var v int64
	err := s.db.QueryRow(ctx, `UPDATE users SET roles_version = roles_version + 1 WHERE id = $1 RETURNING roles_version`, userID).Scan(&v)
	return v, err
}

// AnonymizeUser implements the GDPR-erasure Open Question resolution:
// scrub PII in place, deactivate, keep the row (and all audit references).
func (s *Store) AnonymizeUser(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE users
		SET email = 'erased-' || id || '@omniscope.invalid',
		    display_name = 'Erased User',
		    password_hash = '',
		    mfa_secret = NULL,
		    mfa_enabled = false,
		    recovery_code_hashes = '{}',
		    is_active = false
		WHERE id = $1`, userID)
	return err
}
