package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditWriter is the narrow slice of pkg/audit.Service that auth needs,
// kept as an interface here so this package never imports audit directly.
type AuditWriter interface {
	LogSync(ctx context.Context, userID *uuid.UUID, action, resourceType string, resourceID *uuid.UUID, ip string, details map[string]any) error
}

// RoleAssigner is the narrow slice of pkg/rbac.Service that auth needs to
// seed a freshly registered user with the default Viewer role.
type RoleAssigner interface {
	AssignDefaultRole(ctx context.Context, userID uuid.UUID) error
}

// Config bundles the tunables service.go needs from internal/config, kept
// as plain fields so auth has no import dependency on the config package.
type Config struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	MFACodeStep     time.Duration
	MFACodeSkew     int
}

// Service orchestrates registration, login, MFA, token refresh, and logout.
type Service struct {
	pool    *pgxpool.Pool
	store   *Store
	signer  *TokenSigner
	audit   AuditWriter
	roles   RoleAssigner
	limiter *RateLimiter
	cfg     Config
	logger  *slog.Logger
}

// NewService wires a Service from its collaborators.
func NewService(pool *pgxpool.Pool, signer *TokenSigner, audit AuditWriter, roles RoleAssigner, limiter *RateLimiter, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		pool:    pool,
		store:   NewStore(pool),
		signer:  signer,
		audit:   audit,
		roles:   roles,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

// Session is what every successful login/refresh returns to the gateway.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	User         *User
}

// Register creates a new user, seeds the Viewer role, and emits audit
// `user_registered`.
func (s *Service) Register(ctx context.Context, email, displayName, password, ip string) (*User, error) {
	if err := ValidatePasswordPolicy(password); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, email, displayName, hash)
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}

	if err := s.roles.AssignDefaultRole(ctx, user.ID); err != nil {
		s.logger.Error("seeding default role failed", "user_id", user.ID, "error", err)
	}

	s.auditLog(ctx, &user.ID, "user_registered", "user", &user.ID, ip, nil)
	return user, nil
}

// MFAChallenge is returned by Login when the account has MFA enrolled;
// the caller must exchange it via VerifyMFA to obtain a Session.
type MFAChallenge struct {
	TempToken string
}

// Login verifies credentials and the login rate limit. If MFA is enrolled
// it returns an MFAChallenge instead of a Session.
func (s *Service) Login(ctx context.Context, email, password, ip string) (*Session, *MFAChallenge, error) {
	limit, err := s.limiter.Check(ctx, ip)
	if err != nil {
		return nil, nil, fmt.Errorf("checking rate limit: %w", err)
	}
	if !limit.Allowed {
		return nil, nil, ErrRateLimited
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		_ = s.limiter.Record(ctx, ip)
		s.auditLog(ctx, nil, "login_failed", "user", nil, ip, map[string]any{"email": email})
		return nil, nil, ErrInvalidCredentials
	}

	if !VerifyPassword(user.PasswordHash, password) {
		_ = s.limiter.Record(ctx, ip)
		s.auditLog(ctx, &user.ID, "login_failed", "user", &user.ID, ip, nil)
		return nil, nil, ErrInvalidCredentials
	}

	_ = s.limiter.Reset(ctx, ip)

	if user.MFAEnabled {
		tok, err := s.signer.IssueMFAToken(user.ID, 5*time.Minute)
		if err != nil {
			return nil, nil, fmt.Errorf("issuing mfa token: %w", err)
		}
		return nil, &MFAChallenge{TempToken: tok}, nil
	}

	session, err := s.issueSession(ctx, user, ip)
	if err != nil {
		return nil, nil, err
	}
	s.auditLog(ctx, &user.ID, "login_succeeded", "user", &user.ID, ip, nil)
	return session, nil, nil
}

// VerifyMFA exchanges a temp MFA token plus a TOTP code (or a recovery
// code) for a full Session.
func (s *Service) VerifyMFA(ctx context.Context, tempToken, code, ip string) (*Session, error) {
	claims, err := s.signer.Validate(tempToken, PurposeMFA)
	if err != nil {
		return nil, ErrInvalidMFAToken
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, ErrInvalidMFAToken
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, ErrInvalidMFAToken
	}

	ok := false
	if user.MFASecret != nil {
		counter, matched, err := VerifyTOTP(*user.MFASecret, code, s.cfg.MFACodeStep, s.cfg.MFACodeSkew, time.Now())
		if err != nil {
			return nil, fmt.Errorf("verifying totp: %w", err)
		}
		if matched {
			// Codes are single-use: the consumed-counter CAS rejects a
			// replay of the same code inside its validity window.
			fresh, err := s.store.ConsumeTOTPCounter(ctx, userID, counter)
			if err != nil {
				return nil, fmt.Errorf("consuming totp counter: %w", err)
			}
			if !fresh {
				s.auditLog(ctx, &user.ID, "mfa_verify_failed", "user", &user.ID, ip, map[string]any{"reason": "code_replayed"})
				return nil, ErrInvalidMFACode
			}
			ok = true
		}
	}
	if !ok {
		consumed, err := s.store.ConsumeRecoveryCode(ctx, userID, code)
		if err != nil {
			return nil, fmt.Errorf("checking recovery code: %w", err)
		}
		ok = consumed
	}
	if !ok {
		s.auditLog(ctx, &user.ID, "mfa_verify_failed", "user", &user.ID, ip, nil)
		return nil, ErrInvalidMFACode
	}

	session, err := s.issueSession(ctx, user, ip)
	if err != nil {
		return nil, err
	}
	s.auditLog(ctx, &user.ID, "login_succeeded", "user", &user.ID, ip, map[string]any{"mfa": true})
	return session, nil
}

// EnrollMFA generates a new TOTP secret and recovery codes for the caller.
// The secret is not committed until ConfirmMFA verifies a code against it.
func (s *Service) EnrollMFA(ctx context.Context, userID uuid.UUID) (secret string, recoveryCodes []string, err error) {
	secret, err = GenerateTOTPSecret()
	if err != nil {
		return "", nil, err
	}
	codes, hashes, err := GenerateRecoveryCodes(10)
	if err != nil {
		return "", nil, err
	}
	if err := s.store.SetMFA(ctx, userID, secret, hashes); err != nil {
		return "", nil, fmt.Errorf("storing mfa enrollment: %w", err)
	}
	return secret, codes, nil
}

// ConfirmMFA verifies a code against the just-enrolled secret, finalizing
// MFA activation. Returns an error if the code does not verify (enrollment
// already persisted by EnrollMFA stays enabled regardless — the caller may
// retry ConfirmMFA, or call DisableMFA to back out).
func (s *Service) ConfirmMFA(ctx context.Context, userID uuid.UUID, code string, ip string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading user: %w", err)
	}
	if user.MFASecret == nil {
		return ErrMFANotEnrolled
	}
	counter, ok, err := VerifyTOTP(*user.MFASecret, code, s.cfg.MFACodeStep, s.cfg.MFACodeSkew, time.Now())
	if err != nil {
		return fmt.Errorf("verifying totp: %w", err)
	}
	if !ok {
		return ErrInvalidMFACode
	}
	// Consume the step so the enrollment code can't be replayed at login.
	fresh, err := s.store.ConsumeTOTPCounter(ctx, userID, counter)
	if err != nil {
		return fmt.Errorf("consuming totp counter: %w", err)
	}
	if !fresh {
		return ErrInvalidMFACode
	}
	s.auditLog(ctx, &userID, "mfa_enabled", "user", &userID, ip, nil)
	return nil
}

// DisableMFA removes MFA enrollment, requiring the caller's current password
// as confirmation.
func (s *Service) DisableMFA(ctx context.Context, userID uuid.UUID, password, ip string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading user: %w", err)
	}
	if !VerifyPassword(user.PasswordHash, password) {
		return ErrInvalidCredentials
	}
	if err := s.store.DisableMFA(ctx, userID); err != nil {
		return fmt.Errorf("disabling mfa: %w", err)
	}
	s.auditLog(ctx, &userID, "mfa_disabled", "user", &userID, ip, nil)
	return nil
}

// Refresh rotates a presented refresh token for a new access/refresh pair.
// On reuse of an already-revoked token it revokes the whole family and
// emits audit `token_reuse_detected`.
func (s *Service) Refresh(ctx context.Context, rawRefreshToken, ip string) (*Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	txStore := NewStore(tx)
	newRaw, rec, err := txStore.Rotate(ctx, rawRefreshToken, s.cfg.RefreshTokenTTL)
	if err != nil {
		if errors.Is(err, ErrTokenReuse) {
			if cerr := tx.Commit(ctx); cerr != nil {
				return nil, fmt.Errorf("committing reuse revocation: %w", cerr)
			}
			s.auditLog(ctx, nil, "token_reuse_detected", "refresh_token", nil, ip, nil)
			return nil, ErrTokenReuseDetected
		}
		if errors.Is(err, ErrTokenNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, fmt.Errorf("rotating refresh token: %w", err)
	}

	user, err := txStore.GetUserByID(ctx, rec.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}

	accessToken, err := s.signer.IssueAccessToken(user.ID, user.Email, user.RolesVersion, s.cfg.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issuing access token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing rotation: %w", err)
	}

	return &Session{
		AccessToken:  accessToken,
		RefreshToken: newRaw,
		ExpiresIn:    int64(s.cfg.AccessTokenTTL.Seconds()),
		User:         user,
	}, nil
}

// Logout revokes a single refresh token (one session).
func (s *Service) Logout(ctx context.Context, rawRefreshToken string) error {
	return s.store.RevokeOne(ctx, rawRefreshToken)
}

// LogoutAll revokes every refresh token belonging to userID. Access tokens
// already issued stay valid until they expire.
func (s *Service) LogoutAll(ctx context.Context, userID uuid.UUID, ip string) error {
	if err := s.store.RevokeAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("revoking sessions: %w", err)
	}
	s.auditLog(ctx, &userID, "logout_all", "user", &userID, ip, nil)
	return nil
}

// ChangePassword updates a user's password after verifying the current one,
// then revokes every existing session so the old password can no longer be
// used to mint new access tokens.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, currentPassword, newPassword, ip string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading user: %w", err)
	}
	if !VerifyPassword(user.PasswordHash, currentPassword) {
		return ErrInvalidCredentials
	}
	if err := ValidatePasswordPolicy(newPassword); err != nil {
		return fmt.Errorf("invalid password: %w", err)
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	if err := s.store.SetPasswordHash(ctx, userID, hash); err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if err := s.store.RevokeAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("revoking sessions: %w", err)
	}
	s.auditLog(ctx, &userID, "password_changed", "user", &userID, ip, nil)
	return nil
}

// ListSessions returns the caller's live refresh-token sessions.
func (s *Service) ListSessions(ctx context.Context, userID uuid.UUID) ([]RefreshToken, error) {
	return s.store.ListActiveSessions(ctx, userID)
}

// RevokeSession revokes one of userID's live sessions (the refresh-token
// family behind sessionID) — the device-management counterpart to
// LogoutAll.
func (s *Service) RevokeSession(ctx context.Context, userID, sessionID uuid.UUID, ip string) error {
	found, err := s.store.RevokeSessionForUser(ctx, userID, sessionID)
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	if !found {
		return ErrSessionNotFound
	}
	s.auditLog(ctx, &userID, "session_revoked", "refresh_token", &sessionID, ip, nil)
	return nil
}

// EraseUser implements the GDPR-erasure decision: anonymize the user row
// in place and revoke every session, leaving audit history intact.
func (s *Service) EraseUser(ctx context.Context, userID uuid.UUID, ip string) error {
	if err := s.store.RevokeAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("revoking sessions: %w", err)
	}
	if err := s.store.AnonymizeUser(ctx, userID); err != nil {
		return fmt.Errorf("anonymizing user: %w", err)
	}
	s.auditLog(ctx, &userID, "user_erased", "user", &userID, ip, nil)
	return nil
}

func (s *Service) issueSession(ctx context.Context, user *User, ip string) (*Session, error) {
	accessToken, err := s.signer.IssueAccessToken(user.ID, user.Email, user.RolesVersion, s.cfg.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issuing access token: %w", err)
	}
	refreshToken, _, err := s.store.IssueRefreshToken(ctx, user.ID, s.cfg.RefreshTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issuing refresh token: %w", err)
	}
	return &Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.cfg.AccessTokenTTL.Seconds()),
		User:         user,
	}, nil
}

func (s *Service) auditLog(ctx context.Context, userID *uuid.UUID, action, resourceType string, resourceID *uuid.UUID, ip string, details map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogSync(ctx, userID, action, resourceType, resourceID, ip, details); err != nil {
		s.logger.Error("audit log failed", "action", action, "error", err)
	}
}
