package auth

import "errors"

var (
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrRateLimited         = errors.New("too many login attempts, try again later")
	ErrInvalidMFAToken     = errors.New("invalid or expired mfa challenge token")
	ErrInvalidMFACode      = errors.New("invalid mfa code")
	ErrMFANotEnrolled      = errors.New("mfa is not enrolled for this account")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrSessionNotFound     = errors.New("no such session for this user")
	ErrTokenReuseDetected  = errors.New("refresh token reuse detected, all sessions revoked")
)
