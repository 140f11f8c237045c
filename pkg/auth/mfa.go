package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// GenerateTOTPSecret returns a random base32-encoded secret suitable for
// QR-code enrollment (RFC 6238 / RFC 4226).
func GenerateTOTPSecret() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating TOTP secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

// totpCode computes the 6-digit HOTP/TOTP code for the given counter.
func totpCode(secret string, counter uint64) (string, error) {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secret))
	if err != nil {
		return "", fmt.Errorf("decoding TOTP secret: %w", err)
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := (binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff) % 1_000_000

	return fmt.Sprintf("%06d", code), nil
}

// VerifyTOTP checks code against the secret at the current time step
// (default 30s step), allowing ±skew steps of clock drift. On a match it
// also returns the counter that matched: codes are single-use, so the
// caller must mark that counter consumed before accepting the login.
func VerifyTOTP(secret, code string, step time.Duration, skew int, now time.Time) (matched uint64, ok bool, err error) {
	counter := uint64(now.Unix() / int64(step.Seconds()))

	for d := -skew; d <= skew; d++ {
		c := counter + uint64(int64(d))
		want, err := totpCode(secret, c)
		if err != nil {
			return 0, false, err
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return c, true, nil
		}
	}
	return 0, false, nil
}

// GenerateRecoveryCodes returns n one-shot recovery codes and their argon2id
// hashes for storage. Codes are returned to the caller exactly once.
func GenerateRecoveryCodes(n int) (codes []string, hashes []string, err error) {
	codes = make([]string, n)
	hashes = make([]string, n)

	for i := 0; i < n; i++ {
		raw := make([]byte, 6)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, fmt.Errorf("generating recovery code: %w", err)
		}
		code := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
		hash, err := HashPassword(code)
		if err != nil {
			return nil, nil, err
		}
		codes[i] = code
		hashes[i] = hash
	}

	return codes, hashes, nil
}
