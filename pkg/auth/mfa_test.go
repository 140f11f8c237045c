package auth

import (
	"testing"
	"time"
)

func TestVerifyTOTP_CurrentStep(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	if err != nil {
		t.Fatalf("GenerateTOTPSecret() error = %v", err)
	}

	now := time.Unix(1_700_000_000, 0)
	code, err := totpCode(secret, uint64(now.Unix()/30))
	if err != nil {
		t.Fatalf("totpCode() error = %v", err)
	}

	counter, ok, err := VerifyTOTP(secret, code, 30*time.Second, 1, now)
	if err != nil {
		t.Fatalf("VerifyTOTP() error = %v", err)
	}
	if !ok {
		t.Errorf("VerifyTOTP() = false, want true for the current step's code")
	}
	if want := uint64(now.Unix() / 30); counter != want {
		t.Errorf("VerifyTOTP() matched counter = %d, want %d", counter, want)
	}
}

func TestVerifyTOTP_WrongCode(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	if err != nil {
		t.Fatalf("GenerateTOTPSecret() error = %v", err)
	}

	_, ok, err := VerifyTOTP(secret, "000000", 30*time.Second, 1, time.Now())
	if err != nil {
		t.Fatalf("VerifyTOTP() error = %v", err)
	}
	if ok {
		t.Errorf("VerifyTOTP() = true, want false for an arbitrary wrong code")
	}
}

func TestVerifyTOTP_OutsideSkewWindow(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	if err != nil {
		t.Fatalf("GenerateTOTPSecret() error = %v", err)
	}

	now := time.Unix(1_700_000_000, 0)
	futureCode, err := totpCode(secret, uint64(now.Unix()/30)+5)
	if err != nil {
		t.Fatalf("totpCode() error = %v", err)
	}

	_, ok, err := VerifyTOTP(secret, futureCode, 30*time.Second, 1, now)
	if err != nil {
		t.Fatalf("VerifyTOTP() error = %v", err)
	}
	if ok {
		t.Errorf("VerifyTOTP() = true, want false for a code 5 steps outside the ±1 skew window")
	}
}

func TestVerifyTOTP_SkewWindowReportsMatchedCounter(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	if err != nil {
		t.Fatalf("GenerateTOTPSecret() error = %v", err)
	}

	now := time.Unix(1_700_000_000, 0)
	base := uint64(now.Unix() / 30)
	prevCode, err := totpCode(secret, base-1)
	if err != nil {
		t.Fatalf("totpCode() error = %v", err)
	}

	counter, ok, err := VerifyTOTP(secret, prevCode, 30*time.Second, 1, now)
	if err != nil {
		t.Fatalf("VerifyTOTP() error = %v", err)
	}
	if !ok {
		t.Fatal("VerifyTOTP() = false, want true for the previous step inside the skew window")
	}
	if counter != base-1 {
		t.Errorf("VerifyTOTP() matched counter = %d, want %d: a consumed-counter check needs the step that actually matched", counter, base-1)
	}
}

func TestGenerateRecoveryCodes(t *testing.T) {
	codes, hashes, err := GenerateRecoveryCodes(10)
	if err != nil {
		t.Fatalf("GenerateRecoveryCodes() error = %v", err)
	}
	if len(codes) != 10 || len(hashes) != 10 {
		t.Fatalf("GenerateRecoveryCodes() returned %d codes, %d hashes, want 10 each", len(codes), len(hashes))
	}

	seen := make(map[string]bool)
	for i, code := range codes {
		if seen[code] {
			t.Errorf("duplicate recovery code generated: %q", code)
		}
		seen[code] = true

		if !VerifyPassword(hashes[i], code) {
			t.Errorf("VerifyPassword() = false for hash/code pair %d", i)
		}
	}
}
