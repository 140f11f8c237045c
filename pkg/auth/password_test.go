package auth

import "testing"

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct-horse-battery-staple1!")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	if !VerifyPassword(hash, "correct-horse-battery-staple1!") {
		t.Errorf("VerifyPassword() = false, want true for correct password")
	}
	if VerifyPassword(hash, "wrong-password") {
		t.Errorf("VerifyPassword() = true, want false for incorrect password")
	}
}

func TestVerifyPassword_MalformedHash(t *testing.T) {
	cases := []string{"", "not-a-hash", "$argon2id$v=19$m=65536,t=1,p=4$onlyonepart"}
	for _, c := range cases {
		if VerifyPassword(c, "anything") {
			t.Errorf("VerifyPassword(%q) = true, want false", c)
		}
	}
}

func TestValidatePasswordPolicy(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"too short", "Aa1!aaa", true},
		{"only lowercase", "aaaaaaaaaaaaaaaa", true},
		{"two classes", "aaaaaaaaaaaaaa11", true},
		{"three classes", "aaaaaaaaaaaaAA11", false},
		{"all four classes", "aaaaaaaaaaAA11!!", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePasswordPolicy(tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePasswordPolicy(%q) error = %v, wantErr %v", tt.password, err, tt.wantErr)
			}
		})
	}
}
