package crypto

import "testing"

func TestGenerateToken(t *testing.T) {
	token, err := GenerateToken(32)
	if err != nil {
		t.Fatalf("token error: %v", err)
	}

	if len(token) == 0 {
		t.Fatal("expected token to be non-empty")
	}

	other, err := GenerateToken(32)
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	if token == other {
		t.Fatal("expected tokens to differ")
	}

	if _, err := GenerateToken(0); err == nil {
		t.Fatal("expected error for zero length")
	}
}

func TestFingerprintIsStable(t *testing.T) {
	a := Fingerprint("session-token")
	b := Fingerprint("session-token")
	if a != b {
		t.Fatal("expected identical digests")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if Fingerprint("other") == a {
		t.Fatal("expected different digests for different input")
	}
}
