package crypto

import (
	"bytes"
	"testing"
)

// testKey returns a valid 32-byte key for use in tests.
func testKey() []byte {
	return bytes.Repeat([]byte("k"), 32)
}

func TestNewSecretCipher(t *testing.T) {
	t.Run("valid 32-byte key", func(t *testing.T) {
		sc, err := NewSecretCipher(testKey())
		if err != nil {
			t.Fatalf("NewSecretCipher() unexpected error: %v", err)
		}
		if sc == nil {
			t.Fatal("NewSecretCipher() returned nil cipher")
		}
	})

	tests := []struct {
		name    string
		keyLen  int
		wantErr error
	}{
		{"too short (16 bytes)", 16, ErrKeyLengthInvalid},
		{"too long (64 bytes)", 64, ErrKeyLengthInvalid},
		{"empty key", 0, ErrKeyLengthInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSecretCipher(make([]byte, tt.keyLen))
			if err != tt.wantErr {
				t.Errorf("NewSecretCipher(len=%d) error = %v, want %v", tt.keyLen, err, tt.wantErr)
			}
		})
	}
}

func TestDeriveSecretCipher(t *testing.T) {
	t.Run("empty process secret", func(t *testing.T) {
		if _, err := DeriveSecretCipher(""); err != ErrEmptySecret {
			t.Errorf("DeriveSecretCipher(\"\") error = %v, want %v", err, ErrEmptySecret)
		}
	})

	t.Run("deterministic across instances", func(t *testing.T) {
		a, err := DeriveSecretCipher("signing-secret-for-tests-000000000")
		if err != nil {
			t.Fatalf("DeriveSecretCipher() error: %v", err)
		}
		b, _ := DeriveSecretCipher("signing-secret-for-tests-000000000")

		sealed, _ := a.Seal("smtp-password")
		got, err := b.Open(sealed)
		if err != nil {
			t.Fatalf("Open() error: %v", err)
		}
		if got != "smtp-password" {
			t.Errorf("Open() = %q, want smtp-password", got)
		}
	})

	t.Run("rotated secret reports tampering", func(t *testing.T) {
		a, _ := DeriveSecretCipher("first-secret")
		b, _ := DeriveSecretCipher("second-secret")
		sealed, _ := a.Seal("smtp-password")
		_, err := b.Open(sealed)
		if !IsTampered(err) {
			t.Errorf("Open() with rotated secret error = %v, want tampered", err)
		}
	})

	t.Run("salt too short", func(t *testing.T) {
		_, err := DeriveSecretCipherWithSalt("passphrase", make([]byte, 8), 100000)
		if err != ErrSaltTooShort {
			t.Errorf("DeriveSecretCipherWithSalt() error = %v, want %v", err, ErrSaltTooShort)
		}
	})
}

func TestSealAndOpen(t *testing.T) {
	sc, err := NewSecretCipher(testKey())
	if err != nil {
		t.Fatalf("NewSecretCipher() error: %v", err)
	}

	plaintexts := []string{
		"hello",
		"unicode: contraseña",
		"special chars: !@#$%^&*()",
	}

	for _, pt := range plaintexts {
		t.Run(pt, func(t *testing.T) {
			sealed, err := sc.Seal(pt)
			if err != nil {
				t.Fatalf("Seal() error: %v", err)
			}
			if sealed == "" || sealed == pt {
				t.Fatalf("Seal() = %q, want opaque ciphertext", sealed)
			}
			opened, err := sc.Open(sealed)
			if err != nil {
				t.Fatalf("Open() error: %v", err)
			}
			if opened != pt {
				t.Errorf("Open() = %q, want %q", opened, pt)
			}
		})
	}
}

func TestSealEmptyString(t *testing.T) {
	sc, _ := NewSecretCipher(testKey())

	sealed, err := sc.Seal("")
	if err != nil || sealed != "" {
		t.Errorf("Seal(\"\") = %q, %v; want empty, nil", sealed, err)
	}
	opened, err := sc.Open("")
	if err != nil || opened != "" {
		t.Errorf("Open(\"\") = %q, %v; want empty, nil", opened, err)
	}
}

func TestSealNonDeterministic(t *testing.T) {
	sc, _ := NewSecretCipher(testKey())
	s1, _ := sc.Seal("same-plaintext")
	s2, _ := sc.Seal("same-plaintext")
	if s1 == s2 {
		t.Error("Seal() produced identical ciphertexts; nonce is not random")
	}
}

func TestOpenErrors(t *testing.T) {
	sc, _ := NewSecretCipher(testKey())

	tests := []struct {
		name       string
		ciphertext string
		wantErr    error
	}{
		{"not base64", "!!!not-base64!!!", ErrCiphertextCorrupted},
		{"too short after decode", "YQ==", ErrCiphertextCorrupted},
		{"random base64 garbage", "dGhpcyBpcyBub3QgYSB2YWxpZCBjaXBoZXJ0ZXh0", ErrDecryptionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sc.Open(tt.ciphertext)
			if err != tt.wantErr {
				t.Errorf("Open(%q) error = %v, want %v", tt.ciphertext, err, tt.wantErr)
			}
			if !IsTampered(err) {
				t.Errorf("IsTampered(%v) = false, want true", err)
			}
		})
	}
}

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("GenerateKey() len = %d, want 32", len(key))
	}
	if _, err := NewSecretCipher(key); err != nil {
		t.Errorf("NewSecretCipher(GenerateKey()) error: %v", err)
	}
}
