// Package crypto tests for encryption functionality.
package crypto

import (
	"strings"
	"testing"
)

// TestEncryptDecrypt_roundtrip verifies basic encryption and decryption.
func TestEncryptDecrypt_roundtrip(t *testing.T) {
	plaintext := []byte("Hello, World!")
	key := []byte("test-key-12345")

	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if ciphertext == "" {
		t.Error("Encrypt() returned empty string")
	}

	decrypted, err := Decrypt(ciphertext, key)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}

	if string(decrypted) != string(plaintext) {
		t.Errorf("Decrypt() = %q, want %q", string(decrypted), string(plaintext))
	}
}

// TestEncrypt_sameKeyDifferentNonce verifies each encryption produces unique ciphertext.
func TestEncrypt_sameKeyDifferentNonce(t *testing.T) {
	plaintext := []byte("Hello, World!")
	key := []byte("test-key-12345")

	ciphertext1, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt() first error = %v", err)
	}

	ciphertext2, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt() second error = %v", err)
	}

	// Should be different due to random nonce
	if ciphertext1 == ciphertext2 {
		t.Error("Encrypt() twice with same key produced same ciphertext (nonce should be random)")
	}
}

// TestDecrypt_invalidBase64 verifies invalid ciphertexts are rejected.
func TestDecrypt_invalidBase64(t *testing.T) {
	key := []byte("test-key-12345")

	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "not-valid-base64!!!"},
		{"empty string", ""},
		{"special chars", "!@#$%^&*()"},
		{"too short for nonce", "YWJj"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.input, key)
			if err != ErrInvalidCiphertext {
				t.Errorf("Decrypt() error = %v, want ErrInvalidCiphertext", err)
			}
		})
	}
}

// TestDecrypt_wrongKey verifies wrong key fails decryption.
func TestDecrypt_wrongKey(t *testing.T) {
	plaintext := []byte("Hello, World!")

	ciphertext, err := Encrypt(plaintext, []byte("key-one"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	_, err = Decrypt(ciphertext, []byte("key-two"))
	if err != ErrInvalidCiphertext {
		t.Errorf("Decrypt() with wrong key error = %v, want ErrInvalidCiphertext", err)
	}
}

// TestDecrypt_tamperedCiphertext verifies modified ciphertext is rejected.
func TestDecrypt_tamperedCiphertext(t *testing.T) {
	plaintext := []byte("Hello, World!")
	key := []byte("test-key-12345")

	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	tampered := strings.ToUpper(ciphertext[:10]) + ciphertext[10:]

	_, err = Decrypt(tampered, key)
	if err != ErrInvalidCiphertext {
		t.Errorf("Decrypt() with tampered ciphertext error = %v, want ErrInvalidCiphertext", err)
	}
}

// TestEncryptString_roundtrip verifies string wrapper functions.
func TestEncryptString_roundtrip(t *testing.T) {
	plaintext := "Hello, World!"
	key := "test-key-12345"

	ciphertext, err := EncryptString(plaintext, key)
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}

	decrypted, err := DecryptString(ciphertext, key)
	if err != nil {
		t.Fatalf("DecryptString() error = %v", err)
	}

	if decrypted != plaintext {
		t.Errorf("DecryptString() = %q, want %q", decrypted, plaintext)
	}
}

// TestEncryptString_emptyKey verifies empty key is rejected.
func TestEncryptString_emptyKey(t *testing.T) {
	_, err := EncryptString("plaintext", "")
	if err != ErrInvalidKey {
		t.Errorf("EncryptString() with empty key error = %v, want ErrInvalidKey", err)
	}
}

// TestEncryptString_unicode verifies unicode strings work correctly.
func TestEncryptString_unicode(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"chinese", "你好世界"},
		{"emoji", "👋🌍🎉"},
		{"mixed", "Hello 你好 123 🌍"},
	}

	key := "test-key-12345"

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := EncryptString(tt.text, key)
			if err != nil {
				t.Fatalf("EncryptString() error = %v", err)
			}

			decrypted, err := DecryptString(ciphertext, key)
			if err != nil {
				t.Fatalf("DecryptString() error = %v", err)
			}

			if decrypted != tt.text {
				t.Errorf("DecryptString() = %q, want %q", decrypted, tt.text)
			}
		})
	}
}

// TestEncryptToken_roundtrip verifies session token encryption.
func TestEncryptToken_roundtrip(t *testing.T) {
	token := "eyJhbGciOiJIUzI1NiJ9.test.signature"
	secret := "local-secret"

	encrypted, err := EncryptToken(token, secret)
	if err != nil {
		t.Fatalf("EncryptToken() error = %v", err)
	}
	if encrypted == token {
		t.Error("EncryptToken() should not store the token in plaintext")
	}

	decrypted, err := DecryptToken(encrypted, secret)
	if err != nil {
		t.Fatalf("DecryptToken() error = %v", err)
	}
	if decrypted != token {
		t.Errorf("DecryptToken() = %q, want %q", decrypted, token)
	}
}

// TestEncryptToken_empty verifies empty tokens are rejected.
func TestEncryptToken_empty(t *testing.T) {
	_, err := EncryptToken("", "secret")
	if err == nil {
		t.Error("EncryptToken() with empty token should return error")
	}
}

// TestDecryptToken_empty verifies empty ciphertext means no token.
func TestDecryptToken_empty(t *testing.T) {
	result, err := DecryptToken("", "secret")
	if err != nil {
		t.Fatalf("DecryptToken() error = %v", err)
	}
	if result != "" {
		t.Errorf("DecryptToken() with empty ciphertext = %q, want empty", result)
	}
}

// TestDecryptToken_wrongSecret verifies a different secret fails.
func TestDecryptToken_wrongSecret(t *testing.T) {
	encrypted, err := EncryptToken("token-value", "secret-one")
	if err != nil {
		t.Fatalf("EncryptToken() error = %v", err)
	}

	_, err = DecryptToken(encrypted, "secret-two")
	if err != ErrInvalidCiphertext {
		t.Errorf("DecryptToken() with wrong secret error = %v, want ErrInvalidCiphertext", err)
	}
}
