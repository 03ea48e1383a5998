package secret

import "testing"

func TestPlaintextIsIdentity(t *testing.T) {
	got, err := (Plaintext{}).Decrypt("anything-at-all")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "anything-at-all" {
		t.Fatalf("expected identity passthrough, got %q", got)
	}
}

func TestAESGCMRoundTrip(t *testing.T) {
	d, err := NewAESGCMDecryptor("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("building decryptor: %v", err)
	}

	ciphertext, err := d.Encrypt("super-secret-token")
	if err != nil {
		t.Fatalf("encrypting: %v", err)
	}

	plain, err := d.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypting: %v", err)
	}
	if plain != "super-secret-token" {
		t.Fatalf("expected round-trip to recover plaintext, got %q", plain)
	}
}

func TestAESGCMDecryptEmptyStringIsNoop(t *testing.T) {
	d, err := NewAESGCMDecryptor("passphrase")
	if err != nil {
		t.Fatalf("building decryptor: %v", err)
	}
	got, err := d.Decrypt("")
	if err != nil || got != "" {
		t.Fatalf("expected empty ciphertext to decrypt to empty string, got %q, err=%v", got, err)
	}
}

func TestAESGCMDecryptWrongKeyFails(t *testing.T) {
	d1, _ := NewAESGCMDecryptor("key-one")
	d2, _ := NewAESGCMDecryptor("key-two")

	ciphertext, err := d1.Encrypt("payload")
	if err != nil {
		t.Fatalf("encrypting: %v", err)
	}
	if _, err := d2.Decrypt(ciphertext); err == nil {
		t.Fatal("expected decryption with the wrong key to fail")
	}
}

func TestAESGCMDecryptRejectsMalformedBase64(t *testing.T) {
	d, _ := NewAESGCMDecryptor("passphrase")
	if _, err := d.Decrypt("not-valid-base64!!"); err == nil {
		t.Fatal("expected malformed base64 to error")
	}
}
