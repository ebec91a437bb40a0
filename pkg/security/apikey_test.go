package security

import "testing"

func TestNewAPIKeyRoundTrip(t *testing.T) {
	plaintext, hashed, err := NewAPIKey()
	if err != nil {
		t.Fatalf("NewAPIKey: %v", err)
	}
	if plaintext == "" {
		t.Fatal("expected non-empty plaintext")
	}

	ok, err := Verify(plaintext, hashed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected plaintext to verify against its own hash")
	}

	ok, err = Verify("wrong-key", hashed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("expected wrong key to fail verification")
	}
}

func TestEncodeDecodeHashedKey(t *testing.T) {
	_, hashed, err := NewAPIKey()
	if err != nil {
		t.Fatalf("NewAPIKey: %v", err)
	}

	salt, hash := EncodeHashedKey(hashed)
	decoded, err := DecodeHashedKey(salt, hash)
	if err != nil {
		t.Fatalf("DecodeHashedKey: %v", err)
	}

	if string(decoded.Salt) != string(hashed.Salt) || string(decoded.Hash) != string(hashed.Hash) {
		t.Fatal("decoded hashed key does not match original")
	}
}
