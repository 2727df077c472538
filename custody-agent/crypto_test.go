package main

import (
	"bytes"
	"testing"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	wrappingKey := make([]byte, 32)
	copy(wrappingKey, []byte("0123456789abcdef0123456789abcdef"))

	masterKey, err := generateMasterKey()
	if err != nil {
		t.Fatalf("generateMasterKey failed: %v", err)
	}

	ciphertext, nonce, err := wrapKey(wrappingKey, masterKey)
	if err != nil {
		t.Fatalf("wrapKey failed: %v", err)
	}
	if len(nonce) != 24 {
		t.Errorf("Expected 24-byte nonce, got %d bytes", len(nonce))
	}

	unwrapped, err := unwrapKey(wrappingKey, ciphertext, nonce)
	if err != nil {
		t.Fatalf("unwrapKey failed: %v", err)
	}
	if !bytes.Equal(unwrapped, masterKey) {
		t.Error("Unwrapped key does not match original")
	}
}

func TestWrapIsNonDeterministic(t *testing.T) {
	wrappingKey := make([]byte, 32)
	masterKey := make([]byte, 32)

	c1, n1, err := wrapKey(wrappingKey, masterKey)
	if err != nil {
		t.Fatalf("wrapKey failed: %v", err)
	}
	c2, n2, err := wrapKey(wrappingKey, masterKey)
	if err != nil {
		t.Fatalf("wrapKey failed: %v", err)
	}

	if bytes.Equal(n1, n2) {
		t.Error("Two wraps produced the same nonce")
	}
	if bytes.Equal(c1, c2) {
		t.Error("Two wraps produced the same ciphertext")
	}
}

func TestUnwrapWrongKey(t *testing.T) {
	rightKey := make([]byte, 32)
	wrongKey := make([]byte, 32)
	wrongKey[0] = 1

	masterKey := make([]byte, 32)
	ciphertext, nonce, err := wrapKey(rightKey, masterKey)
	if err != nil {
		t.Fatalf("wrapKey failed: %v", err)
	}

	if _, err := unwrapKey(wrongKey, ciphertext, nonce); err != ErrIntegrity {
		t.Errorf("Expected ErrIntegrity, got %v", err)
	}
}

func TestUnwrapTamperedCiphertext(t *testing.T) {
	key := make([]byte, 32)
	masterKey := make([]byte, 32)

	ciphertext, nonce, err := wrapKey(key, masterKey)
	if err != nil {
		t.Fatalf("wrapKey failed: %v", err)
	}

	ciphertext[len(ciphertext)/2] ^= 0xff
	if _, err := unwrapKey(key, ciphertext, nonce); err != ErrIntegrity {
		t.Errorf("Expected ErrIntegrity for tampered ciphertext, got %v", err)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := []byte("fixed-salt-16byt")
	k1 := deriveKey([]byte("password"), salt)
	k2 := deriveKey([]byte("password"), salt)
	if !bytes.Equal(k1, k2) {
		t.Error("Same inputs produced different derived keys")
	}
	if len(k1) != 32 {
		t.Errorf("Expected 32-byte derived key, got %d bytes", len(k1))
	}

	k3 := deriveKey([]byte("password"), []byte("other-salt-16byt"))
	if bytes.Equal(k1, k3) {
		t.Error("Different salts produced the same derived key")
	}
}

func TestAccountWrappingKey(t *testing.T) {
	master := make([]byte, 32)
	salt1 := []byte("salt-one")
	salt2 := []byte("salt-two")

	k1 := accountWrappingKey(master, salt1)
	k2 := accountWrappingKey(master, salt1)
	k3 := accountWrappingKey(master, salt2)

	if !bytes.Equal(k1, k2) {
		t.Error("Same salt produced different wrapping keys")
	}
	if bytes.Equal(k1, k3) {
		t.Error("Different salts produced the same wrapping key")
	}
	if len(k1) != 32 {
		t.Errorf("Expected 32-byte wrapping key, got %d bytes", len(k1))
	}
}

func TestTimingSafeEqual(t *testing.T) {
	a := []byte{1, 2, 3}
	b := []byte{1, 2, 3}
	c := []byte{1, 2, 4}
	d := []byte{1, 2}

	if !timingSafeEqual(a, b) {
		t.Error("Equal slices compared unequal")
	}
	if timingSafeEqual(a, c) {
		t.Error("Unequal slices compared equal")
	}
	if timingSafeEqual(a, d) {
		t.Error("Different length slices compared equal")
	}
}

func TestZeroBytes(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	zeroBytes(b)
	for i, v := range b {
		if v != 0 {
			t.Errorf("Byte %d not zeroed: %d", i, v)
		}
	}
}
