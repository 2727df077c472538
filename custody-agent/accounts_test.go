package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcutil/base58"
)

func testMasterKey() []byte {
	return []byte("master-key-0123456789abcdef01234")
}

func TestImportAccount(t *testing.T) {
	r, err := NewAccountRegistry(newTestStore(t))
	if err != nil {
		t.Fatalf("NewAccountRegistry failed: %v", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	account, err := r.Import(base58.Encode(priv), testMasterKey())
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	expectedPub := base58.Encode(priv[ed25519.SeedSize:])
	if account.PublicKey != expectedPub {
		t.Errorf("Public key mismatch: %s != %s", account.PublicKey, expectedPub)
	}

	// First imported account becomes active.
	active, err := r.Active()
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if active.PublicKey != expectedPub {
		t.Errorf("Active account mismatch: %s", active.PublicKey)
	}

	// Importing the same key again fails.
	if _, err := r.Import(base58.Encode(priv), testMasterKey()); err == nil {
		t.Error("Expected error importing duplicate account")
	}
}

func TestImportRejectsInvalidKeys(t *testing.T) {
	r, _ := NewAccountRegistry(newTestStore(t))

	// Not base58 / wrong length.
	if _, err := r.Import("tooshort", testMasterKey()); err != ErrInvalidPrivateKey {
		t.Errorf("Expected ErrInvalidPrivateKey, got %v", err)
	}

	// Right length but inconsistent public half.
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	corrupted := make([]byte, len(priv))
	copy(corrupted, priv)
	corrupted[ed25519.SeedSize] ^= 0xff
	if _, err := r.Import(base58.Encode(corrupted), testMasterKey()); err != ErrInvalidPrivateKey {
		t.Errorf("Expected ErrInvalidPrivateKey for corrupted key, got %v", err)
	}
}

func TestGenerateAccount(t *testing.T) {
	r, _ := NewAccountRegistry(newTestStore(t))

	account, err := r.Generate(testMasterKey())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if account.PublicKey == "" {
		t.Error("Generated account has empty public key")
	}

	accounts, err := r.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(accounts) != 1 {
		t.Errorf("Expected 1 account, got %d", len(accounts))
	}
}

func TestSigningKeyRoundTrip(t *testing.T) {
	r, _ := NewAccountRegistry(newTestStore(t))

	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	account, err := r.Import(base58.Encode(priv), testMasterKey())
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	recovered, err := r.SigningKey(account, testMasterKey())
	if err != nil {
		t.Fatalf("SigningKey failed: %v", err)
	}
	if !bytes.Equal(recovered, priv) {
		t.Error("Recovered signing key does not match original")
	}

	// The wrong master key cannot unwrap the account key.
	wrongMaster := []byte("wrong-master-key-0123456789abcd!")
	if _, err := r.SigningKey(account, wrongMaster); err != ErrIntegrity {
		t.Errorf("Expected ErrIntegrity with wrong master key, got %v", err)
	}
}

func TestSelectActive(t *testing.T) {
	store := newTestStore(t)
	r, _ := NewAccountRegistry(store)

	a1, err := r.Generate(testMasterKey())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	a2, err := r.Generate(testMasterKey())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	active, _ := r.Active()
	if active.PublicKey != a1.PublicKey {
		t.Errorf("Expected first account active, got %s", active.PublicKey)
	}

	if err := r.SelectActive(a2.PublicKey); err != nil {
		t.Fatalf("SelectActive failed: %v", err)
	}
	active, _ = r.Active()
	if active.PublicKey != a2.PublicKey {
		t.Errorf("Expected second account active, got %s", active.PublicKey)
	}

	if err := r.SelectActive("no-such-account"); err != ErrUnknownAccount {
		t.Errorf("Expected ErrUnknownAccount, got %v", err)
	}

	// Selection survives a registry reload.
	r2, err := NewAccountRegistry(store)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	active, _ = r2.Active()
	if active.PublicKey != a2.PublicKey {
		t.Errorf("Active selection lost on reload: %s", active.PublicKey)
	}
}

func TestActiveWithNoAccounts(t *testing.T) {
	r, _ := NewAccountRegistry(newTestStore(t))

	if _, err := r.Active(); err != ErrNoActiveAccount {
		t.Errorf("Expected ErrNoActiveAccount, got %v", err)
	}
}
