package main

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/bunwallet/bund/custody-agent/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	key := make([]byte, 32)
	rand.Read(key)

	s, err := storage.Open(":memory:", key, "test-agent")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterPasswordAndVerify(t *testing.T) {
	cs := NewCredentialStore(newTestStore(t))

	registered, err := cs.Registered()
	if err != nil {
		t.Fatalf("Registered failed: %v", err)
	}
	if registered {
		t.Fatal("Credential registered before setup")
	}

	masterKey, err := cs.RegisterPassword([]byte("correct horse battery staple"))
	if err != nil {
		t.Fatalf("RegisterPassword failed: %v", err)
	}
	if len(masterKey) != 32 {
		t.Errorf("Expected 32-byte master key, got %d bytes", len(masterKey))
	}

	// Wrong password fails without revealing anything else.
	_, err = cs.Verify(&Proof{Password: []byte("wrong password")})
	if err != ErrAuthenticationFailed {
		t.Errorf("Expected ErrAuthenticationFailed, got %v", err)
	}

	// Correct password recovers the same master key.
	recovered, err := cs.Verify(&Proof{Password: []byte("correct horse battery staple")})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !bytes.Equal(recovered, masterKey) {
		t.Error("Recovered master key does not match original")
	}

	desc, err := cs.Descriptor()
	if err != nil {
		t.Fatalf("Descriptor failed: %v", err)
	}
	if desc.LastLogin == 0 {
		t.Error("LastLogin not updated after verification")
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	cs := NewCredentialStore(newTestStore(t))

	if _, err := cs.RegisterPassword([]byte("first")); err != nil {
		t.Fatalf("RegisterPassword failed: %v", err)
	}
	if _, err := cs.RegisterPassword([]byte("second")); err != ErrAlreadyRegistered {
		t.Errorf("Expected ErrAlreadyRegistered, got %v", err)
	}
	if _, err := cs.RegisterAuthenticator(nil); err != ErrAlreadyRegistered {
		t.Errorf("Expected ErrAlreadyRegistered for authenticator, got %v", err)
	}
}

func TestVerifyUnregistered(t *testing.T) {
	cs := NewCredentialStore(newTestStore(t))

	if _, err := cs.Verify(&Proof{Password: []byte("anything")}); err != ErrNotRegistered {
		t.Errorf("Expected ErrNotRegistered, got %v", err)
	}
}

func TestVerifyDetectsTamperedWrap(t *testing.T) {
	store := newTestStore(t)
	cs := NewCredentialStore(store)

	if _, err := cs.RegisterPassword([]byte("password")); err != nil {
		t.Fatalf("RegisterPassword failed: %v", err)
	}

	// Corrupt the wrapped master key behind the store's back.
	desc, err := cs.Descriptor()
	if err != nil {
		t.Fatalf("Descriptor failed: %v", err)
	}
	desc.WrappedMasterKey[0] ^= 0xff
	if err := cs.persist(desc); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	// The password still matches its verifier, so the unwrap failure
	// must surface as an integrity error, not a wrong password.
	if _, err := cs.Verify(&Proof{Password: []byte("password")}); err != ErrIntegrity {
		t.Errorf("Expected ErrIntegrity, got %v", err)
	}
}

func TestRegisterAuthenticatorAndVerify(t *testing.T) {
	cs := NewCredentialStore(newTestStore(t))

	credentialID := []byte("authenticator-credential-id")
	masterKey, err := cs.RegisterAuthenticator(buildAttestation(t, 1, credentialID))
	if err != nil {
		t.Fatalf("RegisterAuthenticator failed: %v", err)
	}

	recovered, err := cs.Verify(&Proof{Assertion: &AuthenticatorAssertion{
		CredentialID:      credentialID,
		AuthenticatorData: buildAssertionData(2),
	}})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !bytes.Equal(recovered, masterKey) {
		t.Error("Recovered master key does not match original")
	}

	desc, _ := cs.Descriptor()
	if desc.SignCount != 2 {
		t.Errorf("Expected sign count 2 after verification, got %d", desc.SignCount)
	}
}

func TestAssertionReplayRejected(t *testing.T) {
	cs := NewCredentialStore(newTestStore(t))

	credentialID := []byte("authenticator-credential-id")
	if _, err := cs.RegisterAuthenticator(buildAttestation(t, 5, credentialID)); err != nil {
		t.Fatalf("RegisterAuthenticator failed: %v", err)
	}

	// Counter equal to stored value is a replay.
	_, err := cs.Verify(&Proof{Assertion: &AuthenticatorAssertion{
		CredentialID:      credentialID,
		AuthenticatorData: buildAssertionData(5),
	}})
	if err != ErrReplayDetected {
		t.Errorf("Expected ErrReplayDetected for equal counter, got %v", err)
	}

	// Counter below stored value is a replay.
	_, err = cs.Verify(&Proof{Assertion: &AuthenticatorAssertion{
		CredentialID:      credentialID,
		AuthenticatorData: buildAssertionData(3),
	}})
	if err != ErrReplayDetected {
		t.Errorf("Expected ErrReplayDetected for stale counter, got %v", err)
	}

	// A failed attempt must not have advanced the counter.
	desc, _ := cs.Descriptor()
	if desc.SignCount != 5 {
		t.Errorf("Sign count changed on failed attempts: %d", desc.SignCount)
	}

	// Advancing counter succeeds.
	if _, err := cs.Verify(&Proof{Assertion: &AuthenticatorAssertion{
		CredentialID:      credentialID,
		AuthenticatorData: buildAssertionData(6),
	}}); err != nil {
		t.Errorf("Verify with advancing counter failed: %v", err)
	}
}

func TestZeroCounterExemptFromMonotonicity(t *testing.T) {
	cs := NewCredentialStore(newTestStore(t))

	credentialID := []byte("counterless-authenticator")
	if _, err := cs.RegisterAuthenticator(buildAttestation(t, 0, credentialID)); err != nil {
		t.Fatalf("RegisterAuthenticator failed: %v", err)
	}

	// Authenticators without counters always report zero; repeated
	// zero-counter assertions must keep working.
	for i := 0; i < 3; i++ {
		if _, err := cs.Verify(&Proof{Assertion: &AuthenticatorAssertion{
			CredentialID:      credentialID,
			AuthenticatorData: buildAssertionData(0),
		}}); err != nil {
			t.Fatalf("Zero-counter verify %d failed: %v", i, err)
		}
	}
}

func TestAssertionWrongCredentialID(t *testing.T) {
	cs := NewCredentialStore(newTestStore(t))

	if _, err := cs.RegisterAuthenticator(buildAttestation(t, 1, []byte("right-credential"))); err != nil {
		t.Fatalf("RegisterAuthenticator failed: %v", err)
	}

	_, err := cs.Verify(&Proof{Assertion: &AuthenticatorAssertion{
		CredentialID:      []byte("wrong-credential"),
		AuthenticatorData: buildAssertionData(2),
	}})
	if err != ErrAuthenticationFailed {
		t.Errorf("Expected ErrAuthenticationFailed, got %v", err)
	}
}
