package main

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

// buildAuthData constructs attestation authenticator data with the
// given sign counter, credential ID, and COSE key bytes
func buildAuthData(t *testing.T, counter uint32, credentialID, coseKey []byte) []byte {
	t.Helper()

	data := make([]byte, 0, 64)
	data = append(data, make([]byte, 32)...) // rpIdHash
	data = append(data, 0x45)                // flags: UP, UV, AT

	counterBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(counterBytes, counter)
	data = append(data, counterBytes...)

	data = append(data, make([]byte, 16)...) // AAGUID

	idLen := make([]byte, 2)
	binary.BigEndian.PutUint16(idLen, uint16(len(credentialID)))
	data = append(data, idLen...)
	data = append(data, credentialID...)
	data = append(data, coseKey...)

	return data
}

// buildAttestation wraps authenticator data in a CBOR attestation object
func buildAttestation(t *testing.T, counter uint32, credentialID []byte) []byte {
	t.Helper()

	// Minimal Ed25519 COSE key: kty=OKP(1), alg=EdDSA(-8)
	coseKey, err := cbor.Marshal(map[int]interface{}{1: 1, 3: -8})
	if err != nil {
		t.Fatalf("Failed to marshal COSE key: %v", err)
	}

	authData := buildAuthData(t, counter, credentialID, coseKey)

	raw, err := cbor.Marshal(map[string]interface{}{
		"fmt":      "none",
		"attStmt":  map[string]interface{}{},
		"authData": authData,
	})
	if err != nil {
		t.Fatalf("Failed to marshal attestation object: %v", err)
	}
	return raw
}

// buildAssertionData constructs assertion authenticator data (no
// attested credential section) with the given counter
func buildAssertionData(counter uint32) []byte {
	data := make([]byte, 37)
	data[32] = 0x05 // flags: UP, UV
	binary.BigEndian.PutUint32(data[33:], counter)
	return data
}

func TestParseAttestation(t *testing.T) {
	credentialID := []byte("credential-id-0123456789")
	raw := buildAttestation(t, 7, credentialID)

	attested, err := parseAttestation(raw)
	if err != nil {
		t.Fatalf("parseAttestation failed: %v", err)
	}

	if !bytes.Equal(attested.CredentialID, credentialID) {
		t.Errorf("Credential ID mismatch: %x", attested.CredentialID)
	}
	if attested.SignCount != 7 {
		t.Errorf("Expected sign count 7, got %d", attested.SignCount)
	}
	if len(attested.PublicKey) == 0 {
		t.Error("Public key is empty")
	}

	// The stored key must be valid COSE CBOR.
	var probe map[interface{}]interface{}
	if err := cbor.Unmarshal(attested.PublicKey, &probe); err != nil {
		t.Errorf("Stored public key is not valid CBOR: %v", err)
	}
}

func TestParseAttestationMalformed(t *testing.T) {
	if _, err := parseAttestation([]byte("not cbor")); err == nil {
		t.Error("Expected error for non-CBOR input")
	}

	// Valid CBOR envelope with truncated authData.
	raw, _ := cbor.Marshal(map[string]interface{}{
		"fmt":      "none",
		"attStmt":  map[string]interface{}{},
		"authData": []byte{1, 2, 3},
	})
	if _, err := parseAttestation(raw); err == nil {
		t.Error("Expected error for truncated authenticator data")
	}
}

func TestAssertionCounter(t *testing.T) {
	counter, err := assertionCounter(buildAssertionData(42))
	if err != nil {
		t.Fatalf("assertionCounter failed: %v", err)
	}
	if counter != 42 {
		t.Errorf("Expected counter 42, got %d", counter)
	}

	if _, err := assertionCounter([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for short authenticator data")
	}
}
