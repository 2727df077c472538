package main

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Hardware authenticator data parsing (WebAuthn wire formats).
//
// Attestation objects arrive CBOR-encoded from credential creation.
// Assertion authenticator data is a fixed-layout byte string:
//
//	rpIdHash (32) | flags (1) | signCount (4, big-endian) | ...
//
// Only the sign counter and the credential public key are consumed here;
// signature verification against the platform is the browser's job
// before the payload ever reaches the agent.

const (
	// assertionCounterOffset is the byte offset of the sign counter in
	// authenticator data
	assertionCounterOffset = 33

	// attestedCredentialDataOffset is the byte offset where attested
	// credential data begins in attestation authenticator data
	attestedCredentialDataOffset = 37

	aaguidSize       = 16
	credentialIDSize = 2 // length prefix, big-endian uint16
)

// attestationObject is the CBOR envelope of a credential creation response
type attestationObject struct {
	Format       string          `cbor:"fmt"`
	AttStatement cbor.RawMessage `cbor:"attStmt"`
	AuthData     []byte          `cbor:"authData"`
}

// attestedCredential holds the fields extracted from an attestation object
type attestedCredential struct {
	CredentialID []byte
	PublicKey    []byte // raw COSE key bytes
	SignCount    uint32
}

// parseAttestation extracts the credential ID, COSE public key, and
// initial sign counter from a CBOR attestation object
func parseAttestation(raw []byte) (*attestedCredential, error) {
	var att attestationObject
	if err := cbor.Unmarshal(raw, &att); err != nil {
		return nil, fmt.Errorf("failed to decode attestation object: %w", err)
	}

	data := att.AuthData
	if len(data) < attestedCredentialDataOffset+aaguidSize+credentialIDSize {
		return nil, fmt.Errorf("authenticator data too short: %d bytes", len(data))
	}

	signCount := binary.BigEndian.Uint32(data[assertionCounterOffset : assertionCounterOffset+4])

	// Skip rpIdHash, flags, counter, and AAGUID to the credential ID
	// length prefix.
	offset := attestedCredentialDataOffset + aaguidSize
	idLen := int(binary.BigEndian.Uint16(data[offset : offset+credentialIDSize]))
	offset += credentialIDSize

	if len(data) < offset+idLen {
		return nil, fmt.Errorf("credential ID truncated: need %d bytes, have %d", offset+idLen, len(data))
	}

	credentialID := make([]byte, idLen)
	copy(credentialID, data[offset:offset+idLen])
	offset += idLen

	// Everything after the credential ID is the COSE-encoded public key.
	coseKey := data[offset:]
	if len(coseKey) == 0 {
		return nil, fmt.Errorf("attestation object missing credential public key")
	}

	// Round-trip through the CBOR decoder to validate the key is
	// well-formed COSE before storing it.
	var probe map[interface{}]interface{}
	if err := cbor.Unmarshal(coseKey, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode COSE public key: %w", err)
	}

	publicKey := make([]byte, len(coseKey))
	copy(publicKey, coseKey)

	return &attestedCredential{
		CredentialID: credentialID,
		PublicKey:    publicKey,
		SignCount:    signCount,
	}, nil
}

// assertionCounter extracts the sign counter from assertion
// authenticator data
func assertionCounter(authenticatorData []byte) (uint32, error) {
	if len(authenticatorData) < assertionCounterOffset+4 {
		return 0, fmt.Errorf("authenticator data too short: %d bytes", len(authenticatorData))
	}
	return binary.BigEndian.Uint32(authenticatorData[assertionCounterOffset : assertionCounterOffset+4]), nil
}
