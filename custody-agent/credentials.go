package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/bunwallet/bund/custody-agent/storage"
)

// AuthMode identifies how the master key is protected
type AuthMode string

const (
	AuthModePassword      AuthMode = "password"
	AuthModeAuthenticator AuthMode = "authenticator"
)

// AuthDescriptor is the persisted authentication record. Exactly one
// exists per agent. The master key never appears here in the clear; it
// is wrapped under a key derived from the credential.
type AuthDescriptor struct {
	Mode AuthMode `json:"mode"`

	// Password mode verifier
	PasswordSalt []byte `json:"password_salt,omitempty"`
	PasswordHash []byte `json:"password_hash,omitempty"`

	// Authenticator mode verifier
	CredentialID        []byte `json:"credential_id,omitempty"`
	CredentialPublicKey []byte `json:"credential_public_key,omitempty"` // raw COSE key
	SignCount           uint32 `json:"sign_count,omitempty"`

	// Master key wrapping
	KeySalt          []byte `json:"key_salt"`
	Nonce            []byte `json:"nonce"`
	WrappedMasterKey []byte `json:"wrapped_master_key"`

	CreatedAt int64 `json:"created_at"`
	LastLogin int64 `json:"last_login,omitempty"`
	Version   int   `json:"version"`
}

// Proof carries the credential material presented for verification.
// Exactly one field is set.
type Proof struct {
	Password  []byte                  `json:"password,omitempty"`
	Assertion *AuthenticatorAssertion `json:"assertion,omitempty"`
}

// AuthenticatorAssertion is the relevant subset of a WebAuthn assertion
type AuthenticatorAssertion struct {
	CredentialID      []byte `json:"credential_id"`
	AuthenticatorData []byte `json:"authenticator_data"`
}

// CredentialStore manages the authentication descriptor lifecycle:
// registration, verification, and master key unwrapping.
type CredentialStore struct {
	store *storage.Store
}

// NewCredentialStore creates a credential store backed by the given store
func NewCredentialStore(store *storage.Store) *CredentialStore {
	return &CredentialStore{store: store}
}

// Registered reports whether a credential has been set up
func (cs *CredentialStore) Registered() (bool, error) {
	record, err := cs.store.GetAuth()
	if err != nil {
		return false, err
	}
	return record != nil, nil
}

// Descriptor returns the persisted descriptor, or ErrNotRegistered
func (cs *CredentialStore) Descriptor() (*AuthDescriptor, error) {
	record, err := cs.store.GetAuth()
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrNotRegistered
	}

	var desc AuthDescriptor
	if err := json.Unmarshal(record, &desc); err != nil {
		return nil, fmt.Errorf("failed to parse auth descriptor: %w", err)
	}
	return &desc, nil
}

// RegisterPassword creates the credential in password mode and returns
// the freshly generated master key. The caller owns the returned key
// and must zero it when done.
func (cs *CredentialStore) RegisterPassword(password []byte) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrAuthenticationFailed
	}

	registered, err := cs.Registered()
	if err != nil {
		return nil, err
	}
	if registered {
		return nil, ErrAlreadyRegistered
	}

	masterKey, err := generateMasterKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}

	passwordSalt, err := generateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	keySalt, err := generateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	wrappingKey := deriveKey(password, keySalt)
	defer zeroBytes(wrappingKey)

	wrapped, nonce, err := wrapKey(wrappingKey, masterKey)
	if err != nil {
		zeroBytes(masterKey)
		return nil, fmt.Errorf("failed to wrap master key: %w", err)
	}

	desc := &AuthDescriptor{
		Mode:             AuthModePassword,
		PasswordSalt:     passwordSalt,
		PasswordHash:     hashPassword(password, passwordSalt),
		KeySalt:          keySalt,
		Nonce:            nonce,
		WrappedMasterKey: wrapped,
		CreatedAt:        currentTimestamp(),
		Version:          1,
	}

	if err := cs.persist(desc); err != nil {
		zeroBytes(masterKey)
		return nil, err
	}

	log.Info().Str("mode", string(AuthModePassword)).Msg("Credential registered")
	return masterKey, nil
}

// RegisterAuthenticator creates the credential in authenticator mode
// from a CBOR attestation object and returns the generated master key
func (cs *CredentialStore) RegisterAuthenticator(attestationObject []byte) ([]byte, error) {
	registered, err := cs.Registered()
	if err != nil {
		return nil, err
	}
	if registered {
		return nil, ErrAlreadyRegistered
	}

	attested, err := parseAttestation(attestationObject)
	if err != nil {
		return nil, fmt.Errorf("failed to parse attestation: %w", err)
	}

	masterKey, err := generateMasterKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}

	keySalt, err := generateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// The credential ID is the shared secret between agent and
	// authenticator; the platform only releases it on a successful
	// user-verified assertion.
	wrappingKey := deriveKey(attested.CredentialID, keySalt)
	defer zeroBytes(wrappingKey)

	wrapped, nonce, err := wrapKey(wrappingKey, masterKey)
	if err != nil {
		zeroBytes(masterKey)
		return nil, fmt.Errorf("failed to wrap master key: %w", err)
	}

	desc := &AuthDescriptor{
		Mode:                AuthModeAuthenticator,
		CredentialID:        attested.CredentialID,
		CredentialPublicKey: attested.PublicKey,
		SignCount:           attested.SignCount,
		KeySalt:             keySalt,
		Nonce:               nonce,
		WrappedMasterKey:    wrapped,
		CreatedAt:           currentTimestamp(),
		Version:             1,
	}

	if err := cs.persist(desc); err != nil {
		zeroBytes(masterKey)
		return nil, err
	}

	log.Info().Str("mode", string(AuthModeAuthenticator)).Msg("Credential registered")
	return masterKey, nil
}

// Verify checks a credential proof and returns the unwrapped master key.
// The descriptor is only updated (sign counter, last login) after the
// master key unwraps successfully, so a failed attempt leaves no
// partial state behind.
func (cs *CredentialStore) Verify(proof *Proof) ([]byte, error) {
	desc, err := cs.Descriptor()
	if err != nil {
		return nil, err
	}

	switch desc.Mode {
	case AuthModePassword:
		if proof == nil || len(proof.Password) == 0 {
			return nil, ErrAuthenticationFailed
		}
		return cs.verifyPassword(desc, proof.Password)
	case AuthModeAuthenticator:
		if proof == nil || proof.Assertion == nil {
			return nil, ErrAuthenticationFailed
		}
		return cs.verifyAssertion(desc, proof.Assertion)
	default:
		return nil, fmt.Errorf("unknown auth mode: %s", desc.Mode)
	}
}

func (cs *CredentialStore) verifyPassword(desc *AuthDescriptor, password []byte) ([]byte, error) {
	computed := hashPassword(password, desc.PasswordSalt)
	defer zeroBytes(computed)

	if !timingSafeEqual(computed, desc.PasswordHash) {
		log.Warn().Msg("Password verification failed")
		return nil, ErrAuthenticationFailed
	}

	wrappingKey := deriveKey(password, desc.KeySalt)
	defer zeroBytes(wrappingKey)

	// The verifier already matched, so an unwrap failure here means the
	// stored ciphertext was altered.
	masterKey, err := unwrapKey(wrappingKey, desc.WrappedMasterKey, desc.Nonce)
	if err != nil {
		log.Error().Msg("Master key unwrap failed after password match")
		return nil, ErrIntegrity
	}

	desc.LastLogin = currentTimestamp()
	if err := cs.persist(desc); err != nil {
		zeroBytes(masterKey)
		return nil, err
	}

	return masterKey, nil
}

func (cs *CredentialStore) verifyAssertion(desc *AuthDescriptor, assertion *AuthenticatorAssertion) ([]byte, error) {
	if !timingSafeEqual(assertion.CredentialID, desc.CredentialID) {
		log.Warn().Msg("Assertion credential ID mismatch")
		return nil, ErrAuthenticationFailed
	}

	counter, err := assertionCounter(assertion.AuthenticatorData)
	if err != nil {
		return nil, fmt.Errorf("failed to read assertion counter: %w", err)
	}

	// A zero counter means the authenticator does not implement one;
	// monotonicity is only enforced for non-zero values.
	if counter != 0 && counter <= desc.SignCount {
		log.Warn().
			Uint32("counter", counter).
			Uint32("stored", desc.SignCount).
			Msg("Assertion counter did not advance")
		return nil, ErrReplayDetected
	}

	wrappingKey := deriveKey(assertion.CredentialID, desc.KeySalt)
	defer zeroBytes(wrappingKey)

	masterKey, err := unwrapKey(wrappingKey, desc.WrappedMasterKey, desc.Nonce)
	if err != nil {
		if errors.Is(err, ErrIntegrity) {
			return nil, ErrAuthenticationFailed
		}
		return nil, err
	}

	if counter != 0 {
		desc.SignCount = counter
	}
	desc.LastLogin = currentTimestamp()
	if err := cs.persist(desc); err != nil {
		zeroBytes(masterKey)
		return nil, err
	}

	return masterKey, nil
}

func (cs *CredentialStore) persist(desc *AuthDescriptor) error {
	record, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to marshal auth descriptor: %w", err)
	}
	return cs.store.PutAuth(record)
}
