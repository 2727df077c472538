package main

import "errors"

// Sentinel errors returned by the credential, session, and account layers.
// Wire-level rejection codes live in messages.go; these never leave the
// process unsanitized.
var (
	// ErrAlreadyRegistered is returned when a credential already exists
	ErrAlreadyRegistered = errors.New("credential already registered")

	// ErrNotRegistered is returned when no credential has been set up
	ErrNotRegistered = errors.New("no credential registered")

	// ErrAuthenticationFailed is returned on a wrong password or a
	// failed authenticator assertion
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrIntegrity is returned when stored ciphertext fails AEAD
	// verification, indicating tampering or corruption
	ErrIntegrity = errors.New("integrity check failed")

	// ErrReplayDetected is returned when an authenticator assertion
	// carries a counter at or below the last recorded value
	ErrReplayDetected = errors.New("authenticator replay detected")

	// ErrSessionExpired is returned when signing is attempted without a
	// live session and no fresh credential proof was supplied
	ErrSessionExpired = errors.New("session expired")

	// ErrUnknownAccount is returned when an account public key is not
	// present in the store
	ErrUnknownAccount = errors.New("unknown account")

	// ErrNoActiveAccount is returned when an operation needs a selected
	// account and none exists
	ErrNoActiveAccount = errors.New("no active account")

	// ErrInvalidPrivateKey is returned when an imported key fails
	// validation
	ErrInvalidPrivateKey = errors.New("invalid private key")

	// ErrNoPendingRequest is returned when approve or reject is called
	// with an empty queue
	ErrNoPendingRequest = errors.New("no pending request")
)
