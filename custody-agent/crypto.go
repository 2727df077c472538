package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters for key derivation and password hashing
const (
	Argon2idTime    = 3
	Argon2idMemory  = 65536 // 64 MB
	Argon2idThreads = 4
	Argon2idKeyLen  = 32
)

const (
	masterKeySize = 32
	saltSize      = 16
)

// deriveKey derives a 32-byte wrapping key from a low-entropy secret
// (password bytes or an authenticator credential ID) using Argon2id
func deriveKey(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, Argon2idTime, Argon2idMemory, Argon2idThreads, Argon2idKeyLen)
}

// hashPassword hashes a password for verification using Argon2id.
// A separate salt from the key-derivation salt keeps the verifier and
// the wrapping key independent.
func hashPassword(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, Argon2idTime, Argon2idMemory, Argon2idThreads, Argon2idKeyLen)
}

// wrapKey encrypts a key under a 32-byte wrapping key using
// XChaCha20-Poly1305. Returns the ciphertext and the nonce.
func wrapKey(wrappingKey, key []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.NewX(wrappingKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nil, nonce, key, nil), nonce, nil
}

// unwrapKey decrypts a wrapped key. A wrong wrapping key and tampered
// ciphertext are indistinguishable to the AEAD; both return ErrIntegrity.
func unwrapKey(wrappingKey, ciphertext, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(wrappingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size: expected %d, got %d", aead.NonceSize(), len(nonce))
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// accountWrappingKey derives the per-account wrapping key from the
// master key and the account's salt
func accountWrappingKey(masterKey, salt []byte) []byte {
	h := sha256.New()
	h.Write(masterKey)
	h.Write(salt)
	return h.Sum(nil)
}

// generateMasterKey generates a random 32-byte master key
func generateMasterKey() ([]byte, error) {
	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// generateSalt generates a random 16-byte salt
func generateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// generateSecureToken generates a random token of the specified length
func generateSecureToken(length int) ([]byte, error) {
	token := make([]byte, length)
	if _, err := rand.Read(token); err != nil {
		return nil, err
	}
	return token, nil
}

// generateSigningKeypair generates an Ed25519 keypair for a new account
func generateSigningKeypair() (privateKey ed25519.PrivateKey, publicKey ed25519.PublicKey, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// timingSafeEqual performs a constant-time comparison of two byte slices
func timingSafeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var result byte
	for i := 0; i < len(a); i++ {
		result |= a[i] ^ b[i]
	}
	return result == 0
}

// zeroBytes overwrites a byte slice with zeros
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// currentTimestamp returns the current Unix timestamp
func currentTimestamp() int64 {
	return time.Now().Unix()
}
