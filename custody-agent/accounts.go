package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/btcsuite/btcutil/base58"
	"github.com/rs/zerolog/log"

	"github.com/bunwallet/bund/custody-agent/storage"
)

const metaActiveAccount = "active_account"

// Account is a wallet account. The Ed25519 private key is wrapped under
// a per-account key derived from the master key and the account salt.
type Account struct {
	PublicKey  string `json:"public_key"` // base58
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	WrappedKey []byte `json:"wrapped_key"`
	CreatedAt  int64  `json:"created_at"`
}

// AccountRegistry manages wallet accounts and the active selection
type AccountRegistry struct {
	store *storage.Store

	mu     sync.Mutex
	active string // base58 public key, empty if none
}

// NewAccountRegistry creates a registry and loads the active selection
func NewAccountRegistry(store *storage.Store) (*AccountRegistry, error) {
	r := &AccountRegistry{store: store}

	active, err := store.MetaGet(metaActiveAccount)
	if err != nil && err != storage.ErrKeyNotFound {
		return nil, err
	}
	r.active = active

	return r, nil
}

// Import adds an account from a base58-encoded 64-byte Ed25519 private
// key, wrapping it under the master key. Returns the stored account.
func (r *AccountRegistry) Import(privateKeyB58 string, masterKey []byte) (*Account, error) {
	privateKey := base58.Decode(privateKeyB58)
	defer zeroBytes(privateKey)

	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}

	// The trailing 32 bytes of an Ed25519 private key are the public
	// key; recompute from the seed to catch corrupted input.
	derived := ed25519.NewKeyFromSeed(privateKey[:ed25519.SeedSize])
	if !bytes.Equal(derived[ed25519.SeedSize:], privateKey[ed25519.SeedSize:]) {
		return nil, ErrInvalidPrivateKey
	}

	return r.add(ed25519.PrivateKey(privateKey), masterKey)
}

// Generate creates a new account with a fresh keypair
func (r *AccountRegistry) Generate(masterKey []byte) (*Account, error) {
	privateKey, _, err := generateSigningKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	defer zeroBytes(privateKey)

	return r.add(privateKey, masterKey)
}

func (r *AccountRegistry) add(privateKey ed25519.PrivateKey, masterKey []byte) (*Account, error) {
	publicKey := base58.Encode(privateKey[ed25519.SeedSize:])

	existing, err := r.store.GetAccount(publicKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("account already exists: %s", publicKey)
	}

	salt, err := generateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	wrappingKey := accountWrappingKey(masterKey, salt)
	defer zeroBytes(wrappingKey)

	wrapped, nonce, err := wrapKey(wrappingKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap account key: %w", err)
	}

	account := &Account{
		PublicKey:  publicKey,
		Salt:       salt,
		Nonce:      nonce,
		WrappedKey: wrapped,
		CreatedAt:  currentTimestamp(),
	}

	record, err := json.Marshal(account)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := r.store.PutAccount(publicKey, record); err != nil {
		return nil, err
	}

	// First account becomes the active one.
	r.mu.Lock()
	if r.active == "" {
		if err := r.store.MetaPut(metaActiveAccount, publicKey); err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.active = publicKey
	}
	r.mu.Unlock()

	log.Info().Str("public_key", publicKey).Msg("Account added")
	return account, nil
}

// Get returns an account by public key
func (r *AccountRegistry) Get(publicKey string) (*Account, error) {
	record, err := r.store.GetAccount(publicKey)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrUnknownAccount
	}

	var account Account
	if err := json.Unmarshal(record, &account); err != nil {
		return nil, fmt.Errorf("failed to parse account: %w", err)
	}
	return &account, nil
}

// List returns all accounts
func (r *AccountRegistry) List() ([]Account, error) {
	records, err := r.store.ListAccounts()
	if err != nil {
		return nil, err
	}

	accounts := make([]Account, 0, len(records))
	for _, record := range records {
		var account Account
		if err := json.Unmarshal(record, &account); err != nil {
			return nil, fmt.Errorf("failed to parse account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// Active returns the active account, or ErrNoActiveAccount
func (r *AccountRegistry) Active() (*Account, error) {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()

	if active == "" {
		return nil, ErrNoActiveAccount
	}
	return r.Get(active)
}

// SelectActive marks an existing account as active
func (r *AccountRegistry) SelectActive(publicKey string) error {
	if _, err := r.Get(publicKey); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.MetaPut(metaActiveAccount, publicKey); err != nil {
		return err
	}
	r.active = publicKey
	return nil
}

// SigningKey unwraps an account's Ed25519 private key with the master
// key. The caller owns the returned key and must zero it when done.
func (r *AccountRegistry) SigningKey(account *Account, masterKey []byte) (ed25519.PrivateKey, error) {
	wrappingKey := accountWrappingKey(masterKey, account.Salt)
	defer zeroBytes(wrappingKey)

	privateKey, err := unwrapKey(wrappingKey, account.WrappedKey, account.Nonce)
	if err != nil {
		return nil, err
	}
	if len(privateKey) != ed25519.PrivateKeySize {
		zeroBytes(privateKey)
		return nil, ErrIntegrity
	}

	return ed25519.PrivateKey(privateKey), nil
}
