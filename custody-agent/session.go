package main

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bunwallet/bund/custody-agent/storage"
)

// DefaultSessionWindow is how long an established session stays valid
const DefaultSessionWindow = 30 * time.Minute

// sessionRecord is the durable half of the session: the master key
// rewrapped under an ephemeral key that only lives in process memory.
// Losing the process loses the ephemeral key and with it the session,
// which is the intended failure mode.
type sessionRecord struct {
	WrappedKey []byte `json:"wrapped_key"`
	Nonce      []byte `json:"nonce"`
	ExpiresAt  int64  `json:"expires_at"`
}

// SessionCache keeps the master key retrievable without re-presenting
// the credential, for a bounded window after verification.
type SessionCache struct {
	store  *storage.Store
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	ephemeral []byte // volatile wrapping key, never persisted
}

// NewSessionCache creates a session cache with the given validity window
func NewSessionCache(store *storage.Store, window time.Duration) *SessionCache {
	if window <= 0 {
		window = DefaultSessionWindow
	}
	return &SessionCache{
		store:  store,
		window: window,
		now:    time.Now,
	}
}

// Establish starts a new session holding the master key. Any previous
// session is replaced.
func (sc *SessionCache) Establish(masterKey []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	ephemeral, err := generateSecureToken(32)
	if err != nil {
		return fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	wrapped, nonce, err := wrapKey(ephemeral, masterKey)
	if err != nil {
		zeroBytes(ephemeral)
		return fmt.Errorf("failed to wrap session key: %w", err)
	}

	expiresAt := sc.now().Add(sc.window).Unix()
	record, err := json.Marshal(&sessionRecord{
		WrappedKey: wrapped,
		Nonce:      nonce,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		zeroBytes(ephemeral)
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	if err := sc.store.PutSession(record); err != nil {
		zeroBytes(ephemeral)
		return err
	}

	if sc.ephemeral != nil {
		zeroBytes(sc.ephemeral)
	}
	sc.ephemeral = ephemeral

	log.Debug().Int64("expires_at", expiresAt).Msg("Session established")
	return nil
}

// Fetch returns the master key if a live session exists, or nil.
// An expired session is purged as a side effect. The caller owns the
// returned key and must zero it when done.
func (sc *SessionCache) Fetch() ([]byte, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.ephemeral == nil {
		return nil, nil
	}

	raw, err := sc.store.GetSession()
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	var record sessionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to parse session record: %w", err)
	}

	if sc.now().Unix() >= record.ExpiresAt {
		log.Debug().Msg("Session expired, purging")
		sc.purgeLocked()
		return nil, nil
	}

	masterKey, err := unwrapKey(sc.ephemeral, record.WrappedKey, record.Nonce)
	if err != nil {
		// Record does not match our ephemeral key, likely left over
		// from a previous process. Treat as no session.
		sc.purgeLocked()
		return nil, nil
	}

	return masterKey, nil
}

// Invalidate ends the session immediately
func (sc *SessionCache) Invalidate() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.purgeLocked()
}

func (sc *SessionCache) purgeLocked() {
	if sc.ephemeral != nil {
		zeroBytes(sc.ephemeral)
		sc.ephemeral = nil
	}
	if err := sc.store.DeleteSession(); err != nil {
		log.Warn().Err(err).Msg("Failed to delete session record")
	}
}
