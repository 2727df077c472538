package storage

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
)

// Store provides encrypted SQLite storage for custody agent state.
// All record blobs are encrypted at rest with a 32-byte storage key
// derived from the local device secret. Plaintext columns carry only
// what queries need (origins, public keys, submission status).
type Store struct {
	db      *sql.DB
	key     []byte // 32-byte storage encryption key
	agentID string

	// Rollback protection counter - incremented on each write.
	// Prevents an attacker from silently restoring an old backup.
	rollbackCounter int64

	mu sync.RWMutex
}

// ErrKeyNotFound is returned when a metadata key is not present
var ErrKeyNotFound = fmt.Errorf("key not found")

// Open opens (or creates) an encrypted store at path.
// Pass ":memory:" for an in-memory store in tests.
func Open(path string, key []byte, agentID string) (*Store, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("storage key must be 32 bytes")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{
		db:      db,
		key:     key,
		agentID: agentID,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	-- Authentication descriptor. At most one credential per agent.
	CREATE TABLE IF NOT EXISTS auth (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		record BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Wallet accounts keyed by base58 public key. Record blob holds the
	-- wrapped private key and metadata.
	CREATE TABLE IF NOT EXISTS accounts (
		public_key TEXT PRIMARY KEY,
		record BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- Trusted origins. Origin stays plaintext for exact-match lookups.
	CREATE TABLE IF NOT EXISTS domains (
		origin TEXT PRIMARY KEY,
		added_at INTEGER NOT NULL
	);

	-- Submitted transactions and bundles. Status and kind are plaintext
	-- so the confirmation poller can query pending rows cheaply.
	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK(kind IN ('transaction', 'bundle')),
		status TEXT NOT NULL,
		record BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions(status, created_at ASC);

	-- Durable half of the session cache.
	CREATE TABLE IF NOT EXISTS session (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		record BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Metadata for rollback protection and small settings.
	CREATE TABLE IF NOT EXISTS _metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO _metadata (key, value, updated_at)
		VALUES ('rollback_counter', '0', ?)
	`, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to initialize metadata: %w", err)
	}

	var counterStr string
	err = s.db.QueryRow(`SELECT value FROM _metadata WHERE key = 'rollback_counter'`).Scan(&counterStr)
	if err != nil {
		return fmt.Errorf("failed to load rollback counter: %w", err)
	}
	counter, err := strconv.ParseInt(counterStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid rollback counter %q: %w", counterStr, err)
	}
	s.rollbackCounter = counter

	return nil
}

// ===============================
// Authentication Record
// ===============================

// PutAuth stores the authentication descriptor, replacing any previous one
func (s *Store) PutAuth(record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encRecord, err := s.encrypt(record)
	if err != nil {
		return fmt.Errorf("failed to encrypt auth record: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO auth (id, record, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			record = excluded.record,
			updated_at = excluded.updated_at
	`, encRecord, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store auth record: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// GetAuth returns the authentication descriptor, or nil if none exists
func (s *Store) GetAuth() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var encRecord []byte
	err := s.db.QueryRow(`SELECT record FROM auth WHERE id = 1`).Scan(&encRecord)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auth record: %w", err)
	}

	record, err := s.decrypt(encRecord)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt auth record: %w", err)
	}
	return record, nil
}

// DeleteAuth removes the authentication descriptor
func (s *Store) DeleteAuth() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM auth WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to delete auth record: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// ===============================
// Account Records
// ===============================

// PutAccount stores an account record keyed by its base58 public key
func (s *Store) PutAccount(publicKey string, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encRecord, err := s.encrypt(record)
	if err != nil {
		return fmt.Errorf("failed to encrypt account record: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO accounts (public_key, record, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(public_key) DO UPDATE SET
			record = excluded.record
	`, publicKey, encRecord, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store account record: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// GetAccount returns an account record by public key, or nil if not found
func (s *Store) GetAccount(publicKey string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var encRecord []byte
	err := s.db.QueryRow(`
		SELECT record FROM accounts WHERE public_key = ?
	`, publicKey).Scan(&encRecord)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account record: %w", err)
	}

	record, err := s.decrypt(encRecord)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt account record: %w", err)
	}
	return record, nil
}

// ListAccounts returns all account records ordered by creation time
func (s *Store) ListAccounts() ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT record FROM accounts ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list account records: %w", err)
	}
	defer rows.Close()

	var records [][]byte
	for rows.Next() {
		var encRecord []byte
		if err := rows.Scan(&encRecord); err != nil {
			return nil, fmt.Errorf("failed to scan account record: %w", err)
		}
		record, err := s.decrypt(encRecord)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt account record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating account records: %w", err)
	}

	return records, nil
}

// DeleteAccount removes an account record
func (s *Store) DeleteAccount(publicKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`DELETE FROM accounts WHERE public_key = ?`, publicKey)
	if err != nil {
		return fmt.Errorf("failed to delete account record: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("account not found: %s", publicKey)
	}

	s.incrementRollbackCounter()
	return nil
}

// ===============================
// Domain Trust
// ===============================

// AddDomain records an origin as trusted. Adding an already trusted
// origin is a no-op.
func (s *Store) AddDomain(origin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO domains (origin, added_at)
		VALUES (?, ?)
	`, origin, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to add domain: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// HasDomain reports whether an origin is trusted. Matching is exact.
func (s *Store) HasDomain(origin string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM domains WHERE origin = ?
	`, origin).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check domain: %w", err)
	}

	return count > 0, nil
}

// RemoveDomain revokes trust for an origin
func (s *Store) RemoveDomain(origin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM domains WHERE origin = ?`, origin); err != nil {
		return fmt.Errorf("failed to remove domain: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// ListDomains returns all trusted origins
func (s *Store) ListDomains() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT origin FROM domains ORDER BY added_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	defer rows.Close()

	var origins []string
	for rows.Next() {
		var origin string
		if err := rows.Scan(&origin); err != nil {
			return nil, fmt.Errorf("failed to scan domain: %w", err)
		}
		origins = append(origins, origin)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating domains: %w", err)
	}

	return origins, nil
}

// ===============================
// Submission Records
// ===============================

// Submission is a broadcast transaction or bundle tracked for confirmation
type Submission struct {
	ID        string
	Kind      string // "transaction" or "bundle"
	Status    string
	Record    []byte // Decrypted payload
	CreatedAt int64
	UpdatedAt int64
}

// PutSubmission stores a new submission record
func (s *Store) PutSubmission(id, kind, status string, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encRecord, err := s.encrypt(record)
	if err != nil {
		return fmt.Errorf("failed to encrypt submission record: %w", err)
	}

	now := time.Now().Unix()
	_, err = s.db.Exec(`
		INSERT INTO submissions (id, kind, status, record, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, kind, status, encRecord, now, now)
	if err != nil {
		return fmt.Errorf("failed to store submission record: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// GetSubmission returns a submission by ID, or nil if not found
func (s *Store) GetSubmission(id string) (*Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sub Submission
	var encRecord []byte
	err := s.db.QueryRow(`
		SELECT id, kind, status, record, created_at, updated_at
		FROM submissions WHERE id = ?
	`, id).Scan(&sub.ID, &sub.Kind, &sub.Status, &encRecord, &sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}

	sub.Record, err = s.decrypt(encRecord)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt submission record: %w", err)
	}
	return &sub, nil
}

// ListSubmissionsByStatus returns submissions with the given status,
// oldest first
func (s *Store) ListSubmissionsByStatus(status string) ([]Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, kind, status, record, created_at, updated_at
		FROM submissions
		WHERE status = ?
		ORDER BY created_at ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	var subs []Submission
	for rows.Next() {
		var sub Submission
		var encRecord []byte
		if err := rows.Scan(&sub.ID, &sub.Kind, &sub.Status, &encRecord, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		sub.Record, err = s.decrypt(encRecord)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt submission record: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating submissions: %w", err)
	}

	return subs, nil
}

// UpdateSubmissionStatus updates the status of a submission
func (s *Store) UpdateSubmissionStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE submissions SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update submission status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("submission not found: %s", id)
	}

	s.incrementRollbackCounter()
	return nil
}

// ===============================
// Session Record
// ===============================

// PutSession stores the durable session record, replacing any previous one
func (s *Store) PutSession(record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encRecord, err := s.encrypt(record)
	if err != nil {
		return fmt.Errorf("failed to encrypt session record: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO session (id, record, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			record = excluded.record,
			updated_at = excluded.updated_at
	`, encRecord, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store session record: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// GetSession returns the session record, or nil if none exists
func (s *Store) GetSession() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var encRecord []byte
	err := s.db.QueryRow(`SELECT record FROM session WHERE id = 1`).Scan(&encRecord)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session record: %w", err)
	}

	record, err := s.decrypt(encRecord)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt session record: %w", err)
	}
	return record, nil
}

// DeleteSession removes the session record
func (s *Store) DeleteSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM session WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to delete session record: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// ===============================
// Metadata
// ===============================

// MetaGet returns a metadata value. Returns ErrKeyNotFound if absent.
func (s *Store) MetaGet(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM _metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get metadata: %w", err)
	}
	return value, nil
}

// MetaPut stores a metadata value
func (s *Store) MetaPut(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO _metadata (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to put metadata: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// MetaDelete removes a metadata value
func (s *Store) MetaDelete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM _metadata WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete metadata: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// ===============================
// Backup & Restore
// ===============================

// BackupData is a serialized, integrity-protected snapshot of the store
type BackupData struct {
	Version         int    `json:"version"`          // Backup format version
	AgentID         string `json:"agent_id"`         // Agent identifier
	RollbackCounter int64  `json:"rollback_counter"` // Monotonic counter for replay protection
	Data            []byte `json:"data"`             // Encrypted table export
	HMAC            []byte `json:"hmac"`             // HMAC-SHA256 of Data
	CreatedAt       int64  `json:"created_at"`       // Unix timestamp
}

// rows in the export keep their encrypted record blobs; the export
// itself gets another encryption layer plus an HMAC.
type storeExport struct {
	Auth        []exportKV       `json:"auth"`
	Accounts    []exportAccount  `json:"accounts"`
	Domains     []exportDomain   `json:"domains"`
	Submissions []exportSub      `json:"submissions"`
	Session     []exportKV       `json:"session"`
	Metadata    []exportMetadata `json:"metadata"`
}

type exportKV struct {
	Record    []byte `json:"record"`
	UpdatedAt int64  `json:"updated_at"`
}

type exportAccount struct {
	PublicKey string `json:"public_key"`
	Record    []byte `json:"record"`
	CreatedAt int64  `json:"created_at"`
}

type exportDomain struct {
	Origin  string `json:"origin"`
	AddedAt int64  `json:"added_at"`
}

type exportSub struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Record    []byte `json:"record"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

type exportMetadata struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt int64  `json:"updated_at"`
}

// CreateBackup creates an encrypted, HMAC-protected backup of the store
func (s *Store) CreateBackup() (*BackupData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	export, err := s.exportData()
	if err != nil {
		return nil, fmt.Errorf("failed to export data: %w", err)
	}

	encrypted, err := s.encrypt(export)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt backup: %w", err)
	}

	h := hmac.New(sha256.New, s.key)
	h.Write(encrypted)
	mac := h.Sum(nil)

	return &BackupData{
		Version:         1,
		AgentID:         s.agentID,
		RollbackCounter: s.rollbackCounter,
		Data:            encrypted,
		HMAC:            mac,
		CreatedAt:       time.Now().Unix(),
	}, nil
}

// RestoreBackup replaces the store contents with the backup.
// Fails if the HMAC does not verify or the backup is older than the
// current store (rollback).
func (s *Store) RestoreBackup(backup *BackupData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := hmac.New(sha256.New, s.key)
	h.Write(backup.Data)
	if !hmac.Equal(backup.HMAC, h.Sum(nil)) {
		return fmt.Errorf("backup HMAC verification failed")
	}

	if backup.RollbackCounter < s.rollbackCounter {
		return fmt.Errorf("rollback detected: backup counter %d < current %d",
			backup.RollbackCounter, s.rollbackCounter)
	}

	data, err := s.decrypt(backup.Data)
	if err != nil {
		return fmt.Errorf("failed to decrypt backup: %w", err)
	}

	if err := s.importData(data); err != nil {
		return fmt.Errorf("failed to import data: %w", err)
	}

	s.rollbackCounter = backup.RollbackCounter
	return nil
}

// GetRollbackCounter returns the current rollback counter
func (s *Store) GetRollbackCounter() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rollbackCounter
}

func (s *Store) exportData() ([]byte, error) {
	var export storeExport

	row := s.db.QueryRow(`SELECT record, updated_at FROM auth WHERE id = 1`)
	var kv exportKV
	if err := row.Scan(&kv.Record, &kv.UpdatedAt); err == nil {
		export.Auth = append(export.Auth, kv)
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to export auth: %w", err)
	}

	rows, err := s.db.Query(`SELECT public_key, record, created_at FROM accounts`)
	if err != nil {
		return nil, fmt.Errorf("failed to export accounts: %w", err)
	}
	for rows.Next() {
		var a exportAccount
		if err := rows.Scan(&a.PublicKey, &a.Record, &a.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan account export: %w", err)
		}
		export.Accounts = append(export.Accounts, a)
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT origin, added_at FROM domains`)
	if err != nil {
		return nil, fmt.Errorf("failed to export domains: %w", err)
	}
	for rows.Next() {
		var d exportDomain
		if err := rows.Scan(&d.Origin, &d.AddedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan domain export: %w", err)
		}
		export.Domains = append(export.Domains, d)
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT id, kind, status, record, created_at, updated_at FROM submissions`)
	if err != nil {
		return nil, fmt.Errorf("failed to export submissions: %w", err)
	}
	for rows.Next() {
		var sub exportSub
		if err := rows.Scan(&sub.ID, &sub.Kind, &sub.Status, &sub.Record, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan submission export: %w", err)
		}
		export.Submissions = append(export.Submissions, sub)
	}
	rows.Close()

	row = s.db.QueryRow(`SELECT record, updated_at FROM session WHERE id = 1`)
	var sess exportKV
	if err := row.Scan(&sess.Record, &sess.UpdatedAt); err == nil {
		export.Session = append(export.Session, sess)
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to export session: %w", err)
	}

	rows, err = s.db.Query(`SELECT key, value, updated_at FROM _metadata`)
	if err != nil {
		return nil, fmt.Errorf("failed to export metadata: %w", err)
	}
	for rows.Next() {
		var m exportMetadata
		if err := rows.Scan(&m.Key, &m.Value, &m.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan metadata export: %w", err)
		}
		export.Metadata = append(export.Metadata, m)
	}
	rows.Close()

	return json.Marshal(export)
}

func (s *Store) importData(data []byte) error {
	var export storeExport
	if err := json.Unmarshal(data, &export); err != nil {
		return fmt.Errorf("failed to unmarshal export: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin import transaction: %w", err)
	}
	defer tx.Rollback()

	tables := []string{"auth", "accounts", "domains", "submissions", "session", "_metadata"}
	for _, table := range tables {
		if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return fmt.Errorf("failed to clear table %s: %w", table, err)
		}
	}

	for _, kv := range export.Auth {
		if _, err := tx.Exec(`INSERT INTO auth (id, record, updated_at) VALUES (1, ?, ?)`,
			kv.Record, kv.UpdatedAt); err != nil {
			return fmt.Errorf("failed to import auth: %w", err)
		}
	}
	for _, a := range export.Accounts {
		if _, err := tx.Exec(`INSERT INTO accounts (public_key, record, created_at) VALUES (?, ?, ?)`,
			a.PublicKey, a.Record, a.CreatedAt); err != nil {
			return fmt.Errorf("failed to import account: %w", err)
		}
	}
	for _, d := range export.Domains {
		if _, err := tx.Exec(`INSERT INTO domains (origin, added_at) VALUES (?, ?)`,
			d.Origin, d.AddedAt); err != nil {
			return fmt.Errorf("failed to import domain: %w", err)
		}
	}
	for _, sub := range export.Submissions {
		if _, err := tx.Exec(`INSERT INTO submissions (id, kind, status, record, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			sub.ID, sub.Kind, sub.Status, sub.Record, sub.CreatedAt, sub.UpdatedAt); err != nil {
			return fmt.Errorf("failed to import submission: %w", err)
		}
	}
	for _, kv := range export.Session {
		if _, err := tx.Exec(`INSERT INTO session (id, record, updated_at) VALUES (1, ?, ?)`,
			kv.Record, kv.UpdatedAt); err != nil {
			return fmt.Errorf("failed to import session: %w", err)
		}
	}
	for _, m := range export.Metadata {
		if _, err := tx.Exec(`INSERT INTO _metadata (key, value, updated_at) VALUES (?, ?, ?)`,
			m.Key, m.Value, m.UpdatedAt); err != nil {
			return fmt.Errorf("failed to import metadata: %w", err)
		}
	}

	return tx.Commit()
}

// ===============================
// Encryption Helpers
// ===============================

// encrypt encrypts data using XChaCha20-Poly1305 with the storage key
func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt decrypts data using XChaCha20-Poly1305 with the storage key
func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce := ciphertext[:nonceSize]
	ciphertext = ciphertext[nonceSize:]

	return aead.Open(nil, nonce, ciphertext, nil)
}

// incrementRollbackCounter increments the rollback counter and persists
// it. A persist failure leaves the in-memory counter ahead of disk,
// which restore treats the same as a stale backup, so it is logged
// rather than swallowed.
func (s *Store) incrementRollbackCounter() {
	s.rollbackCounter++
	_, err := s.db.Exec(`
		UPDATE _metadata
		SET value = ?, updated_at = ?
		WHERE key = 'rollback_counter'
	`, strconv.FormatInt(s.rollbackCounter, 10), time.Now().Unix())
	if err != nil {
		log.Error().
			Err(err).
			Int64("counter", s.rollbackCounter).
			Msg("Failed to persist rollback counter")
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
