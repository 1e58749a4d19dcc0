// Package session persists crack-run progress so an aborted search can
// resume at the batch that failed instead of replaying cleared batches.
//
// State lives in a local SQLite database. Run outcomes contain
// recovered secrets, so snapshots are CBOR-encoded and sealed with
// XChaCha20-Poly1305 under a per-store key file rather than stored
// plaintext.
package session

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
)

const (
	dbFile  = "sessions.db"
	keyFile = "session.key"
)

// Store is an on-disk session database.
type Store struct {
	db  *sql.DB
	key []byte
	dir string
}

// Snapshot is a run's sealed outcome.
type Snapshot struct {
	Found      bool      `cbor:"found"`
	Index      int       `cbor:"index,omitempty"`
	Word       string    `cbor:"word,omitempty"`
	FinishedAt time.Time `cbor:"finished_at"`
}

// Open creates or opens the session store under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	key, err := loadOrCreateKey(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, dbFile))
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
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
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, key: key, dir: dir}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id         TEXT PRIMARY KEY,
		created_at     INTEGER NOT NULL,
		dictionary_sha TEXT NOT NULL,
		target_sha     TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'running',
		snapshot       BLOB
	);

	CREATE TABLE IF NOT EXISTS batches (
		run_id      TEXT NOT NULL REFERENCES runs(run_id),
		batch_index INTEGER NOT NULL,
		cleared_at  INTEGER NOT NULL,
		PRIMARY KEY (run_id, batch_index)
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initializing session schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Run tracks one crack run. It implements the oracle engine's Progress
// interface.
type Run struct {
	ID    string
	store *Store

	mu      sync.Mutex
	cleared map[int]bool
}

// NewRun registers a fresh run keyed by the dictionary and target
// fingerprints.
func (s *Store) NewRun(dictionarySHA, targetSHA string) (*Run, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, created_at, dictionary_sha, target_sha) VALUES (?, ?, ?, ?)`,
		id, time.Now().Unix(), dictionarySHA, targetSHA)
	if err != nil {
		return nil, fmt.Errorf("registering run: %w", err)
	}
	log.Info().Str("run", id).Msg("session started")
	return &Run{ID: id, store: s, cleared: make(map[int]bool)}, nil
}

// Resume reloads a previous run's cleared batches. The dictionary and
// target fingerprints must match the original run: batch indices only
// line up for identical inputs.
func (s *Store) Resume(runID, dictionarySHA, targetSHA string) (*Run, error) {
	var storedDict, storedTarget, status string
	err := s.db.QueryRow(
		`SELECT dictionary_sha, target_sha, status FROM runs WHERE run_id = ?`, runID).
		Scan(&storedDict, &storedTarget, &status)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	if storedDict != dictionarySHA || storedTarget != targetSHA {
		return nil, fmt.Errorf("run %s was recorded against a different dictionary or target", runID)
	}
	if status != "running" {
		return nil, fmt.Errorf("run %s already finished (%s)", runID, status)
	}

	rows, err := s.db.Query(`SELECT batch_index FROM batches WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading run progress: %w", err)
	}
	defer rows.Close()

	cleared := make(map[int]bool)
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		cleared[idx] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	log.Info().Str("run", runID).Int("cleared", len(cleared)).Msg("session resumed")
	return &Run{ID: runID, store: s, cleared: cleared}, nil
}

// ShouldSkip reports whether a batch was cleared in a previous attempt.
func (r *Run) ShouldSkip(batch int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleared[batch]
}

// MarkCleared records that a batch was searched without a hit.
func (r *Run) MarkCleared(batch int) error {
	r.mu.Lock()
	r.cleared[batch] = true
	r.mu.Unlock()
	_, err := r.store.db.Exec(
		`INSERT OR IGNORE INTO batches (run_id, batch_index, cleared_at) VALUES (?, ?, ?)`,
		r.ID, batch, time.Now().Unix())
	return err
}

// Complete seals the outcome and closes out the run.
func (r *Run) Complete(snap Snapshot) error {
	sealed, err := r.store.seal(snap)
	if err != nil {
		return err
	}
	status := "no-match"
	if snap.Found {
		status = "matched"
	}
	_, err = r.store.db.Exec(
		`UPDATE runs SET status = ?, snapshot = ? WHERE run_id = ?`, status, sealed, r.ID)
	if err != nil {
		return fmt.Errorf("completing run: %w", err)
	}
	return nil
}

// LoadSnapshot unseals a finished run's outcome.
func (s *Store) LoadSnapshot(runID string) (*Snapshot, error) {
	var sealed []byte
	err := s.db.QueryRow(`SELECT snapshot FROM runs WHERE run_id = ?`, runID).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return nil, err
	}
	if len(sealed) == 0 {
		return nil, fmt.Errorf("run %s has no recorded outcome", runID)
	}
	return s.unseal(sealed)
}

func (s *Store) seal(snap Snapshot) ([]byte, error) {
	plain, err := cbor.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return append(nonce, aead.Seal(nil, nonce, plain, nil)...), nil
}

func (s *Store) unseal(sealed []byte) (*Snapshot, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed snapshot too short")
	}
	nonce, box := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, fmt.Errorf("unsealing snapshot: %w", err)
	}
	var snap Snapshot
	if err := cbor.Unmarshal(plain, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}

// loadOrCreateKey reads the store's sealing key, generating it on first
// use with owner-only permissions.
func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("session key %s has wrong size %d", path, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading session key: %w", err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("writing session key: %w", err)
	}
	return key, nil
}
