package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"conductor/internal/logging"
)

// storedRecord is the at-rest form of a context record. For INTERNAL and
// SECRET sensitivity, Payload is ciphertext and Nonce is set; for PUBLIC,
// Payload is plaintext and Nonce is empty.
type storedRecord struct {
	ID            string       `json:"id"`
	Domain        string       `json:"domain"`
	Key           string       `json:"key"`
	Sensitivity   Sensitivity  `json:"sensitivity"`
	Nonce         []byte       `json:"nonce,omitempty"`
	Payload       []byte       `json:"payload"`
	OriginalNonce []byte       `json:"original_nonce,omitempty"`
	Original      []byte       `json:"original,omitempty"`
	Digest        string       `json:"digest"`
	PIIFlags      []PIIFinding `json:"pii_flags,omitempty"`
	Embedding     []float32    `json:"-"`
	Tier          Tier         `json:"tier"`
	Quarantined   bool         `json:"-"`
	CreatedAt     time.Time    `json:"created_at"`
	LastAccess    time.Time    `json:"last_access"`
	AccessCount   int          `json:"access_count"`
}

// backingStore is the SQLite persistence layer beneath the caches. It is the
// single source of truth; cache tiers are disposable.
type backingStore struct {
	db        *sql.DB
	path      string
	vectorExt bool
}

func openBackingStore(dir string) (*backingStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "openBackingStore")
	defer timer.Stop()

	recordsDir := filepath.Join(dir, "records")
	if err := os.MkdirAll(recordsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create records directory: %w", err)
	}

	path := filepath.Join(recordsDir, "memory.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("Failed to set %s: %v", pragma, err)
		}
	}

	s := &backingStore{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	s.detectVecExtension()
	logging.Get(logging.CategoryStore).Info("Memory backing store ready at %s (vec=%v)", path, s.vectorExt)
	return s, nil
}

func (s *backingStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT NOT NULL,
		domain TEXT NOT NULL,
		key TEXT NOT NULL,
		sensitivity INTEGER NOT NULL,
		nonce BLOB,
		payload BLOB NOT NULL,
		original_nonce BLOB,
		original BLOB,
		digest TEXT NOT NULL,
		pii_flags TEXT,
		embedding TEXT,
		tier INTEGER NOT NULL DEFAULT 0,
		quarantined INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		last_access DATETIME NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (domain, key)
	);
	CREATE INDEX IF NOT EXISTS idx_records_domain ON records(domain);
	CREATE INDEX IF NOT EXISTS idx_records_tier ON records(tier);
	CREATE INDEX IF NOT EXISTS idx_records_last_access ON records(last_access);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// detectVecExtension probes for sqlite-vec. ANN acceleration is optional;
// search falls back to in-process cosine ranking without it.
func (s *backingStore) detectVecExtension() {
	var version string
	if err := s.db.QueryRow("SELECT vec_version()").Scan(&version); err == nil {
		s.vectorExt = true
		logging.Get(logging.CategoryStore).Info("sqlite-vec extension detected: %s", version)
		return
	}
	logging.Get(logging.CategoryStore).Warn("sqlite-vec extension not available; using in-process cosine ranking")
}

func (s *backingStore) Close() error {
	return s.db.Close()
}

// upsert writes a record, replacing any previous (domain, key) atomically.
func (s *backingStore) upsert(rec *storedRecord) error {
	piiJSON, _ := json.Marshal(rec.PIIFlags)
	embJSON, _ := json.Marshal(rec.Embedding)

	_, err := s.db.Exec(`
		INSERT INTO records
			(id, domain, key, sensitivity, nonce, payload, original_nonce, original,
			 digest, pii_flags, embedding, tier, quarantined, created_at, last_access, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, 0)
		ON CONFLICT(domain, key) DO UPDATE SET
			id = excluded.id,
			sensitivity = excluded.sensitivity,
			nonce = excluded.nonce,
			payload = excluded.payload,
			original_nonce = excluded.original_nonce,
			original = excluded.original,
			digest = excluded.digest,
			pii_flags = excluded.pii_flags,
			embedding = excluded.embedding,
			tier = excluded.tier,
			quarantined = 0,
			created_at = excluded.created_at,
			last_access = excluded.last_access`,
		rec.ID, rec.Domain, rec.Key, rec.Sensitivity, rec.Nonce, rec.Payload,
		rec.OriginalNonce, rec.Original, rec.Digest, string(piiJSON), string(embJSON),
		rec.Tier, rec.CreatedAt, rec.LastAccess,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// fetch loads one record. Quarantined records surface ErrIntegrity.
func (s *backingStore) fetch(domain, key string) (*storedRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, sensitivity, nonce, payload, original_nonce, original, digest,
		       pii_flags, embedding, tier, quarantined, created_at, last_access, access_count
		FROM records WHERE domain = ? AND key = ?`, domain, key)

	rec := &storedRecord{Domain: domain, Key: key}
	var piiJSON, embJSON sql.NullString
	var quarantined int
	err := row.Scan(&rec.ID, &rec.Sensitivity, &rec.Nonce, &rec.Payload,
		&rec.OriginalNonce, &rec.Original, &rec.Digest, &piiJSON, &embJSON,
		&rec.Tier, &quarantined, &rec.CreatedAt, &rec.LastAccess, &rec.AccessCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if quarantined != 0 {
		return nil, fmt.Errorf("%w: record %s/%s is quarantined", ErrIntegrity, domain, key)
	}
	if piiJSON.Valid && piiJSON.String != "" {
		json.Unmarshal([]byte(piiJSON.String), &rec.PIIFlags)
	}
	if embJSON.Valid && embJSON.String != "" {
		json.Unmarshal([]byte(embJSON.String), &rec.Embedding)
	}
	return rec, nil
}

// touch bumps access tracking and promotes the record back to HOT.
func (s *backingStore) touch(domain, key string) error {
	_, err := s.db.Exec(`
		UPDATE records SET last_access = ?, access_count = access_count + 1, tier = ?
		WHERE domain = ? AND key = ?`, time.Now(), TierHot, domain, key)
	return err
}

// quarantine flags a corrupt record. It stays on disk for the operator.
func (s *backingStore) quarantine(domain, key string) error {
	_, err := s.db.Exec("UPDATE records SET quarantined = 1 WHERE domain = ? AND key = ?", domain, key)
	if err == nil {
		logging.Get(logging.CategoryStore).Error("Record %s/%s quarantined", domain, key)
	}
	return err
}

// purge removes a record irreversibly.
func (s *backingStore) purge(domain, key string) error {
	_, err := s.db.Exec("DELETE FROM records WHERE domain = ? AND key = ?", domain, key)
	return err
}

// searchCandidate is the slice of a record needed for similarity ranking.
type searchCandidate struct {
	Domain    string
	Key       string
	Embedding []float32
	Payload   []byte
	Nonce     []byte
	Digest    string
	CreatedAt time.Time
	Sens      Sensitivity
	Score     float64
}

// candidates returns every non-quarantined record in the given domains.
func (s *backingStore) candidates(domains []string) ([]searchCandidate, error) {
	if len(domains) == 0 {
		return nil, nil
	}
	query := `SELECT domain, key, sensitivity, nonce, payload, digest, embedding, created_at
		FROM records WHERE quarantined = 0 AND domain IN (?` +
		repeatPlaceholder(len(domains)-1) + `)`
	args := make([]interface{}, len(domains))
	for i, d := range domains {
		args[i] = d
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer rows.Close()

	var out []searchCandidate
	for rows.Next() {
		var c searchCandidate
		var embJSON sql.NullString
		if err := rows.Scan(&c.Domain, &c.Key, &c.Sens, &c.Nonce, &c.Payload, &c.Digest, &embJSON, &c.CreatedAt); err != nil {
			continue
		}
		if embJSON.Valid && embJSON.String != "" {
			json.Unmarshal([]byte(embJSON.String), &c.Embedding)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// searchVec ranks candidates inside SQLite with the sqlite-vec extension.
// The embedding column holds JSON float arrays, which vec_distance_cosine
// accepts directly; cosine distance ascending is similarity descending.
func (s *backingStore) searchVec(domains []string, queryVec []float32, k int) ([]searchCandidate, error) {
	if len(domains) == 0 || len(queryVec) == 0 {
		return nil, nil
	}
	queryJSON, err := json.Marshal(queryVec)
	if err != nil {
		return nil, err
	}

	query := `SELECT domain, key, sensitivity, nonce, payload, digest, embedding, created_at,
			vec_distance_cosine(embedding, ?) AS distance
		FROM records
		WHERE quarantined = 0 AND embedding IS NOT NULL AND embedding != '' AND embedding != 'null'
		AND domain IN (?` + repeatPlaceholder(len(domains)-1) + `)
		ORDER BY distance ASC, created_at DESC, key ASC
		LIMIT ?`
	args := make([]interface{}, 0, len(domains)+2)
	args = append(args, string(queryJSON))
	for _, d := range domains {
		args = append(args, d)
	}
	args = append(args, k)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer rows.Close()

	var out []searchCandidate
	for rows.Next() {
		var c searchCandidate
		var embJSON sql.NullString
		var distance float64
		if err := rows.Scan(&c.Domain, &c.Key, &c.Sens, &c.Nonce, &c.Payload, &c.Digest,
			&embJSON, &c.CreatedAt, &distance); err != nil {
			continue
		}
		if embJSON.Valid && embJSON.String != "" {
			json.Unmarshal([]byte(embJSON.String), &c.Embedding)
		}
		c.Score = 1 - distance
		out = append(out, c)
	}
	return out, rows.Err()
}

// demote moves records idle beyond the cutoff into the target tier.
// Returns the number of demoted records.
func (s *backingStore) demote(from, to Tier, idleSince time.Time) (int, error) {
	res, err := s.db.Exec(
		"UPDATE records SET tier = ? WHERE tier = ? AND last_access < ? AND quarantined = 0",
		to, from, idleSince)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// stats aggregates record counts.
func (s *backingStore) stats() (total, quarantined int, byTier map[string]int, err error) {
	byTier = make(map[string]int)
	rows, err := s.db.Query("SELECT tier, quarantined, COUNT(*) FROM records GROUP BY tier, quarantined")
	if err != nil {
		return 0, 0, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tier Tier
		var q, n int
		if err := rows.Scan(&tier, &q, &n); err != nil {
			continue
		}
		total += n
		if q != 0 {
			quarantined += n
		} else {
			byTier[tier.String()] += n
		}
	}
	return total, quarantined, byTier, rows.Err()
}

// maintain reclaims free pages and checkpoints the WAL. Returns the database
// file size after compaction.
func (s *backingStore) maintain() (int64, error) {
	if _, err := s.db.Exec("VACUUM"); err != nil {
		return 0, fmt.Errorf("%w: vacuum failed: %v", ErrBackendUnavailable, err)
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logging.StoreDebug("WAL checkpoint failed: %v", err)
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
