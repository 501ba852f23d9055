package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"conductor/internal/config"
	"conductor/internal/embedding"
	"conductor/internal/logging"
)

// Engine is the memory engine handle. Create one per process with New and
// thread it through dependencies; there is no package-level instance.
type Engine struct {
	cfg      config.MemoryConfig
	box      *cipherBox
	scanner  *piiScanner
	store    *backingStore
	l1       *l1Cache
	l2       *l2Cache
	embedder embedding.Engine

	// Writers serialize per key through stripe locks; readers go through
	// the caches and the store's own synchronization.
	stripes []sync.Mutex

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New creates a memory engine rooted at cfg.StorePath. The embedder may be
// nil, which disables semantic search scoring (lookups still work).
func New(cfg config.MemoryConfig, embedder embedding.Engine, validators ...PIIValidator) (*Engine, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "New")
	defer timer.Stop()

	box, err := newCipherBox(cfg.MasterKey)
	if err != nil {
		return nil, err
	}

	store, err := openBackingStore(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	l2, err := newL2Cache(cfg.StorePath+"/cache", cfg.L2CacheSize)
	if err != nil {
		store.Close()
		return nil, err
	}

	stripeCount := cfg.StripeCount
	if stripeCount < 64 {
		stripeCount = 64
	}

	e := &Engine{
		cfg:      cfg,
		box:      box,
		scanner:  newPIIScanner(validators...),
		store:    store,
		l1:       newL1Cache(cfg.L1CacheSize),
		l2:       l2,
		embedder: embedder,
		stripes:  make([]sync.Mutex, stripeCount),
		stop:     make(chan struct{}),
	}

	if cfg.SweepIntervalDuration() > 0 {
		e.wg.Add(1)
		go e.sweeper()
	}

	logging.Memory("Memory engine initialized (stripes=%d, l1=%d, l2=%d)",
		stripeCount, cfg.L1CacheSize, cfg.L2CacheSize)
	return e, nil
}

// Close stops the sweeper and releases the backing store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.stop)
	e.mu.Unlock()

	e.wg.Wait()
	return e.store.Close()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// stripe returns the writer lock for (domain, key).
func (e *Engine) stripe(domain, key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write(aad(domain, key))
	return &e.stripes[int(h.Sum32())%len(e.stripes)]
}

// =============================================================================
// PUT / GET / SEARCH / PURGE
// =============================================================================

// Put stores content under (domain, key), replacing any existing record
// atomically. The call returns only after the backing store has committed;
// cache population is asynchronous.
func (e *Engine) Put(ctx context.Context, domain, key, content string, sens Sensitivity, opts PutOptions) (string, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Put")
	defer timer.Stop()

	if e.isClosed() {
		return "", ErrClosed
	}
	if domain == "" || key == "" {
		return "", fmt.Errorf("domain and key required")
	}

	findings := e.scanner.Scan(content)
	if sens == SensitivityPublic && len(findings) > 0 {
		logging.Get(logging.CategoryMemory).Warn("PII violation on PUBLIC put %s/%s: %d findings", domain, key, len(findings))
		return "", fmt.Errorf("%w: %d findings in PUBLIC content", ErrPIIViolation, len(findings))
	}

	plaintext := content
	rec := &storedRecord{
		ID:          uuid.NewString(),
		Domain:      domain,
		Key:         key,
		Sensitivity: sens,
		PIIFlags:    findings,
		Tier:        TierHot,
		CreatedAt:   time.Now(),
		LastAccess:  time.Now(),
	}

	if opts.Redact && len(findings) > 0 {
		plaintext = e.scanner.Redact(content)
		// Redaction is non-destructive: the original rides along sealed at
		// SECRET regardless of the record's own sensitivity.
		nonce, sealed, err := e.box.seal(domain, key+"#original", []byte(content))
		if err != nil {
			return "", err
		}
		rec.OriginalNonce, rec.Original = nonce, sealed
	}

	rec.Digest = contentDigest([]byte(plaintext))

	if e.embedder != nil {
		if vec, err := e.embedder.Embed(ctx, plaintext); err != nil {
			logging.Get(logging.CategoryMemory).Warn("Embedding failed for %s/%s: %v", domain, key, err)
		} else {
			rec.Embedding = vec
		}
	}

	if sens >= SensitivityInternal {
		nonce, sealed, err := e.box.seal(domain, key, []byte(plaintext))
		if err != nil {
			return "", err
		}
		rec.Nonce, rec.Payload = nonce, sealed
	} else {
		rec.Payload = []byte(plaintext)
	}

	lock := e.stripe(domain, key)
	lock.Lock()
	err := e.withRetry(ctx, func() error { return e.store.upsert(rec) })
	lock.Unlock()
	if err != nil {
		return "", err
	}

	// Cache population is not on the ack path.
	go e.populateCaches(domain, key, sens, plaintext, rec)

	logging.MemoryDebug("Put %s/%s (%s, %d bytes, %d pii flags)", domain, key, sens, len(plaintext), len(findings))
	return rec.ID, nil
}

func (e *Engine) populateCaches(domain, key string, sens Sensitivity, plaintext string, rec *storedRecord) {
	if sens != SensitivitySecret {
		e.l1.Put(domain+"|"+key, []byte(plaintext))
	}
	e.l2.Put(cacheKey(domain, key), rec)
}

// Get retrieves content for (domain, key). Read order is L1, then L2, then
// the backing store with bounded retry.
func (e *Engine) Get(ctx context.Context, domain, key string) (string, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Get")
	defer timer.Stop()

	if e.isClosed() {
		return "", ErrClosed
	}

	if content, ok := e.l1.Get(domain + "|" + key); ok {
		go e.store.touch(domain, key)
		return string(content), nil
	}

	var cached storedRecord
	if e.l2.Get(cacheKey(domain, key), &cached) {
		plaintext, err := e.openRecord(domain, key, &cached)
		if err == nil {
			if cached.Sensitivity != SensitivitySecret {
				e.l1.Put(domain+"|"+key, plaintext)
			}
			go e.store.touch(domain, key)
			return string(plaintext), nil
		}
		// A bad cache entry is not record corruption; drop it and fall
		// through to the source of truth.
		e.l2.Remove(cacheKey(domain, key))
	}

	var rec *storedRecord
	err := e.withRetry(ctx, func() error {
		var ferr error
		rec, ferr = e.store.fetch(domain, key)
		if errors.Is(ferr, ErrNotFound) || errors.Is(ferr, ErrIntegrity) {
			return ferr // Not retryable
		}
		return ferr
	})
	if err != nil {
		if errors.Is(err, ErrBackendUnavailable) {
			// Bounded retry exhausted; reads degrade to NOT_FOUND.
			logging.Get(logging.CategoryMemory).Error("Backing store unavailable for get %s/%s: %v", domain, key, err)
			return "", ErrNotFound
		}
		return "", err
	}

	plaintext, err := e.openRecord(domain, key, rec)
	if err != nil {
		e.store.quarantine(domain, key)
		return "", err
	}

	go e.populateCaches(domain, key, rec.Sensitivity, string(plaintext), rec)
	go e.store.touch(domain, key)
	return string(plaintext), nil
}

// openRecord decrypts (when sealed) and verifies the content digest.
func (e *Engine) openRecord(domain, key string, rec *storedRecord) ([]byte, error) {
	plaintext := rec.Payload
	if rec.Sensitivity >= SensitivityInternal {
		var err error
		plaintext, err = e.box.open(domain, key, rec.Nonce, rec.Payload)
		if err != nil {
			return nil, err
		}
	}
	if contentDigest(plaintext) != rec.Digest {
		return nil, fmt.Errorf("%w: digest mismatch for %s/%s", ErrIntegrity, domain, key)
	}
	return plaintext, nil
}

// Search returns the k most semantically similar records across the given
// domains. Ties break by recency (newer first) then key lexicographic.
func (e *Engine) Search(ctx context.Context, domains []string, query string, k int) ([]SearchResult, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Search")
	defer timer.StopWithThreshold(500 * time.Millisecond)

	if e.isClosed() {
		return nil, ErrClosed
	}
	if k <= 0 {
		k = 10
	}

	var queryVec []float32
	if e.embedder != nil {
		var err error
		if queryVec, err = e.embedder.Embed(ctx, query); err != nil {
			logging.Get(logging.CategoryMemory).Warn("Query embedding failed, falling back to keyword scoring: %v", err)
			queryVec = nil
		}
	}

	ranked, err := e.rank(domains, query, queryVec, k)
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(ranked))
	for _, c := range ranked {
		rec := &storedRecord{
			Sensitivity: c.Sens,
			Nonce:       c.Nonce,
			Payload:     c.Payload,
			Digest:      c.Digest,
		}
		plaintext, err := e.openRecord(c.Domain, c.Key, rec)
		if err != nil {
			// Corrupt rows drop out of results and get quarantined.
			e.store.quarantine(c.Domain, c.Key)
			continue
		}
		out = append(out, SearchResult{
			Domain:  c.Domain,
			Key:     c.Key,
			Score:   c.Score,
			Snippet: snippet(string(plaintext), 160),
		})
	}
	return out, nil
}

// rank orders the top k candidates by similarity. With the sqlite-vec
// extension linked in, ranking runs inside SQLite; otherwise candidates load
// and rank in process with the same ordering.
func (e *Engine) rank(domains []string, query string, queryVec []float32, k int) ([]searchCandidate, error) {
	if e.store.vectorExt && queryVec != nil {
		ranked, err := e.store.searchVec(domains, queryVec, k)
		if err == nil {
			return ranked, nil
		}
		logging.Get(logging.CategoryMemory).Warn("Vector index search failed, falling back to in-process ranking: %v", err)
	}

	candidates, err := e.store.candidates(domains)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		if queryVec != nil && len(candidates[i].Embedding) > 0 {
			candidates[i].Score, _ = embedding.CosineSimilarity(queryVec, candidates[i].Embedding)
		} else {
			candidates[i].Score = keywordScore(query, candidates[i].Key)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
		}
		return candidates[i].Key < candidates[j].Key
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// Purge removes a record, its vector, and its cache entries. Irreversible.
func (e *Engine) Purge(ctx context.Context, domain, key string) error {
	if e.isClosed() {
		return ErrClosed
	}

	lock := e.stripe(domain, key)
	lock.Lock()
	defer lock.Unlock()

	if err := e.withRetry(ctx, func() error { return e.store.purge(domain, key) }); err != nil {
		return err
	}
	e.l1.Remove(domain + "|" + key)
	e.l2.Remove(cacheKey(domain, key))
	logging.Memory("Purged %s/%s", domain, key)
	return nil
}

// Maintain compacts the backing store and reports its on-disk size.
// Safe to run while the engine is serving; writes briefly contend.
func (e *Engine) Maintain(ctx context.Context) (int64, error) {
	if e.isClosed() {
		return 0, ErrClosed
	}
	var size int64
	err := e.withRetry(ctx, func() error {
		var merr error
		size, merr = e.store.maintain()
		return merr
	})
	if err != nil {
		return 0, err
	}
	logging.Memory("Store maintenance complete (%d bytes)", size)
	return size, nil
}

// Stats returns a point-in-time summary for the metrics emitter.
func (e *Engine) Stats() Stats {
	total, quarantined, byTier, err := e.store.stats()
	if err != nil {
		logging.Get(logging.CategoryMemory).Warn("Stats query failed: %v", err)
	}
	return Stats{
		Records:     total,
		Quarantined: quarantined,
		ByTier:      byTier,
		L1HitRatio:  e.l1.HitRatio(),
		L2HitRatio:  e.l2.HitRatio(),
	}
}

// =============================================================================
// TIER SWEEPER
// =============================================================================

// sweeper periodically demotes idle records. Demotion never affects
// correctness, only expected latency.
func (e *Engine) sweeper() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.sweepOnce()
		}
	}
}

func (e *Engine) sweepOnce() {
	now := time.Now()
	warm, err := e.store.demote(TierHot, TierWarm, now.Add(-e.cfg.HotToWarmDuration()))
	if err != nil {
		logging.Get(logging.CategoryMemory).Warn("HOT->WARM sweep failed: %v", err)
	}
	cold, err := e.store.demote(TierWarm, TierCold, now.Add(-e.cfg.WarmToColdDuration()))
	if err != nil {
		logging.Get(logging.CategoryMemory).Warn("WARM->COLD sweep failed: %v", err)
	}
	if warm > 0 || cold > 0 {
		logging.MemoryDebug("Sweep demoted %d to WARM, %d to COLD", warm, cold)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// withRetry runs fn up to the configured attempts with exponential backoff,
// honoring context cancellation between attempts.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	attempts := e.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	base, max := e.cfg.RetryWindow()

	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !errors.Is(err, ErrBackendUnavailable) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > max {
			delay = max
		}
	}
	return err
}

func keywordScore(query, key string) float64 {
	q := strings.ToLower(query)
	hits := 0
	words := strings.Fields(strings.ToLower(strings.ReplaceAll(key, "-", " ")))
	for _, w := range words {
		if strings.Contains(q, w) {
			hits++
		}
	}
	if len(words) == 0 {
		return 0
	}
	return float64(hits) / float64(len(words))
}

func snippet(content string, n int) string {
	content = strings.TrimSpace(content)
	if len(content) <= n {
		return content
	}
	// Never cut in the middle of a rune.
	for n > 0 && !utf8.RuneStart(content[n]) {
		n--
	}
	return content[:n] + "..."
}
