package embedding

import (
	"context"
	"testing"

	"conductor/internal/config"
)

func TestNewEngineRejectsUnknownProvider(t *testing.T) {
	cfg := config.DefaultMemoryConfig().Embedding
	cfg.Provider = "carrier-pigeon"
	if _, err := NewEngine(cfg); err == nil {
		t.Fatal("unknown provider accepted")
	}
}

func TestNewGenAIEngineRequiresKey(t *testing.T) {
	if _, err := NewGenAIEngine("", "gemini-embedding-001"); err == nil {
		t.Fatal("empty API key accepted")
	}
}

func TestLocalEngineIsDeterministic(t *testing.T) {
	eng := NewLocalEngine(64)
	a, err := eng.Embed(context.Background(), "postgres schema migration")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	b, err := eng.Embed(context.Background(), "postgres schema migration")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(a) != 64 || len(b) != 64 {
		t.Fatalf("dimensions = (%d, %d), want 64", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding not deterministic at %d: %v != %v", i, a[i], b[i])
		}
	}
}

func TestFindTopKOrdersBySimilarity(t *testing.T) {
	eng := NewLocalEngine(64)
	ctx := context.Background()
	corpus, err := eng.EmbedBatch(ctx, []string{
		"rotating tls certificates",
		"postgres schema migration",
		"redis eviction policy",
	})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	query, err := eng.Embed(ctx, "postgres schema migration")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	results := FindTopK(query, corpus, 2)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Index != 1 {
		t.Fatalf("best match index = %d, want 1", results[0].Index)
	}
}
