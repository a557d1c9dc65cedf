package cache

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"reliability-core/internal/store"
)

func testCache(t *testing.T) (*Cache, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := store.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if _, err := st.Pool().Exec(ctx, `TRUNCATE analysis_cache`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return New(st.Pool()), st.Pool()
}

func TestPutGetIncrementsHitCount(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	entry, err := c.Put(ctx, "tenant-1", "fp_abc", "vision", json.RawMessage(`{"score":0.9}`), time.Hour)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if entry.HitCount != 0 {
		t.Fatalf("fresh entry should have zero hits, got %d", entry.HitCount)
	}

	for want := int64(1); want <= 2; want++ {
		got, ok, err := c.Get(ctx, "tenant-1", "fp_abc", "vision")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !ok {
			t.Fatal("expected a hit")
		}
		if got.HitCount != want {
			t.Fatalf("expected hit_count %d, got %d", want, got.HitCount)
		}
	}
}

func TestGetMissOnWrongKeyComponent(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	if _, err := c.Put(ctx, "tenant-1", "fp_abc", "vision", json.RawMessage(`{}`), time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}

	misses := [][3]string{
		{"tenant-2", "fp_abc", "vision"},
		{"tenant-1", "fp_xyz", "vision"},
		{"tenant-1", "fp_abc", "transcript"},
	}
	for _, key := range misses {
		if _, ok, err := c.Get(ctx, key[0], key[1], key[2]); err != nil || ok {
			t.Fatalf("expected miss for %v, got ok=%v err=%v", key, ok, err)
		}
	}
}

func TestPutOverwritePreservesHitCount(t *testing.T) {
	c, pool := testCache(t)
	ctx := context.Background()

	if _, err := c.Put(ctx, "tenant-1", "fp_abc", "vision", json.RawMessage(`{"v":1}`), time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, _, err := c.Get(ctx, "tenant-1", "fp_abc", "vision"); err != nil {
		t.Fatalf("get: %v", err)
	}

	overwritten, err := c.Put(ctx, "tenant-1", "fp_abc", "vision", json.RawMessage(`{"v":2}`), time.Hour)
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if overwritten.HitCount != 1 {
		t.Fatalf("overwrite must preserve hit_count, got %d", overwritten.HitCount)
	}

	got, ok, err := c.Get(ctx, "tenant-1", "fp_abc", "vision")
	if err != nil || !ok {
		t.Fatalf("get after overwrite: ok=%v err=%v", ok, err)
	}
	var payload map[string]int
	if err := json.Unmarshal(got.Analysis, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["v"] != 2 {
		t.Fatalf("expected overwritten analysis, got %s", got.Analysis)
	}

	var rows int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM analysis_cache`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Fatalf("upsert must not duplicate rows, got %d", rows)
	}
}

func TestExpiredEntryIsMissBeforeSweep(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	if _, err := c.Put(ctx, "tenant-1", "fp_abc", "vision", json.RawMessage(`{}`), 20*time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if _, ok, err := c.Get(ctx, "tenant-1", "fp_abc", "vision"); err != nil || ok {
		t.Fatalf("expired entry must be a read-time miss, got ok=%v err=%v", ok, err)
	}
}

func TestSweepDeletesOnlyExpired(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	if _, err := c.Put(ctx, "tenant-1", "fp_old", "vision", json.RawMessage(`{}`), 20*time.Millisecond); err != nil {
		t.Fatalf("put old: %v", err)
	}
	if _, err := c.Put(ctx, "tenant-1", "fp_new", "vision", json.RawMessage(`{}`), time.Hour); err != nil {
		t.Fatalf("put new: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	n, err := c.Sweep(ctx, time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one expired entry deleted, got %d", n)
	}

	// Idempotent: nothing extra on a second pass.
	if n, _ := c.Sweep(ctx, time.Now()); n != 0 {
		t.Fatalf("repeat sweep should delete nothing, got %d", n)
	}

	if _, ok, _ := c.Get(ctx, "tenant-1", "fp_new", "vision"); !ok {
		t.Fatal("unexpired entry must survive the sweep")
	}
}

func TestPutRejectsNonPositiveTTL(t *testing.T) {
	c, _ := testCache(t)
	if _, err := c.Put(context.Background(), "tenant-1", "fp", "vision", json.RawMessage(`{}`), 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}
