package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeStore struct {
	deleted int64
	err     error
	calls   int
	cutoffs []time.Time
}

func (f *fakeStore) sweep(olderThan time.Time) (int64, error) {
	f.calls++
	f.cutoffs = append(f.cutoffs, olderThan)
	return f.deleted, f.err
}

func (f *fakeStore) SweepTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	return f.sweep(olderThan)
}

func (f *fakeStore) Sweep(ctx context.Context, olderThan time.Time) (int64, error) {
	return f.sweep(olderThan)
}

func TestRunReportsPerStoreCounts(t *testing.T) {
	jobs := &fakeStore{deleted: 3}
	ledger := &fakeStore{deleted: 2}
	cache := &fakeStore{deleted: 7}

	s := New(jobs, ledger, cache, 24*time.Hour, 48*time.Hour, zerolog.Nop())
	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.JobsDeleted != 3 || report.LedgerDeleted != 2 || report.CacheDeleted != 7 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Total() != 12 {
		t.Fatalf("expected total 12, got %d", report.Total())
	}
	if jobs.calls != 1 || ledger.calls != 1 || cache.calls != 1 {
		t.Fatal("expected each store swept exactly once")
	}
}

func TestRunRetentionCutoffs(t *testing.T) {
	jobs := &fakeStore{}
	ledger := &fakeStore{}
	cache := &fakeStore{}

	before := time.Now().UTC()
	s := New(jobs, ledger, cache, 24*time.Hour, 48*time.Hour, zerolog.Nop())
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	after := time.Now().UTC()

	jobCutoff := jobs.cutoffs[0]
	if jobCutoff.Before(before.Add(-24*time.Hour)) || jobCutoff.After(after.Add(-24*time.Hour)) {
		t.Fatalf("job cutoff %s not 24h before now", jobCutoff)
	}
	ledgerCutoff := ledger.cutoffs[0]
	if ledgerCutoff.Before(before.Add(-48*time.Hour)) || ledgerCutoff.After(after.Add(-48*time.Hour)) {
		t.Fatalf("ledger cutoff %s not 48h before now", ledgerCutoff)
	}
	cacheNow := cache.cutoffs[0]
	if cacheNow.Before(before) || cacheNow.After(after) {
		t.Fatalf("cache sweep instant %s not now", cacheNow)
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	jobs := &fakeStore{err: errors.New("jobs down")}
	ledger := &fakeStore{deleted: 5}
	cache := &fakeStore{deleted: 1}

	s := New(jobs, ledger, cache, time.Hour, time.Hour, zerolog.Nop())
	report, err := s.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error from the jobs sweep")
	}
	if ledger.calls != 1 || cache.calls != 1 {
		t.Fatal("a failing sub-sweep must not stop the others")
	}
	if report.LedgerDeleted != 5 || report.CacheDeleted != 1 {
		t.Fatalf("partial report lost counts: %+v", report)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(&fakeStore{}, &fakeStore{}, &fakeStore{}, time.Hour, time.Hour, zerolog.Nop())
	if err := s.Start(context.Background(), "not a cron expr"); err == nil {
		t.Fatal("expected schedule parse error")
	}
}
