package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"reliability-core/internal/models"
)

// fakeQueue is an in-memory JobQueue applying the same retry rule as the
// durable queue.
type fakeQueue struct {
	mu       sync.Mutex
	jobs     map[string]models.Job
	progress map[string][]int
}

func newFakeQueue(jobs ...models.Job) *fakeQueue {
	q := &fakeQueue{jobs: make(map[string]models.Job), progress: make(map[string][]int)}
	for _, j := range jobs {
		q.jobs[j.ID] = j
	}
	return q
}

func (q *fakeQueue) ClaimNext(ctx context.Context) (models.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, j := range q.jobs {
		if j.Status == models.StatusPending {
			j.Status = models.StatusProcessing
			q.jobs[id] = j
			return j, true, nil
		}
	}
	return models.Job{}, false, nil
}

func (q *fakeQueue) Complete(ctx context.Context, id string, result json.RawMessage) (models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok || j.Status != models.StatusProcessing {
		return models.Job{}, errors.New("not processing")
	}
	j.Status = models.StatusCompleted
	j.Result = result
	q.jobs[id] = j
	return j, nil
}

func (q *fakeQueue) Fail(ctx context.Context, id string, errMsg string) (models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok || j.Status != models.StatusProcessing {
		return models.Job{}, errors.New("not processing")
	}
	if j.Retries < j.MaxRetries {
		j.Retries++
		j.Status = models.StatusPending
	} else {
		j.Status = models.StatusFailed
	}
	j.Error = &errMsg
	q.jobs[id] = j
	return j, nil
}

func (q *fakeQueue) ReportProgress(ctx context.Context, id string, percent int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.progress[id] = append(q.progress[id], percent)
	return nil
}

func (q *fakeQueue) ReclaimTimedOut(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (q *fakeQueue) get(id string) models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs[id]
}

func testProcessor(q JobQueue) *Processor {
	return NewProcessor(q, Options{
		PollInterval:     5 * time.Millisecond,
		WatchdogInterval: time.Hour,
	}, zerolog.Nop())
}

func pendingJob(id string, maxRetries int) models.Job {
	return models.Job{
		ID:         id,
		Type:       "noop",
		Payload:    json.RawMessage(`{}`),
		Status:     models.StatusPending,
		MaxRetries: maxRetries,
		Timeout:    time.Second,
	}
}

func TestProcessSuccess(t *testing.T) {
	q := newFakeQueue(pendingJob("job-1", 3))
	p := testProcessor(q)
	p.RegisterHandler("noop", func(ctx context.Context, job *ActiveJob) (json.RawMessage, error) {
		return json.RawMessage(`{"done":true}`), nil
	})

	job, ok, _ := q.ClaimNext(context.Background())
	if !ok {
		t.Fatal("expected a claimable job")
	}
	p.process(context.Background(), job)

	got := q.get("job-1")
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if string(got.Result) != `{"done":true}` {
		t.Fatalf("unexpected result %s", got.Result)
	}
}

func TestProcessNoHandler(t *testing.T) {
	q := newFakeQueue(pendingJob("job-1", 0))
	p := testProcessor(q)

	job, _, _ := q.ClaimNext(context.Background())
	p.process(context.Background(), job)

	got := q.get("job-1")
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Error == nil || !strings.Contains(*got.Error, "no handler registered") {
		t.Fatalf("unexpected error %v", got.Error)
	}
}

func TestProcessHandlerErrorRetries(t *testing.T) {
	q := newFakeQueue(pendingJob("job-1", 2))
	p := testProcessor(q)
	p.RegisterHandler("noop", func(ctx context.Context, job *ActiveJob) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})

	wantRetries := []int{1, 2}
	for _, want := range wantRetries {
		job, ok, _ := q.ClaimNext(context.Background())
		if !ok {
			t.Fatalf("expected job claimable before retry %d", want)
		}
		p.process(context.Background(), job)
		got := q.get("job-1")
		if got.Status != models.StatusPending || got.Retries != want {
			t.Fatalf("expected pending with retries=%d, got %s retries=%d", want, got.Status, got.Retries)
		}
	}

	job, _, _ := q.ClaimNext(context.Background())
	p.process(context.Background(), job)
	got := q.get("job-1")
	if got.Status != models.StatusFailed || got.Retries != 2 {
		t.Fatalf("expected terminal failed with retries=2, got %s retries=%d", got.Status, got.Retries)
	}
}

func TestProcessTimeout(t *testing.T) {
	j := pendingJob("job-1", 0)
	j.Timeout = 10 * time.Millisecond
	q := newFakeQueue(j)
	p := testProcessor(q)
	p.RegisterHandler("noop", func(ctx context.Context, job *ActiveJob) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	job, _, _ := q.ClaimNext(context.Background())
	p.process(context.Background(), job)

	got := q.get("job-1")
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Error == nil || !strings.Contains(*got.Error, "timeout after") {
		t.Fatalf("expected timeout error, got %v", got.Error)
	}
}

func TestRunClaimsAndStops(t *testing.T) {
	q := newFakeQueue(pendingJob("job-1", 0))
	p := testProcessor(q)
	p.RegisterHandler("noop", func(ctx context.Context, job *ActiveJob) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.After(time.Second)
	for q.get("job-1").Status != models.StatusCompleted {
		select {
		case <-deadline:
			t.Fatal("job was not processed in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	for attempt := 1; attempt <= 6; attempt++ {
		d := backoffWithJitter(base, max, attempt)
		if d < base/2 || d > max {
			t.Fatalf("attempt %d: backoff %s out of [%s, %s]", attempt, d, base/2, max)
		}
	}
	if d := backoffWithJitter(base, max, 0); d != base {
		t.Fatalf("attempt 0 should return base, got %s", d)
	}
}
