package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Sendient/ai-detector-sub001/blobstore"
	"github.com/Sendient/ai-detector-sub001/dbopen"
	"github.com/Sendient/ai-detector-sub001/jobq"
	"github.com/Sendient/ai-detector-sub001/quota"
	"github.com/Sendient/ai-detector-sub001/records"
	"github.com/Sendient/ai-detector-sub001/scoring"
)

type fixture struct {
	store  *records.Store
	ledger *quota.Ledger
	queue  *jobq.Q
	blobs  *blobstore.Memory
	sched  *Scheduler
}

func fastConfig() Config {
	return Config{
		Workers:      2,
		MaxRetries:   3,
		BaseBackoff:  time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}
}

func newFixture(t *testing.T, scorer scoring.Scorer, cfg Config) *fixture {
	t.Helper()
	db := dbopen.OpenMemory(t,
		dbopen.WithSchema(records.Schema),
		dbopen.WithSchema(quota.Schema),
		dbopen.WithSchema(jobq.Schema))
	plans := quota.PlanSourceFunc(func(context.Context, string) (quota.Plan, error) {
		return quota.Plan{Tier: "test", WordAllowance: 10000, CharAllowance: 100000}, nil
	})
	f := &fixture{
		store:  records.New(db),
		ledger: quota.NewLedger(db, plans),
		queue:  jobq.New(db, jobq.Options{Queue: "assess"}),
		blobs:  blobstore.NewMemory(),
	}
	f.sched = New(f.store, f.ledger, f.queue, f.blobs, scorer, cfg)
	return f
}

// admit brings a document to queued with a held reservation and a job.
func (f *fixture) admit(t *testing.T, tenant, text string, priority int) *records.Document {
	t.Helper()
	ctx := context.Background()
	d := &records.Document{
		ID:        f.store.NewDocumentID(),
		TenantID:  tenant,
		Filename:  "essay.txt",
		MediaType: "text/plain",
		SizeBytes: int64(len(text)),
	}
	d.RawKey = blobstore.RawKey(tenant, d.ID)
	if err := f.blobs.Put(ctx, d.RawKey, []byte(text)); err != nil {
		t.Fatal(err)
	}
	if err := f.store.CreateDocument(ctx, d); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Transition(ctx, d.ID, records.StatusExtracting, records.Patch{}); err != nil {
		t.Fatal(err)
	}
	m := records.Metrics{Words: int64(len(strings.Fields(text))), Chars: int64(len(text))}
	if err := f.store.SetMetrics(ctx, d.ID, m); err != nil {
		t.Fatal(err)
	}
	r, err := f.ledger.Hold(ctx, tenant, quota.CycleOf(time.Now()), m.Words, m.Chars)
	if err != nil {
		t.Fatal(err)
	}
	textKey := blobstore.TextKey(tenant, d.ID)
	if err := f.blobs.Put(ctx, textKey, []byte(text)); err != nil {
		t.Fatal(err)
	}
	doc, err := f.store.Transition(ctx, d.ID, records.StatusQueued, records.Patch{
		TextKey: textKey, ReservationID: r.ID, Priority: &priority,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.sched.Enqueue(ctx, d.ID, priority); err != nil {
		t.Fatal(err)
	}
	return doc
}

func (f *fixture) start(t *testing.T) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sched.Run(ctx)
		close(done)
	}()
	stop = func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return stop
}

func (f *fixture) waitStatus(t *testing.T, id string, want records.Status) *records.Document {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		d, err := f.store.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if d.Status == want {
			return d
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s: status %s, want %s", id, d.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) reservation(t *testing.T, id string) *quota.Reservation {
	t.Helper()
	r, err := f.ledger.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestBackoff(t *testing.T) {
	s := New(nil, nil, nil, nil, nil, Config{})
	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{5, 64 * time.Second},
		{6, 2 * time.Minute},
		{60, 2 * time.Minute},
	}
	for _, c := range cases {
		if got := s.Backoff(c.n); got != c.want {
			t.Errorf("Backoff(%d) = %s, want %s", c.n, got, c.want)
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := New(nil, nil, nil, nil, nil, Config{}).Config()
	if cfg.Workers != 4 || cfg.AssessTimeout != time.Minute || cfg.BaseBackoff != 2*time.Second {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.MaxRetries != 0 {
		t.Fatalf("MaxRetries = %d, want 0 kept as given", cfg.MaxRetries)
	}
	if New(nil, nil, nil, nil, nil, Config{MaxRetries: -1}).Config().MaxRetries != 0 {
		t.Fatal("negative MaxRetries should clamp to 0")
	}
	if New(nil, nil, nil, nil, nil, Config{MaxRetries: 5}).Config().MaxRetries != 5 {
		t.Fatal("MaxRetries overridden")
	}
}

func TestZeroMaxRetriesFailsFirstTransient(t *testing.T) {
	var calls atomic.Int32
	scorer := scoring.Func(func(context.Context, string) (scoring.Score, error) {
		calls.Add(1)
		return scoring.Score{}, scoring.TransientError(errors.New("503"))
	})
	cfg := fastConfig()
	cfg.MaxRetries = 0
	f := newFixture(t, scorer, cfg)
	doc := f.admit(t, "t1", "no second chance", 0)
	stop := f.start(t)

	got := f.waitStatus(t, doc.ID, records.StatusFailed)
	stop() // drain workers
	if got.ErrorKind != KindAssessmentExhausted || got.RetryCount != 0 {
		t.Fatalf("failed with %q after %d retries", got.ErrorKind, got.RetryCount)
	}
	if calls.Load() != 1 {
		t.Fatalf("scorer called %d times, want 1", calls.Load())
	}
	if r := f.reservation(t, doc.ReservationID); r.State != quota.StateReleased {
		t.Fatalf("reservation %s", r.State)
	}
}

func TestTransientFailuresThenSuccess(t *testing.T) {
	var calls atomic.Int32
	scorer := scoring.Func(func(context.Context, string) (scoring.Score, error) {
		if calls.Add(1) <= 3 {
			return scoring.Score{}, scoring.TransientError(errors.New("503"))
		}
		return scoring.Score{Value: 0.7, Confidence: 0.8}, nil
	})
	f := newFixture(t, scorer, fastConfig())
	doc := f.admit(t, "t1", "one two three four", 0)
	stop := f.start(t)

	got := f.waitStatus(t, doc.ID, records.StatusCompleted)
	stop() // drain workers
	if got.RetryCount != 3 {
		t.Fatalf("retry_count = %d, want 3", got.RetryCount)
	}
	if got.Result == nil || got.Result.Score != 0.7 {
		t.Fatalf("result = %+v", got.Result)
	}
	if calls.Load() != 4 {
		t.Fatalf("scorer called %d times, want 4", calls.Load())
	}
	if r := f.reservation(t, doc.ReservationID); r.State != quota.StateCommitted {
		t.Fatalf("reservation %s", r.State)
	}
	u, err := f.ledger.Usage(context.Background(), "t1", quota.CycleOf(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if u.CommittedWords != 4 || u.HeldWords != 0 {
		t.Fatalf("usage = %+v, want 4 committed words once", u)
	}
	if _, err := f.blobs.Get(context.Background(), got.Result.Key); err != nil {
		t.Fatalf("result blob: %v", err)
	}
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	scorer := scoring.Func(func(context.Context, string) (scoring.Score, error) {
		calls.Add(1)
		return scoring.Score{}, scoring.TransientError(errors.New("timeout"))
	})
	cfg := fastConfig()
	cfg.MaxRetries = 2
	f := newFixture(t, scorer, cfg)
	doc := f.admit(t, "t1", "some text here", 0)
	stop := f.start(t)

	got := f.waitStatus(t, doc.ID, records.StatusFailed)
	stop() // drain workers
	if got.ErrorKind != KindAssessmentExhausted || got.RetryCount != 2 {
		t.Fatalf("failed with %q after %d retries", got.ErrorKind, got.RetryCount)
	}
	if calls.Load() != 3 {
		t.Fatalf("scorer called %d times, want 3", calls.Load())
	}
	if r := f.reservation(t, doc.ReservationID); r.State != quota.StateReleased {
		t.Fatalf("reservation %s", r.State)
	}
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	scorer := scoring.Func(func(context.Context, string) (scoring.Score, error) {
		calls.Add(1)
		return scoring.Score{}, scoring.PermanentError(errors.New("text too short"))
	})
	f := newFixture(t, scorer, fastConfig())
	doc := f.admit(t, "t1", "short", 0)
	stop := f.start(t)

	got := f.waitStatus(t, doc.ID, records.StatusFailed)
	stop() // drain workers
	if got.ErrorKind != KindAssessmentRejected || got.RetryCount != 0 {
		t.Fatalf("failed with %q after %d retries", got.ErrorKind, got.RetryCount)
	}
	if !strings.Contains(got.ErrorDetail, "text too short") {
		t.Fatalf("detail = %q", got.ErrorDetail)
	}
	if calls.Load() != 1 {
		t.Fatalf("scorer called %d times", calls.Load())
	}
	if r := f.reservation(t, doc.ReservationID); r.State != quota.StateReleased {
		t.Fatalf("reservation %s", r.State)
	}
}

func TestMissingTextFailsWithStorageError(t *testing.T) {
	f := newFixture(t, scoring.Func(func(context.Context, string) (scoring.Score, error) {
		return scoring.Score{Value: 0.1}, nil
	}), fastConfig())
	doc := f.admit(t, "t1", "lost text", 0)
	if err := f.blobs.Delete(context.Background(), doc.TextKey); err != nil {
		t.Fatal(err)
	}
	f.start(t)
	got := f.waitStatus(t, doc.ID, records.StatusFailed)
	if got.ErrorKind != KindStorageError {
		t.Fatalf("kind = %q", got.ErrorKind)
	}
}

func TestPriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	scorer := scoring.Func(func(_ context.Context, text string) (scoring.Score, error) {
		mu.Lock()
		order = append(order, text)
		mu.Unlock()
		return scoring.Score{Value: 0.5, Confidence: 0.5}, nil
	})
	cfg := fastConfig()
	cfg.Workers = 1
	f := newFixture(t, scorer, cfg)
	f.admit(t, "free", "low one", 0)
	f.admit(t, "school", "high one", 20)
	f.admit(t, "free", "low two", 0)
	last := f.admit(t, "pro", "mid one", 10)
	f.start(t)

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d assessed", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	want := []string{"high one", "mid one", "low one", "low two"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	f.waitStatus(t, last.ID, records.StatusCompleted)
}

func TestCancelQueued(t *testing.T) {
	f := newFixture(t, nil, fastConfig())
	doc := f.admit(t, "t1", "to be cancelled", 0)
	ctx := context.Background()

	got, err := f.sched.Cancel(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != records.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if n, _ := f.queue.Len(ctx); n != 0 {
		t.Fatalf("queue len = %d", n)
	}
	if r := f.reservation(t, doc.ReservationID); r.State != quota.StateReleased {
		t.Fatalf("reservation %s", r.State)
	}
	if keys := f.blobs.Keys(); len(keys) != 0 {
		t.Fatalf("blobs left: %v", keys)
	}
}

func TestCancelUploaded(t *testing.T) {
	f := newFixture(t, nil, fastConfig())
	ctx := context.Background()
	d := &records.Document{TenantID: "t1", Filename: "a.txt", MediaType: "text/plain"}
	if err := f.store.CreateDocument(ctx, d); err != nil {
		t.Fatal(err)
	}
	got, err := f.sched.Cancel(ctx, d.ID)
	if err != nil || got.Status != records.StatusCancelled {
		t.Fatalf("cancel = %v, %v", got, err)
	}
}

func TestCancelTerminalRejected(t *testing.T) {
	f := newFixture(t, scoring.Func(func(context.Context, string) (scoring.Score, error) {
		return scoring.Score{Value: 0.3, Confidence: 0.9}, nil
	}), fastConfig())
	doc := f.admit(t, "t1", "done soon", 0)
	stop := f.start(t)
	f.waitStatus(t, doc.ID, records.StatusCompleted)
	stop() // drain workers

	_, err := f.sched.Cancel(context.Background(), doc.ID)
	if !errors.Is(err, records.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if r := f.reservation(t, doc.ReservationID); r.State != quota.StateCommitted {
		t.Fatalf("reservation %s", r.State)
	}
}

func TestCancelDuringAssessment(t *testing.T) {
	started := make(chan struct{}, 1)
	scorer := scoring.Func(func(ctx context.Context, _ string) (scoring.Score, error) {
		started <- struct{}{}
		<-ctx.Done()
		return scoring.Score{}, ctx.Err()
	})
	f := newFixture(t, scorer, fastConfig())
	doc := f.admit(t, "t1", "in flight", 0)
	stop := f.start(t)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("assessment never started")
	}
	if _, err := f.sched.Cancel(context.Background(), doc.ID); err != nil {
		t.Fatal(err)
	}
	got := f.waitStatus(t, doc.ID, records.StatusCancelled)
	stop() // drain workers
	if got.Result != nil {
		t.Fatalf("result kept: %+v", got.Result)
	}
	if r := f.reservation(t, doc.ReservationID); r.State != quota.StateReleased {
		t.Fatalf("reservation %s", r.State)
	}
}

func TestRunDrainsInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	scorer := scoring.Func(func(context.Context, string) (scoring.Score, error) {
		started <- struct{}{}
		<-release
		return scoring.Score{Value: 0.9, Confidence: 0.9}, nil
	})
	f := newFixture(t, scorer, fastConfig())
	doc := f.admit(t, "t1", "slow one", 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sched.Run(ctx)
		close(done)
	}()
	<-started
	cancel()
	select {
	case <-done:
		t.Fatal("Run returned with an assessment in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-done
	f.waitStatus(t, doc.ID, records.StatusCompleted)
}

func TestRecover(t *testing.T) {
	f := newFixture(t, nil, fastConfig())
	ctx := context.Background()

	crashed := f.admit(t, "t1", "was assessing", 0)
	if _, err := f.store.Transition(ctx, crashed.ID, records.StatusAssessing, records.Patch{}); err != nil {
		t.Fatal(err)
	}

	lost := f.admit(t, "t1", "job lost", 0)
	f.queue.Ack(ctx, lost.ID)

	done := f.admit(t, "t1", "completed unbilled", 0)
	f.store.Transition(ctx, done.ID, records.StatusAssessing, records.Patch{})
	if _, err := f.store.Transition(ctx, done.ID, records.StatusCompleted, records.Patch{
		Result: &records.Result{Key: "k", Score: 0.1, Confidence: 0.1},
	}); err != nil {
		t.Fatal(err)
	}
	f.queue.Ack(ctx, done.ID)

	failed := f.admit(t, "t1", "failed unreleased", 0)
	f.store.Transition(ctx, failed.ID, records.StatusAssessing, records.Patch{})
	if _, err := f.store.Transition(ctx, failed.ID, records.StatusFailed, records.Patch{ErrorKind: "assessment_rejected"}); err != nil {
		t.Fatal(err)
	}
	f.queue.Ack(ctx, failed.ID)

	rep, err := f.sched.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := RecoveryReport{Requeued: 1, Republished: 1, Committed: 1, Released: 1}
	if rep != want {
		t.Fatalf("report = %+v, want %+v", rep, want)
	}
	if d, _ := f.store.Get(ctx, crashed.ID); d.Status != records.StatusQueued {
		t.Fatalf("crashed status = %s", d.Status)
	}
	if n, _ := f.queue.Len(ctx); n != 2 {
		t.Fatalf("queue len = %d, want 2", n)
	}
	if r := f.reservation(t, done.ReservationID); r.State != quota.StateCommitted {
		t.Fatalf("completed reservation %s", r.State)
	}
	if r := f.reservation(t, failed.ReservationID); r.State != quota.StateReleased {
		t.Fatalf("failed reservation %s", r.State)
	}

	rep, err = f.sched.Recover(ctx)
	if err != nil || rep != (RecoveryReport{}) {
		t.Fatalf("second recover = %+v, %v", rep, err)
	}
}

func TestFailedCompletionWriteRequeues(t *testing.T) {
	var calls atomic.Int32
	scorer := scoring.Func(func(context.Context, string) (scoring.Score, error) {
		calls.Add(1)
		return scoring.Score{Value: 0.4, Confidence: 0.6}, nil
	})
	f := newFixture(t, scorer, fastConfig())
	ctx := context.Background()
	db := f.store.DB()
	for _, stmt := range []string{
		`CREATE TABLE block_complete (x INTEGER)`,
		`INSERT INTO block_complete VALUES (1)`,
		`CREATE TRIGGER block_complete_tr BEFORE UPDATE OF status ON documents
		 WHEN NEW.status = 'completed' AND EXISTS (SELECT 1 FROM block_complete)
		 BEGIN SELECT RAISE(ABORT, 'completion blocked'); END`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatal(err)
		}
	}
	doc := f.admit(t, "t1", "one two three", 0)
	stop := f.start(t)

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("scorer called %d times; document never went back to the queue", calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if r := f.reservation(t, doc.ReservationID); r.State != quota.StateHeld {
		t.Fatalf("reservation %s while completion is blocked", r.State)
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM block_complete`); err != nil {
		t.Fatal(err)
	}
	f.waitStatus(t, doc.ID, records.StatusCompleted)
	stop() // drain workers
	if r := f.reservation(t, doc.ReservationID); r.State != quota.StateCommitted {
		t.Fatalf("reservation %s", r.State)
	}
	u, err := f.ledger.Usage(ctx, "t1", quota.CycleOf(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if u.CommittedWords != 3 || u.HeldWords != 0 {
		t.Fatalf("usage = %+v, want 3 committed words once", u)
	}
	if n, _ := f.queue.Len(ctx); n != 0 {
		t.Fatalf("queue len = %d", n)
	}
}

func TestAbandonedAssessmentIsReclaimed(t *testing.T) {
	scorer := scoring.Func(func(context.Context, string) (scoring.Score, error) {
		return scoring.Score{Value: 0.2, Confidence: 0.9}, nil
	})
	f := newFixture(t, scorer, fastConfig())
	// Two hours on, any assessing document is past AssessTimeout+staleMargin.
	f.sched = New(f.store, f.ledger, f.queue, f.blobs, scorer, fastConfig(),
		WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) }))
	ctx := context.Background()
	doc := f.admit(t, "t1", "left behind", 0)
	if _, err := f.store.Transition(ctx, doc.ID, records.StatusAssessing, records.Patch{}); err != nil {
		t.Fatal(err)
	}
	f.start(t)

	f.waitStatus(t, doc.ID, records.StatusCompleted)
}

func TestFreshAssessmentIsLeftToItsWorker(t *testing.T) {
	var calls atomic.Int32
	scorer := scoring.Func(func(context.Context, string) (scoring.Score, error) {
		calls.Add(1)
		return scoring.Score{Value: 0.2, Confidence: 0.9}, nil
	})
	f := newFixture(t, scorer, fastConfig())
	ctx := context.Background()
	doc := f.admit(t, "t1", "someone has it", 0)
	if _, err := f.store.Transition(ctx, doc.ID, records.StatusAssessing, records.Patch{}); err != nil {
		t.Fatal(err)
	}
	stop := f.start(t)
	time.Sleep(100 * time.Millisecond)
	stop()

	if calls.Load() != 0 {
		t.Fatalf("scorer called %d times", calls.Load())
	}
	got, _ := f.store.Get(ctx, doc.ID)
	if got.Status != records.StatusAssessing {
		t.Fatalf("status = %s", got.Status)
	}
	job, err := f.queue.Get(ctx, doc.ID)
	if err != nil || job == nil {
		t.Fatalf("job dropped: %v %v", job, err)
	}
	if !job.VisibleAt.After(time.Now().Add(time.Minute)) {
		t.Fatalf("job visible again at %v, want after the assessment deadline", job.VisibleAt)
	}
}

// assessingWithCancel brings an admitted document to assessing with a cancel request
// pending, as if Cancel landed while the scorer call was returning.
func (f *fixture) assessingWithCancel(t *testing.T, text string) *records.Document {
	t.Helper()
	ctx := context.Background()
	doc := f.admit(t, "t1", text, 0)
	if _, err := f.queue.Claim(ctx); err != nil {
		t.Fatal(err)
	}
	doc, err := f.store.Transition(ctx, doc.ID, records.StatusAssessing, records.Patch{})
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := f.store.RequestCancel(ctx, doc.ID); err != nil || !ok {
		t.Fatalf("request cancel: %v %v", ok, err)
	}
	return doc
}

func (f *fixture) assertCancelled(t *testing.T, doc *records.Document) {
	t.Helper()
	ctx := context.Background()
	got, err := f.store.Get(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != records.StatusCancelled || got.Result != nil {
		t.Fatalf("document = %s result %+v, want cancelled without result", got.Status, got.Result)
	}
	if r := f.reservation(t, doc.ReservationID); r.State != quota.StateReleased {
		t.Fatalf("reservation %s", r.State)
	}
	if n, _ := f.queue.Len(ctx); n != 0 {
		t.Fatalf("queue len = %d", n)
	}
	if keys := f.blobs.Keys(); len(keys) != 0 {
		t.Fatalf("blobs left: %v", keys)
	}
}

func TestLateCancelBeatsCompletion(t *testing.T) {
	f := newFixture(t, nil, fastConfig())
	doc := f.assessingWithCancel(t, "scored but cancelled")

	f.sched.complete(context.Background(), doc, scoring.Score{Value: 0.9, Confidence: 0.9}, time.Millisecond)
	f.assertCancelled(t, doc)
}

func TestLateCancelBeatsRetry(t *testing.T) {
	f := newFixture(t, nil, fastConfig())
	doc := f.assessingWithCancel(t, "retry but cancelled")

	f.sched.retry(context.Background(), doc, scoring.TransientError(errors.New("503")))
	f.assertCancelled(t, doc)
}

func TestRecoverAppliesPendingCancel(t *testing.T) {
	f := newFixture(t, nil, fastConfig())
	doc := f.assessingWithCancel(t, "cancelled before the crash")

	rep, err := f.sched.Recover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want := (RecoveryReport{Cancelled: 1}); rep != want {
		t.Fatalf("report = %+v, want %+v", rep, want)
	}
	f.assertCancelled(t, doc)
}
