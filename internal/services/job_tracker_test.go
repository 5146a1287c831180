package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/storysmith/storysmith-backend/internal/domain"
)

func newTestTracker(t *testing.T) (JobTracker, *memJobRepo, *memEventRepo, *memCache, *recordingNotifier) {
	t.Helper()
	jobs := newMemJobRepo()
	events := &memEventRepo{}
	cache := newMemCache()
	notifier := &recordingNotifier{}
	tracker := NewJobTracker(testLogger(t), jobs, events, cache, notifier)
	return tracker, jobs, events, cache, notifier
}

func mustCreate(t *testing.T, tracker JobTracker, spec JobSpec) *domain.GenerationJob {
	t.Helper()
	job, err := tracker.Create(context.Background(), spec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return job
}

func TestJobTrackerCreateRejectsDuplicateActive(t *testing.T) {
	tracker, _, _, _, _ := newTestTracker(t)
	spec := JobSpec{UserID: uuid.New(), TrilogyID: uuid.New(), SceneID: uuid.New(), QueueTaskID: uuid.NewString()}

	first := mustCreate(t, tracker, spec)
	if first.Status != domain.JobStatusQueued || first.Stage != "queued" {
		t.Fatalf("new job status=%s stage=%s, want queued/queued", first.Status, first.Stage)
	}

	if _, err := tracker.Create(context.Background(), spec); !errors.Is(err, ErrDuplicateActiveJob) {
		t.Fatalf("second Create err=%v, want ErrDuplicateActiveJob", err)
	}
}

func TestJobTrackerCreateAllowsNewJobAfterTerminal(t *testing.T) {
	tracker, _, _, _, _ := newTestTracker(t)
	spec := JobSpec{UserID: uuid.New(), TrilogyID: uuid.New(), SceneID: uuid.New()}

	job := mustCreate(t, tracker, spec)
	if _, err := tracker.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if _, err := tracker.Create(context.Background(), spec); err != nil {
		t.Fatalf("Create after terminal: %v", err)
	}
}

func TestJobTrackerLifecycle(t *testing.T) {
	tracker, _, events, _, notifier := newTestTracker(t)
	job := mustCreate(t, tracker, JobSpec{UserID: uuid.New(), TrilogyID: uuid.New(), SceneID: uuid.New()})
	ctx := context.Background()

	started, err := tracker.Start(ctx, job.ID)
	if err != nil || !started {
		t.Fatalf("Start=(%v, %v), want (true, nil)", started, err)
	}
	// A duplicate queue delivery must not restart the job.
	started, err = tracker.Start(ctx, job.ID)
	if err != nil || started {
		t.Fatalf("second Start=(%v, %v), want (false, nil)", started, err)
	}

	if err := tracker.UpdateProgress(ctx, job.ID, "generating", 45, nil); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	// Progress never moves backwards.
	if err := tracker.UpdateProgress(ctx, job.ID, "generating", 20, nil); err != nil {
		t.Fatalf("UpdateProgress backwards: %v", err)
	}
	got, err := tracker.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Progress != 45 {
		t.Fatalf("progress=%d, want 45 (monotonic)", got.Progress)
	}

	result := JobResult{VersionID: uuid.New(), VersionNumber: 2, WordCount: 480, ModelID: "gpt-4o-mini"}
	if err := tracker.Complete(ctx, job.ID, result); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err = tracker.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get after complete: %v", err)
	}
	if got.Status != domain.JobStatusCompleted || got.Progress != 100 {
		t.Fatalf("status=%s progress=%d, want completed/100", got.Status, got.Progress)
	}
	var stored JobResult
	if err := json.Unmarshal(got.Result, &stored); err != nil {
		t.Fatalf("unmarshal stored result: %v", err)
	}
	if stored != result {
		t.Fatalf("stored result=%+v, want %+v", stored, result)
	}

	kinds := events.kinds(job.ID)
	if len(kinds) == 0 || kinds[0] != domain.JobEventCreated || kinds[len(kinds)-1] != domain.JobEventCompleted {
		t.Fatalf("event ledger=%v, want created..completed", kinds)
	}
	if !notifier.has("queued") || !notifier.has("progress") || !notifier.has("completed") {
		t.Fatalf("notifications=%v, missing lifecycle pushes", notifier.record)
	}
}

func TestJobTrackerTerminalStatesAreImmutable(t *testing.T) {
	tracker, _, _, _, _ := newTestTracker(t)
	ctx := context.Background()

	job := mustCreate(t, tracker, JobSpec{UserID: uuid.New(), TrilogyID: uuid.New(), SceneID: uuid.New()})
	if _, err := tracker.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tracker.Fail(ctx, job.ID, "model unavailable", domain.ErrorTypeLLM, true, false); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	if err := tracker.Complete(ctx, job.ID, JobResult{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Complete after fail err=%v, want ErrInvalidTransition", err)
	}
	if _, err := tracker.Cancel(ctx, job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Cancel after fail err=%v, want ErrInvalidTransition", err)
	}
	if err := tracker.Fail(ctx, job.ID, "again", domain.ErrorTypeGeneration, true, false); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double Fail err=%v, want ErrInvalidTransition", err)
	}

	// A progress tick against a terminal job is discarded without error.
	if err := tracker.UpdateProgress(ctx, job.ID, "generating", 60, nil); err != nil {
		t.Fatalf("UpdateProgress on terminal job err=%v, want nil", err)
	}
	got, err := tracker.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.JobStatusFailed || got.Stage == "generating" {
		t.Fatalf("terminal job mutated: status=%s stage=%s", got.Status, got.Stage)
	}
	if got.ErrorMessage != "model unavailable" || got.ErrorType != domain.ErrorTypeLLM {
		t.Fatalf("error fields=%q/%q, want preserved", got.ErrorMessage, got.ErrorType)
	}
}

func TestJobTrackerCancelBeforePickup(t *testing.T) {
	tracker, _, _, _, notifier := newTestTracker(t)
	job := mustCreate(t, tracker, JobSpec{UserID: uuid.New(), TrilogyID: uuid.New(), SceneID: uuid.New()})

	cancelled, err := tracker.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.JobStatusCancelled {
		t.Fatalf("status=%s, want cancelled", cancelled.Status)
	}
	if !notifier.has("cancelled") {
		t.Fatalf("notifications=%v, missing cancelled push", notifier.record)
	}

	// The worker must no longer be able to start it.
	started, err := tracker.Start(context.Background(), job.ID)
	if err != nil || started {
		t.Fatalf("Start after cancel=(%v, %v), want (false, nil)", started, err)
	}
}

func TestJobTrackerMissingJob(t *testing.T) {
	tracker, _, _, _, _ := newTestTracker(t)
	ctx := context.Background()
	missing := uuid.New()

	if _, err := tracker.Get(ctx, missing); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Get err=%v, want ErrJobNotFound", err)
	}
	if err := tracker.UpdateProgress(ctx, missing, "generating", 50, nil); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("UpdateProgress err=%v, want ErrJobNotFound", err)
	}
	if err := tracker.Complete(ctx, missing, JobResult{}); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Complete err=%v, want ErrJobNotFound", err)
	}
	if _, err := tracker.Cancel(ctx, missing); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Cancel err=%v, want ErrJobNotFound", err)
	}
}

func TestJobTrackerFailIncrementsRetryCount(t *testing.T) {
	tracker, _, _, _, _ := newTestTracker(t)
	ctx := context.Background()

	job := mustCreate(t, tracker, JobSpec{UserID: uuid.New(), TrilogyID: uuid.New(), SceneID: uuid.New(), RetryCount: 1})
	if _, err := tracker.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tracker.Fail(ctx, job.ID, "timed out", domain.ErrorTypeTimeout, true, true); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got, err := tracker.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RetryCount != 2 {
		t.Fatalf("retry_count=%d, want 2", got.RetryCount)
	}
}

func TestJobTrackerInvalidatesActiveJobsCache(t *testing.T) {
	tracker, _, _, cache, _ := newTestTracker(t)
	ctx := context.Background()
	userID := uuid.New()

	// Simulate a warm read-through cache entry.
	_ = cache.Set(ctx, activeJobsCacheKey(userID), []byte(`[]`), 0)

	job := mustCreate(t, tracker, JobSpec{UserID: userID, TrilogyID: uuid.New(), SceneID: uuid.New()})
	if _, ok, _ := cache.Get(ctx, activeJobsCacheKey(userID)); ok {
		t.Fatal("Create did not invalidate the active-jobs cache")
	}

	_ = cache.Set(ctx, activeJobsCacheKey(userID), []byte(`[]`), 0)
	if _, err := tracker.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, activeJobsCacheKey(userID)); ok {
		t.Fatal("Cancel did not invalidate the active-jobs cache")
	}
}
