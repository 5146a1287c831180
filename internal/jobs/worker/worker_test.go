package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	genrepo "github.com/storysmith/storysmith-backend/internal/data/repos/generation"
	"github.com/storysmith/storysmith-backend/internal/domain"
	"github.com/storysmith/storysmith-backend/internal/jobs/runtime"
	"github.com/storysmith/storysmith-backend/internal/pkg/dbctx"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
	"github.com/storysmith/storysmith-backend/internal/services"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}

type fakeTaskRepo struct {
	mu         sync.Mutex
	done       []uuid.UUID
	cancelled  []uuid.UUID
	heartbeats int
}

var _ genrepo.TaskRepo = (*fakeTaskRepo)(nil)

func (f *fakeTaskRepo) Create(dbc dbctx.Context, task *domain.GenerationTask) error { return nil }
func (f *fakeTaskRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.GenerationTask, error) {
	return nil, nil
}
func (f *fakeTaskRepo) ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, staleRunning time.Duration) (*domain.GenerationTask, error) {
	return nil, nil
}
func (f *fakeTaskRepo) MarkDone(dbc dbctx.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = append(f.done, id)
	return nil
}
func (f *fakeTaskRepo) MarkCancelled(dbc dbctx.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}
func (f *fakeTaskRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

type fakeJobRepo struct {
	byTaskID map[string]*domain.GenerationJob
}

var _ genrepo.JobRepo = (*fakeJobRepo)(nil)

func (f *fakeJobRepo) Create(dbc dbctx.Context, job *domain.GenerationJob) error { return nil }
func (f *fakeJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.GenerationJob, error) {
	for _, job := range f.byTaskID {
		if job.ID == id {
			return job, nil
		}
	}
	return nil, nil
}
func (f *fakeJobRepo) GetByQueueTaskID(dbc dbctx.Context, taskID string) (*domain.GenerationJob, error) {
	return f.byTaskID[taskID], nil
}
func (f *fakeJobRepo) HasActiveForScene(dbc dbctx.Context, sceneID uuid.UUID) (bool, error) {
	return false, nil
}
func (f *fakeJobRepo) ListActiveForUser(dbc dbctx.Context, userID uuid.UUID) ([]*domain.GenerationJob, error) {
	return nil, nil
}
func (f *fakeJobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error) {
	return true, nil
}
func (f *fakeJobRepo) UpdateProgress(dbc dbctx.Context, id uuid.UUID, stage string, pct int, eta *time.Time) (bool, error) {
	return true, nil
}

// fakeTracker records transition calls instead of touching storage.
type fakeTracker struct {
	mu        sync.Mutex
	startable bool
	started   []uuid.UUID
	failures  []string
	completed []uuid.UUID
}

var _ services.JobTracker = (*fakeTracker)(nil)

func (f *fakeTracker) Create(ctx context.Context, spec services.JobSpec) (*domain.GenerationJob, error) {
	return nil, nil
}
func (f *fakeTracker) Start(ctx context.Context, jobID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.startable {
		return false, nil
	}
	f.started = append(f.started, jobID)
	return true, nil
}
func (f *fakeTracker) UpdateProgress(ctx context.Context, jobID uuid.UUID, stage string, pct int, eta *time.Time) error {
	return nil
}
func (f *fakeTracker) Complete(ctx context.Context, jobID uuid.UUID, result services.JobResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, jobID)
	return nil
}
func (f *fakeTracker) Fail(ctx context.Context, jobID uuid.UUID, message, errType string, retryable, incrementRetry bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, message)
	return nil
}
func (f *fakeTracker) Cancel(ctx context.Context, jobID uuid.UUID) (*domain.GenerationJob, error) {
	return nil, nil
}
func (f *fakeTracker) Get(ctx context.Context, jobID uuid.UUID) (*domain.GenerationJob, error) {
	return nil, services.ErrJobNotFound
}

type fakeHandler struct {
	taskType string
	runs     int
	result   error
}

func (h *fakeHandler) Type() string { return h.taskType }
func (h *fakeHandler) Run(jc *runtime.Context) error {
	h.runs++
	return h.result
}

type workerFixture struct {
	worker  *Worker
	tasks   *fakeTaskRepo
	jobs    *fakeJobRepo
	tracker *fakeTracker
	handler *fakeHandler
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	f := &workerFixture{
		tasks:   &fakeTaskRepo{},
		jobs:    &fakeJobRepo{byTaskID: map[string]*domain.GenerationJob{}},
		tracker: &fakeTracker{startable: true},
		handler: &fakeHandler{taskType: domain.TaskTypeSceneGeneration},
	}
	registry := runtime.NewRegistry()
	if err := registry.Register(f.handler); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	f.worker = NewWorker(testLogger(t), f.tasks, f.jobs, f.tracker, registry)
	return f
}

func (f *workerFixture) addJob(t *testing.T, status string) (*domain.GenerationTask, *domain.GenerationJob) {
	t.Helper()
	raw, err := json.Marshal(domain.TaskPayload{
		Type:        domain.TaskTypeSceneGeneration,
		SceneID:     uuid.New(),
		CharacterID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	task := &domain.GenerationTask{
		ID:      uuid.New(),
		SceneID: uuid.New(),
		Status:  domain.TaskStatusRunning,
		Payload: raw,
	}
	job := &domain.GenerationJob{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		SceneID:     task.SceneID,
		QueueTaskID: task.ID.String(),
		Status:      status,
	}
	f.jobs.byTaskID[task.ID.String()] = job
	return task, job
}

func TestProcessRunsHandlerForQueuedJob(t *testing.T) {
	f := newWorkerFixture(t)
	task, job := f.addJob(t, domain.JobStatusQueued)

	f.worker.process(context.Background(), 1, task)

	if f.handler.runs != 1 {
		t.Fatalf("handler runs=%d, want 1", f.handler.runs)
	}
	if len(f.tracker.started) != 1 || f.tracker.started[0] != job.ID {
		t.Fatalf("started=%v, want [%s]", f.tracker.started, job.ID)
	}
	if len(f.tasks.done) != 1 || f.tasks.done[0] != task.ID {
		t.Fatalf("done=%v, want task retired", f.tasks.done)
	}
}

func TestProcessRetiresOrphanedTask(t *testing.T) {
	f := newWorkerFixture(t)
	task := &domain.GenerationTask{ID: uuid.New(), Status: domain.TaskStatusRunning}

	f.worker.process(context.Background(), 1, task)

	if f.handler.runs != 0 {
		t.Fatal("handler ran for a task with no job")
	}
	if len(f.tasks.done) != 1 {
		t.Fatalf("done=%v, want orphan retired", f.tasks.done)
	}
	if len(f.tracker.failures) != 0 {
		t.Fatalf("failures=%v, want none for an orphan", f.tracker.failures)
	}
}

func TestProcessCancelledJobSkipsGeneration(t *testing.T) {
	f := newWorkerFixture(t)
	task, _ := f.addJob(t, domain.JobStatusCancelled)

	f.worker.process(context.Background(), 1, task)

	if f.handler.runs != 0 {
		t.Fatal("handler ran for a cancelled job")
	}
	if len(f.tasks.cancelled) != 1 || f.tasks.cancelled[0] != task.ID {
		t.Fatalf("cancelled=%v, want task marked cancelled", f.tasks.cancelled)
	}
	if len(f.tracker.started) != 0 || len(f.tracker.failures) != 0 {
		t.Fatal("cancelled job produced tracker transitions")
	}
}

func TestProcessTerminalJobRetiresTask(t *testing.T) {
	for _, status := range []string{domain.JobStatusCompleted, domain.JobStatusFailed} {
		t.Run(status, func(t *testing.T) {
			f := newWorkerFixture(t)
			task, _ := f.addJob(t, status)

			f.worker.process(context.Background(), 1, task)

			if f.handler.runs != 0 {
				t.Fatalf("handler ran for %s job", status)
			}
			if len(f.tasks.done) != 1 {
				t.Fatalf("done=%v, want duplicate delivery retired", f.tasks.done)
			}
		})
	}
}

func TestProcessStaleInProgressJobFailsWithoutRerun(t *testing.T) {
	f := newWorkerFixture(t)
	task, _ := f.addJob(t, domain.JobStatusInProgress)

	f.worker.process(context.Background(), 1, task)

	if f.handler.runs != 0 {
		t.Fatal("stale job was silently re-run")
	}
	if len(f.tracker.failures) != 1 || f.tracker.failures[0] != "worker lost during generation" {
		t.Fatalf("failures=%v, want worker-lost failure", f.tracker.failures)
	}
	if len(f.tasks.done) != 1 {
		t.Fatalf("done=%v, want stale task retired", f.tasks.done)
	}
}

func TestProcessSkipsWhenStartLost(t *testing.T) {
	f := newWorkerFixture(t)
	f.tracker.startable = false
	task, _ := f.addJob(t, domain.JobStatusQueued)

	f.worker.process(context.Background(), 1, task)

	if f.handler.runs != 0 {
		t.Fatal("handler ran after losing the start race")
	}
	// The task is left for the next delivery to resolve.
	if len(f.tasks.done) != 0 || len(f.tasks.cancelled) != 0 {
		t.Fatal("task retired despite unresolved start race")
	}
}

func TestProcessCancellationDuringRunMarksTaskCancelled(t *testing.T) {
	f := newWorkerFixture(t)
	f.handler.result = services.ErrJobCancelled
	task, _ := f.addJob(t, domain.JobStatusQueued)

	f.worker.process(context.Background(), 1, task)

	if len(f.tasks.cancelled) != 1 || f.tasks.cancelled[0] != task.ID {
		t.Fatalf("cancelled=%v, want task marked cancelled", f.tasks.cancelled)
	}
	if len(f.tasks.done) != 0 {
		t.Fatalf("done=%v, want no done mark for cancelled run", f.tasks.done)
	}
}

func TestProcessFailsJobWhenHandlerMissing(t *testing.T) {
	f := newWorkerFixture(t)
	f.worker.registry = runtime.NewRegistry()
	task, _ := f.addJob(t, domain.JobStatusQueued)

	f.worker.process(context.Background(), 1, task)

	if len(f.tracker.failures) != 1 {
		t.Fatalf("failures=%v, want one for missing handler", f.tracker.failures)
	}
	if len(f.tasks.done) != 1 {
		t.Fatalf("done=%v, want undeliverable task retired", f.tasks.done)
	}
}

func TestProcessRecoversHandlerPanic(t *testing.T) {
	f := newWorkerFixture(t)
	f.handler.result = nil
	panicHandler := &panickyHandler{}
	registry := runtime.NewRegistry()
	if err := registry.Register(panicHandler); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	f.worker.registry = registry
	task, _ := f.addJob(t, domain.JobStatusQueued)

	f.worker.process(context.Background(), 1, task)

	if len(f.tracker.failures) != 1 || f.tracker.failures[0] != "internal error during generation" {
		t.Fatalf("failures=%v, want panic converted to job failure", f.tracker.failures)
	}
	if len(f.tasks.done) != 1 {
		t.Fatalf("done=%v, want panicked task retired", f.tasks.done)
	}
}

type panickyHandler struct{}

func (h *panickyHandler) Type() string                  { return domain.TaskTypeSceneGeneration }
func (h *panickyHandler) Run(jc *runtime.Context) error { panic("boom") }
