package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	genrepo "github.com/storysmith/storysmith-backend/internal/data/repos/generation"
	"github.com/storysmith/storysmith-backend/internal/domain"
	"github.com/storysmith/storysmith-backend/internal/pkg/dbctx"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}

// memJobRepo is an in-memory JobRepo that mirrors the SQL guards the real
// implementation relies on (partial unique index, status-guarded updates).
type memJobRepo struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*domain.GenerationJob
	listCalls int
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[uuid.UUID]*domain.GenerationJob)}
}

var _ genrepo.JobRepo = (*memJobRepo)(nil)

func (m *memJobRepo) Create(dbc dbctx.Context, job *domain.GenerationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.jobs {
		if existing.SceneID == job.SceneID &&
			(existing.Status == domain.JobStatusQueued || existing.Status == domain.JobStatusInProgress) {
			return genrepo.ErrActiveJobExists
		}
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.CreatedAt = time.Now()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (m *memJobRepo) GetByQueueTaskID(dbc dbctx.Context, taskID string) (*domain.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.QueueTaskID == taskID {
			cp := *job
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memJobRepo) HasActiveForScene(dbc dbctx.Context, sceneID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.SceneID == sceneID &&
			(job.Status == domain.JobStatusQueued || job.Status == domain.JobStatusInProgress) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memJobRepo) ListActiveForUser(dbc dbctx.Context, userID uuid.UUID) ([]*domain.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	var out []*domain.GenerationJob
	for _, job := range m.jobs {
		if job.UserID == userID &&
			(job.Status == domain.JobStatusQueued || job.Status == domain.JobStatusInProgress) {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memJobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	for _, status := range disallowedStatuses {
		if job.Status == status {
			return false, nil
		}
	}
	for key, value := range updates {
		switch key {
		case "status":
			job.Status = value.(string)
		case "stage":
			job.Stage = value.(string)
		case "progress":
			if expr, isExpr := value.(clause.Expr); isExpr {
				// GREATEST(progress, ?)
				if pct, okV := expr.Vars[0].(int); okV && pct > job.Progress {
					job.Progress = pct
				}
			} else if pct, okV := value.(int); okV {
				job.Progress = pct
			}
		case "retry_count":
			if _, isExpr := value.(clause.Expr); isExpr {
				job.RetryCount++
			} else if n, okV := value.(int); okV {
				job.RetryCount = n
			}
		case "error_message":
			job.ErrorMessage = value.(string)
		case "error_type":
			job.ErrorType = value.(string)
		case "result":
			if raw, okV := value.([]byte); okV {
				job.Result = raw
			}
		}
	}
	job.UpdatedAt = time.Now()
	return true, nil
}

func (m *memJobRepo) UpdateProgress(dbc dbctx.Context, id uuid.UUID, stage string, pct int, eta *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != domain.JobStatusInProgress {
		return false, nil
	}
	job.Stage = stage
	if pct > job.Progress {
		job.Progress = pct
	}
	if eta != nil {
		cp := *eta
		job.ETA = &cp
	}
	job.UpdatedAt = time.Now()
	return true, nil
}

type memEventRepo struct {
	mu     sync.Mutex
	events []*domain.GenerationJobEvent
}

var _ genrepo.EventRepo = (*memEventRepo)(nil)

func (m *memEventRepo) Append(dbc dbctx.Context, event *domain.GenerationJobEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

func (m *memEventRepo) ListByJob(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.GenerationJobEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.GenerationJobEvent
	for _, event := range m.events {
		if event.JobID == jobID {
			out = append(out, event)
		}
	}
	return out, nil
}

func (m *memEventRepo) kinds(jobID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, event := range m.events {
		if event.JobID == jobID {
			out = append(out, event.Kind)
		}
	}
	return out
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	dels []string
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (m *memCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	return raw, ok, nil
}

func (m *memCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memCache) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
		m.dels = append(m.dels, k)
	}
	return nil
}

func (m *memCache) Close() error { return nil }

// recordingNotifier records the notification sequence per job.
type recordingNotifier struct {
	mu     sync.Mutex
	record []string
}

func (n *recordingNotifier) add(kind string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.record = append(n.record, kind)
}

func (n *recordingNotifier) has(kind string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, k := range n.record {
		if strings.HasPrefix(k, kind) {
			return true
		}
	}
	return false
}

func (n *recordingNotifier) JobQueued(userID uuid.UUID, job *domain.GenerationJob)   { n.add("queued") }
func (n *recordingNotifier) JobProgress(userID uuid.UUID, job *domain.GenerationJob) { n.add("progress") }
func (n *recordingNotifier) JobCompleted(userID uuid.UUID, job *domain.GenerationJob, result *JobResult) {
	n.add("completed")
}
func (n *recordingNotifier) JobFailed(userID uuid.UUID, job *domain.GenerationJob, retryable bool) {
	n.add("failed")
}
func (n *recordingNotifier) JobCancelled(userID uuid.UUID, job *domain.GenerationJob) {
	n.add("cancelled")
}
func (n *recordingNotifier) CharacterContextStatus(userID, characterID uuid.UUID, status string) {
	n.add("entity-status:" + status)
}
