package httpserver_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/distbuild/internal/adapter/httpserver"
	"github.com/fairyhunter13/distbuild/internal/adapter/observability"
	"github.com/fairyhunter13/distbuild/internal/app"
	"github.com/fairyhunter13/distbuild/internal/auth"
	"github.com/fairyhunter13/distbuild/internal/config"
	"github.com/fairyhunter13/distbuild/internal/domain"
	"github.com/fairyhunter13/distbuild/internal/usecase"
)

var metricsOnce sync.Once

// memStore backs the handler tests with map-based repositories.
type memStore struct {
	mu        sync.Mutex
	consumers map[string]domain.Consumer
	jobs      map[string]domain.Job
	chunks    map[string][]domain.LogChunk
}

func newMemStore() *memStore {
	return &memStore{
		consumers: map[string]domain.Consumer{},
		jobs:      map[string]domain.Job{},
		chunks:    map[string][]domain.LogChunk{},
	}
}

func (m *memStore) Create(_ context.Context, c domain.Consumer) (domain.Consumer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	m.consumers[c.ID] = c
	return c, nil
}

func (m *memStore) Get(_ context.Context, id string) (domain.Consumer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consumers[id]
	if !ok {
		return domain.Consumer{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memStore) GetByKeyID(_ context.Context, keyID string) (domain.Consumer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.consumers {
		if c.KeyID == keyID {
			return c, nil
		}
	}
	return domain.Consumer{}, domain.ErrNotFound
}

func (m *memStore) GetByName(_ context.Context, name string) (domain.Consumer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.consumers {
		if c.Name == name {
			return c, nil
		}
	}
	return domain.Consumer{}, domain.ErrNotFound
}

func (m *memStore) List(_ context.Context) ([]domain.Consumer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Consumer, 0, len(m.consumers))
	for _, c := range m.consumers {
		out = append(out, c)
	}
	return out, nil
}

func (m *memStore) Update(_ context.Context, c domain.Consumer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.consumers[c.ID]; !ok {
		return domain.ErrNotFound
	}
	m.consumers[c.ID] = c
	return nil
}

type memJobs struct{ *memStore }

func (m memJobs) Create(_ context.Context, j domain.Job) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	m.jobs[j.ID] = j
	return j, nil
}

func (m memJobs) Get(_ context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (m memJobs) ListByConsumer(_ context.Context, consumerID string, limit, offset int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []domain.Job
	for _, j := range m.jobs {
		if j.ConsumerID == consumerID {
			all = append(all, j)
		}
	}
	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.After(all[k].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m memJobs) CountRunning(_ context.Context, consumerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.ConsumerID == consumerID && j.Status == domain.JobRunning {
			n++
		}
	}
	return n, nil
}

func (m memJobs) CountCreatedSince(_ context.Context, consumerID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.ConsumerID == consumerID && !j.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m memJobs) OldestQueued(_ context.Context) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var queued []domain.Job
	for _, j := range m.jobs {
		if j.Status == domain.JobQueued {
			queued = append(queued, j)
		}
	}
	if len(queued) == 0 {
		return domain.Job{}, domain.ErrNotFound
	}
	sort.Slice(queued, func(i, k int) bool {
		if queued[i].CreatedAt.Equal(queued[k].CreatedAt) {
			return queued[i].ID < queued[k].ID
		}
		return queued[i].CreatedAt.Before(queued[k].CreatedAt)
	})
	return queued[0], nil
}

func (m memJobs) Claim(_ context.Context, id, workerID string, now time.Time) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != domain.JobQueued {
		return domain.Job{}, domain.ErrNotFound
	}
	j.Status = domain.JobRunning
	j.StartedAt = &now
	j.WorkerID = &workerID
	m.jobs[id] = j
	return j, nil
}

func (m memJobs) Finish(_ context.Context, id string, status domain.JobStatus, exitCode *int, errMsg *string, finishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status == status {
		return nil
	}
	if !domain.CanTransition(j.Status, status) {
		return fmt.Errorf("op=job.finish: %w", domain.ErrConflict)
	}
	j.Status = status
	j.ExitCode = exitCode
	j.Error = errMsg
	j.FinishedAt = &finishedAt
	m.jobs[id] = j
	return nil
}

type memLogs struct{ *memStore }

func (m memLogs) NextSeq(_ context.Context, jobID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.chunks[jobID])), nil
}

func (m memLogs) Append(_ context.Context, jobID string, chunks []domain.LogChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok && j.Status.IsTerminal() {
		return fmt.Errorf("op=logs.append: %w", domain.ErrConflict)
	}
	seq := int64(len(m.chunks[jobID]))
	for _, c := range chunks {
		c.JobID = jobID
		c.Seq = seq
		seq++
		m.chunks[jobID] = append(m.chunks[jobID], c)
	}
	return nil
}

func (m memLogs) ListByJob(_ context.Context, jobID string, offsetSeq int64, limit int) ([]domain.LogChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LogChunk
	for _, c := range m.chunks[jobID] {
		if c.Seq >= offsetSeq {
			out = append(out, c)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// testEnv bundles a running test server with a provisioned consumer token.
type testEnv struct {
	store  *memStore
	srv    *httptest.Server
	token  string
	owner  domain.Consumer
	worker string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	metricsOnce.Do(observability.InitMetrics)

	store := newMemStore()
	kid, token, err := auth.NewToken()
	require.NoError(t, err)
	kh, err := auth.HashToken(token)
	require.NoError(t, err)
	owner, err := store.Create(context.Background(), domain.Consumer{
		Name:              "alice",
		Active:            true,
		KeyID:             kid,
		KeySaltB64:        kh.SaltB64,
		KeyDigestB64:      kh.DigestB64,
		MaxConcurrentJobs: 2,
		MaxJobsPerDay:     10,
		CreatedAt:         time.Now().UTC(),
	})
	require.NoError(t, err)

	cfg := config.Config{
		AppEnv:            "test",
		WorkerSharedToken: "wtoken",
		AllowLocalSandbox: true,
		MaxLogChars:       4000,
		RateLimitPerMin:   1000,
		CORSAllowOrigins:  "*",
	}
	server := httpserver.NewServer(
		cfg,
		store,
		usecase.NewJobService(memJobs{store}, memLogs{store}, true, 600),
		usecase.NewClaimService(store, memJobs{store}),
		usecase.NewWorkerService(memJobs{store}, memLogs{store}, cfg.MaxLogChars),
		nil,
	)
	ts := httptest.NewServer(app.BuildRouter(cfg, server))
	t.Cleanup(ts.Close)
	return &testEnv{store: store, srv: ts, token: token, owner: owner, worker: "wtoken"}
}
