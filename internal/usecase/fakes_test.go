package usecase_test

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/distbuild/internal/domain"
)

// fakeStore is an in-memory implementation of the repository ports, guarded
// by one mutex so concurrency tests exercise the same atomicity the real
// store provides with conditional updates.
type fakeStore struct {
	mu        sync.Mutex
	consumers map[string]domain.Consumer
	jobs      map[string]domain.Job
	chunks    map[string][]domain.LogChunk
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		consumers: map[string]domain.Consumer{},
		jobs:      map[string]domain.Job{},
		chunks:    map[string][]domain.LogChunk{},
	}
}

func (f *fakeStore) addConsumer(c domain.Consumer) domain.Consumer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	f.consumers[c.ID] = c
	return c
}

// ConsumerRepository

func (f *fakeStore) Create(ctx domain.Context, c domain.Consumer) (domain.Consumer, error) {
	return f.addConsumer(c), nil
}

func (f *fakeStore) Get(ctx domain.Context, id string) (domain.Consumer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.consumers[id]
	if !ok {
		return domain.Consumer{}, domain.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) GetByKeyID(ctx domain.Context, keyID string) (domain.Consumer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.consumers {
		if c.KeyID == keyID {
			return c, nil
		}
	}
	return domain.Consumer{}, domain.ErrNotFound
}

func (f *fakeStore) GetByName(ctx domain.Context, name string) (domain.Consumer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.consumers {
		if c.Name == name {
			return c, nil
		}
	}
	return domain.Consumer{}, domain.ErrNotFound
}

func (f *fakeStore) List(ctx domain.Context) ([]domain.Consumer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Consumer, 0, len(f.consumers))
	for _, c := range f.consumers {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeStore) Update(ctx domain.Context, c domain.Consumer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.consumers[c.ID]; !ok {
		return domain.ErrNotFound
	}
	f.consumers[c.ID] = c
	return nil
}

// jobRepo is a separate view over the same fakeStore so both ports can be
// satisfied without method name clashes.
type jobRepo struct{ *fakeStore }

func (f jobRepo) Create(ctx domain.Context, j domain.Job) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	f.jobs[j.ID] = j
	return j, nil
}

func (f jobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (f jobRepo) ListByConsumer(ctx domain.Context, consumerID string, limit, offset int) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []domain.Job
	for _, j := range f.jobs {
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

func (f jobRepo) CountRunning(ctx domain.Context, consumerID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs {
		if j.ConsumerID == consumerID && j.Status == domain.JobRunning {
			n++
		}
	}
	return n, nil
}

func (f jobRepo) CountCreatedSince(ctx domain.Context, consumerID string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs {
		if j.ConsumerID == consumerID && !j.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f jobRepo) OldestQueued(ctx domain.Context) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var queued []domain.Job
	for _, j := range f.jobs {
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

func (f jobRepo) Claim(ctx domain.Context, id, workerID string, now time.Time) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != domain.JobQueued {
		return domain.Job{}, domain.ErrNotFound
	}
	j.Status = domain.JobRunning
	j.StartedAt = &now
	j.WorkerID = &workerID
	f.jobs[id] = j
	return j, nil
}

func (f jobRepo) Finish(ctx domain.Context, id string, status domain.JobStatus, exitCode *int, errMsg *string, finishedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
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
	f.jobs[id] = j
	return nil
}

// logRepo view.
type logRepo struct{ *fakeStore }

func (f logRepo) NextSeq(ctx domain.Context, jobID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.chunks[jobID])), nil
}

func (f logRepo) Append(ctx domain.Context, jobID string, chunks []domain.LogChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[jobID]; ok && j.Status.IsTerminal() {
		return fmt.Errorf("op=logs.append: %w", domain.ErrConflict)
	}
	seq := int64(len(f.chunks[jobID]))
	for _, c := range chunks {
		c.JobID = jobID
		c.Seq = seq
		seq++
		f.chunks[jobID] = append(f.chunks[jobID], c)
	}
	return nil
}

func (f logRepo) ListByJob(ctx domain.Context, jobID string, offsetSeq int64, limit int) ([]domain.LogChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.LogChunk
	for _, c := range f.chunks[jobID] {
		if c.Seq >= offsetSeq {
			out = append(out, c)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
