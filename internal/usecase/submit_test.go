package usecase_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/distbuild/internal/domain"
	"github.com/fairyhunter13/distbuild/internal/usecase"
)

func newJobService(store *fakeStore, allowLocal bool) usecase.JobService {
	return usecase.NewJobService(jobRepo{store}, logRepo{store}, allowLocal, 600)
}

func activeConsumer(store *fakeStore) domain.Consumer {
	return store.addConsumer(domain.Consumer{
		Name:              "acme",
		Active:            true,
		KeyID:             "kid_abc",
		MaxConcurrentJobs: 2,
		MaxJobsPerDay:     5,
		CreatedAt:         time.Now().UTC(),
	})
}

func TestSubmitDefaults(t *testing.T) {
	store := newFakeStore()
	svc := newJobService(store, true)
	c := activeConsumer(store)

	j, err := svc.Submit(context.Background(), c, usecase.SubmitRequest{Command: "echo hi"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, j.Status)
	assert.Equal(t, domain.SandboxLocal, j.Sandbox)
	assert.Equal(t, 600, j.TimeoutSeconds)
	assert.NotEmpty(t, j.ID)
}

func TestSubmitValidation(t *testing.T) {
	store := newFakeStore()
	svc := newJobService(store, true)
	c := activeConsumer(store)
	ctx := context.Background()

	cases := []struct {
		name string
		req  usecase.SubmitRequest
	}{
		{"empty command", usecase.SubmitRequest{Command: ""}},
		{"command too long", usecase.SubmitRequest{Command: strings.Repeat("x", domain.MaxCommandChars+1)}},
		{"bad sandbox", usecase.SubmitRequest{Command: "true", Sandbox: "vm"}},
		{"timeout too small", usecase.SubmitRequest{Command: "true", TimeoutSeconds: -1}},
		{"timeout too large", usecase.SubmitRequest{Command: "true", TimeoutSeconds: domain.MaxTimeoutSeconds + 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Submit(ctx, c, tc.req)
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestSubmitCommandLengthCountsRunes(t *testing.T) {
	store := newFakeStore()
	svc := newJobService(store, true)
	c := activeConsumer(store)
	ctx := context.Background()

	// MaxCommandChars multibyte runes is twice that in bytes and still legal.
	_, err := svc.Submit(ctx, c, usecase.SubmitRequest{Command: strings.Repeat("é", domain.MaxCommandChars)})
	require.NoError(t, err)

	_, err = svc.Submit(ctx, c, usecase.SubmitRequest{Command: strings.Repeat("é", domain.MaxCommandChars+1)})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubmitLocalSandboxDisabled(t *testing.T) {
	store := newFakeStore()
	svc := newJobService(store, false)
	c := activeConsumer(store)

	_, err := svc.Submit(context.Background(), c, usecase.SubmitRequest{Command: "true", Sandbox: domain.SandboxLocal})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	img := "alpine:3.20"
	_, err = svc.Submit(context.Background(), c, usecase.SubmitRequest{Command: "true", Sandbox: domain.SandboxContainer, Image: &img})
	assert.NoError(t, err)
}

func TestSubmitInactiveConsumer(t *testing.T) {
	store := newFakeStore()
	svc := newJobService(store, true)
	c := store.addConsumer(domain.Consumer{Name: "off", Active: false, MaxConcurrentJobs: 2, MaxJobsPerDay: 5})

	_, err := svc.Submit(context.Background(), c, usecase.SubmitRequest{Command: "true"})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestSubmitConcurrencyQuota(t *testing.T) {
	store := newFakeStore()
	svc := newJobService(store, true)
	c := activeConsumer(store)
	jobs := jobRepo{store}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		j, err := jobs.Create(ctx, domain.Job{ConsumerID: c.ID, Status: domain.JobQueued, Command: "sleep 1", TimeoutSeconds: 60, Sandbox: domain.SandboxLocal})
		require.NoError(t, err)
		_, err = jobs.Claim(ctx, j.ID, "w1", time.Now().UTC())
		require.NoError(t, err)
	}

	_, err := svc.Submit(ctx, c, usecase.SubmitRequest{Command: "true"})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestSubmitDailyQuota(t *testing.T) {
	store := newFakeStore()
	svc := newJobService(store, true)
	c := activeConsumer(store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Submit(ctx, c, usecase.SubmitRequest{Command: "true"})
		require.NoError(t, err)
	}
	_, err := svc.Submit(ctx, c, usecase.SubmitRequest{Command: "true"})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestGetScopesToOwner(t *testing.T) {
	store := newFakeStore()
	svc := newJobService(store, true)
	owner := activeConsumer(store)
	other := store.addConsumer(domain.Consumer{Name: "other", Active: true, MaxConcurrentJobs: 2, MaxJobsPerDay: 5})
	ctx := context.Background()

	j, err := svc.Submit(ctx, owner, usecase.SubmitRequest{Command: "true"})
	require.NoError(t, err)

	got, err := svc.Get(ctx, owner, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)

	_, err = svc.Get(ctx, other, j.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListClampsAndOrders(t *testing.T) {
	store := newFakeStore()
	svc := newJobService(store, true)
	c := activeConsumer(store)
	jobs := jobRepo{store}
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		_, err := jobs.Create(ctx, domain.Job{ConsumerID: c.ID, Status: domain.JobQueued, Command: "true", TimeoutSeconds: 60, Sandbox: domain.SandboxLocal, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}

	got, limit, offset, err := svc.List(ctx, c, 0, -3)
	require.NoError(t, err)
	assert.Equal(t, 20, limit)
	assert.Equal(t, 0, offset)
	require.Len(t, got, 3)
	assert.True(t, got[0].CreatedAt.After(got[1].CreatedAt))

	_, limit, _, err = svc.List(ctx, c, 9999, 0)
	require.NoError(t, err)
	assert.Equal(t, 200, limit)
}

func TestGetLogsPaging(t *testing.T) {
	store := newFakeStore()
	svc := newJobService(store, true)
	c := activeConsumer(store)
	logs := logRepo{store}
	ctx := context.Background()

	j, err := svc.Submit(ctx, c, usecase.SubmitRequest{Command: "true"})
	require.NoError(t, err)

	var chunks []domain.LogChunk
	for i := 0; i < 5; i++ {
		chunks = append(chunks, domain.LogChunk{TS: time.Now().UTC(), Stream: domain.StreamStdout, Text: "line\n"})
	}
	require.NoError(t, logs.Append(ctx, j.ID, chunks))

	page, err := svc.GetLogs(ctx, c, j.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Chunks, 2)
	assert.Equal(t, int64(2), page.Chunks[0].Seq)
	assert.Equal(t, int64(4), page.NextOffsetSeq)

	empty, err := svc.GetLogs(ctx, c, j.ID, 100, 10)
	require.NoError(t, err)
	assert.Empty(t, empty.Chunks)
	assert.Equal(t, int64(100), empty.NextOffsetSeq)
}
