package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/distbuild/internal/config"
	"github.com/fairyhunter13/distbuild/internal/domain"
	"github.com/fairyhunter13/distbuild/internal/sandbox"
)

// flushThreshold is the buffered chunk count that triggers a mid-run flush.
const flushThreshold = 50

// Agent is the long-running worker loop. It is stateless across jobs; a
// restart loses only in-flight buffered logs.
type Agent struct {
	Cfg    config.Config
	Client *Client
	Log    *slog.Logger
}

// New constructs an Agent.
func New(cfg config.Config, client *Client, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	return &Agent{Cfg: cfg, Client: client, Log: log}
}

// Run claims and executes jobs until the context is cancelled. Claim errors
// back off exponentially starting at one second; an empty queue sleeps the
// poll interval.
func (a *Agent) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job, err := a.Client.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			a.Log.Warn("claim failed", "error", err, "backoff", wait)
			var se *StatusError
			if errors.As(err, &se) && se.Code == http.StatusServiceUnavailable {
				a.Log.Warn("coordinator returned 503; check WORKER_SHARED_TOKEN is set on the server")
			}
			sleepCtx(ctx, wait)
			continue
		}
		bo.Reset()
		if job == nil {
			sleepCtx(ctx, a.Cfg.PollInterval)
			continue
		}
		a.processJob(ctx, *job)
	}
}

// processJob drives one claimed job to a terminal report. Failures inside
// the job (executor errors, flush errors) fail the job, never the worker.
func (a *Agent) processJob(ctx context.Context, job Job) {
	a.Log.Info("processing job", "job_id", job.ID, "sandbox", job.Sandbox)

	buf := newLogBuffer(a.Client, job.ID)
	buf.add(domain.StreamSystem, fmt.Sprintf("claimed job %s at %s\n", job.ID, time.Now().UTC().Format(time.RFC3339)))

	spec := sandbox.Spec{
		Sandbox:        domain.SandboxType(job.Sandbox),
		Command:        job.Command,
		TimeoutSeconds: job.TimeoutSeconds,
		Limits:         sandbox.LimitsFromConfig(a.Cfg),
	}
	if job.Image != nil {
		spec.Image = *job.Image
	}

	// A failed mid-run flush cancels the executor: there is no point running
	// a command for hours when its output cannot reach the coordinator.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	var flushMu sync.Mutex
	var flushErr error

	runner := sandbox.New(a.Cfg, spec)
	exitCode, runErr := runner.Run(runCtx, spec, func(stream, text string) {
		buf.add(stream, text)
		if buf.len() < flushThreshold {
			return
		}
		if err := buf.flush(ctx); err != nil {
			a.Log.Error("log flush failed; aborting job", "job_id", job.ID, "error", err)
			flushMu.Lock()
			if flushErr == nil {
				flushErr = err
			}
			flushMu.Unlock()
			cancelRun()
		}
	})

	flushMu.Lock()
	ferr := flushErr
	flushMu.Unlock()

	var errMsg *string
	switch {
	case ferr != nil:
		msg := fmt.Sprintf("log delivery failed: %v", ferr)
		errMsg = &msg
		runErr = ferr
	case runErr != nil:
		msg := runErr.Error()
		errMsg = &msg
		buf.add(domain.StreamSystem, "executor error: "+msg+"\n")
	}
	if err := buf.flush(ctx); err != nil {
		// Output is part of the contract: a job whose logs never reached the
		// coordinator is reported failed, but the worker itself keeps going.
		a.Log.Error("final log flush failed", "job_id", job.ID, "error", err)
		if errMsg == nil {
			msg := fmt.Sprintf("log delivery failed: %v", err)
			errMsg = &msg
		}
		runErr = err
	}

	status := string(domain.JobFailed)
	if runErr == nil && exitCode == 0 {
		status = string(domain.JobSucceeded)
	}
	var codePtr *int
	if runErr == nil {
		codePtr = &exitCode
	}
	if err := a.Client.Finish(ctx, job.ID, status, codePtr, errMsg); err != nil {
		a.Log.Error("finish failed", "job_id", job.ID, "error", err)
		return
	}
	a.Log.Info("job done", "job_id", job.ID, "status", status, "exit_code", exitCode)
}

// logBuffer accumulates chunks between flushes. The sandbox pumps call add
// from two goroutines, so all state is mutex-guarded.
type logBuffer struct {
	mu     sync.Mutex
	client *Client
	jobID  string
	chunks []Chunk
}

func newLogBuffer(client *Client, jobID string) *logBuffer {
	return &logBuffer{client: client, jobID: jobID}
}

func (b *logBuffer) add(stream, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, Chunk{TS: time.Now().UTC(), Stream: stream, Text: text})
}

func (b *logBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

func (b *logBuffer) flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.chunks
	b.chunks = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	if err := b.client.AppendLogs(ctx, b.jobID, batch); err != nil {
		// Put the batch back so a later flush can retry the send.
		b.mu.Lock()
		b.chunks = append(batch, b.chunks...)
		b.mu.Unlock()
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
