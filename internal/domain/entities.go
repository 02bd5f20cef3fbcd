package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnavailable     = errors.New("unavailable")
	ErrInternal        = errors.New("internal error")
)

// JobStatus enumerates the job state machine.
// Legal edges: queued→running, queued→cancelled, running→{succeeded,failed,cancelled}.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether s is one of the three terminal states.
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// CanTransition reports whether the edge from→to exists in the state machine.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobQueued:
		return to == JobRunning || to == JobCancelled
	case JobRunning:
		return to.IsTerminal()
	default:
		return false
	}
}

// SandboxType selects the execution backend for a job.
type SandboxType string

const (
	SandboxLocal     SandboxType = "local"
	SandboxContainer SandboxType = "container"
)

// Valid reports whether t is a known sandbox type.
func (t SandboxType) Valid() bool { return t == SandboxLocal || t == SandboxContainer }

// Log streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
)

// Command and timeout bounds enforced at submission.
const (
	MaxCommandChars   = 20000
	MinTimeoutSeconds = 1
	MaxTimeoutSeconds = 86400
)

// Consumer is an authenticated submitting identity with its own quotas.
// Credential material is a PBKDF2-HMAC-SHA256 salt/digest pair over the
// full token "<key_id>.<secret>"; the plaintext secret is never stored.
type Consumer struct {
	ID                string
	Name              string
	Active            bool
	KeyID             string
	KeySaltB64        string
	KeyDigestB64      string
	MaxConcurrentJobs int
	MaxJobsPerDay     int
	CreatedAt         time.Time
}

// Job is a single shell command submitted for execution under a sandbox.
// Invariants: StartedAt set iff status reached running; FinishedAt set iff
// terminal; WorkerID non-nil once running; ExitCode set iff the executor
// produced one.
type Job struct {
	ID             string
	ConsumerID     string
	Status         JobStatus
	CreatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	Sandbox        SandboxType
	Image          *string
	Command        string
	TimeoutSeconds int
	WorkerID       *string
	ExitCode       *int
	Error          *string
}

// LogChunk is one append-only record of job output. Seq is dense per job
// starting at 0; once written a chunk is immutable.
type LogChunk struct {
	JobID  string
	Seq    int64
	TS     time.Time
	Stream string
	Text   string
}

// Repositories (ports)

type ConsumerRepository interface {
	Create(ctx Context, c Consumer) (Consumer, error)
	Get(ctx Context, id string) (Consumer, error)
	GetByKeyID(ctx Context, keyID string) (Consumer, error)
	GetByName(ctx Context, name string) (Consumer, error)
	List(ctx Context) ([]Consumer, error)
	Update(ctx Context, c Consumer) error
}

type JobRepository interface {
	Create(ctx Context, j Job) (Job, error)
	Get(ctx Context, id string) (Job, error)
	ListByConsumer(ctx Context, consumerID string, limit, offset int) ([]Job, error)
	CountRunning(ctx Context, consumerID string) (int, error)
	CountCreatedSince(ctx Context, consumerID string, since time.Time) (int, error)
	// OldestQueued returns the FIFO head of the queue (created_at, id order)
	// or ErrNotFound when the queue is empty.
	OldestQueued(ctx Context) (Job, error)
	// Claim transitions a job to running iff its status is still queued and
	// returns the updated row. ErrNotFound means another worker won the race.
	Claim(ctx Context, id, workerID string, now time.Time) (Job, error)
	// Finish writes a terminal state. Idempotent when the job is already in
	// the requested terminal status.
	Finish(ctx Context, id string, status JobStatus, exitCode *int, errMsg *string, finishedAt time.Time) error
}

type LogRepository interface {
	NextSeq(ctx Context, jobID string) (int64, error)
	// Append inserts chunks with dense, strictly increasing seq in the order
	// supplied, in a single transaction.
	Append(ctx Context, jobID string, chunks []LogChunk) error
	ListByJob(ctx Context, jobID string, offsetSeq int64, limit int) ([]LogChunk, error)
}

// Context is an alias so the domain package does not spell out std context
// everywhere; adapters pass context.Context through unchanged.
type Context = context.Context
