package sandbox_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/distbuild/internal/domain"
	"github.com/fairyhunter13/distbuild/internal/sandbox"
)

// sink is a concurrency-safe in-memory log collector.
type sink struct {
	mu      sync.Mutex
	records []record
}

type record struct {
	stream string
	text   string
}

func (s *sink) log(stream, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record{stream, text})
}

func (s *sink) byStream(stream string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.records {
		if r.stream == stream {
			out = append(out, r.text)
		}
	}
	return out
}

func TestLocalRunEcho(t *testing.T) {
	var s sink
	code, err := sandbox.NewLocalRunner().Run(context.Background(), sandbox.Spec{
		Sandbox:        domain.SandboxLocal,
		Command:        "echo hi",
		TimeoutSeconds: 5,
	}, s.log)
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Equal(t, []string{"hi\n"}, s.byStream(domain.StreamStdout))
}

func TestLocalRunExitCode(t *testing.T) {
	var s sink
	code, err := sandbox.NewLocalRunner().Run(context.Background(), sandbox.Spec{
		Command:        "exit 3",
		TimeoutSeconds: 5,
	}, s.log)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestLocalRunTimeout(t *testing.T) {
	var s sink
	code, err := sandbox.NewLocalRunner().Run(context.Background(), sandbox.Spec{
		Command:        "sleep 3",
		TimeoutSeconds: 1,
	}, s.log)
	require.NoError(t, err)
	assert.Equal(t, sandbox.ExitTimeout, code)
	assert.Contains(t, s.byStream(domain.StreamSystem), "timeout after 1s\n")
}

func TestLocalRunMixedStreams(t *testing.T) {
	var s sink
	code, err := sandbox.NewLocalRunner().Run(context.Background(), sandbox.Spec{
		Command:        "echo out; echo err 1>&2; echo out2",
		TimeoutSeconds: 5,
	}, s.log)
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Equal(t, []string{"out\n", "out2\n"}, s.byStream(domain.StreamStdout))
	assert.Equal(t, []string{"err\n"}, s.byStream(domain.StreamStderr))
}

func TestLocalRunIsolatedHome(t *testing.T) {
	var s sink
	code, err := sandbox.NewLocalRunner().Run(context.Background(), sandbox.Spec{
		Command:        `test "$HOME" = "$(pwd)" && echo isolated`,
		TimeoutSeconds: 5,
	}, s.log)
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Equal(t, []string{"isolated\n"}, s.byStream(domain.StreamStdout))
}
