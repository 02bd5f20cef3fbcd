package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fairyhunter13/distbuild/internal/domain"
)

// pumpGrace bounds how long Run waits for the output pumps to drain after
// the child exits or is killed.
const pumpGrace = 2 * time.Second

// LocalRunner executes commands as native subprocesses with rlimits.
type LocalRunner struct{}

// NewLocalRunner constructs the native backend.
func NewLocalRunner() *LocalRunner { return &LocalRunner{} }

// Run executes the command via a shell in a fresh temp directory. The
// environment is reduced to PATH and HOME=tempdir. On timeout the whole
// process group is killed and the exit code is 124.
func (l *LocalRunner) Run(ctx context.Context, spec Spec, onLog LogFunc) (int, error) {
	workDir, err := os.MkdirTemp("", "distbuild-job-*")
	if err != nil {
		return 0, fmt.Errorf("op=sandbox.local: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	cmd := exec.Command("/bin/sh", "-c", spec.Command)
	cmd.Dir = workDir
	cmd.Env = []string{"PATH=" + os.Getenv("PATH"), "HOME=" + workDir}
	// Own process group so a timeout kill reaps shell descendants too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("op=sandbox.local: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("op=sandbox.local: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("op=sandbox.local: start: %w", err)
	}
	applyRlimits(cmd.Process.Pid, spec.Limits, onLog)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go pump(&pumps, stdout, domain.StreamStdout, onLog)
	go pump(&pumps, stderr, domain.StreamStderr, onLog)

	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	timedOut := false
	select {
	case err = <-waitErr:
	case <-timer.C:
		timedOut = true
		onLog(domain.StreamSystem, fmt.Sprintf("timeout after %ds\n", spec.TimeoutSeconds))
		killGroup(cmd.Process.Pid)
		err = <-waitErr
	case <-ctx.Done():
		killGroup(cmd.Process.Pid)
		<-waitErr
		return 0, ctx.Err()
	}

	waitPumps(&pumps)

	if timedOut {
		return ExitTimeout, nil
	}
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("op=sandbox.local: wait: %w", err)
}

// applyRlimits attaches resource limits to the already-started child. Limits
// that cannot be applied degrade to a system log rather than failing the job.
func applyRlimits(pid int, lim Limits, onLog LogFunc) {
	set := func(resource int, name string, v uint64) {
		if v == 0 {
			return
		}
		rl := unix.Rlimit{Cur: v, Max: v}
		if err := unix.Prlimit(pid, resource, &rl, nil); err != nil {
			onLog(domain.StreamSystem, fmt.Sprintf("could not set %s limit: %v\n", name, err))
		}
	}
	set(unix.RLIMIT_CPU, "cpu", uint64(lim.CPUSeconds))
	if lim.MemoryBytes > 0 {
		set(unix.RLIMIT_AS, "memory", uint64(lim.MemoryBytes))
	}
	set(unix.RLIMIT_NPROC, "pids", uint64(lim.Pids))
	set(unix.RLIMIT_NOFILE, "nofile", uint64(lim.Nofile))
}

func killGroup(pid int) {
	// Negative pid addresses the process group set up at start.
	_ = unix.Kill(-pid, unix.SIGKILL)
}

// pump drains one stream line by line into the sink.
func pump(wg *sync.WaitGroup, r io.Reader, stream string, onLog LogFunc) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		onLog(stream, sc.Text()+"\n")
	}
}

// waitPumps joins the pumps with a bounded grace period so a wedged pipe
// cannot hang the worker.
func waitPumps(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(pumpGrace):
	}
}
