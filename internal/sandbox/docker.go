package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/fairyhunter13/distbuild/internal/config"
	"github.com/fairyhunter13/distbuild/internal/domain"
)

const (
	containerWorkDir = "/work"
	dockerSocketPath = "/var/run/docker.sock"
)

// DockerRunner executes commands inside hardened containers.
type DockerRunner struct {
	cfg config.Config
}

// NewDockerRunner constructs the container backend.
func NewDockerRunner(cfg config.Config) *DockerRunner {
	return &DockerRunner{cfg: cfg}
}

// Run launches a container for the command. When the container runtime is
// absent on this host the job falls back to the local backend with a system
// notice; when the runtime exists but is unusable, diagnostics are logged and
// the exit code is 126.
func (d *DockerRunner) Run(ctx context.Context, spec Spec, onLog LogFunc) (int, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return d.runtimeUnavailable(ctx, spec, onLog, err)
	}
	defer func() { _ = cli.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		return d.runtimeUnavailable(ctx, spec, onLog, err)
	}

	img := spec.Image
	if img == "" {
		img = d.cfg.ContainerDefaultImage
	}
	if err := d.ensureImage(ctx, cli, img, onLog); err != nil {
		onLog(domain.StreamSystem, fmt.Sprintf("image %s unavailable: %v\n", img, err))
		return ExitContainerUnusable, nil
	}

	netMode, netID, err := d.acquireNetwork(ctx, cli)
	if err != nil {
		onLog(domain.StreamSystem, fmt.Sprintf("network setup failed: %v\n", err))
		return ExitContainerUnusable, nil
	}
	if netID != "" {
		defer func() {
			// Per-job networks must go away on every exit path; cleanup
			// failures are logged but never fail the job.
			rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer rmCancel()
			if err := cli.NetworkRemove(rmCtx, netID); err != nil {
				onLog(domain.StreamSystem, fmt.Sprintf("network cleanup failed: %v\n", err))
			}
		}()
	}

	created, err := cli.ContainerCreate(ctx,
		&container.Config{
			Image:        img,
			Entrypoint:   []string{"/bin/sh"},
			WorkingDir:   containerWorkDir,
			User:         d.runAsUser(),
			OpenStdin:    true,
			StdinOnce:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
		},
		d.hostConfig(spec.Limits, netMode),
		&network.NetworkingConfig{}, nil, "")
	if err != nil {
		onLog(domain.StreamSystem, fmt.Sprintf("container create failed: %v\n", err))
		return ExitContainerUnusable, nil
	}
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		_ = cli.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true})
	}()

	attach, err := cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		onLog(domain.StreamSystem, fmt.Sprintf("container attach failed: %v\n", err))
		return ExitContainerUnusable, nil
	}
	defer attach.Close()

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		onLog(domain.StreamSystem, fmt.Sprintf("container start failed: %v\n", err))
		return ExitContainerUnusable, nil
	}

	// The command travels as a script on stdin; no host bind mounts.
	go func() {
		_, _ = io.WriteString(attach.Conn, "set -eu\n"+spec.Command+"\n")
		_ = attach.CloseWrite()
	}()

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		_, _ = stdcopy.StdCopy(outW, errW, attach.Reader)
		_ = outW.Close()
		_ = errW.Close()
	}()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go pump(&pumps, outR, domain.StreamStdout, onLog)
	go pump(&pumps, errR, domain.StreamStderr, onLog)

	waitCh, waitErrCh := cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	timer := time.NewTimer(time.Duration(spec.TimeoutSeconds) * time.Second)
	defer timer.Stop()

	var exitCode int
	select {
	case res := <-waitCh:
		exitCode = int(res.StatusCode)
	case err := <-waitErrCh:
		onLog(domain.StreamSystem, fmt.Sprintf("container wait failed: %v\n", err))
		exitCode = ExitContainerUnusable
	case <-timer.C:
		onLog(domain.StreamSystem, fmt.Sprintf("timeout after %ds\n", spec.TimeoutSeconds))
		killCtx, killCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = cli.ContainerKill(killCtx, created.ID, "KILL")
		killCancel()
		exitCode = ExitTimeout
	case <-ctx.Done():
		killCtx, killCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = cli.ContainerKill(killCtx, created.ID, "KILL")
		killCancel()
		return 0, ctx.Err()
	}

	waitPumps(&pumps)
	return exitCode, nil
}

// runtimeUnavailable distinguishes "no runtime installed" from "runtime
// present but broken". The former silently degrades to the local backend.
func (d *DockerRunner) runtimeUnavailable(ctx context.Context, spec Spec, onLog LogFunc, cause error) (int, error) {
	if _, statErr := os.Stat(dockerSocketPath); os.IsNotExist(statErr) && os.Getenv("DOCKER_HOST") == "" {
		onLog(domain.StreamSystem, "container runtime not found; running in local sandbox\n")
		return NewLocalRunner().Run(ctx, spec, onLog)
	}
	onLog(domain.StreamSystem, fmt.Sprintf("container runtime unusable: %v\n", cause))
	return ExitContainerUnusable, nil
}

func (d *DockerRunner) ensureImage(ctx context.Context, cli *client.Client, img string, onLog LogFunc) error {
	if _, _, err := cli.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}
	onLog(domain.StreamSystem, fmt.Sprintf("pulling image %s\n", img))
	rc, err := cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// acquireNetwork resolves the configured network mode. For "job" it creates
// a fresh bridge network and returns its id so the caller can remove it.
func (d *DockerRunner) acquireNetwork(ctx context.Context, cli *client.Client) (container.NetworkMode, string, error) {
	switch d.cfg.ContainerNetworkMode {
	case "job":
		name := "distbuild-job-" + uuid.NewString()[:8]
		res, err := cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
		if err != nil {
			return "", "", err
		}
		return container.NetworkMode(name), res.ID, nil
	case "", "none":
		return "none", "", nil
	default:
		return container.NetworkMode(d.cfg.ContainerNetworkMode), "", nil
	}
}

func (d *DockerRunner) runAsUser() string {
	switch d.cfg.ContainerRunAs {
	case "root":
		return "0:0"
	case "", "nobody":
		return "65534:65534"
	default:
		return d.cfg.ContainerRunAs
	}
}

func (d *DockerRunner) hostConfig(lim Limits, netMode container.NetworkMode) *container.HostConfig {
	var ulimits []*container.Ulimit
	if lim.Nofile > 0 {
		ulimits = append(ulimits, &container.Ulimit{Name: "nofile", Soft: int64(lim.Nofile), Hard: int64(lim.Nofile)})
	}
	if lim.CPUSeconds > 0 {
		ulimits = append(ulimits, &container.Ulimit{Name: "cpu", Soft: int64(lim.CPUSeconds), Hard: int64(lim.CPUSeconds)})
	}
	var pids *int64
	if lim.Pids > 0 {
		v := int64(lim.Pids)
		pids = &v
	}
	return &container.HostConfig{
		NetworkMode:    netMode,
		IpcMode:        "none",
		CapDrop:        []string{"ALL"},
		CapAdd:         d.cfg.ContainerCapabilities(),
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: d.cfg.ContainerReadOnlyRoot,
		Tmpfs: map[string]string{
			containerWorkDir: "rw,exec",
			"/tmp":           "rw,exec",
		},
		Resources: container.Resources{
			Memory:    lim.MemoryBytes,
			PidsLimit: pids,
			Ulimits:   ulimits,
		},
	}
}
