package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
)

const (
	killTimeout  = 5 * time.Second
	killGrace    = 10 * time.Second
	drainTimeout = 2 * time.Second

	// 128 + SIGXCPU and 128 + SIGKILL as reported by the container's init.
	exitCPULimit = 152
	exitKilled   = 137
)

var (
	// imagePullTimeout bounds the image check and pull done before a run.
	imagePullTimeout = 5 * time.Minute

	// createTimeout bounds container creation and attach.
	createTimeout = 30 * time.Second
)

// DockerSandbox runs programs in throwaway Docker containers.
type DockerSandbox struct {
	client *client.Client
	policy Policy
}

// NewDockerSandbox connects to the Docker daemon from the environment and
// verifies it is reachable.
func NewDockerSandbox(policy Policy) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon not accessible: %w", err)
	}

	return &DockerSandbox{client: cli, policy: policy}, nil
}

func (d *DockerSandbox) Name() string { return "docker" }

// Close releases the daemon connection.
func (d *DockerSandbox) Close() error {
	return d.client.Close()
}

func (d *DockerSandbox) Execute(ctx context.Context, req Request, sink Sink) Result {
	start := time.Now()
	lc := newLifecycle(log.WithField("runner", "docker"))
	defer lc.finish()

	if strings.TrimSpace(req.Code) == "" {
		return failed(ErrEmptyProgram, start)
	}

	if err := d.ensureImage(ctx, d.policy.Image); err != nil {
		return failed(fmt.Errorf("%w: %v", ErrStartFailed, err), start)
	}

	dir, err := os.MkdirTemp(d.policy.ScratchDir, "codepad-run-*")
	if err != nil {
		return failed(fmt.Errorf("%w: creating scratch dir: %v", ErrStartFailed, err), start)
	}
	defer os.RemoveAll(dir)
	// The container runs as nobody and needs to read the program.
	if err := os.Chmod(dir, 0o755); err != nil {
		return failed(fmt.Errorf("%w: %v", ErrStartFailed, err), start)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte(req.Code), 0o644); err != nil {
		return failed(fmt.Errorf("%w: writing program: %v", ErrStartFailed, err), start)
	}

	hasStdin := req.Stdin != ""
	cfg, hostCfg := d.containerSpec(dir, req.Limits, hasStdin)
	createCtx, createCancel := context.WithTimeout(ctx, createTimeout)
	defer createCancel()
	created, err := d.client.ContainerCreate(createCtx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return failed(fmt.Errorf("%w: creating container: %v", ErrStartFailed, err), start)
	}
	id := created.ID
	entry := log.WithFields(logrus.Fields{"runner": "docker", "container": shortID(id)})
	defer d.remove(entry, id)

	attach, err := d.client.ContainerAttach(createCtx, id, container.AttachOptions{
		Stream: true,
		Stdin:  hasStdin,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return failed(fmt.Errorf("%w: attaching to container: %v", ErrStartFailed, err), start)
	}
	defer attach.Close()

	// The wait must outlive the run deadline so the exit after a kill is still observed.
	waitCtx, waitCancel := context.WithCancel(context.Background())
	defer waitCancel()
	waitCh, errCh := d.client.ContainerWait(waitCtx, id, container.WaitConditionNextExit)

	timeout := d.policy.ClampTimeout(req.Timeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	kill := func(reason Status) {
		if !lc.terminate(reason) {
			return
		}
		killCtx, killCancel := context.WithTimeout(context.Background(), killTimeout)
		defer killCancel()
		if err := d.client.ContainerKill(killCtx, id, "SIGKILL"); err != nil {
			entry.WithError(err).Warn("killing container")
		}
	}

	out := newCapture(req.Limits.MaxOutputBytes, sink, func() { go kill(StatusOutputLimit) })
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		if _, err := stdcopy.StdCopy(out.writer(Stdout), out.writer(Stderr), attach.Reader); err != nil && !errors.Is(err, io.EOF) {
			entry.WithError(err).Debug("output stream closed")
		}
	}()

	if err := d.client.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		return failed(fmt.Errorf("%w: starting container: %v", ErrStartFailed, err), start)
	}
	if err := lc.advance(phaseRunning); err != nil {
		entry.WithError(err).Warn("container started after termination was requested")
	}
	entry.WithField("timeout", timeout).Debug("program started")

	if hasStdin {
		go func() {
			if _, err := io.Copy(attach.Conn, strings.NewReader(req.Stdin)); err != nil {
				entry.WithError(err).Debug("writing stdin")
			}
			attach.CloseWrite()
		}()
	}

	var (
		exit    container.WaitResponse
		waitErr error
	)
	select {
	case exit = <-waitCh:
	case waitErr = <-errCh:
	case <-runCtx.Done():
		kill(ctxStatus(runCtx.Err()))
		select {
		case exit = <-waitCh:
		case waitErr = <-errCh:
		case <-time.After(killGrace):
			waitErr = errors.New("container did not exit after kill")
		}
	}
	lc.exited()

	select {
	case <-copyDone:
	case <-time.After(drainTimeout):
		entry.Warn("output stream did not close after exit")
	}

	stdout, stderr, truncated := out.result()
	res := Result{
		Stdout:    stdout,
		Stderr:    stderr,
		Truncated: truncated,
		Duration:  time.Since(start),
	}

	if reason := lc.terminationReason(); reason != "" {
		res.Status = reason
		res.ExitCode = -1
		entry.WithField("status", reason).Info("program terminated")
		return res
	}
	if waitErr != nil {
		res.Status = StatusError
		res.ExitCode = -1
		res.Err = fmt.Errorf("waiting for container: %w", waitErr)
		return res
	}

	var oomKilled bool
	inspectCtx, inspectCancel := context.WithTimeout(context.Background(), killTimeout)
	defer inspectCancel()
	if info, err := d.client.ContainerInspect(inspectCtx, id); err == nil && info.State != nil {
		oomKilled = info.State.OOMKilled
	}
	res.Status, res.ExitCode = classifyContainerExit(exit.StatusCode, oomKilled, req.Limits, res.Duration)
	entry.WithFields(logrus.Fields{"status": res.Status, "exit_code": res.ExitCode}).Debug("program finished")
	return res
}

// classifyContainerExit maps a container exit the runner did not cause
// itself. The kernel SIGKILLs at the CPU hard limit, which leaves no trace
// besides exit 137 after at least the CPU budget has elapsed.
func classifyContainerExit(code int64, oomKilled bool, limits Limits, elapsed time.Duration) (Status, int) {
	switch {
	case oomKilled:
		return StatusOOM, -1
	case limits.CPUTime > 0 && code == exitCPULimit:
		return StatusTimeout, -1
	case limits.CPUTime > 0 && code == exitKilled && elapsed >= limits.CPUTime:
		return StatusTimeout, -1
	}
	return StatusExited, int(code)
}

// containerSpec builds a locked-down container for one run: no network,
// read-only root, no capabilities, and the scratch dir mounted read-only.
// The program runs under docker-init so that SIGXCPU is not ignored the way
// it would be for a namespace's pid 1.
func (d *DockerSandbox) containerSpec(scratch string, limits Limits, stdin bool) (*container.Config, *container.HostConfig) {
	cmd := append([]string{}, d.policy.Interpreter...)
	cmd = append(cmd, "/workspace/main.py")

	cfg := &container.Config{
		Image:           d.policy.Image,
		Cmd:             cmd,
		WorkingDir:      "/tmp",
		User:            "65534:65534",
		Env:             []string{"HOME=/tmp", "PYTHONUNBUFFERED=1", "PYTHONDONTWRITEBYTECODE=1"},
		NetworkDisabled: true,
		AttachStdin:     stdin,
		AttachStdout:    true,
		AttachStderr:    true,
		OpenStdin:       stdin,
		StdinOnce:       stdin,
	}

	resources := container.Resources{
		Memory:     limits.MemoryBytes,
		MemorySwap: limits.MemoryBytes,
		NanoCPUs:   int64(limits.CPUs * 1e9),
		Ulimits: []*units.Ulimit{
			{Name: "nofile", Soft: 256, Hard: 256},
		},
	}
	if limits.Pids > 0 {
		pids := limits.Pids
		resources.PidsLimit = &pids
	}
	if limits.CPUTime > 0 {
		soft, hard := cpuLimitSeconds(limits.CPUTime)
		resources.Ulimits = append(resources.Ulimits, &units.Ulimit{Name: "cpu", Soft: soft, Hard: hard})
	}

	useInit := true
	hostCfg := &container.HostConfig{
		Init:        &useInit,
		NetworkMode: "none",
		Mounts: []mount.Mount{
			{
				Type:     mount.TypeBind,
				Source:   scratch,
				Target:   "/workspace",
				ReadOnly: true,
			},
		},
		Resources:      resources,
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=16m",
		},
	}
	return cfg, hostCfg
}

// remove force-removes the container on a fresh context so cleanup still
// happens when the run context is already cancelled.
func (d *DockerSandbox) remove(entry *logrus.Entry, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		entry.WithError(err).Warn("removing container")
	}
}

// ensureImage checks if the image exists locally, and pulls it if not.
func (d *DockerSandbox) ensureImage(ctx context.Context, imageName string) error {
	ctx, cancel := context.WithTimeout(ctx, imagePullTimeout)
	defer cancel()

	if _, _, err := d.client.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	}

	log.WithField("image", imageName).Info("pulling sandbox image")
	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer reader.Close()

	// Drain the pull output (required for pull to complete)
	_, err = io.Copy(io.Discard, reader)
	return err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
