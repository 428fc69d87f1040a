package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

// Docker implements Provider on the Docker Engine API. Each Invoke call
// creates one container with the source directory bind-mounted read-only,
// waits for it under the spec's deadline, and always removes it before
// returning.
type Docker struct {
	cli    dockerClient
	logger *zerolog.Logger
}

func NewDocker(logger *zerolog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &Docker{cli: cli, logger: logger}, nil
}

func newDockerWithClient(cli dockerClient, logger *zerolog.Logger) *Docker {
	return &Docker{cli: cli, logger: logger}
}

func (d *Docker) Invoke(ctx context.Context, spec LaunchSpec) (*Invocation, error) {
	// Limit PID count to prevent fork bombs.
	pidsLimit := int64(64)

	hostConfig := &container.HostConfig{
		Binds: []string{spec.SourceDir + ":" + spec.WorkDir + ":ro"},
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes, // no swap allowed
			NanoCPUs:   1_000_000_000,    // 1 CPU
			PidsLimit:  &pidsLimit,
		},
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=16m,mode=1777",
		},
	}
	if !spec.NetworkEnabled {
		hostConfig.NetworkMode = "none"
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Command,
		WorkingDir:      spec.WorkDir,
		NetworkDisabled: !spec.NetworkEnabled,
		Tty:             false,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		_ = d.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
	}()

	start := time.Now()
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	status, err := d.waitForExit(waitCtx, resp.ID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return d.handleDeadline(resp.ID, start)
		}
		return nil, err
	}

	inspect, err := d.cli.ContainerInspect(context.Background(), resp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect container: %w", err)
	}

	stdout, stderr, err := d.fetchLogs(context.Background(), resp.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch logs: %w", err)
	}

	inv := &Invocation{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: int(status.StatusCode),
		Duration: time.Since(start),
	}
	if inspect.State != nil && inspect.State.OOMKilled {
		inv.OOMKilled = true
	}

	return inv, nil
}

// handleDeadline force-kills the container once the wall clock expires and
// salvages whatever output it produced. No process survives past this point;
// the deferred remove in Invoke tears the container itself down.
func (d *Docker) handleDeadline(containerID string, start time.Time) (*Invocation, error) {
	killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.cli.ContainerKill(killCtx, containerID, "KILL"); err != nil && !client.IsErrNotFound(err) {
		return nil, fmt.Errorf("kill container after deadline: %w", err)
	}

	stdout, stderr, err := d.fetchLogs(context.Background(), containerID)
	if err != nil {
		// The run already timed out; missing logs just mean empty streams.
		d.logger.Debug().Str("container", containerID).Err(err).Msg("no logs after deadline kill")
		stdout, stderr = "", ""
	}

	return &Invocation{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: -1,
		TimedOut: true,
		Duration: time.Since(start),
	}, nil
}

func (d *Docker) waitForExit(ctx context.Context, containerID string) (*container.WaitResponse, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return nil, fmt.Errorf("container error: %s", status.Error.Message)
		}
		return &status, nil
	case err := <-errCh:
		return nil, fmt.Errorf("wait for container: %w", err)
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for container: %w", ctx.Err())
	}
}

func (d *Docker) fetchLogs(ctx context.Context, containerID string) (stdout, stderr string, err error) {
	logs, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", err
	}
	defer logs.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, logs); err != nil {
		return "", "", err
	}

	return stdoutBuf.String(), stderrBuf.String(), nil
}

func (d *Docker) EnsureImage(ctx context.Context, img string) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil // image already present
	}

	d.logger.Info().Str("image", img).Msg("pulling docker image")
	reader, err := d.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()

	// The pull only completes once the reader is drained.
	_, _ = io.Copy(io.Discard, reader)

	d.logger.Info().Str("image", img).Msg("pulled docker image")
	return nil
}

func (d *Docker) Close() error {
	return d.cli.Close()
}
