package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/rendis/chispa/pkg/schema"
)

// Compile-time interface check.
var _ Engine = (*DockerEngine)(nil)

// DockerEngine runs containers through the local Docker daemon.
type DockerEngine struct {
	cli    client.APIClient
	logger *slog.Logger

	buildMu sync.Mutex // serializes image builds within the process
}

// NewDockerEngine connects to the daemon using the standard environment
// (DOCKER_HOST etc.) with API version negotiation.
func NewDockerEngine(logger *slog.Logger) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAdapter, "connect docker daemon: %v", err)
	}
	return &DockerEngine{cli: cli, logger: logger}, nil
}

// EnsureImage builds the exec image from the bundled recipe when the daemon
// does not already have it. Builds are serialized; callers racing on the same
// image wait for the first build and then see the image present.
func (e *DockerEngine) EnsureImage(ctx context.Context, image string) error {
	_, _, err := e.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return schema.NewErrorf(schema.ErrCodeAdapter, "inspect image %s: %v", image, err)
	}

	e.buildMu.Lock()
	defer e.buildMu.Unlock()

	// Another goroutine may have built it while we waited for the lock.
	if _, _, err := e.cli.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	}

	e.logger.Info("building exec image", "image", image)

	buildCtx, err := recipeTar()
	if err != nil {
		return err
	}

	resp, err := e.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{image},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeAdapter, "build image %s: %v", image, err)
	}
	defer resp.Body.Close()

	// The build only completes once the response stream is drained.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return schema.NewErrorf(schema.ErrCodeAdapter, "build image %s: %v", image, err)
	}
	return nil
}

// Run executes spec as a one-shot container. Combined stdout/stderr is
// demultiplexed into sink as it arrives. The container is always removed,
// even when the context is cancelled mid-flight.
func (e *DockerEngine) Run(ctx context.Context, spec ContainerSpec, sink LogSink) (int, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		WorkingDir: spec.WorkingDir,
	}
	if spec.Stdin != nil {
		cfg.OpenStdin = true
		cfg.StdinOnce = true
		cfg.AttachStdin = true
	}
	hostCfg := &container.HostConfig{Binds: spec.Binds}

	created, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return -1, schema.NewErrorf(schema.ErrCodeAdapter, "create container: %v", err)
	}
	id := created.ID

	// Removal uses a background context so cleanup survives cancellation.
	defer func() {
		if err := e.cli.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true}); err != nil {
			e.logger.Warn("remove container failed", "container_id", id, "error", err)
		}
	}()

	var attach *types.HijackedResponse
	if spec.Stdin != nil {
		resp, err := e.cli.ContainerAttach(ctx, id, container.AttachOptions{Stream: true, Stdin: true})
		if err != nil {
			return -1, schema.NewErrorf(schema.ErrCodeAdapter, "attach container: %v", err)
		}
		attach = &resp
		defer attach.Close()
	}

	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return -1, schema.NewErrorf(schema.ErrCodeAdapter, "start container: %v", err)
	}

	if attach != nil {
		if _, err := io.Copy(attach.Conn, spec.Stdin); err != nil {
			return -1, schema.NewErrorf(schema.ErrCodeAdapter, "write container stdin: %v", err)
		}
		if err := attach.CloseWrite(); err != nil {
			return -1, schema.NewErrorf(schema.ErrCodeAdapter, "close container stdin: %v", err)
		}
	}

	logs, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return -1, schema.NewErrorf(schema.ErrCodeAdapter, "stream container logs: %v", err)
	}
	defer logs.Close()

	w := sinkWriter{sink: sink}
	if _, err := stdcopy.StdCopy(w, w, logs); err != nil && ctx.Err() == nil {
		return -1, schema.NewErrorf(schema.ErrCodeAdapter, "read container logs: %v", err)
	}

	waitCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case res := <-waitCh:
		if res.Error != nil {
			return -1, schema.NewErrorf(schema.ErrCodeAdapter, "container wait: %s", res.Error.Message)
		}
		return int(res.StatusCode), nil
	case err := <-errCh:
		return -1, schema.NewErrorf(schema.ErrCodeAdapter, "container wait: %v", err)
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// sinkWriter adapts a LogSink to io.Writer for stdcopy demultiplexing.
type sinkWriter struct {
	sink LogSink
}

func (w sinkWriter) Write(p []byte) (int, error) {
	if w.sink != nil && len(p) > 0 {
		w.sink(string(p))
	}
	return len(p), nil
}

// recipeTar packs the embedded Dockerfile into an in-memory build context.
func recipeTar() (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: "Dockerfile",
		Mode: 0o644,
		Size: int64(len(execDockerfile)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAdapter, "pack build context: %v", err)
	}
	if _, err := tw.Write(execDockerfile); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAdapter, "pack build context: %v", err)
	}
	if err := tw.Close(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAdapter, "pack build context: %v", err)
	}
	return &buf, nil
}
