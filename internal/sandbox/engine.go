package sandbox

import (
	"context"
	"io"
)

// LogSink receives log chunks as the container produces them.
type LogSink func(chunk string)

// ContainerSpec describes a one-shot container execution.
type ContainerSpec struct {
	Image      string
	Cmd        []string
	WorkingDir string
	Binds      []string
	Stdin      io.Reader // attached as the container's stdin when non-nil
}

// Engine abstracts the container runtime. The production implementation
// talks to the Docker daemon; tests substitute a fake.
type Engine interface {
	// EnsureImage makes sure the image exists locally, building it from the
	// bundled recipe if the daemon does not have it.
	EnsureImage(ctx context.Context, image string) error

	// Run creates a container from spec, starts it, streams its combined
	// stdout/stderr into sink, waits for termination, removes the container
	// and returns the exit code.
	Run(ctx context.Context, spec ContainerSpec, sink LogSink) (int, error)
}
