package sandbox

import (
	"context"
	"strings"

	"github.com/rendis/chispa/pkg/schema"
)

// Compile-time interface check.
var _ Adapter = (*ShellAdapter)(nil)

// ShellAdapter runs opaque command strings inside one-shot containers with
// the run's workspace mounted as the working directory.
type ShellAdapter struct {
	engine Engine
	image  string
	ws     *Workspace
}

// NewShellAdapter creates a shell adapter bound to a workspace.
func NewShellAdapter(engine Engine, image string, ws *Workspace) *ShellAdapter {
	return &ShellAdapter{engine: engine, image: image, ws: ws}
}

// Execute handles the "exec" operation. The lexed arguments are rejoined and
// handed to the container shell verbatim.
func (a *ShellAdapter) Execute(ctx context.Context, op string, args []string, sink LogSink) (int, error) {
	if op != "exec" {
		return -1, schema.NewErrorf(schema.ErrCodeAdapter, "unknown shell operation: %s", op)
	}
	command := strings.Join(args, " ")
	if strings.TrimSpace(command) == "" {
		return -1, schema.NewError(schema.ErrCodeAdapter, "shell.exec requires a command")
	}

	if err := a.engine.EnsureImage(ctx, a.image); err != nil {
		return -1, err
	}

	return a.engine.Run(ctx, ContainerSpec{
		Image:      a.image,
		Cmd:        []string{"sh", "-c", command},
		WorkingDir: DefaultWorkingDir,
		Binds:      []string{a.ws.Bind(DefaultWorkingDir)},
	}, sink)
}
