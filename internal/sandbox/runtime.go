package sandbox

import (
	"context"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/rendis/chispa/pkg/schema"
)

// Adapter executes one namespaced operation against the workspace.
type Adapter interface {
	Execute(ctx context.Context, op string, args []string, sink LogSink) (int, error)
}

// Runtime routes task commands of the form "<namespace>.<op> <arg...>" to
// the registered adapter for the namespace. Arguments are shell-lexed from
// the remainder of the command string. Commands whose head token does not
// name a registered adapter are treated as opaque shell commands.
type Runtime struct {
	adapters map[string]Adapter
	ws       *Workspace
}

// NewRuntime builds a runtime with the shell and file adapters registered,
// all sharing the given workspace.
func NewRuntime(engine Engine, image string, ws *Workspace) *Runtime {
	return &Runtime{
		adapters: map[string]Adapter{
			"shell": NewShellAdapter(engine, image, ws),
			"file":  NewFileAdapter(engine, image, ws),
		},
		ws: ws,
	}
}

// Workspace returns the workspace shared by the runtime's adapters.
func (r *Runtime) Workspace() *Workspace {
	return r.ws
}

// Execute parses and dispatches a command string. Log chunks are delivered
// to sink as they are produced; the return value is the exit code of the
// underlying operation. When the head token is not "<namespace>.<op>" for a
// registered namespace, the whole command is handed to the shell adapter
// verbatim.
func (r *Runtime) Execute(ctx context.Context, command string, sink LogSink) (int, error) {
	command = strings.TrimSpace(command)
	head, rest, _ := strings.Cut(command, " ")

	if ns, op, ok := strings.Cut(head, "."); ok && ns != "" && op != "" {
		if adapter, found := r.adapters[ns]; found {
			args, err := shellquote.Split(rest)
			if err != nil {
				return -1, schema.NewErrorf(schema.ErrCodeAdapter, "lex arguments: %v", err)
			}
			return adapter.Execute(ctx, op, args, sink)
		}
	}

	return r.adapters["shell"].Execute(ctx, "exec", []string{command}, sink)
}
