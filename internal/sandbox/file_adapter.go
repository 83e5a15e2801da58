package sandbox

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/rendis/chispa/pkg/schema"
)

// Compile-time interface check.
var _ Adapter = (*FileAdapter)(nil)

// FileAdapter performs workspace file operations through short-lived
// containers. Paths are confined to the workspace root: absolute paths and
// traversal segments are rejected, and only the base name is used.
type FileAdapter struct {
	engine Engine
	image  string
	ws     *Workspace
}

// NewFileAdapter creates a file adapter bound to a workspace.
func NewFileAdapter(engine Engine, image string, ws *Workspace) *FileAdapter {
	return &FileAdapter{engine: engine, image: image, ws: ws}
}

// Execute dispatches the write, read and list operations.
func (a *FileAdapter) Execute(ctx context.Context, op string, args []string, sink LogSink) (int, error) {
	if err := a.engine.EnsureImage(ctx, a.image); err != nil {
		return -1, err
	}

	switch op {
	case "write":
		if len(args) != 2 {
			return -1, schema.NewError(schema.ErrCodeAdapter, "file.write requires <path> <content>")
		}
		return a.write(ctx, args[0], args[1], sink)
	case "read":
		if len(args) != 1 {
			return -1, schema.NewError(schema.ErrCodeAdapter, "file.read requires <path>")
		}
		return a.read(ctx, args[0], sink)
	case "list":
		target := "."
		if len(args) == 1 {
			target = args[0]
		} else if len(args) > 1 {
			return -1, schema.NewError(schema.ErrCodeAdapter, "file.list takes at most one path")
		}
		return a.list(ctx, target, sink)
	default:
		return -1, schema.NewErrorf(schema.ErrCodeAdapter, "unknown file operation: %s", op)
	}
}

// write streams content into the container over stdin, so the content never
// passes through a shell and cannot inject commands.
func (a *FileAdapter) write(ctx context.Context, name, content string, sink LogSink) (int, error) {
	target, err := a.containerPath(name)
	if err != nil {
		return -1, err
	}

	code, err := a.engine.Run(ctx, ContainerSpec{
		Image:      a.image,
		Cmd:        []string{"sh", "-c", "cat > " + shellquote.Join(target)},
		WorkingDir: DefaultWorkingDir,
		Binds:      []string{a.ws.Bind(DefaultWorkingDir)},
		Stdin:      strings.NewReader(content),
	}, sink)
	if err == nil && code == 0 {
		sink(fmt.Sprintf("wrote %s\n", target))
	}
	return code, err
}

func (a *FileAdapter) read(ctx context.Context, name string, sink LogSink) (int, error) {
	target, err := a.containerPath(name)
	if err != nil {
		return -1, err
	}
	return a.engine.Run(ctx, ContainerSpec{
		Image:      a.image,
		Cmd:        []string{"cat", target},
		WorkingDir: DefaultWorkingDir,
		Binds:      []string{a.ws.Bind(DefaultWorkingDir)},
	}, sink)
}

func (a *FileAdapter) list(ctx context.Context, name string, sink LogSink) (int, error) {
	target := DefaultWorkingDir
	if name != "." {
		p, err := a.containerPath(name)
		if err != nil {
			return -1, err
		}
		target = p
	}
	return a.engine.Run(ctx, ContainerSpec{
		Image:      a.image,
		Cmd:        []string{"ls", "-la", target},
		WorkingDir: DefaultWorkingDir,
		Binds:      []string{a.ws.Bind(DefaultWorkingDir)},
	}, sink)
}

// containerPath validates name and maps it into the container workspace.
func (a *FileAdapter) containerPath(name string) (string, error) {
	if name == "" {
		return "", schema.NewError(schema.ErrCodeAdapter, "empty file path")
	}
	if filepath.IsAbs(name) {
		return "", schema.NewErrorf(schema.ErrCodeAdapter, "absolute path not allowed: %s", name)
	}
	for _, seg := range strings.Split(filepath.ToSlash(name), "/") {
		if seg == ".." {
			return "", schema.NewErrorf(schema.ErrCodeAdapter, "path traversal not allowed: %s", name)
		}
	}
	base := filepath.Base(name)
	if base == "." || base == "/" {
		return "", schema.NewErrorf(schema.ErrCodeAdapter, "invalid file path: %s", name)
	}
	return path.Join(DefaultWorkingDir, base), nil
}
