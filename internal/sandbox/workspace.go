package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/rendis/chispa/pkg/schema"
)

// DefaultWorkingDir is the mount point of the workspace inside containers.
const DefaultWorkingDir = "/app"

// Workspace is an ephemeral host directory mounted into every container
// spawned for one run. Files written by tasks land here and survive until
// Remove is called, which makes them available for artifact upload.
type Workspace struct {
	root string
}

// NewWorkspace creates a fresh workspace directory under baseDir.
// Each workspace gets a unique name so concurrent runs never collide.
func NewWorkspace(baseDir string) (*Workspace, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	root := filepath.Join(baseDir, "chispa-ws-"+uuid.NewString())
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAdapter, "create workspace: %v", err)
	}
	return &Workspace{root: root}, nil
}

// Root returns the host path of the workspace directory.
func (w *Workspace) Root() string {
	return w.root
}

// Bind returns the docker bind spec mounting the workspace at containerDir.
func (w *Workspace) Bind(containerDir string) string {
	return fmt.Sprintf("%s:%s", w.root, containerDir)
}

// Remove deletes the workspace directory and everything in it.
func (w *Workspace) Remove() error {
	if w.root == "" {
		return nil
	}
	return os.RemoveAll(w.root)
}
