package artifacts

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rendis/chispa/pkg/schema"
)

// Uploader persists the files a run leaves in its workspace. Objects are
// keyed "<run_id>/<relative-path>" so artifacts of different runs can never
// collide.
type Uploader interface {
	// UploadDir walks root and uploads every regular file found under it.
	// Returns the object keys written.
	UploadDir(ctx context.Context, runID int64, root string) ([]string, error)
}

// MemoryUploader keeps uploaded objects in a map. Test double.
type MemoryUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryUploader creates an empty in-memory uploader.
func NewMemoryUploader() *MemoryUploader {
	return &MemoryUploader{objects: make(map[string][]byte)}
}

// Put stores one object directly, bypassing the directory walk.
func (u *MemoryUploader) Put(key string, data []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.objects[key] = data
}

// Object returns a stored object's content and whether it exists.
func (u *MemoryUploader) Object(key string) ([]byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	data, ok := u.objects[key]
	return data, ok
}

// Keys returns all stored object keys.
func (u *MemoryUploader) Keys() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	keys := make([]string, 0, len(u.objects))
	for k := range u.objects {
		keys = append(keys, k)
	}
	return keys
}

// UploadDir stores every regular file under root, keyed by run id.
func (u *MemoryUploader) UploadDir(ctx context.Context, runID int64, root string) ([]string, error) {
	var keys []string
	err := walkArtifacts(root, func(relPath, hostPath string) error {
		data, err := os.ReadFile(hostPath)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeAdapter, "read artifact %s: %v", hostPath, err)
		}
		key := ObjectKey(runID, relPath)
		u.Put(key, data)
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

// Compile-time interface check.
var _ Uploader = (*MemoryUploader)(nil)

// ObjectKey maps a workspace-relative path to its bucket key.
func ObjectKey(runID int64, relPath string) string {
	return strconv.FormatInt(runID, 10) + "/" + filepath.ToSlash(relPath)
}

// walkArtifacts visits every regular file under root with its path relative
// to root. Symlinks and directories are not followed as artifacts.
func walkArtifacts(root string, visit func(relPath, hostPath string) error) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		return visit(rel, p)
	})
}
