package sheets

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

type fileBackend struct {
	path string
	mu   sync.Mutex
}

// NewFileClient stores the workbook as JSON at path. Each call re-reads the
// file under an exclusive flock so separate processes sharing the file see
// each other's writes.
func NewFileClient(path string) (*FileClient, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &FileClient{gridClient{backend: &fileBackend{path: path}}}, nil
}

type FileClient struct {
	gridClient
}

func (c *FileClient) Path() string {
	return c.backend.(*fileBackend).path
}

// Watch emits when the workbook file is replaced or written. Our own writes
// trigger it too; consumers must tolerate no-op wakeups.
func (c *FileClient) Watch(ctx context.Context) (<-chan struct{}, error) {
	path := c.Path()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Writes land via rename, so watch the directory rather than the inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	target := filepath.Clean(path)
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *fileBackend) view(ctx context.Context, fn func(*workbook) error) error {
	return b.withLock(ctx, func() error {
		book, err := b.load()
		if err != nil {
			return err
		}
		return fn(book)
	})
}

func (b *fileBackend) mutate(ctx context.Context, fn func(*workbook) error) error {
	return b.withLock(ctx, func() error {
		book, err := b.load()
		if err != nil {
			return err
		}
		if err := fn(book); err != nil {
			return err
		}
		data, err := json.Marshal(book)
		if err != nil {
			return err
		}
		return writeFileAtomic(b.path, data, 0o644)
	})
}

func (b *fileBackend) withLock(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, err := os.OpenFile(b.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer lock.Close()
	if err := lockFile(lock); err != nil {
		return err
	}
	defer unlockFile(lock)
	return fn()
}

func (b *fileBackend) load() (*workbook, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newWorkbook(), nil
		}
		return nil, err
	}
	return decodeWorkbook(string(data))
}

func (b *fileBackend) Close() error {
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
