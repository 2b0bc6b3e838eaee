// Package file provides file-based persistence: one JSON document per
// record under <root>/<collection>/<id>.json.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/agentflow/pkg/persistence"
)

const extension = ".json"

// Persistence implements persistence.Store using the file system.
type Persistence struct {
	root string
	mu   sync.RWMutex
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	return &Persistence{root: strings.Replace(root, "file://", "", 1)}
}

// Root returns the cleaned root directory.
func (fp *Persistence) Root() string {
	return fp.root
}

func (fp *Persistence) path(collection, id string) string {
	return filepath.Join(fp.root, url.PathEscape(collection), url.PathEscape(id)+extension)
}

func (fp *Persistence) Put(_ context.Context, collection, id string, data []byte) error {
	if err := persistence.ValidateKey("Put", collection, id); err != nil {
		return err
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()

	dir := filepath.Join(fp.root, url.PathEscape(collection))

	err := os.MkdirAll(dir, 0o750)
	if err != nil {
		return persistence.NewStoreError("Put", collection, id, fmt.Errorf("failed to create directory: %w", err))
	}

	target := fp.path(collection, id)

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return persistence.NewStoreError("Put", collection, id, err)
	}

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return persistence.NewStoreError("Put", collection, id, fmt.Errorf("failed to write file: %w", err))
	}

	err = os.Rename(tmp.Name(), target)
	if err != nil {
		_ = os.Remove(tmp.Name())

		return persistence.NewStoreError("Put", collection, id, err)
	}

	return nil
}

func (fp *Persistence) Get(_ context.Context, collection, id string) ([]byte, error) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	data, err := os.ReadFile(fp.path(collection, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewStoreError("Get", collection, id, persistence.ErrNotFound)
		}

		return nil, persistence.NewStoreError("Get", collection, id, err)
	}

	return data, nil
}

func (fp *Persistence) Delete(_ context.Context, collection, id string) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	err := os.Remove(fp.path(collection, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return persistence.NewStoreError("Delete", collection, id, persistence.ErrNotFound)
		}

		return persistence.NewStoreError("Delete", collection, id, err)
	}

	return nil
}

func (fp *Persistence) List(_ context.Context, collection string) ([]persistence.Record, error) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	dir := filepath.Join(fp.root, url.PathEscape(collection))

	files, err := fs.Glob(os.DirFS(dir), "*"+extension)
	if err != nil {
		return nil, persistence.NewStoreError("List", collection, "", err)
	}

	records := make([]persistence.Record, 0, len(files))

	for _, name := range files {
		id, err := url.PathUnescape(strings.TrimSuffix(name, extension))
		if err != nil {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return nil, persistence.NewStoreError("List", collection, id, err)
		}

		records = append(records, persistence.Record{ID: id, Data: data})
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	return records, nil
}

// HealthCheck creates the root directory if needed and verifies it is a directory.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	err := os.MkdirAll(fp.root, 0o750)
	if err != nil {
		return fmt.Errorf("failed to create root directory: %w", err)
	}

	info, err := os.Stat(fp.root)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", fp.root)
	}

	return nil
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}
