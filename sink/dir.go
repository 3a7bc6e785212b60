package sink

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Dir writes each class to <root>/<internal name>.class, the layout a
// JVM classpath directory expects. Files appear atomically.
type Dir struct {
	root string
}

// NewDir creates root if needed and returns a directory store.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("sink: creating %s: %w", root, err)
	}
	return &Dir{root: root}, nil
}

// OpenDir opens an existing class directory.
func OpenDir(root string) (*Dir, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sink: %s is not a directory", root)
	}
	return &Dir{root: root}, nil
}

// Root returns the directory.
func (d *Dir) Root() string { return d.root }

// Path returns the file that holds typeName.
func (d *Dir) Path(typeName string) string {
	return filepath.Join(d.root, filepath.FromSlash(typeName)+".class")
}

// Write stores data through a temporary file renamed into place, so a
// reader never sees a partial class.
func (d *Dir) Write(typeName string, data []byte) error {
	if err := checkName(typeName); err != nil {
		return err
	}
	path := d.Path(typeName)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".classforge-*")
	if err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sink: writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("sink: writing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("sink: %w", err)
	}
	log.Debugf("dir: wrote %s (%d bytes)", path, len(data))
	return nil
}

// Read returns the class file for typeName.
func (d *Dir) Read(typeName string) ([]byte, error) {
	if err := checkName(typeName); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(d.Path(typeName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("sink: %s: %w", typeName, ErrNotFound)
	}
	return data, err
}

// Names walks the directory for .class files.
func (d *Dir) Names() ([]string, error) {
	var names []string
	err := filepath.WalkDir(d.root, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() || !strings.HasSuffix(path, ".class") {
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		names = append(names, strings.TrimSuffix(filepath.ToSlash(rel), ".class"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op.
func (d *Dir) Close() error { return nil }
