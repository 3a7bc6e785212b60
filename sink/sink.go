// Package sink provides destinations for assembled class files.
package sink

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/tliron/commonlog"

	"github.com/chazu/classforge/builder"
	"github.com/chazu/classforge/config"
)

var log = commonlog.GetLogger("classforge.sink")

// ErrNotFound is returned by Read for an unknown type.
var ErrNotFound = errors.New("class not found")

// Sink receives one class file per successful TypeBuilder.Close.
type Sink = builder.Sink

// Store is a Sink that can list and read back what it holds.
type Store interface {
	Sink
	Names() ([]string, error)
	Read(typeName string) ([]byte, error)
	Close() error
}

// Open creates the store selected by cfg.Output.
func Open(cfg *config.Config) (Store, error) {
	path := cfg.OutputPath()
	switch cfg.Output.Kind {
	case config.OutputDir:
		return NewDir(path)
	case config.OutputSQLite:
		return OpenSQLite(path)
	case config.OutputBundle:
		return NewBundle(path)
	case config.OutputMemory:
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("sink: unknown output kind %q", cfg.Output.Kind)
}

// OpenPath opens an existing store for reading, choosing the kind from
// the path: a directory, a .db/.sqlite file, or a .cbor bundle.
func OpenPath(path string) (Store, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return OpenSQLite(path)
	case ".cbor", ".bundle":
		return LoadBundle(path)
	}
	return OpenDir(path)
}

// ---------------------------------------------------------------------------
// Tee
// ---------------------------------------------------------------------------

// Tee writes every class to each sink in turn. All sinks are attempted;
// their failures are aggregated.
func Tee(sinks ...Sink) Sink {
	return builder.SinkFunc(func(typeName string, data []byte) error {
		var result *multierror.Error
		for _, s := range sinks {
			if err := s.Write(typeName, data); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result.ErrorOrNil()
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// Digest returns the hex sha256 of a class file.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// checkName rejects names that could escape a directory store.
func checkName(typeName string) error {
	if typeName == "" || strings.HasPrefix(typeName, "/") {
		return fmt.Errorf("sink: invalid type name %q", typeName)
	}
	for _, part := range strings.Split(typeName, "/") {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `\:`) {
			return fmt.Errorf("sink: invalid type name %q", typeName)
		}
	}
	return nil
}
