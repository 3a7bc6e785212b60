package sink

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// bundleVersion is the archive format version.
const bundleVersion = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("sink: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// BundleFile is the CBOR archive layout. Entries are sorted by name, so
// the same classes always encode to the same bytes apart from ID.
type BundleFile struct {
	Version int           `cbor:"1,keyasint"`
	ID      string        `cbor:"2,keyasint"`
	Entries []BundleEntry `cbor:"3,keyasint"`
}

// BundleEntry is one class file in a bundle.
type BundleEntry struct {
	Name string   `cbor:"1,keyasint"`
	Hash [32]byte `cbor:"2,keyasint"`
	Data []byte   `cbor:"3,keyasint"`
}

// MarshalBundle serializes a bundle with canonical CBOR.
func MarshalBundle(b *BundleFile) ([]byte, error) {
	return cborEncMode.Marshal(b)
}

// UnmarshalBundle deserializes a bundle and checks every entry's hash.
func UnmarshalBundle(data []byte) (*BundleFile, error) {
	var b BundleFile
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("sink: unmarshal bundle: %w", err)
	}
	if b.Version != bundleVersion {
		return nil, fmt.Errorf("sink: unsupported bundle version %d", b.Version)
	}
	for _, e := range b.Entries {
		if sha256.Sum256(e.Data) != e.Hash {
			return nil, fmt.Errorf("sink: bundle entry %s: hash mismatch", e.Name)
		}
	}
	return &b, nil
}

// Bundle collects classes into a single CBOR archive. Each Write
// rewrites the archive atomically. It is safe for concurrent use.
type Bundle struct {
	mu      sync.Mutex
	path    string
	id      uuid.UUID
	entries map[string]BundleEntry
}

// NewBundle starts an empty bundle that will be written to path. An
// empty path keeps the bundle in memory.
func NewBundle(path string) (*Bundle, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("sink: %w", err)
		}
	}
	return &Bundle{path: path, id: uuid.New(), entries: make(map[string]BundleEntry)}, nil
}

// LoadBundle reads an existing archive. Further writes go back to path.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}
	f, err := UnmarshalBundle(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	id, err := uuid.Parse(f.ID)
	if err != nil {
		return nil, fmt.Errorf("sink: %s: bad bundle id: %w", path, err)
	}
	b := &Bundle{path: path, id: id, entries: make(map[string]BundleEntry, len(f.Entries))}
	for _, e := range f.Entries {
		b.entries[e.Name] = e
	}
	return b, nil
}

// ID returns the bundle's identity.
func (b *Bundle) ID() uuid.UUID { return b.id }

// Write adds or replaces a class and rewrites the archive.
func (b *Bundle) Write(typeName string, data []byte) error {
	if err := checkName(typeName); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, had := b.entries[typeName]
	b.entries[typeName] = BundleEntry{Name: typeName, Hash: sha256.Sum256(data), Data: append([]byte(nil), data...)}
	if err := b.flush(); err != nil {
		if had {
			b.entries[typeName] = prev
		} else {
			delete(b.entries, typeName)
		}
		return err
	}
	log.Debugf("bundle %s: stored %s (%d bytes)", b.id, typeName, len(data))
	return nil
}

// File returns the archive contents.
func (b *Bundle) File() *BundleFile {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file()
}

func (b *Bundle) file() *BundleFile {
	f := &BundleFile{Version: bundleVersion, ID: b.id.String()}
	for _, e := range b.entries {
		f.Entries = append(f.Entries, e)
	}
	sort.Slice(f.Entries, func(i, j int) bool { return f.Entries[i].Name < f.Entries[j].Name })
	return f
}

func (b *Bundle) flush() error {
	if b.path == "" {
		return nil
	}
	data, err := MarshalBundle(b.file())
	if err != nil {
		return fmt.Errorf("sink: marshal bundle: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("sink: %w", err)
	}
	return nil
}

// Read returns the class file for typeName.
func (b *Bundle) Read(typeName string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[typeName]
	if !ok {
		return nil, fmt.Errorf("sink: %s: %w", typeName, ErrNotFound)
	}
	return append([]byte(nil), e.Data...), nil
}

// Names returns the bundled type names, sorted.
func (b *Bundle) Names() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.entries))
	for name := range b.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op; every Write is already on disk.
func (b *Bundle) Close() error { return nil }
