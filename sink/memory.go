package sink

import (
	"fmt"
	"sort"
	"sync"
)

// Memory keeps class files in memory. It is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	classes map[string][]byte
}

// NewMemory creates an empty memory store.
func NewMemory() *Memory {
	return &Memory{classes: make(map[string][]byte)}
}

// Write stores a copy of data. A type name can be written once.
func (m *Memory) Write(typeName string, data []byte) error {
	if err := checkName(typeName); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.classes[typeName]; exists {
		return fmt.Errorf("sink: %s already written", typeName)
	}
	m.classes[typeName] = append([]byte(nil), data...)
	log.Debugf("memory: stored %s (%d bytes)", typeName, len(data))
	return nil
}

// Read returns the class file for typeName.
func (m *Memory) Read(typeName string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.classes[typeName]
	if !ok {
		return nil, fmt.Errorf("sink: %s: %w", typeName, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Names returns the stored type names, sorted.
func (m *Memory) Names() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.classes))
	for name := range m.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Len returns the number of stored classes.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.classes)
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
