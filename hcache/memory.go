package hcache

// memoryBackend is a non-persistent cache, used when no cache path is
// configured and in tests.
type memoryBackend struct {
	entries map[string][]byte
}

func newMemory() *memoryBackend {
	return &memoryBackend{entries: map[string][]byte{}}
}

func (m *memoryBackend) get(key string) ([]byte, error) {
	v, ok := m.entries[key]
	if !ok {
		return nil, ErrAbsent
	}
	return v, nil
}

func (m *memoryBackend) set(key string, data []byte) error {
	m.entries[key] = append([]byte{}, data...)
	return nil
}

func (m *memoryBackend) delete(key string) error {
	delete(m.entries, key)
	return nil
}

func (m *memoryBackend) close() error {
	m.entries = nil
	return nil
}
