package diskmanager

import (
	"LineDB/storage_engine/page"
	"fmt"
)

func NewMemStore(name string) *MemStore {
	return &MemStore{name: name, pages: make(map[uint64][]byte)}
}

func (m *MemStore) ReadPage(pageID uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("ReadPage: page %d not found in %s", pageID, m.name)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemStore) WriteBatch(pages map[uint64][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, data := range pages {
		if len(data) != page.PageSize {
			return fmt.Errorf("WriteBatch: page %d is %d bytes, want %d", id, len(data), page.PageSize)
		}
		m.pages[id] = append([]byte(nil), data...)
	}
	return nil
}

func (m *MemStore) NumPages() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n uint64
	for id := range m.pages {
		if id+1 > n {
			n = id + 1
		}
	}
	return n
}

func (m *MemStore) Path() string { return m.name }

func (m *MemStore) Size() int64 { return int64(m.NumPages()) * page.PageSize }

func (m *MemStore) Sync() error { return nil }

func (m *MemStore) Close() error { return nil }

// Corrupt flips one byte of a stored page. Test helper.
func (m *MemStore) Corrupt(pageID uint64, offset int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pages[pageID]; ok && offset < len(p) {
		p[offset] ^= 0xff
	}
}
