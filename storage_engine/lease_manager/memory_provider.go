package lease

import (
	"LineDB/types"
	"sync"
)

// MemoryLeaseProvider keeps locks in memory. Coordinators sharing one
// provider behave like processes sharing a data directory.
type MemoryLeaseProvider struct {
	records map[string]*memLease
	mu      sync.Mutex
}

type memLease struct {
	rec  LeaseRecord
	held bool
}

func NewMemoryLeaseProvider() *MemoryLeaseProvider {
	return &MemoryLeaseProvider{records: make(map[string]*memLease)}
}

func (p *MemoryLeaseProvider) TryAcquire(table string, rec LeaseRecord) (*LeaseRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.records[table]
	if ok && cur.held {
		return nil, &types.LockError{Table: table, Holder: cur.rec.Holder, Err: types.ErrLeaseConflict}
	}
	p.records[table] = &memLease{rec: rec, held: true}
	if ok && !cur.rec.Released {
		prev := cur.rec
		return &prev, nil
	}
	return nil, nil
}

func (p *MemoryLeaseProvider) Release(table, token string) error {
	return p.drop(table, token, true)
}

func (p *MemoryLeaseProvider) Abandon(table, token string) error {
	return p.drop(table, token, false)
}

func (p *MemoryLeaseProvider) drop(table, token string, clean bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.records[table]
	if !ok || !cur.held || cur.rec.Token != token {
		return &types.LockError{Table: table, Err: types.ErrLeaseExpired}
	}
	cur.held = false
	cur.rec.Released = clean
	return nil
}

// Crash drops whatever lock table has without releasing it.
func (p *MemoryLeaseProvider) Crash(table string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.records[table]; ok {
		cur.held = false
	}
}

// Holder returns the current holder of table, if any.
func (p *MemoryLeaseProvider) Holder(table string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.records[table]
	if !ok || !cur.held {
		return "", false
	}
	return cur.rec.Holder, true
}

func (p *MemoryLeaseProvider) Close() error { return nil }
