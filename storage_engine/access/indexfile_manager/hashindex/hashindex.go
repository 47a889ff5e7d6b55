package hashindex

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

/*
In-memory exact-match index used while a table is small.

Keys are spread over 64 shards by xxhash so concurrent readers and the single
writer of a table rarely touch the same lock. Nothing is persisted: the index
is rebuilt from the table rows whenever a table is opened.
*/

const shardCount = 64

type shard struct {
	entries map[string][]byte
	mu      sync.RWMutex
}

type HashIndex struct {
	shards [shardCount]*shard
	count  atomic.Int64
}

// Entry is one key/value pair returned by Sorted and Range.
type Entry struct {
	Key   []byte
	Value []byte
}

func New() *HashIndex {
	h := &HashIndex{}
	for i := range h.shards {
		h.shards[i] = &shard{entries: make(map[string][]byte)}
	}
	return h
}

func (h *HashIndex) shardFor(key []byte) *shard {
	return h.shards[xxhash.Sum64(key)%shardCount]
}

func (h *HashIndex) Get(key []byte) ([]byte, bool) {
	s := h.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[string(key)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Put stores value under key and reports whether the key is new.
func (h *HashIndex) Put(key, value []byte) bool {
	s := h.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.entries[string(key)]
	s.entries[string(key)] = append([]byte(nil), value...)
	if !existed {
		h.count.Add(1)
	}
	return !existed
}

// Remove deletes key and reports whether it was present.
func (h *HashIndex) Remove(key []byte) bool {
	s := h.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[string(key)]; !ok {
		return false
	}
	delete(s.entries, string(key))
	h.count.Add(-1)
	return true
}

func (h *HashIndex) Len() int {
	return int(h.count.Load())
}

// Scan visits every entry in no particular order until fn returns false.
func (h *HashIndex) Scan(fn func(key, value []byte) bool) {
	for _, s := range h.shards {
		s.mu.RLock()
		for k, v := range s.entries {
			if !fn([]byte(k), v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Range returns entries with start <= key < end, sorted. It is a full scan;
// a nil bound is unbounded.
func (h *HashIndex) Range(start, end []byte) []Entry {
	var out []Entry
	h.Scan(func(k, v []byte) bool {
		if start != nil && bytes.Compare(k, start) < 0 {
			return true
		}
		if end != nil && bytes.Compare(k, end) >= 0 {
			return true
		}
		out = append(out, Entry{Key: k, Value: append([]byte(nil), v...)})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out
}

// Sorted returns every entry in key order.
func (h *HashIndex) Sorted() []Entry {
	return h.Range(nil, nil)
}

func (h *HashIndex) Clear() {
	for _, s := range h.shards {
		s.mu.Lock()
		s.entries = make(map[string][]byte)
		s.mu.Unlock()
	}
	h.count.Store(0)
}
