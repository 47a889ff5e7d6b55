package indexfile

import (
	"LineDB/storage_engine/fileio"
	"fmt"
	"os"
	"sync"

	json "github.com/json-iterator/go"
)

/*
indices/metadata.json records which backend each table's index uses, so a
restart reopens a B+Tree file instead of rebuilding a hash index it would
immediately have to migrate away from.

	{
	  "version": 1,
	  "indices": {
	    "translations/key": {"table": "translations", "backend": "btree", ...}
	  }
	}
*/

const metadataVersion = 1

type metadataDoc struct {
	Version int                       `json:"version"`
	Indices map[string]*IndexMetadata `json:"indices"`
}

type metadataStore struct {
	path string
	doc  metadataDoc
	mu   sync.Mutex
}

func metadataKey(table, column string) string {
	return table + "/" + column
}

func loadMetadata(path string) (*metadataStore, error) {
	ms := &metadataStore{
		path: path,
		doc:  metadataDoc{Version: metadataVersion, Indices: make(map[string]*IndexMetadata)},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ms, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loadMetadata: %w", err)
	}
	if err := json.Unmarshal(data, &ms.doc); err != nil {
		return nil, fmt.Errorf("loadMetadata: %s is not valid json: %w", path, err)
	}
	if ms.doc.Indices == nil {
		ms.doc.Indices = make(map[string]*IndexMetadata)
	}
	return ms, nil
}

func (ms *metadataStore) get(table, column string) (IndexMetadata, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	m, ok := ms.doc.Indices[metadataKey(table, column)]
	if !ok {
		return IndexMetadata{}, false
	}
	return *m, true
}

// put records m and rewrites the file atomically.
func (ms *metadataStore) put(m IndexMetadata) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.doc.Indices[metadataKey(m.Table, m.Column)] = &m
	data, err := json.MarshalIndent(ms.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index metadata: %w", err)
	}
	return fileio.WriteFileAtomic(ms.path, data)
}

func (ms *metadataStore) all() []IndexMetadata {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]IndexMetadata, 0, len(ms.doc.Indices))
	for _, m := range ms.doc.Indices {
		out = append(out, *m)
	}
	return out
}
