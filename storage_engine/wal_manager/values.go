package wal_manager

import (
	"fmt"

	json "github.com/json-iterator/go"
)

// Old and New carry a row's fields as a JSON object. An empty slice means
// the row did not exist; a row without fields encodes as "{}".

func EncodeFields(fields map[string]string, exists bool) ([]byte, error) {
	if !exists {
		return nil, nil
	}
	if fields == nil {
		fields = map[string]string{}
	}
	return json.Marshal(fields)
}

func DecodeFields(b []byte) (map[string]string, bool, error) {
	if len(b) == 0 {
		return nil, false, nil
	}
	fields := map[string]string{}
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, false, fmt.Errorf("DecodeFields: %w", err)
	}
	return fields, true, nil
}
