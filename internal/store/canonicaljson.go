package store

import (
	"bytes"
	"encoding/json"
	"sort"
)

// CanonicalJSON renders payload as JSON with keys sorted lexicographically
// and compact separators, the form whose SHA-256 becomes a ChangeEntry's
// data_hash. Nested maps are sorted too: encoding/json already sorts
// map[string]any keys on encode, so marshaling each top-level value
// through json.Marshal is sufficient.
func CanonicalJSON(payload map[string]interface{}) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')
		valJSON, err := json.Marshal(payload[k])
		if err != nil {
			return nil, err
		}
		buf.Write(valJSON)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
