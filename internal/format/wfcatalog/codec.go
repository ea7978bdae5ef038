// Package wfcatalog implements the eidaws wfcatalog payload codec: the
// wire format is a single JSON array of catalog entries, so decode and
// encode reduce to array-level concatenation.
package wfcatalog

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Codec implements internal/format.Codec for eidaws wfcatalog responses.
type Codec struct{}

// Decode parses body as a JSON array and returns its elements as raw
// messages, left unparsed since entry shape is outside this package's
// concern.
func (Codec) Decode(body []byte) (any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, fmt.Errorf("wfcatalog: decoding response: %w", err)
	}
	return entries, nil
}

// Encode concatenates zero or more decoded chunks (each a
// []json.RawMessage) into a single JSON array, deduplicating entries
// that are byte-identical across overlapping splits.
func (Codec) Encode(parsed any) ([]byte, error) {
	chunks, ok := parsed.([]any)
	if !ok {
		if single, ok := parsed.([]json.RawMessage); ok {
			chunks = []any{single}
		} else if parsed == nil {
			return []byte("[]"), nil
		} else {
			return nil, fmt.Errorf("wfcatalog: encode: unexpected parsed type %T", parsed)
		}
	}

	seen := make(map[string]bool)
	var merged []json.RawMessage
	for _, chunk := range chunks {
		entries, ok := chunk.([]json.RawMessage)
		if !ok {
			return nil, fmt.Errorf("wfcatalog: encode: unexpected chunk type %T", chunk)
		}
		for _, entry := range entries {
			key := string(entry)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, entry)
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("wfcatalog: encoding merged array: %w", err)
	}
	return out, nil
}

// CanSplit reports that wfcatalog extents support 413-driven time
// window splitting (spec.md §4.5).
func (Codec) CanSplit() bool { return true }

// Streamable reports false: a wfcatalog response is a single JSON
// array, so every route's entries must be known before the array can
// be closed.
func (Codec) Streamable() bool { return false }

// ContentType is the wfcatalog MIME type.
func (Codec) ContentType() string { return "application/json" }
