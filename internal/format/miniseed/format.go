package miniseed

import (
	"fmt"
	"sort"
)

// Codec adapts the record parser to the format.Codec contract
// (internal/format.Codec). It is used for dataselect; wfcatalog
// responses go through the JSON codec in internal/format/wfcatalog.
type Codec struct {
	// FallbackRecordSize is used when a record's own blockette 1000 is
	// missing or unreadable; it comes from config's
	// fallback_mseed_record_size (spec.md §6).
	FallbackRecordSize int
}

// Decode splits body into its constituent records. An empty body
// decodes to a nil, nil result: "no content to emit".
func (c Codec) Decode(body []byte) (any, error) {
	if len(body) == 0 {
		return nil, nil
	}
	fallback := c.FallbackRecordSize
	if fallback <= 0 {
		fallback = 512
	}
	records, err := ParseRecords(body, fallback)
	if err != nil {
		return nil, fmt.Errorf("miniseed: %w", err)
	}
	return records, nil
}

// Encode merges zero or more decoded chunks (each a []Record, as
// returned by Decode) into one deduplicated, start-time-ordered
// miniSEED stream. Dedup key is network.station.location.channel plus
// record start (spec.md §4.5); first occurrence wins.
func (c Codec) Encode(parsed any) ([]byte, error) {
	chunks, ok := parsed.([]any)
	if !ok {
		// A single decoded chunk is also accepted directly.
		if single, ok := parsed.([]Record); ok {
			chunks = []any{single}
		} else if parsed == nil {
			return nil, nil
		} else {
			return nil, fmt.Errorf("miniseed: encode: unexpected parsed type %T", parsed)
		}
	}

	seen := make(map[string]bool)
	var merged []Record
	for _, chunk := range chunks {
		records, ok := chunk.([]Record)
		if !ok {
			return nil, fmt.Errorf("miniseed: encode: unexpected chunk type %T", chunk)
		}
		for _, rec := range records {
			key := rec.Identity()
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, rec)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].StartTime.Before(merged[j].StartTime)
	})

	var out []byte
	for _, rec := range merged {
		out = append(out, rec.Raw...)
	}
	return out, nil
}

// CanSplit reports that dataselect miniSEED payloads support
// 413-driven time-window splitting (spec.md §4.5).
func (Codec) CanSplit() bool { return true }

// Streamable reports that miniSEED records can be written to the wire
// as soon as each route's contribution is ready: records are
// self-delimiting, so concatenation across routes needs no envelope.
func (Codec) Streamable() bool { return true }

// ContentType is the miniSEED MIME type.
func (Codec) ContentType() string { return "application/vnd.fdsn.mseed" }
