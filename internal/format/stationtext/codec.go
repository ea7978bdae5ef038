// Package stationtext implements the FDSN station "format=text" payload
// codec: a header comment line ("#Network|Station|...") followed by
// one pipe-delimited row per network/station/channel/response entry.
package stationtext

import (
	"bufio"
	"bytes"
	"strings"
)

// Codec implements internal/format.Codec for FDSN station/1/query
// responses requested with format=text.
type Codec struct{}

// rows is the intermediate representation: the header line (kept once,
// from the first non-empty chunk) and the data rows.
type rows struct {
	header string
	data   []string
}

// Decode splits body into its header comment and data rows.
func (Codec) Decode(body []byte) (any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var out rows
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if out.header == "" {
				out.header = line
			}
			continue
		}
		out.data = append(out.data, line)
	}
	return out, scanner.Err()
}

// Encode merges zero or more decoded chunks (each a rows, as returned
// by Decode) into a single document: one header line followed by every
// chunk's data rows, deduplicated by exact row text.
func (Codec) Encode(parsed any) ([]byte, error) {
	chunks, ok := parsed.([]any)
	if !ok {
		if single, ok := parsed.(rows); ok {
			chunks = []any{single}
		} else if parsed == nil {
			return nil, nil
		} else {
			return nil, nil
		}
	}

	var header string
	seen := make(map[string]bool)
	var merged []string
	for _, chunk := range chunks {
		r, ok := chunk.(rows)
		if !ok {
			continue
		}
		if header == "" {
			header = r.header
		}
		for _, line := range r.data {
			if seen[line] {
				continue
			}
			seen[line] = true
			merged = append(merged, line)
		}
	}

	if header == "" && len(merged) == 0 {
		return nil, nil
	}

	var b strings.Builder
	if header != "" {
		b.WriteString(header)
		b.WriteString("\n")
	}
	for _, line := range merged {
		b.WriteString(line)
		b.WriteString("\n")
	}
	return []byte(b.String()), nil
}

// CanSplit reports that station text responses do not support
// 413-driven time window splitting, matching stationxml.
func (Codec) CanSplit() bool { return false }

// Streamable reports false: the single header line must be emitted
// once, ahead of every route's data rows.
func (Codec) Streamable() bool { return false }

// ContentType is the station text MIME type.
func (Codec) ContentType() string { return "text/plain" }
