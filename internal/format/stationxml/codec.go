// Package stationxml implements the FDSN station payload codec. Full
// StationXML parsing is out of scope (spec.md §1): decode keeps the
// response as opaque bytes plus the slice of top-level <Network>
// elements needed to merge multiple data centers' responses into one
// document; it never looks inside a Network element.
package stationxml

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// Codec implements internal/format.Codec for FDSN station/1/query
// responses (level=network|station|channel|response all share the
// same top-level shape: a sequence of <Network> siblings under the
// document root).
type Codec struct{}

// doc is the intermediate representation: the root element's raw open
// tag, its raw close tag, and the raw bytes of each top-level child
// (almost always <Network>, but kept generic).
type doc struct {
	rootOpen  string
	rootClose string
	children  []string
}

// Decode splits body into its root wrapper and top-level children
// without interpreting their contents.
func (Codec) Decode(body []byte) (any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	d := xml.NewDecoder(bytes.NewReader(trimmed))

	var out doc
	var rootStartOffset, rootEnd int64
	depth := 0

	for {
		startOffset := d.InputOffset()
		tok, err := d.Token()
		if err != nil {
			break
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 {
				rootStartOffset = startOffset
				out.rootOpen = string(trimmed[startOffset:d.InputOffset()])
			} else if depth == 2 {
				if err := d.Skip(); err != nil {
					return nil, fmt.Errorf("stationxml: decoding %s: %w", t.Name.Local, err)
				}
				depth--
				out.children = append(out.children, string(trimmed[startOffset:d.InputOffset()]))
			}
		case xml.EndElement:
			depth--
			if depth == 0 {
				rootEnd = d.InputOffset()
			}
		}
	}

	if rootStartOffset >= rootEnd || out.rootOpen == "" {
		return nil, fmt.Errorf("stationxml: no well-formed root element found")
	}
	out.rootClose = string(trimmed[bytes.LastIndexByte(trimmed[:rootEnd], '<'):rootEnd])

	return out, nil
}

// Encode merges zero or more decoded chunks (each a doc, as returned
// by Decode) by concatenating their top-level children inside the
// first document's root wrapper.
func (Codec) Encode(parsed any) ([]byte, error) {
	chunks, ok := parsed.([]any)
	if !ok {
		if single, ok := parsed.(doc); ok {
			chunks = []any{single}
		} else if parsed == nil {
			return nil, nil
		} else {
			return nil, fmt.Errorf("stationxml: encode: unexpected parsed type %T", parsed)
		}
	}

	var rootOpen, rootClose string
	var buf bytes.Buffer
	buf.WriteString(xml.Header)

	for i, chunk := range chunks {
		d, ok := chunk.(doc)
		if !ok {
			return nil, fmt.Errorf("stationxml: encode: unexpected chunk type %T", chunk)
		}
		if i == 0 {
			rootOpen, rootClose = d.rootOpen, d.rootClose
			buf.WriteString(rootOpen)
		}
		for _, child := range d.children {
			buf.WriteString(child)
		}
	}

	if rootOpen == "" {
		return nil, nil
	}
	buf.WriteString(rootClose)
	return buf.Bytes(), nil
}

// CanSplit reports that station responses do not support 413-driven
// time window splitting (spec.md §9's open question resolves to "no":
// a station document has no natural per-epoch split point once merged
// across data centers).
func (Codec) CanSplit() bool { return false }

// Streamable reports false: the merged document needs every route's
// <Network> children collected under one root before it is valid XML.
func (Codec) Streamable() bool { return false }

// ContentType is the StationXML MIME type.
func (Codec) ContentType() string { return "application/xml" }
