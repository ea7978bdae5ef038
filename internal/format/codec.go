// Package format collapses the differences between dataselect/
// station/availability/wfcatalog into the three capabilities
// DESIGN NOTES §9 of spec.md names: decode, encode, and can-split.
package format

// Codec is implemented once per FDSN payload format. Decode/Encode
// operate on the format's parsed intermediate representation (an
// opaque `any` here, since its shape is format-specific and its
// internal parsing is explicitly out of scope per spec.md §1).
type Codec interface {
	// Decode parses raw response bytes into the format's intermediate
	// representation. An empty/nil result with a nil error means "no
	// content to emit" (distinct from a decode failure).
	Decode(body []byte) (any, error)

	// Encode serializes the intermediate representation (or a merged
	// collection of them, for formats that buffer and merge) back to
	// wire bytes.
	Encode(parsed any) ([]byte, error)

	// CanSplit reports whether this format supports 413-driven time
	// window splitting (spec.md §4.5). Dataselect and wfcatalog do;
	// station and availability do not, and a 413 from either fails the
	// request (station's 413 handling is an open question per spec.md
	// §9).
	CanSplit() bool

	// Streamable reports whether per-route Encode output can be
	// concatenated directly onto the wire as other routes' output
	// arrives (true only for miniSEED: each record is already
	// self-delimiting). Formats with a document-level envelope — a
	// JSON array, an XML root element, a text header line — need every
	// route's contribution before Encode can produce valid output, so
	// the Processor buffers their decoded chunks and calls Encode once
	// across all of them instead of per route.
	Streamable() bool

	// ContentType is the MIME type for the federated response.
	ContentType() string
}
