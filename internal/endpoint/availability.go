package endpoint

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/kaestli/eida-federator/internal/ferr"
	"github.com/kaestli/eida-federator/internal/sncl"
)

// Extent is one reduced availability record: the earliest and latest
// timestamps seen for a channel across the records a data center
// reported, ported from fdsnws_availability/process.py's
// reduce-to-extent pass.
type Extent struct {
	Network, Station, Location, Channel string
	Earliest, Latest                    time.Time
}

// NSLC is the grouping key shared with sncl.StreamEpoch.ID.
func (e Extent) NSLC() string {
	return fmt.Sprintf("%s.%s.%s.%s", e.Network, e.Station, e.Location, e.Channel)
}

type rawExtent struct {
	Network  string `json:"network"`
	Station  string `json:"station"`
	Location string `json:"location"`
	Channel  string `json:"channel"`
	Earliest string `json:"earliest"`
	Latest   string `json:"latest"`
}

// DecodeExtents parses an fdsnws-availability extent JSON response
// (an array of per-channel records) into Extents.
func DecodeExtents(body []byte) ([]Extent, error) {
	var raw []rawExtent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("availability: decoding extents: %w", err)
	}

	extents := make([]Extent, 0, len(raw))
	for _, r := range raw {
		earliest, err := time.Parse(time.RFC3339, r.Earliest)
		if err != nil {
			return nil, fmt.Errorf("availability: parsing earliest %q: %w", r.Earliest, err)
		}
		latest, err := time.Parse(time.RFC3339, r.Latest)
		if err != nil {
			return nil, fmt.Errorf("availability: parsing latest %q: %w", r.Latest, err)
		}
		extents = append(extents, Extent{
			Network: r.Network, Station: r.Station, Location: r.Location, Channel: r.Channel,
			Earliest: earliest, Latest: latest,
		})
	}
	return extents, nil
}

// ReduceToExtent collapses possibly-overlapping availability records
// for the same channel down to one [earliest, latest] span per NSLC,
// the form fdsnws-availability/extent always answers with regardless
// of how many individual records /query would have reported.
func ReduceToExtent(entries []Extent) []Extent {
	byNSLC := make(map[string]Extent)
	order := make([]string, 0)

	for _, e := range entries {
		key := e.NSLC()
		cur, ok := byNSLC[key]
		if !ok {
			byNSLC[key] = e
			order = append(order, key)
			continue
		}
		if e.Earliest.Before(cur.Earliest) {
			cur.Earliest = e.Earliest
		}
		if e.Latest.After(cur.Latest) {
			cur.Latest = e.Latest
		}
		byNSLC[key] = cur
	}

	sort.Strings(order)
	reduced := make([]Extent, 0, len(order))
	for _, key := range order {
		reduced = append(reduced, byNSLC[key])
	}
	return reduced
}

// CheckNoDistributedEpochs rejects a route set where the same
// NSLC is served by more than one distinct endpoint URL. Merging an
// availability extent across data centers would require reconciling
// potentially conflicting gap information between them, which spec.md
// §9 leaves unimplemented: the federator refuses the request instead
// of guessing.
func CheckNoDistributedEpochs(routes []sncl.Route) error {
	urlsByNSLC := make(map[string]string)

	for _, route := range routes {
		for _, se := range route.StreamEpochs {
			key := se.ID()
			if existing, ok := urlsByNSLC[key]; ok && existing != route.URL {
				return fmt.Errorf("%w: %s served by both %s and %s",
					ferr.ErrDistributedStreamEpoch, key, existing, route.URL)
			}
			urlsByNSLC[key] = route.URL
		}
	}
	return nil
}

// AvailabilityCodec implements internal/format.Codec for
// fdsnws-availability extent responses. It never splits, so a 413 from
// an availability endpoint fails the request. Routes are dispatched as
// the resolver returned them: routes for the same channel are not
// merged into one spanning route before dispatch, and extents are only
// reduced per channel after decoding, in Encode.
type AvailabilityCodec struct{}

func (AvailabilityCodec) Decode(body []byte) (any, error) {
	if len(body) == 0 {
		return nil, nil
	}
	extents, err := DecodeExtents(body)
	if err != nil {
		return nil, err
	}
	return extents, nil
}

func (AvailabilityCodec) Encode(parsed any) ([]byte, error) {
	chunks, ok := parsed.([]any)
	if !ok {
		if single, ok := parsed.([]Extent); ok {
			chunks = []any{single}
		} else if parsed == nil {
			return json.Marshal([]Extent{})
		} else {
			return nil, fmt.Errorf("availability: encode: unexpected parsed type %T", parsed)
		}
	}

	var all []Extent
	for _, chunk := range chunks {
		extents, ok := chunk.([]Extent)
		if !ok {
			return nil, fmt.Errorf("availability: encode: unexpected chunk type %T", chunk)
		}
		all = append(all, extents...)
	}

	return json.Marshal(ReduceToExtent(all))
}

func (AvailabilityCodec) CanSplit() bool      { return false }
func (AvailabilityCodec) Streamable() bool    { return false }
func (AvailabilityCodec) ContentType() string { return "application/json" }
