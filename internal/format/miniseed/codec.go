// Package miniseed implements the dataselect payload codec:
// splitting a response into its constituent miniSEED records well
// enough to dedupe by record identity, and concatenating records back
// into a wire-ready stream. Full SEED parsing (encoding, compression,
// sample decoding) is out of scope per spec.md §1 — only the fixed
// 48-byte header and the blockette-1000 record-length hint are read.
package miniseed

import (
	"encoding/binary"
	"fmt"
	"time"
)

// FixedHeaderSize is the size of the miniSEED fixed section header.
const FixedHeaderSize = 48

// Record is one parsed miniSEED record: enough header fields to
// identify and order it, plus the raw bytes to pass through untouched.
type Record struct {
	Network, Station, Location, Channel string
	StartTime                           time.Time
	Raw                                  []byte
}

// Identity is the dedup key spec.md §4.5 calls for: "network.station.
// location.channel + record start".
func (r Record) Identity() string {
	return fmt.Sprintf("%s.%s.%s.%s@%s", r.Network, r.Station, r.Location, r.Channel, r.StartTime.Format(time.RFC3339Nano))
}

// btime decodes the 10-byte SEED BTIME field at off.
func btime(data []byte, off int) (time.Time, error) {
	if off+10 > len(data) {
		return time.Time{}, fmt.Errorf("miniseed: truncated start time field")
	}

	year := int(binary.BigEndian.Uint16(data[off:]))
	day := int(binary.BigEndian.Uint16(data[off+2:]))
	hour := int(data[off+4])
	min := int(data[off+5])
	sec := int(data[off+6])
	// data[off+7] is unused/alignment.
	fracMillis := int(binary.BigEndian.Uint16(data[off+8:])) // 0.0001s ticks

	base := time.Date(year, time.January, 1, hour, min, sec, 0, time.UTC).AddDate(0, 0, day-1)
	return base.Add(time.Duration(fracMillis) * 100 * time.Microsecond), nil
}

// recordLength inspects the blockette chain starting at the fixed
// header for a blockette 1000 (record-length exponent); falls back to
// fallback when absent, matching spec.md §6's fallback_mseed_record_size.
func recordLength(data []byte, fallback int) int {
	if len(data) < FixedHeaderSize {
		return fallback
	}

	numBlockettes := int(data[39])
	offset := int(binary.BigEndian.Uint16(data[46:48]))

	for i := 0; i < numBlockettes && offset > 0 && offset+8 <= len(data); i++ {
		blkType := binary.BigEndian.Uint16(data[offset:])
		if blkType == 1000 {
			exponent := data[offset+6]
			return 1 << exponent
		}
		offset = int(binary.BigEndian.Uint16(data[offset+2:]))
	}

	return fallback
}

// ParseRecords splits body into its constituent miniSEED records.
// fallbackRecordSize is used whenever a record's blockette 1000 is
// absent or unreadable.
func ParseRecords(body []byte, fallbackRecordSize int) ([]Record, error) {
	var records []Record

	pos := 0
	for pos < len(body) {
		if pos+FixedHeaderSize > len(body) {
			return nil, fmt.Errorf("miniseed: truncated record at offset %d", pos)
		}

		length := recordLength(body[pos:], fallbackRecordSize)
		if length <= 0 {
			return nil, fmt.Errorf("miniseed: invalid record length at offset %d", pos)
		}
		if pos+length > len(body) {
			length = len(body) - pos
		}

		header := body[pos:]
		start, err := btime(header, 20)
		if err != nil {
			return nil, fmt.Errorf("miniseed: offset %d: %w", pos, err)
		}

		records = append(records, Record{
			Station:   trimFixed(header[8:13]),
			Location:  trimFixed(header[13:15]),
			Channel:   trimFixed(header[15:18]),
			Network:   trimFixed(header[18:20]),
			StartTime: start,
			Raw:       body[pos : pos+length],
		})

		pos += length
	}

	return records, nil
}

func trimFixed(b []byte) string {
	i := len(b)
	for i > 0 && (b[i-1] == ' ' || b[i-1] == 0) {
		i--
	}
	return string(b[:i])
}
