// Package sncl implements the stream-epoch identity shared by every
// FDSN service the federator fans out to: a network/station/location/
// channel code tuple plus a time window.
package sncl

import (
	"fmt"
	"strings"
	"time"
)

// locWildcard is the FDSN convention for "no location code".
const locWildcard = "--"

// StreamEpoch identifies a time slice of a seismic channel. Endtime is
// nil when the epoch is "open" (no upper bound was supplied by the
// client or the routing service).
type StreamEpoch struct {
	Network   string
	Station   string
	Location  string
	Channel   string
	StartTime time.Time
	EndTime   *time.Time
}

// ID returns the stable identifier used to key availability/station
// buffers and dedupe decisions: "NET.STA.LOC.CHA".
func (se StreamEpoch) ID() string {
	return strings.Join([]string{se.Network, se.Station, se.Location, se.Channel}, ".")
}

// NSLC is the network.station.location.channel grouping key. It
// returns the same string as ID; the separate name marks call sites
// that group by channel rather than identify a stream-epoch.
func (se StreamEpoch) NSLC() string { return se.ID() }

// Duration returns the epoch's length, treating an open endtime as
// "now" when openEndAsNow is true (POST convention) and as zero
// otherwise (GET convention leaves it genuinely open and unbounded
// for limit-checking purposes the caller must special-case).
func (se StreamEpoch) Duration(openEndAsNow bool) time.Duration {
	end := se.EndTime
	if end == nil {
		if !openEndAsNow {
			return 0
		}
		now := time.Now().UTC()
		end = &now
	}
	return end.Sub(se.StartTime)
}

// Validate enforces starttime < endtime when both are set.
func (se StreamEpoch) Validate() error {
	if se.EndTime != nil && !se.StartTime.Before(*se.EndTime) {
		return fmt.Errorf("stream epoch %s: starttime %s is not before endtime %s",
			se.ID(), se.StartTime, se.EndTime)
	}
	return nil
}

// String renders the SNCL line format used both by the routing
// service's request payload and its response: "NET STA LOC CHA START END".
func (se StreamEpoch) String() string {
	loc := se.Location
	if loc == "" {
		loc = locWildcard
	}

	end := ""
	if se.EndTime != nil {
		end = se.EndTime.UTC().Format(time.RFC3339)
	}

	return fmt.Sprintf("%s %s %s %s %s %s",
		se.Network, se.Station, loc, se.Channel, se.StartTime.UTC().Format(time.RFC3339), end)
}

// FromSNCLLine parses one SNCL response row: "NET STA LOC CHA START END".
// defaultEndtime substitutes a missing end (POST semantics); pass nil to
// leave it open (GET semantics), matching the routing wire format of
// spec.md §6.
func FromSNCLLine(line string, defaultEndtime *time.Time) (StreamEpoch, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return StreamEpoch{}, fmt.Errorf("malformed SNCL line %q: expected at least 5 fields, got %d", line, len(fields))
	}

	loc := fields[2]
	if loc == locWildcard {
		loc = ""
	}

	start, err := time.Parse(time.RFC3339, fields[4])
	if err != nil {
		return StreamEpoch{}, fmt.Errorf("malformed SNCL line %q: start time: %w", line, err)
	}

	var end *time.Time
	if len(fields) >= 6 && fields[5] != "" {
		t, err := time.Parse(time.RFC3339, fields[5])
		if err != nil {
			return StreamEpoch{}, fmt.Errorf("malformed SNCL line %q: end time: %w", line, err)
		}
		end = &t
	} else {
		end = defaultEndtime
	}

	return StreamEpoch{
		Network:   fields[0],
		Station:   fields[1],
		Location:  loc,
		Channel:   fields[3],
		StartTime: start,
		EndTime:   end,
	}, nil
}

// Route binds one endpoint URL to exactly one stream-epoch, the
// post-demultiplexing shape RouteResolver emits (spec.md §3).
type Route struct {
	URL          string
	StreamEpochs []StreamEpoch
}

// Epoch returns the route's single stream-epoch. It panics if called
// before demultiplexing has reduced the route to exactly one, which is
// a programmer error, not a runtime condition.
func (r Route) Epoch() StreamEpoch {
	if len(r.StreamEpochs) != 1 {
		panic(fmt.Sprintf("route %s: expected exactly one stream epoch, got %d", r.URL, len(r.StreamEpochs)))
	}
	return r.StreamEpochs[0]
}
