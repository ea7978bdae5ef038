// Package httpapi adapts incoming FDSN/EIDAWS HTTP requests onto
// processor.Processor, following the teacher's thin-adapter style
// (internal/transport.Upsert took a parsed Config and drove the whole
// pipeline; here the HTTP layer does only parsing and response
// framing, and Processor owns the pipeline).
package httpapi

import (
	"bufio"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kaestli/eida-federator/internal/ferr"
	"github.com/kaestli/eida-federator/internal/sncl"
)

// timeLayouts are tried in order; FDSN services accept truncated
// ISO8601 in addition to full RFC3339.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("parsing time %q: %w", s, lastErr)
}

func splitList(s string) []string {
	if s == "" {
		return []string{"*"}
	}
	return strings.Split(s, ",")
}

// parsedRequest is the service-agnostic result of parsing an incoming
// query: the stream-epochs to federate, the query params to forward
// verbatim, and the nodata/format selections a handler interprets.
type parsedRequest struct {
	epochs  []sncl.StreamEpoch
	params  map[string]string
	nodata  ferr.NoContentCode
	format  string
	method  string
}

// parseRequest parses either GET query-string or POST line-oriented
// FDSN request bodies into a parsedRequest.
func parseRequest(r *http.Request) (parsedRequest, error) {
	if r.Method == http.MethodPost {
		return parsePostRequest(r)
	}
	return parseGetRequest(r)
}

func parseGetRequest(r *http.Request) (parsedRequest, error) {
	q := r.URL.Query()

	start, err := parseTime(q.Get("starttime"))
	if err != nil {
		return parsedRequest{}, err
	}

	var end *time.Time
	if s := q.Get("endtime"); s != "" {
		t, err := parseTime(s)
		if err != nil {
			return parsedRequest{}, err
		}
		end = &t
	}

	networks := splitList(q.Get("network"))
	stations := splitList(q.Get("station"))
	locations := splitList(q.Get("location"))
	channels := splitList(q.Get("channel"))

	var epochs []sncl.StreamEpoch
	for _, net := range networks {
		for _, sta := range stations {
			for _, loc := range locations {
				if loc == "*" {
					loc = ""
				}
				for _, cha := range channels {
					epochs = append(epochs, sncl.StreamEpoch{
						Network: net, Station: sta, Location: loc, Channel: cha,
						StartTime: start, EndTime: end,
					})
				}
			}
		}
	}

	params := passthroughParams(q)

	return parsedRequest{
		epochs: epochs,
		params: params,
		nodata: nodataCode(q.Get("nodata")),
		format: orDefault(q.Get("format"), "xml"),
		method: http.MethodGet,
	}, nil
}

// parsePostRequest parses the FDSN POST convention: zero or more
// "key=value" parameter lines followed by one or more SNCL lines
// ("NET STA LOC CHA START END"), matching routing.ParseRoutingTable's
// sibling grammar for the client-facing request instead of the
// routing service's response.
func parsePostRequest(r *http.Request) (parsedRequest, error) {
	defer r.Body.Close()

	params := make(map[string]string)
	var epochs []sncl.StreamEpoch

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	submitted := time.Now().UTC()

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok && !strings.Contains(k, " ") {
			params[strings.TrimSpace(k)] = strings.TrimSpace(v)
			continue
		}
		se, err := sncl.FromSNCLLine(line, &submitted)
		if err != nil {
			return parsedRequest{}, ferr.BadRequestWrap(err)
		}
		epochs = append(epochs, se)
	}
	if err := scanner.Err(); err != nil {
		return parsedRequest{}, fmt.Errorf("reading request body: %w", err)
	}

	nodata := params["nodata"]
	format := params["format"]
	delete(params, "nodata")
	delete(params, "format")

	return parsedRequest{
		epochs: epochs,
		params: params,
		nodata: nodataCode(nodata),
		format: orDefault(format, "xml"),
		method: http.MethodPost,
	}, nil
}

// passthroughParams strips the selectors parseGetRequest already
// consumed, leaving only the params a route or format codec still
// needs (e.g. "level" for station, "minlatitude" for the routing
// service's geographic filter).
func passthroughParams(q map[string][]string) map[string]string {
	consumed := map[string]bool{
		"network": true, "station": true, "location": true, "channel": true,
		"starttime": true, "endtime": true, "nodata": true, "format": true,
	}
	params := make(map[string]string)
	for k, v := range q {
		if consumed[k] || len(v) == 0 {
			continue
		}
		params[k] = v[0]
	}
	return params
}

func nodataCode(s string) ferr.NoContentCode {
	if s == "404" {
		return ferr.NoContent404
	}
	return ferr.NoContent204
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
