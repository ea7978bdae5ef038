// Package routing implements RouteResolver (spec.md §4.4): it asks the
// routing service which endpoints serve which stream-epochs, applies
// the retry budget and duration limits, and emits one Route per
// surviving (url, stream-epoch) pair.
package routing

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kaestli/eida-federator/internal/ferr"
	"github.com/kaestli/eida-federator/internal/metrics"
	"github.com/kaestli/eida-federator/internal/retrybudget"
	"github.com/kaestli/eida-federator/internal/sncl"
)

// RoutingQueryParams is the whitelist of query parameters forwarded to
// the routing service, mirroring the teacher's RoutingRequestHandler
// (original_source/eidaws.federator/.../utils/request.py QUERY_PARAMS).
var RoutingQueryParams = map[string]bool{
	"service":     true,
	"level":       true,
	"minlatitude": true, "minlat": true,
	"maxlatitude": true, "maxlat": true,
	"minlongitude": true, "minlon": true,
	"maxlongitude": true, "maxlon": true,
}

// Limits bounds the durations RouteResolver will accept (spec.md §4.4, §6).
type Limits struct {
	MaxStreamEpochDuration      time.Duration
	MaxTotalStreamEpochDuration time.Duration
}

// Resolver issues the routing call and demultiplexes its answer.
type Resolver struct {
	client      *http.Client
	url         string
	retryBudget *retrybudget.RetryBudget
	threshold   float64
	proxyNetloc string
	logger      *logrus.Logger
	metrics     *metrics.Metrics
}

// New constructs a Resolver against the routing service at url.
func New(client *http.Client, url string, rb *retrybudget.RetryBudget, threshold float64, proxyNetloc string, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{client: client, url: url, retryBudget: rb, threshold: threshold, proxyNetloc: proxyNetloc, logger: logger}
}

// WithMetrics attaches m so demux can report each endpoint's retry
// budget ratio; a nil Resolver call site (tests, tools) simply never
// calls this and the gauge stays unset.
func (r *Resolver) WithMetrics(m *metrics.Metrics) *Resolver {
	r.metrics = m
	return r
}

// Resolve issues the routing request matching method (GET or POST) and
// returns the surviving, demultiplexed routes.
func (r *Resolver) Resolve(ctx context.Context, method string, epochs []sncl.StreamEpoch,
	queryParams map[string]string, submitted time.Time, nodata ferr.NoContentCode, limits Limits) ([]sncl.Route, error) {

	req, err := r.buildRequest(ctx, method, epochs, queryParams)
	if err != nil {
		return nil, ferr.RoutingErrorWrap(err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, ferr.RoutingErrorWrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 204 || resp.StatusCode == 404 {
		return nil, ferr.NewNoData(nodata, "routing service returned %d: no routes", resp.StatusCode)
	}

	if resp.StatusCode >= 500 || resp.StatusCode >= 400 {
		return nil, ferr.RoutingErrorWrap(fmt.Errorf("routing service returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ferr.RoutingErrorWrap(fmt.Errorf("reading routing response: %w", err))
	}

	post := strings.EqualFold(method, http.MethodPost)

	var defaultEnd *time.Time
	if post {
		defaultEnd = &submitted
	}

	table, err := ParseRoutingTable(bytes.NewReader(body), defaultEnd)
	if err != nil {
		return nil, ferr.RoutingErrorWrap(err)
	}

	if len(table) == 0 {
		return nil, ferr.NewNoData(nodata, "routing service returned no routes")
	}

	routes, err := r.demux(ctx, table, limits)
	if err != nil {
		return nil, err
	}
	if len(routes) == 0 {
		return nil, ferr.NewNoData(nodata, "every routed endpoint is over the retry budget threshold")
	}
	return routes, nil
}

func (r *Resolver) buildRequest(ctx context.Context, method string, epochs []sncl.StreamEpoch,
	queryParams map[string]string) (*http.Request, error) {

	filtered := make(map[string]string)
	for k, v := range queryParams {
		if RoutingQueryParams[k] {
			filtered[k] = v
		}
	}
	filtered["format"] = "post"
	filtered["access"] = "any"
	if r.proxyNetloc != "" {
		filtered["proxynetloc"] = r.proxyNetloc
	}

	if strings.EqualFold(method, http.MethodPost) {
		var b strings.Builder
		names := sortedKeys(filtered)
		for _, n := range names {
			fmt.Fprintf(&b, "%s=%s\n", n, filtered[n])
		}
		for _, se := range epochs {
			b.WriteString(se.String())
			b.WriteString("\n")
		}
		return http.NewRequestWithContext(ctx, http.MethodPost, r.url, strings.NewReader(b.String()))
	}

	u, err := url.Parse(r.url)
	if err != nil {
		return nil, fmt.Errorf("parsing routing url %q: %w", r.url, err)
	}
	q := u.Query()
	for k, v := range filtered {
		q.Set(k, v)
	}
	// GET requests forward stream-epoch selectors directly as query
	// params, one value per code, matching FDSN convention.
	for _, se := range epochs {
		q.Add("network", se.Network)
		q.Add("station", se.Station)
		q.Add("channel", se.Channel)
	}
	u.RawQuery = q.Encode()

	return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
}

func sortedKeys(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// sortedTableKeys returns table's endpoint URLs sorted ascending, so
// demux emits routes in a deterministic, endpoint-URL order (spec.md
// §4.7: priorities are derived from sorting the group keys). Ported
// from the teacher-adjacent original_source/.../fdsnws_availability/
// process.py's `sorted(grouped_routes)` step.
func sortedTableKeys(table map[string][]sncl.StreamEpoch) []string {
	urls := make([]string, 0, len(table))
	for url := range table {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// demux validates durations, filters out URLs over the retry-budget
// threshold, and emits one Route per surviving (url, stream-epoch) row.
func (r *Resolver) demux(ctx context.Context, table map[string][]sncl.StreamEpoch, limits Limits) ([]sncl.Route, error) {
	var total time.Duration
	for _, epochs := range table {
		for _, se := range epochs {
			d := se.Duration(true)
			if limits.MaxStreamEpochDuration > 0 && d > limits.MaxStreamEpochDuration {
				return nil, ferr.NewRequestTooLarge("per-epoch",
					"stream epoch %s duration %s exceeds max_stream_epoch_duration %s",
					se.ID(), d, limits.MaxStreamEpochDuration)
			}
			total += d
		}
	}
	if limits.MaxTotalStreamEpochDuration > 0 && total > limits.MaxTotalStreamEpochDuration {
		return nil, ferr.NewRequestTooLarge("total",
			"total stream epoch duration %s exceeds max_total_stream_epoch_duration %s",
			total, limits.MaxTotalStreamEpochDuration)
	}

	var routes []sncl.Route
	for _, url := range sortedTableKeys(table) {
		epochs := table[url]
		if r.retryBudget != nil {
			ratio, err := r.retryBudget.ErrorRatio(ctx, url)
			if err != nil {
				// Backend unreachable: default to including the URL
				// (spec.md §4.1, §7).
				r.logger.WithError(err).WithField("endpoint", url).
					Warn("routing: failed to read retry budget, including endpoint by default")
			} else {
				if r.metrics != nil {
					r.metrics.RetryBudgetRatio.WithLabelValues(url).Set(ratio)
				}
				if ratio > r.threshold {
					r.logger.WithField("endpoint", url).WithField("error_ratio", ratio).
						Info("routing: skipping endpoint over retry budget threshold")
					continue
				}
			}
		}

		for _, se := range epochs {
			routes = append(routes, sncl.Route{URL: url, StreamEpochs: []sncl.StreamEpoch{se}})
		}
	}

	return routes, nil
}

// ParseRoutingTable parses the routing wire format of spec.md §6:
// alternating blocks of a URL line then one-or-more SNCL rows,
// separated by a blank line. Ported from the teacher's
// emerge_routing_table state machine
// (original_source/eidaws.federator/.../utils/process.py).
func ParseRoutingTable(r io.Reader, defaultEndtime *time.Time) (map[string][]sncl.StreamEpoch, error) {
	table := make(map[string][]sncl.StreamEpoch)

	var urlLine string
	var epochs []sncl.StreamEpoch

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	flush := func() {
		if urlLine != "" && len(epochs) > 0 {
			table[urlLine] = append(table[urlLine], epochs...)
		}
		urlLine = ""
		epochs = nil
	}

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case urlLine == "":
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			urlLine = trimmed
		case strings.TrimSpace(line) == "":
			flush()
		default:
			se, err := sncl.FromSNCLLine(line, defaultEndtime)
			if err != nil {
				return nil, fmt.Errorf("parsing routing table: %w", err)
			}
			epochs = append(epochs, se)
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading routing table: %w", err)
	}

	return table, nil
}
