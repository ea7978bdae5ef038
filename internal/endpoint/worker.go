// Package endpoint implements the per-route EndpointWorker of spec.md
// §4.5: it fetches one stream-epoch from one data center, recursively
// splits the time window into splittingFactor sub-windows on a 413
// response, and feeds the result to
// the request's Drain at the route's priority.
package endpoint

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kaestli/eida-federator/internal/drain"
	"github.com/kaestli/eida-federator/internal/ferr"
	"github.com/kaestli/eida-federator/internal/format"
	"github.com/kaestli/eida-federator/internal/metrics"
	"github.com/kaestli/eida-federator/internal/retrybudget"
	"github.com/kaestli/eida-federator/internal/sncl"
)

// maxSplitDepth bounds 413 recursion regardless of how small
// minSplitDuration allows a window to get, so a misconfigured floor
// can't spin the worker forever.
const maxSplitDepth = 12

// Worker fetches and, on 413, recursively splits one route.
type Worker struct {
	client             *http.Client
	limiter            *rate.Limiter
	retryBudget        *retrybudget.RetryBudget
	codec              format.Codec
	splittingFactor    int
	fallbackRecordSize int
	logger             *logrus.Logger
	metrics            *metrics.Metrics
}

// New constructs a Worker. limiter may be nil (no secondary per-endpoint
// rate limit beyond the shared connection-pool limit of spec.md §5).
// m may be nil, in which case the worker records no metrics.
func New(client *http.Client, limiter *rate.Limiter, rb *retrybudget.RetryBudget, codec format.Codec,
	splittingFactor, fallbackRecordSize int, logger *logrus.Logger, m *metrics.Metrics) *Worker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if splittingFactor < 2 {
		splittingFactor = 2
	}
	return &Worker{
		client:             client,
		limiter:            limiter,
		retryBudget:        rb,
		codec:              codec,
		splittingFactor:    splittingFactor,
		fallbackRecordSize: fallbackRecordSize,
		logger:             logger,
		metrics:            m,
	}
}

// CollectFunc receives one route's decoded chunks (after any 413
// split-merging), in addition to whatever Run delivers to the Drain.
// The Processor uses it to assemble a document-level merge across
// every route for formats whose Codec.Streamable() is false.
type CollectFunc func(priority int, chunks []any)

// Run fetches route (recursively splitting on 413) and reports its
// decoded chunks to collect. For a streamable format it also encodes
// those chunks and delivers the wire-ready bytes to d at priority; for
// a non-streamable format it pushes an empty fragment to d purely so
// Drain's ordering/backpressure/timeout bookkeeping still sees one
// contribution per route, leaving the real merge to the Processor
// once every route has reported in.
//
// A non-nil error here is fatal to the whole federated request
// (spec.md §4.5): per-route upstream failures below the fatal
// threshold are swallowed as "no contribution" instead, so one broken
// data center degrades the response rather than failing it outright.
func (w *Worker) Run(ctx context.Context, route sncl.Route, priority int, method string,
	queryParams map[string]string, d *drain.Drain, collect CollectFunc) error {

	chunks, err := w.fetchAndSplit(ctx, route.URL, route.Epoch(), method, queryParams, 0)
	if err != nil {
		return err
	}

	if collect != nil {
		collect(priority, chunks)
	}

	if !w.codec.Streamable() {
		return d.Push(ctx, priority, nil)
	}

	var merged []byte
	if len(chunks) > 0 {
		merged, err = w.codec.Encode(chunks)
		if err != nil {
			return fmt.Errorf("endpoint: encoding %s: %w", route.URL, err)
		}
	}

	return d.Push(ctx, priority, merged)
}

// fetchAndSplit fetches se from url, recursing on 413 until the format
// can't split further, the split floor is reached, or maxSplitDepth is
// hit. It returns the decoded chunks ready for format.Codec.Encode.
func (w *Worker) fetchAndSplit(ctx context.Context, rawURL string, se sncl.StreamEpoch, method string,
	queryParams map[string]string, depth int) ([]any, error) {

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := w.buildRequest(ctx, rawURL, se, method, queryParams)
	if err != nil {
		return nil, fmt.Errorf("endpoint: building request to %s: %w", rawURL, err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		// A transport/timeout failure degrades this one route instead
		// of failing the whole federated request (spec.md §4.5 step 2,
		// §7): record it against the retry budget and report no
		// contribution, the same way the original's _handle_error does
		// for a dead data center.
		w.logger.WithError(err).WithField("endpoint", rawURL).Warn("endpoint: request failed, skipping route")
		w.observe(ctx, rawURL, http.StatusServiceUnavailable)
		return nil, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		w.observe(ctx, rawURL, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("endpoint: reading %s: %w", rawURL, err)
		}
		decoded, err := w.codec.Decode(body)
		if err != nil {
			return nil, fmt.Errorf("endpoint: decoding %s: %w", rawURL, err)
		}
		if decoded == nil {
			return nil, nil
		}
		return []any{decoded}, nil

	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		w.observe(ctx, rawURL, resp.StatusCode)
		return nil, nil

	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		w.observe(ctx, rawURL, resp.StatusCode)

		if !w.codec.CanSplit() {
			return nil, ferr.NewRequestTooLarge("split-floor",
				"endpoint %s: 413 for a format that does not support splitting", rawURL)
		}
		if depth >= maxSplitDepth || se.Duration(true) <= minSplitDuration(w.fallbackRecordSize) {
			return nil, ferr.NewRequestTooLarge("split-floor",
				"endpoint %s: 413 persisted at the splitting floor (depth %d)", rawURL, depth)
		}

		subs, err := splitEpoch(se, w.splittingFactor)
		if err != nil {
			return nil, ferr.NewRequestTooLarge("split-floor", "endpoint %s: %v", rawURL, err)
		}

		var merged []any
		for _, sub := range subs {
			chunks, err := w.fetchAndSplit(ctx, rawURL, sub, method, queryParams, depth+1)
			if err != nil {
				return nil, err
			}
			merged = append(merged, chunks...)
		}
		return merged, nil

	default:
		w.observe(ctx, rawURL, resp.StatusCode)
		w.logger.WithFields(logrus.Fields{"endpoint": rawURL, "status": resp.StatusCode}).
			Warn("endpoint: non-success status, contributing no data for this route")
		return nil, nil
	}
}

func (w *Worker) observe(ctx context.Context, url string, status int) {
	if w.retryBudget != nil {
		w.retryBudget.Add(ctx, url, status)
	}
	if w.metrics != nil {
		w.metrics.EndpointRequests.WithLabelValues(url, metrics.StatusClass(status)).Inc()
	}
}

// buildRequest renders se plus the pass-through query params as either
// a GET (query string) or POST (line-oriented body) request, matching
// the FDSN dataselect/station/availability wire convention.
func (w *Worker) buildRequest(ctx context.Context, rawURL string, se sncl.StreamEpoch, method string,
	queryParams map[string]string) (*http.Request, error) {

	var req *http.Request
	var err error

	if strings.EqualFold(method, http.MethodPost) {
		var b strings.Builder
		names := make([]string, 0, len(queryParams))
		for n := range queryParams {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(&b, "%s=%s\n", n, queryParams[n])
		}
		b.WriteString(se.String())
		b.WriteString("\n")

		req, err = http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(b.String()))
	} else {
		u, parseErr := url.Parse(rawURL)
		if parseErr != nil {
			return nil, parseErr
		}
		q := u.Query()
		for n, v := range queryParams {
			q.Set(n, v)
		}
		q.Set("network", se.Network)
		q.Set("station", se.Station)
		q.Set("channel", se.Channel)
		if se.Location != "" {
			q.Set("location", se.Location)
		}
		q.Set("starttime", se.StartTime.UTC().Format(time.RFC3339))
		if se.EndTime != nil {
			q.Set("endtime", se.EndTime.UTC().Format(time.RFC3339))
		}
		u.RawQuery = q.Encode()

		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}
	if err != nil {
		return nil, err
	}

	req.Header.Set(headerUserAgent, userAgent)
	req.Header.Set(headerAcceptEncoding, "gzip")
	return req, nil
}
