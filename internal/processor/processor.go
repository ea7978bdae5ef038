// Package processor implements the FederatedRequest state machine of
// spec.md §4 (Received → Routed → Dispatching → Streaming →
// Finalized, Errored reachable from any state): it drives RouteResolver,
// the bounded worker pool, and Drain to turn one client request into
// one federated response, with the Cache's GetOrFederate collapsing
// concurrent identical requests into a single upstream fan-out.
package processor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kaestli/eida-federator/internal/cache"
	"github.com/kaestli/eida-federator/internal/config"
	"github.com/kaestli/eida-federator/internal/drain"
	"github.com/kaestli/eida-federator/internal/endpoint"
	"github.com/kaestli/eida-federator/internal/ferr"
	"github.com/kaestli/eida-federator/internal/format"
	"github.com/kaestli/eida-federator/internal/metrics"
	"github.com/kaestli/eida-federator/internal/pool"
	"github.com/kaestli/eida-federator/internal/retrybudget"
	"github.com/kaestli/eida-federator/internal/routing"
	"github.com/kaestli/eida-federator/internal/sncl"
)

// State is a point in the FederatedRequest lifecycle.
type State int

const (
	StateReceived State = iota
	StateRouted
	StateDispatching
	StateStreaming
	StateFinalized
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateRouted:
		return "routed"
	case StateDispatching:
		return "dispatching"
	case StateStreaming:
		return "streaming"
	case StateFinalized:
		return "finalized"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// FederatedRequest is everything the Processor needs to answer one
// FDSN query.
type FederatedRequest struct {
	// ID correlates log lines across a request's lifetime; left empty,
	// one is assigned in New.
	ID string

	// TypeTag selects the cache-key namespace (spec.md §4.2) and must
	// be stable per service endpoint: "dataselect", "station",
	// "availability", "wfcatalog".
	TypeTag string

	// Codec is the payload format the response is decoded/encoded with.
	// Station requests pick stationxml.Codec or stationtext.Codec
	// depending on the client's format= parameter; the other services
	// have exactly one.
	Codec format.Codec

	Method      string
	QueryParams map[string]string
	Epochs      []sncl.StreamEpoch
	Submitted   time.Time
	NoData      ferr.NoContentCode
}

// Processor drives one FederatedRequest through its state machine.
// It is not reused across requests: construct one per incoming query.
type Processor struct {
	cfg         config.Config
	resolver    *routing.Resolver
	cache       *cache.Cache
	retryBudget *retrybudget.RetryBudget
	client      *http.Client
	limiter     *rate.Limiter
	logger      *logrus.Logger
	metrics     *metrics.Metrics

	req FederatedRequest

	mu    sync.Mutex
	state State
}

// New constructs a Processor for req. client and limiter are forwarded
// unchanged to the endpoint workers it creates. m may be nil, in which
// case the processor records no metrics.
func New(cfg config.Config, resolver *routing.Resolver, c *cache.Cache, rb *retrybudget.RetryBudget,
	client *http.Client, limiter *rate.Limiter, logger *logrus.Logger, m *metrics.Metrics,
	req FederatedRequest) *Processor {

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Submitted.IsZero() {
		req.Submitted = time.Now()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Processor{
		cfg: cfg, resolver: resolver, cache: c, retryBudget: rb,
		client: client, limiter: limiter, logger: logger, metrics: m,
		req: req, state: StateReceived,
	}
}

// ID returns the correlation ID assigned in New, for callers that
// constructed their FederatedRequest without one.
func (p *Processor) ID() string { return p.req.ID }

// State returns the processor's current lifecycle state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Processor) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Run answers the request: it serves from cache when possible,
// otherwise federates and caches the result, streaming to wire as the
// Drain allows. prepare is called exactly once, right before the
// first byte is written, so the HTTP adapter can set status/headers.
func (p *Processor) Run(ctx context.Context, wire io.Writer, prepare drain.PrepareFunc) error {
	logger := p.logger.WithField("request_id", p.req.ID)

	if p.metrics != nil {
		timer := prometheus.NewTimer(p.metrics.RequestDuration.WithLabelValues(p.req.TypeTag))
		defer timer.ObserveDuration()
	}

	key := cache.Key(p.req.TypeTag, p.req.QueryParams, p.req.Epochs)

	if body, _, found, err := p.cache.Get(ctx, key, true); err != nil {
		logger.WithError(err).Warn("processor: cache lookup failed, federating instead")
	} else if found {
		logger.Debug("processor: serving from cache")
		if p.metrics != nil {
			p.metrics.CacheHits.Inc()
		}
		if err := prepare(); err != nil {
			p.setState(StateErrored)
			return err
		}
		if _, err := wire.Write(body); err != nil {
			p.setState(StateErrored)
			return err
		}
		p.setState(StateFinalized)
		return nil
	}

	if p.metrics != nil {
		p.metrics.CacheMisses.Inc()
	}

	// executed is set only inside the closure singleflight actually
	// runs for this key; when another concurrent, identical request is
	// the one that runs it, this caller gets back the finished body
	// instead and must deliver it itself in one write (spec.md §4.2).
	executed := false
	result, err, _ := p.cache.GetOrFederate(ctx, key, func() (any, error) {
		executed = true
		return p.federate(ctx, key, wire, prepare, logger)
	})
	if err != nil {
		p.setState(StateErrored)
		return err
	}

	if !executed {
		body, _ := result.([]byte)
		if err := prepare(); err != nil {
			p.setState(StateErrored)
			return err
		}
		if _, err := wire.Write(body); err != nil {
			p.setState(StateErrored)
			return err
		}
	}

	p.setState(StateFinalized)
	return nil
}

// federate runs the full Routed→Dispatching→Streaming pipeline and
// returns the complete response body for caching, regardless of
// whether the codec streamed straight to wire or was buffered for a
// document-level merge.
func (p *Processor) federate(ctx context.Context, key string, wire io.Writer, prepare drain.PrepareFunc,
	logger *logrus.Entry) (any, error) {

	p.setState(StateRouted)

	limits := routing.Limits{
		MaxStreamEpochDuration:      p.cfg.MaxStreamEpochDuration(),
		MaxTotalStreamEpochDuration: p.cfg.MaxTotalStreamEpochDuration(),
	}
	routes, err := p.resolver.Resolve(ctx, p.req.Method, p.req.Epochs, p.req.QueryParams,
		p.req.Submitted, p.req.NoData, limits)
	if err != nil {
		return nil, err
	}

	if p.req.TypeTag == "availability" {
		if err := endpoint.CheckNoDistributedEpochs(routes); err != nil {
			return nil, ferr.NewNoData(p.req.NoData, "availability: %s", err)
		}
		sortAvailabilityRoutesByNetwork(routes)
	}

	p.setState(StateDispatching)

	wp := pool.New(ctx, p.cfg.PoolSize)
	spool := cache.NewSpoolBuffer(p.cfg.TempDir, p.cfg.BufferRolloverSize)
	defer func() { _ = spool.Rollback() }()

	if p.metrics != nil {
		p.metrics.PoolOccupancy.Add(float64(len(routes)))
		defer p.metrics.PoolOccupancy.Sub(float64(len(routes)))
	}

	d := drain.New(wire, spool, prepare, len(routes), p.cfg.PoolSize, p.cfg.StreamingTimeout)
	d.Watch(ctx)
	if p.metrics != nil {
		d.OnBackpressure(func() { p.metrics.DrainBackpressure.WithLabelValues(p.req.TypeTag).Inc() })
	}

	p.setState(StateStreaming)

	decoded := make([][]any, len(routes))
	worker := endpoint.New(p.client, p.limiter, p.retryBudget, p.req.Codec,
		p.cfg.SplittingFactor, p.cfg.FallbackMSEEDRecordSize, p.logger, p.metrics)

	for i, route := range routes {
		i, route := i, route
		_ = wp.Submit(func(ctx context.Context) error {
			return worker.Run(ctx, route, i, p.req.Method, p.req.QueryParams, d,
				func(priority int, chunks []any) { decoded[priority] = chunks })
		})
	}

	poolErr := wp.Join()
	drainErr := d.Join()

	p.finalizeRoutes(ctx, routes, wp)

	if drainErr != nil {
		return nil, drainErr
	}
	if poolErr != nil {
		return nil, poolErr
	}

	if !p.req.Codec.Streamable() {
		var all []any
		for _, chunks := range decoded {
			all = append(all, chunks...)
		}
		merged, err := p.req.Codec.Encode(all)
		if err != nil {
			return nil, fmt.Errorf("processor: merging %d routes: %w", len(routes), err)
		}
		if _, err := wire.Write(merged); err != nil {
			return nil, fmt.Errorf("processor: writing merged response: %w", err)
		}
		if _, err := spool.Write(merged); err != nil {
			return nil, fmt.Errorf("processor: spooling merged response: %w", err)
		}
	}

	body, err := spool.Commit()
	if err != nil {
		return nil, fmt.Errorf("processor: committing spool: %w", err)
	}

	if err := p.cache.Set(ctx, key, body); err != nil {
		logger.WithError(err).Warn("processor: failed to populate cache")
	}

	return body, nil
}

// sortAvailabilityRoutesByNetwork orders routes by network code rather
// than endpoint URL (spec.md §4.7: availability groups by network,
// every other format groups by endpoint URL), stably so routes already
// sharing a network keep RouteResolver's URL-sorted relative order.
func sortAvailabilityRoutesByNetwork(routes []sncl.Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].Epoch().Network < routes[j].Epoch().Network
	})
}

// finalizeRoutes runs the teardown spec.md §4 requires in order: drop
// the retry-budget window's stale samples for every endpoint this
// request touched, then cancel the pool's context. federate calls it
// only after Join has returned, so no job is still running at that
// point and the cancel only releases the context.
func (p *Processor) finalizeRoutes(ctx context.Context, routes []sncl.Route, wp *pool.Pool) {
	if p.retryBudget != nil {
		seen := make(map[string]bool)
		for _, r := range routes {
			if seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			p.retryBudget.GC(ctx, r.URL)
		}
	}
	wp.Cancel()
}
