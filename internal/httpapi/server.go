package httpapi

import (
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kaestli/eida-federator/internal/cache"
	"github.com/kaestli/eida-federator/internal/config"
	"github.com/kaestli/eida-federator/internal/endpoint"
	"github.com/kaestli/eida-federator/internal/ferr"
	"github.com/kaestli/eida-federator/internal/format"
	"github.com/kaestli/eida-federator/internal/format/miniseed"
	"github.com/kaestli/eida-federator/internal/format/stationtext"
	"github.com/kaestli/eida-federator/internal/format/stationxml"
	"github.com/kaestli/eida-federator/internal/format/wfcatalog"
	"github.com/kaestli/eida-federator/internal/metrics"
	"github.com/kaestli/eida-federator/internal/processor"
	"github.com/kaestli/eida-federator/internal/retrybudget"
	"github.com/kaestli/eida-federator/internal/routing"
)

// Server wires one Processor per request onto the FDSN/EIDAWS HTTP
// surface of spec.md §2.
type Server struct {
	cfg         config.Config
	resolver    *routing.Resolver
	cache       *cache.Cache
	retryBudget *retrybudget.RetryBudget
	client      *http.Client
	limiter     *rate.Limiter
	logger      *logrus.Logger
	metrics     *metrics.Metrics
}

// New constructs a Server. client is the shared outgoing connection
// pool used for every route fetch (spec.md §5); limiter may be nil.
func New(cfg config.Config, resolver *routing.Resolver, c *cache.Cache, rb *retrybudget.RetryBudget,
	client *http.Client, limiter *rate.Limiter, logger *logrus.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		cfg: cfg, resolver: resolver, cache: c, retryBudget: rb,
		client: client, limiter: limiter, logger: logger, metrics: m,
	}
}

// Routes builds the federator's HTTP surface. A plain http.ServeMux is
// enough here: the router carries no logic beyond method/path
// dispatch, so there is nothing for a third-party router library to
// add (see DESIGN.md).
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/fdsnws/dataselect/1/query", s.handleDataselect)
	mux.HandleFunc("/fdsnws/station/1/query", s.handleStation)
	mux.HandleFunc("/fdsnws/availability/1/query", s.handleAvailability)
	mux.HandleFunc("/fdsnws/availability/1/extent", s.handleAvailability)
	mux.HandleFunc("/eidaws/wfcatalog/1/query", s.handleWFCatalog)
	mux.HandleFunc("/healthz", s.handleHealthz)

	return mux
}

func (s *Server) handleDataselect(w http.ResponseWriter, r *http.Request) {
	codec := miniseed.Codec{FallbackRecordSize: s.cfg.FallbackMSEEDRecordSize}
	s.serve(w, r, "dataselect", codec)
}

func (s *Server) handleStation(w http.ResponseWriter, r *http.Request) {
	parsed, err := parseRequest(r)
	if err != nil {
		writeError(w, ferr.BadRequestWrap(err))
		return
	}

	var codec format.Codec
	if parsed.format == "text" {
		codec = stationtext.Codec{}
	} else {
		codec = stationxml.Codec{}
	}

	s.serveParsed(w, r, "station", codec, parsed)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "availability", endpoint.AvailabilityCodec{})
}

func (s *Server) handleWFCatalog(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "wfcatalog", wfcatalog.Codec{})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, typeTag string, codec format.Codec) {
	parsed, err := parseRequest(r)
	if err != nil {
		writeError(w, ferr.BadRequestWrap(err))
		return
	}
	s.serveParsed(w, r, typeTag, codec, parsed)
}

func (s *Server) serveParsed(w http.ResponseWriter, r *http.Request, typeTag string, codec format.Codec,
	parsed parsedRequest) {

	if len(parsed.epochs) == 0 {
		writeError(w, ferr.NewNoData(parsed.nodata, "request declares no stream epochs"))
		return
	}

	req := processor.FederatedRequest{
		TypeTag:     typeTag,
		Codec:       codec,
		Method:      parsed.method,
		QueryParams: parsed.params,
		Epochs:      parsed.epochs,
		NoData:      parsed.nodata,
	}

	p := processor.New(s.cfg, s.resolver, s.cache, s.retryBudget, s.client, s.limiter, s.logger, s.metrics, req)

	prepared := false
	prepare := func() error {
		prepared = true
		w.Header().Set("Content-Type", codec.ContentType())
		w.WriteHeader(http.StatusOK)
		return nil
	}

	logger := s.logger.WithField("request_id", p.ID()).WithField("type", typeTag)

	if err := p.Run(r.Context(), w, prepare); err != nil {
		if !prepared {
			writeError(w, err)
			return
		}
		logger.WithError(err).Error("httpapi: request failed after response had already started")
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.WriteHeader(ferr.Status(err))
	_, _ = w.Write([]byte(err.Error()))
}
