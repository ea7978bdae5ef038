// Command eida-federator runs the FDSN/EIDAWS federating gateway of
// spec.md: it answers dataselect, station, availability and wfcatalog
// queries by fanning requests out to the routed data centers and
// reassembling one ordered response per request.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/kaestli/eida-federator/internal/cache"
	"github.com/kaestli/eida-federator/internal/config"
	"github.com/kaestli/eida-federator/internal/httpapi"
	"github.com/kaestli/eida-federator/internal/logging"
	"github.com/kaestli/eida-federator/internal/metrics"
	"github.com/kaestli/eida-federator/internal/retrybudget"
	"github.com/kaestli/eida-federator/internal/routing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the federator's YAML configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogJSON)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	retryBackend, err := newRetryBudgetBackend(cfg.RetryBudget)
	if err != nil {
		return fmt.Errorf("constructing retry budget backend: %w", err)
	}
	rb := retrybudget.New(retryBackend, cfg.RetryBudget.Retention, cfg.RetryBudget.MinSamples, logger)

	cacheBackend, err := newCacheBackend(cfg.Cache)
	if err != nil {
		return fmt.Errorf("constructing cache backend: %w", err)
	}
	c := cache.New(cacheBackend, int(cfg.Cache.TTL.Seconds()), cfg.Cache.Compress, cfg.Cache.CompressMinBytes)

	routingClient := &http.Client{Transport: &http.Transport{
		MaxConnsPerHost: cfg.RoutingConnectionLimit, MaxIdleConnsPerHost: cfg.RoutingConnectionLimit}}
	endpointClient := &http.Client{Transport: &http.Transport{
		MaxConnsPerHost: cfg.EndpointConnectionLimit, MaxIdleConnsPerHost: cfg.EndpointConnectionLimit}}

	resolver := routing.New(routingClient, cfg.URLRouting, rb, cfg.ClientRetryBudgetThreshold, cfg.ProxyNetloc, logger).WithMetrics(m)

	var limiter *rate.Limiter
	if cfg.EndpointConnectionLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.EndpointConnectionLimit), cfg.EndpointConnectionLimit)
	}

	server := httpapi.New(cfg, resolver, c, rb, endpointClient, limiter, logger, m)

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: server.Routes()}
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("eida-federator: listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		logger.WithField("addr", cfg.MetricsAddr).Info("eida-federator: metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("eida-federator: shutdown signal received")
	case err := <-errCh:
		logger.WithError(err).Error("eida-federator: server error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = httpSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info("eida-federator: stopped")
	return nil
}

func newCacheBackend(cfg config.CacheConfig) (cache.Backend, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		return cache.NewRedisBackend(cfg.RedisAddr), nil
	case config.BackendMemory, "":
		return cache.NewMemoryBackend(context.Background(), time.Minute), nil
	default:
		return nil, fmt.Errorf("unrecognized cache backend %q", cfg.Backend)
	}
}

func newRetryBudgetBackend(cfg config.RetryBudgetConfig) (retrybudget.Backend, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		return retrybudget.NewRedisBackend(cfg.RedisAddr), nil
	case config.BackendMemory, "":
		return retrybudget.NewMemoryBackend(cfg.WindowLength), nil
	default:
		return nil, fmt.Errorf("unrecognized retry budget backend %q", cfg.Backend)
	}
}
