package processor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaestli/eida-federator/internal/cache"
	"github.com/kaestli/eida-federator/internal/config"
	"github.com/kaestli/eida-federator/internal/endpoint"
	"github.com/kaestli/eida-federator/internal/ferr"
	"github.com/kaestli/eida-federator/internal/routing"
	"github.com/kaestli/eida-federator/internal/sncl"
)

func newResolver(t *testing.T, cfg config.Config, client *http.Client) *routing.Resolver {
	t.Helper()
	return routing.New(client, cfg.URLRouting, nil, cfg.ClientRetryBudgetThreshold, cfg.ProxyNetloc, nil)
}

// byteCodec is a minimal streamable format.Codec test double, the
// processor-level equivalent of the endpoint package's echoCodec.
type byteCodec struct{}

func (byteCodec) Decode(body []byte) (any, error) {
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

func (byteCodec) Encode(parsed any) ([]byte, error) {
	chunks, ok := parsed.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected type %T", parsed)
	}
	var out []byte
	for _, c := range chunks {
		b, ok := c.([]byte)
		if !ok {
			return nil, fmt.Errorf("unexpected chunk type %T", c)
		}
		out = append(out, b...)
	}
	return out, nil
}

func (byteCodec) CanSplit() bool      { return false }
func (byteCodec) Streamable() bool    { return true }
func (byteCodec) ContentType() string { return "application/octet-stream" }

func testConfig(routingURL string) config.Config {
	cfg := config.Default()
	cfg.URLRouting = routingURL
	cfg.PoolSize = 4
	cfg.StreamingTimeout = time.Second
	return cfg
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	backend := cache.NewMemoryBackend(context.Background(), time.Minute)
	return cache.New(backend, 60, false, 4096)
}

func TestProcessorFederatesAndPopulatesCache(t *testing.T) {
	endpointSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("mseed-bytes"))
	}))
	defer endpointSrv.Close()

	routingBody := fmt.Sprintf("%s\nCH HASLI -- LHZ 2019-01-01T00:00:00Z 2019-01-02T00:00:00Z\n\n", endpointSrv.URL)
	routingSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(routingBody))
	}))
	defer routingSrv.Close()

	cfg := testConfig(routingSrv.URL)
	c := newTestCache(t)

	req := FederatedRequest{
		TypeTag: "dataselect",
		Codec:   byteCodec{},
		Method:  "GET",
		Epochs: []sncl.StreamEpoch{{
			Network: "CH", Station: "HASLI", Channel: "LHZ",
			StartTime: time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC),
		}},
		NoData: ferr.NoContent204,
	}

	p := New(cfg, newResolver(t, cfg, routingSrv.Client()), c, nil, routingSrv.Client(), nil, nil, nil, req)

	var wire bytes.Buffer
	prepared := false
	require.NoError(t, p.Run(context.Background(), &wire, func() error { prepared = true; return nil }))

	assert.True(t, prepared)
	assert.Equal(t, "mseed-bytes", wire.String())
	assert.Equal(t, StateFinalized, p.State())

	key := cache.Key(req.TypeTag, req.QueryParams, req.Epochs)
	cached, _, found, err := c.Get(context.Background(), key, true)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "mseed-bytes", string(cached))
}

func TestProcessorServesSecondRequestFromCache(t *testing.T) {
	var hits int
	endpointSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte("cached-body"))
	}))
	defer endpointSrv.Close()

	routingBody := fmt.Sprintf("%s\nCH HASLI -- LHZ 2019-01-01T00:00:00Z 2019-01-02T00:00:00Z\n\n", endpointSrv.URL)
	routingSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(routingBody))
	}))
	defer routingSrv.Close()

	cfg := testConfig(routingSrv.URL)
	c := newTestCache(t)

	newReq := func() FederatedRequest {
		return FederatedRequest{
			TypeTag: "dataselect",
			Codec:   byteCodec{},
			Method:  "GET",
			Epochs: []sncl.StreamEpoch{{
				Network: "CH", Station: "HASLI", Channel: "LHZ",
				StartTime: time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC),
			}},
			NoData: ferr.NoContent204,
		}
	}

	for i := 0; i < 2; i++ {
		p := New(cfg, newResolver(t, cfg, routingSrv.Client()), c, nil, routingSrv.Client(), nil, nil, nil, newReq())
		var wire bytes.Buffer
		require.NoError(t, p.Run(context.Background(), &wire, func() error { return nil }))
		assert.Equal(t, "cached-body", wire.String())
	}

	assert.Equal(t, 1, hits, "the second request should be served from cache without re-dispatching")
}

func TestProcessorPropagatesRoutingFailure(t *testing.T) {
	routingSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer routingSrv.Close()

	cfg := testConfig(routingSrv.URL)
	c := newTestCache(t)

	req := FederatedRequest{
		TypeTag: "dataselect",
		Codec:   byteCodec{},
		Method:  "GET",
		Epochs: []sncl.StreamEpoch{{
			Network: "CH", Station: "HASLI", Channel: "LHZ",
			StartTime: time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC),
		}},
		NoData: ferr.NoContent204,
	}

	p := New(cfg, newResolver(t, cfg, routingSrv.Client()), c, nil, routingSrv.Client(), nil, nil, nil, req)

	var wire bytes.Buffer
	err := p.Run(context.Background(), &wire, func() error { return nil })
	require.Error(t, err)
	assert.Equal(t, 500, ferr.Status(err))
	assert.Equal(t, StateErrored, p.State())
}

func TestProcessorRejectsDistributedAvailabilityEpochsAsNoData(t *testing.T) {
	endpointSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer endpointSrv.Close()

	// Same NSLC (CH.HASLI..LHZ) routed to two different endpoints.
	routingBody := fmt.Sprintf(
		"%s\nCH HASLI -- LHZ 2019-01-01T00:00:00Z 2019-01-02T00:00:00Z\n\n"+
			"%s/alt\nCH HASLI -- LHZ 2019-01-01T00:00:00Z 2019-01-02T00:00:00Z\n\n",
		endpointSrv.URL, endpointSrv.URL)
	routingSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(routingBody))
	}))
	defer routingSrv.Close()

	cfg := testConfig(routingSrv.URL)
	c := newTestCache(t)

	req := FederatedRequest{
		TypeTag: "availability",
		Codec:   endpoint.AvailabilityCodec{},
		Method:  "GET",
		Epochs: []sncl.StreamEpoch{{
			Network: "CH", Station: "HASLI", Channel: "LHZ",
			StartTime: time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC),
		}},
		NoData: ferr.NoContent404,
	}

	p := New(cfg, newResolver(t, cfg, routingSrv.Client()), c, nil, routingSrv.Client(), nil, nil, nil, req)

	var wire bytes.Buffer
	err := p.Run(context.Background(), &wire, func() error { return nil })
	require.Error(t, err)
	assert.Equal(t, 404, ferr.Status(err), "a distributed stream epoch must fail with the request's own nodata code, not 400")
	assert.Equal(t, StateErrored, p.State())
}

func TestSortAvailabilityRoutesByNetworkOrdersByNetworkCode(t *testing.T) {
	routes := []sncl.Route{
		{URL: "http://a.example/ge", StreamEpochs: []sncl.StreamEpoch{{Network: "GE", Station: "WLF"}}},
		{URL: "http://a.example/ch", StreamEpochs: []sncl.StreamEpoch{{Network: "CH", Station: "HASLI"}}},
		{URL: "http://a.example/ge2", StreamEpochs: []sncl.StreamEpoch{{Network: "GE", Station: "MORC"}}},
	}

	sortAvailabilityRoutesByNetwork(routes)

	networks := make([]string, len(routes))
	for i, r := range routes {
		networks[i] = r.Epoch().Network
	}
	assert.Equal(t, []string{"CH", "GE", "GE"}, networks)
	// Stable: the two GE routes keep their relative input order.
	assert.Equal(t, "WLF", routes[1].Epoch().Station)
	assert.Equal(t, "MORC", routes[2].Epoch().Station)
}
