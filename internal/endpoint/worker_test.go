package endpoint

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaestli/eida-federator/internal/drain"
	"github.com/kaestli/eida-federator/internal/retrybudget"
	"github.com/kaestli/eida-federator/internal/sncl"
)

// echoCodec is a minimal format.Codec test double: Decode returns the
// raw body untouched, Encode concatenates decoded chunks.
type echoCodec struct {
	canSplit bool
}

func (echoCodec) Decode(body []byte) (any, error) {
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

func (echoCodec) Encode(parsed any) ([]byte, error) {
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

func (e echoCodec) CanSplit() bool      { return e.canSplit }
func (echoCodec) Streamable() bool      { return true }
func (echoCodec) ContentType() string   { return "application/octet-stream" }

func testRoute(url string) sncl.Route {
	end := time.Date(2019, 1, 5, 0, 0, 0, 0, time.UTC)
	return sncl.Route{URL: url, StreamEpochs: []sncl.StreamEpoch{{
		Network: "CH", Station: "HASLI", Channel: "LHZ",
		StartTime: time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC), EndTime: &end,
	}}}
}

func TestWorkerRunPushesDecodedBodyAtPriority(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	var wire bytes.Buffer
	d := drain.New(&wire, &wire, nil, 1, 0, time.Second)

	w := New(srv.Client(), nil, nil, echoCodec{}, 2, 512, nil, nil)
	require.NoError(t, w.Run(context.Background(), testRoute(srv.URL), 0, "GET", nil, d, nil))
	require.NoError(t, d.Join())
	assert.Equal(t, "payload", wire.String())
}

func TestWorkerRunTreatsNoContentAsEmptyContribution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	defer srv.Close()

	var wire bytes.Buffer
	d := drain.New(&wire, &wire, nil, 1, 0, time.Second)

	w := New(srv.Client(), nil, nil, echoCodec{}, 2, 512, nil, nil)
	require.NoError(t, w.Run(context.Background(), testRoute(srv.URL), 0, "GET", nil, d, nil))
	require.NoError(t, d.Join())
	assert.Equal(t, "", wire.String())
}

func TestWorkerRunSplitsOn413UntilItSucceeds(t *testing.T) {
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		// Fail the very first call (the whole window), succeed on every
		// retry after it has been split.
		if n == 1 {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	var wire bytes.Buffer
	d := drain.New(&wire, &wire, nil, 1, 0, time.Second)

	w := New(srv.Client(), nil, nil, echoCodec{canSplit: true}, 2, 512, nil, nil)
	require.NoError(t, w.Run(context.Background(), testRoute(srv.URL), 0, "GET", nil, d, nil))
	require.NoError(t, d.Join())
	assert.Equal(t, "xx", wire.String())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWorkerRunFailsFastOn413WhenFormatCannotSplit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	var wire bytes.Buffer
	d := drain.New(&wire, &wire, nil, 1, 0, time.Second)

	rb := retrybudget.New(retrybudget.NewMemoryBackend(10), time.Hour, 1, nil)
	w := New(srv.Client(), nil, rb, echoCodec{canSplit: false}, 2, 512, nil, nil)
	err := w.Run(context.Background(), testRoute(srv.URL), 0, "GET", nil, d, nil)
	require.Error(t, err)
}

func TestWorkerRunSwallowsUpstream500AsEmptyContribution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	var wire bytes.Buffer
	d := drain.New(&wire, &wire, nil, 1, 0, time.Second)

	rb := retrybudget.New(retrybudget.NewMemoryBackend(10), time.Hour, 1, nil)
	w := New(srv.Client(), nil, rb, echoCodec{}, 2, 512, nil, nil)
	require.NoError(t, w.Run(context.Background(), testRoute(srv.URL), 0, "GET", nil, d, nil))
	require.NoError(t, d.Join())

	ratio, err := rb.ErrorRatio(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, float64(100), ratio)
}

func TestWorkerRunSwallowsTransportErrorAsEmptyContribution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := srv.URL
	srv.Close() // closed: client.Do now fails with a connection error, not a status code

	var wire bytes.Buffer
	d := drain.New(&wire, &wire, nil, 1, 0, time.Second)

	rb := retrybudget.New(retrybudget.NewMemoryBackend(10), time.Hour, 1, nil)
	w := New(http.DefaultClient, nil, rb, echoCodec{}, 2, 512, nil, nil)
	require.NoError(t, w.Run(context.Background(), testRoute(deadURL), 0, "GET", nil, d, nil))
	require.NoError(t, d.Join())

	ratio, err := rb.ErrorRatio(context.Background(), deadURL)
	require.NoError(t, err)
	assert.Equal(t, float64(100), ratio)
}
