package cache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaestli/eida-federator/internal/sncl"
)

func TestKeyStableAcrossQueryParamOrdering(t *testing.T) {
	epochs := []sncl.StreamEpoch{{Network: "CH", Station: "HASLI", Channel: "LHZ"}}

	k1 := Key("dataselect", map[string]string{"a": "1", "b": "2"}, epochs)
	k2 := Key("dataselect", map[string]string{"b": "2", "a": "1"}, epochs)

	assert.Equal(t, k1, k2)
}

func TestKeyDiffersByTypeTag(t *testing.T) {
	epochs := []sncl.StreamEpoch{{Network: "CH", Station: "HASLI", Channel: "LHZ"}}
	k1 := Key("dataselect", nil, epochs)
	k2 := Key("station", nil, epochs)
	assert.NotEqual(t, k1, k2)
}

func TestSetGetRoundTripIdentity(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(ctx, time.Hour)
	c := New(backend, 3600, false, 4096)

	require.NoError(t, c.Set(ctx, "k", []byte("hello world")))

	body, enc, found, err := c.Get(ctx, "k", true)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, EncodingIdentity, enc)
	assert.Equal(t, "hello world", string(body))
}

func TestSetGetRoundTripCompressed(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(ctx, time.Hour)
	c := New(backend, 3600, true, 1)

	payload := bytes.Repeat([]byte("x"), 10000)
	require.NoError(t, c.Set(ctx, "k", payload))

	rawBody, rawEnc, found, err := c.Get(ctx, "k", false)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, EncodingGzip, rawEnc)
	assert.Less(t, len(rawBody), len(payload))

	decompressed, enc, found, err := c.Get(ctx, "k", true)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, EncodingIdentity, enc)
	assert.Equal(t, payload, decompressed)
}

func TestGetMiss(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryBackend(ctx, time.Hour), 3600, false, 4096)

	_, _, found, err := c.Get(ctx, "missing", true)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetOrFederateCollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryBackend(ctx, time.Hour), 3600, false, 4096)

	var calls int32
	var wg sync.WaitGroup
	results := make([]any, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err, _ := c.GetOrFederate(ctx, "same-key", func() (any, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(10 * time.Millisecond)
				return "federated", nil
			})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, "federated", r)
	}
}

func TestGetOrFederatePropagatesError(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryBackend(ctx, time.Hour), 3600, false, 4096)

	wantErr := errors.New("upstream failed")
	_, err, _ := c.GetOrFederate(ctx, "k", func() (any, error) {
		return nil, wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestSpoolBufferInMemory(t *testing.T) {
	sb := NewSpoolBuffer(t.TempDir(), 1<<20)

	_, err := sb.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = sb.Write([]byte("world"))
	require.NoError(t, err)

	assert.False(t, sb.Spilled())

	body, err := sb.Commit()
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))

	require.NoError(t, sb.Rollback())
}

func TestSpoolBufferRollsOverToDisk(t *testing.T) {
	sb := NewSpoolBuffer(t.TempDir(), 8)

	_, err := sb.Write(bytes.Repeat([]byte("a"), 4))
	require.NoError(t, err)
	_, err = sb.Write(bytes.Repeat([]byte("b"), 10))
	require.NoError(t, err)

	assert.True(t, sb.Spilled())

	body, err := sb.Commit()
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("a"), 4), body[:4])
	assert.Equal(t, bytes.Repeat([]byte("b"), 10), body[4:])

	require.NoError(t, sb.Rollback())
	assert.False(t, sb.Spilled())
}
