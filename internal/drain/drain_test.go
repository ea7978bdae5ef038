package drain

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrainOrdersFragmentsByPriorityRegardlessOfArrivalOrder(t *testing.T) {
	var wire, cacheBuf bytes.Buffer
	prepared := false

	d := New(&wire, &cacheBuf, func() error { prepared = true; return nil }, 5, 0, time.Second)

	order := []int{3, 1, 4, 0, 2}
	rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	var wg sync.WaitGroup
	for _, p := range order {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			time.Sleep(time.Duration(rand.Intn(10)) * time.Millisecond)
			_ = d.Push(context.Background(), p, []byte{byte('0' + p)})
		}(p)
	}
	wg.Wait()

	require.NoError(t, d.Join())
	assert.True(t, prepared)
	assert.Equal(t, "01234", wire.String())
	assert.Equal(t, "01234", cacheBuf.String())
}

func TestDrainBackpressureBlocksProducer(t *testing.T) {
	var wire bytes.Buffer
	d := New(&wire, &wire, func() error { return nil }, 4, 2, time.Second)

	pushed := make(chan struct{}, 3)
	for p, b := range map[int]byte{3: 'd', 2: 'c', 1: 'b'} {
		p, b := p, b
		go func() {
			_ = d.Push(context.Background(), p, []byte{b})
			pushed <- struct{}{}
		}()
	}

	time.Sleep(30 * time.Millisecond)
	// none of 3/2/1 can drain (all waiting on priority 0); with a soft
	// bound of 2 at most two of the three concurrent pushes can be
	// admitted, the third stays blocked until priority 0 arrives and
	// the writer starts draining.
	assert.Len(t, pushed, 2)

	require.NoError(t, d.Push(context.Background(), 0, []byte("a")))
	require.NoError(t, d.Join())
	assert.Equal(t, "abcd", wire.String())
}

func TestDrainTimeoutBeforePreparedFails(t *testing.T) {
	var wire bytes.Buffer
	d := New(&wire, &wire, func() error { return nil }, 2, 0, 20*time.Millisecond)

	err := d.Join()
	require.Error(t, err)
	assert.False(t, d.Prepared())
}

func TestDrainTimeoutAfterPreparedSucceeds(t *testing.T) {
	var wire bytes.Buffer
	d := New(&wire, &wire, func() error { return nil }, 2, 0, 30*time.Millisecond)

	require.NoError(t, d.Push(context.Background(), 0, []byte("a")))
	err := d.Join()
	require.NoError(t, err)
	assert.True(t, d.Prepared())
	assert.Equal(t, "a", wire.String())
}

func TestDrainWatchCancellationEndsWithoutError(t *testing.T) {
	var wire bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())

	d := New(&wire, &wire, func() error { return nil }, 5, 0, time.Second)
	d.Watch(ctx)

	require.NoError(t, d.Push(context.Background(), 0, []byte("a")))
	cancel()

	err := d.Join()
	require.NoError(t, err)
}
