// Package drain implements the ordered, back-pressured streaming
// assembler of spec.md §4.6 ("SortedResponse"): workers push
// (priority, bytes) fragments in arbitrary order, Drain writes them to
// the wire and to a cache accumulator strictly in increasing priority.
//
// The Python original this package is ported from schedules its
// workers cooperatively on a single thread (a coroutine heap guarded
// implicitly by never yielding inside a critical section); this port
// follows spec.md §9's advice
// for thread-based implementations: the same container/heap min-heap,
// now guarded by a sync.Mutex/sync.Cond pair.
package drain

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kaestli/eida-federator/internal/ferr"
)

type fragment struct {
	priority int
	bytes    []byte
}

type fragmentHeap []fragment

func (h fragmentHeap) Len() int            { return len(h) }
func (h fragmentHeap) Less(i, j int) bool  { return h[i].priority < h[j].priority }
func (h fragmentHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *fragmentHeap) Push(x any)         { *h = append(*h, x.(fragment)) }
func (h *fragmentHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PrepareFunc is called exactly once, when the first fragment is about
// to be written, so the caller can set the response status and
// headers before any bytes hit the wire (spec.md §4.6).
type PrepareFunc func() error

// Drain assembles fragments from many concurrent producers into one
// strictly priority-ordered stream.
type Drain struct {
	mu   sync.Mutex
	cond *sync.Cond

	h         fragmentHeap
	next      int
	total     int
	seen      int
	softBound int

	wire     io.Writer
	cacheBuf io.Writer
	prepare  PrepareFunc
	prepared bool

	streamingTimeout time.Duration
	timer            *time.Timer
	timedOut         bool

	done    chan struct{}
	doneErr error
	closed  bool

	onBackpressure func()
}

// OnBackpressure registers fn to be called every time Push blocks a
// caller on the soft backpressure bound. It is optional and exists so
// callers can feed a metrics counter without Drain importing a
// metrics package itself.
func (d *Drain) OnBackpressure(fn func()) {
	d.mu.Lock()
	d.onBackpressure = fn
	d.mu.Unlock()
}

// New constructs a Drain expecting total fragments (priorities
// 0..total-1), writing to wire (the HTTP response body) and cacheBuf
// (the cache accumulator) once prepare has run.
func New(wire, cacheBuf io.Writer, prepare PrepareFunc, total, softBound int, streamingTimeout time.Duration) *Drain {
	d := &Drain{
		total:            total,
		softBound:        softBound,
		wire:             wire,
		cacheBuf:         cacheBuf,
		prepare:          prepare,
		streamingTimeout: streamingTimeout,
		done:             make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)

	if total > 0 {
		d.armTimer()
		go d.run()
	} else {
		close(d.done)
	}

	return d
}

// armTimer must be called with d.mu held.
func (d *Drain) armTimer() {
	if d.streamingTimeout <= 0 {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.streamingTimeout, func() {
		d.mu.Lock()
		if !d.closed {
			d.timedOut = true
			d.cond.Broadcast()
		}
		d.mu.Unlock()
	})
}

// Watch ties Drain's lifetime to ctx: cancellation wakes any blocked
// Drain() caller and the writer loop, which then exits without error
// (spec.md §5: cancellation is not an error).
func (d *Drain) Watch(ctx context.Context) {
	go func() {
		<-ctx.Done()
		d.mu.Lock()
		if !d.closed {
			d.closed = true
			d.cond.Broadcast()
		}
		d.mu.Unlock()
	}()
}

// Push delivers one fragment. It blocks the caller while the in-flight
// buffer meets or exceeds the soft backpressure bound, except for the
// fragment whose priority the writer is waiting on next, which is
// always admitted so the buffer can drain.
func (d *Drain) Push(ctx context.Context, priority int, bytes []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for d.softBound > 0 && len(d.h) >= d.softBound && priority != d.next && !d.closed && ctx.Err() == nil {
		if d.onBackpressure != nil {
			d.onBackpressure()
		}
		d.cond.Wait()
	}

	if d.closed {
		return fmt.Errorf("drain: closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	heap.Push(&d.h, fragment{priority: priority, bytes: bytes})
	d.armTimer()
	d.cond.Broadcast()

	return nil
}

// run is the single writer loop: pop strictly in increasing priority,
// never skipping a gap.
func (d *Drain) run() {
	for {
		d.mu.Lock()

		for {
			if d.closed {
				d.mu.Unlock()
				d.finish(nil)
				return
			}
			if d.timedOut {
				err := d.timeoutError()
				d.mu.Unlock()
				d.finish(err)
				return
			}
			if len(d.h) > 0 && d.h[0].priority == d.next {
				break
			}
			d.cond.Wait()
		}

		frag := heap.Pop(&d.h).(fragment)
		d.next++
		d.seen++

		if !d.prepared {
			d.prepared = true
			if d.prepare != nil {
				_ = d.prepare()
			}
		}
		d.armTimer()
		d.cond.Broadcast()

		wire, cacheBuf := d.wire, d.cacheBuf
		seen, total := d.seen, d.total
		d.mu.Unlock()

		// Write-side connection errors are swallowed without aborting
		// cache population (spec.md §4.6).
		if wire != nil {
			_, _ = wire.Write(frag.bytes)
		}
		if cacheBuf != nil {
			_, _ = cacheBuf.Write(frag.bytes)
		}

		if seen >= total {
			d.finish(nil)
			return
		}
	}
}

// timeoutError must be called with d.mu held.
func (d *Drain) timeoutError() error {
	if !d.prepared {
		return ferr.NewRequestTooLarge("streaming-timeout", "drain: streaming timeout before response prepared")
	}
	return nil
}

func (d *Drain) finish(err error) {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.closed = true
	d.doneErr = err
	d.mu.Unlock()

	close(d.done)
}

// Join waits until every expected priority has passed through, a
// cancellation closed the drain, or the streaming timeout fired. It
// returns a non-nil error only when the timeout fired before any
// fragment was ever prepared (spec.md §4.6's 413 convention);
// otherwise it returns nil, including when cancellation cut the
// stream short (cancellation is not an error, spec.md §5).
func (d *Drain) Join() error {
	<-d.done
	return d.doneErr
}

// Prepared reports whether the response has been prepared (first byte
// committed).
func (d *Drain) Prepared() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prepared
}
