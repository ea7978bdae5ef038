package retrybudget

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps a bounded ring of observations per URL guarded
// by a single mutex; this is the default backend, used unless the
// retry budget config's backend is set to "redis" (spec.md §9 Design
// Notes: "inject into the Processor
// rather than reach for ambient state").
type MemoryBackend struct {
	mu         sync.Mutex
	windowCap  int
	byURL      map[string][]Observation
}

// NewMemoryBackend constructs a MemoryBackend retaining at most
// windowCap observations per URL (oldest dropped first).
func NewMemoryBackend(windowCap int) *MemoryBackend {
	if windowCap <= 0 {
		windowCap = 1000
	}
	return &MemoryBackend{windowCap: windowCap, byURL: make(map[string][]Observation)}
}

func (m *MemoryBackend) Add(_ context.Context, url string, obs Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := append(m.byURL[url], obs)
	if over := len(window) - m.windowCap; over > 0 {
		window = window[over:]
	}
	m.byURL[url] = window

	return nil
}

func (m *MemoryBackend) Observations(_ context.Context, url string) ([]Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.byURL[url]
	out := make([]Observation, len(src))
	copy(out, src)

	return out, nil
}

func (m *MemoryBackend) GC(_ context.Context, url string, retention time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	window := m.byURL[url]

	kept := window[:0]
	for _, o := range window {
		if o.At.After(cutoff) {
			kept = append(kept, o)
		}
	}
	m.byURL[url] = kept

	return nil
}
