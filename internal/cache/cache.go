// Package cache implements the key->bytes store of spec.md §4.2: a
// process-wide cache keyed by a stable hash of (processor type, query
// params, stream-epochs), with optional compressed storage and
// at-most-once population via singleflight.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"golang.org/x/sync/singleflight"

	"github.com/kaestli/eida-federator/internal/sncl"
)

// Encoding tags the storage representation of a CacheEntry's body.
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingGzip     Encoding = "gzip"
)

// Entry is a stored response body plus the encoding it was written
// with (spec.md §3 CacheEntry).
type Entry struct {
	Body     []byte
	Encoding Encoding
}

// Backend is the pluggable storage for Cache. Implementations are
// shared process-wide and must tolerate concurrent readers and
// writers. Cache does not serialize Set calls: two writes to the same
// key both reach the backend and the last one wins.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry, ttlSeconds int) error
}

// Cache is the federator's process-wide response cache.
type Cache struct {
	backend          Backend
	ttlSeconds       int
	compress         bool
	compressMinBytes int
	group            singleflight.Group
}

// New constructs a Cache over backend.
func New(backend Backend, ttlSeconds int, compress bool, compressMinBytes int) *Cache {
	return &Cache{backend: backend, ttlSeconds: ttlSeconds, compress: compress, compressMinBytes: compressMinBytes}
}

// Key computes the stable cache key for a request: a hash of the
// processor's type tag, its query params in canonical (sorted) order,
// and its stream-epochs in input order (spec.md §4.2).
func Key(typeTag string, queryParams map[string]string, epochs []sncl.StreamEpoch) string {
	h := sha256.New()
	fmt.Fprintf(h, "type=%s\n", typeTag)

	names := make([]string, 0, len(queryParams))
	for n := range queryParams {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		fmt.Fprintf(h, "qp:%s=%s\n", n, queryParams[n])
	}

	for _, se := range epochs {
		fmt.Fprintf(h, "se:%s\n", se.String())
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Get looks up key. When the stored body is gzip-encoded and
// preferDecompressed is true, it is transparently inflated; when false
// the caller gets the wire-ready compressed bytes (so the Processor
// can honor a client's Accept-Encoding: gzip without re-encoding).
func (c *Cache) Get(ctx context.Context, key string, preferDecompressed bool) ([]byte, Encoding, bool, error) {
	entry, found, err := c.backend.Get(ctx, key)
	if err != nil || !found {
		return nil, "", found, err
	}

	if entry.Encoding == EncodingGzip && preferDecompressed {
		body, err := gunzip(entry.Body)
		if err != nil {
			return nil, "", false, fmt.Errorf("cache: decompressing entry %q: %w", key, err)
		}
		return body, EncodingIdentity, true, nil
	}

	return entry.Body, entry.Encoding, true, nil
}

// Set stores body under key, compressing it first when compression is
// enabled and the body is at least compressMinBytes.
func (c *Cache) Set(ctx context.Context, key string, body []byte) error {
	entry := Entry{Body: body, Encoding: EncodingIdentity}

	if c.compress && len(body) >= c.compressMinBytes {
		compressed, err := gzipBytes(body)
		if err == nil {
			entry = Entry{Body: compressed, Encoding: EncodingGzip}
		}
	}

	return c.backend.Set(ctx, key, entry, c.ttlSeconds)
}

// GetOrFederate collapses concurrent misses on the same key into one
// call to fn: the first caller in wins and federates upstream, every
// concurrent caller for the same key waits on and receives that same
// result. This realizes spec.md §4.2's "concurrent miss... MAY cause
// duplicate upstream work" as a soft guarantee instead of an accepted
// cost, while preserving "last writer wins" for Set (singleflight only
// dedupes origination, not the eventual cache write, which the caller
// still performs itself on a genuine miss).
func (c *Cache) GetOrFederate(ctx context.Context, key string, fn func() (any, error)) (any, error, bool) {
	v, err, shared := c.group.Do(key, fn)
	return v, err, shared
}
