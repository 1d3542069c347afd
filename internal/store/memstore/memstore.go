// Package memstore is an in-memory store.Store used for tests and for the
// reference wiring in cmd/perspectived. It is a test double standing in for
// the durable storage engine (an external collaborator per spec.md §1),
// never a production adapter.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/Netsend/PerspectiveDB-sub000/internal/store"
)

type capped struct {
	mu      sync.Mutex
	entries []store.Entry
	// signal is closed and replaced whenever an entry is appended, waking
	// any blocked tailers.
	signal chan struct{}
}

func newCapped() *capped {
	return &capped{signal: make(chan struct{})}
}

func (c *capped) append(e store.Entry) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	old := c.signal
	c.signal = make(chan struct{})
	c.mu.Unlock()
	close(old)
}

// snapshot returns entries with TS > afterOffset (or >= if includeOffset for
// TS == afterOffset), plus the wake channel to block on if none are ready.
func (c *capped) snapshot(afterOffset int64, includeOffset bool) ([]store.Entry, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []store.Entry
	for _, e := range c.entries {
		if e.TS > afterOffset || (includeOffset && e.TS == afterOffset) {
			out = append(out, e)
		}
	}
	return out, c.signal
}

// Store is a minimal, goroutine-safe, in-memory implementation of
// store.Store: capped collections are append-only slices with a
// condition-variable-like wakeup for tailers, and ordinary collections are
// slices of documents in insertion order, matched by key with a linear scan.
type Store struct {
	mu       sync.Mutex
	cappedBy map[store.NS]*capped
	colls    map[store.NS]*collection
}

type collection struct {
	mu   sync.Mutex
	docs []store.Doc // insertion order preserved
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		cappedBy: make(map[store.NS]*capped),
		colls:    make(map[store.NS]*collection),
	}
}

func (s *Store) OpenCapped(_ context.Context, ns store.NS, _ int64) (store.CappedHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cappedBy[ns]; !ok {
		s.cappedBy[ns] = newCapped()
	}
	return store.CappedHandle{NS: ns}, nil
}

func (s *Store) Append(_ context.Context, h store.CappedHandle, e store.Entry) error {
	s.mu.Lock()
	c, ok := s.cappedBy[h.NS]
	if !ok {
		c = newCapped()
		s.cappedBy[h.NS] = c
	}
	s.mu.Unlock()
	c.append(e)
	return nil
}

type tailCursor struct {
	c             *capped
	last          int64
	includeOffset bool
	buf           []store.Entry
	closed        chan struct{}
	closeOnce     sync.Once
}

func (s *Store) Tail(_ context.Context, h store.CappedHandle, fromOffset int64, includeOffset bool) (store.Cursor, error) {
	s.mu.Lock()
	c, ok := s.cappedBy[h.NS]
	if !ok {
		c = newCapped()
		s.cappedBy[h.NS] = c
	}
	s.mu.Unlock()
	return &tailCursor{c: c, last: fromOffset, includeOffset: includeOffset, closed: make(chan struct{})}, nil
}

func (t *tailCursor) Next(ctx context.Context) (store.Entry, bool, error) {
	for {
		if len(t.buf) > 0 {
			e := t.buf[0]
			t.buf = t.buf[1:]
			t.last = e.TS
			return e, true, nil
		}
		pending, wake := t.c.snapshot(t.last, t.includeOffset)
		t.includeOffset = false
		if len(pending) > 0 {
			t.buf = pending
			continue
		}
		select {
		case <-wake:
			continue
		case <-t.closed:
			return store.Entry{}, false, nil
		case <-ctx.Done():
			return store.Entry{}, false, ctx.Err()
		}
	}
}

func (t *tailCursor) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (s *Store) collectionFor(ns store.NS) *collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.colls[ns]
	if !ok {
		c = &collection{}
		s.colls[ns] = c
	}
	return c
}

func matches(doc, key store.Doc) bool {
	for k, v := range key {
		if doc[k] != v {
			return false
		}
	}
	return true
}

func (s *Store) Put(_ context.Context, ns store.NS, doc store.Doc) error {
	c := s.collectionFor(ns)
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := store.Doc{}
	for k, v := range doc {
		cp[k] = v
	}
	c.docs = append(c.docs, cp)
	return nil
}

func (s *Store) Upsert(_ context.Context, ns store.NS, key store.Doc, doc store.Doc) error {
	c := s.collectionFor(ns)
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := store.Doc{}
	for k, v := range doc {
		cp[k] = v
	}
	for i, d := range c.docs {
		if matches(d, key) {
			c.docs[i] = cp
			return nil
		}
	}
	c.docs = append(c.docs, cp)
	return nil
}

func (s *Store) Delete(_ context.Context, ns store.NS, key store.Doc) error {
	c := s.collectionFor(ns)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.docs[:0]
	for _, d := range c.docs {
		if !matches(d, key) {
			out = append(out, d)
		}
	}
	c.docs = out
	return nil
}

func (s *Store) EnsureIndex(_ context.Context, ns store.NS, _ []string, _ bool) error {
	s.collectionFor(ns)
	return nil
}

type rowCursor struct {
	docs []store.Doc
	pos  int
}

func (r *rowCursor) Next(_ context.Context) (store.Doc, bool, error) {
	if r.pos >= len(r.docs) {
		return nil, false, nil
	}
	d := r.docs[r.pos]
	r.pos++
	return d, true, nil
}

func (r *rowCursor) Close() error { return nil }

// Find returns matching documents. sort == "" preserves insertion order;
// any other value sorts ascending by that string-valued field.
func (s *Store) Find(_ context.Context, ns store.NS, key store.Doc, sortKey string) (store.RowCursor, error) {
	c := s.collectionFor(ns)
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []store.Doc
	for _, d := range c.docs {
		if matches(d, key) {
			out = append(out, d)
		}
	}
	if sortKey != "" {
		sort.SliceStable(out, func(i, j int) bool {
			return asString(out[i][sortKey]) < asString(out[j][sortKey])
		})
	}
	return &rowCursor{docs: out}, nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
