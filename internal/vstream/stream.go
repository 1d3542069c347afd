// Package vstream implements the virtual stream (C2, spec.md §4.2): a lazy
// merge of a persisted store.RowCursor with a pre-sorted in-memory sequence
// of "virtual" items, used to evaluate queries against prospective state
// before it is durably committed. The contract is rendered as a pull-based
// iterator (Next(ctx) (item, ok, error)) rather than a push/callback stream
// — the idiomatic Go shape for the callback-stream pattern the design notes
// describe — with pause/resume implemented as a gate the iterator blocks on
// between items, in the same staged-pipeline style as the teacher's
// pendingQueue/logsQueue channel handoff in collector/syncer.go.
package vstream

import (
	"context"
	"errors"
	"sync"

	"github.com/Netsend/PerspectiveDB-sub000/internal/store"
)

// Mode selects whether the virtual sequence represents items conceptually
// appended after, or prepended before, the persisted range.
type Mode int

const (
	Append Mode = iota
	Prepend
)

// Direction selects overall emission order.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// FilterFunc drops items for which it returns false.
type FilterFunc func(store.Doc) bool

// ErrAlreadyDrained is returned by a second call to Stream.
var ErrAlreadyDrained = errors.New("vstream: already drained")

// ErrDestroyed is returned by Stream/Next once Destroy has been called.
var ErrDestroyed = errors.New("vstream: destroyed")

// Stream merges persisted and virtual per spec.md §4.2:
//
//   - desc+append and desc+prepend both emit V after P
//   - asc+append and asc+prepend both emit V before P
//
// (the spec gives desc+append -> after and asc+prepend -> before as the base
// cases and calls the remaining two "symmetric, inverted"; working through
// the inversion for both remaining combinations lands on exactly this
// direction-only rule — mode is retained as a named axis because a future
// combination may need it, but today ordering depends only on direction).
type Stream struct {
	persisted store.RowCursor
	virtual   []store.Doc
	mode      Mode
	direction Direction
	filter    FilterFunc

	mu        sync.Mutex
	started   bool
	destroyed bool
	paused    bool
	resumeCh  chan struct{}

	vIdx  int
	pDone bool
	emitV bool // whether we are currently draining virtual before persisted
}

// New constructs a Stream. virtual must already be ordered consistently with
// direction; no interleaving by value is performed.
func New(persisted store.RowCursor, virtual []store.Doc, mode Mode, direction Direction, filter FilterFunc) *Stream {
	return &Stream{
		persisted: persisted,
		virtual:   virtual,
		mode:      mode,
		direction: direction,
		filter:    filter,
	}
}

func (s *Stream) virtualFirst() bool {
	switch s.direction {
	case Desc:
		return false
	default: // Asc
		return true
	}
}

// Stream begins consumption; a second call returns ErrAlreadyDrained.
// Calling Stream after Destroy fails immediately with ErrDestroyed.
func (s *Stream) Stream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrDestroyed
	}
	if s.started {
		return ErrAlreadyDrained
	}
	s.started = true
	if s.virtualFirst() {
		s.emitV = true
	}
	return nil
}

// Pause suspends emission; the in-flight Next call (if any) still completes
// its current item before the next Next blocks.
func (s *Stream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || s.destroyed {
		return
	}
	s.paused = true
	s.resumeCh = make(chan struct{})
}

// Resume releases any Next call blocked by Pause.
func (s *Stream) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	close(s.resumeCh)
	s.resumeCh = nil
}

// Destroy closes the underlying persisted cursor and marks the stream
// terminal. It is safe to call more than once (only the first closes
// the cursor and emits end-of-stream); calling it while paused releases
// any blocked Next immediately.
func (s *Stream) Destroy() error {
	s.mu.Lock()
	already := s.destroyed
	s.destroyed = true
	if s.paused {
		s.paused = false
		close(s.resumeCh)
		s.resumeCh = nil
	}
	s.mu.Unlock()
	if already {
		return nil
	}
	return s.persisted.Close()
}

// waitIfPaused blocks until Resume or Destroy, or ctx is cancelled.
func (s *Stream) waitIfPaused(ctx context.Context) error {
	for {
		s.mu.Lock()
		if !s.paused || s.destroyed {
			s.mu.Unlock()
			return nil
		}
		ch := s.resumeCh
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Next returns the next merged item. ok is false once both sides are
// exhausted or the stream has been destroyed.
func (s *Stream) Next(ctx context.Context) (store.Doc, bool, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, false, ErrDestroyed
	}
	if !s.started {
		s.mu.Unlock()
		return nil, false, errors.New("vstream: Stream() not called")
	}
	s.mu.Unlock()

	for {
		if err := s.waitIfPaused(ctx); err != nil {
			return nil, false, err
		}
		s.mu.Lock()
		if s.destroyed {
			s.mu.Unlock()
			return nil, false, ErrDestroyed
		}
		emitV := s.emitV
		s.mu.Unlock()

		var doc store.Doc
		var ok bool
		var err error

		if emitV {
			s.mu.Lock()
			if s.vIdx < len(s.virtual) {
				doc = s.virtual[s.vIdx]
				s.vIdx++
				ok = true
			}
			s.mu.Unlock()
			if !ok {
				s.mu.Lock()
				s.emitV = false
				s.mu.Unlock()
				continue
			}
		} else {
			s.mu.Lock()
			pDone := s.pDone
			s.mu.Unlock()
			if pDone {
				// persisted exhausted: if virtual hasn't run yet (it is
				// queued for after persisted), switch to it now.
				s.mu.Lock()
				if s.vIdx < len(s.virtual) {
					s.emitV = true
					s.mu.Unlock()
					continue
				}
				s.mu.Unlock()
				return nil, false, nil
			}
			doc, ok, err = s.persisted.Next(ctx)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				s.mu.Lock()
				s.pDone = true
				if s.vIdx < len(s.virtual) {
					s.emitV = true
				}
				s.mu.Unlock()
				continue
			}
		}

		if s.filter != nil && !s.filter(doc) {
			continue
		}
		return doc, true, nil
	}
}
