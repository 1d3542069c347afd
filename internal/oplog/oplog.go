// Package oplog implements the oplog reader (C7, spec.md §4.7): a tailable
// stream of store.Entry records filtered to one namespace, decoded into the
// tagged wire variant from spec.md §6, with a resumable offset and
// pause/resume backpressure. The poll-then-reopen-on-disconnect loop below
// is modeled directly on the teacher's OplogSyncer.poll/next/transfer
// ("forever fetching oplog ... poll(); yield on error", collector/syncer.go)
// and on the reconnect-past-a-lost-tailable-position pattern in
// other_examples' vlasky-oplogtoredis/lib/oplog/tail.go.
package oplog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Netsend/PerspectiveDB-sub000/internal/store"
	LOG "github.com/vinllen/log4go"
)

// Kind is the tagged oplog operation (spec.md §6, §9 Design Notes).
type Kind string

const (
	Insert         Kind = "insert"
	UpdateFull     Kind = "updateFull"
	UpdateModifier Kind = "updateModifier"
	Delete         Kind = "delete"
	Create         Kind = "create"
)

// Tagged is the decoded, namespace-filtered oplog entry the rest of this
// module consumes.
type Tagged struct {
	Offset   int64
	Op       Kind
	NS       string
	Doc      store.Doc
	Selector store.Doc
}

// Decode classifies a raw store.Entry into its tagged variant.
func Decode(e store.Entry) Tagged {
	t := Tagged{Offset: e.TS, NS: e.NS, Doc: e.O, Selector: e.O2}
	switch e.Op {
	case store.OpInsert:
		t.Op = Insert
	case store.OpDelete:
		t.Op = Delete
	case store.OpCreate:
		t.Op = Create
	case store.OpUpdate:
		if e.IsModifier() {
			t.Op = UpdateModifier
		} else {
			t.Op = UpdateFull
		}
	}
	return t
}

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("oplog: reader closed")

// reopenBackoff is the delay between reconnect attempts after the
// underlying tailable cursor errors out, matching the teacher's
// DurationTime yield-on-error pacing.
const reopenBackoff = 200 * time.Millisecond

// Reader tails a single capped collection, filtering to one namespace and
// decoding entries to their tagged variant.
type Reader struct {
	st  store.Store
	h   store.CappedHandle
	ns  string
	incl bool

	mu       sync.Mutex
	offset   int64
	paused   bool
	resumeCh chan struct{}
	closed   bool
	cur      store.Cursor
}

// Open begins tailing h from fromOffset, emitting only entries whose NS
// equals ns (empty ns disables filtering). includeOffset mirrors
// store.Store.Tail's semantics for the starting entry.
func Open(st store.Store, h store.CappedHandle, ns string, fromOffset int64, includeOffset bool) *Reader {
	return &Reader{st: st, h: h, ns: ns, offset: fromOffset, incl: includeOffset}
}

// Offset returns the last offset handed to a caller (or the starting offset
// if nothing has been read yet) — the resume point for a future Open.
func (r *Reader) Offset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

// Pause suspends emission; Next blocks until Resume or Close.
func (r *Reader) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused || r.closed {
		return
	}
	r.paused = true
	r.resumeCh = make(chan struct{})
}

// Resume releases a Pause.
func (r *Reader) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		return
	}
	r.paused = false
	close(r.resumeCh)
	r.resumeCh = nil
}

// Close tears down the underlying cursor, if open, and makes every future
// Next return ErrClosed.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.paused {
		close(r.resumeCh)
		r.resumeCh = nil
	}
	if r.cur != nil {
		return r.cur.Close()
	}
	return nil
}

func (r *Reader) waitIfPaused(ctx context.Context) error {
	for {
		r.mu.Lock()
		if !r.paused || r.closed {
			r.mu.Unlock()
			return nil
		}
		ch := r.resumeCh
		r.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ensureCursor (re)opens the tailable cursor at the current offset, per the
// teacher's "StartFetcher if not exist" step in poll().
func (r *Reader) ensureCursor(ctx context.Context) error {
	if r.cur != nil {
		return nil
	}
	cur, err := r.st.Tail(ctx, r.h, r.offset, r.incl)
	if err != nil {
		return err
	}
	r.cur = cur
	return nil
}

// Next blocks until the next matching entry, honoring pause and reconnecting
// transparently on a cursor error (logging and backing off, exactly like
// the teacher's poll loop treats a non-timeout fetch error).
func (r *Reader) Next(ctx context.Context) (Tagged, bool, error) {
	for {
		if err := r.waitIfPaused(ctx); err != nil {
			return Tagged{}, false, err
		}
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return Tagged{}, false, ErrClosed
		}
		r.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return Tagged{}, false, err
		}

		r.mu.Lock()
		if err := r.ensureCursor(ctx); err != nil {
			r.mu.Unlock()
			LOG.Warn("oplog reader: tail open failed, retrying: %v", err)
			select {
			case <-time.After(reopenBackoff):
			case <-ctx.Done():
				return Tagged{}, false, ctx.Err()
			}
			continue
		}
		cur := r.cur
		r.mu.Unlock()

		e, ok, err := cur.Next(ctx)
		if err != nil {
			r.mu.Lock()
			r.cur = nil
			r.mu.Unlock()
			LOG.Warn("oplog reader: tail cursor error, reopening: %v", err)
			select {
			case <-time.After(reopenBackoff):
			case <-ctx.Done():
				return Tagged{}, false, ctx.Err()
			}
			continue
		}
		if !ok {
			return Tagged{}, false, nil
		}

		r.mu.Lock()
		r.offset = e.TS
		r.mu.Unlock()

		if r.ns != "" && e.NS != r.ns {
			continue
		}
		return Decode(e), true, nil
	}
}
