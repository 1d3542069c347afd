// Package store defines the abstract durable-collection interface the rest
// of this module is built on. The concrete storage engine (a real MongoDB
// deployment or equivalent) is explicitly out of scope for this module; we
// only depend on the shape of its capped/tailable oplog and ordered
// collections.
package store

import (
	"context"
	"errors"
)

// NS names a namespace as "db.collection", mirroring the oplog entry
// namespace convention in spec.md §6.
type NS struct {
	DB         string
	Collection string
}

func (n NS) String() string {
	return n.DB + "." + n.Collection
}

// Doc is a loosely typed document, the same shape mgo/bson.M uses.
type Doc = map[string]interface{}

// Op is the tagged oplog operation code from spec.md §6.
type Op byte

const (
	OpInsert Op = 'i'
	OpUpdate Op = 'u'
	OpDelete Op = 'd'
	OpCreate Op = 'c'
)

// Entry is one oplog record: {ts, op, ns, o, [o2]}.
type Entry struct {
	TS  int64 // monotonic 64-bit offset
	Op  Op
	NS  string
	O   Doc // document, or $set/$unset modifier on update
	O2  Doc // key selector for updates/deletes
}

// IsModifier reports whether O carries a $set/$unset style modifier rather
// than a full replacement document.
func (e Entry) IsModifier() bool {
	if e.Op != OpUpdate {
		return false
	}
	_, hasSet := e.O["$set"]
	_, hasUnset := e.O["$unset"]
	return hasSet || hasUnset
}

// CappedHandle identifies an open capped collection.
type CappedHandle struct {
	NS NS
}

// Cursor yields oplog entries in commit order. It never returns EOF while
// valid (see spec.md §4.1): a tailable cursor blocks until the next entry or
// ctx is cancelled.
type Cursor interface {
	Next(ctx context.Context) (Entry, bool, error)
	Close() error
}

// RowCursor yields documents from an ordered collection read.
type RowCursor interface {
	Next(ctx context.Context) (Doc, bool, error)
	Close() error
}

// ErrNamespaceNotFound is returned by Drop/Clear-style operations on a
// namespace that does not exist; callers are expected to ignore it
// idempotently per spec.md §7.
var ErrNamespaceNotFound = errors.New("store: namespace not found")

// ErrNotAcknowledged indicates a write's acknowledgement could not be
// confirmed by the underlying engine.
var ErrNotAcknowledged = errors.New("store: write not acknowledged")

// Store is the abstract durable-collection + capped-oplog interface every
// other component in this module is built against.
type Store interface {
	// OpenCapped is idempotent: an existing capped collection of the same
	// name is reused regardless of the requested size.
	OpenCapped(ctx context.Context, ns NS, sizeBytes int64) (CappedHandle, error)

	// Append commits an entry to a capped collection. Used by test doubles
	// and by components that originate their own oplog-shaped records.
	Append(ctx context.Context, h CappedHandle, e Entry) error

	// Tail returns a cursor over h starting at fromOffset. When
	// includeOffset is false (the default per spec.md §4.7) the entry whose
	// offset equals fromOffset is skipped.
	Tail(ctx context.Context, h CappedHandle, fromOffset int64, includeOffset bool) (Cursor, error)

	// Find performs an ordered read of ns filtered by key ("" sort means
	// insertion/natural order).
	Find(ctx context.Context, ns NS, key Doc, sort string) (RowCursor, error)

	// Put inserts doc into ns. It returns once the write is done; the
	// returned error is the only acknowledgement (there is no callback).
	Put(ctx context.Context, ns NS, doc Doc) error

	// Upsert inserts-or-replaces the document matching key in ns.
	Upsert(ctx context.Context, ns NS, key Doc, doc Doc) error

	// Delete removes the document matching key from ns. A missing
	// namespace is not an error (ErrNamespaceNotFound is swallowed).
	Delete(ctx context.Context, ns NS, key Doc) error

	// EnsureIndex creates an index on ns over keys, idempotently.
	EnsureIndex(ctx context.Context, ns NS, keys []string, unique bool) error
}
