// Package resolver implements the oplog resolver (C8, spec.md §4.8): given
// an oplog collection and a versioned collection, walk the oplog backwards
// from the last snapshot modification until the entry that corresponds to
// the current snapshot head is found, so tailing can resume exactly there
// without a persisted per-revision cursor.
//
// No teacher file implements a hand-rolled FSM; the explicit-state-enum,
// single-switch style mirrors the teacher's own closest analogue, the
// fetchStatus state handling in OplogReader (collector/syncer.go /
// LoadByDoc), generalized from its ad hoc int constants to a named State
// type.
package resolver

import (
	"context"
	"errors"
	"reflect"

	"github.com/Netsend/PerspectiveDB-sub000/internal/oplog"
	"github.com/Netsend/PerspectiveDB-sub000/internal/store"
)

// State is one node of the resolver FSM (spec.md §4.8, names taken
// verbatim).
type State int

const (
	S State = iota
	Einsert
	Eupdate
	Eupdate2
	Edelete
	ack
	ci
	cu
	cuf
	si
	cd
)

// Terminal reports whether s is one of the E* states the walk stops on.
func (s State) Terminal() bool {
	switch s {
	case Einsert, Eupdate, Eupdate2, Edelete:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	switch s {
	case S:
		return "S"
	case Einsert:
		return "Einsert"
	case Eupdate:
		return "Eupdate"
	case Eupdate2:
		return "Eupdate2"
	case Edelete:
		return "Edelete"
	case ack:
		return "ack"
	case ci:
		return "ci"
	case cu:
		return "cu"
	case cuf:
		return "cuf"
	case si:
		return "si"
	case cd:
		return "cd"
	default:
		return "?"
	}
}

// SeedKind is the classification of the last snapshot modification that
// seeds the walk.
type SeedKind int

const (
	SeedAck SeedKind = iota
	SeedInsert
)

// Seed describes the last snapshot modification the walk starts from.
type Seed struct {
	Kind SeedKind
	// SnapshotBody is the revision body currently recorded in the snapshot,
	// needed to verify an update-by-modifier tie-break.
	SnapshotBody store.Doc
	// ParentBody is the body of the revision's sole parent, needed to
	// replay a modifier for the same tie-break. Only required when a
	// collection update-by-modifier entry may be encountered.
	ParentBody store.Doc
}

// Source yields oplog entries strictly older than the last one already
// consumed, newest-first. It is the reverse-order counterpart of
// oplog.Reader's forward Next.
type Source interface {
	Prev(ctx context.Context) (oplog.Tagged, bool, error)
}

// ApplyModifier replays a $set/$unset-style modifier document against a
// parent body, the way dag revisions are materialized from an update
// modifier oplog entry.
type ApplyModifier func(parent, modifier store.Doc) store.Doc

// ErrNoMatch is returned when the oplog source is exhausted before any
// state reaches a terminal or the snapshot-collection create is found.
var ErrNoMatch = errors.New("resolver: walked off the end of the oplog without a match")

// Result is the single, one-shot outcome of Resolve.
type Result struct {
	State State
	Entry oplog.Tagged
}

// Resolve walks src backwards from seed until a terminal state is reached,
// the snapshot collection's own create is found, or src is exhausted
// (ErrNoMatch). It is invoked once and returns exactly one Result.
func Resolve(ctx context.Context, src Source, snapshotNS, collNS string, seed Seed, applyModifier ApplyModifier) (Result, error) {
	state := S
	switch seed.Kind {
	case SeedInsert:
		state = si
	case SeedAck:
		state = ack
	}

	for {
		e, ok, err := src.Prev(ctx)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{}, ErrNoMatch
		}

		// A create of the snapshot collection itself halts the walk
		// unconditionally: the snapshot is fresh and this create is the
		// matching entry (spec.md §4.8).
		if e.NS == snapshotNS && e.Op == oplog.Create {
			return Result{State: cd, Entry: e}, nil
		}

		if e.NS != collNS {
			continue
		}

		switch {
		case state == si && e.Op == oplog.Insert:
			state = ci
			return Result{State: Einsert, Entry: e}, nil

		case state == ack && e.Op == oplog.Delete:
			state = cd
			return Result{State: Edelete, Entry: e}, nil

		case state == ack && e.Op == oplog.UpdateFull:
			state = cu
			return Result{State: Eupdate, Entry: e}, nil

		case state == ack && e.Op == oplog.UpdateModifier:
			state = cuf
			if applyModifier == nil {
				continue
			}
			replayed := applyModifier(seed.ParentBody, e.Doc)
			if reflect.DeepEqual(replayed, seed.SnapshotBody) {
				return Result{State: Eupdate2, Entry: e}, nil
			}
			// tie-breaker failed: this entry was not the one that produced
			// the current snapshot body, so go back to ack and keep walking.
			state = ack
		}
	}
}
