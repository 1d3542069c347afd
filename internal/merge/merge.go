// Package merge implements the three-way merger (C5, spec.md §4.5): per-key
// base/left/right reconciliation, configurable conflict policy, the
// recursive virtual-base merge used for criss-cross LCA sets, and the
// deterministic hook chain used on import/export pipelines. The hook-chain
// composition mirrors the teacher's filter/transform chain construction
// (collector/syncer.go builds filterList as a slice appended to
// conditionally; docsyncer composes transform.NamespaceTransform the same
// way).
package merge

import (
	"errors"
	"reflect"
)

// Policy selects how a tombstone-vs-live-edit collision is resolved.
type Policy string

const (
	PolicyDeleteWins Policy = "delete-wins"
	PolicyEditWins   Policy = "edit-wins"
	PolicyConflict   Policy = "conflict"
)

// Doc is a document body, the same loose shape used throughout this module.
type Doc = map[string]interface{}

// Conflict reports the keys (or the sentinel TombstoneConflictKey) that
// could not be reconciled automatically.
type Conflict struct {
	Keys []string
}

// TombstoneConflictKey flags a tombstone-vs-edit collision under
// PolicyConflict.
const TombstoneConflictKey = "$tombstone"

func (c *Conflict) Error() string {
	return "merge: conflicting keys " + joinKeys(c.Keys)
}

func joinKeys(keys []string) string {
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += k
	}
	return out
}

// ErrUnknownPolicy is returned for an unrecognized Policy value.
var ErrUnknownPolicy = errors.New("merge: unknown conflict policy")

// Merge reconciles left and right against base, per spec.md §4.5:
//
//   - only one side changed a key -> take that side
//   - both sides changed to the same value -> take it
//   - both sides changed to different values -> conflict
//   - a deletion (key absent, present in base) propagates unless the other
//     side modified the value, which conflicts
//   - a tombstone on one side vs. live edits on the other is resolved by
//     policy
//
// It returns the merged body (meaningless when the result is a tombstone),
// whether the result is a tombstone, and any conflicting keys (non-nil only
// under PolicyConflict, or always for body-key conflicts regardless of the
// tombstone policy).
func Merge(base, left, right Doc, leftTombstone, rightTombstone bool, policy Policy) (merged Doc, tombstone bool, conflict *Conflict, err error) {
	switch policy {
	case PolicyDeleteWins, PolicyEditWins, PolicyConflict:
	default:
		return nil, false, nil, ErrUnknownPolicy
	}

	if leftTombstone && rightTombstone {
		return nil, true, nil, nil
	}
	if leftTombstone != rightTombstone {
		liveBody := left
		if leftTombstone {
			liveBody = right
		}
		switch policy {
		case PolicyDeleteWins:
			return nil, true, nil, nil
		case PolicyEditWins:
			return liveBody, false, nil, nil
		default: // PolicyConflict
			return nil, false, &Conflict{Keys: []string{TombstoneConflictKey}}, nil
		}
	}

	merged = Doc{}
	var conflictKeys []string

	keys := map[string]struct{}{}
	for k := range base {
		keys[k] = struct{}{}
	}
	for k := range left {
		keys[k] = struct{}{}
	}
	for k := range right {
		keys[k] = struct{}{}
	}

	for k := range keys {
		bv, hasB := base[k]
		lv, hasL := left[k]
		rv, hasR := right[k]

		leftChanged := !(hasL == hasB && (!hasB || reflect.DeepEqual(lv, bv)))
		rightChanged := !(hasR == hasB && (!hasB || reflect.DeepEqual(rv, bv)))

		switch {
		case !leftChanged && !rightChanged:
			if hasB {
				merged[k] = bv
			}
		case leftChanged && !rightChanged:
			if hasL {
				merged[k] = lv
			}
		case !leftChanged && rightChanged:
			if hasR {
				merged[k] = rv
			}
		default: // both changed
			if hasL == hasR && (!hasL || reflect.DeepEqual(lv, rv)) {
				if hasL {
					merged[k] = lv
				}
				continue
			}
			conflictKeys = append(conflictKeys, k)
			// keep a deterministic placeholder so the merged doc stays
			// usable even with an outstanding conflict on this key.
			if hasL {
				merged[k] = lv
			} else if hasR {
				merged[k] = rv
			}
		}
	}

	if len(conflictKeys) > 0 {
		return merged, false, &Conflict{Keys: conflictKeys}, nil
	}
	return merged, false, nil, nil
}

// VirtualBase folds a set of LCA bodies (criss-cross, §4.5 last bullet) into
// a single virtual base by merging them against each other with an empty
// base: fields the LCAs agree on survive, fields they disagree on are
// reported as conflicts on the virtual base (callers typically treat these
// as "undecided ancestor state" and proceed with the edit/delete policy
// already chosen for the surrounding merge).
func VirtualBase(lcaBodies []Doc, lcaTombstones []bool, policy Policy) (Doc, bool, []string, error) {
	if len(lcaBodies) == 0 {
		return Doc{}, false, nil, nil
	}
	accBody := lcaBodies[0]
	accTomb := lcaTombstones[0]
	var allConflicts []string
	for i := 1; i < len(lcaBodies); i++ {
		merged, tomb, conflict, err := Merge(Doc{}, accBody, lcaBodies[i], accTomb, lcaTombstones[i], policy)
		if err != nil {
			return nil, false, nil, err
		}
		accBody, accTomb = merged, tomb
		if conflict != nil {
			allConflicts = append(allConflicts, conflict.Keys...)
		}
	}
	return accBody, accTomb, allConflicts, nil
}

// HookOpts carries per-invocation context for a Hook.
type HookOpts struct {
	Direction string // "import" or "export"
	Extra     map[string]interface{}
}

// Hook is a deterministic transform applied to a revision body on import or
// export (spec.md §4.5). Returning (nil, nil) drops the revision from the
// stream.
type Hook func(doc Doc, opts HookOpts) (Doc, error)

// Chain composes hooks in order, exactly as the teacher composes its
// filter/transform chains.
type Chain []Hook

// Apply runs doc through every hook in order. ok is false if any hook
// dropped the document (returned nil, nil), in which case doc should not be
// emitted.
func (c Chain) Apply(doc Doc, opts HookOpts) (out Doc, ok bool, err error) {
	cur := doc
	for _, h := range c {
		next, err := h(cur, opts)
		if err != nil {
			return nil, false, err
		}
		if next == nil {
			return nil, false, nil
		}
		cur = next
	}
	return cur, true, nil
}
