// Package dag implements the DAG index (spec.md §3, §4.3): the revision
// type, content-addressed version tokens, and a store-backed index keyed by
// (id, version, perspective) with a heads-by-id secondary index.
package dag

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"

	"github.com/vinllen/mgo/bson"
)

// Local is the reserved sentinel perspective for locally originated
// revisions (spec.md §3).
const Local = "_local"

// Revision is one DAG node (spec.md §3).
type Revision struct {
	ID          []byte                 `bson:"id"`
	V           string                 `bson:"v"`
	Perspective string                 `bson:"pe"`
	Parents     []string               `bson:"pa"`
	Seq         int64                  `bson:"i,omitempty"`
	LocalOrigin bool                   `bson:"lo"`
	Tombstone   bool                   `bson:"d"`
	Ack         bool                   `bson:"ack"`
	OplogOffset int64                  `bson:"op,omitempty"`
	Body        map[string]interface{} `bson:"body,omitempty"`
}

// ErrIDTooLong is returned when an application document id exceeds the
// 254-byte limit from spec.md §3.
var ErrIDTooLong = errors.New("dag: id exceeds 254 bytes")

const maxIDBytes = 254

// ComputeVersion derives a content-addressed version token from (id, sorted
// parents, body) — deliberately *not* from pe. Two revisions with identical
// content receive identical tokens regardless of which perspective observed
// them, which is exactly what lets a mirrored local/remote pair (invariant
// 4) share a version. Token derivation also ignores mutable metadata (ack,
// op): those never change what a revision *is*. pe is accepted for call-site
// symmetry with NewRevision but does not enter the hash.
func ComputeVersion(id []byte, pe string, parents []string, body map[string]interface{}, tombstone bool) (string, error) {
	_ = pe
	if len(id) > maxIDBytes {
		return "", ErrIDTooLong
	}
	sortedParents := append([]string(nil), parents...)
	sort.Strings(sortedParents)

	h := sha256.New()
	h.Write(id)
	h.Write([]byte{0})
	for _, p := range sortedParents {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	h.Write([]byte{0})
	if tombstone {
		h.Write([]byte{1})
	} else {
		b, err := bson.Marshal(body)
		if err != nil {
			return "", err
		}
		h.Write(b)
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:12]), nil
}

// NewRevision builds and hashes a revision; Seq/LocalOrigin/Ack/OplogOffset
// are left at zero values for the caller to set.
func NewRevision(id []byte, pe string, parents []string, body map[string]interface{}, tombstone bool) (*Revision, error) {
	if len(parents) == 0 {
		parents = nil
	}
	v, err := ComputeVersion(id, pe, parents, body, tombstone)
	if err != nil {
		return nil, err
	}
	return &Revision{
		ID:          id,
		V:           v,
		Perspective: pe,
		Parents:     parents,
		Tombstone:   tombstone,
		Body:        body,
	}, nil
}

// IsRoot reports whether r has no parents.
func (r *Revision) IsRoot() bool { return len(r.Parents) == 0 }

// Key identifies a revision within the index: (id, v, pe).
type Key struct {
	ID string // string(ID) for map-key use
	V  string
	PE string
}

func KeyOf(id []byte, v, pe string) Key {
	return Key{ID: string(id), V: v, PE: pe}
}

func (r *Revision) Key() Key {
	return KeyOf(r.ID, r.V, r.Perspective)
}
