package dag

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Netsend/PerspectiveDB-sub000/internal/store"
	"github.com/vinllen/mgo/bson"
)

// ErrDanglingParent is invariant 1's violation: a parent version that does
// not resolve to an existing revision with the same (id, pe).
var ErrDanglingParent = errors.New("dag: dangling parent")

// ErrDuplicateSeq is invariant 3's violation: two local-perspective
// revisions of the same id sharing the same 'i'.
var ErrDuplicateSeq = errors.New("dag: duplicate local sequence index")

type idpe struct {
	id string
	pe string
}

// Index is a store-backed DAG index (C3). Persistence lives entirely in the
// underlying store.Store; the in-memory maps are a secondary index rebuilt
// from the store on Open, purely to make Heads/Get/AncestorsDesc cheap.
type Index struct {
	st store.Store
	ns store.NS

	mu          sync.RWMutex
	revs        map[Key]*Revision
	children    map[Key]int
	headsByID   map[idpe]map[string]struct{} // v -> present means head
	maxSeqByID  map[string]int64
}

// CollectionName returns the conventional snapshot collection name for a
// user collection, "m3.X" (spec.md §6).
func CollectionName(db, userCollection string) store.NS {
	return store.NS{DB: db, Collection: "m3." + userCollection}
}

// Open loads (or creates) the DAG index for ns, rebuilding the in-memory
// heads/children secondary index from whatever the store already holds.
func Open(ctx context.Context, st store.Store, ns store.NS) (*Index, error) {
	idx := &Index{
		st:         st,
		ns:         ns,
		revs:       make(map[Key]*Revision),
		children:   make(map[Key]int),
		headsByID:  make(map[idpe]map[string]struct{}),
		maxSeqByID: make(map[string]int64),
	}
	cur, err := st.Find(ctx, ns, store.Doc{}, "")
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	for {
		d, ok, err := cur.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		rev, err := FromDoc(d)
		if err != nil {
			return nil, err
		}
		idx.indexLoaded(rev)
	}
	return idx, nil
}

// indexLoaded updates the in-memory secondary index for a revision already
// known to be consistent (loaded from the store, or freshly validated by
// Put). It does not persist anything.
func (idx *Index) indexLoaded(rev *Revision) {
	k := rev.Key()
	idx.revs[k] = rev
	ip := idpe{id: k.ID, pe: k.PE}
	if idx.headsByID[ip] == nil {
		idx.headsByID[ip] = make(map[string]struct{})
	}
	idx.headsByID[ip][rev.V] = struct{}{}
	for _, p := range rev.Parents {
		pk := Key{ID: k.ID, V: p, PE: k.PE}
		idx.children[pk]++
		delete(idx.headsByID[ip], p)
	}
	if rev.Perspective == Local && rev.Seq > idx.maxSeqByID[k.ID] {
		idx.maxSeqByID[k.ID] = rev.Seq
	}
}

// Put validates invariants 1 and 3 and persists rev, updating the
// secondary index. Roots (invariant 2) are not rejected here: multiple
// disconnected roots for the same (id, pe) are legal per spec.md §3.
func (idx *Index) Put(ctx context.Context, rev *Revision) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	k := rev.Key()
	for _, p := range rev.Parents {
		pk := Key{ID: k.ID, V: p, PE: k.PE}
		if _, ok := idx.revs[pk]; !ok {
			return fmt.Errorf("%w: id=%x v=%s pe=%s missing parent %s", ErrDanglingParent, rev.ID, rev.V, rev.PE(), p)
		}
	}
	if rev.Perspective == Local && rev.Seq != 0 {
		if rev.Seq <= idx.maxSeqByID[k.ID] {
			// strictly increasing per invariant 3; equal-or-lower is only
			// acceptable if it is the exact same revision being re-applied
			// idempotently.
			if existing, ok := idx.revs[k]; !ok || existing.Seq != rev.Seq {
				return fmt.Errorf("%w: id=%x seq=%d", ErrDuplicateSeq, rev.ID, rev.Seq)
			}
		}
	}

	doc, err := ToDoc(rev)
	if err != nil {
		return err
	}
	if err := idx.st.Upsert(ctx, idx.ns, store.Doc{"id": string(rev.ID), "v": rev.V, "pe": rev.Perspective}, doc); err != nil {
		return err
	}
	idx.indexLoaded(rev)
	return nil
}

// PE is a tiny accessor so error formatting above reads naturally; exported
// because Revision already treats Perspective as public.
func (r *Revision) PE() string { return r.Perspective }

// SetAck flips a revision's ack flag (the only field-level mutation the DAG
// index permits post-insert, per spec.md §3 lifecycle). ack is monotonic:
// setting it false->false or true->true is a no-op, true->false is rejected.
func (idx *Index) SetAck(ctx context.Context, k Key, ack bool) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	rev, ok := idx.revs[k]
	if !ok {
		return fmt.Errorf("dag: set ack on unknown revision %+v", k)
	}
	if rev.Ack && !ack {
		return errors.New("dag: ack is monotonic, cannot unset")
	}
	if rev.Ack == ack {
		return nil
	}
	rev.Ack = ack
	doc, err := ToDoc(rev)
	if err != nil {
		return err
	}
	return idx.st.Upsert(ctx, idx.ns, store.Doc{"id": string(rev.ID), "v": rev.V, "pe": rev.Perspective}, doc)
}

// Get looks up a single revision by (id, v, pe).
func (idx *Index) Get(id []byte, v, pe string) (*Revision, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	rev, ok := idx.revs[KeyOf(id, v, pe)]
	return rev, ok
}

// Heads returns the current heads for (id, pe): revisions with no children
// in that subgraph. Order is unspecified when there is more than one head,
// matching spec.md §4.3's "within a bucket, revisions with multiple heads
// appear in arbitrary order" note.
func (idx *Index) Heads(id []byte, pe string) []*Revision {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ip := idpe{id: string(id), pe: pe}
	set := idx.headsByID[ip]
	out := make([]*Revision, 0, len(set))
	for v := range set {
		if rev, ok := idx.revs[KeyOf(id, v, pe)]; ok {
			out = append(out, rev)
		}
	}
	return out
}

// MaxSeq returns the highest local-perspective 'i' assigned for id so far.
func (idx *Index) MaxSeq(id []byte) int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.maxSeqByID[string(id)]
}

// AncestorsDesc streams ancestors of (id, v, pe) newest-to-oldest, including
// the starting revision itself, via a BFS over parent edges (ties broken by
// BFS discovery order, which for a single-parent chain is exactly
// chronological order and is deterministic in all cases).
func (idx *Index) AncestorsDesc(id []byte, v, pe string) ([]*Revision, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	start, ok := idx.revs[KeyOf(id, v, pe)]
	if !ok {
		return nil, fmt.Errorf("dag: unknown revision id=%x v=%s pe=%s", id, v, pe)
	}
	seen := map[string]struct{}{v: {}}
	order := []*Revision{start}
	frontier := []*Revision{start}
	for len(frontier) > 0 {
		var next []*Revision
		for _, r := range frontier {
			for _, p := range r.Parents {
				if _, ok := seen[p]; ok {
					continue
				}
				pr, ok := idx.revs[KeyOf(id, p, pe)]
				if !ok {
					return nil, fmt.Errorf("dag: corrupt dag, dangling parent %s of %s", p, r.V)
				}
				seen[p] = struct{}{}
				order = append(order, pr)
				next = append(next, pr)
			}
		}
		frontier = next
	}
	return order, nil
}

// IDs returns the distinct application ids present in perspective pe.
func (idx *Index) IDs(pe string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	for k := range idx.revs {
		if k.PE != pe {
			continue
		}
		if _, ok := seen[k.ID]; ok {
			continue
		}
		seen[k.ID] = struct{}{}
		out = append(out, k.ID)
	}
	return out
}

// ToDoc converts a revision to its store.Doc representation via a bson
// marshal/unmarshal roundtrip, the same wire shape used for persistence.
func ToDoc(rev *Revision) (store.Doc, error) {
	b, err := bson.Marshal(rev)
	if err != nil {
		return nil, err
	}
	var doc store.Doc
	if err := bson.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// FromDoc is ToDoc's inverse.
func FromDoc(d store.Doc) (*Revision, error) {
	b, err := bson.Marshal(d)
	if err != nil {
		return nil, err
	}
	var rev Revision
	if err := bson.Unmarshal(b, &rev); err != nil {
		return nil, err
	}
	return &rev, nil
}
