// Package vcollection implements the versioned collection (C6, spec.md
// §4.6): the per-collection state machine that turns local oplog entries
// and inbound remote revisions into DAG revisions, runs the eight-pass
// consistency pipeline, and keeps the user-visible collection in sync with
// the current local heads.
//
// ProcessQueues' drain-batch-then-dispatch shape is modeled on the
// teacher's CollectionExecutor/DocExecutor batch-channel pattern
// (collector/docsyncer/doc_executor.go) and OplogSyncer.startBatcher's
// "drain batch, dispatch, ack" loop (collector/syncer.go).
package vcollection

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/Netsend/PerspectiveDB-sub000/internal/dag"
	"github.com/Netsend/PerspectiveDB-sub000/internal/lca"
	"github.com/Netsend/PerspectiveDB-sub000/internal/merge"
	"github.com/Netsend/PerspectiveDB-sub000/internal/oplog"
	"github.com/Netsend/PerspectiveDB-sub000/internal/store"
	"github.com/Netsend/PerspectiveDB-sub000/internal/vstream"
	nimo "github.com/gugemichael/nimo4go"
	LOG "github.com/vinllen/log4go"
)

// ErrUnackedMultiHead is returned by Open when the snapshot has more than
// one local-perspective head for some id and not all of them are
// acknowledged. In steady state invariant 7 guarantees a single head; a
// multi-head snapshot at boot with any unacked member means the process
// crashed mid consistency-pipeline (between pass 6 and pass 7/8), and we
// refuse to guess which head is authoritative rather than silently picking
// one.
var ErrUnackedMultiHead = errors.New("vcollection: unacknowledged multi-head snapshot at boot")

// ErrDanglingParent is returned by SaveRemoteRevision when a parent cannot
// be resolved in either the index or the pending remote queue.
var ErrDanglingParent = errors.New("vcollection: remote revision has dangling parent")

// VC is one versioned collection.
type VC struct {
	st     store.Store
	idx    *dag.Index
	ns     store.NS // snapshot collection, "db.m3.X"
	userNS store.NS // user-visible collection, "db.X"
	policy merge.Policy
	batch  int

	mu              sync.Mutex
	lastProcessedTS int64
	localQueue      []*dag.Revision
	remoteQueue     []*dag.Revision
	exportQueue     []*dag.Revision
}

// Open loads the DAG index for ns and wires up the VC. userNS is the
// user-facing collection that pass 8 upserts into. batch bounds how many queued items a single ProcessQueues round
// drains per queue.
func Open(ctx context.Context, st store.Store, ns store.NS, userNS store.NS, policy merge.Policy, batch int) (*VC, error) {
	idx, err := dag.Open(ctx, st, ns)
	if err != nil {
		return nil, err
	}
	for _, id := range idx.IDs(dag.Local) {
		heads := idx.Heads([]byte(id), dag.Local)
		if len(heads) <= 1 {
			continue
		}
		for _, h := range heads {
			if !h.Ack {
				return nil, fmt.Errorf("%w: id=%x", ErrUnackedMultiHead, []byte(id))
			}
		}
	}
	if batch <= 0 {
		batch = 64
	}
	return &VC{st: st, idx: idx, ns: ns, userNS: userNS, policy: policy, batch: batch}, nil
}

// Index exposes the underlying DAG index for callers (replication, LCA
// queries) that need direct read access.
func (vc *VC) Index() *dag.Index { return vc.idx }

// DrainExports returns and clears the revisions newly committed to the
// local perspective since the last call, for the outbound replication path
// to pick up.
func (vc *VC) DrainExports() []*dag.Revision {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	out := vc.exportQueue
	vc.exportQueue = nil
	return out
}

func cloneDoc(d store.Doc) store.Doc {
	out := make(store.Doc, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func applyModifier(base, modifier store.Doc) store.Doc {
	out := cloneDoc(base)
	if set, ok := modifier["$set"].(store.Doc); ok {
		for k, v := range set {
			out[k] = v
		}
	}
	if unset, ok := modifier["$unset"].(store.Doc); ok {
		for k := range unset {
			delete(out, k)
		}
	}
	return out
}

func idOf(e oplog.Tagged) (string, error) {
	if e.Selector != nil {
		if v, ok := e.Selector["_id"]; ok {
			return fmt.Sprint(v), nil
		}
	}
	if v, ok := e.Doc["_id"]; ok {
		return fmt.Sprint(v), nil
	}
	return "", errors.New("vcollection: oplog entry carries no _id")
}

// nextSeq returns the next local sequence index for id, accounting for
// items already queued but not yet persisted.
func (vc *VC) nextSeq(id string) int64 {
	n := vc.idx.MaxSeq([]byte(id))
	for _, r := range vc.localQueue {
		if string(r.ID) == id && r.Seq > n {
			n = r.Seq
		}
	}
	return n + 1
}

// SaveOplogEntry classifies e, diffs it against the current local head for
// e's id, and — if the resulting document differs — queues a new local
// revision for the consistency pipeline. Idempotent by e.Offset: entries at
// or before the last processed offset are skipped (spec.md §4.6).
func (vc *VC) SaveOplogEntry(ctx context.Context, e oplog.Tagged) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	if e.Offset != 0 && e.Offset <= vc.lastProcessedTS {
		return nil
	}
	id, err := idOf(e)
	if err != nil {
		return err
	}
	idBytes := []byte(id)
	heads := vc.idx.Heads(idBytes, dag.Local)
	var head *dag.Revision
	if len(heads) > 0 {
		head = heads[0]
	}
	// a revision already queued for id but not yet persisted is newer than
	// anything in the index.
	for _, r := range vc.localQueue {
		if string(r.ID) == id {
			head = r
		}
	}

	var body store.Doc
	tombstone := false
	switch e.Op {
	case oplog.Insert, oplog.UpdateFull:
		body = e.Doc
	case oplog.UpdateModifier:
		var base store.Doc
		if head != nil {
			base = head.Body
		}
		body = applyModifier(base, e.Doc)
	case oplog.Delete:
		tombstone = true
	case oplog.Create:
		// collection-level event, not a per-document mutation.
		if e.Offset > vc.lastProcessedTS {
			vc.lastProcessedTS = e.Offset
		}
		return nil
	}

	if head != nil {
		if tombstone && head.Tombstone {
			if e.Offset > vc.lastProcessedTS {
				vc.lastProcessedTS = e.Offset
			}
			return nil
		}
		if !tombstone && !head.Tombstone && reflect.DeepEqual(head.Body, body) {
			if e.Offset > vc.lastProcessedTS {
				vc.lastProcessedTS = e.Offset
			}
			return nil
		}
	}

	var parents []string
	if head != nil {
		parents = []string{head.V}
	}
	rev, err := dag.NewRevision(idBytes, dag.Local, parents, body, tombstone)
	if err != nil {
		return err
	}
	rev.LocalOrigin = true
	rev.OplogOffset = e.Offset
	rev.Seq = vc.nextSeq(id)
	vc.localQueue = append(vc.localQueue, rev)

	if e.Offset > vc.lastProcessedTS {
		vc.lastProcessedTS = e.Offset
	}
	return nil
}

// SaveRemoteRevision verifies rev's parents resolve (in the index or
// earlier in the pending remote batch) and queues it for merging against
// the current local head. It does not mutate the snapshot directly;
// persistence happens from ProcessQueues.
func (vc *VC) SaveRemoteRevision(ctx context.Context, rev *dag.Revision) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	for _, p := range rev.Parents {
		if _, ok := vc.idx.Get(rev.ID, p, rev.Perspective); ok {
			continue
		}
		found := false
		for _, qr := range vc.remoteQueue {
			if string(qr.ID) == string(rev.ID) && qr.Perspective == rev.Perspective && qr.V == p {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: id=%x v=%s pe=%s parent=%s", ErrDanglingParent, rev.ID, rev.V, rev.Perspective, p)
		}
	}
	vc.remoteQueue = append(vc.remoteQueue, rev)
	return nil
}

// SetAck marks a revision acknowledged once the store has confirmed the
// corresponding write.
func (vc *VC) SetAck(ctx context.Context, k dag.Key) error {
	return vc.idx.SetAck(ctx, k, true)
}

func (vc *VC) takeBatch(q *[]*dag.Revision) []*dag.Revision {
	n := vc.batch
	if n > len(*q) {
		n = len(*q)
	}
	out := (*q)[:n]
	*q = (*q)[n:]
	return out
}

// ProcessQueues drains at most batch local items through the consistency
// pipeline, then at most batch remote items through the merger, repeating
// until both queues are empty. Safe to call concurrently: a lock prevents
// overlapping runs, matching nimo.AssertTrue-guarded singleton routines
// elsewhere in this codebase's lineage.
func (vc *VC) ProcessQueues(ctx context.Context) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	for {
		localBatch := vc.takeBatch(&vc.localQueue)
		remoteBatch := vc.takeBatch(&vc.remoteQueue)
		if len(localBatch) == 0 && len(remoteBatch) == 0 {
			return nil
		}
		if len(localBatch) > 0 {
			if err := vc.runConsistencyPipeline(ctx, localBatch); err != nil {
				return err
			}
		}
		for _, r := range remoteBatch {
			if err := vc.mergeRemote(ctx, r); err != nil {
				return err
			}
		}
	}
}

// runConsistencyPipeline executes the eight idempotent passes of spec.md
// §4.6 over batch. Passes 1-6 are pure checks (plus, for pass 6, the
// synthesis of merge revisions that get appended to the batch); pass 7 is
// the sole mutation of the snapshot; pass 8 is the sole mutation of the
// user collection.
func (vc *VC) runConsistencyPipeline(ctx context.Context, batch []*dag.Revision) error {
	// pass 1: ensure same perspective.
	for _, r := range batch {
		if r.Perspective != dag.Local {
			return fmt.Errorf("vcollection: consistency pass 1: mixed perspective %s in local batch", r.Perspective)
		}
	}

	// pass 2: ensure meta — freshly queued revisions start unacked with no
	// oplog-offset gap relative to their parent (invariant 5 is upheld by
	// construction: SaveOplogEntry always parents on the current head).
	for _, r := range batch {
		nimo.AssertTrue(!r.Ack, "vcollection: batch item already acked before persistence")
	}

	// pass 3: check ancestry — every non-root parent exists either in the
	// index or earlier in the batch.
	known := map[string]struct{}{}
	for _, r := range batch {
		for _, p := range r.Parents {
			if _, ok := vc.idx.Get(r.ID, p, r.Perspective); ok {
				continue
			}
			if _, ok := known[p]; ok {
				continue
			}
			return fmt.Errorf("%w: id=%x v=%s missing parent %s", dag.ErrDanglingParent, r.ID, r.V, p)
		}
		known[r.V] = struct{}{}
	}

	// pass 4: ensure virtual collection — build a vstream over
	// (snapshot ∪ batch) per touched id and re-verify parents resolve
	// within that combined ordered view (exercises the same virtual-stream
	// machinery queries-against-prospective-state uses).
	byID := map[string][]*dag.Revision{}
	for _, r := range batch {
		byID[string(r.ID)] = append(byID[string(r.ID)], r)
	}
	for id, revs := range byID {
		// the snapshot stores "id" as BSON binary ([]byte), so it is matched
		// in the stream filter rather than in the Find key.
		idFilter := func(d store.Doc) bool {
			switch v := d["id"].(type) {
			case []byte:
				return string(v) == id
			case string:
				return v == id
			}
			return false
		}
		cur, err := vc.st.Find(ctx, vc.ns, store.Doc{"pe": dag.Local}, "")
		if err != nil {
			return err
		}
		virtual := make([]store.Doc, 0, len(revs))
		for _, r := range revs {
			d, err := dag.ToDoc(r)
			if err != nil {
				cur.Close()
				return err
			}
			virtual = append(virtual, d)
		}
		vstr := vstream.New(cur, virtual, vstream.Append, vstream.Asc, idFilter)
		if err := vstr.Stream(); err != nil {
			cur.Close()
			return err
		}
		combined := map[string]struct{}{}
		for {
			d, ok, err := vstr.Next(ctx)
			if err != nil {
				vstr.Destroy()
				return err
			}
			if !ok {
				break
			}
			if v, ok := d["v"].(string); ok {
				combined[v] = struct{}{}
			}
		}
		vstr.Destroy()
		for _, r := range revs {
			for _, p := range r.Parents {
				if _, ok := combined[p]; !ok {
					return fmt.Errorf("vcollection: consistency pass 4: id=%s parent %s unresolved in virtual collection", id, p)
				}
			}
		}
	}

	// pass 5: ensure local perspective — any non-local item in the batch
	// lacking a local-perspective twin gets one created with lo=false.
	// Local-originated batches (the only kind SaveOplogEntry produces)
	// never hit this; it exists for callers that queue mixed-perspective
	// batches directly.
	var extra []*dag.Revision
	for _, r := range batch {
		if r.Perspective == dag.Local {
			continue
		}
		if _, ok := vc.idx.Get(r.ID, r.V, dag.Local); ok {
			continue
		}
		twin := &dag.Revision{
			ID: r.ID, V: r.V, Perspective: dag.Local, Parents: r.Parents,
			Body: r.Body, Tombstone: r.Tombstone, LocalOrigin: false,
			Seq: vc.nextSeq(string(r.ID)),
		}
		extra = append(extra, twin)
	}
	batch = append(batch, extra...)

	// pass 6: ensure one head — for each id, collapse to exactly one local
	// head by running the merger over any excess heads.
	var synthesized []*dag.Revision
	for id := range byID {
		heads, err := vc.collapseHeads(ctx, []byte(id), batch)
		if err != nil {
			return err
		}
		synthesized = append(synthesized, heads...)
	}
	batch = append(batch, synthesized...)

	// pass 7: merge new heads into snapshot — the sole mutation of the
	// snapshot collection.
	for _, r := range batch {
		if err := vc.idx.Put(ctx, r); err != nil {
			return err
		}
		if r.LocalOrigin {
			vc.exportQueue = append(vc.exportQueue, r)
		}
	}

	// pass 8: sync local heads with collection — the sole mutation of the
	// user collection.
	for id := range byID {
		heads := vc.idx.Heads([]byte(id), dag.Local)
		for _, h := range heads {
			if h.Tombstone {
				if err := vc.st.Delete(ctx, vc.userNS, store.Doc{"_id": idValue(id)}); err != nil && err != store.ErrNamespaceNotFound {
					return err
				}
				continue
			}
			doc := cloneDoc(h.Body)
			doc["_id"] = idValue(id)
			if err := vc.st.Upsert(ctx, vc.userNS, store.Doc{"_id": idValue(id)}, doc); err != nil {
				return err
			}
		}
	}
	return nil
}

// idValue renders the string form of an id back to the application value
// type fmt.Sprint produced it from. Ids are carried as opaque strings
// internally (spec.md §3 only requires a ≤254-byte identifier), so the
// round trip through string is lossless for every id shape this module
// originates.
func idValue(id string) interface{} { return id }

// collapseHeads runs the three-way merger over however many local heads
// id has after batch is conceptually applied, synthesizing merge revisions
// until exactly one remains, per spec.md §4.6 pass 6.
func (vc *VC) collapseHeads(ctx context.Context, id []byte, batch []*dag.Revision) ([]*dag.Revision, error) {
	parented := map[string]struct{}{}
	byVersion := map[string]*dag.Revision{}
	for _, r := range vc.idx.Heads(id, dag.Local) {
		byVersion[r.V] = r
	}
	for _, r := range batch {
		if string(r.ID) != string(id) || r.Perspective != dag.Local {
			continue
		}
		byVersion[r.V] = r
		for _, p := range r.Parents {
			parented[p] = struct{}{}
		}
	}
	var heads []*dag.Revision
	for v, r := range byVersion {
		if _, isParent := parented[v]; isParent {
			continue
		}
		heads = append(heads, r)
	}

	var synthesized []*dag.Revision
	resolver := idxResolver{idx: vc.idx, extra: byVersion}
	for len(heads) > 1 {
		a, b := heads[0], heads[1]
		ancestors, err := lca.Find(resolver, lca.Item{ID: string(id), Perspective: dag.Local, V: a.V}, lca.Item{ID: string(id), Perspective: dag.Local, V: b.V})
		if err != nil {
			return nil, err
		}
		var baseBody store.Doc
		var baseTomb bool
		switch len(ancestors) {
		case 0:
			baseBody = store.Doc{}
		case 1:
			if anc, ok := byVersion[ancestors[0]]; ok {
				baseBody, baseTomb = anc.Body, anc.Tombstone
			} else if anc, ok := vc.idx.Get(id, ancestors[0], dag.Local); ok {
				baseBody, baseTomb = anc.Body, anc.Tombstone
			}
		default:
			var bodies []store.Doc
			var tombs []bool
			for _, av := range ancestors {
				if anc, ok := byVersion[av]; ok {
					bodies = append(bodies, anc.Body)
					tombs = append(tombs, anc.Tombstone)
				} else if anc, ok := vc.idx.Get(id, av, dag.Local); ok {
					bodies = append(bodies, anc.Body)
					tombs = append(tombs, anc.Tombstone)
				}
			}
			vb, vt, _, err := merge.VirtualBase(bodies, tombs, vc.policy)
			if err != nil {
				return nil, err
			}
			baseBody, baseTomb = vb, vt
		}

		mergedBody, mergedTomb, conflict, err := merge.Merge(baseBody, a.Body, b.Body, a.Tombstone, b.Tombstone, vc.policy)
		if err != nil {
			return nil, err
		}
		if conflict != nil && vc.policy == merge.PolicyConflict {
			LOG.Warn("vcollection: merge conflict for id=%x on keys %v, proceeding with best-effort merged body", id, conflict.Keys)
		}

		parents := []string{a.V, b.V}
		mrev, err := dag.NewRevision(id, dag.Local, parents, mergedBody, mergedTomb)
		if err != nil {
			return nil, err
		}
		mrev.LocalOrigin = true
		mrev.Seq = vc.nextSeq(string(id))
		byVersion[mrev.V] = mrev
		resolver.extra[mrev.V] = mrev
		synthesized = append(synthesized, mrev)

		heads = append([]*dag.Revision{mrev}, heads[2:]...)
	}
	return synthesized, nil
}

// idxResolver backs lca.Find with the persisted index plus a batch of
// not-yet-persisted candidate revisions.
type idxResolver struct {
	idx   *dag.Index
	extra map[string]*dag.Revision
}

func (r idxResolver) Lookup(id, v, pe string) ([]string, bool) {
	if rev, ok := r.extra[v]; ok {
		return rev.Parents, true
	}
	if rev, ok := r.idx.Get([]byte(id), v, pe); ok {
		return rev.Parents, true
	}
	return nil, false
}

// mergeRemote merges a queued remote revision against the current local
// head, emitting a local merge revision when heads diverge, and ensures the
// acknowledged mirroring local twin spec.md §4.6's save_remote_revision
// describes.
func (vc *VC) mergeRemote(ctx context.Context, rev *dag.Revision) error {
	if err := vc.idx.Put(ctx, rev); err != nil {
		return err
	}

	if rev.Ack {
		if _, ok := vc.idx.Get(rev.ID, rev.V, dag.Local); !ok {
			twin := &dag.Revision{
				ID: rev.ID, V: rev.V, Perspective: dag.Local, Parents: rev.Parents,
				Body: rev.Body, Tombstone: rev.Tombstone, LocalOrigin: false, Ack: true,
				Seq: vc.nextSeq(string(rev.ID)),
			}
			if err := vc.idx.Put(ctx, twin); err != nil {
				return err
			}
		}
	}

	heads := vc.idx.Heads(rev.ID, dag.Local)
	if len(heads) <= 1 {
		return nil
	}
	synthesized, err := vc.collapseHeads(ctx, rev.ID, nil)
	if err != nil {
		return err
	}
	for _, m := range synthesized {
		if err := vc.idx.Put(ctx, m); err != nil {
			return err
		}
		vc.exportQueue = append(vc.exportQueue, m)
	}
	return nil
}
