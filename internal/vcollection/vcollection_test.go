package vcollection

import (
	"context"
	"reflect"
	"testing"

	"github.com/Netsend/PerspectiveDB-sub000/internal/dag"
	"github.com/Netsend/PerspectiveDB-sub000/internal/merge"
	"github.com/Netsend/PerspectiveDB-sub000/internal/oplog"
	"github.com/Netsend/PerspectiveDB-sub000/internal/store"
	"github.com/Netsend/PerspectiveDB-sub000/internal/store/memstore"
)

func newVC(t *testing.T) (*VC, store.Store) {
	t.Helper()
	st := memstore.New()
	ns := dag.CollectionName("app", "foo")
	userNS := store.NS{DB: "app", Collection: "foo"}
	vc, err := Open(context.Background(), st, ns, userNS, merge.PolicyEditWins, 16)
	if err != nil {
		t.Fatal(err)
	}
	return vc, st
}

// S1 — insert then update (single peer): oplog i{_id:'X', v:'A0'},
// u{_id:'X'} {$set:{a:'c'}}; expected local DAG has two revisions, the
// second parented on the first, body {_id:'X', a:'c'}, v != A0.
func TestVC_S1_InsertThenUpdate(t *testing.T) {
	vc, st := newVC(t)
	ctx := context.Background()

	insert := oplog.Tagged{Offset: 1, Op: oplog.Insert, Doc: store.Doc{"_id": "X", "v": "A0"}}
	if err := vc.SaveOplogEntry(ctx, insert); err != nil {
		t.Fatal(err)
	}
	update := oplog.Tagged{
		Offset:   2,
		Op:       oplog.UpdateModifier,
		Selector: store.Doc{"_id": "X"},
		Doc:      store.Doc{"$set": store.Doc{"a": "c"}},
	}
	if err := vc.SaveOplogEntry(ctx, update); err != nil {
		t.Fatal(err)
	}
	if err := vc.ProcessQueues(ctx); err != nil {
		t.Fatal(err)
	}

	heads := vc.Index().Heads([]byte("X"), dag.Local)
	if len(heads) != 1 {
		t.Fatalf("got %d heads, want 1", len(heads))
	}
	head := heads[0]
	want := store.Doc{"_id": "X", "v": "A0", "a": "c"}
	if !reflect.DeepEqual(head.Body, want) {
		t.Fatalf("got body %v, want %v", head.Body, want)
	}
	if len(head.Parents) != 1 {
		t.Fatalf("got %d parents, want 1", len(head.Parents))
	}
	ancestors, err := vc.Index().AncestorsDesc([]byte("X"), head.V, dag.Local)
	if err != nil {
		t.Fatal(err)
	}
	if len(ancestors) != 2 {
		t.Fatalf("got %d ancestors (incl self), want 2", len(ancestors))
	}
	root := ancestors[len(ancestors)-1]
	if head.V == root.V {
		t.Fatal("expected update revision's version to differ from the insert's")
	}

	exports := vc.DrainExports()
	if len(exports) != 2 {
		t.Fatalf("got %d exports, want 2", len(exports))
	}

	// pass 8 must have synced the user collection to the merged body.
	cur, err := st.Find(ctx, store.NS{DB: "app", Collection: "foo"}, store.Doc{"_id": "X"}, "")
	if err != nil {
		t.Fatal(err)
	}
	defer cur.Close()
	d, ok, err := cur.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("expected synced user doc, ok=%v err=%v", ok, err)
	}
	if d["a"] != "c" {
		t.Fatalf("got synced doc %v", d)
	}
}

func TestVC_IdempotentReplay(t *testing.T) {
	vc, _ := newVC(t)
	ctx := context.Background()
	insert := oplog.Tagged{Offset: 1, Op: oplog.Insert, Doc: store.Doc{"_id": "X", "a": 1}}
	if err := vc.SaveOplogEntry(ctx, insert); err != nil {
		t.Fatal(err)
	}
	if err := vc.SaveOplogEntry(ctx, insert); err != nil {
		t.Fatal(err)
	}
	if err := vc.ProcessQueues(ctx); err != nil {
		t.Fatal(err)
	}
	ancestors, err := vc.Index().AncestorsDesc([]byte("X"), vc.Index().Heads([]byte("X"), dag.Local)[0].V, dag.Local)
	if err != nil {
		t.Fatal(err)
	}
	if len(ancestors) != 1 {
		t.Fatalf("got %d revisions, want 1 (replayed entry must not duplicate)", len(ancestors))
	}
}

func TestVC_RemoteMergeProducesSingleHead(t *testing.T) {
	vc, _ := newVC(t)
	ctx := context.Background()

	rootBody := store.Doc{"_id": "X", "a": 1, "b": 1}
	local := oplog.Tagged{Offset: 1, Op: oplog.Insert, Doc: rootBody}
	if err := vc.SaveOplogEntry(ctx, local); err != nil {
		t.Fatal(err)
	}
	if err := vc.ProcessQueues(ctx); err != nil {
		t.Fatal(err)
	}
	root := vc.Index().Heads([]byte("X"), dag.Local)[0]

	// a remote root with the same content gets the same version (the token
	// is perspective-independent), so it resolves as the existing local
	// root's mirror without a separate twin-creation step.
	remoteRoot, err := dag.NewRevision([]byte("X"), "peer1", nil, rootBody, false)
	if err != nil {
		t.Fatal(err)
	}
	if remoteRoot.V != root.V {
		t.Fatalf("expected content-addressed match, got %s vs %s", remoteRoot.V, root.V)
	}
	if err := vc.SaveRemoteRevision(ctx, remoteRoot); err != nil {
		t.Fatal(err)
	}

	remoteChild, err := dag.NewRevision([]byte("X"), "peer1", []string{remoteRoot.V}, store.Doc{"_id": "X", "a": 1, "b": 9}, false)
	if err != nil {
		t.Fatal(err)
	}
	remoteChild.Ack = true // already applied to the local collection by the caller
	if err := vc.SaveRemoteRevision(ctx, remoteChild); err != nil {
		t.Fatal(err)
	}

	localUpdate := oplog.Tagged{
		Offset: 2, Op: oplog.UpdateModifier,
		Selector: store.Doc{"_id": "X"},
		Doc:      store.Doc{"$set": store.Doc{"a": 2}},
	}
	if err := vc.SaveOplogEntry(ctx, localUpdate); err != nil {
		t.Fatal(err)
	}
	if err := vc.ProcessQueues(ctx); err != nil {
		t.Fatal(err)
	}

	heads := vc.Index().Heads([]byte("X"), dag.Local)
	if len(heads) != 1 {
		t.Fatalf("got %d local heads after merge, want 1: %+v", len(heads), heads)
	}
	merged := heads[0]
	if len(merged.Parents) != 2 {
		t.Fatalf("expected a synthesized merge revision with 2 parents, got %v", merged.Parents)
	}
}
