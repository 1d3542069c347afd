package replconf

import (
	"context"
	"testing"

	"github.com/Netsend/PerspectiveDB-sub000/internal/dag"
	"github.com/Netsend/PerspectiveDB-sub000/internal/merge"
	"github.com/Netsend/PerspectiveDB-sub000/internal/store"
	"github.com/Netsend/PerspectiveDB-sub000/internal/store/memstore"
)

func TestBidirFrom_DetectsLink(t *testing.T) {
	cfg := Config{Rules: []Rule{
		{Direction: Export, Peer: "b", SourceDB: "app", SourceColl: "users"},
		{Direction: Import, Peer: "b", TargetDB: "app", TargetColl: "users"},
	}}
	links := BidirFrom(cfg)
	if len(links) != 1 {
		t.Fatalf("got %d links, want 1: %+v", len(links), links)
	}
	if links[0].Peer != "b" || links[0].NS != (store.NS{DB: "app", Collection: "users"}) {
		t.Fatalf("got %+v", links[0])
	}
}

func TestBidirFrom_NoLinkAcrossDifferentPeers(t *testing.T) {
	cfg := Config{Rules: []Rule{
		{Direction: Export, Peer: "b", SourceDB: "app", SourceColl: "users"},
		{Direction: Import, Peer: "c", TargetDB: "app", TargetColl: "users"},
	}}
	if links := BidirFrom(cfg); len(links) != 0 {
		t.Fatalf("got %+v, want none", links)
	}
}

func TestConfig_Validate_RejectsBidirectional(t *testing.T) {
	cfg := Config{Rules: []Rule{
		{Direction: Export, Peer: "b", SourceDB: "app", SourceColl: "users"},
		{Direction: Import, Peer: "b", TargetDB: "app", TargetColl: "users"},
	}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected ErrBidirectional")
	}
}

func TestReplicateTo(t *testing.T) {
	cfg := Config{Rules: []Rule{
		{Direction: Export, Peer: "b", SourceDB: "app", SourceColl: "users", TargetDB: "app", TargetColl: "users"},
		{Direction: Export, Peer: "b", SourceDB: "app", SourceColl: "orders", TargetDB: "app", TargetColl: "orders"},
	}}
	got := ReplicateTo(cfg, store.NS{DB: "app", Collection: "users"})
	if len(got) != 1 || got[0].SourceColl != "users" {
		t.Fatalf("got %+v", got)
	}
}

func TestVerifyImportExport_FlagsMissing(t *testing.T) {
	local := Config{Rules: []Rule{
		{Direction: Import, Peer: "b", SourceDB: "app", SourceColl: "users", TargetDB: "app", TargetColl: "users"},
	}}
	peerRules := map[string]Config{
		"b": {Rules: []Rule{
			{Direction: Export, Peer: "a", SourceDB: "app", SourceColl: "orders", TargetDB: "app", TargetColl: "orders"},
		}},
	}
	missing := VerifyImportExport(local, peerRules)
	if len(missing) != 1 || missing[0].NS.Collection != "users" {
		t.Fatalf("got %+v", missing)
	}
}

func TestVerifyImportExport_SatisfiedWhenExportExists(t *testing.T) {
	local := Config{Rules: []Rule{
		{Direction: Import, Peer: "b", SourceDB: "app", SourceColl: "users", TargetDB: "app", TargetColl: "users"},
	}}
	peerRules := map[string]Config{
		"b": {Rules: []Rule{
			{Direction: Export, Peer: "a", SourceDB: "app", SourceColl: "users", TargetDB: "app", TargetColl: "users"},
		}},
	}
	if missing := VerifyImportExport(local, peerRules); len(missing) != 0 {
		t.Fatalf("got %+v, want none", missing)
	}
}

func TestGetTailOptions_ReportsHighestSeqAndHooks(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	ns := dag.CollectionName("app", "users")
	idx, err := dag.Open(ctx, st, ns)
	if err != nil {
		t.Fatal(err)
	}
	root, err := dag.NewRevision([]byte("X"), dag.Local, nil, store.Doc{"a": 1}, false)
	if err != nil {
		t.Fatal(err)
	}
	root.Seq = 1
	if err := idx.Put(ctx, root); err != nil {
		t.Fatal(err)
	}

	rule := Rule{Direction: Export, Peer: "b", SourceDB: "app", SourceColl: "users", Hide: []string{"secret"}}
	cfg := Config{Rules: []Rule{rule}}
	vcs := VCIndexes{"app.users": idx}

	tails := GetTailOptions(cfg, vcs, nil)
	if len(tails) != 1 {
		t.Fatalf("got %d tail options, want 1", len(tails))
	}
	to := tails[0]
	if !to.Found || to.Offset != 1 {
		t.Fatalf("got %+v, want Found=true Offset=1", to)
	}
	out, ok, err := to.Hooks.Apply(merge.Doc{"a": 1, "secret": "x"}, merge.HookOpts{Direction: "export"})
	if err != nil || !ok {
		t.Fatalf("hook chain failed: ok=%v err=%v", ok, err)
	}
	if _, present := out["secret"]; present {
		t.Fatalf("expected hide hook to strip 'secret', got %v", out)
	}
	if out["a"] != 1 {
		t.Fatalf("expected 'a' to survive, got %v", out)
	}
}
