package oplog

import (
	"context"
	"testing"
	"time"

	"github.com/Netsend/PerspectiveDB-sub000/internal/store"
	"github.com/Netsend/PerspectiveDB-sub000/internal/store/memstore"
)

func TestDecode_Kinds(t *testing.T) {
	cases := []struct {
		e    store.Entry
		want Kind
	}{
		{store.Entry{Op: store.OpInsert}, Insert},
		{store.Entry{Op: store.OpDelete}, Delete},
		{store.Entry{Op: store.OpCreate}, Create},
		{store.Entry{Op: store.OpUpdate, O: store.Doc{"a": 1}}, UpdateFull},
		{store.Entry{Op: store.OpUpdate, O: store.Doc{"$set": store.Doc{"a": 1}}}, UpdateModifier},
	}
	for _, c := range cases {
		got := Decode(c.e).Op
		if got != c.want {
			t.Fatalf("Decode(%+v).Op = %v, want %v", c.e, got, c.want)
		}
	}
}

func TestReader_FiltersByNamespaceAndTracksOffset(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	ns := store.NS{DB: "d", Collection: "oplog"}
	h, err := st.OpenCapped(ctx, ns, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Append(ctx, h, store.Entry{TS: 1, Op: store.OpInsert, NS: "d.a", O: store.Doc{"_id": 1}}); err != nil {
		t.Fatal(err)
	}
	if err := st.Append(ctx, h, store.Entry{TS: 2, Op: store.OpInsert, NS: "d.b", O: store.Doc{"_id": 2}}); err != nil {
		t.Fatal(err)
	}
	if err := st.Append(ctx, h, store.Entry{TS: 3, Op: store.OpInsert, NS: "d.a", O: store.Doc{"_id": 3}}); err != nil {
		t.Fatal(err)
	}

	r := Open(st, h, "d.a", 0, false)
	defer r.Close()

	entry, ok, err := r.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("unexpected %v %v %v", entry, ok, err)
	}
	if entry.Doc["_id"] != 1 {
		t.Fatalf("got %v, want _id=1", entry)
	}

	entry, ok, err = r.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("unexpected %v %v %v", entry, ok, err)
	}
	if entry.Doc["_id"] != 3 {
		t.Fatalf("got %v, want _id=3 (d.b entry must be filtered out)", entry)
	}
	if r.Offset() != 3 {
		t.Fatalf("Offset() = %d, want 3", r.Offset())
	}
}

func TestReader_PauseBlocksNext(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	ns := store.NS{DB: "d", Collection: "oplog"}
	h, _ := st.OpenCapped(ctx, ns, 0)
	r := Open(st, h, "", 0, false)
	defer r.Close()

	r.Pause()
	done := make(chan struct{})
	go func() {
		entry, ok, err := r.Next(ctx)
		if err != nil || !ok || entry.Offset != 1 {
			t.Errorf("unexpected %v %v %v", entry, ok, err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Next returned before resume")
	case <-time.After(50 * time.Millisecond):
	}

	r.Resume()
	if err := st.Append(ctx, h, store.Entry{TS: 1, Op: store.OpInsert, NS: "d.a"}); err != nil {
		t.Fatal(err)
	}
	<-done
}

func TestReader_CloseEndsNext(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	ns := store.NS{DB: "d", Collection: "oplog"}
	h, _ := st.OpenCapped(ctx, ns, 0)
	r := Open(st, h, "", 0, false)

	done := make(chan struct{})
	go func() {
		_, ok, _ := r.Next(ctx)
		if ok {
			t.Errorf("expected Next to end once closed, got ok=true")
		}
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	<-done
}
