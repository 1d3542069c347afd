package vstream

import (
	"context"
	"reflect"
	"testing"

	"github.com/Netsend/PerspectiveDB-sub000/internal/store"
)

type sliceCursor struct {
	docs   []store.Doc
	i      int
	closed bool
}

func (c *sliceCursor) Next(ctx context.Context) (store.Doc, bool, error) {
	if c.i >= len(c.docs) {
		return nil, false, nil
	}
	d := c.docs[c.i]
	c.i++
	return d, true, nil
}

func (c *sliceCursor) Close() error {
	c.closed = true
	return nil
}

func keys(docs []store.Doc) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d["k"].(string)
	}
	return out
}

func drain(t *testing.T, s *Stream) []store.Doc {
	t.Helper()
	if err := s.Stream(); err != nil {
		t.Fatalf("Stream(): %v", err)
	}
	var out []store.Doc
	for {
		d, ok, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("Next(): %v", err)
		}
		if !ok {
			break
		}
		out = append(out, d)
	}
	return out
}

func TestStream_AscPutsVirtualFirst(t *testing.T) {
	p := &sliceCursor{docs: []store.Doc{{"k": "p1"}, {"k": "p2"}}}
	v := []store.Doc{{"k": "v1"}, {"k": "v2"}}
	s := New(p, v, Append, Asc, nil)
	got := keys(drain(t, s))
	want := []string{"v1", "v2", "p1", "p2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestStream_DescPutsVirtualLast(t *testing.T) {
	p := &sliceCursor{docs: []store.Doc{{"k": "p1"}, {"k": "p2"}}}
	v := []store.Doc{{"k": "v1"}, {"k": "v2"}}
	s := New(p, v, Append, Desc, nil)
	got := keys(drain(t, s))
	want := []string{"p1", "p2", "v1", "v2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestStream_Filter(t *testing.T) {
	p := &sliceCursor{docs: []store.Doc{{"k": "p1", "keep": true}, {"k": "p2", "keep": false}}}
	s := New(p, nil, Append, Asc, func(d store.Doc) bool { return d["keep"] == true })
	got := keys(drain(t, s))
	if !reflect.DeepEqual(got, []string{"p1"}) {
		t.Fatalf("got %v", got)
	}
}

func TestStream_AlreadyDrained(t *testing.T) {
	p := &sliceCursor{}
	s := New(p, nil, Append, Asc, nil)
	if err := s.Stream(); err != nil {
		t.Fatal(err)
	}
	if err := s.Stream(); err != ErrAlreadyDrained {
		t.Fatalf("got %v, want ErrAlreadyDrained", err)
	}
}

func TestStream_DestroyClosesCursorAndFailsRestart(t *testing.T) {
	p := &sliceCursor{docs: []store.Doc{{"k": "p1"}}}
	s := New(p, nil, Append, Asc, nil)
	if err := s.Stream(); err != nil {
		t.Fatal(err)
	}
	if err := s.Destroy(); err != nil {
		t.Fatal(err)
	}
	if !p.closed {
		t.Fatal("expected persisted cursor closed")
	}
	if err := s.Stream(); err != ErrDestroyed {
		t.Fatalf("got %v, want ErrDestroyed", err)
	}
	if _, _, err := s.Next(context.Background()); err != ErrDestroyed {
		t.Fatalf("got %v, want ErrDestroyed", err)
	}
}

func TestStream_PauseResume(t *testing.T) {
	p := &sliceCursor{docs: []store.Doc{{"k": "p1"}, {"k": "p2"}}}
	s := New(p, nil, Append, Asc, nil)
	if err := s.Stream(); err != nil {
		t.Fatal(err)
	}
	d, ok, err := s.Next(context.Background())
	if err != nil || !ok || d["k"] != "p1" {
		t.Fatalf("unexpected first item %v %v %v", d, ok, err)
	}
	s.Pause()
	done := make(chan struct{})
	go func() {
		d2, ok2, err2 := s.Next(context.Background())
		if err2 != nil || !ok2 || d2["k"] != "p2" {
			t.Errorf("unexpected resumed item %v %v %v", d2, ok2, err2)
		}
		close(done)
	}()
	s.Resume()
	<-done
}
