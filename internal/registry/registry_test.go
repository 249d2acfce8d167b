package registry

import (
	"testing"
	"time"
)

func TestPutGetRemove(t *testing.T) {
	r := New()
	rec := Record{ID: "abc", Identity: "fp-1", LastActivity: time.Now()}
	r.Put(rec)

	got, ok := r.Get("abc")
	if !ok {
		t.Fatal("expected record after Put")
	}
	if got.Identity != "fp-1" {
		t.Fatalf("unexpected record: %+v", got)
	}

	if !r.Remove("abc") {
		t.Fatal("expected Remove to report existing record")
	}
	if _, ok := r.Get("abc"); ok {
		t.Fatal("record still present after Remove")
	}
	if r.Remove("abc") {
		t.Fatal("second Remove should report missing record")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := New()
	r.Put(Record{ID: "abc", Identity: "fp-1"})

	got, _ := r.Get("abc")
	got.Identity = "mutated"

	fresh, _ := r.Get("abc")
	if fresh.Identity != "fp-1" {
		t.Fatalf("registry record mutated through copy: %+v", fresh)
	}
}

func TestForEachSnapshotTolerantOfMutation(t *testing.T) {
	r := New()
	r.Put(Record{ID: "a"})
	r.Put(Record{ID: "b"})
	r.Put(Record{ID: "c"})

	seen := 0
	r.ForEach(func(rec Record) {
		seen++
		// Deleting while iterating must not deadlock or skip the snapshot.
		r.Remove(rec.ID)
	})

	if seen != 3 {
		t.Fatalf("expected 3 records visited, got %d", seen)
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}
