package ring

import "testing"

func TestPushWithinCapacity(t *testing.T) {
	r := New[int](5)
	for i := 0; i < 3; i++ {
		r.Push(i)
	}
	if r.Len() != 3 {
		t.Fatalf("expected len 3, got %d", r.Len())
	}
	got := r.History(10)
	want := []int{0, 1, 2}
	for i, v := range want {
		if got[i] != v {
			t.Fatalf("index %d: got %d, want %d", i, got[i], v)
		}
	}
}

func TestPushOverwritesOldest(t *testing.T) {
	r := New[int](3)
	for i := 0; i < 5; i++ {
		r.Push(i)
	}
	if r.Len() != 3 {
		t.Fatalf("expected len capped at 3, got %d", r.Len())
	}
	got := r.History(3)
	want := []int{2, 3, 4}
	for i, v := range want {
		if got[i] != v {
			t.Fatalf("index %d: got %d, want %d", i, got[i], v)
		}
	}
}

func TestHistoryRespectsMax(t *testing.T) {
	r := New[int](5)
	for i := 0; i < 5; i++ {
		r.Push(i)
	}
	got := r.History(2)
	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("unexpected history: %v", got)
	}
}

func TestForEachOrder(t *testing.T) {
	r := New[int](3)
	r.Push(1)
	r.Push(2)
	r.Push(3)
	r.Push(4)
	var seen []int
	r.ForEach(func(v int) { seen = append(seen, v) })
	want := []int{2, 3, 4}
	for i, v := range want {
		if seen[i] != v {
			t.Fatalf("index %d: got %d want %d", i, seen[i], v)
		}
	}
}
