package omap

import "testing"

func intCmp(a, b int) int { return a - b }

func TestMapOrdersByValue(t *testing.T) {
	m := New[string, int](intCmp)
	m.Set("a", 30)
	m.Set("b", 10)
	m.Set("c", 20)

	got := m.Keys()
	want := []string{"b", "c", "a"}
	if len(got) != len(want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Keys()[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestMapTiesBrokenByInsertionOrder(t *testing.T) {
	m := New[string, int](intCmp)
	m.Set("first", 5)
	m.Set("second", 5)
	m.Set("third", 5)

	want := []string{"first", "second", "third"}
	got := m.Keys()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Keys() = %v, want %v", got, want)
		}
	}
}

func TestMapSetReplacesAndReorders(t *testing.T) {
	m := New[string, int](intCmp)
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("a", 99)

	v, ok := m.Get("a")
	if !ok || v != 99 {
		t.Fatalf("Get(a) = %v, %v, want 99, true", v, ok)
	}
	want := []string{"b", "a"}
	got := m.Keys()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Keys() = %v, want %v", got, want)
		}
	}
}

func TestMapDeleteAndSize(t *testing.T) {
	m := New[string, int](intCmp)
	m.Set("a", 1)
	m.Set("b", 2)
	if m.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", m.Size())
	}
	if !m.Delete("a") {
		t.Fatalf("Delete(a) = false, want true")
	}
	if m.Has("a") {
		t.Fatalf("Has(a) = true after delete")
	}
	if m.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", m.Size())
	}
	if m.Delete("a") {
		t.Fatalf("second Delete(a) = true, want false")
	}
}

func TestMapEntriesMatchValueOrder(t *testing.T) {
	m := New[string, int](intCmp)
	m.Set("x", 3)
	m.Set("y", 1)
	m.Set("z", 2)

	entries := m.Entries()
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Value > entries[i].Value {
			t.Fatalf("Entries() not ordered: %v", entries)
		}
	}
}

func TestMapClear(t *testing.T) {
	m := New[string, int](intCmp)
	m.Set("a", 1)
	m.Clear()
	if m.Size() != 0 {
		t.Fatalf("Size() after Clear = %d, want 0", m.Size())
	}
	if m.Has("a") {
		t.Fatalf("Has(a) after Clear = true")
	}
}
