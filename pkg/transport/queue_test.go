package transport

import "testing"

func TestOutboundQueuePopReturnsFIFO(t *testing.T) {
	q := newOutboundQueue(10, 1024, nil)
	q.push([]byte("a"))
	q.push([]byte("b"))
	q.push([]byte("c"))

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.pop()
		if !ok || string(got) != want {
			t.Fatalf("pop() = %q, %v, want %q, true", got, ok, want)
		}
	}
	if _, ok := q.pop(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestOutboundQueueEvictsOldestOnItemCap(t *testing.T) {
	q := newOutboundQueue(2, 1024, nil)
	q.push([]byte("a"))
	q.push([]byte("b"))
	q.push([]byte("c"))

	if q.len() != 2 {
		t.Fatalf("len = %d, want 2", q.len())
	}
	got, _ := q.pop()
	if string(got) != "b" {
		t.Fatalf("oldest surviving item = %q, want %q", got, "b")
	}
}

func TestOutboundQueueEvictsOldestOnByteCap(t *testing.T) {
	q := newOutboundQueue(100, 5, nil)
	q.push([]byte("abc"))
	q.push([]byte("de"))
	q.push([]byte("f")) // pushes total to 6 bytes, must evict "abc"

	if q.len() != 2 {
		t.Fatalf("len = %d, want 2", q.len())
	}
	got, _ := q.pop()
	if string(got) != "de" {
		t.Fatalf("oldest surviving item = %q, want %q", got, "de")
	}
}

func TestOutboundQueueDrainEmptiesAndReturnsAll(t *testing.T) {
	q := newOutboundQueue(10, 1024, nil)
	q.push([]byte("a"))
	q.push([]byte("b"))

	items := q.drain()
	if len(items) != 2 {
		t.Fatalf("drain returned %d items, want 2", len(items))
	}
	if q.len() != 0 {
		t.Fatalf("queue not empty after drain: len = %d", q.len())
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateCreating:   "creating",
		StateConnecting: "connecting",
		StateConnected:  "connected",
		StateClosing:    "closing",
		StateClosed:     "closed",
		StateFailed:     "failed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
