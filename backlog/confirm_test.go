package backlog

import (
	"context"
	"testing"
	"time"
)

type testTarget struct {
	id      uint64
	pending []func()
}

func (tt *testTarget) ID() uint64 {
	return tt.id
}

func (tt *testTarget) RequestPing(maxDelay time.Duration, f func()) {
	tt.pending = append(tt.pending, f)
}

// pong simulates the client answering all pings sent so far.
func (tt *testTarget) pong() {
	pending := tt.pending
	tt.pending = nil
	for i := len(pending) - 1; i >= 0; i-- {
		pending[i]()
	}
}

type countingStore struct {
	Store
	discards int
}

func (cs *countingStore) Discard(ctx context.Context, name string, upTo uint64) (int, error) {
	cs.discards++
	return cs.Store.Discard(ctx, name, upTo)
}

func appendN(t *testing.T, ms Store, name string, n int) {
	for i := 0; i < n; i++ {
		if _, err := ms.Append(context.Background(), name, testRecord("hi")); err != nil {
			t.Fatalf("Append() = %v", err)
		}
	}
}

func bounds(t *testing.T, ms Store, name string) (uint64, uint64) {
	first, next, err := ms.Bounds(context.Background(), name)
	if err != nil {
		t.Fatalf("Bounds() = %v", err)
	}
	return first, next
}

func TestConfirmerSingleTarget(t *testing.T) {
	ms := NewMemoryStore()
	c := NewConfirmer(ms, discardLogger{}, 0)
	a := &testTarget{id: 1}

	appendN(t, ms, "#test", 5)
	c.Handed(a, "#test", 1, 3)
	if first, _ := bounds(t, ms, "#test"); first != 1 {
		t.Fatalf("records discarded before confirmation: first = %v", first)
	}

	a.pong()
	if first, _ := bounds(t, ms, "#test"); first != 4 {
		t.Errorf("first = %v after confirmation, but want 4", first)
	}
}

func TestConfirmerOneRewritePerPing(t *testing.T) {
	cs := &countingStore{Store: NewMemoryStore()}
	c := NewConfirmer(cs, discardLogger{}, 0)
	a := &testTarget{id: 1}

	appendN(t, cs, "#test", 10)
	for i := uint64(1); i <= 10; i++ {
		c.Handed(a, "#test", i, i)
	}

	a.pong()
	if cs.discards != 1 {
		t.Errorf("got %v discards for one ping, but want 1", cs.discards)
	}
	if first, _ := bounds(t, cs, "#test"); first != 11 {
		t.Errorf("first = %v, but want 11", first)
	}
}

func TestConfirmerTwoTargets(t *testing.T) {
	ms := NewMemoryStore()
	c := NewConfirmer(ms, discardLogger{}, 0)
	a := &testTarget{id: 1}
	b := &testTarget{id: 2}

	appendN(t, ms, "#test", 6)
	c.Handed(a, "#test", 1, 6)
	c.Handed(b, "#test", 4, 6)

	// b hasn't confirmed 4..6 yet
	a.pong()
	if first, _ := bounds(t, ms, "#test"); first != 4 {
		t.Errorf("first = %v, but want 4", first)
	}

	b.pong()
	if first, next := bounds(t, ms, "#test"); first != 7 || next != 7 {
		t.Errorf("bounds = %v, %v, but want 7, 7", first, next)
	}
}

func TestConfirmerTimeout(t *testing.T) {
	ms := NewMemoryStore()
	c := NewConfirmer(ms, discardLogger{}, 0)
	a := &testTarget{id: 1}
	b := &testTarget{id: 2}

	appendN(t, ms, "#test", 3)
	c.Handed(a, "#test", 1, 3)
	c.Handed(b, "#test", 1, 3)

	// b's ping times out: its callbacks are dropped
	b.pending = nil
	a.pong()
	if first, _ := bounds(t, ms, "#test"); first != 1 {
		t.Errorf("first = %v, but want 1", first)
	}

	// Once b goes away, a's confirmation is enough
	c.Detach(b)
	if first, _ := bounds(t, ms, "#test"); first != 4 {
		t.Errorf("first = %v after Detach(), but want 4", first)
	}
}

func TestConfirmerOutOfOrder(t *testing.T) {
	ms := NewMemoryStore()
	c := NewConfirmer(ms, discardLogger{}, 0)
	a := &testTarget{id: 1}

	appendN(t, ms, "#test", 4)
	c.Handed(a, "#test", 1, 2)
	early := a.pending
	a.pending = nil
	c.Handed(a, "#test", 3, 4)

	// The confirmation of the later batch covers the earlier one
	a.pong()
	if first, _ := bounds(t, ms, "#test"); first != 5 {
		t.Errorf("first = %v, but want 5", first)
	}
	for _, f := range early {
		f()
	}
	if first, _ := bounds(t, ms, "#test"); first != 5 {
		t.Errorf("first = %v after stale confirmation, but want 5", first)
	}
}

func TestConfirmerMaxRecords(t *testing.T) {
	ms := NewMemoryStore()
	c := NewConfirmer(ms, discardLogger{}, 10)

	appendN(t, ms, "#test", 15)
	c.Check("#test")
	first, next := bounds(t, ms, "#test")
	if next-first != 10 || first != 6 {
		t.Errorf("bounds = %v, %v, but want 6, 16", first, next)
	}
}
