package luteus

import (
	"testing"
	"time"
)

func TestPingCorrelatorOrder(t *testing.T) {
	var order []int
	req := &pingRequest{
		timeout: &loopTimer{t: time.NewTimer(time.Hour)},
	}
	for i := 0; i < 3; i++ {
		i := i
		req.callbacks = append(req.callbacks, func() {
			order = append(order, i)
		})
	}
	pc := &pingCorrelator{inflight: map[string]*pingRequest{"C1": req}}

	pc.handlePong("C2")
	if len(order) != 0 {
		t.Fatalf("unknown token ran callbacks: %v", order)
	}

	pc.handlePong("C1")
	want := []int{2, 1, 0}
	if len(order) != len(want) {
		t.Fatalf("callbacks = %v, but want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("callbacks = %v, but want %v", order, want)
			break
		}
	}

	pc.handlePong("C1")
	if len(order) != len(want) {
		t.Errorf("answered token ran callbacks twice: %v", order)
	}
}
