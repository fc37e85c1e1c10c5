package signal

import "testing"

func TestConnectAndEmit(t *testing.T) {
	var s Signal[int]
	var got []int
	s.Connect(func(v int) { got = append(got, v) })
	s.Emit(1)
	s.Emit(2)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("got %v", got)
	}
}

func TestDisconnectStopsDelivery(t *testing.T) {
	var s Signal[int]
	var got []int
	sub := s.Connect(func(v int) { got = append(got, v) })
	s.Emit(1)
	sub.Disconnect()
	s.Emit(2)
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("got %v", got)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	var s Signal[int]
	sub := s.Connect(func(int) {})
	sub.Disconnect()
	sub.Disconnect()
	if s.Len() != 0 {
		t.Fatalf("got %d listeners", s.Len())
	}
}

func TestEmitDeliversInSubscriptionOrder(t *testing.T) {
	var s Signal[int]
	var order []int
	for id := 0; id < 5; id++ {
		id := id
		s.Connect(func(int) { order = append(order, id) })
	}
	for i := 0; i < 20; i++ {
		order = nil
		s.Emit(0)
		for j, got := range order {
			if got != j {
				t.Fatalf("emit %d: got order %v, want 0..4 in order", i, order)
			}
		}
	}
}

func TestEmitSkipsDisconnectedMiddleListener(t *testing.T) {
	var s Signal[int]
	var order []int
	s.Connect(func(int) { order = append(order, 0) })
	sub := s.Connect(func(int) { order = append(order, 1) })
	s.Connect(func(int) { order = append(order, 2) })
	sub.Disconnect()
	s.Emit(0)
	if len(order) != 2 || order[0] != 0 || order[1] != 2 {
		t.Fatalf("got %v, want [0 2]", order)
	}
}
