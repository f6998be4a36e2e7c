package transport

import (
	"testing"
	"time"
)

func TestSimulatedNoLossNoJitterDelivers(t *testing.T) {
	a, b := NewSimulatedLoopbackPair(0, 0, 1)

	if err := a.SendPacket([]byte("payload")); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	_, body, ok := b.Recv()
	if !ok {
		t.Fatal("Recv: expected delivery with zero loss probability")
	}
	if string(body) != "payload" {
		t.Fatalf("Recv body = %q, want %q", body, "payload")
	}
}

func TestSimulatedFullLossDropsEverything(t *testing.T) {
	a, b := NewSimulatedLoopbackPair(1, 0, 1)

	for i := 0; i < 10; i++ {
		if err := a.SendPacket([]byte("x")); err != nil {
			t.Fatalf("SendPacket: %v", err)
		}
	}
	if _, _, ok := b.Recv(); ok {
		t.Fatal("Recv: expected no delivery with loss probability 1")
	}
}

func TestSimulatedJitterWithholdsUntilDue(t *testing.T) {
	a, b := NewSimulatedLoopbackPair(0, 5*time.Second, 1)

	clock := time.Now()
	a.now = func() time.Time { return clock }
	b.now = func() time.Time { return clock }

	if err := a.SendPacket([]byte("late")); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	if _, _, ok := b.Recv(); ok {
		t.Fatal("Recv: packet delivered before its jitter delay elapsed")
	}

	clock = clock.Add(6 * time.Second)
	_, body, ok := b.Recv()
	if !ok {
		t.Fatal("Recv: expected delivery once jitter delay elapsed")
	}
	if string(body) != "late" {
		t.Fatalf("Recv body = %q, want %q", body, "late")
	}
}

func TestSimulatedSequenceAdvancesEvenWhenDropped(t *testing.T) {
	a, _ := NewSimulatedLoopbackPair(1, 0, 1)

	first := a.NextPacketSequence()
	if err := a.SendPacket([]byte("dropped")); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	if a.NextPacketSequence() != first+1 {
		t.Fatalf("sequence after dropped send = %d, want %d", a.NextPacketSequence(), first+1)
	}
}
