package transport

import "testing"

func TestLoopbackSendRecvRoundTrip(t *testing.T) {
	a, b := NewLoopbackPair()

	seq := a.NextPacketSequence()
	if err := a.SendPacket([]byte("hello")); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	if a.NextPacketSequence() != seq+1 {
		t.Fatalf("NextPacketSequence after send = %d, want %d", a.NextPacketSequence(), seq+1)
	}

	_, body, ok := b.Recv()
	if !ok {
		t.Fatal("Recv: nothing waiting")
	}
	if string(body) != "hello" {
		t.Fatalf("Recv body = %q, want %q", body, "hello")
	}

	if _, _, ok := b.Recv(); ok {
		t.Fatal("Recv: expected empty inbox after draining the one packet")
	}
}

func TestLoopbackAcksPropagate(t *testing.T) {
	a, b := NewLoopbackPair()

	if err := a.SendPacket([]byte("one")); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	if err := a.SendPacket([]byte("two")); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	if _, _, ok := b.Recv(); !ok {
		t.Fatal("Recv: expected first packet")
	}
	if _, _, ok := b.Recv(); !ok {
		t.Fatal("Recv: expected second packet")
	}

	// b's next send piggybacks acks for what it has received from a.
	if err := b.SendPacket([]byte("ack-carrier")); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	if _, _, ok := a.Recv(); !ok {
		t.Fatal("Recv: expected ack-carrying packet")
	}

	acks := a.Acks()
	if len(acks) != 2 {
		t.Fatalf("got %d acks, want 2: %v", len(acks), acks)
	}

	a.ClearAcks()
	if len(a.Acks()) != 0 {
		t.Fatal("ClearAcks did not clear")
	}
}
