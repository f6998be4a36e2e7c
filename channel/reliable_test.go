package channel

import (
	"testing"
	"time"

	"github.com/anon55555/reliable/bitpack"
	"github.com/anon55555/reliable/internal/testfactory"
	"github.com/anon55555/reliable/message"
)

func testReliableConfig() Config {
	cfg := DefaultConfig(ReliableOrdered)
	cfg.SentPacketBufferSize = 8
	cfg.MessageSendQueueSize = 8
	cfg.MessageReceiveQueueSize = 8
	cfg.MaxMessagesPerPacket = 8
	cfg.MaxBlockSize = 16
	cfg.BlockFragmentSize = 4
	cfg.MessageResendTime = 10 * time.Millisecond
	cfg.BlockFragmentResendTime = 10 * time.Millisecond
	return cfg
}

// wireRoundTrip encodes pd with sender's own codec config and decodes it
// with receiver's, so the test exercises the actual byte-level codec
// rather than aliasing sender-owned Message pointers into the receiver.
func wireRoundTrip(t *testing.T, sender, receiver *Reliable, pd *PacketData) *PacketData {
	t.Helper()
	buf := make([]byte, 8192)
	ws := bitpack.NewWriteStream(buf)
	if err := Encode(ws, sender.CodecConfig(), pd); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := ws.W.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	rs := bitpack.NewReadStream(out)
	got, err := Decode(rs, receiver.CodecConfig())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return got
}

func newMsg(data string) *message.Message {
	m := message.New(0)
	m.Payload = &testfactory.Payload{Data: []byte(data)}
	return m
}

func TestReliableSendReceiveAndAck(t *testing.T) {
	cfg := testReliableConfig()
	sender := NewReliable(0, cfg, testfactory.Factory{}, nil)
	receiver := NewReliable(0, cfg, testfactory.Factory{}, nil)

	now := time.Unix(0, 0)
	sender.SendMessage(newMsg("hello"))

	pd, bits := sender.GeneratePacketData(100, 100000, now)
	if pd == nil {
		t.Fatal("GeneratePacketData = nil, want a packet")
	}
	if bits <= 0 {
		t.Fatalf("usedBits = %d, want > 0", bits)
	}

	decoded := wireRoundTrip(t, sender, receiver, pd)
	for _, m := range pd.Messages {
		m.Release() // drop the transmit-path ref, as the connection would
	}

	receiver.ProcessPacketData(decoded, 100)
	got := receiver.ReceiveMessage()
	if got == nil {
		t.Fatal("ReceiveMessage = nil, want the sent message")
	}
	if string(got.Payload.(*testfactory.Payload).Data) != "hello" {
		t.Fatalf("payload = %q, want hello", got.Payload.(*testfactory.Payload).Data)
	}

	if !sender.HasMessagesToSend() {
		t.Fatal("HasMessagesToSend = false before ack, want true")
	}
	sender.ProcessAck(100)
	if sender.HasMessagesToSend() {
		t.Fatal("HasMessagesToSend = true after ack, want false")
	}
}

func TestReliableResendsUnackedMessage(t *testing.T) {
	cfg := testReliableConfig()
	sender := NewReliable(0, cfg, testfactory.Factory{}, nil)

	now := time.Unix(0, 0)
	sender.SendMessage(newMsg("x"))

	pd1, _ := sender.GeneratePacketData(1, 100000, now)
	if pd1 == nil {
		t.Fatal("first GeneratePacketData = nil")
	}
	for _, m := range pd1.Messages {
		m.Release()
	}

	// Too soon: resend timer hasn't elapsed.
	if pd, _ := sender.GeneratePacketData(2, 100000, now); pd != nil {
		t.Fatal("resent before MessageResendTime elapsed")
	}

	later := now.Add(cfg.MessageResendTime * 2)
	pd2, _ := sender.GeneratePacketData(2, 100000, later)
	if pd2 == nil {
		t.Fatal("expected a resend once the timer elapsed")
	}
	for _, m := range pd2.Messages {
		m.Release()
	}
	if sender.GetCounter(CounterResent) != 1 {
		t.Fatalf("CounterResent = %d, want 1", sender.GetCounter(CounterResent))
	}
}

func TestReliableSendQueueFullSetsError(t *testing.T) {
	cfg := testReliableConfig()
	sender := NewReliable(0, cfg, testfactory.Factory{}, nil)

	for i := 0; i < int(cfg.MessageSendQueueSize); i++ {
		sender.SendMessage(newMsg("x"))
	}
	if sender.GetErrorLevel() != ErrorNone {
		t.Fatalf("error level = %v after filling queue exactly, want none", sender.GetErrorLevel())
	}
	sender.SendMessage(newMsg("overflow"))
	if sender.GetErrorLevel() != ErrorSendQueueFull {
		t.Fatalf("error level = %v, want ErrorSendQueueFull", sender.GetErrorLevel())
	}
	if sender.CanSendMessage() {
		t.Fatal("CanSendMessage = true after sticky error, want false")
	}
}

func TestReliableBlockFragmentationAndReassembly(t *testing.T) {
	cfg := testReliableConfig()
	sender := NewReliable(0, cfg, testfactory.Factory{}, nil)
	receiver := NewReliable(0, cfg, testfactory.Factory{}, nil)

	m := newMsg("hdr")
	m.Block = []byte("0123456789abcdef") // 16 bytes = 4 fragments of 4
	sender.SendMessage(m)

	now := time.Unix(0, 0)
	var packetSeq uint16
	for i := 0; i < 4; i++ {
		pd, _ := sender.GeneratePacketData(packetSeq, 100000, now)
		if pd == nil || pd.Block == nil {
			t.Fatalf("fragment %d: GeneratePacketData did not return a block fragment", i)
		}
		decoded := wireRoundTrip(t, sender, receiver, pd)
		if pd.Block.FragmentID == 0 {
			pd.Block.Message.Release()
		}
		receiver.ProcessPacketData(decoded, packetSeq)
		sender.ProcessAck(packetSeq)
		packetSeq++
	}

	got := receiver.ReceiveMessage()
	if got == nil {
		t.Fatal("ReceiveMessage = nil after all fragments delivered")
	}
	if string(got.Block) != "0123456789abcdef" {
		t.Fatalf("reassembled block = %q, want 0123456789abcdef", got.Block)
	}
	if sender.HasMessagesToSend() {
		t.Fatal("HasMessagesToSend = true after block fully acked, want false")
	}
}

func TestReliableOutOfWindowIDSetsDesync(t *testing.T) {
	cfg := testReliableConfig()
	receiver := NewReliable(0, cfg, testfactory.Factory{}, nil)

	m := newMsg("x")
	m.ID = cfg.MessageReceiveQueueSize + 50 // far beyond the receive window
	pd := &PacketData{Messages: []*message.Message{m}}

	receiver.ProcessPacketData(pd, 0)
	if receiver.GetErrorLevel() != ErrorDesync {
		t.Fatalf("error level = %v, want ErrorDesync", receiver.GetErrorLevel())
	}
}

func TestReliableDuplicateAckIsNoop(t *testing.T) {
	cfg := testReliableConfig()
	sender := NewReliable(0, cfg, testfactory.Factory{}, nil)
	sender.SendMessage(newMsg("x"))

	pd, _ := sender.GeneratePacketData(5, 100000, time.Unix(0, 0))
	for _, m := range pd.Messages {
		m.Release()
	}
	sender.ProcessAck(5)
	sender.ProcessAck(5) // must not panic or double-release
	if sender.HasMessagesToSend() {
		t.Fatal("HasMessagesToSend = true after ack, want false")
	}
}

func TestReliableReset(t *testing.T) {
	cfg := testReliableConfig()
	sender := NewReliable(0, cfg, testfactory.Factory{}, nil)
	sender.SendMessage(newMsg("x"))
	sender.SendMessage(newMsg("y"))

	sender.Reset()
	if sender.HasMessagesToSend() {
		t.Fatal("HasMessagesToSend = true after Reset, want false")
	}
	if sender.GetErrorLevel() != ErrorNone {
		t.Fatalf("error level = %v after Reset, want none", sender.GetErrorLevel())
	}
	if !sender.CanSendMessage() {
		t.Fatal("CanSendMessage = false after Reset, want true")
	}
}
