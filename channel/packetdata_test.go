package channel

import (
	"bytes"
	"testing"

	"github.com/anon55555/reliable/bitpack"
	"github.com/anon55555/reliable/internal/testfactory"
	"github.com/anon55555/reliable/message"
)

func testCodecConfig(reliable bool) CodecConfig {
	return CodecConfig{
		Reliable:             reliable,
		MaxMessagesPerPacket: 16,
		MaxFragmentsPerBlock: 8,
		BlockFragmentSize:    4,
		MaxBlockSize:         32,
		Factory:              testfactory.Factory{},
	}
}

func encodeDecode(t *testing.T, cfg CodecConfig, pd *PacketData) *PacketData {
	t.Helper()
	buf := make([]byte, 4096)
	ws := bitpack.NewWriteStream(buf)
	if err := Encode(ws, cfg, pd); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := ws.W.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}

	rs := bitpack.NewReadStream(out)
	got, err := Decode(rs, cfg)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return got
}

func TestEncodeDecodeMessageList(t *testing.T) {
	cfg := testCodecConfig(true)
	m1 := message.New(0)
	m1.ID = 10
	m1.Payload = &testfactory.Payload{Data: []byte("hello")}
	m2 := message.New(0)
	m2.ID = 11
	m2.Payload = &testfactory.Payload{Data: []byte("world")}

	pd := &PacketData{ChannelIndex: 1, Messages: []*message.Message{m1, m2}}
	got := encodeDecode(t, cfg, pd)

	if got.FailedToSerialize {
		t.Fatal("FailedToSerialize = true, want false")
	}
	if len(got.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(got.Messages))
	}
	for i, want := range []*message.Message{m1, m2} {
		if got.Messages[i].ID != want.ID {
			t.Fatalf("message %d id = %d, want %d", i, got.Messages[i].ID, want.ID)
		}
		gp := got.Messages[i].Payload.(*testfactory.Payload)
		wp := want.Payload.(*testfactory.Payload)
		if !bytes.Equal(gp.Data, wp.Data) {
			t.Fatalf("message %d payload = %q, want %q", i, gp.Data, wp.Data)
		}
	}
}

func TestEncodeDecodeUnreliableMessageWithBlock(t *testing.T) {
	cfg := testCodecConfig(false)
	m := message.New(0)
	m.Payload = &testfactory.Payload{Data: []byte("x")}
	m.Block = []byte("attached-block-data")

	pd := &PacketData{ChannelIndex: 0, Messages: []*message.Message{m}}
	got := encodeDecode(t, cfg, pd)

	if len(got.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(got.Messages))
	}
	if !bytes.Equal(got.Messages[0].Block, m.Block) {
		t.Fatalf("Block = %q, want %q", got.Messages[0].Block, m.Block)
	}
}

func TestEncodeDecodeBlockFragment(t *testing.T) {
	cfg := testCodecConfig(true)
	owner := message.New(0)
	owner.ID = 42
	owner.Payload = &testfactory.Payload{Data: []byte("hdr")}

	bd := &BlockData{
		MessageID:    42,
		FragmentID:   0,
		NumFragments: 3,
		MessageType:  0,
		Message:      owner,
		FragmentData: []byte{1, 2, 3, 4},
	}
	pd := &PacketData{ChannelIndex: 1, Block: bd}
	got := encodeDecode(t, cfg, pd)

	if got.Block == nil {
		t.Fatal("Block = nil, want a BlockData")
	}
	if got.Block.MessageID != 42 || got.Block.FragmentID != 0 || got.Block.NumFragments != 3 {
		t.Fatalf("Block = %+v, want MessageID=42 FragmentID=0 NumFragments=3", got.Block)
	}
	if !bytes.Equal(got.Block.FragmentData, bd.FragmentData) {
		t.Fatalf("FragmentData = %v, want %v", got.Block.FragmentData, bd.FragmentData)
	}
	if got.Block.Message == nil || got.Block.Message.ID != 42 {
		t.Fatal("Block.Message not decoded with the right id")
	}
}

func TestEncodeDecodeBlockFragmentNonFirst(t *testing.T) {
	cfg := testCodecConfig(true)
	bd := &BlockData{
		MessageID:    42,
		FragmentID:   1,
		NumFragments: 3,
		FragmentData: []byte{5, 6, 7, 8},
	}
	pd := &PacketData{ChannelIndex: 0, Block: bd}
	got := encodeDecode(t, cfg, pd)

	if got.Block.FragmentID != 1 || got.Block.Message != nil {
		t.Fatalf("Block = %+v, want FragmentID=1 and no Message", got.Block)
	}
}

// corruptFactory always fails to deserialize, to exercise the
// FailedToSerialize recovery path: Decode must still return the rest of
// the packet.
type corruptFactory struct{ testfactory.Factory }

func (f corruptFactory) Serialize(s bitpack.Stream, m *message.Message) error {
	if s.IsReading() {
		return errAlwaysCorrupt
	}
	return f.Factory.Serialize(s, m)
}

var errAlwaysCorrupt = &corruptError{}

type corruptError struct{}

func (*corruptError) Error() string { return "corrupt payload" }

func TestDecodeRecoversFromFailedToSerialize(t *testing.T) {
	encCfg := testCodecConfig(true)
	m1 := message.New(0)
	m1.ID = 1
	m1.Payload = &testfactory.Payload{Data: []byte("first")}
	m2 := message.New(0)
	m2.ID = 2
	m2.Payload = &testfactory.Payload{Data: []byte("second")}

	pd := &PacketData{Messages: []*message.Message{m1, m2}}
	buf := make([]byte, 4096)
	ws := bitpack.NewWriteStream(buf)
	if err := Encode(ws, encCfg, pd); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := ws.W.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}

	decCfg := encCfg
	decCfg.Factory = corruptFactory{}
	rs := bitpack.NewReadStream(out)
	got, err := Decode(rs, decCfg)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.FailedToSerialize {
		t.Fatal("FailedToSerialize = false, want true")
	}
	if len(got.Messages) != 2 {
		t.Fatalf("got %d messages, want 2 (decode must still find both entries)", len(got.Messages))
	}
}

func TestMeasureMessageBitsMatchesFactory(t *testing.T) {
	m := message.New(0)
	m.Payload = &testfactory.Payload{Data: []byte("abcdef")}
	bits, err := MeasureMessageBits(testfactory.Factory{}, m)
	if err != nil {
		t.Fatal(err)
	}
	if bits <= 0 {
		t.Fatalf("MeasureMessageBits = %d, want > 0", bits)
	}
}
