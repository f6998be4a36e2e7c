package channel

import (
	"fmt"

	"github.com/anon55555/reliable/bitpack"
	"github.com/anon55555/reliable/message"
)

// BlockData is a single block fragment, the wire payload a reliable
// channel emits while a block message is in flight.
type BlockData struct {
	MessageID    uint16
	FragmentID   int
	NumFragments int

	// MessageType and Message are only meaningful (and only transmitted)
	// when FragmentID == 0: the first fragment also carries the owning
	// message's header and serialized payload.
	MessageType  uint16
	Message      *message.Message
	FragmentData []byte
}

// PacketData is one channel's contribution to a connection packet: either
// a block fragment or a list of messages, never both. ChannelIndex is set
// by the caller before Encode and read back
// after Decode purely as a convenience for tests and callers that build a
// PacketData directly; the wire framing that actually routes an entry to
// the right channel lives in the connection's own packet loop (it must
// know which channel it's about to decode before it can pick that
// channel's CodecConfig.Reliable), not inside Encode/Decode.
type PacketData struct {
	ChannelIndex int

	Block    *BlockData
	Messages []*message.Message

	// FailedToSerialize is set by Decode when a reliable message body
	// failed to deserialize; the entry is still usable (the length-
	// prefixed body let decoding skip past it), and the owning channel
	// raises ErrorFailedToDeserialize when it sees this flag.
	FailedToSerialize bool
}

// CodecConfig carries the parameters Encode/Decode need that aren't part
// of the PacketData itself: whether this entry belongs to a reliable
// channel (which changes how message ids are packed) and the channel's
// block/message limits. It describes exactly one channel; a connection
// picks the right CodecConfig per entry from its own channel list.
type CodecConfig struct {
	Reliable             bool
	MaxMessagesPerPacket int
	MaxFragmentsPerBlock int
	BlockFragmentSize    int
	MaxBlockSize         int
	Factory              message.Factory
}

// maxBodyBytes bounds the length prefix placed before each message/block
// body so a corrupt body can be skipped without desyncing the rest of the
// stream; see the decode note on FailedToSerialize below.
const maxBodyBytes = 1 << 20

// BodyLengthPrefixBits is the fixed cost of the length prefix Encode adds
// before every message/block body (see serializeBody below). Callers that
// estimate a message's on-wire cost before packing (reliable.go's own
// non-block packing budget) must add this in.
var BodyLengthPrefixBits = bitpack.BitsRequired(0, maxBodyBytes)

// Encode writes pd using cfg onto s. A Factory.Serialize error writing a
// body is a programmer error (the sender's own message, not adversarial
// input) and is returned as-is.
func Encode(s bitpack.Stream, cfg CodecConfig, pd *PacketData) error {
	isBlock := pd.Block != nil
	if err := s.SerializeBool(&isBlock); err != nil {
		return err
	}

	if isBlock {
		return encodeBlock(s, cfg, pd.Block)
	}
	return encodeMessages(s, cfg, pd.Messages)
}

func encodeBlock(s bitpack.Stream, cfg CodecConfig, b *BlockData) error {
	id := uint32(b.MessageID)
	if err := s.SerializeBits(&id, 16); err != nil {
		return err
	}

	numFragments := b.NumFragments
	if cfg.MaxFragmentsPerBlock > 1 {
		if err := s.SerializeInt(&numFragments, 1, int32(cfg.MaxFragmentsPerBlock)); err != nil {
			return err
		}
	}

	fragmentID := b.FragmentID
	if numFragments > 1 {
		if err := s.SerializeInt(&fragmentID, 0, int32(numFragments-1)); err != nil {
			return err
		}
	}

	size := len(b.FragmentData)
	if err := s.SerializeInt(&size, 1, int32(cfg.BlockFragmentSize)); err != nil {
		return err
	}
	data := b.FragmentData
	if err := s.SerializeBytes(&data, size); err != nil {
		return err
	}

	if fragmentID == 0 {
		mt := int(b.MessageType)
		if err := s.SerializeInt(&mt, 0, int32(cfg.Factory.MaxMessageType())); err != nil {
			return err
		}
		return serializeBody(s, cfg, b.Message)
	}
	return nil
}

func encodeMessages(s bitpack.Stream, cfg CodecConfig, msgs []*message.Message) error {
	hasMessages := len(msgs) > 0
	if err := s.SerializeBool(&hasMessages); err != nil {
		return err
	}
	if !hasMessages {
		return nil
	}

	count := len(msgs)
	if err := s.SerializeInt(&count, 1, int32(cfg.MaxMessagesPerPacket)); err != nil {
		return err
	}

	if cfg.Reliable {
		first := uint32(msgs[0].ID)
		if err := s.SerializeBits(&first, 16); err != nil {
			return err
		}
		prev := msgs[0].ID
		for i := 1; i < count; i++ {
			cur := msgs[i].ID
			if err := bitpack.WriteRelativeSequence(s, prev, cur); err != nil {
				return err
			}
			prev = cur
		}
	}

	for _, m := range msgs {
		mt := int(m.Type)
		if err := s.SerializeInt(&mt, 0, int32(cfg.Factory.MaxMessageType())); err != nil {
			return err
		}
		if err := serializeBody(s, cfg, m); err != nil {
			return err
		}
		if !cfg.Reliable {
			if err := serializeMessageBlock(s, cfg, m); err != nil {
				return err
			}
		}
	}
	return nil
}

// serializeBody wraps Factory.Serialize with a byte length prefix so a
// corrupt or mismatched body can be skipped deterministically on decode
// instead of desyncing every later entry in the packet.
func serializeBody(s bitpack.Stream, cfg CodecConfig, m *message.Message) error {
	// Encode is only ever driven by a WriteStream or a MeasureStream
	// (both report IsWriting() true); Decode drives the mirror function
	// below with a ReadStream.
	ms := bitpack.NewMeasureStream()
	if err := cfg.Factory.Serialize(ms, m); err != nil {
		return err
	}
	length := (ms.BitsProcessed() + 7) / 8

	if err := s.SerializeInt(&length, 0, int32(maxBodyBytes)); err != nil {
		return err
	}
	// The body starts and ends on a byte boundary, so it occupies exactly
	// length bytes on the wire whatever alignment it does internally.
	var none []byte
	if err := s.SerializeBytes(&none, 0); err != nil {
		return err
	}
	if err := cfg.Factory.Serialize(s, m); err != nil {
		return err
	}
	return s.SerializeBytes(&none, 0)
}

func serializeMessageBlock(s bitpack.Stream, cfg CodecConfig, m *message.Message) error {
	hasBlock := m.HasBlock()
	if err := s.SerializeBool(&hasBlock); err != nil {
		return err
	}
	if !hasBlock {
		return nil
	}
	length := len(m.Block)
	if err := s.SerializeInt(&length, 0, int32(cfg.MaxBlockSize)); err != nil {
		return err
	}
	data := m.Block
	return s.SerializeBytes(&data, length)
}

// Decode reads a PacketData written by Encode. A body-level failure
// (Factory.Serialize erroring while reading a reliable message's
// payload) is swallowed: the entry's FailedToSerialize flag is set and
// decoding continues with the next entry, since a body that fails to
// parse maps to FailedToDeserialize once the channel processes it, not to
// a failed read of the packet itself. A failure anywhere else (headers,
// counts, fragment fields, or an unreliable/block message body) fails the
// whole Decode call.
func Decode(s bitpack.Stream, cfg CodecConfig) (*PacketData, error) {
	pd := &PacketData{}

	var isBlock bool
	if err := s.SerializeBool(&isBlock); err != nil {
		return nil, err
	}

	if isBlock {
		b, err := decodeBlock(s, cfg)
		if err != nil {
			return nil, err
		}
		pd.Block = b
		return pd, nil
	}

	msgs, failed, err := decodeMessages(s, cfg)
	if err != nil {
		return nil, err
	}
	pd.Messages = msgs
	pd.FailedToSerialize = failed
	return pd, nil
}

func decodeBlock(s bitpack.Stream, cfg CodecConfig) (*BlockData, error) {
	idv, err := readBits16(s)
	if err != nil {
		return nil, err
	}
	b := &BlockData{MessageID: idv}

	numFragments := 1
	if cfg.MaxFragmentsPerBlock > 1 {
		if err := s.SerializeInt(&numFragments, 1, int32(cfg.MaxFragmentsPerBlock)); err != nil {
			return nil, err
		}
	}
	b.NumFragments = numFragments

	fragmentID := 0
	if numFragments > 1 {
		if err := s.SerializeInt(&fragmentID, 0, int32(numFragments-1)); err != nil {
			return nil, err
		}
	}
	b.FragmentID = fragmentID

	size := 0
	if err := s.SerializeInt(&size, 1, int32(cfg.BlockFragmentSize)); err != nil {
		return nil, err
	}
	var data []byte
	if err := s.SerializeBytes(&data, size); err != nil {
		return nil, err
	}
	b.FragmentData = data

	if fragmentID == 0 {
		mt := 0
		if err := s.SerializeInt(&mt, 0, int32(cfg.Factory.MaxMessageType())); err != nil {
			return nil, err
		}
		b.MessageType = uint16(mt)

		m, err := cfg.Factory.Create(b.MessageType)
		if err != nil {
			return nil, fmt.Errorf("channel: decode block message: %w", err)
		}
		m.ID = b.MessageID
		if _, err := deserializeBody(s, cfg, m); err != nil {
			// A block message's header is required to reassemble the
			// block at all; unlike a reliable message-list entry, there
			// is no later entry to skip to, so this fails Decode.
			return nil, fmt.Errorf("channel: decode block message body: %w", err)
		}
		b.Message = m
	}

	return b, nil
}

func decodeMessages(s bitpack.Stream, cfg CodecConfig) ([]*message.Message, bool, error) {
	var hasMessages bool
	if err := s.SerializeBool(&hasMessages); err != nil {
		return nil, false, err
	}
	if !hasMessages {
		return nil, false, nil
	}

	count := 0
	if err := s.SerializeInt(&count, 1, int32(cfg.MaxMessagesPerPacket)); err != nil {
		return nil, false, err
	}

	ids := make([]uint16, count)
	if cfg.Reliable {
		first, err := readBits16(s)
		if err != nil {
			return nil, false, err
		}
		ids[0] = first
		prev := first
		for i := 1; i < count; i++ {
			cur, err := bitpack.ReadRelativeSequence(s, prev)
			if err != nil {
				return nil, false, err
			}
			ids[i] = cur
			prev = cur
		}
	}

	msgs := make([]*message.Message, count)
	failed := false
	for i := 0; i < count; i++ {
		mt := 0
		if err := s.SerializeInt(&mt, 0, int32(cfg.Factory.MaxMessageType())); err != nil {
			return nil, false, err
		}
		m, err := cfg.Factory.Create(uint16(mt))
		if err != nil {
			return nil, false, fmt.Errorf("channel: decode message: %w", err)
		}
		if cfg.Reliable {
			m.ID = ids[i]
		}

		if ok, err := deserializeBody(s, cfg, m); err != nil {
			return nil, false, err
		} else if !ok {
			failed = true
		}

		if !cfg.Reliable {
			// The unreliable channel carries no id on the wire; its
			// ProcessPacketData stamps Message.ID with the packet
			// sequence on receipt.
			if err := deserializeMessageBlock(s, cfg, m); err != nil {
				return nil, false, err
			}
		}

		msgs[i] = m
	}
	return msgs, failed, nil
}

// deserializeBody reads a length-prefixed message body. It reports
// ok=false (and a nil error) when the body itself failed to parse but the
// given byte length let the reader skip cleanly past it, the
// FailedToSerialize case. Any other failure (the length prefix itself, or
// running out of buffer) is a hard error.
func deserializeBody(s bitpack.Stream, cfg CodecConfig, m *message.Message) (ok bool, err error) {
	length := 0
	if err := s.SerializeInt(&length, 0, int32(maxBodyBytes)); err != nil {
		return false, err
	}
	var none []byte
	if err := s.SerializeBytes(&none, 0); err != nil {
		return false, err
	}

	rs, isReadStream := s.(*bitpack.ReadStream)
	if !isReadStream {
		// A measuring caller never has a real body to parse; account for
		// the declared length and move on.
		var skip []byte
		return true, s.SerializeBytes(&skip, length)
	}

	startBits := rs.BitsProcessed()
	if err := cfg.Factory.Serialize(s, m); err != nil {
		// Resynchronize to the end of this body's declared length so the
		// next entry in the packet can still be read.
		consumed := rs.BitsProcessed() - startBits
		if err := skipBits(rs, length*8-consumed); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, s.SerializeBytes(&none, 0)
}

// skipBits discards n bits (n may be 0) from r, in chunks no larger than
// 32 bits at a time (bitpack.Reader.ReadBits' limit).
func skipBits(r *bitpack.ReadStream, n int) error {
	for n > 0 {
		chunk := n
		if chunk > 32 {
			chunk = 32
		}
		if _, err := r.R.ReadBits(chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func deserializeMessageBlock(s bitpack.Stream, cfg CodecConfig, m *message.Message) error {
	var hasBlock bool
	if err := s.SerializeBool(&hasBlock); err != nil {
		return err
	}
	if !hasBlock {
		return nil
	}
	length := 0
	if err := s.SerializeInt(&length, 0, int32(cfg.MaxBlockSize)); err != nil {
		return err
	}
	var data []byte
	if err := s.SerializeBytes(&data, length); err != nil {
		return err
	}
	m.Block = data
	return nil
}

func readBits16(s bitpack.Stream) (uint16, error) {
	var v uint32
	if err := s.SerializeBits(&v, 16); err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// MeasureMessageBits returns the number of bits factory.Serialize would
// write for m's payload alone, excluding the wire length prefix and type
// tag Encode adds around it. The reliable channel uses this for a
// SendEntry's measuredBits: the packing loop in reliable.go separately
// adds the type tag and length-prefix cost.
func MeasureMessageBits(factory message.Factory, m *message.Message) (int, error) {
	ms := bitpack.NewMeasureStream()
	if err := factory.Serialize(ms, m); err != nil {
		return 0, err
	}
	return ms.BitsProcessed(), nil
}
