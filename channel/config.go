package channel

import (
	"fmt"
	"time"
)

// Kind selects a channel's reliability/ordering policy.
type Kind int

const (
	// ReliableOrdered delivers every message exactly once, in order,
	// retransmitting until acked.
	ReliableOrdered Kind = iota
	// UnreliableUnordered delivers each message at most once, in the
	// order its containing packet arrives; it never retransmits.
	UnreliableUnordered
)

func (k Kind) String() string {
	switch k {
	case ReliableOrdered:
		return "reliable-ordered"
	case UnreliableUnordered:
		return "unreliable-unordered"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Config configures one channel. Queue sizes must each divide 65536
// exactly so sequence-modulo-capacity stays monotone across a full wrap.
type Config struct {
	Kind Kind

	// DisableBlocks rejects any inbound block fragment with
	// ErrorBlocksDisabled; only meaningful for ReliableOrdered.
	DisableBlocks bool

	SentPacketBufferSize    uint16
	MessageSendQueueSize    uint16
	MessageReceiveQueueSize uint16
	MaxMessagesPerPacket    int

	// PacketBudget caps this channel's contribution to a packet in
	// bytes; <= 0 means take whatever the connection hands it.
	PacketBudget int

	MaxBlockSize      int
	BlockFragmentSize int

	MessageResendTime       time.Duration
	BlockFragmentResendTime time.Duration
}

// DefaultConfig returns conservative defaults for the given Kind.
func DefaultConfig(kind Kind) Config {
	return Config{
		Kind:                    kind,
		SentPacketBufferSize:    1024,
		MessageSendQueueSize:    1024,
		MessageReceiveQueueSize: 1024,
		MaxMessagesPerPacket:    256,
		PacketBudget:            -1,
		MaxBlockSize:            256 * 1024,
		BlockFragmentSize:       1024,
		MessageResendTime:       100 * time.Millisecond,
		BlockFragmentResendTime: 250 * time.Millisecond,
	}
}

// MaxFragmentsPerBlock returns MaxBlockSize / BlockFragmentSize.
func (c Config) MaxFragmentsPerBlock() int {
	return c.MaxBlockSize / c.BlockFragmentSize
}

// Validate checks the wraparound-safety and range constraints a Config
// must satisfy.
func (c Config) Validate() error {
	for _, sz := range []struct {
		name string
		v    uint16
	}{
		{"SentPacketBufferSize", c.SentPacketBufferSize},
		{"MessageSendQueueSize", c.MessageSendQueueSize},
		{"MessageReceiveQueueSize", c.MessageReceiveQueueSize},
	} {
		if sz.v == 0 || 65536%int(sz.v) != 0 {
			return fmt.Errorf("channel: %s (%d) must be > 0 and divide 65536", sz.name, sz.v)
		}
	}
	if c.MaxMessagesPerPacket <= 0 {
		return fmt.Errorf("channel: MaxMessagesPerPacket must be > 0")
	}
	if c.BlockFragmentSize <= 0 || c.MaxBlockSize <= 0 || c.MaxBlockSize < c.BlockFragmentSize {
		return fmt.Errorf("channel: MaxBlockSize must be >= BlockFragmentSize > 0")
	}
	return nil
}
