// Package message implements the opaque, reference-counted message
// objects passed between application code and the channels, and the
// Factory interface applications implement to create and serialize their
// own message types.
package message

import (
	"fmt"

	"github.com/anon55555/reliable/bitpack"
)

// Message is a reference-counted, polymorphic application record: a
// 16-bit type tag, a 16-bit id assigned by the channel that owns it, an
// optional attached block, and an opaque payload only the Factory knows
// how to serialize.
//
// A Message starts with refcount 1 (the caller that created it); Acquire
// and Release adjust it. Acquire/Release are not safe for concurrent use
// from multiple goroutines, since the whole core assumes a single tick
// thread.
type Message struct {
	Type uint16
	ID   uint16

	// Block is the optional byte array attached to this message. Its
	// length must not exceed the owning channel's configured
	// maxBlockSize.
	Block []byte

	// Payload is the application-defined tail of the message, opaque to
	// the core; only Factory.Serialize touches it.
	Payload interface{}

	refcount int32
}

// Acquire increments the refcount.
func (m *Message) Acquire() *Message {
	m.refcount++
	return m
}

// Release decrements the refcount. The message is not usable after the
// refcount reaches zero; callers must not retain references past their
// own Release call.
func (m *Message) Release() {
	m.refcount--
	if m.refcount < 0 {
		panic(fmt.Sprintf("message: refcount underflow on type %d id %d", m.Type, m.ID))
	}
}

// RefCount returns the current refcount, mostly useful for tests.
func (m *Message) RefCount() int32 { return m.refcount }

// HasBlock reports whether a block is attached.
func (m *Message) HasBlock() bool { return m.Block != nil }

// New returns a Message with refcount 1, as Factory.Create implementations
// should.
func New(msgType uint16) *Message {
	return &Message{Type: msgType, refcount: 1}
}

// Factory creates and serializes application-defined message bodies. The
// same Factory implementation (and the same MaxMessageType) must be used
// on both endpoints of a connection.
type Factory interface {
	// MaxMessageType returns the highest valid message type; types are
	// serialized in [0, MaxMessageType()].
	MaxMessageType() uint16

	// Create returns a new Message of the given type with refcount 1.
	// It returns an error for an out-of-range type.
	Create(msgType uint16) (*Message, error)

	// Serialize writes or reads m.Payload (never m.Type, m.ID or
	// m.Block, which the codec owns) using s. It returns an error if the
	// payload could not be serialized; package channel maps that to its
	// FailedToSerialize/FailedToDeserialize handling.
	Serialize(s bitpack.Stream, m *Message) error
}
