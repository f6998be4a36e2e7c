// Package testfactory implements a minimal message.Factory used by the
// core packages' own tests: a single message type whose payload is a
// length-prefixed byte string.
package testfactory

import (
	"fmt"

	"github.com/anon55555/reliable/bitpack"
	"github.com/anon55555/reliable/message"
)

// MaxType is the only message type this factory knows how to create.
const MaxType = 0

// Payload is the test message body: an opaque byte string.
type Payload struct {
	Data []byte
}

// Factory implements message.Factory for tests.
type Factory struct{}

func (Factory) MaxMessageType() uint16 { return MaxType }

func (Factory) Create(msgType uint16) (*message.Message, error) {
	if msgType > MaxType {
		return nil, fmt.Errorf("testfactory: unknown message type %d", msgType)
	}
	m := message.New(msgType)
	m.Payload = &Payload{}
	return m, nil
}

func (Factory) Serialize(s bitpack.Stream, m *message.Message) error {
	p, ok := m.Payload.(*Payload)
	if !ok {
		if !s.IsReading() {
			return fmt.Errorf("testfactory: message has no Payload")
		}
		p = &Payload{}
		m.Payload = p
	}

	length := len(p.Data)
	if err := s.SerializeInt(&length, 0, 1024); err != nil {
		return err
	}
	if s.IsReading() {
		p.Data = make([]byte, length)
	}
	return s.SerializeBytes(&p.Data, length)
}
