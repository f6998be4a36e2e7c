package bitpack

// Stream unifies writing, reading and measuring behind one interface, so a
// single serialize method (e.g. message.Factory.Serialize) can be handed
// any of the three and do the right thing without branching on direction.
type Stream interface {
	IsWriting() bool
	IsReading() bool

	// SerializeBits writes or reads *value as `bits` bits, or on a
	// measuring stream just accounts for them.
	SerializeBits(value *uint32, bits int) error

	// SerializeBool writes or reads *value as one bit.
	SerializeBool(value *bool) error

	// SerializeInt writes or reads *value as an integer known to lie in
	// [min, max], using BitsRequired(min, max) bits.
	SerializeInt(value *int, min, max int32) error

	// SerializeBytes writes or reads exactly len(*value) (Writing) or
	// length (Reading/Measuring) raw bytes, byte-aligning first.
	SerializeBytes(value *[]byte, length int) error

	// BitsProcessed returns the number of bits written, read or measured
	// so far.
	BitsProcessed() int
}

// WriteStream serializes by writing into a Writer.
type WriteStream struct{ W *Writer }

func NewWriteStream(buf []byte) *WriteStream { return &WriteStream{W: NewWriter(buf)} }

func (s *WriteStream) IsWriting() bool { return true }
func (s *WriteStream) IsReading() bool { return false }

func (s *WriteStream) BitsProcessed() int { return s.W.BitsWritten() }

func (s *WriteStream) SerializeBits(value *uint32, bits int) error {
	return s.W.WriteBits(*value, bits)
}

func (s *WriteStream) SerializeBool(value *bool) error {
	return s.W.WriteBool(*value)
}

func (s *WriteStream) SerializeInt(value *int, min, max int32) error {
	bits := BitsRequired(min, max)
	return s.W.WriteBits(uint32(int32(*value)-min), bits)
}

func (s *WriteStream) SerializeBytes(value *[]byte, length int) error {
	return s.W.WriteBytes(*value)
}

// ReadStream serializes by reading from a Reader.
type ReadStream struct{ R *Reader }

func NewReadStream(buf []byte) *ReadStream { return &ReadStream{R: NewReader(buf)} }

func (s *ReadStream) IsWriting() bool { return false }
func (s *ReadStream) IsReading() bool { return true }

func (s *ReadStream) BitsProcessed() int { return s.R.BitsRead() }

func (s *ReadStream) SerializeBits(value *uint32, bits int) error {
	v, err := s.R.ReadBits(bits)
	if err != nil {
		return err
	}
	*value = v
	return nil
}

func (s *ReadStream) SerializeBool(value *bool) error {
	v, err := s.R.ReadBool()
	if err != nil {
		return err
	}
	*value = v
	return nil
}

func (s *ReadStream) SerializeInt(value *int, min, max int32) error {
	bits := BitsRequired(min, max)
	v, err := s.R.ReadBits(bits)
	if err != nil {
		return err
	}
	*value = int(int32(v) + min)
	return nil
}

func (s *ReadStream) SerializeBytes(value *[]byte, length int) error {
	b, err := s.R.ReadBytes(length)
	if err != nil {
		return err
	}
	*value = b
	return nil
}

// MeasureStream accounts for bits without storing any data; it is used to
// pre-size a message or packet before the real write.
type MeasureStream struct {
	bits int
}

func NewMeasureStream() *MeasureStream { return &MeasureStream{} }

func (s *MeasureStream) IsWriting() bool { return true }
func (s *MeasureStream) IsReading() bool { return false }

func (s *MeasureStream) BitsProcessed() int { return s.bits }

func (s *MeasureStream) SerializeBits(value *uint32, bits int) error {
	s.bits += bits
	return nil
}

func (s *MeasureStream) SerializeBool(value *bool) error {
	s.bits++
	return nil
}

func (s *MeasureStream) SerializeInt(value *int, min, max int32) error {
	s.bits += BitsRequired(min, max)
	return nil
}

func (s *MeasureStream) SerializeBytes(value *[]byte, length int) error {
	s.bits += (8 - s.bits%8) % 8 // account for the alignment a real write would pad
	s.bits += 8 * length
	return nil
}
