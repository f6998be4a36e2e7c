package bitpack

// Sequence-relative encoding shortens a message id that is near the
// previous one in the same packet entry: most runs of queued ids are
// consecutive, so a handful of bits usually suffices instead of a full
// 16-bit id.
const (
	relSmallRange = 1 << 5
	relSmallWidth = 5
	relLargeWidth = 16
)

// WriteRelativeSequence writes `current` relative to `previous`: a 1-bit
// tag picks between a small (<32) forward delta, wraparound-aware, and a
// full 16-bit value.
func WriteRelativeSequence(s Stream, previous, current uint16) error {
	delta := uint32(uint16(current - previous))
	small := delta > 0 && delta < relSmallRange
	if err := s.SerializeBool(&small); err != nil {
		return err
	}
	if small {
		return s.SerializeBits(&delta, relSmallWidth)
	}
	full := uint32(current)
	return s.SerializeBits(&full, relLargeWidth)
}

// ReadRelativeSequence reads a value written by WriteRelativeSequence.
func ReadRelativeSequence(s Stream, previous uint16) (uint16, error) {
	var small bool
	if err := s.SerializeBool(&small); err != nil {
		return 0, err
	}
	if small {
		var d uint32
		if err := s.SerializeBits(&d, relSmallWidth); err != nil {
			return 0, err
		}
		return previous + uint16(d), nil
	}
	var current uint32
	if err := s.SerializeBits(&current, relLargeWidth); err != nil {
		return 0, err
	}
	return uint16(current), nil
}
