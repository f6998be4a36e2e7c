// Package seq implements wraparound-aware comparisons on 16-bit sequence
// numbers, shared by the sequence buffer, the channels and the connection.
package seq

// Number is a 16-bit sequence number that wraps at 65536. Packet
// sequences and message ids are Numbers.
type Number = uint16

// GreaterThan reports whether a is newer than b, tolerating wraparound:
// a > b iff (a>b && a-b<=32768) || (a<b && b-a>32768).
func GreaterThan(a, b Number) bool {
	return (a > b && a-b <= 32768) || (a < b && b-a > 32768)
}

// LessThan reports whether a is older than b.
func LessThan(a, b Number) bool {
	return GreaterThan(b, a)
}

// GreaterThanOrEqual reports whether a is at least as new as b.
func GreaterThanOrEqual(a, b Number) bool {
	return a == b || GreaterThan(a, b)
}

// LessThanOrEqual reports whether a is at least as old as b.
func LessThanOrEqual(a, b Number) bool {
	return a == b || LessThan(a, b)
}
