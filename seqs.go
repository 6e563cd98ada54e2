package btcp

// Value is a bTCP sequence number. The sequence space is 16 bits wide;
// arithmetic wraps modulo 2^16 and comparisons are wraparound-aware over
// half the space. A single transfer is sized so that its live sequence
// numbers always fall within the comparable range (see sender.MaxInputSize).
type Value uint16

// Size is a non-negative count of sequence numbers.
type Size uint16

// Add returns the sequence number s values past v, wrapping around the
// sequence space.
func Add(v Value, s Size) Value { return v + Value(s) }

// Sizeof returns the number of sequence numbers from from up to but not
// including to.
func Sizeof(from, to Value) Size { return Size(to - from) }

// LessThan returns true if v precedes x in the sequence space.
func (v Value) LessThan(x Value) bool { return int16(v-x) < 0 }

// LessThanEq returns true if v precedes or equals x in the sequence space.
func (v Value) LessThanEq(x Value) bool { return v == x || v.LessThan(x) }

// InWindow returns whether v lies in the window that starts at first and
// spans size sequence numbers.
func (v Value) InWindow(first Value, size Size) bool {
	return !v.LessThan(first) && v.LessThan(Add(first, size))
}
