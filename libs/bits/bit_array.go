// Package bits implements a fixed-size, thread-safe bit array used to track
// which votes, block parts or peer-known items have been seen so far.
package bits

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"

	cmtsync "github.com/bftlabs/tmcore/libs/sync"
)

// BitArray is a thread-safe implementation of a bit array.
type BitArray struct {
	mtx   cmtsync.Mutex
	Bits  int      `json:"bits"`
	Elems []uint64 `json:"elems"`
}

// NewBitArray returns a new bit array of the given size. A negative or zero
// size returns nil, matching the JSON-null encoding of an empty array.
func NewBitArray(bits int) *BitArray {
	if bits <= 0 {
		return nil
	}
	return &BitArray{
		Bits:  bits,
		Elems: make([]uint64, numElems(bits)),
	}
}

// NewBitArrayFromFn builds a bit array of the given size, setting index i
// to fn(i).
func NewBitArrayFromFn(bits int, fn func(int) bool) *BitArray {
	bA := NewBitArray(bits)
	if bA == nil {
		return nil
	}
	for i := 0; i < bits; i++ {
		if fn(i) {
			bA.setIndex(i, true)
		}
	}
	return bA
}

func numElems(bits int) int {
	return (bits + 63) / 64
}

// Size returns the number of bits in the array.
func (bA *BitArray) Size() int {
	if bA == nil {
		return 0
	}
	return bA.Bits
}

// GetIndex returns true if the bit at index i is set. It is safe to call on
// an out-of-range index or a nil receiver.
func (bA *BitArray) GetIndex(i int) bool {
	if bA == nil {
		return false
	}
	bA.mtx.Lock()
	defer bA.mtx.Unlock()
	return bA.getIndex(i)
}

func (bA *BitArray) getIndex(i int) bool {
	if i < 0 || i >= bA.Bits {
		return false
	}
	return bA.Elems[i/64]&(uint64(1)<<uint(i%64)) > 0
}

// SetIndex sets the bit at index i to v, returning false if the index is
// out of range or the receiver is nil.
func (bA *BitArray) SetIndex(i int, v bool) bool {
	if bA == nil {
		return false
	}
	bA.mtx.Lock()
	defer bA.mtx.Unlock()
	return bA.setIndex(i, v)
}

func (bA *BitArray) setIndex(i int, v bool) bool {
	if i < 0 || i >= bA.Bits {
		return false
	}
	if v {
		bA.Elems[i/64] |= uint64(1) << uint(i%64)
	} else {
		bA.Elems[i/64] &= ^(uint64(1) << uint(i%64))
	}
	return true
}

// Copy returns a new BitArray with the same bits set.
func (bA *BitArray) Copy() *BitArray {
	if bA == nil {
		return nil
	}
	bA.mtx.Lock()
	defer bA.mtx.Unlock()
	return bA.copy()
}

func (bA *BitArray) copy() *BitArray {
	elems := make([]uint64, len(bA.Elems))
	copy(elems, bA.Elems)
	return &BitArray{Bits: bA.Bits, Elems: elems}
}

// And returns a bit array with bits set wherever both bA and o have theirs
// set, truncated to the smaller of the two sizes.
func (bA *BitArray) And(o *BitArray) *BitArray {
	if bA == nil || o == nil {
		return nil
	}
	bA.mtx.Lock()
	defer bA.mtx.Unlock()
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return bA.and(o)
}

func (bA *BitArray) and(o *BitArray) *BitArray {
	c := bA.copy()
	if bA.Bits > o.Bits {
		c.Bits = o.Bits
		c.Elems = c.Elems[:len(o.Elems)]
	}
	for i := 0; i < len(c.Elems); i++ {
		c.Elems[i] &= o.Elems[i]
	}
	return c
}

// Or returns a bit array with bits set wherever either bA or o has theirs
// set, extended to the larger of the two sizes.
func (bA *BitArray) Or(o *BitArray) *BitArray {
	if bA == nil {
		return o.Copy()
	}
	if o == nil {
		return bA.Copy()
	}
	bA.mtx.Lock()
	defer bA.mtx.Unlock()
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return bA.or(o)
}

func (bA *BitArray) or(o *BitArray) *BitArray {
	small, large := bA, o
	if small.Bits > large.Bits {
		small, large = large, small
	}
	c := large.copy()
	for i := 0; i < len(small.Elems); i++ {
		c.Elems[i] |= small.Elems[i]
	}
	return c
}

// Not returns the bitwise complement, still Size() bits wide.
func (bA *BitArray) Not() *BitArray {
	if bA == nil {
		return nil
	}
	bA.mtx.Lock()
	defer bA.mtx.Unlock()
	c := bA.copy()
	for i := range c.Elems {
		c.Elems[i] = ^c.Elems[i]
	}
	return c
}

// Sub returns bA with every bit also set in o cleared.
func (bA *BitArray) Sub(o *BitArray) *BitArray {
	if bA == nil || o == nil {
		return nil
	}
	bA.mtx.Lock()
	defer bA.mtx.Unlock()
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return bA.sub(o)
}

func (bA *BitArray) sub(o *BitArray) *BitArray {
	c := bA.copy()
	n := len(c.Elems)
	if len(o.Elems) < n {
		n = len(o.Elems)
	}
	for i := 0; i < n; i++ {
		c.Elems[i] &^= o.Elems[i]
	}
	return c
}

// IsEmpty returns true if no bit is set.
func (bA *BitArray) IsEmpty() bool {
	if bA == nil {
		return true
	}
	bA.mtx.Lock()
	defer bA.mtx.Unlock()
	for _, e := range bA.Elems {
		if e > 0 {
			return false
		}
	}
	return true
}

// IsFull returns true if every bit in range is set.
func (bA *BitArray) IsFull() bool {
	if bA == nil {
		return true
	}
	bA.mtx.Lock()
	defer bA.mtx.Unlock()
	for i := 0; i < bA.Bits; i++ {
		if !bA.getIndex(i) {
			return false
		}
	}
	return true
}

// Update copies o's 64-bit words into bA in place, starting at the first
// word and stopping at the shorter of the two; when o is shorter, bA's
// remaining words keep their old bits. Either receiver or argument may be
// nil, in which case Update is a no-op.
func (bA *BitArray) Update(o *BitArray) {
	if bA == nil || o == nil {
		return
	}
	bA.mtx.Lock()
	defer bA.mtx.Unlock()
	o.mtx.Lock()
	defer o.mtx.Unlock()
	copy(bA.Elems, o.Elems)
}

func (bA *BitArray) getNumTrueIndices() int {
	count := 0
	for i := 0; i < bA.Bits; i++ {
		if bA.getIndex(i) {
			count++
		}
	}
	return count
}

func (bA *BitArray) getNthTrueIndex(n int) int {
	if n < 0 {
		return -1
	}
	seen := 0
	for i := 0; i < bA.Bits; i++ {
		if bA.getIndex(i) {
			if seen == n {
				return i
			}
			seen++
		}
	}
	return -1
}

// PickRandom returns a uniformly random set index and true, or (0, false)
// if no bit is set.
func (bA *BitArray) PickRandom() (int, bool) {
	if bA == nil {
		return 0, false
	}
	bA.mtx.Lock()
	defer bA.mtx.Unlock()
	trueIndices := bA.getTrueIndices()
	if len(trueIndices) == 0 {
		return 0, false
	}
	return trueIndices[rand.Intn(len(trueIndices))], true //nolint:gosec
}

func (bA *BitArray) getTrueIndices() []int {
	indices := make([]int, 0, bA.Bits)
	for i := 0; i < bA.Bits; i++ {
		if bA.getIndex(i) {
			indices = append(indices, i)
		}
	}
	return indices
}

// Bytes returns a big-endian packed byte representation, one byte per 8
// bits, index 0 in the low bit of byte 0.
func (bA *BitArray) Bytes() []byte {
	if bA == nil {
		return nil
	}
	bA.mtx.Lock()
	defer bA.mtx.Unlock()
	numBytes := (bA.Bits + 7) / 8
	bz := make([]byte, numBytes)
	for i := 0; i < bA.Bits; i++ {
		if bA.getIndex(i) {
			bz[i/8] |= byte(1) << uint(i%8)
		}
	}
	return bz
}

// String returns an 'x'/'_' rendering of the array, one character per bit.
func (bA *BitArray) String() string {
	return bA.StringIndented("")
}

// StringIndented renders the array with a leading indent, wrapping every
// 100 bits onto a new line.
func (bA *BitArray) StringIndented(indent string) string {
	if bA == nil {
		return "nil-BitArray"
	}
	bA.mtx.Lock()
	defer bA.mtx.Unlock()
	return bA.stringIndented(indent)
}

func (bA *BitArray) stringIndented(indent string) string {
	lines := []string{}
	bits := ""
	for i := 0; i < bA.Bits; i++ {
		if bA.getIndex(i) {
			bits += "x"
		} else {
			bits += "_"
		}
		if (i+1)%100 == 0 {
			lines = append(lines, bits)
			bits = ""
		}
	}
	if bits != "" {
		lines = append(lines, bits)
	}
	return strings.Join(lines, "\n"+indent)
}

// MarshalJSON implements json.Marshaler, encoding as a quoted 'x'/'_'
// string, or the literal null for a nil/zero-size array.
func (bA *BitArray) MarshalJSON() ([]byte, error) {
	if bA == nil || bA.Bits == 0 {
		return []byte("null"), nil
	}
	bA.mtx.Lock()
	defer bA.mtx.Unlock()
	bits := make([]byte, bA.Bits)
	for i := 0; i < bA.Bits; i++ {
		if bA.getIndex(i) {
			bits[i] = 'x'
		} else {
			bits[i] = '_'
		}
	}
	return json.Marshal(string(bits))
}

// UnmarshalJSON implements json.Unmarshaler for the format produced by
// MarshalJSON.
func (bA *BitArray) UnmarshalJSON(bz []byte) error {
	b := string(bz)
	if b == "null" {
		*bA = BitArray{}
		return nil
	}
	var bits string
	if err := json.Unmarshal(bz, &bits); err != nil {
		return fmt.Errorf("bits: error decoding bit array: %w", err)
	}
	if len(bits) == 0 {
		*bA = BitArray{}
		return nil
	}
	*bA = *NewBitArrayFromFn(len(bits), func(i int) bool { return bits[i] == 'x' })
	return nil
}

// ToBoolSlice returns a []bool copy of the array's state.
func (bA *BitArray) ToBoolSlice() []bool {
	if bA == nil {
		return []bool{}
	}
	bA.mtx.Lock()
	defer bA.mtx.Unlock()
	out := make([]bool, bA.Bits)
	for i := 0; i < bA.Bits; i++ {
		out[i] = bA.getIndex(i)
	}
	return out
}
