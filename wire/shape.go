// Package wire implements the shape/dtype handshake and tensor payload
// codec used on every cross-stage broadcast: a fixed-width shape vector
// broadcast first, followed by a payload broadcast sized from it.
package wire

import "golang.org/x/xerrors"

// MaxDims is the fixed width of the wire shape vector. Spec §6: "10
// signed-32-bit shape dimensions padded with zeros".
const MaxDims = 10

// EncodeShape packs dims into a zero-padded MaxDims-length int32 vector.
func EncodeShape(dims []int32) ([]int32, error) {
	if len(dims) > MaxDims {
		return nil, xerrors.Errorf("shape has %d dims, exceeds wire limit of %d", len(dims), MaxDims)
	}
	for _, d := range dims {
		if d == 0 {
			return nil, xerrors.Errorf("shape dims must be non-zero, got dims=%v", dims)
		}
	}
	out := make([]int32, MaxDims)
	copy(out, dims)
	return out, nil
}

// DecodeShape recovers the original dims from a zero-padded MaxDims-length
// wire vector: the non-zero prefix, stopping at the first zero.
func DecodeShape(wire []int32) ([]int32, error) {
	if len(wire) != MaxDims {
		return nil, xerrors.Errorf("wire shape vector has %d entries, expected %d", len(wire), MaxDims)
	}
	n := 0
	for n < MaxDims && wire[n] != 0 {
		n++
	}
	for i := n; i < MaxDims; i++ {
		if wire[i] != 0 {
			return nil, xerrors.Errorf("wire shape vector has non-zero entry after padding start at index %d: %v", n, wire)
		}
	}
	return append([]int32(nil), wire[:n]...), nil
}

// NumElements returns the element count implied by dims (1 for a 0-dim/
// scalar shape, following the receiver's shape-vector convention).
func NumElements(dims []int32) int64 {
	n := int64(1)
	for _, d := range dims {
		n *= int64(d)
	}
	return n
}
