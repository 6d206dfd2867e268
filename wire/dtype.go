package wire

import "golang.org/x/xerrors"

// DType names a tensor element type. Names mirror the numeric-framework
// convention the partitioner's dtype table uses: "float32",
// "float16", "int64", "int32", "bool", ...
type DType string

const (
	Float32 DType = "float32"
	Float16 DType = "float16"
	Int64   DType = "int64"
	Int32   DType = "int32"
	Bool    DType = "bool"
)

// WireDType returns the dtype actually carried on the wire: bool tensors
// are transmitted as 8-bit signed integers and restored at the receiver,
// every other dtype is carried as itself.
func WireDType(d DType) DType {
	if d == Bool {
		return "int8"
	}
	return d
}

// ElementSize returns the payload byte width of one element of d, as
// stored on the wire (i.e. after the bool->int8 mapping).
func ElementSize(d DType) (int, error) {
	switch WireDType(d) {
	case Float32, Int32:
		return 4, nil
	case Float16:
		return 2, nil
	case Int64:
		return 8, nil
	case "int8":
		return 1, nil
	default:
		return 0, xerrors.Errorf("unknown dtype %q", d)
	}
}

// RestoreFromWire converts a payload received on the wire back to its
// logical dtype, undoing the bool->int8 mapping: every int8 byte is
// reinterpreted as a bool (non-zero means true, re-encoded as one byte).
func RestoreFromWire(logical DType, payload []byte) ([]byte, error) {
	if logical != Bool {
		return payload, nil
	}
	out := make([]byte, len(payload))
	for i, b := range payload {
		if b != 0 {
			out[i] = 1
		}
	}
	return out, nil
}
