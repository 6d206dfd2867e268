package wire

import (
	"encoding/binary"

	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes/any"
	"golang.org/x/xerrors"
)

// Envelope type URLs used on the wire, one per distinct encoded kind.
const (
	typeShape   = "shape"
	typeControl = "control"
	typePayload = "payload"
)

// ControlRecordLength is the fixed width of the control telemetry vector
//.
const ControlRecordLength = 100

// Codec wraps shape vectors, control records, and raw tensor payloads into
// the any.Any envelope exchanged over a topology.Group broadcast. Using
// the well-known any.Any type (rather than a hand-generated protobuf
// message) keeps the wire format structurally protobuf without requiring a
// protoc step.
type Codec struct{}

// EncodeShapeEnvelope packs a zero-padded shape vector for broadcast.
func (Codec) EncodeShapeEnvelope(dims []int32) (*any.Any, error) {
	wireDims, err := EncodeShape(dims)
	if err != nil {
		return nil, err
	}
	return &any.Any{TypeUrl: typeShape, Value: encodeInt32Vector(wireDims)}, nil
}

// DecodeShapeEnvelope recovers the logical dims from a received envelope.
func (Codec) DecodeShapeEnvelope(env *any.Any) ([]int32, error) {
	if env.TypeUrl != typeShape {
		return nil, xerrors.Errorf("expected shape envelope, got type_url %q", env.TypeUrl)
	}
	wireDims, err := decodeInt32Vector(env.Value, MaxDims)
	if err != nil {
		return nil, err
	}
	return DecodeShape(wireDims)
}

// EncodeControlEnvelope packs a length-100 control record for broadcast.
func (Codec) EncodeControlEnvelope(record []int32) (*any.Any, error) {
	if len(record) != ControlRecordLength {
		return nil, xerrors.Errorf("control record has %d entries, expected %d", len(record), ControlRecordLength)
	}
	return &any.Any{TypeUrl: typeControl, Value: encodeInt32Vector(record)}, nil
}

// DecodeControlEnvelope recovers a control record from a received envelope.
func (Codec) DecodeControlEnvelope(env *any.Any) ([]int32, error) {
	if env.TypeUrl != typeControl {
		return nil, xerrors.Errorf("expected control envelope, got type_url %q", env.TypeUrl)
	}
	return decodeInt32Vector(env.Value, ControlRecordLength)
}

// EncodePayloadEnvelope wraps a raw tensor payload (already dtype-mapped
// for the wire by the caller) for broadcast.
func (Codec) EncodePayloadEnvelope(payload []byte) *any.Any {
	return &any.Any{TypeUrl: typePayload, Value: append([]byte(nil), payload...)}
}

// DecodePayloadEnvelope recovers the raw payload bytes from a received
// envelope.
func (Codec) DecodePayloadEnvelope(env *any.Any) ([]byte, error) {
	if env.TypeUrl != typePayload {
		return nil, xerrors.Errorf("expected payload envelope, got type_url %q", env.TypeUrl)
	}
	return append([]byte(nil), env.Value...), nil
}

// MarshalEnvelope serializes an envelope for a single Transport.Broadcast
// call. The source rank of a broadcast is the only participant with a
// non-nil envelope to marshal; every other participant passes nil into
// Broadcast and recovers the value with UnmarshalEnvelope.
func MarshalEnvelope(env *any.Any) ([]byte, error) {
	b, err := proto.Marshal(env)
	if err != nil {
		return nil, xerrors.Errorf("marshaling wire envelope: %w", err)
	}
	return b, nil
}

// UnmarshalEnvelope recovers an envelope from bytes produced by
// MarshalEnvelope.
func UnmarshalEnvelope(b []byte) (*any.Any, error) {
	env := new(any.Any)
	if err := proto.Unmarshal(b, env); err != nil {
		return nil, xerrors.Errorf("unmarshaling wire envelope: %w", err)
	}
	return env, nil
}

func encodeInt32Vector(v []int32) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[4*i:], uint32(x))
	}
	return out
}

func decodeInt32Vector(b []byte, want int) ([]int32, error) {
	if len(b) != 4*want {
		return nil, xerrors.Errorf("int32 vector has %d bytes, expected %d for %d elements", len(b), 4*want, want)
	}
	out := make([]int32, want)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}
