// Package control implements the piggybacked control message: a fixed-length
// vector of per-stage forward/backward timings that rides along the forward
// pipeline path end-to-end.
package control

import (
	"github.com/relaygrid/pipestage/queue"
	"github.com/relaygrid/pipestage/wire"
	"golang.org/x/xerrors"
)

// Length is the fixed width of the control record.
const Length = wire.ControlRecordLength

// Record is a length-Length vector accumulating (fwd_us, bwd_us) pairs in
// stage order; a sentinel zero marks the end of the populated prefix.
type Record [Length]int32

// New returns an empty control record (all slots zero/unset).
func New() Record {
	return Record{}
}

// sentinelValue reserves 0 as strictly "slot unset": measured durations of
// zero are encoded as 1 so a genuinely sub-microsecond stage does not get
// mistaken for an empty slot.
func sentinelValue(measuredUS int64) int32 {
	if measuredUS <= 0 {
		return 1
	}
	if measuredUS > int64(^uint32(0)>>1) {
		return int32(^uint32(0) >> 1) // clamp rather than overflow into a negative/sentinel-looking value.
	}
	return int32(measuredUS)
}

// Append writes (fwdUS, bwdUS) into the first zero-valued pair of slots and
// returns the updated record. It returns an error if the
// record is already full.
func (r Record) Append(fwdUS, bwdUS int64) (Record, error) {
	for i := 0; i+1 < Length; i += 2 {
		if r[i] == 0 {
			r[i] = sentinelValue(fwdUS)
			r[i+1] = sentinelValue(bwdUS)
			return r, nil
		}
	}
	return r, xerrors.Errorf("control record has no free slot to append a new (fwd,bwd) pair")
}

// Pairs returns the populated (fwd_us, bwd_us) pairs in stage order, stopping
// at the first unset (zero) slot.
func (r Record) Pairs() [][2]int32 {
	var out [][2]int32
	for i := 0; i+1 < Length; i += 2 {
		if r[i] == 0 {
			break
		}
		out = append(out, [2]int32{r[i], r[i+1]})
	}
	return out
}

// ToTensor encodes a Record as the queue.Tensor carried over the
// "control" send/recv path, using the int32, shape-(Length,) wire
// convention shared by every control-record transfer.
func ToTensor(r Record) queue.Tensor {
	data := make([]byte, 4*Length)
	for i, v := range r {
		putInt32(data[4*i:], v)
	}
	return queue.Tensor{
		Shape: []int32{Length},
		Dtype: string(wire.Int32),
		Data:  data,
	}
}

// FromTensor decodes a Record from a queue.Tensor received over the
// "control" path.
func FromTensor(t queue.Tensor) (Record, error) {
	if len(t.Data) != 4*Length {
		return Record{}, xerrors.Errorf("control tensor has %d bytes, expected %d", len(t.Data), 4*Length)
	}
	var r Record
	for i := range r {
		r[i] = getInt32(t.Data[4*i:])
	}
	return r, nil
}

func putInt32(b []byte, v int32) {
	u := uint32(v)
	b[0] = byte(u)
	b[1] = byte(u >> 8)
	b[2] = byte(u >> 16)
	b[3] = byte(u >> 24)
}

func getInt32(b []byte) int32 {
	u := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return int32(u)
}
