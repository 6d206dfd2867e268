package stagerun_test

import (
	"encoding/binary"
	"math"

	"github.com/relaygrid/pipestage/queue"
)

// scaleModule is a trivial arithmetic Module fixture: it multiplies every
// element of its single input by a fixed factor, and its backward pass
// multiplies the incoming gradient by the same factor — enough algebra to
// exercise Stage.Forward/Backward without any real tensor framework.
type scaleModule struct {
	name   string
	input  string
	output string
	factor float32

	lastInput queue.Tensor
}

func newScaleModule(name, input, output string, factor float32) *scaleModule {
	return &scaleModule{name: name, input: input, output: output, factor: factor}
}

func (m *scaleModule) Name() string          { return m.name }
func (m *scaleModule) InputNames() []string  { return []string{m.input} }
func (m *scaleModule) OutputNames() []string { return []string{m.output} }

func (m *scaleModule) Forward(inputs map[string]queue.Tensor) (map[string]queue.Tensor, error) {
	in := inputs[m.input]
	m.lastInput = in
	out := scaleFloats(in, m.factor)
	return map[string]queue.Tensor{m.output: out}, nil
}

func (m *scaleModule) Backward(gradOutputs map[string]queue.Tensor, tokenCount int) (map[string]queue.Tensor, error) {
	grad := gradOutputs[m.output]
	return map[string]queue.Tensor{m.input: scaleFloats(grad, m.factor)}, nil
}

func scaleFloats(t queue.Tensor, factor float32) queue.Tensor {
	n := len(t.Data) / 4
	out := make([]byte, len(t.Data))
	for i := 0; i < n; i++ {
		v := math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v*factor))
	}
	return queue.Tensor{Shape: append([]int32(nil), t.Shape...), Dtype: t.Dtype, Data: out}
}

func floatTensor(vals ...float32) queue.Tensor {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return queue.Tensor{Shape: []int32{int32(len(vals))}, Dtype: "float32", Data: data}
}

func floatsOf(t queue.Tensor) []float32 {
	n := len(t.Data) / 4
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
	}
	return out
}
