package main

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/relaygrid/pipestage/comm"
	"github.com/relaygrid/pipestage/queue"
	"github.com/relaygrid/pipestage/stagerun"
)

// scaleModule and lossModule are the minimum concrete stand-ins for the
// external Module collaborator needed to drive a runnable demo
// pipeline end to end; a real deployment links in its own tensor-framework
// modules instead.

type scaleModule struct {
	factor float32
}

func (m *scaleModule) Name() string          { return "scale" }
func (m *scaleModule) InputNames() []string  { return []string{"h"} }
func (m *scaleModule) OutputNames() []string { return []string{"h"} }

func (m *scaleModule) Forward(inputs map[string]queue.Tensor) (map[string]queue.Tensor, error) {
	return map[string]queue.Tensor{"h": scaleTensor(inputs["h"], m.factor)}, nil
}

func (m *scaleModule) Backward(gradOutputs map[string]queue.Tensor, tokenCount int) (map[string]queue.Tensor, error) {
	return map[string]queue.Tensor{"h": scaleTensor(gradOutputs["h"], m.factor)}, nil
}

type lossModule struct {
	target queue.Tensor
}

func (m *lossModule) Name() string          { return "loss" }
func (m *lossModule) InputNames() []string  { return []string{"h", "target"} }
func (m *lossModule) OutputNames() []string { return []string{"loss"} }

func (m *lossModule) Forward(inputs map[string]queue.Tensor) (map[string]queue.Tensor, error) {
	m.target = inputs["target"]
	return map[string]queue.Tensor{"loss": floatTensor(sumFloats(inputs["h"]) - sumFloats(inputs["target"]))}, nil
}

func (m *lossModule) Backward(gradOutputs map[string]queue.Tensor, tokenCount int) (map[string]queue.Tensor, error) {
	// No upstream gradient ever arrives for "loss"; this stand-in originates
	// the gradient for "h" itself, returning the captured target tensor as
	// that gradient rather than computing d(loss)/dh.
	return map[string]queue.Tensor{"h": m.target}, nil
}

func scaleTensor(t queue.Tensor, factor float32) queue.Tensor {
	n := len(t.Data) / 4
	out := make([]byte, len(t.Data))
	for i := 0; i < n; i++ {
		v := math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v*factor))
	}
	return queue.Tensor{Shape: append([]int32(nil), t.Shape...), Dtype: t.Dtype, Data: out}
}

func sumFloats(t queue.Tensor) float32 {
	var sum float32
	for i := 0; i < len(t.Data)/4; i++ {
		sum += math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
	}
	return sum
}

func floatTensor(vals ...float32) queue.Tensor {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return queue.Tensor{Shape: []int32{int32(len(vals))}, Dtype: "float32", Data: data}
}

// demoStage builds the single-op Stage this rank runs, along with the tensor
// names it sends/receives and, for rank 0, the data loader that originates
// each minibatch.
func demoStage(rank, numStages int, factor float32) (stage *stagerun.Stage, receiveNames, sendNames []string, targetNames map[string]bool, loader func(context.Context) (map[string]queue.Tensor, error)) {
	targetNames = map[string]bool{"target": true}
	controlAndTarget := []string{"h", "target", comm.ControlTensorName}

	switch {
	case rank == 0:
		sendNames = controlAndTarget
		stage = &stagerun.Stage{
			Blocks:  []stagerun.Block{stagerun.PlainBlock{OpsList: []stagerun.Op{{Module: &scaleModule{factor: factor}, Inputs: []string{"h"}}}}},
			Outputs: []string{"h"},
		}
		next := 0
		loader = func(context.Context) (map[string]queue.Tensor, error) {
			n := next
			next++
			return map[string]queue.Tensor{
				"h":      floatTensor(float32(n), float32(n+1), float32(n+2)),
				"target": floatTensor(float32(n) * 10),
			}, nil
		}
	case rank == numStages-1:
		receiveNames = controlAndTarget
		stage = &stagerun.Stage{
			Bindings: []stagerun.Binding{{Name: "h"}},
			Blocks:   []stagerun.Block{stagerun.PlainBlock{OpsList: []stagerun.Op{{Module: &lossModule{}, Inputs: []string{"h", "target"}}}}},
			Outputs:  []string{"loss"},
		}
	default:
		receiveNames = controlAndTarget
		sendNames = controlAndTarget
		stage = &stagerun.Stage{
			Bindings: []stagerun.Binding{{Name: "h"}},
			Blocks:   []stagerun.Block{stagerun.PlainBlock{OpsList: []stagerun.Op{{Module: &scaleModule{factor: factor}, Inputs: []string{"h"}}}}},
			Outputs:  []string{"h"},
		}
	}
	return stage, receiveNames, sendNames, targetNames, loader
}
