package stagerun_test

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/relaygrid/pipestage/comm"
	"github.com/relaygrid/pipestage/queue"
	"github.com/relaygrid/pipestage/stagerun"
	gc "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	gc.TestingT(t)
}

var _ = gc.Suite(new(RuntimeTestSuite))

type RuntimeTestSuite struct{}

// link is a pair of named, directional channels shared by exactly two
// Runtimes, standing in for comm.Handler in these tests: one Runtime sends
// on a channel the other receives on, keyed by (tensor name, forward vs
// backward), mirroring the Send/Recv surface Runtime actually depends on
// (stagerun.Communicator) without needing a real transport.
type link struct {
	fwd map[string]chan queue.Tensor
	bwd map[string]chan queue.Tensor
}

func newLink(names []string) *link {
	l := &link{fwd: map[string]chan queue.Tensor{}, bwd: map[string]chan queue.Tensor{}}
	for _, n := range names {
		l.fwd[n] = make(chan queue.Tensor, 8)
		l.bwd[n] = make(chan queue.Tensor, 8)
	}
	return l
}

func (l *link) Send(name string, t queue.Tensor, _, _ int, backward bool) error {
	if backward {
		l.bwd[name] <- t
	} else {
		l.fwd[name] <- t
	}
	return nil
}

func (l *link) Recv(name string, _, _ int, backward bool) (queue.Tensor, error) {
	if backward {
		return <-l.bwd[name], nil
	}
	return <-l.fwd[name], nil
}

// AdvanceForwardCursor/AdvanceBackwardCursor are no-ops: link has no
// schedule, every tensor name has its own channel pair.
func (l *link) AdvanceForwardCursor()  {}
func (l *link) AdvanceBackwardCursor() {}

// lossModule is the terminal op of a two-stage fixture: it folds "h" and
// "target" into a scalar "loss", and on Backward, with no upstream gradient
// for "loss", returns the captured target tensor as the gradient for "h"
// so tests can assert on it without real tensor math.
type lossModule struct {
	capturedTarget queue.Tensor
}

func (m *lossModule) Name() string          { return "loss" }
func (m *lossModule) InputNames() []string  { return []string{"h", "target"} }
func (m *lossModule) OutputNames() []string { return []string{"loss"} }

func (m *lossModule) Forward(inputs map[string]queue.Tensor) (map[string]queue.Tensor, error) {
	m.capturedTarget = inputs["target"]
	return map[string]queue.Tensor{"loss": floatTensor(0)}, nil
}

func (m *lossModule) Backward(gradOutputs map[string]queue.Tensor, tokenCount int) (map[string]queue.Tensor, error) {
	// No upstream gradient is ever supplied for "loss" in these tests; the
	// module originates it, analogous to an implicit ones-gradient.
	return map[string]queue.Tensor{"h": m.capturedTarget}, nil
}

func twoStageRuntimes(c *gc.C) (*stagerun.Runtime, *stagerun.Runtime, *lossModule) {
	forwardLink := newLink([]string{"h", "target", comm.ControlTensorName})

	scale := newScaleModule("double", "x", "h", 2)
	stage0 := &stagerun.Stage{
		Blocks:  []stagerun.Block{stagerun.PlainBlock{OpsList: []stagerun.Op{{Module: scale, Inputs: []string{"x"}}}}},
		Outputs: []string{"h"},
	}

	loss := &lossModule{}
	stage1 := &stagerun.Stage{
		Bindings: []stagerun.Binding{{Name: "h"}},
		Blocks:   []stagerun.Block{stagerun.PlainBlock{OpsList: []stagerun.Op{{Module: loss, Inputs: []string{"h", "target"}}}}},
		Outputs:  []string{"loss"},
	}

	batches := [][2]queue.Tensor{
		{floatTensor(1, 2, 3), floatTensor(10, 20, 30)},
		{floatTensor(4, 5, 6), floatTensor(40, 50, 60)},
	}
	next := 0
	loader := func(ctx context.Context) (map[string]queue.Tensor, error) {
		b := batches[next]
		next++
		return map[string]queue.Tensor{"x": b[0], "target": b[1]}, nil
	}

	clk := testclock.NewClock(time.Unix(0, 0))

	rt0, err := stagerun.NewRuntime(stagerun.Config{
		Handler:      forwardLink,
		Stage:        stage0,
		StageIndex:   0,
		NumStages:    2,
		SendNames:    []string{"h", "target", comm.ControlTensorName},
		TargetNames:  map[string]bool{"target": true},
		DataLoader:   loader,
		Clock:        clk,
	})
	c.Assert(err, gc.IsNil)

	rt1, err := stagerun.NewRuntime(stagerun.Config{
		Handler:      forwardLink,
		Stage:        stage1,
		StageIndex:   1,
		NumStages:    2,
		ReceiveNames: []string{"h", "target", comm.ControlTensorName},
		TargetNames:  map[string]bool{"target": true},
		Clock:        clk,
	})
	c.Assert(err, gc.IsNil)

	return rt0, rt1, loss
}

func (s *RuntimeTestSuite) TestForwardPropagatesComputedAndTargetTensors(c *gc.C) {
	rt0, rt1, _ := twoStageRuntimes(c)

	c.Assert(rt0.RunForward(context.Background()), gc.IsNil)
	c.Assert(rt1.RunForward(context.Background()), gc.IsNil)

	c.Assert(rt0.ForwardMinibatchID(), gc.Equals, 1)
	c.Assert(rt1.ForwardMinibatchID(), gc.Equals, 1)
}

func (s *RuntimeTestSuite) TestBackwardReturnsGradientsFromRetainedForwardHistory(c *gc.C) {
	rt0, rt1, loss := twoStageRuntimes(c)

	c.Assert(rt0.RunForward(context.Background()), gc.IsNil)
	c.Assert(rt1.RunForward(context.Background()), gc.IsNil)

	c.Assert(rt1.RunBackward(context.Background()), gc.IsNil)
	c.Assert(rt0.RunBackward(context.Background()), gc.IsNil)

	c.Assert(floatsOf(loss.capturedTarget), gc.DeepEquals, []float32{10, 20, 30})
	c.Assert(rt0.BackwardMinibatchID(), gc.Equals, 1)
	c.Assert(rt1.BackwardMinibatchID(), gc.Equals, 1)
}

func (s *RuntimeTestSuite) TestBackwardWithoutMatchingForwardHistoryErrors(c *gc.C) {
	rt0, _, _ := twoStageRuntimes(c)

	err := rt0.RunBackward(context.Background())
	c.Assert(err, gc.ErrorMatches, ".*no retained forward history.*")
}

func (s *RuntimeTestSuite) TestStateDictRoundTripsThroughStateCarrierModules(c *gc.C) {
	rt0, _, _ := twoStageRuntimes(c)

	state, err := rt0.StateDict()
	c.Assert(err, gc.IsNil)
	c.Assert(state, gc.DeepEquals, map[string]interface{}{})

	c.Assert(rt0.LoadStateDict(map[string]interface{}{}), gc.IsNil)
}
