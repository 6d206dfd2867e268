package stagerun_test

import (
	"context"
	"errors"

	"github.com/golang/mock/gomock"
	"github.com/relaygrid/pipestage/stagerun"
	gc "gopkg.in/check.v1"
)

// fakeJobRunner records the lifecycle calls a Runner makes against it.
type fakeJobRunner struct {
	started, completed bool
	aborted            bool
}

func (f *fakeJobRunner) StartJob(stagerun.Details) error    { f.started = true; return nil }
func (f *fakeJobRunner) CompleteJob(stagerun.Details) error { f.completed = true; return nil }
func (f *fakeJobRunner) AbortJob(stagerun.Details)          { f.aborted = true }

func (s *RuntimeTestSuite) TestRunnerDrivesForwardAndBackwardPerMinibatch(c *gc.C) {
	rt0, rt1, _ := twoStageRuntimes(c)
	job := &fakeJobRunner{}

	var forwardSeen, backwardSeen []int
	cb := stagerun.RunnerCallbacks{
		OnForwardDone: func(_ context.Context, _ *stagerun.Runtime, mb int) error {
			forwardSeen = append(forwardSeen, mb)
			return nil
		},
		OnBackwardDone: func(_ context.Context, _ *stagerun.Runtime, mb int) error {
			backwardSeen = append(backwardSeen, mb)
			return nil
		},
	}

	done := make(chan error, 1)
	go func() {
		done <- stagerun.NewRunner(rt1, job, stagerun.RunnerCallbacks{}).Run(context.Background(), stagerun.Details{JobID: "j", NumMinibatches: 2})
	}()

	runner0 := stagerun.NewRunner(rt0, &fakeJobRunner{}, cb)
	c.Assert(runner0.Run(context.Background(), stagerun.Details{JobID: "j", NumMinibatches: 2}), gc.IsNil)
	c.Assert(<-done, gc.IsNil)

	c.Assert(forwardSeen, gc.DeepEquals, []int{0, 1})
	c.Assert(backwardSeen, gc.DeepEquals, []int{0, 1})
	c.Assert(job.started, gc.Equals, true)
	c.Assert(job.completed, gc.Equals, true)
}

func (s *RuntimeTestSuite) TestRunnerPropagatesCompleteJobError(c *gc.C) {
	rt0, rt1, _ := twoStageRuntimes(c)

	ctrl := gomock.NewController(c)
	defer ctrl.Finish()
	job := NewMockJobRunner(ctrl)
	job.EXPECT().StartJob(gomock.Any()).Return(nil)
	job.EXPECT().CompleteJob(gomock.Any()).Return(errors.New("checkpoint store unavailable"))

	done := make(chan error, 1)
	go func() {
		done <- stagerun.NewRunner(rt1, &fakeJobRunner{}, stagerun.RunnerCallbacks{}).Run(context.Background(), stagerun.Details{JobID: "j", NumMinibatches: 2})
	}()

	err := stagerun.NewRunner(rt0, job, stagerun.RunnerCallbacks{}).Run(context.Background(), stagerun.Details{JobID: "j", NumMinibatches: 2})
	c.Assert(err, gc.ErrorMatches, ".*checkpoint store unavailable.*")
	c.Assert(<-done, gc.IsNil)
}

func (s *RuntimeTestSuite) TestRunnerAbortsJobOnMinibatchError(c *gc.C) {
	rt0, _, _ := twoStageRuntimes(c)
	job := &fakeJobRunner{}

	// rt0's paired rt1 never runs; a context cancelled before Run starts
	// makes the first minibatch fail deterministically.
	runner := stagerun.NewRunner(rt0, job, stagerun.RunnerCallbacks{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := runner.Run(ctx, stagerun.Details{JobID: "j", NumMinibatches: 1})
	c.Assert(err, gc.NotNil)
	c.Assert(job.started, gc.Equals, true)
	c.Assert(job.aborted, gc.Equals, true)
}
