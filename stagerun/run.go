package stagerun

import (
	"context"

	"golang.org/x/xerrors"
)

// RunnerCallbacks mirrors bspgraph.Executor's optional pre/post-step hooks,
// generalized from "before/after a superstep" to "after a forward minibatch"
// / "after a backward minibatch". All callbacks are optional.
type RunnerCallbacks struct {
	// OnForwardDone is invoked after RunForward succeeds for a minibatch.
	OnForwardDone func(ctx context.Context, rt *Runtime, minibatchID int) error

	// OnBackwardDone is invoked after RunBackward succeeds for a minibatch.
	OnBackwardDone func(ctx context.Context, rt *Runtime, minibatchID int) error
}

func patchEmptyCallbacks(cb *RunnerCallbacks) {
	if cb.OnForwardDone == nil {
		cb.OnForwardDone = func(context.Context, *Runtime, int) error { return nil }
	}
	if cb.OnBackwardDone == nil {
		cb.OnBackwardDone = func(context.Context, *Runtime, int) error { return nil }
	}
}

// Runner orchestrates a Runtime across a whole job: it runs Details.
// NumMinibatches forward passes (and, unless Details.ForwardOnly, one
// backward pass per forward pass), delegating job lifecycle bookkeeping to a
// JobRunner. This is the minibatch-grained counterpart to
// bspgraph.Executor.RunToCompletion's "loop until stopped, checking context
// expiry first" shape.
type Runner struct {
	rt  *Runtime
	job JobRunner
	cb  RunnerCallbacks
}

// NewRunner returns a Runner driving rt, reporting job lifecycle events to
// job. cb's callbacks are optional.
func NewRunner(rt *Runtime, job JobRunner, cb RunnerCallbacks) *Runner {
	patchEmptyCallbacks(&cb)
	return &Runner{rt: rt, job: job, cb: cb}
}

// Run drives det.NumMinibatches worth of forward (and, if !det.ForwardOnly,
// matching backward) minibatches, calling job.StartJob before the first and
// job.CompleteJob after the last succeeds, or job.AbortJob if the context
// expires or a minibatch errors.
func (r *Runner) Run(ctx context.Context, det Details) error {
	if err := r.job.StartJob(det); err != nil {
		return xerrors.Errorf("starting job %q: %w", det.JobID, err)
	}

	if err := r.run(ctx, det); err != nil {
		r.job.AbortJob(det)
		return err
	}

	if err := r.job.CompleteJob(det); err != nil {
		return xerrors.Errorf("completing job %q: %w", det.JobID, err)
	}
	return nil
}

func (r *Runner) run(ctx context.Context, det Details) error {
	for i := 0; i < det.NumMinibatches; i++ {
		if err := ensureContextNotExpired(ctx); err != nil {
			return err
		}
		if err := r.rt.RunForward(ctx); err != nil {
			return xerrors.Errorf("forward minibatch %d of job %q: %w", i, det.JobID, err)
		}
		if err := r.cb.OnForwardDone(ctx, r.rt, i); err != nil {
			return err
		}

		if det.ForwardOnly {
			continue
		}
		if err := r.rt.RunBackward(ctx); err != nil {
			return xerrors.Errorf("backward minibatch %d of job %q: %w", i, det.JobID, err)
		}
		if err := r.cb.OnBackwardDone(ctx, r.rt, i); err != nil {
			return err
		}
	}
	return nil
}
