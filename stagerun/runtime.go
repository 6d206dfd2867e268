package stagerun

import (
	"context"
	"io/ioutil"
	"strconv"

	"github.com/juju/clock"
	"github.com/relaygrid/pipestage/comm"
	"github.com/relaygrid/pipestage/control"
	"github.com/relaygrid/pipestage/queue"
	"github.com/relaygrid/pipestage/wire"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Communicator is the subset of *comm.Handler that Runtime depends on — just
// enough to drive one minibatch's Send/Recv calls. Tests substitute an
// in-process fake; production wiring passes a real *comm.Handler.
type Communicator interface {
	Send(name string, t queue.Tensor, forwardMinibatchID, backwardMinibatchID int, backward bool) error
	Recv(name string, forwardMinibatchID, backwardMinibatchID int, backward bool) (queue.Tensor, error)

	// AdvanceForwardCursor/AdvanceBackwardCursor move the messaging
	// schedule's two cursors. Runtime calls each exactly once per
	// minibatch, after every tensor sharing that cursor has been
	// sent/received, so activations and their piggybacked control tensor
	// resolve to the same upstream peer index.
	AdvanceForwardCursor()
	AdvanceBackwardCursor()
}

// historyLimit bounds the tensor/control history kept for in-flight
// minibatches.
const historyLimit = 5

// controlPrintInterval is how often the last stage logs the accumulated
// control telemetry.
const controlPrintInterval = 128

// Config bundles everything Runtime needs to drive one rank's forward/
// backward loop.
type Config struct {
	Handler Communicator
	Stage   *Stage

	StageIndex int
	NumStages  int

	// ReceiveNames/SendNames are the tensor names (excluding "ack", which
	// Runtime handles itself) this stage exchanges with its neighbours, in
	// a stable iteration order — the same insertion-stable order
	// topology.EdgeRegistry produces.
	ReceiveNames []string
	SendNames    []string

	// TargetNames marks names that are relayed forward unmodified but
	// never carry a gradient backward.
	TargetNames map[string]bool

	ForwardOnly bool

	// DataLoader supplies the next minibatch's external inputs; required
	// only when StageIndex == 0.
	DataLoader func(ctx context.Context) (map[string]queue.Tensor, error)

	// TokenCounter, if set, derives the token count used to scale
	// gradients for translation/transformer models.
	TokenCounter func(inputs map[string]queue.Tensor) int

	Clock    clock.Clock
	Logger   *logrus.Entry
	Exporter *control.Exporter
}

func (cfg *Config) validate() error {
	if cfg.Handler == nil {
		return xerrors.Errorf("stagerun: Config.Handler is required")
	}
	if cfg.Stage == nil {
		return xerrors.Errorf("stagerun: Config.Stage is required")
	}
	if cfg.StageIndex == 0 && cfg.DataLoader == nil {
		return xerrors.Errorf("stagerun: stage 0 owns the data loader and requires Config.DataLoader")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	if cfg.TargetNames == nil {
		cfg.TargetNames = map[string]bool{}
	}
	return nil
}

// Runtime drives the per-minibatch forward/backward loop, generalized from
// bspgraph.Executor.RunToCompletion's "loop until told to stop, checking
// context expiry first" shape to minibatches instead of supersteps.
type Runtime struct {
	cfg Config

	tensorHistory  map[int]map[string]queue.Tensor
	controlHistory map[int]control.Record
	historyOrder   []int

	forwardMinibatchID  int
	backwardMinibatchID int
	lastBackwardUS      int64
}

// NewRuntime validates cfg and returns a Runtime ready to drive minibatches.
func NewRuntime(cfg Config) (*Runtime, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Runtime{
		cfg:            cfg,
		tensorHistory:  make(map[int]map[string]queue.Tensor),
		controlHistory: make(map[int]control.Record),
	}, nil
}

// ForwardMinibatchID returns the next forward minibatch id to be run.
func (rt *Runtime) ForwardMinibatchID() int { return rt.forwardMinibatchID }

// BackwardMinibatchID returns the next backward minibatch id to be run.
func (rt *Runtime) BackwardMinibatchID() int { return rt.backwardMinibatchID }

// RunForward executes one minibatch of the forward pass.
func (rt *Runtime) RunForward(ctx context.Context) error {
	if err := ensureContextNotExpired(ctx); err != nil {
		return err
	}

	mb := rt.forwardMinibatchID
	tensors := make(map[string]queue.Tensor)
	rt.tensorHistory[mb] = tensors
	rt.controlHistory[mb] = control.New()
	rt.rememberMinibatch(mb)

	receivedControl := false
	if rt.cfg.StageIndex == 0 {
		batch, err := rt.cfg.DataLoader(ctx)
		if err != nil {
			return xerrors.Errorf("pulling minibatch %d from data loader: %w", mb, err)
		}
		for name, t := range batch {
			tensors[name] = t
		}
	} else {
		for _, name := range rt.cfg.ReceiveNames {
			if name == comm.AckTensorName {
				continue
			}
			t, err := rt.cfg.Handler.Recv(name, mb, rt.backwardMinibatchID, false)
			if err != nil {
				return xerrors.Errorf("forward receive of %q at minibatch %d: %w", name, mb, err)
			}
			if name == comm.ControlTensorName {
				rec, err := control.FromTensor(t)
				if err != nil {
					return xerrors.Errorf("decoding control record at minibatch %d: %w", mb, err)
				}
				rt.controlHistory[mb] = rec
				receivedControl = true
				continue
			}
			tensors[name] = t
		}
		rt.cfg.Handler.AdvanceForwardCursor()
	}

	start := rt.cfg.Clock.Now()
	outputs, err := rt.cfg.Stage.Forward(tensors)
	fwdUS := rt.cfg.Clock.Now().Sub(start).Microseconds()
	if err != nil {
		return xerrors.Errorf("forward compute at minibatch %d: %w", mb, err)
	}
	for name, t := range outputs {
		tensors[name] = t
	}

	rec := control.New()
	if receivedControl {
		rec = rt.controlHistory[mb]
	}
	rec, err = rec.Append(fwdUS, rt.lastBackwardUS)
	if err != nil {
		return xerrors.Errorf("appending forward timing to control record at minibatch %d: %w", mb, err)
	}
	rt.controlHistory[mb] = rec

	for _, name := range rt.cfg.SendNames {
		if name == comm.AckTensorName {
			continue
		}
		var t queue.Tensor
		if name == comm.ControlTensorName {
			t = control.ToTensor(rec)
		} else {
			t = tensors[name]
		}
		if err := rt.cfg.Handler.Send(name, t, mb, rt.backwardMinibatchID, false); err != nil {
			return xerrors.Errorf("forward send of %q at minibatch %d: %w", name, mb, err)
		}
	}

	if rt.cfg.ForwardOnly {
		if err := rt.runAck(mb); err != nil {
			return xerrors.Errorf("ack propagation at minibatch %d: %w", mb, err)
		}
	}

	rt.forwardMinibatchID++

	if rt.cfg.StageIndex == rt.cfg.NumStages-1 {
		if rt.cfg.Exporter != nil {
			rt.cfg.Exporter.Observe(rec)
		}
		if rt.forwardMinibatchID%controlPrintInterval == 0 {
			rt.cfg.Logger.WithFields(logrus.Fields{
				"minibatch": rt.forwardMinibatchID,
				"pairs":     rec.Pairs(),
			}).Info("control record timings")
		}
	}

	return nil
}

// RunBackward executes one minibatch of the backward pass.
func (rt *Runtime) RunBackward(ctx context.Context) error {
	if err := ensureContextNotExpired(ctx); err != nil {
		return err
	}

	mb := rt.backwardMinibatchID
	tensors, ok := rt.tensorHistory[mb]
	if !ok {
		return xerrors.Errorf("no retained forward history for backward minibatch %d (history limit is %d)", mb, historyLimit)
	}

	gradOutputs := make(map[string]queue.Tensor)
	for _, name := range rt.cfg.SendNames {
		if name == comm.AckTensorName || rt.cfg.TargetNames[name] {
			continue
		}
		t, err := rt.cfg.Handler.Recv(name, rt.forwardMinibatchID, mb, true)
		if err != nil {
			return xerrors.Errorf("backward receive of %q at minibatch %d: %w", name, mb, err)
		}
		if name == comm.ControlTensorName {
			continue // best-effort telemetry on the backward path; not consumed further.
		}
		gradOutputs[name] = t
	}

	tokenCount := 0
	if rt.cfg.TokenCounter != nil {
		tokenCount = rt.cfg.TokenCounter(tensors)
	}

	start := rt.cfg.Clock.Now()
	inputGrads, err := rt.cfg.Stage.Backward(tensors, gradOutputs, tokenCount)
	bwdUS := rt.cfg.Clock.Now().Sub(start).Microseconds()
	if err != nil {
		return xerrors.Errorf("backward compute at minibatch %d: %w", mb, err)
	}
	rt.lastBackwardUS = bwdUS

	outRec := control.New() // zero vector: real telemetry only rides the forward path.
	for _, name := range rt.cfg.ReceiveNames {
		if name == comm.AckTensorName || rt.cfg.TargetNames[name] {
			continue
		}
		var t queue.Tensor
		if name == comm.ControlTensorName {
			t = control.ToTensor(outRec)
		} else {
			t = inputGrads[name]
		}
		if err := rt.cfg.Handler.Send(name, t, rt.forwardMinibatchID, mb, true); err != nil {
			return xerrors.Errorf("backward send of %q at minibatch %d: %w", name, mb, err)
		}
	}
	if rt.cfg.StageIndex != 0 {
		rt.cfg.Handler.AdvanceBackwardCursor()
	}

	delete(rt.tensorHistory, mb)
	delete(rt.controlHistory, mb)
	rt.backwardMinibatchID++
	return nil
}

// runAck implements the ack path for forward-only evaluation:
// the last stage originates a zero ack, every non-first stage relays it one
// stage further upstream.
func (rt *Runtime) runAck(mb int) error {
	var ack queue.Tensor
	if rt.cfg.StageIndex == rt.cfg.NumStages-1 {
		ack = zeroAckTensor()
	} else {
		var err error
		ack, err = rt.cfg.Handler.Recv(comm.AckTensorName, mb, rt.backwardMinibatchID, false)
		if err != nil {
			return err
		}
	}
	if rt.cfg.StageIndex != 0 {
		return rt.cfg.Handler.Send(comm.AckTensorName, ack, mb, rt.backwardMinibatchID, false)
	}
	return nil
}

func zeroAckTensor() queue.Tensor {
	return queue.Tensor{Shape: []int32{1}, Dtype: string(wire.Int64), Data: make([]byte, 8)}
}

// rememberMinibatch records mb as the most recently started forward
// minibatch and evicts the oldest once more than historyLimit are retained.
func (rt *Runtime) rememberMinibatch(mb int) {
	rt.historyOrder = append(rt.historyOrder, mb)
	if len(rt.historyOrder) <= historyLimit {
		return
	}
	evict := rt.historyOrder[0]
	rt.historyOrder = rt.historyOrder[1:]
	delete(rt.tensorHistory, evict)
	delete(rt.controlHistory, evict)
}

// StateDict assembles the ordered checkpoint map:
// {"module0": ..., "module1": ..., ...}, skipping modules that don't
// implement StateCarrier.
func (rt *Runtime) StateDict() (map[string]interface{}, error) {
	out := make(map[string]interface{})
	i := 0
	for _, block := range rt.cfg.Stage.Blocks {
		for _, op := range block.Ops() {
			carrier, ok := op.Module.(StateCarrier)
			if !ok {
				continue
			}
			state, err := carrier.StateDict()
			if err != nil {
				return nil, xerrors.Errorf("collecting state for module %q: %w", op.Module.Name(), err)
			}
			out[moduleKey(i)] = state
			i++
		}
	}
	return out, nil
}

// LoadStateDict restores module state saved by StateDict, in the same
// module0/module1/... order.
func (rt *Runtime) LoadStateDict(state map[string]interface{}) error {
	i := 0
	for _, block := range rt.cfg.Stage.Blocks {
		for _, op := range block.Ops() {
			carrier, ok := op.Module.(StateCarrier)
			if !ok {
				continue
			}
			key := moduleKey(i)
			saved, ok := state[key]
			if !ok {
				return xerrors.Errorf("checkpoint is missing state for %q", key)
			}
			if err := carrier.LoadStateDict(saved); err != nil {
				return xerrors.Errorf("restoring state for module %q: %w", op.Module.Name(), err)
			}
			i++
		}
	}
	return nil
}

func moduleKey(i int) string {
	return "module" + strconv.Itoa(i)
}

func ensureContextNotExpired(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
