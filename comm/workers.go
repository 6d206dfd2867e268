package comm

import (
	"context"

	"github.com/relaygrid/pipestage/queue"
	"github.com/relaygrid/pipestage/topology"
	"github.com/relaygrid/pipestage/wire"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// worker describes one IO worker: a single (name, direction, peer) tuple
// that performs numIterations broadcasts before exiting. It receives
// exactly what it needs to run (queue, counter, group, dtype) and holds no
// back-pointer to the Handler.
type worker struct {
	name          string
	dir           direction
	peerRank      int
	q             *queue.TensorQueue
	group         topology.Group
	selfRank      int
	dtype         wire.DType
	numIterations int
	logger        *logrus.Entry
	counter       *queue.WaitCounter
	codec         wire.Codec
}

// StartHelperThreads spawns one IO worker per queue, scaled by the number of
// data-parallel replicas of the adjacent stage this rank exchanges that
// tensor with, and configures the shared counter to the total worker count
//. forwardOnly selects evaluation mode: backward workers are
// replaced by "ack" workers.
func (h *Handler) StartHelperThreads(ctx context.Context, numIterations int, forwardOnly bool) error {
	var workers []worker

	fwdSend, err := h.buildWorkers(dirForwardSend, numIterations)
	if err != nil {
		return err
	}
	fwdRecv, err := h.buildWorkers(dirForwardReceive, numIterations)
	if err != nil {
		return err
	}
	workers = append(workers, fwdSend...)
	workers = append(workers, fwdRecv...)

	if forwardOnly {
		ack, err := h.buildAckWorkers(numIterations)
		if err != nil {
			return err
		}
		workers = append(workers, ack...)
	} else {
		bwdSend, err := h.buildWorkers(dirBackwardSend, numIterations)
		if err != nil {
			return err
		}
		bwdRecv, err := h.buildWorkers(dirBackwardReceive, numIterations)
		if err != nil {
			return err
		}
		workers = append(workers, bwdSend...)
		workers = append(workers, bwdRecv...)
	}

	h.counter = queue.NewWaitCounter(len(workers))
	h.logger.WithFields(logrus.Fields{
		"num_iterations": numIterations,
		"forward_only":   forwardOnly,
		"num_workers":    len(workers),
	}).Info("starting helper threads")

	for i := range workers {
		w := workers[i]
		w.counter = h.counter
		go w.run(ctx)
	}
	return nil
}

// buildWorkers constructs (but does not start) one worker per peer-indexed
// queue for the given direction, scaling numIterations by the number of
// data-parallel replicas of the adjacent stage. An adjacent stage of width k means each of its k replicas
// services numIterations/k iterations, so the aggregate traffic for the
// tensor equals numIterations minibatches.
func (h *Handler) buildWorkers(dir direction, numIterations int) ([]worker, error) {
	var out []worker
	for name, qs := range h.queues[dir] {
		peers := h.peersFor(name, dir)
		if len(peers) != len(qs) {
			return nil, xerrors.Errorf("tensor %q has %d queues but %d peers for direction %d", name, len(qs), len(peers), dir)
		}
		if len(peers) == 0 {
			continue // adjacent stage absent; no worker to spawn.
		}
		iters := numIterations / len(peers)
		dtype, ok := h.cfg.Dtypes[name]
		if !ok {
			dtype = wire.Float32
		}
		for i, peer := range peers {
			group, err := h.groupFor(name, peer, isReceiveDirection(dir))
			if err != nil {
				return nil, err
			}
			out = append(out, worker{
				name:          name,
				dir:           dir,
				peerRank:      peer,
				q:             qs[i],
				group:         group,
				selfRank:      h.selfRank,
				dtype:         dtype,
				numIterations: iters,
				logger: h.logger.WithFields(logrus.Fields{
					"tensor":    name,
					"direction": directionLabel(dir),
					"peer":      peer,
				}),
			})
		}
	}
	return out, nil
}

// buildAckWorkers constructs the ack-receive worker (if this rank is not
// the last stage) and the ack-send worker (if this rank is not the first
// stage): the last stage originates a zero ack and every non-first stage
// relays it one stage further upstream.
func (h *Handler) buildAckWorkers(numIterations int) ([]worker, error) {
	var out []worker
	ackTag, ok := h.cfg.TensorTags[AckTensorName]
	if !ok {
		return nil, xerrors.Errorf("no tag assigned for %q; cannot start ack edges", AckTensorName)
	}

	if len(h.cfg.RanksInNextStage) > 0 {
		qs := h.queues[dirForwardReceive][AckTensorName]
		if len(qs) == 0 {
			qs = make([]*queue.TensorQueue, len(h.cfg.RanksInNextStage))
			for i := range qs {
				qs[i] = queue.New()
			}
			h.queues[dirForwardReceive][AckTensorName] = qs
		}
		iters := numIterations / len(h.cfg.RanksInNextStage)
		for i, peer := range h.cfg.RanksInNextStage {
			pair, ok := topology.Lookup(h.groups, h.selfRank, peer, ackTag)
			if !ok {
				return nil, xerrors.Errorf("no transport group for ack edge (%d,%d)", h.selfRank, peer)
			}
			out = append(out, worker{
				name:          AckTensorName,
				dir:           dirForwardReceive,
				peerRank:      peer,
				q:             qs[i],
				group:         pair.Forward, // ack bypasses sub-group selection.
				selfRank:      h.selfRank,
				dtype:         wire.Int64,
				numIterations: iters,
				logger:        h.logger.WithFields(logrus.Fields{"tensor": AckTensorName, "direction": "ack-receive", "peer": peer}),
			})
		}
	}

	if len(h.cfg.RanksInPreviousStage) > 0 {
		qs := h.queues[dirForwardSend][AckTensorName]
		if len(qs) == 0 {
			qs = make([]*queue.TensorQueue, len(h.cfg.RanksInPreviousStage))
			for i := range qs {
				qs[i] = queue.New()
			}
			h.queues[dirForwardSend][AckTensorName] = qs
		}
		iters := numIterations / len(h.cfg.RanksInPreviousStage)
		for i, peer := range h.cfg.RanksInPreviousStage {
			pair, ok := topology.Lookup(h.groups, h.selfRank, peer, ackTag)
			if !ok {
				return nil, xerrors.Errorf("no transport group for ack edge (%d,%d)", h.selfRank, peer)
			}
			out = append(out, worker{
				name:          AckTensorName,
				dir:           dirForwardSend,
				peerRank:      peer,
				q:             qs[i],
				group:         pair.Forward,
				selfRank:      h.selfRank,
				dtype:         wire.Int64,
				numIterations: iters,
				logger:        h.logger.WithFields(logrus.Fields{"tensor": AckTensorName, "direction": "ack-send", "peer": peer}),
			})
		}
	}

	return out, nil
}

func (h *Handler) peersFor(name string, dir direction) []int {
	switch dir {
	case dirForwardSend, dirBackwardReceive:
		return h.cfg.SendRanks[name]
	default:
		return h.cfg.ReceiveRanks[name]
	}
}

func isReceiveDirection(dir direction) bool {
	return dir == dirForwardReceive || dir == dirBackwardReceive
}

func directionLabel(dir direction) string {
	switch dir {
	case dirForwardSend:
		return "forward-send"
	case dirForwardReceive:
		return "forward-receive"
	case dirBackwardSend:
		return "backward-send"
	default:
		return "backward-receive"
	}
}

// groupFor resolves the sub-group this worker uses for (name, peer),
// applying the sub-group selection rule.
func (h *Handler) groupFor(name string, peer int, receiving bool) (topology.Group, error) {
	tag, ok := h.cfg.TensorTags[name]
	if !ok {
		return nil, xerrors.Errorf("no tag assigned for tensor %q", name)
	}
	pair, ok := topology.Lookup(h.groups, h.selfRank, peer, tag)
	if !ok {
		return nil, xerrors.Errorf("no transport group for edge (%d,%d,%d)", h.selfRank, peer, tag)
	}
	return topology.SelectGroup(pair, h.selfRank, peer, receiving), nil
}

// run executes the per-thread loop: a receive worker
// broadcasts twice per iteration (shape, then payload) into a freshly
// allocated tensor and enqueues it; a send worker dequeues one tensor and
// broadcasts it the same way. Either loop decrements the shared counter
// once on exit, regardless of how many iterations it actually completed,
// so a broadcast failure still lets Wait() return rather than hang forever
// on a counter that can no longer reach zero on its own. The transport
// failure is only logged: Wait does not report it, and the worker's
// remaining iterations are not run.
func (w worker) run(ctx context.Context) {
	defer w.counter.Decrement()

	isReceive := isReceiveDirection(w.dir)
	for i := 0; i < w.numIterations; i++ {
		var err error
		if isReceive {
			err = w.runReceive(ctx)
		} else {
			err = w.runSend(ctx)
		}
		if err != nil {
			w.logger.WithField("err", err).Error("IO worker broadcast failed")
			return
		}
	}
	w.logger.Debug("IO worker exiting after completing scaled iteration count")
}

func (w worker) runReceive(ctx context.Context) error {
	shapeBytes, err := w.group.Broadcast(ctx, w.peerRank, nil)
	if err != nil {
		return xerrors.Errorf("receiving shape for %q: %w", w.name, err)
	}
	shapeEnv, err := wire.UnmarshalEnvelope(shapeBytes)
	if err != nil {
		return err
	}
	dims, err := w.codec.DecodeShapeEnvelope(shapeEnv)
	if err != nil {
		return err
	}

	payloadBytes, err := w.group.Broadcast(ctx, w.peerRank, nil)
	if err != nil {
		return xerrors.Errorf("receiving payload for %q: %w", w.name, err)
	}
	payloadEnv, err := wire.UnmarshalEnvelope(payloadBytes)
	if err != nil {
		return err
	}
	data, err := w.codec.DecodePayloadEnvelope(payloadEnv)
	if err != nil {
		return err
	}
	restored, err := wire.RestoreFromWire(w.dtype, data)
	if err != nil {
		return err
	}

	w.q.Add(queue.Tensor{Shape: dims, Dtype: string(w.dtype), Data: restored})
	return nil
}

func (w worker) runSend(ctx context.Context) error {
	t, ok := w.q.Remove()
	if !ok {
		return xerrors.Errorf("send queue for %q closed before a value was available", w.name)
	}

	shapeEnv, err := w.codec.EncodeShapeEnvelope(t.Shape)
	if err != nil {
		return err
	}
	shapeBytes, err := wire.MarshalEnvelope(shapeEnv)
	if err != nil {
		return err
	}
	if _, err := w.group.Broadcast(ctx, w.selfRank, shapeBytes); err != nil {
		return xerrors.Errorf("sending shape for %q: %w", w.name, err)
	}

	wireData := t.Data
	if wire.DType(t.Dtype) == wire.Bool {
		wireData = boolToWire(t.Data)
	}
	payloadEnv := w.codec.EncodePayloadEnvelope(wireData)
	payloadBytes, err := wire.MarshalEnvelope(payloadEnv)
	if err != nil {
		return err
	}
	if _, err := w.group.Broadcast(ctx, w.selfRank, payloadBytes); err != nil {
		return xerrors.Errorf("sending payload for %q: %w", w.name, err)
	}
	return nil
}

// boolToWire maps a bool payload (one byte per element, 0/1) onto the
// int8 wire representation used on the wire. The mapping is the
// identity at the byte level; this helper exists so the intent reads at
// the call site rather than being silently implicit.
func boolToWire(data []byte) []byte {
	return append([]byte(nil), data...)
}
