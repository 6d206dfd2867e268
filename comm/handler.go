// Package comm implements the communication handler: it owns the per-tensor
// send/receive queues, spawns the background IO workers that drive them, and
// exposes the blocking/non-blocking Send/Recv surface the stage runtime
// calls on every minibatch.
package comm

import (
	"context"
	"io/ioutil"
	"sort"

	"github.com/relaygrid/pipestage/queue"
	"github.com/relaygrid/pipestage/schedule"
	"github.com/relaygrid/pipestage/topology"
	"github.com/relaygrid/pipestage/wire"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// AckTensorName is the reserved tensor name used for forward-only clocking
//.
const AckTensorName = topology.AckTensorName

// ControlTensorName is the reserved tensor name carrying piggybacked
// per-stage timing telemetry.
const ControlTensorName = topology.ControlTensorName

// direction selects one of the four queue dictionaries (forward/backward
// send/receive) a tensor name is registered under.
type direction int

const (
	dirForwardSend direction = iota
	dirForwardReceive
	dirBackwardSend
	dirBackwardReceive
)

// Config bundles the call-time arguments to Initialize.
type Config struct {
	ReceiveRanks map[string][]int
	SendRanks    map[string][]int
	TensorTags   map[string]int
	TargetNames  []string
	Dtypes       map[string]wire.DType

	RankInStage     int
	NumRanksInStage int

	// RanksInPreviousStage/RanksInNextStage are this rank's immediate
	// neighbours in the adjacent stages; they drive the "ack" edges, which
	// are not derived from the module graph like every other tensor name
	//.
	RanksInPreviousStage []int
	RanksInNextStage     []int
}

// Handler is the communication handler: it owns the per-tensor queues and
// the messaging schedule, and exposes the Send/Recv surface the stage
// runtime calls on every minibatch.
type Handler struct {
	logger    *logrus.Entry
	transport topology.Transport
	selfRank  int
	worldSize int

	cfg Config

	groups   map[topology.EdgeKey]*topology.GroupPair
	schedule *schedule.Schedule

	shapes map[string][]int32

	queues map[direction]map[string][]*queue.TensorQueue

	counter *queue.WaitCounter
}

// NewHandler creates a Handler bound to a transport and this process's rank.
// Logger may be nil, in which case a discard logger is used.
func NewHandler(transport topology.Transport, selfRank, worldSize int, logger *logrus.Entry) *Handler {
	if logger == nil {
		logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return &Handler{
		transport: transport,
		selfRank:  selfRank,
		worldSize: worldSize,
		logger:    logger.WithField("component", "comm.Handler"),
		shapes:    make(map[string][]int32),
	}
}

// Initialize populates the receive/send rank maps and tensor tags, builds
// the per-tensor queues, the messaging schedule, and the deterministic
// transport groups.
func (h *Handler) Initialize(ctx context.Context, cfg Config) error {
	h.cfg = cfg

	ranksInPrevStage := len(cfg.RanksInPreviousStage)
	sched, err := schedule.Build(cfg.RankInStage, cfg.NumRanksInStage, ranksInPrevStage)
	if err != nil {
		return xerrors.Errorf("building messaging schedule: %w", err)
	}
	h.schedule = sched

	conns := connectionsFromRanks(cfg)
	groups, err := topology.BuildGroups(ctx, h.transport, h.worldSize, h.selfRank, conns)
	if err != nil {
		return xerrors.Errorf("building transport groups: %w", err)
	}
	h.groups = groups

	h.queues = map[direction]map[string][]*queue.TensorQueue{
		dirForwardSend:     buildQueues(cfg.SendRanks),
		dirForwardReceive:  buildQueues(cfg.ReceiveRanks),
		dirBackwardSend:    buildQueues(cfg.ReceiveRanks),
		dirBackwardReceive: buildQueues(cfg.SendRanks),
	}
	// Target tensors are relayed forward only and never carry a gradient
	// backward, so they get no backward queues (and no backward workers).
	for _, name := range cfg.TargetNames {
		delete(h.queues[dirBackwardSend], name)
		delete(h.queues[dirBackwardReceive], name)
	}

	h.logger.WithFields(logrus.Fields{
		"rank_in_stage":      cfg.RankInStage,
		"num_ranks_in_stage": cfg.NumRanksInStage,
		"edges":              len(conns),
	}).Info("communication handler initialized")

	return nil
}

// connectionsFromRanks rebuilds the flat (tag, peer) connection list from the
// receive/send rank maps, the same way topology.BuildEdgeRegistry does for
// the module-graph-derived tensors, plus the "ack" edges derived directly
// from the adjacent-stage rank lists.
func connectionsFromRanks(cfg Config) []topology.Connection {
	names := make([]string, 0, len(cfg.TensorTags))
	for name := range cfg.TensorTags {
		names = append(names, name)
	}
	sort.Strings(names)

	var conns []topology.Connection
	for _, name := range names {
		tag := cfg.TensorTags[name]
		for _, peer := range cfg.ReceiveRanks[name] {
			conns = append(conns, topology.Connection{Tag: tag, Peer: peer})
		}
		for _, peer := range cfg.SendRanks[name] {
			conns = append(conns, topology.Connection{Tag: tag, Peer: peer})
		}
	}

	if ackTag, ok := cfg.TensorTags[AckTensorName]; ok {
		for _, peer := range cfg.RanksInNextStage {
			conns = append(conns, topology.Connection{Tag: ackTag, Peer: peer})
		}
		for _, peer := range cfg.RanksInPreviousStage {
			conns = append(conns, topology.Connection{Tag: ackTag, Peer: peer})
		}
	}

	return conns
}

func buildQueues(ranks map[string][]int) map[string][]*queue.TensorQueue {
	out := make(map[string][]*queue.TensorQueue, len(ranks))
	for name, peers := range ranks {
		qs := make([]*queue.TensorQueue, len(peers))
		for i := range peers {
			qs[i] = queue.New()
		}
		out[name] = qs
	}
	return out
}

// SetTensorShapes provides the maximum tensor shapes used to size receive
// buffers. The in-memory transport allocates lazily per message,
// so this is recorded for diagnostics and for callers that want to validate
// shapes up front; it is not required for correctness here.
func (h *Handler) SetTensorShapes(shapes map[string][]int32) {
	for name, dims := range shapes {
		h.shapes[name] = append([]int32(nil), dims...)
	}
}

// Send enqueues t on the appropriate send queue for name. Send is
// non-blocking: the actual broadcast happens on a background IO worker
// spawned by StartHelperThreads.
func (h *Handler) Send(name string, t queue.Tensor, forwardMinibatchID, backwardMinibatchID int, backward bool) error {
	dir := dirForwardSend
	if backward {
		dir = dirBackwardSend
	}
	qs, ok := h.queues[dir][name]
	if !ok || len(qs) == 0 {
		return xerrors.Errorf("no send queues registered for tensor %q (backward=%v)", name, backward)
	}

	idx, err := h.sendIndex(name, forwardMinibatchID, backwardMinibatchID, backward)
	if err != nil {
		return err
	}
	qs[idx].Add(t)
	return nil
}

// Recv blocks until a tensor is available on the appropriate receive queue
// for name and returns it. Forward receives consult the messaging schedule
// without advancing it — the caller advances the cursor once per minibatch,
// after every forward receive for that minibatch has been read, via
// AdvanceForwardCursor; backward receives consult the fast-path round-robin
// peer selection instead and never touch the schedule.
func (h *Handler) Recv(name string, forwardMinibatchID, backwardMinibatchID int, backward bool) (queue.Tensor, error) {
	dir := dirForwardReceive
	if backward {
		dir = dirBackwardReceive
	}
	qs, ok := h.queues[dir][name]
	if !ok || len(qs) == 0 {
		return queue.Tensor{}, xerrors.Errorf("no receive queues registered for tensor %q (backward=%v)", name, backward)
	}

	idx, err := h.recvIndex(name, forwardMinibatchID, backwardMinibatchID, backward)
	if err != nil {
		return queue.Tensor{}, err
	}

	t, ok := qs[idx].Remove()
	if !ok {
		return queue.Tensor{}, xerrors.Errorf("receive queue for tensor %q closed before a value arrived", name)
	}
	return t, nil
}

// Wait blocks until every helper thread spawned by the most recent
// StartHelperThreads call has completed its scaled iteration count.
func (h *Handler) Wait() {
	if h.counter != nil {
		h.counter.Wait()
	}
}

// AdvanceForwardCursor moves the forward messaging cursor to the next row
// (or the next column within the current row). The caller is responsible
// for calling this exactly once per minibatch, after every forward-receive
// tensor for that minibatch has been read off its queue, so the activation
// and its piggybacked control tensor resolve to the same upstream peer
// index and the per-minibatch round robin advances correctly.
func (h *Handler) AdvanceForwardCursor() {
	h.schedule.Advance(schedule.Forward)
}

// AdvanceBackwardCursor moves the backward messaging cursor the same way,
// once per minibatch after every backward-send tensor for that minibatch
// has been enqueued.
func (h *Handler) AdvanceBackwardCursor() {
	h.schedule.Advance(schedule.Backward)
}

// sendIndex picks the peer-indexed queue for a Send call: the "ack" tensor
// always uses the single default peer; forward sends and backward receives
// use the fast-path round robin; backward sends consult the schedule's
// backward cursor without advancing it — the caller advances it once per
// minibatch via AdvanceBackwardCursor, after every tensor sharing that
// cursor has been sent, so gradient traffic stays paired edge-for-edge with
// the forward receive that produced it.
func (h *Handler) sendIndex(name string, forwardMinibatchID, backwardMinibatchID int, backward bool) (int, error) {
	if name == AckTensorName {
		return 0, nil
	}
	if !backward {
		peers := h.cfg.SendRanks[name]
		return fastPathIndex(len(peers), forwardMinibatchID, h.cfg.RankInStage)
	}
	idx, err := h.schedule.Peek(schedule.Backward)
	if err != nil {
		return 0, xerrors.Errorf("selecting backward send peer for %q: %w", name, err)
	}
	return idx, nil
}

// recvIndex mirrors sendIndex for the receive side: forward receives
// consult the schedule without advancing it (the caller advances it once
// per minibatch via AdvanceForwardCursor); backward receives use the
// fast-path round robin keyed by the backward minibatch id.
func (h *Handler) recvIndex(name string, forwardMinibatchID, backwardMinibatchID int, backward bool) (int, error) {
	if name == AckTensorName {
		return 0, nil
	}
	if backward {
		peers := h.cfg.SendRanks[name]
		return fastPathIndex(len(peers), backwardMinibatchID, h.cfg.RankInStage)
	}
	idx, err := h.schedule.Peek(schedule.Forward)
	if err != nil {
		return 0, xerrors.Errorf("selecting forward receive peer for %q: %w", name, err)
	}
	return idx, nil
}

// fastPathIndex implements the (minibatch_id + rank_in_stage) mod
// len(peers) round robin, expressed in terms of
// schedule.FastPathPeer over an identity index list so the arithmetic lives
// in exactly one place.
func fastPathIndex(numPeers, minibatchID, rankInStage int) (int, error) {
	if numPeers == 0 {
		return 0, xerrors.Errorf("fast-path peer selection requires at least one peer")
	}
	identity := make([]int, numPeers)
	for i := range identity {
		identity[i] = i
	}
	return schedule.FastPathPeer(identity, minibatchID, rankInStage)
}
