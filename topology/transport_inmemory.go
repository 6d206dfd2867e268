package topology

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/xerrors"
)

// InMemoryHub is the rendezvous point shared by every rank's
// InMemoryTransport within a single process. It exists so the rest of the
// stack can be exercised by a real Transport implementation without a
// network; every participant here is just a goroutine blocked on the hub's
// condition variable.
type InMemoryHub struct {
	worldSize int

	mu   sync.Mutex
	cond *sync.Cond

	gatherRounds map[string]*gatherRound
	groupRounds  map[string]*groupRound
}

// NewInMemoryHub creates a hub for the given world size. Every rank's
// InMemoryTransport must be built from the same hub.
func NewInMemoryHub(worldSize int) *InMemoryHub {
	h := &InMemoryHub{
		worldSize:    worldSize,
		gatherRounds: make(map[string]*gatherRound),
		groupRounds:  make(map[string]*groupRound),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

type gatherRound struct {
	values   map[int]interface{}
	complete bool
}

// collective implements a reusable, named all-to-all barrier: the first
// caller for a given name starts a fresh round, every subsequent caller
// joins it, and the round that completes (every rank has arrived) is
// removed so the next logical call under the same name starts clean. This
// relies on every rank calling the hub's collective operations the
// identical number of times, in the identical relative order — guaranteed
// by the deterministic group-construction walk in groups.go.
func (h *InMemoryHub) collective(name string, rank int, value interface{}) ([]interface{}, error) {
	if rank < 0 || rank >= h.worldSize {
		return nil, xerrors.Errorf("rank %d out of range for world size %d", rank, h.worldSize)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rnd := h.gatherRounds[name]
	if rnd == nil {
		rnd = &gatherRound{values: make(map[int]interface{})}
		h.gatherRounds[name] = rnd
	}
	if _, dup := rnd.values[rank]; dup {
		return nil, xerrors.Errorf("rank %d already participated in collective %q this round", rank, name)
	}
	rnd.values[rank] = value

	if len(rnd.values) == h.worldSize {
		rnd.complete = true
		delete(h.gatherRounds, name)
		h.cond.Broadcast()
	} else {
		for !rnd.complete {
			h.cond.Wait()
		}
	}

	out := make([]interface{}, h.worldSize)
	for r, v := range rnd.values {
		out[r] = v
	}
	return out, nil
}

type groupRound struct {
	members  map[int]struct{}
	arrived  int
	group    *InMemoryGroup
	complete bool
}

// joinGroup implements the same create-on-first/clear-on-complete pattern
// as collective, but keyed by the group's rank set and scoped to exactly
// those members rather than the whole world; repeated calls with the same
// rank set (e.g. the forward/backward pair for one edge) are paired off in
// the order they arrive.
func (h *InMemoryHub) joinGroup(ranks []int) (*InMemoryGroup, error) {
	key := groupKey(ranks)

	h.mu.Lock()
	defer h.mu.Unlock()

	rnd := h.groupRounds[key]
	if rnd == nil {
		rnd = &groupRound{members: make(map[int]struct{})}
		h.groupRounds[key] = rnd
	}
	rnd.arrived++
	if rnd.arrived == len(ranks) {
		rnd.group = newInMemoryGroup(sortedCopy(ranks))
		rnd.complete = true
		delete(h.groupRounds, key)
		h.cond.Broadcast()
	} else {
		for !rnd.complete {
			h.cond.Wait()
		}
	}
	return rnd.group, nil
}

func groupKey(ranks []int) string {
	sorted := sortedCopy(ranks)
	parts := make([]string, len(sorted))
	for i, r := range sorted {
		parts[i] = strconv.Itoa(r)
	}
	return strings.Join(parts, ",")
}

func sortedCopy(ranks []int) []int {
	out := append([]int(nil), ranks...)
	sort.Ints(out)
	return out
}

// InMemoryTransport is a single rank's view of an InMemoryHub. It
// implements Transport entirely with in-process synchronization, making it
// suitable both for unit tests and for a single-process "--backend=local"
// development mode that exercises the full stage runtime without a real
// collectives backend.
type InMemoryTransport struct {
	hub  *InMemoryHub
	rank int
}

// NewInMemoryTransport returns the Transport handle for one rank of hub.
func NewInMemoryTransport(hub *InMemoryHub, rank int) *InMemoryTransport {
	return &InMemoryTransport{hub: hub, rank: rank}
}

func (t *InMemoryTransport) AllGatherInt32(ctx context.Context, local int32) ([]int32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := t.hub.collective("allgather_int32", t.rank, local)
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(raw))
	for i, v := range raw {
		out[i] = v.(int32)
	}
	return out, nil
}

func (t *InMemoryTransport) AllGatherInt32Row(ctx context.Context, row []int32) ([][]int32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := t.hub.collective("allgather_int32row", t.rank, append([]int32(nil), row...))
	if err != nil {
		return nil, err
	}
	out := make([][]int32, len(raw))
	for i, v := range raw {
		out[i] = v.([]int32)
	}
	return out, nil
}

func (t *InMemoryTransport) NewGroup(ranks []int) (Group, error) {
	member := false
	for _, r := range ranks {
		if r == t.rank {
			member = true
			break
		}
	}
	if !member {
		return nil, xerrors.Errorf("rank %d is not a member of group %v", t.rank, ranks)
	}
	return t.hub.joinGroup(ranks)
}

// InMemoryGroup is a Group backed by an InMemoryHub. Broadcast rendezvous is
// keyed by the group's identity, reusing the hub's create-on-first/
// clear-on-complete round so repeated broadcasts over the group's lifetime
// (one per training iteration) stay correctly paired.
type InMemoryGroup struct {
	ranks []int

	mu     sync.Mutex
	cond   *sync.Cond
	rounds map[string]*broadcastRound
}

type broadcastRound struct {
	arrived  int
	result   []byte
	haveData bool
	complete bool
}

func newInMemoryGroup(ranks []int) *InMemoryGroup {
	g := &InMemoryGroup{ranks: ranks, rounds: make(map[string]*broadcastRound)}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *InMemoryGroup) Ranks() []int {
	return append([]int(nil), g.ranks...)
}

func (g *InMemoryGroup) Broadcast(ctx context.Context, srcRank int, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	isMember := false
	for _, r := range g.ranks {
		if r == srcRank {
			isMember = true
			break
		}
	}
	if !isMember {
		return nil, xerrors.Errorf("broadcast source rank %d is not a member of group %v", srcRank, g.ranks)
	}

	const key = "broadcast" // one outstanding round at a time per group, by construction.

	g.mu.Lock()
	rnd := g.rounds[key]
	if rnd == nil {
		rnd = &broadcastRound{}
		g.rounds[key] = rnd
	}
	if payload != nil {
		if rnd.haveData {
			g.mu.Unlock()
			return nil, xerrors.Errorf("group %v received two payloads for one broadcast round", g.ranks)
		}
		rnd.result = append([]byte(nil), payload...)
		rnd.haveData = true
	}
	rnd.arrived++
	if rnd.arrived == len(g.ranks) {
		rnd.complete = true
		delete(g.rounds, key)
		g.cond.Broadcast()
	} else {
		for !rnd.complete {
			g.cond.Wait()
		}
	}
	result := rnd.result
	g.mu.Unlock()

	return result, nil
}
