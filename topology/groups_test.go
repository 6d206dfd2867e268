package topology_test

import (
	"context"
	"sync"
	"time"

	"github.com/relaygrid/pipestage/topology"
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(GroupsTestSuite))

type GroupsTestSuite struct{}

// buildBothSides runs BuildGroups concurrently for every rank against a
// shared in-memory hub, the way every worker process would run it
// independently against a real collectives backend.
func buildBothSides(c *gc.C, worldSize int, local map[int][]topology.Connection) map[int]map[topology.EdgeKey]*topology.GroupPair {
	hub := topology.NewInMemoryHub(worldSize)

	results := make(map[int]map[topology.EdgeKey]*topology.GroupPair)
	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make([]error, worldSize)

	for rank := 0; rank < worldSize; rank++ {
		rank := rank
		wg.Add(1)
		go func() {
			defer wg.Done()
			transport := topology.NewInMemoryTransport(hub, rank)
			groups, err := topology.BuildGroups(context.Background(), transport, worldSize, rank, local[rank])
			if err != nil {
				errs[rank] = err
				return
			}
			mu.Lock()
			results[rank] = groups
			mu.Unlock()
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		c.Fatal("BuildGroups did not complete across all ranks")
	}

	for _, err := range errs {
		c.Assert(err, gc.IsNil)
	}
	return results
}

func (s *GroupsTestSuite) TestTwoRankEdgeProducesMatchingGroupPair(c *gc.C) {
	local := map[int][]topology.Connection{
		0: {{Tag: 1, Peer: 1}, {Tag: 3, Peer: 1}, {Tag: 5, Peer: 1}},
		1: {{Tag: 1, Peer: 0}, {Tag: 3, Peer: 0}, {Tag: 5, Peer: 0}},
	}
	results := buildBothSides(c, 2, local)

	for _, tag := range []int{1, 3, 5} {
		key := topology.EdgeKey{Lo: 0, Hi: 1, Tag: tag}
		g0, ok0 := results[0][key]
		c.Assert(ok0, gc.Equals, true)
		g1, ok1 := results[1][key]
		c.Assert(ok1, gc.Equals, true)
		c.Assert(g0.Forward, gc.Equals, g1.Forward)
		c.Assert(g0.Backward, gc.Equals, g1.Backward)
		c.Assert(g0.Forward, gc.Not(gc.Equals), g0.Backward)
	}
	c.Assert(results[0], gc.HasLen, 3)
}

func (s *GroupsTestSuite) TestThreeRankChainProducesTwoEdges(c *gc.C) {
	local := map[int][]topology.Connection{
		0: {{Tag: 1, Peer: 1}},
		1: {{Tag: 1, Peer: 0}, {Tag: 1, Peer: 2}},
		2: {{Tag: 1, Peer: 1}},
	}
	results := buildBothSides(c, 3, local)

	keyA := topology.EdgeKey{Lo: 0, Hi: 1, Tag: 1}
	keyB := topology.EdgeKey{Lo: 1, Hi: 2, Tag: 1}

	c.Assert(results[1], gc.HasLen, 2)
	_, ok := results[1][keyA]
	c.Assert(ok, gc.Equals, true)
	_, ok = results[1][keyB]
	c.Assert(ok, gc.Equals, true)

	c.Assert(results[0][keyA].Forward, gc.Equals, results[1][keyA].Forward)
	c.Assert(results[2][keyB].Forward, gc.Equals, results[1][keyB].Forward)
}

type stubGroup struct{ name string }

func (g *stubGroup) Broadcast(context.Context, int, []byte) ([]byte, error) { return nil, nil }
func (g *stubGroup) Ranks() []int                                           { return nil }

func (s *GroupsTestSuite) TestSelectGroupRule(c *gc.C) {
	pair := &topology.GroupPair{Forward: &stubGroup{"fwd"}, Backward: &stubGroup{"bwd"}}
	c.Assert(topology.SelectGroup(pair, 0, 1, true), gc.Equals, pair.Backward)
	c.Assert(topology.SelectGroup(pair, 1, 0, true), gc.Equals, pair.Forward)
	c.Assert(topology.SelectGroup(pair, 0, 1, false), gc.Equals, pair.Forward)
	c.Assert(topology.SelectGroup(pair, 1, 0, false), gc.Equals, pair.Backward)
}
