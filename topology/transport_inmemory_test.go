package topology_test

import (
	"context"
	"sync"
	"time"

	"github.com/relaygrid/pipestage/topology"
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(InMemoryTransportTestSuite))

type InMemoryTransportTestSuite struct{}

func (s *InMemoryTransportTestSuite) TestAllGatherInt32OrdersByRank(c *gc.C) {
	const worldSize = 4
	hub := topology.NewInMemoryHub(worldSize)

	results := make([][]int32, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		rank := rank
		wg.Add(1)
		go func() {
			defer wg.Done()
			transport := topology.NewInMemoryTransport(hub, rank)
			out, err := transport.AllGatherInt32(context.Background(), int32(rank*10))
			c.Check(err, gc.IsNil)
			results[rank] = out
		}()
	}
	waitOrTimeout(c, &wg)

	want := []int32{0, 10, 20, 30}
	for rank := 0; rank < worldSize; rank++ {
		c.Assert(results[rank], gc.DeepEquals, want)
	}
}

func (s *InMemoryTransportTestSuite) TestAllGatherInt32RowPadding(c *gc.C) {
	const worldSize = 2
	hub := topology.NewInMemoryHub(worldSize)

	rows := [][]int32{{1, 2, 3}, {4, 5}}
	results := make([][][]int32, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		rank := rank
		wg.Add(1)
		go func() {
			defer wg.Done()
			transport := topology.NewInMemoryTransport(hub, rank)
			out, err := transport.AllGatherInt32Row(context.Background(), rows[rank])
			c.Check(err, gc.IsNil)
			results[rank] = out
		}()
	}
	waitOrTimeout(c, &wg)

	c.Assert(results[0][0], gc.DeepEquals, []int32{1, 2, 3})
	c.Assert(results[0][1], gc.DeepEquals, []int32{4, 5})
	c.Assert(results[1], gc.DeepEquals, results[0])
}

func (s *InMemoryTransportTestSuite) TestBroadcastDeliversSourcePayloadToAllMembers(c *gc.C) {
	const worldSize = 3
	hub := topology.NewInMemoryHub(worldSize)

	var transports [worldSize]*topology.InMemoryTransport
	for r := 0; r < worldSize; r++ {
		transports[r] = topology.NewInMemoryTransport(hub, r)
	}

	var groups [worldSize]topology.Group
	var wg sync.WaitGroup
	for r := 0; r < worldSize; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := transports[r].NewGroup([]int{0, 1, 2})
			c.Check(err, gc.IsNil)
			groups[r] = g
		}()
	}
	waitOrTimeout(c, &wg)

	results := make([][]byte, worldSize)
	for r := 0; r < worldSize; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			var payload []byte
			if r == 1 {
				payload = []byte("hello from rank 1")
			}
			got, err := groups[r].Broadcast(context.Background(), 1, payload)
			c.Check(err, gc.IsNil)
			results[r] = got
		}()
	}
	waitOrTimeout(c, &wg)

	for r := 0; r < worldSize; r++ {
		c.Assert(string(results[r]), gc.Equals, "hello from rank 1")
	}
}

func (s *InMemoryTransportTestSuite) TestNewGroupRejectsNonMember(c *gc.C) {
	hub := topology.NewInMemoryHub(2)
	transport := topology.NewInMemoryTransport(hub, 0)
	_, err := transport.NewGroup([]int{1})
	c.Assert(err, gc.NotNil)
}

func waitOrTimeout(c *gc.C, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		c.Fatal("goroutines did not complete in time")
	}
}
