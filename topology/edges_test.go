package topology_test

import (
	"github.com/relaygrid/pipestage/topology"
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(EdgesTestSuite))

type EdgesTestSuite struct {
	cfg  *topology.PartitionConfig
	tags *topology.TagTable
}

func (s *EdgesTestSuite) SetUpTest(c *gc.C) {
	s.cfg = fixtureConfig()
	s.tags = topology.AssignTags(s.cfg)
}

func (s *EdgesTestSuite) TestProducerStageOnlySends(c *gc.C) {
	reg := topology.BuildEdgeRegistry(s.cfg, s.tags, 0)
	c.Assert(reg.SendRanks["h"], gc.DeepEquals, []int{1})
	c.Assert(reg.SendRanks["target"], gc.DeepEquals, []int{1})
	c.Assert(reg.SendRanks["control"], gc.DeepEquals, []int{1})
	c.Assert(reg.ReceiveRanks, gc.HasLen, 0)
}

func (s *EdgesTestSuite) TestConsumerStageOnlyReceives(c *gc.C) {
	reg := topology.BuildEdgeRegistry(s.cfg, s.tags, 1)
	c.Assert(reg.ReceiveRanks["h"], gc.DeepEquals, []int{0})
	c.Assert(reg.ReceiveRanks["target"], gc.DeepEquals, []int{0})
	c.Assert(reg.ReceiveRanks["control"], gc.DeepEquals, []int{0})
	c.Assert(reg.SendRanks, gc.HasLen, 0)
}

func (s *EdgesTestSuite) TestConnectionListIsStableAndOrdered(c *gc.C) {
	hTag := s.tags.MustTag("h")
	targetTag := s.tags.MustTag("target")
	controlTag := s.tags.MustTag("control")

	reg0 := topology.BuildEdgeRegistry(s.cfg, s.tags, 0)
	c.Assert(reg0.Connections, gc.DeepEquals, []topology.Connection{
		{Tag: hTag, Peer: 1},
		{Tag: targetTag, Peer: 1},
		{Tag: controlTag, Peer: 1},
	})

	reg1 := topology.BuildEdgeRegistry(s.cfg, s.tags, 1)
	c.Assert(reg1.Connections, gc.DeepEquals, []topology.Connection{
		{Tag: hTag, Peer: 0},
		{Tag: targetTag, Peer: 0},
		{Tag: controlTag, Peer: 0},
	})
}

func (s *EdgesTestSuite) TestThreeStageMiddleHasBothDirections(c *gc.C) {
	cfg := &topology.PartitionConfig{
		Modules: []topology.ModuleSpec{
			{Name: "module0", InputNames: []string{"x"}, OutputNames: []string{"h0"}},
			{Name: "module1", InputNames: []string{"h0"}, OutputNames: []string{"h1"}},
			{Name: "module2", InputNames: []string{"h1"}, OutputNames: []string{"y"}},
		},
		ModuleToStage: []int{0, 1, 2},
		StageToRanks:  map[int][]int{0: {0}, 1: {1}, 2: {2}},
		TargetNames:   []string{"target"},
		NumStages:     3,
	}
	tags := topology.AssignTags(cfg)
	reg := topology.BuildEdgeRegistry(cfg, tags, 1)

	c.Assert(reg.ReceiveRanks["h0"], gc.DeepEquals, []int{0})
	c.Assert(reg.SendRanks["h1"], gc.DeepEquals, []int{2})
	c.Assert(reg.ReceiveRanks["target"], gc.DeepEquals, []int{0})
	c.Assert(reg.SendRanks["target"], gc.DeepEquals, []int{2})
}
