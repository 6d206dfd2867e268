package topology

// Connection is a (tag, peer_rank) pair appended to a worker's local
// connection list every time it registers a receive or send edge. The
// undirected pair (min(local,peer), max(local,peer), tag) is what
// identifies a transport group.
type Connection struct {
	Tag  int
	Peer int
}

// EdgeRegistry holds the receive/send rank maps and flat connection list
// this worker derived from the partition config and tag table.
type EdgeRegistry struct {
	// ReceiveRanks[name] lists the peer ranks this worker may receive the
	// named tensor from (the full adjacent stage rank list, so that the
	// messaging schedule can round-robin across uneven stage widths).
	ReceiveRanks map[string][]int

	// SendRanks[name] lists the peer ranks this worker may send the named
	// tensor to.
	SendRanks map[string][]int

	// Connections is the flat (tag, peer) list used to derive transport
	// groups; every ReceiveRanks/SendRanks registration appends one entry
	// per peer.
	Connections []Connection
}

// BuildEdgeRegistry derives the receive_ranks/send_ranks maps and the
// connection list for the given local rank: adjacent module pairs
// crossing a stage boundary register a receive edge
// on the downstream module's host and a send edge on the upstream module's
// host; target tensors and the "control" tensor follow the same forward
// chain topology from stage 0 to the last stage.
func BuildEdgeRegistry(cfg *PartitionConfig, tags *TagTable, localRank int) *EdgeRegistry {
	reg := &EdgeRegistry{
		ReceiveRanks: make(map[string][]int),
		SendRanks:    make(map[string][]int),
	}
	localStage := cfg.StageOf(localRank)

	for i := 0; i+1 < len(cfg.Modules); i++ {
		producer, consumer := cfg.Modules[i], cfg.Modules[i+1]
		producerStage, consumerStage := cfg.ModuleToStage[i], cfg.ModuleToStage[i+1]
		if producerStage == consumerStage {
			continue
		}

		for _, outName := range producer.OutputNames {
			if !containsName(consumer.InputNames, outName) {
				continue
			}
			if localStage == consumerStage {
				reg.registerReceive(outName, cfg.StageToRanks[producerStage])
			}
			if localStage == producerStage {
				reg.registerSend(outName, cfg.StageToRanks[consumerStage])
			}
		}
	}

	for _, name := range cfg.TargetNames {
		reg.registerChainTensor(name, cfg, localStage)
	}
	reg.registerChainTensor(ControlTensorName, cfg, localStage)

	// Materialize the connection list using tag assignments, in a stable
	// order (ReceiveRanks before SendRanks, names in TagTable order) so the
	// same local connection list is produced regardless of map iteration.
	for _, name := range tags.Names() {
		tag := tags.MustTag(name)
		for _, peer := range reg.ReceiveRanks[name] {
			reg.Connections = append(reg.Connections, Connection{Tag: tag, Peer: peer})
		}
		for _, peer := range reg.SendRanks[name] {
			reg.Connections = append(reg.Connections, Connection{Tag: tag, Peer: peer})
		}
	}

	return reg
}

// registerChainTensor wires a tensor that flows stage-by-stage from stage 0
// to the last stage (targets and the piggybacked control message), rather
// than following module input/output adjacency.
func (reg *EdgeRegistry) registerChainTensor(name string, cfg *PartitionConfig, localStage int) {
	if localStage > 0 {
		reg.registerReceive(name, cfg.StageToRanks[localStage-1])
	}
	if localStage < cfg.NumStages-1 {
		reg.registerSend(name, cfg.StageToRanks[localStage+1])
	}
}

func (reg *EdgeRegistry) registerReceive(name string, peers []int) {
	reg.ReceiveRanks[name] = append(reg.ReceiveRanks[name], peers...)
}

func (reg *EdgeRegistry) registerSend(name string, peers []int) {
	reg.SendRanks[name] = append(reg.SendRanks[name], peers...)
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
