// Package topology derives the cross-stage tensor edges this worker
// participates in and builds the transport groups that back them, following
// the deterministic, globally-consistent construction described by the
// stage runtime's communication core.
package topology

import "golang.org/x/xerrors"

// ModuleSpec describes a single partitioned compute module, as produced by
// the (external) model-partitioning compiler. Modules must be supplied in
// topological order; that order drives tag assignment, so every worker must
// receive the identical ordering.
type ModuleSpec struct {
	Name        string
	InputNames  []string
	OutputNames []string
}

// PartitionConfig bundles the partitioner's output: the module list (in
// topological order), the stage each module belongs to, the ranks assigned
// to each stage, and the reserved target tensor names that flow alongside
// ordinary activations.
type PartitionConfig struct {
	Modules []ModuleSpec

	// ModuleToStage[i] is the stage index hosting Modules[i].
	ModuleToStage []int

	// StageToRanks maps a stage index to its ordered list of ranks.
	StageToRanks map[int][]int

	// TargetNames are loss-stage input names (e.g. "target") that are
	// relayed unmodified from stage 0 to the stage that consumes them.
	TargetNames []string

	NumStages int
}

// Validate checks internal consistency of the partition configuration.
func (cfg *PartitionConfig) Validate() error {
	if len(cfg.ModuleToStage) != len(cfg.Modules) {
		return xerrors.Errorf("module_to_stage_map has %d entries for %d modules", len(cfg.ModuleToStage), len(cfg.Modules))
	}
	for _, s := range cfg.ModuleToStage {
		if s < 0 || s >= cfg.NumStages {
			return xerrors.Errorf("module assigned to out-of-range stage %d", s)
		}
	}
	for s := 0; s < cfg.NumStages; s++ {
		if len(cfg.StageToRanks[s]) == 0 {
			return xerrors.Errorf("stage %d has no assigned ranks", s)
		}
	}
	return nil
}

// StageOf returns the stage index for a rank, or -1 if the rank is not part
// of any stage.
func (cfg *PartitionConfig) StageOf(rank int) int {
	for s := 0; s < cfg.NumStages; s++ {
		for _, r := range cfg.StageToRanks[s] {
			if r == rank {
				return s
			}
		}
	}
	return -1
}

// RankInStage returns this rank's index within its stage's rank list.
func (cfg *PartitionConfig) RankInStage(rank int) int {
	stage := cfg.StageOf(rank)
	for i, r := range cfg.StageToRanks[stage] {
		if r == rank {
			return i
		}
	}
	return -1
}
