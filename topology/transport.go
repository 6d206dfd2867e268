package topology

import "context"

// Transport is the external collaborator that supplies rank-collective
// primitives: group construction and broadcast within a group. The actual
// collective/broadcast implementation (NCCL, gloo, ...) is out of scope for
// this core; Transport is the seam an external collectives library binds to.
type Transport interface {
	// AllGatherInt32 gathers one int32 value from every rank and returns
	// the gathered values ordered by rank.
	AllGatherInt32(ctx context.Context, local int32) ([]int32, error)

	// AllGatherInt32Row gathers an equal-length row of int32 values from
	// every rank and returns the gathered rows ordered by rank.
	AllGatherInt32Row(ctx context.Context, row []int32) ([][]int32, error)

	// NewGroup creates a transport group over the given rank subset. Every
	// rank in ranks must call NewGroup with the identical rank subset, in
	// the identical order relative to every other NewGroup call, or the
	// collective will deadlock or hand back mismatched groups.
	NewGroup(ranks []int) (Group, error)
}

// Group is a handle to a rank subset that supports broadcasting a single
// payload from a source rank to every member, including the source.
type Group interface {
	// Broadcast sends payload from srcRank to every group member. Callers
	// other than srcRank should pass a nil payload; the returned byte slice
	// is always the data that srcRank broadcast.
	Broadcast(ctx context.Context, srcRank int, payload []byte) ([]byte, error)

	// Ranks returns the (sorted) rank subset backing this group.
	Ranks() []int
}
