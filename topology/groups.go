package topology

import (
	"context"
	"sort"

	"golang.org/x/xerrors"
)

// EdgeKey identifies an undirected edge × tag pair — the unit that a single
// transport group record backs.
type EdgeKey struct {
	Lo, Hi, Tag int
}

// GroupPair is the {forward, backward} transport group record for one
// undirected edge×tag. Forward carries activations, backward carries
// gradients; keeping them on independent group handles lets both be
// in flight simultaneously without interleaving under a broadcast-based
// transport.
type GroupPair struct {
	Forward  Group
	Backward Group
}

const sentinelTag = -1

// BuildGroups runs the deterministic, globally-consistent group
// construction protocol: every worker all-gathers its padded connection
// list, then iterates the resulting N×L×2 matrix in rank order so that
// every worker considers every undirected edge×tag in the identical order.
// A worker only calls NewGroup for an edge it is itself incident to (the
// transport only rendezvouses an edge's two endpoint ranks); the returned
// map therefore holds exactly the groups this rank is a member of.
func BuildGroups(ctx context.Context, t Transport, worldSize, selfRank int, local []Connection) (map[EdgeKey]*GroupPair, error) {
	length, err := t.AllGatherInt32(ctx, int32(len(local)))
	if err != nil {
		return nil, xerrors.Errorf("gathering connection list lengths: %w", err)
	}

	maxLen := 0
	for _, l := range length {
		if int(l) > maxLen {
			maxLen = int(l)
		}
	}

	row := make([]int32, 2*maxLen)
	for i := range row {
		row[i] = sentinelTag
	}
	for i, c := range local {
		row[2*i] = int32(c.Tag)
		row[2*i+1] = int32(c.Peer)
	}

	matrix, err := t.AllGatherInt32Row(ctx, row)
	if err != nil {
		return nil, xerrors.Errorf("gathering connection matrix: %w", err)
	}
	if len(matrix) != worldSize {
		return nil, xerrors.Errorf("connection matrix has %d rows, expected world size %d", len(matrix), worldSize)
	}

	groups := make(map[EdgeKey]*GroupPair)
	incident := 0
	for src := 0; src < worldSize; src++ {
		rowData := matrix[src]
		for i := 0; i < maxLen; i++ {
			tag, dst := int(rowData[2*i]), int(rowData[2*i+1])
			if tag == sentinelTag {
				continue
			}

			lo, hi := src, dst
			if lo > hi {
				lo, hi = hi, lo
			}
			if lo == hi {
				return nil, xerrors.Errorf("self-edge detected for rank %d, tag %d", src, tag)
			}

			key := EdgeKey{Lo: lo, Hi: hi, Tag: tag}
			if _, exists := groups[key]; exists {
				continue // second sighting of the same edge; idempotent.
			}
			if lo != selfRank && hi != selfRank {
				// This edge does not touch selfRank: this rank is not a
				// member of its transport group, so it must not call
				// NewGroup for it (the transport only rendezvous the
				// edge's two incident ranks).
				continue
			}

			pairRanks := sortedRanks([]int{lo, hi})
			fwd, err := t.NewGroup(pairRanks)
			if err != nil {
				return nil, xerrors.Errorf("creating forward group for edge %+v: %w", key, err)
			}
			bwd, err := t.NewGroup(pairRanks)
			if err != nil {
				return nil, xerrors.Errorf("creating backward group for edge %+v: %w", key, err)
			}
			groups[key] = &GroupPair{Forward: fwd, Backward: bwd}
			incident++
		}
	}

	if want := len(uniqueConnections(local)); incident != want {
		return nil, xerrors.Errorf("configuration error: %d edges incident to rank %d, expected %d from its connection list", incident, selfRank, want)
	}

	return groups, nil
}

func uniqueConnections(conns []Connection) []Connection {
	seen := make(map[Connection]struct{}, len(conns))
	out := make([]Connection, 0, len(conns))
	for _, c := range conns {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Lookup finds the group pair for the undirected edge between a and b on
// the given tag.
func Lookup(groups map[EdgeKey]*GroupPair, a, b, tag int) (*GroupPair, bool) {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	g, ok := groups[EdgeKey{Lo: lo, Hi: hi, Tag: tag}]
	return g, ok
}

// SelectGroup implements the sub-group selection rule: for a
// receive from a higher-ranked peer use the backward group, from a
// lower-ranked peer use the forward group; for a send to a higher-ranked
// peer use the forward group, to a lower-ranked peer use the backward
// group. The rule is symmetric across endpoints so both sides of an edge
// agree on the handle for a given logical direction.
func SelectGroup(pair *GroupPair, selfRank, peerRank int, receiving bool) Group {
	higherPeer := peerRank > selfRank
	if receiving {
		if higherPeer {
			return pair.Backward
		}
		return pair.Forward
	}
	if higherPeer {
		return pair.Forward
	}
	return pair.Backward
}

// sortedRanks is a small helper kept here (rather than inlined at call
// sites) so NewGroup always receives a canonically ordered rank list.
func sortedRanks(ranks []int) []int {
	out := append([]int(nil), ranks...)
	sort.Ints(out)
	return out
}
