// Package schedule builds the cyclic messaging schedule that keeps
// forward-receive and backward-send order paired edge-for-edge across
// stages of unequal width.
package schedule

import "golang.org/x/xerrors"

// Direction selects which of the two independent cursors an operation
// advances.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// cursor tracks a (row, col) position into Schedule.Rows.
type cursor struct {
	row, col int
}

// Schedule is the per-rank messaging schedule: for every local rank within
// a stage, the subset of upstream-rank indices it exchanges forward
// receives/backward sends with, in round order.
type Schedule struct {
	Rows [][]int

	fwd cursor
	bwd cursor
}

// Build constructs the schedule for one rank within its stage. rankInStage
// and numRanksInStage describe the local stage; numRanksInPrevStage is the
// width of the stage this rank receives activations from (0 if this is the
// first stage).
func Build(rankInStage, numRanksInStage, numRanksInPrevStage int) (*Schedule, error) {
	if numRanksInStage <= 0 {
		return nil, xerrors.Errorf("num_ranks_in_stage must be positive, got %d", numRanksInStage)
	}
	if rankInStage < 0 || rankInStage >= numRanksInStage {
		return nil, xerrors.Errorf("rank_in_stage %d out of range [0, %d)", rankInStage, numRanksInStage)
	}

	var rows [][]int
	for i := 0; i < numRanksInStage; i++ {
		var row []int
		for v := i; v < numRanksInPrevStage; v += numRanksInStage {
			row = append(row, v)
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}

	s := &Schedule{Rows: rows}
	if len(rows) == 0 {
		// No previous stage (numRanksInPrevStage == 0; any wider previous
		// stage always fills row 0): the schedule has nothing to iterate. Cursors stay at the zero value;
		// callers must not invoke Peek/Advance in this configuration.
		return s, nil
	}

	start := rankInStage
	for start >= len(rows) {
		start--
	}
	s.fwd = cursor{row: start, col: 0}
	s.bwd = cursor{row: start, col: 0}
	return s, nil
}

// Peek returns the upstream-rank index currently selected by the given
// cursor, without advancing it.
func (s *Schedule) Peek(dir Direction) (int, error) {
	cur := s.cursorFor(dir)
	if len(s.Rows) == 0 {
		return 0, xerrors.Errorf("schedule has no rows; there is no previous stage to address")
	}
	return s.Rows[cur.row][cur.col], nil
}

// Advance implements increment_messaging_index: the selected cursor's
// column advances by one, wrapping to the previous row (cyclically) when
// the current row is exhausted.
func (s *Schedule) Advance(dir Direction) {
	if len(s.Rows) == 0 {
		return
	}
	cur := s.cursorFor(dir)
	cur.col++
	if cur.col == len(s.Rows[cur.row]) {
		cur.col = 0
		cur.row--
		if cur.row == -1 {
			cur.row = len(s.Rows) - 1
		}
	}
	s.setCursor(dir, cur)
}

func (s *Schedule) cursorFor(dir Direction) cursor {
	if dir == Forward {
		return s.fwd
	}
	return s.bwd
}

func (s *Schedule) setCursor(dir Direction, c cursor) {
	if dir == Forward {
		s.fwd = c
		return
	}
	s.bwd = c
}

// FastPathPeer implements the round-robin peer choice used for forward
// sends and backward receives, which bypass the schedule entirely: it
// selects a data-parallel replica of the adjacent stage by
// (minibatchID + rankInStage) mod len(peers).
func FastPathPeer(peers []int, minibatchID, rankInStage int) (int, error) {
	if len(peers) == 0 {
		return 0, xerrors.Errorf("no peers available for fast-path selection")
	}
	idx := (minibatchID + rankInStage) % len(peers)
	if idx < 0 {
		idx += len(peers)
	}
	return peers[idx], nil
}
