package logic

// PieceSelector decides which piece a peer should work on next. candidates
// are pieces that peer advertises and that still have unrequested blocks;
// availability reports how many sessions advertise a piece.
type PieceSelector interface {
	SelectPiece(candidates []int, availability func(index int) int) (int, bool)
}

// RarestFirst picks the piece advertised by the fewest sessions, breaking
// ties by lowest index.
type RarestFirst struct{}

func (RarestFirst) SelectPiece(candidates []int, availability func(int) int) (int, bool) {
	if len(candidates) == 0 {
		return 0, false
	}
	best, bestCount := candidates[0], availability(candidates[0])
	for _, index := range candidates[1:] {
		count := availability(index)
		if count < bestCount || (count == bestCount && index < best) {
			best, bestCount = index, count
		}
	}
	return best, true
}

// Sequential picks the lowest index, useful for streaming.
type Sequential struct{}

func (Sequential) SelectPiece(candidates []int, _ func(int) int) (int, bool) {
	if len(candidates) == 0 {
		return 0, false
	}
	best := candidates[0]
	for _, index := range candidates[1:] {
		best = min(best, index)
	}
	return best, true
}
