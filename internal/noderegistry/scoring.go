package noderegistry

import "github.com/cnyy99/giggle/internal/domain"

// score implements the selection formula: lower is better. A node at or
// above capacity (Registry.Tuning.PerNodeCapacity) never reaches this
// function — callers filter it first.
func score(n domain.Node) float64 {
	return n.CPUUsage + n.MemoryUsageRatio()*100 + float64(n.ActiveTaskCount)*10
}

// rankIndex looks up id's position in an ascending-score-ordered id list,
// returning len(ranked) if absent so unranked nodes sort last.
func rankIndex(ranked []string, id string) int {
	for i, r := range ranked {
		if r == id {
			return i
		}
	}
	return len(ranked)
}

// pickBest returns the index of the best candidate under the scoring
// formula, breaking ties by rankIndex (lower wins), and ties of that by
// original candidate order. candidates must be non-empty.
func pickBest(candidates []domain.Node, ranked []string) int {
	best := 0
	bestScore := score(candidates[0])
	bestRank := rankIndex(ranked, candidates[0].ID)

	for i := 1; i < len(candidates); i++ {
		s := score(candidates[i])
		r := rankIndex(ranked, candidates[i].ID)

		switch {
		case s < bestScore:
			best, bestScore, bestRank = i, s, r
		case s == bestScore && r < bestRank:
			best, bestScore, bestRank = i, s, r
		}
	}
	return best
}
