// Package leaderboard ranks participants and tracks how they moved between snapshots.
package leaderboard

import (
	"sort"

	"quizlive/internal/domain"
)

// Rank orders standings by points (desc), then aggregate time (asc), then uid
// so the order is total and independent of input order. previous maps uid to
// the rank it held in the last computation; Delta is positive when moving up.
func Rank(standings []domain.Standing, previous map[string]int) []domain.LeaderboardEntry {
	sorted := make([]domain.Standing, len(standings))
	copy(sorted, standings)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.TotalPoints != b.TotalPoints {
			return a.TotalPoints > b.TotalPoints
		}
		if a.TotalTimeMs != b.TotalTimeMs {
			return a.TotalTimeMs < b.TotalTimeMs
		}
		return a.UID < b.UID
	})

	entries := make([]domain.LeaderboardEntry, 0, len(sorted))
	for i, s := range sorted {
		rank := i + 1
		delta := 0
		if prev, ok := previous[s.UID]; ok {
			delta = prev - rank
		}
		entries = append(entries, domain.LeaderboardEntry{
			Rank:        rank,
			UID:         s.UID,
			Nickname:    s.Nickname,
			TotalPoints: s.TotalPoints,
			TotalTimeMs: s.TotalTimeMs,
			Delta:       delta,
		})
	}
	return entries
}

// Aggregator remembers the previous ranking so consecutive snapshots carry deltas.
// It is not safe for concurrent use; the owning session serializes access.
type Aggregator struct {
	previous map[string]int
	last     []domain.LeaderboardEntry
}

func NewAggregator() *Aggregator {
	return &Aggregator{previous: make(map[string]int)}
}

// Update ranks standings against the previous computation and remembers the result.
func (a *Aggregator) Update(standings []domain.Standing) []domain.LeaderboardEntry {
	entries := Rank(standings, a.previous)
	next := make(map[string]int, len(entries))
	for _, e := range entries {
		next[e.UID] = e.Rank
	}
	a.previous = next
	a.last = entries
	return entries
}

// Last returns a copy of the most recent ranking.
func (a *Aggregator) Last() []domain.LeaderboardEntry {
	out := make([]domain.LeaderboardEntry, len(a.last))
	copy(out, a.last)
	return out
}
