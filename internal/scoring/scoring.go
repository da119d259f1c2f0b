// Package scoring turns answers into points and accuracy percentages.
package scoring

import "math"

const (
	// MaxPoints is awarded for an instant correct answer.
	MaxPoints = 1000
	// BasePoints is the floor for any correct answer inside the time window;
	// the rest of MaxPoints scales with the remaining time.
	BasePoints = 400
)

// ComputePoints returns the points for one answer. Incorrect answers score 0,
// correct ones score BasePoints plus a bonus proportional to the remaining time.
// The result is always within [0, MaxPoints].
func ComputePoints(correct bool, timeLimitMs, elapsedMs int64) int {
	if !correct {
		return 0
	}
	if elapsedMs <= 0 || timeLimitMs <= 0 {
		return MaxPoints
	}
	remaining := timeLimitMs - elapsedMs
	if remaining < 0 {
		remaining = 0
	}
	bonus := math.Round(float64(MaxPoints-BasePoints) * float64(remaining) / float64(timeLimitMs))
	return clamp(BasePoints+int(bonus), 0, MaxPoints)
}

// ComputeAccuracy returns round(100*correct/total) as a percentage in [0, 100].
func ComputeAccuracy(correctCount, total int) int {
	if total <= 0 {
		return 0
	}
	pct := int(math.Round(100 * float64(correctCount) / float64(total)))
	return clamp(pct, 0, 100)
}

// IsCorrect reports whether selected matches keys as a set. Duplicate
// selections never count as correct.
func IsCorrect(selected, keys []string) bool {
	if len(keys) == 0 || len(selected) != len(keys) {
		return false
	}
	seen := make(map[string]struct{}, len(selected))
	for _, k := range selected {
		seen[k] = struct{}{}
	}
	if len(seen) != len(keys) {
		return false
	}
	for _, k := range keys {
		if _, ok := seen[k]; !ok {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
