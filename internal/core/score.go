package core

import (
	"math"
	"time"
)

// ImportanceScore rates a story on a 0-10 scale from source corroboration,
// freshness and lifecycle status. Recomputed on every story mutation so the
// ranking stays current without a separate scoring pass.
func ImportanceScore(s *Story, now time.Time) float64 {
	sources := s.DistinctSources()
	if sources > 5 {
		sources = 5
	}
	score := float64(sources) * 1.2

	switch age := now.Sub(s.LastUpdated); {
	case age < time.Hour:
		score += 2
	case age < 6*time.Hour:
		score += 1
	case age < 24*time.Hour:
		score += 0.5
	}

	switch s.Status {
	case StatusBreaking:
		score += 2
	case StatusVerified:
		score += 1
	case StatusDeveloping:
		score += 0.5
	}

	if score > 10 {
		score = 10
	}
	return math.Round(score*10) / 10
}
