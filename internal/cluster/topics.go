package cluster

import (
	"sort"
	"strings"
)

// DominantTopic returns the name of the conflict set that dominates a
// title, or "" when none does. A title is dominated when exactly one set
// has the strictly highest keyword hit count and that count is nonzero.
// Ties mean the title is ambiguous and no set dominates.
func DominantTopic(title string, sets map[string][]string) string {
	lower := " " + normalizeTitle(title) + " "

	names := make([]string, 0, len(sets))
	for name := range sets {
		names = append(names, name)
	}
	sort.Strings(names)

	best := ""
	bestHits := 0
	tied := false
	for _, name := range names {
		hits := 0
		for _, kw := range sets[name] {
			if strings.Contains(lower, " "+kw+" ") {
				hits++
			}
		}
		if hits > bestHits {
			best = name
			bestHits = hits
			tied = false
		} else if hits == bestHits && hits > 0 {
			tied = true
		}
	}
	if tied || bestHits == 0 {
		return ""
	}
	return best
}

// TopicConflict reports whether two titles are dominated by different
// conflict sets. Conflicting titles never cluster together regardless of
// their text similarity.
func TopicConflict(a, b string, sets map[string][]string) bool {
	ta := DominantTopic(a, sets)
	if ta == "" {
		return false
	}
	tb := DominantTopic(b, sets)
	return tb != "" && ta != tb
}
