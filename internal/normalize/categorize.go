package normalize

import (
	"strings"

	"newswire/internal/core"
)

// categoryKeywords drive the rule-based categorizer. Title hits count
// double; the highest score wins, ties resolved by the fixed order below.
var categoryKeywords = map[core.Category][]string{
	core.CategoryPolitics: {
		"election", "senate", "congress", "parliament", "president",
		"minister", "legislation", "ballot", "campaign", "policy",
		"government", "vote", "democrat", "republican", "coalition",
	},
	core.CategoryBusiness: {
		"stocks", "earnings", "market", "economy", "inflation", "shares",
		"ipo", "merger", "acquisition", "revenue", "startup funding",
		"interest rate", "bank", "trade", "tariff",
	},
	core.CategoryTech: {
		"software", "iphone", "android", "app", "chip", "semiconductor",
		"artificial intelligence", "ai model", "startup", "cloud",
		"cybersecurity", "smartphone", "browser", "encryption", "robot",
	},
	core.CategoryScience: {
		"research", "study finds", "scientists", "telescope", "physics",
		"spacecraft", "genome", "fossil", "quantum", "experiment",
		"discovery", "mars", "asteroid",
	},
	core.CategoryHealth: {
		"vaccine", "virus", "outbreak", "hospital", "cancer", "disease",
		"fda", "drug", "patients", "mental health", "epidemic",
		"clinical trial",
	},
	core.CategorySports: {
		"championship", "tournament", "playoff", "league", "season",
		"coach", "match", "goal", "touchdown", "wins", "defeat",
		"olympics", "medal", "cup",
	},
	core.CategoryEntertainment: {
		"movie", "film", "album", "celebrity", "premiere", "box office",
		"grammy", "oscar", "concert", "series", "trailer", "streaming",
	},
	core.CategoryWorld: {
		"war", "ceasefire", "hostages", "military", "border", "refugees",
		"sanctions", "diplomat", "embassy", "airstrike", "treaty",
		"united nations", "invasion",
	},
	core.CategoryEnvironment: {
		"climate", "emissions", "wildfire", "hurricane", "flood",
		"drought", "renewable", "carbon", "pollution", "biodiversity",
		"heatwave",
	},
}

// categoryOrder breaks scoring ties deterministically.
var categoryOrder = []core.Category{
	core.CategoryWorld, core.CategoryPolitics, core.CategoryBusiness,
	core.CategoryTech, core.CategoryScience, core.CategoryHealth,
	core.CategorySports, core.CategoryEntertainment, core.CategoryEnvironment,
}

// Categorize maps an article's title and description to a category. When no
// keyword scores, the feed's category hint applies; failing that,
// top_stories.
func Categorize(title, description string, hint core.Category) core.Category {
	titleLower := " " + strings.ToLower(title) + " "
	descLower := " " + strings.ToLower(description) + " "

	best := core.Category("")
	bestScore := 0
	for _, cat := range categoryOrder {
		score := 0
		for _, kw := range categoryKeywords[cat] {
			if indexWord(titleLower, kw) >= 0 {
				score += 2
			}
			if indexWord(descLower, kw) >= 0 {
				score++
			}
		}
		if score > bestScore {
			best = cat
			bestScore = score
		}
	}

	if bestScore > 0 {
		return best
	}
	if hint != "" && hint != core.CategoryTopStories {
		return hint
	}
	return core.CategoryTopStories
}
