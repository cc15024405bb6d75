package cluster

import (
	"regexp"
	"sort"
	"strings"
)

var nonAlnumRegex = regexp.MustCompile(`[^a-z0-9 ]+`)

// TextSimilarity scores how alike two titles are, in [0,1]. It takes the
// maximum of a token Jaccard ratio, a character-bigram Dice coefficient,
// and a token-set ratio, so word reordering, small spelling variance, and
// wire-style rewrites that keep the core terms all stay tolerant. The
// score is symmetric and deterministic for a given input pair.
func TextSimilarity(a, b string) float64 {
	na, nb := normalizeTitle(a), normalizeTitle(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	score := tokenJaccard(na, nb)
	if d := bigramDice(na, nb); d > score {
		score = d
	}
	if r := tokenSetRatio(na, nb); r > score {
		score = r
	}
	return score
}

// tokenSetRatio compares the sorted shared-token core against each full
// token set. Two headlines about the same event usually share their core
// terms and differ only in each outlet's extra words, so the stronger of
// the two core-to-full ratios is a good rewrite-tolerant signal.
func tokenSetRatio(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	var shared, onlyA, onlyB []string
	for t := range ta {
		if _, ok := tb[t]; ok {
			shared = append(shared, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for t := range tb {
		if _, ok := ta[t]; !ok {
			onlyB = append(onlyB, t)
		}
	}
	if len(shared) == 0 {
		return 0
	}
	sort.Strings(shared)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	core := strings.Join(shared, " ")
	full1 := core
	if len(onlyA) > 0 {
		full1 += " " + strings.Join(onlyA, " ")
	}
	full2 := core
	if len(onlyB) > 0 {
		full2 += " " + strings.Join(onlyB, " ")
	}

	r1 := prefixRatio(core, full1)
	r2 := prefixRatio(core, full2)
	if r1 > r2 {
		return r1
	}
	return r2
}

// prefixRatio is the match ratio between a string and an extension of it:
// every character of the prefix matches, so the ratio reduces to
// 2*len(prefix) / (len(prefix) + len(full)).
func prefixRatio(prefix, full string) float64 {
	return 2 * float64(len(prefix)) / float64(len(prefix)+len(full))
}

func normalizeTitle(s string) string {
	s = nonAlnumRegex.ReplaceAllString(strings.ToLower(s), " ")
	return strings.Join(strings.Fields(s), " ")
}

func tokenJaccard(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range strings.Fields(s) {
		set[t] = struct{}{}
	}
	return set
}

func bigramDice(a, b string) float64 {
	ba := bigrams(a)
	bb := bigrams(b)
	totalA := 0
	for _, n := range ba {
		totalA += n
	}
	totalB := 0
	for _, n := range bb {
		totalB += n
	}
	if totalA+totalB == 0 {
		return 0
	}
	common := 0
	for g, n := range ba {
		if m, ok := bb[g]; ok {
			if m < n {
				common += m
			} else {
				common += n
			}
		}
	}
	return 2 * float64(common) / float64(totalA+totalB)
}

// bigrams counts character pairs over the normalized title. Counting rather
// than a set keeps repeated substrings from inflating the score.
func bigrams(s string) map[string]int {
	runes := []rune(s)
	grams := make(map[string]int)
	for i := 0; i+1 < len(runes); i++ {
		grams[string(runes[i:i+2])]++
	}
	return grams
}
