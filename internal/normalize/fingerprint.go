package normalize

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strings"

	"newswire/internal/core"
)

// Fingerprint contract: top 6 title keywords plus up to 3 entities. These
// values are part of the stored schema; changing either breaks every
// persisted fingerprint.
const (
	fingerprintKeywords = 6
	fingerprintEntities = 3
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {}, "of": {},
	"in": {}, "on": {}, "at": {}, "to": {}, "for": {}, "with": {}, "by": {},
	"from": {}, "as": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"be": {}, "been": {}, "has": {}, "have": {}, "had": {}, "it": {},
	"its": {}, "this": {}, "that": {}, "after": {}, "before": {},
	"over": {}, "under": {}, "into": {}, "out": {}, "up": {}, "down": {},
	"new": {}, "says": {}, "say": {}, "said": {}, "will": {}, "amid": {},
	"more": {}, "than": {}, "about": {}, "not": {}, "his": {}, "her": {},
	"their": {},
}

var nonAlnumRegex = regexp.MustCompile(`[^a-z0-9 ]+`)

// Fingerprint computes the short stable clustering hash for a title and its
// entities: FNV-32a over the sorted top keywords and the leading entities,
// rendered as 8 hex characters. Identical inputs always produce identical
// output.
func Fingerprint(title string, entities []core.Entity) string {
	keywords := titleKeywords(title)

	parts := make([]string, 0, len(keywords)+fingerprintEntities)
	parts = append(parts, keywords...)
	for _, e := range topEntities(entities, fingerprintEntities) {
		parts = append(parts, strings.ToLower(e.Text))
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%08x", h.Sum32())
}

// titleKeywords returns the top keywords of a normalized title: lowercased,
// punctuation stripped, stopwords removed, deduped, sorted, first 6.
func titleKeywords(title string) []string {
	normalized := nonAlnumRegex.ReplaceAllString(strings.ToLower(title), " ")

	seen := make(map[string]struct{})
	var words []string
	for _, w := range strings.Fields(normalized) {
		if len(w) < 3 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		words = append(words, w)
	}

	sort.Strings(words)
	if len(words) > fingerprintKeywords {
		words = words[:fingerprintKeywords]
	}
	return words
}

// topEntities selects up to n entities, PERSON/ORG before the rest,
// preserving extraction order within each group.
func topEntities(entities []core.Entity, n int) []core.Entity {
	var primary, secondary []core.Entity
	for _, e := range entities {
		if e.Type == core.EntityPerson || e.Type == core.EntityOrg {
			primary = append(primary, e)
		} else {
			secondary = append(secondary, e)
		}
	}
	out := append(primary, secondary...)
	if len(out) > n {
		out = out[:n]
	}
	return out
}
