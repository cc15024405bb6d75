package normalize

import (
	"regexp"
	"sort"
	"strings"

	"newswire/internal/core"
)

// knownAliases is the curated dictionary of people and organizations that
// appear in headlines without capitalization cues (or whose type a span
// scan cannot infer). Keys are lowercase.
var knownAliases = map[string]core.EntityType{
	"hamas":          core.EntityOrg,
	"hezbollah":      core.EntityOrg,
	"red cross":      core.EntityOrg,
	"united nations": core.EntityOrg,
	"white house":    core.EntityOrg,
	"pentagon":       core.EntityOrg,
	"kremlin":        core.EntityOrg,
	"nato":           core.EntityOrg,
	"nasa":           core.EntityOrg,
	"who":            core.EntityOrg,
	"fed":            core.EntityOrg,
	"opec":           core.EntityOrg,
	"european union": core.EntityOrg,
	"supreme court":  core.EntityOrg,
	"wall street":    core.EntityOrg,
	"google":         core.EntityOrg,
	"apple":          core.EntityOrg,
	"microsoft":      core.EntityOrg,
	"amazon":         core.EntityOrg,
	"meta":           core.EntityOrg,
	"openai":         core.EntityOrg,
	"tesla":          core.EntityOrg,
	"boeing":         core.EntityOrg,
	"pfizer":         core.EntityOrg,
	"gaza":           core.EntityLocation,
	"ukraine":        core.EntityLocation,
	"israel":         core.EntityLocation,
	"russia":         core.EntityLocation,
	"china":          core.EntityLocation,
	"taiwan":         core.EntityLocation,
	"washington":     core.EntityLocation,
	"beijing":        core.EntityLocation,
	"moscow":         core.EntityLocation,
	"brussels":       core.EntityLocation,
	"middle east":    core.EntityLocation,
}

// orgSuffixes mark a capitalized span as an organization.
var orgSuffixes = map[string]struct{}{
	"inc": {}, "corp": {}, "ltd": {}, "llc": {}, "group": {}, "bank": {},
	"university": {}, "department": {}, "ministry": {}, "agency": {},
	"commission": {}, "committee": {}, "company": {}, "airlines": {},
	"motors": {}, "labs": {}, "institute": {}, "association": {},
}

// personTitles mark a capitalized span as a person when it starts with one.
var personTitles = map[string]struct{}{
	"president": {}, "senator": {}, "governor": {}, "minister": {},
	"chancellor": {}, "secretary": {}, "dr": {}, "prof": {}, "judge": {},
	"mayor": {}, "general": {}, "pope": {}, "king": {}, "queen": {},
	"prince": {}, "princess": {},
}

// spanRegex captures capitalized multi-word spans ("Red Cross", "Joe Biden").
var spanRegex = regexp.MustCompile(`\b[A-Z][a-zA-Z'’\-]*(?:\s+[A-Z][a-zA-Z'’\-]*)+\b`)

type foundEntity struct {
	pos    int
	entity core.Entity
}

// ExtractEntities finds named entities in text: curated aliases first, then
// capitalized multi-word spans. Identical texts (case-insensitive) are
// deduped keeping the first occurrence; output order is order of
// appearance, so the result is deterministic for a given input.
func ExtractEntities(text string) []core.Entity {
	if text == "" {
		return nil
	}

	var found []foundEntity

	// Aliases are matched case-insensitively against the original text so
	// the reported span keeps the author's casing. Folding byte-by-byte
	// (rather than searching strings.ToLower(text)) keeps offsets valid
	// when the text carries runes whose lowercase form has a different
	// byte length.
	for alias, typ := range knownAliases {
		pos := indexWordFold(text, alias)
		if pos < 0 {
			continue
		}
		found = append(found, foundEntity{pos: pos, entity: core.Entity{Text: text[pos : pos+len(alias)], Type: typ}})
	}

	for _, loc := range spanRegex.FindAllStringIndex(text, -1) {
		span := text[loc[0]:loc[1]]
		found = append(found, foundEntity{pos: loc[0], entity: core.Entity{Text: span, Type: classifySpan(span)}})
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].pos < found[j].pos })

	seen := make(map[string]struct{}, len(found))
	var entities []core.Entity
	for _, f := range found {
		key := strings.ToLower(f.entity.Text)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		entities = append(entities, f.entity)
	}
	return entities
}

// classifySpan types a capitalized span from its first and last words.
func classifySpan(span string) core.EntityType {
	if typ, ok := knownAliases[strings.ToLower(span)]; ok {
		return typ
	}
	words := strings.Fields(strings.ToLower(span))
	if len(words) == 0 {
		return core.EntityOther
	}
	last := strings.TrimRight(words[len(words)-1], ".")
	if _, ok := orgSuffixes[last]; ok {
		return core.EntityOrg
	}
	first := strings.TrimRight(words[0], ".")
	if _, ok := personTitles[first]; ok {
		return core.EntityPerson
	}
	// A two-word capitalized span is most often a person's name.
	if len(words) == 2 {
		return core.EntityPerson
	}
	return core.EntityOther
}

// indexWord finds needle in haystack at word boundaries, or -1.
func indexWord(haystack, needle string) int {
	start := 0
	for {
		i := strings.Index(haystack[start:], needle)
		if i < 0 {
			return -1
		}
		pos := start + i
		end := pos + len(needle)
		beforeOK := pos == 0 || !isWordChar(haystack[pos-1])
		afterOK := end == len(haystack) || !isWordChar(haystack[end])
		if beforeOK && afterOK {
			return pos
		}
		start = pos + 1
		if start >= len(haystack) {
			return -1
		}
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

// indexWordFold finds a lowercase ASCII needle in haystack at word
// boundaries, folding only ASCII letters, so the returned offset indexes
// the original haystack bytes.
func indexWordFold(haystack, needle string) int {
	if needle == "" || len(needle) > len(haystack) {
		return -1
	}
	for pos := 0; pos+len(needle) <= len(haystack); pos++ {
		if !foldEqualASCII(haystack[pos:pos+len(needle)], needle) {
			continue
		}
		end := pos + len(needle)
		beforeOK := pos == 0 || !isWordChar(haystack[pos-1])
		afterOK := end == len(haystack) || !isWordChar(haystack[end])
		if beforeOK && afterOK {
			return pos
		}
	}
	return -1
}

// foldEqualASCII reports whether two equal-length strings match when ASCII
// uppercase letters fold to lowercase. Non-ASCII bytes must match exactly.
func foldEqualASCII(a, b string) bool {
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
