// Package normalize turns raw feed entries into canonical articles: HTML
// cleaning, junk filtering, entity extraction, categorization and
// fingerprinting.
package normalize

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"newswire/internal/core"
	"newswire/internal/feeds"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
)

// minTitleLength is the floor below which a cleaned title is junk.
const minTitleLength = 10

// JunkError marks an entry dropped by the junk filter. Dropped entries are
// logged by the caller but never stored.
type JunkError struct {
	Reason string
}

func (e *JunkError) Error() string {
	return fmt.Sprintf("junk entry: %s", e.Reason)
}

var whitespaceRegex = regexp.MustCompile(`\s+`)

// defaultDenyPatterns match advertorial and affiliate junk in titles.
var defaultDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bsponsored\b`),
	regexp.MustCompile(`(?i)\badvertorial\b`),
	regexp.MustCompile(`(?i)\baffiliate\b`),
	regexp.MustCompile(`(?i)\bpromo code\b`),
	regexp.MustCompile(`(?i)\bdeal of the day\b`),
	regexp.MustCompile(`(?i)\b(best|top) \d+ deals\b`),
	regexp.MustCompile(`(?i)% off\b`),
}

// Normalizer converts feed entries into canonical articles.
type Normalizer struct {
	denyPatterns []*regexp.Regexp
}

// New creates a normalizer with the default deny patterns plus any extra
// configured ones. Invalid extra patterns are rejected.
func New(extraDenyPatterns []string) (*Normalizer, error) {
	patterns := make([]*regexp.Regexp, len(defaultDenyPatterns))
	copy(patterns, defaultDenyPatterns)
	for _, raw := range extraDenyPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid deny pattern %q: %w", raw, err)
		}
		patterns = append(patterns, re)
	}
	return &Normalizer{denyPatterns: patterns}, nil
}

// Normalize cleans the entry and builds the canonical article. A *JunkError
// is returned for entries the pipeline should drop.
func (n *Normalizer) Normalize(entry feeds.Entry, fd core.FeedDescriptor) (core.Article, error) {
	title := CleanHTML(entry.Title)
	description := CleanHTML(entry.Description)
	content := CleanHTML(entry.Content)

	if title == "" {
		return core.Article{}, &JunkError{Reason: "empty title"}
	}
	if utf8.RuneCountInString(title) < minTitleLength {
		return core.Article{}, &JunkError{Reason: "title below length floor"}
	}
	for _, re := range n.denyPatterns {
		if re.MatchString(title) {
			return core.Article{}, &JunkError{Reason: "title matches deny pattern " + re.String()}
		}
	}
	if entry.Link == "" {
		return core.Article{}, &JunkError{Reason: "entry has no link"}
	}

	entities := ExtractEntities(title + ". " + description)

	article := core.Article{
		ArticleID:   ArticleID(fd.SourceID, entry.Link, entry.Published),
		SourceID:    fd.SourceID,
		Title:       title,
		Description: description,
		Content:     content,
		ArticleURL:  entry.Link,
		ImageURL:    entry.ImageURL,
		PublishedAt: entry.Published.UTC(),
		IngestedAt:  time.Now().UTC(),
		Category:    Categorize(title, description, fd.CategoryHint),
		Entities:    entities,
		Fingerprint: Fingerprint(title, entities),
	}
	return article, nil
}

// ArticleID derives the deterministic article id from the publisher, the
// canonical URL and the publication timestamp.
func ArticleID(sourceID, articleURL string, published time.Time) string {
	seed := sourceID + "|" + articleURL + "|" + published.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(seed)).String()
}

// CleanHTML strips tags, decodes HTML entities, collapses whitespace and
// trims the result.
func CleanHTML(s string) string {
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "<>") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			s = doc.Text()
		}
	}
	s = html.UnescapeString(s)
	s = whitespaceRegex.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
