package summarize

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"newswire/internal/core"
	"newswire/internal/llm"
	"newswire/internal/store"
)

// fallbackWordTarget caps the extractive fallback length.
const fallbackWordTarget = 120

// cacheablePrefix renders the system instruction for a story: the fixed
// instructions followed by the story's category and tags. The per-story
// sources live in the prompt body, so repeated calls for the same story
// open with an identical prefix the provider-side cache can reuse.
func cacheablePrefix(category core.Category, tags []string) string {
	var b strings.Builder
	b.WriteString(summarySystem)
	fmt.Fprintf(&b, "\nCategory: %s", category)
	if len(tags) > 0 {
		fmt.Fprintf(&b, "\nTags: %s", strings.Join(tags, ", "))
	}
	return b.String()
}

// newestSources returns up to limit source refs, newest first.
func newestSources(st *core.Story, limit int) []core.SourceRef {
	refs := make([]core.SourceRef, len(st.SourceArticles))
	copy(refs, st.SourceArticles)
	sort.Slice(refs, func(i, j int) bool {
		if !refs[i].PublishedAt.Equal(refs[j].PublishedAt) {
			return refs[i].PublishedAt.After(refs[j].PublishedAt)
		}
		return refs[i].ArticleID < refs[j].ArticleID
	})
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs
}

// buildSummaryRequest renders the story's newest sources into the
// summarization prompt, pulling article bodies where they are still
// retained.
func (o *Orchestrator) buildSummaryRequest(ctx context.Context, st *core.Story) llm.Request {
	var b strings.Builder
	for i, ref := range newestSources(st, o.cfg.MaxSources) {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, ref.SourceID, ref.Title)
		if article, err := store.GetArticle(ctx, o.store, ref.ArticleID); err == nil && article.Description != "" {
			fmt.Fprintf(&b, "   %s\n", article.Description)
		}
	}

	return llm.Request{
		System:      cacheablePrefix(st.Category, st.Tags),
		Prompt:      fmt.Sprintf(llm.SummarizeStoryPromptTemplate, st.Title, b.String()),
		MaxTokens:   summaryMaxTokens,
		Temperature: 0.3,
	}
}

// buildHeadlineRequest renders the headline re-evaluation prompt.
func (o *Orchestrator) buildHeadlineRequest(st *core.Story) llm.Request {
	var b strings.Builder
	for _, ref := range newestSources(st, o.cfg.MaxSources) {
		fmt.Fprintf(&b, "- [%s] %s\n", ref.SourceID, ref.Title)
	}

	return llm.Request{
		System:      cacheablePrefix(st.Category, st.Tags),
		Prompt:      fmt.Sprintf(llm.HeadlinePromptTemplate, st.Title, b.String()),
		MaxTokens:   64,
		Temperature: 0.2,
	}
}

// extractiveSummary assembles a summary from the story's own source
// material, newest first, without any model involvement.
func (o *Orchestrator) extractiveSummary(ctx context.Context, st *core.Story) string {
	var parts []string
	words := 0
	for _, ref := range newestSources(st, o.cfg.MaxSources) {
		text := ref.Title
		if article, err := store.GetArticle(ctx, o.store, ref.ArticleID); err == nil && article.Description != "" {
			text = article.Description
		}
		text = firstSentence(text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		words += len(strings.Fields(text))
		if words >= fallbackWordTarget {
			break
		}
	}
	return strings.Join(parts, " ")
}

// firstSentence returns the leading sentence of text, terminator kept.
func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			return text[:i+1]
		}
	}
	if text == "" {
		return ""
	}
	return text + "."
}
