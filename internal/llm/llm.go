// Package llm wraps the Gemini SDK behind a small provider contract. Call
// outcomes are classified (ok, refusal, rate limited, transient) so the
// orchestrator can decide between retry, fallback and defer without
// inspecting SDK errors.
package llm

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"google.golang.org/genai"
)

const (
	// DefaultModel is the default Gemini model for summarization.
	DefaultModel = "gemini-flash-lite-latest"

	// KeepCurrent is the sentinel the headline prompt asks the model to
	// return when the existing headline is still the best one.
	KeepCurrent = "KEEP_CURRENT"

	// SummarizeStoryPromptTemplate renders a multi-source story into a
	// summarization prompt. Articles are ordered newest first.
	SummarizeStoryPromptTemplate = `Summarize this developing news story in 120-180 words. Write a neutral, factual summary that synthesizes all sources. Do not editorialize, do not mention the sources themselves, write only the summary.

Story headline: %s

Source articles:
%s`

	// HeadlinePromptTemplate asks for a better headline or the sentinel.
	HeadlinePromptTemplate = `A developing news story currently has this headline:

%s

These are the headlines from individual source articles, newest first:
%s

If one clear, specific, non-clickbait headline would serve readers better than the current one, reply with that headline only. If the current headline is still the best, reply with exactly ` + KeepCurrent + `.`
)

// defaultRetryAfter applies when the API rate limits without a hint.
const defaultRetryAfter = 30 * time.Second

// Kind classifies the outcome of a generation call.
type Kind int

const (
	// Ok means Text holds a usable completion.
	Ok Kind = iota
	// Refusal means the model declined or safety-blocked the request.
	// Not retryable; callers fall back.
	Refusal
	// RateLimited means the API pushed back; retry after RetryAfter.
	RateLimited
	// Transient covers network failures, server errors and empty
	// responses. Retryable.
	Transient
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "ok"
	case Refusal:
		return "refusal"
	case RateLimited:
		return "rate_limited"
	default:
		return "transient"
	}
}

// Request is one generation request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int32
	Temperature float32
}

// Result is the classified outcome of one generation call. Token counts
// are reported for Ok results so the caller can log cost.
type Result struct {
	Kind         Kind
	Text         string
	InputTokens  int
	OutputTokens int
	CachedTokens int           // Prompt tokens served from the provider cache
	RetryAfter   time.Duration // Set for RateLimited
	Reason       string        // Set for Refusal and Transient
}

// Provider is the generation contract the orchestrator consumes.
type Provider interface {
	ModelID() string
	// Generate runs one request. Failures are reported through
	// Result.Kind, not an error, so every outcome carries its class.
	Generate(ctx context.Context, req Request) Result
	// GenerateBatch runs requests as one unit at batch pricing. A
	// non-nil error means the unit failed part way and the caller
	// should split and resubmit.
	GenerateBatch(ctx context.Context, reqs []Request) ([]Result, error)
}

// Gemini is the genai-backed Provider.
type Gemini struct {
	modelID string
	client  *genai.Client
}

// NewGemini creates a Gemini provider. The model defaults when empty.
func NewGemini(ctx context.Context, apiKey, modelID string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required (set LLM_API_KEY or GEMINI_API_KEY)")
	}
	if modelID == "" {
		modelID = DefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Gemini{modelID: modelID, client: client}, nil
}

// ModelID returns the configured model.
func (g *Gemini) ModelID() string { return g.modelID }

// Generate runs one request against the Gemini API.
func (g *Gemini) Generate(ctx context.Context, req Request) Result {
	contents := []*genai.Content{{
		Parts: []*genai.Part{{Text: req.Prompt}},
		Role:  "user",
	}}

	var cfg *genai.GenerateContentConfig
	if req.System != "" || req.MaxTokens > 0 || req.Temperature > 0 {
		cfg = &genai.GenerateContentConfig{}
		if req.System != "" {
			cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
		}
		if req.MaxTokens > 0 {
			cfg.MaxOutputTokens = req.MaxTokens
		}
		if req.Temperature > 0 {
			cfg.Temperature = genai.Ptr(req.Temperature)
		}
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.modelID, contents, cfg)
	if err != nil {
		return classifyError(err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		if blocked(resp) {
			return Result{Kind: Refusal, Reason: "response blocked by safety filters"}
		}
		return Result{Kind: Transient, Reason: "empty response from model"}
	}

	in, out, cached := usage(resp, req.Prompt, text)
	return Result{Kind: Ok, Text: text, InputTokens: in, OutputTokens: out, CachedTokens: cached}
}

// GenerateBatch runs the requests sequentially as one unit. The first
// retryable failure aborts the unit so the caller can split it; refusals
// are per-request outcomes and do not abort.
func (g *Gemini) GenerateBatch(ctx context.Context, reqs []Request) ([]Result, error) {
	results := make([]Result, 0, len(reqs))
	for i, req := range reqs {
		res := g.Generate(ctx, req)
		if res.Kind == RateLimited || res.Kind == Transient {
			return nil, fmt.Errorf("batch failed at request %d of %d: %s", i+1, len(reqs), res.Reason)
		}
		results = append(results, res)
	}
	return results, nil
}

// classifyError maps an SDK error onto a result kind by status hints in
// the message. The genai error surface carries HTTP codes as text.
func classifyError(err error) Result {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED"):
		return Result{Kind: RateLimited, RetryAfter: defaultRetryAfter, Reason: msg}
	case strings.Contains(msg, "SAFETY") || strings.Contains(msg, "PROHIBITED_CONTENT") || strings.Contains(msg, "blocked"):
		return Result{Kind: Refusal, Reason: msg}
	case strings.Contains(msg, "400") || strings.Contains(msg, "INVALID_ARGUMENT"):
		return Result{Kind: Refusal, Reason: msg}
	default:
		return Result{Kind: Transient, Reason: msg}
	}
}

// blocked reports whether the response carries a safety finish reason.
func blocked(resp *genai.GenerateContentResponse) bool {
	for _, cand := range resp.Candidates {
		if cand.FinishReason == genai.FinishReasonSafety || cand.FinishReason == genai.FinishReasonProhibitedContent {
			return true
		}
	}
	return resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != ""
}

// usage pulls token counts from the response metadata, estimating when
// the API omits them. The cached count is how much of the prompt was
// served from the provider's prompt cache.
func usage(resp *genai.GenerateContentResponse, prompt, text string) (in, out, cached int) {
	if meta := resp.UsageMetadata; meta != nil && meta.TotalTokenCount > 0 {
		return int(meta.PromptTokenCount), int(meta.CandidatesTokenCount), int(meta.CachedContentTokenCount)
	}
	return EstimateTokens(prompt), EstimateTokens(text), 0
}

// EstimateTokens approximates the token count of text. Roughly one token
// per 3.5 characters of English, matching observed Gemini tokenization.
func EstimateTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / 3.5))
}
