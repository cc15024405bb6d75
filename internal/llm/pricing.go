package llm

import "math"

// Pricing is the per-model price card, in USD per million tokens.
type Pricing struct {
	ModelID         string
	InputUSDPer1M   float64
	OutputUSDPer1M  float64
	BatchMultiplier float64 // Applied to both rates on the batch path
}

// pricingTable holds Gemini pricing as of mid 2025. Unknown models fall
// back to flash-lite rates, which keeps cost logging conservative rather
// than silent.
var pricingTable = map[string]Pricing{
	"gemini-flash-lite-latest": {
		ModelID:         "gemini-flash-lite-latest",
		InputUSDPer1M:   0.10,
		OutputUSDPer1M:  0.40,
		BatchMultiplier: 0.5,
	},
	"gemini-flash-latest": {
		ModelID:         "gemini-flash-latest",
		InputUSDPer1M:   0.30,
		OutputUSDPer1M:  2.50,
		BatchMultiplier: 0.5,
	},
	"gemini-2.5-flash": {
		ModelID:         "gemini-2.5-flash",
		InputUSDPer1M:   0.30,
		OutputUSDPer1M:  2.50,
		BatchMultiplier: 0.5,
	},
	"gemini-2.5-pro": {
		ModelID:         "gemini-2.5-pro",
		InputUSDPer1M:   1.25,
		OutputUSDPer1M:  10.00,
		BatchMultiplier: 0.5,
	},
}

// PricingFor returns the price card for a model, defaulting to flash-lite
// rates for unknown models.
func PricingFor(modelID string) Pricing {
	if p, ok := pricingTable[modelID]; ok {
		return p
	}
	p := pricingTable[DefaultModel]
	p.ModelID = modelID
	return p
}

// Cost computes the micro-USD cost of one call. Batch calls get the batch
// multiplier. Any nonzero token usage costs at least one micro-dollar so
// cheap calls never log as free.
func Cost(modelID string, inputTokens, outputTokens int, batch bool) int64 {
	p := PricingFor(modelID)
	usd := float64(inputTokens)/1e6*p.InputUSDPer1M + float64(outputTokens)/1e6*p.OutputUSDPer1M
	if batch {
		usd *= p.BatchMultiplier
	}
	micro := int64(math.Round(usd * 1e6))
	if micro == 0 && inputTokens+outputTokens > 0 {
		micro = 1
	}
	return micro
}
