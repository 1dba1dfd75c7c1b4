package metrics

import "strings"

// ModelPricing is a per-1k-token USD rate for one direction of traffic.
type ModelPricing struct {
	InputPer1k  float64
	OutputPer1k float64
}

type pricingEntry struct {
	substr  string
	pricing ModelPricing
}

// pricingTable matches a model-name substring to its pricing, most-specific
// entry first (e.g. "gpt-4o-mini" before "gpt-4o", since the latter is also
// a substring of the former) since exact model strings drift faster
// than this table would be kept current; an unmatched model yields zero
// cost rather than an error, matching the advisory nature of cost
// estimation.
var pricingTable = []pricingEntry{
	{"claude-opus", ModelPricing{InputPer1k: 0.015, OutputPer1k: 0.075}},
	{"claude-sonnet", ModelPricing{InputPer1k: 0.003, OutputPer1k: 0.015}},
	{"claude-haiku", ModelPricing{InputPer1k: 0.0008, OutputPer1k: 0.004}},
	{"gpt-4o-mini", ModelPricing{InputPer1k: 0.00015, OutputPer1k: 0.0006}},
	{"gpt-4o", ModelPricing{InputPer1k: 0.0025, OutputPer1k: 0.01}},
	{"gpt-4", ModelPricing{InputPer1k: 0.03, OutputPer1k: 0.06}},
	{"gpt-3.5", ModelPricing{InputPer1k: 0.0005, OutputPer1k: 0.0015}},
}

// EstimateCostUSD returns (tokens/1000)*rate for each direction, summed.
// An unknown model returns 0, never an error.
func EstimateCostUSD(model string, inputTokens, outputTokens int) float64 {
	for _, entry := range pricingTable {
		if strings.Contains(model, entry.substr) {
			return float64(inputTokens)/1000*entry.pricing.InputPer1k + float64(outputTokens)/1000*entry.pricing.OutputPer1k
		}
	}
	return 0
}
