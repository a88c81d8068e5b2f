package agent

import "strings"

// Per-million-token rates in USD. Advisory only; used to turn accumulated
// usage into a cost estimate and to enforce the soft budget cap.
type rate struct {
	input  float64
	output float64
}

var modelRates = map[string]rate{
	"claude-sonnet":  {input: 3.00, output: 15.00},
	"claude-haiku":   {input: 0.80, output: 4.00},
	"claude-opus":    {input: 15.00, output: 75.00},
	"gpt-4o":         {input: 2.50, output: 10.00},
	"gpt-4o-mini":    {input: 0.15, output: 0.60},
	"gpt-4.1":        {input: 2.00, output: 8.00},
	"o3":             {input: 2.00, output: 8.00},
}

var defaultRate = rate{input: 3.00, output: 15.00}

// estimateCost converts token counts to USD using the longest model-name
// prefix that matches a known rate.
func estimateCost(model string, inputTokens, outputTokens int) float64 {
	r := defaultRate
	bestLen := 0
	for prefix, pr := range modelRates {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			r = pr
			bestLen = len(prefix)
		}
	}
	return float64(inputTokens)/1e6*r.input + float64(outputTokens)/1e6*r.output
}
