package coach

// Token pricing for the coaching model, USD per million tokens. Token counts
// are approximated from character length; this is a budget guardrail, not a
// billing-accurate figure (true counts would need the provider's tokenizer).
const (
	charsPerToken   = 4
	inputCostPer1M  = 0.075
	outputCostPer1M = 0.30
)

// EstimateTurnCost approximates the cost of one model turn from the user
// input and assistant output text.
func EstimateTurnCost(input, output string) float64 {
	inputTokens := float64(len(input)) / charsPerToken
	outputTokens := float64(len(output)) / charsPerToken
	return (inputTokens/1_000_000)*inputCostPer1M + (outputTokens/1_000_000)*outputCostPer1M
}

// BudgetExceeded reports whether a ledger total has reached the ceiling.
func BudgetExceeded(spend, ceiling float64) bool {
	return spend >= ceiling
}
