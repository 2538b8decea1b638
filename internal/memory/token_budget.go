package memory

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// EstimateMessageTokens includes a small per-message overhead for the role.
func EstimateMessageTokens(m Message) int {
	tokens := EstimateTokens(string(m.Type)) + 4
	tokens += EstimateTokens(m.Content)
	tokens += EstimateTokens(string(m.Data))
	tokens += EstimateTokens(m.Error)
	return tokens
}

func estimateAll(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessageTokens(m)
	}
	return total
}

// TrimToTokenBudget drops the oldest messages until the estimate fits in
// budget. The returned window never exceeds the budget, even if that leaves
// it empty, and never starts with an assistant reply.
func TrimToTokenBudget(history []Message, budget int) []Message {
	if budget <= 0 {
		return nil
	}
	total := estimateAll(history)
	for len(history) > 0 && total > budget {
		total -= EstimateMessageTokens(history[0])
		history = history[1:]
	}
	// Ensure first message is a user message
	for len(history) > 0 && history[0].Type == TypeAssistant {
		history = history[1:]
	}
	return history
}
