// Package transformation implements the per-article enrichment worker:
// summarization, sentiment analysis and zero-shot topic classification via
// the language model, followed by a document store update and a vector
// index refresh.
package transformation

import "strings"

// Token budgets per task. Long articles are split into sentence-aligned
// chunks under the budget, processed chunk by chunk and aggregated.
const (
	summaryChunkTokens   = 1024
	sentimentChunkTokens = 512
	classifyChunkTokens  = 1024
)

// estimateTokens approximates the token count of a text. Without the model's
// tokenizer a four-characters-per-token estimate keeps chunks safely under
// the context budget.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// chunkText splits text into sentence-aligned chunks whose estimated token
// count stays under maxTokens. A single sentence over the budget becomes its
// own chunk.
func chunkText(text string, maxTokens int) []string {
	sentences := strings.SplitAfter(text, ". ")

	var chunks []string
	current := ""
	for _, sentence := range sentences {
		if sentence == "" {
			continue
		}
		if current != "" && estimateTokens(current+sentence) > maxTokens {
			chunks = append(chunks, strings.TrimSpace(current))
			current = sentence
			continue
		}
		current += sentence
	}
	if trimmed := strings.TrimSpace(current); trimmed != "" {
		chunks = append(chunks, trimmed)
	}
	return chunks
}
