// Package verification implements the claim verification worker: it
// retrieves supporting context for a claim from the vector index, asks the
// language model for a verdict with evidence, and falls back to a web
// search when the local context leaves the claim undetermined.
package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"veritas.evalgo.org/common"
	"veritas.evalgo.org/db"
	"veritas.evalgo.org/llm"
)

// Verdicts.
const (
	VerdictTrue         = "TRUE"
	VerdictFalse        = "FALSE"
	VerdictUndetermined = "UNDETERMINED"
)

// snippetLimit is how many context snippets one verification retrieves.
const snippetLimit = 5

// hybridAlpha balances vector against keyword scoring for retrieval.
const hybridAlpha = 0.5

// Searcher is the optional web search fallback consulted when the local
// news context cannot settle a claim.
type Searcher interface {
	// Search returns result snippets for a query.
	Search(ctx context.Context, query string) ([]string, error)
}

// Input is the verification task payload.
type Input struct {
	Claim string `json:"claim"`

	// WebSearch allows the web fallback for this task. Without it the
	// verdict rests on the local corpus alone.
	WebSearch bool `json:"web_search"`
}

// Result is the verification outcome.
type Result struct {
	Claim    string   `json:"claim"`
	Verdict  string   `json:"verdict"`
	Evidence []string `json:"evidence"`
}

// Config holds the verification worker dependencies.
type Config struct {
	// Index retrieves supporting snippets
	Index db.VectorIndex

	// LLM produces the verdict
	LLM llm.Completer

	// Search is the optional web fallback
	Search Searcher

	// Logger for verification events
	Logger *logrus.Entry
}

// Executor verifies one claim per task.
type Executor struct {
	index  db.VectorIndex
	llm    llm.Completer
	search Searcher
	logger *logrus.Entry
}

// NewExecutor creates the verification executor.
func NewExecutor(config Config) *Executor {
	logger := config.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{
		index:  config.Index,
		llm:    config.LLM,
		search: config.Search,
		logger: logger.WithField("component", "verification"),
	}
}

// Stage returns the stage name served by this executor.
func (e *Executor) Stage() string {
	return common.StageVerification
}

// Execute retrieves context for the claim and asks the model for a verdict.
// An UNDETERMINED verdict gets one retry with web search results added to
// the context, but only when the task allows it and a searcher is configured.
func (e *Executor) Execute(ctx context.Context, task *common.TaskMessage) (map[string]interface{}, error) {
	var input Input
	if err := common.PayloadToStruct(task.Payload, &input); err != nil {
		return nil, common.NewTaskError(common.KindBadInput, "invalid verification payload: %v", err)
	}
	claim := strings.TrimSpace(input.Claim)
	if claim == "" {
		return nil, common.NewTaskError(common.KindBadInput, "verification payload missing claim")
	}

	snippets, err := e.index.HybridSearch(ctx, claim, snippetLimit, hybridAlpha)
	if err != nil {
		return nil, common.NewTaskError(common.KindTransientUpstream, "context retrieval failed: %v", err)
	}

	result, err := e.verdict(ctx, claim, formatSnippets(snippets))
	if err != nil {
		return nil, err
	}

	searched := false
	if result.Verdict == VerdictUndetermined && input.WebSearch && e.search != nil {
		e.logger.WithField("claim", claim).Info("Local context inconclusive, trying web search")
		result, searched, err = e.retryWithSearch(ctx, claim, snippets, result)
		if err != nil {
			return nil, err
		}
	}

	e.logger.WithFields(logrus.Fields{
		"correlation_id": task.CorrelationID,
		"verdict":        result.Verdict,
		"snippets":       len(snippets),
		"web_search":     searched,
	}).Info("Claim verified")

	return map[string]interface{}{
		"claim":                result.Claim,
		"verdict":              result.Verdict,
		"evidence":             result.Evidence,
		"snippet_count":        len(snippets),
		"web_search_performed": searched,
	}, nil
}

// retryWithSearch widens the context with web search results and asks once
// more. A failing or empty search keeps the original undetermined result
// and does not count as a performed search.
func (e *Executor) retryWithSearch(ctx context.Context, claim string, snippets []db.Snippet, previous *Result) (*Result, bool, error) {
	results, err := e.search.Search(ctx, claim)
	if err != nil {
		e.logger.WithError(err).Warn("Web search failed, keeping undetermined verdict")
		return previous, false, nil
	}
	if len(results) == 0 {
		return previous, false, nil
	}

	context := formatSnippets(snippets)
	if context != "" {
		context += "\n\n"
	}
	context += "Web results:\n" + strings.Join(results, "\n")

	result, err := e.verdict(ctx, claim, context)
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

// verdict asks the model for a structured verdict on the claim.
func (e *Executor) verdict(ctx context.Context, claim, newsContext string) (*Result, error) {
	system := "You evaluate whether a claim is true or false based on provided news contexts. " +
		`Reply with JSON only: {"verdict": "TRUE"|"FALSE"|"UNDETERMINED", "evidence": ["..."]}.`

	if newsContext == "" {
		newsContext = "(no matching articles)"
	}
	user := fmt.Sprintf(
		"Claim: %s\n\nNews Context:\n%s\n\nBased on the above, is the claim TRUE, FALSE, or UNDETERMINED? List up to three supporting evidence passages.",
		claim, newsContext)

	reply, err := e.llm.Complete(ctx, system, user)
	if err != nil {
		return nil, common.NewTaskError(common.KindTransientUpstream, "verdict generation failed: %v", err)
	}

	result, err := parseResult(reply)
	if err != nil {
		return nil, common.NewTaskError(common.KindTransientUpstream, "unusable verdict reply: %v", err)
	}
	result.Claim = claim
	return result, nil
}

// formatSnippets renders retrieved snippets as the numbered context block
// given to the model.
func formatSnippets(snippets []db.Snippet) string {
	var parts []string
	for i, s := range snippets {
		parts = append(parts, fmt.Sprintf(
			"Article %d:\n  Title: %s\n  Date:  %s\n  Summary: %s\n  Source: %s",
			i+1, s.Title, s.Date, s.Summary, s.Source))
	}
	return strings.Join(parts, "\n\n")
}

// parseResult extracts the verdict from a model reply: the embedded JSON
// object when present, a bare verdict keyword otherwise.
func parseResult(reply string) (*Result, error) {
	if start := strings.Index(reply, "{"); start >= 0 {
		if end := strings.LastIndex(reply, "}"); end > start {
			var parsed struct {
				Verdict  string   `json:"verdict"`
				Evidence []string `json:"evidence"`
			}
			if err := json.Unmarshal([]byte(reply[start:end+1]), &parsed); err == nil {
				verdict := strings.ToUpper(strings.TrimSpace(parsed.Verdict))
				switch verdict {
				case VerdictTrue, VerdictFalse, VerdictUndetermined:
					return &Result{Verdict: verdict, Evidence: parsed.Evidence}, nil
				}
			}
		}
	}

	upper := strings.ToUpper(reply)
	for _, verdict := range []string{VerdictUndetermined, VerdictFalse, VerdictTrue} {
		if strings.Contains(upper, verdict) {
			return &Result{Verdict: verdict, Evidence: nil}, nil
		}
	}
	return nil, fmt.Errorf("no verdict in reply %q", truncate(reply, 120))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
