package transformation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"veritas.evalgo.org/common"
	"veritas.evalgo.org/db"
	"veritas.evalgo.org/llm"
)

// defaultLabels are the candidate topics for zero-shot classification.
var defaultLabels = []string{
	"economics", "sports", "entertainment", "politics",
	"technology", "culture", "artificial intelligence",
}

// Input is the transformation task payload: one article per task, fanned
// out by the orchestrator.
type Input struct {
	ArticleID string `json:"article_id"`
}

// Config holds the transformation worker dependencies.
type Config struct {
	// Store is the article document store
	Store db.ArticleStore

	// Index is the vector store the enriched article is refreshed into
	Index db.VectorIndex

	// LLM runs summarization, sentiment and classification
	LLM llm.Completer

	// Labels overrides the candidate classification labels
	Labels []string

	// Logger for enrichment events
	Logger *logrus.Entry
}

// Executor enriches one article per task.
type Executor struct {
	store  db.ArticleStore
	index  db.VectorIndex
	llm    llm.Completer
	labels []string
	logger *logrus.Entry
}

// NewExecutor creates the transformation executor.
func NewExecutor(config Config) *Executor {
	labels := config.Labels
	if len(labels) == 0 {
		labels = defaultLabels
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{
		store:  config.Store,
		index:  config.Index,
		llm:    config.LLM,
		labels: labels,
		logger: logger.WithField("component", "transformation"),
	}
}

// Stage returns the stage name served by this executor.
func (e *Executor) Stage() string {
	return common.StageTransformation
}

// Execute summarizes, scores and classifies one article, saves the enriched
// document and refreshes the vector index.
func (e *Executor) Execute(ctx context.Context, task *common.TaskMessage) (map[string]interface{}, error) {
	var input Input
	if err := common.PayloadToStruct(task.Payload, &input); err != nil {
		return nil, common.NewTaskError(common.KindBadInput, "invalid transformation payload: %v", err)
	}
	if input.ArticleID == "" {
		return nil, common.NewTaskError(common.KindBadInput, "transformation payload missing article_id")
	}

	article, err := e.store.GetArticle(ctx, input.ArticleID)
	if errors.Is(err, db.ErrArticleNotFound) {
		return nil, common.NewTaskError(common.KindBadInput, "article %s does not exist", input.ArticleID)
	}
	if err != nil {
		return nil, common.NewTaskError(common.KindTransientUpstream, "failed to load article %s: %v", input.ArticleID, err)
	}
	if strings.TrimSpace(article.Content) == "" {
		return nil, common.NewTaskError(common.KindBadInput, "article %s has no content", input.ArticleID)
	}

	summary, err := e.summarize(ctx, article.Content)
	if err != nil {
		return nil, common.AsTaskError(err)
	}
	sentiment, err := e.analyzeSentiment(ctx, article.Content)
	if err != nil {
		return nil, common.AsTaskError(err)
	}
	classification, err := e.classify(ctx, article.Content)
	if err != nil {
		return nil, common.AsTaskError(err)
	}

	article.Summary = summary
	article.Sentiment = sentiment
	article.Classification = classification

	if err := e.store.UpdateArticle(ctx, article); err != nil {
		return nil, common.NewTaskError(common.KindTransientUpstream, "failed to save enriched article: %v", err)
	}
	if err := e.index.Index(ctx, article); err != nil {
		return nil, common.NewTaskError(common.KindTransientUpstream, "failed to refresh vector index: %v", err)
	}

	e.logger.WithFields(logrus.Fields{
		"correlation_id": task.CorrelationID,
		"article_id":     article.ID,
		"sentiment":      sentiment.Label,
		"topic":          classification.Label,
	}).Info("Article enriched")

	return map[string]interface{}{
		"article_id": article.ID,
		"summary":    summary,
		"sentiment":  sentiment.Label,
		"topic":      classification.Label,
	}, nil
}

// summarize produces partial summaries per chunk and combines them. A
// combined summary still over the budget gets one final condensing pass.
func (e *Executor) summarize(ctx context.Context, content string) (string, error) {
	system := "You summarize news articles. Reply with the summary only, a few sentences, no preamble."

	var partials []string
	for _, chunk := range chunkText(content, summaryChunkTokens) {
		partial, err := e.llm.Complete(ctx, system, chunk)
		if err != nil {
			return "", common.NewTaskError(common.KindTransientUpstream, "summarization failed: %v", err)
		}
		partials = append(partials, strings.TrimSpace(partial))
	}

	combined := strings.Join(partials, " ")
	if estimateTokens(combined) <= summaryChunkTokens {
		return combined, nil
	}

	final, err := e.llm.Complete(ctx, system, combined)
	if err != nil {
		return "", common.NewTaskError(common.KindTransientUpstream, "summary condensing failed: %v", err)
	}
	return strings.TrimSpace(final), nil
}

// analyzeSentiment scores each chunk and aggregates: majority vote on the
// label, average of the confidence scores.
func (e *Executor) analyzeSentiment(ctx context.Context, content string) (*db.Sentiment, error) {
	system := "You rate the sentiment of news text. Reply with exactly one line: POSITIVE or NEGATIVE, a space, and a confidence between 0 and 1. Example: POSITIVE 0.87"

	counts := map[string]int{}
	total := 0.0
	chunks := chunkText(content, sentimentChunkTokens)

	for _, chunk := range chunks {
		reply, err := e.llm.Complete(ctx, system, chunk)
		if err != nil {
			return nil, common.NewTaskError(common.KindTransientUpstream, "sentiment analysis failed: %v", err)
		}
		label, score, err := parseSentiment(reply)
		if err != nil {
			return nil, common.NewTaskError(common.KindTransientUpstream, "unusable sentiment reply: %v", err)
		}
		counts[label]++
		total += score
	}

	majority := ""
	for label, count := range counts {
		if majority == "" || count > counts[majority] {
			majority = label
		}
	}
	return &db.Sentiment{Label: majority, Score: total / float64(len(chunks))}, nil
}

// parseSentiment extracts "LABEL score" from a model reply.
func parseSentiment(reply string) (string, float64, error) {
	fields := strings.Fields(strings.TrimSpace(reply))
	if len(fields) < 2 {
		return "", 0, fmt.Errorf("expected LABEL SCORE, got %q", reply)
	}
	label := strings.ToUpper(strings.Trim(fields[0], ".,:"))
	if label != "POSITIVE" && label != "NEGATIVE" {
		return "", 0, fmt.Errorf("unknown sentiment label %q", fields[0])
	}
	score, err := strconv.ParseFloat(strings.Trim(fields[len(fields)-1], ".,"), 64)
	if err != nil || score < 0 || score > 1 {
		return "", 0, fmt.Errorf("unusable sentiment score in %q", reply)
	}
	return label, score, nil
}

// classify scores every candidate label per chunk, sums the scores across
// chunks, normalizes them and picks the top label.
func (e *Executor) classify(ctx context.Context, content string) (*db.Classification, error) {
	system := fmt.Sprintf(
		"You classify news text into topics. Score each of these topics between 0 and 1 for the text: %s. Reply with one line per topic, formatted topic: score, nothing else.",
		strings.Join(e.labels, ", "))

	aggregated := map[string]float64{}
	for _, label := range e.labels {
		aggregated[label] = 0
	}

	for _, chunk := range chunkText(content, classifyChunkTokens) {
		reply, err := e.llm.Complete(ctx, system, chunk)
		if err != nil {
			return nil, common.NewTaskError(common.KindTransientUpstream, "classification failed: %v", err)
		}
		scores := parseLabelScores(reply, e.labels)
		if len(scores) == 0 {
			return nil, common.NewTaskError(common.KindTransientUpstream, "unusable classification reply %q", reply)
		}
		for label, score := range scores {
			aggregated[label] += score
		}
	}

	total := 0.0
	for _, score := range aggregated {
		total += score
	}
	if total == 0 {
		return nil, common.NewTaskError(common.KindTransientUpstream, "classification produced no scores")
	}

	normalized := make(map[string]float64, len(aggregated))
	top := ""
	for label, score := range aggregated {
		normalized[label] = score / total
		if top == "" || normalized[label] > normalized[top] {
			top = label
		}
	}
	return &db.Classification{Label: top, Scores: normalized}, nil
}

// parseLabelScores reads "label: score" lines, keeping known labels only.
func parseLabelScores(reply string, labels []string) map[string]float64 {
	known := map[string]bool{}
	for _, label := range labels {
		known[strings.ToLower(label)] = true
	}

	scores := map[string]float64{}
	for _, line := range strings.Split(reply, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		label := strings.ToLower(strings.Trim(parts[0], " -*"))
		if !known[label] {
			continue
		}
		score, err := strconv.ParseFloat(strings.Trim(strings.TrimSpace(parts[1]), ".,"), 64)
		if err != nil {
			continue
		}
		scores[label] = score
	}
	return scores
}
