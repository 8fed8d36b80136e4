package enrich

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/patrickhamzaokello/TND-NEWs/config"
	"github.com/patrickhamzaokello/TND-NEWs/internal/llm"
)

// AnalysisAgent turns one article's text into a structured Enrichment.
// Exactly one completion call per article per invocation, so cost and
// errors stay attributable to a single record.
type AnalysisAgent struct {
	provider llm.Provider
	model    string
	maxWords int
	logger   *log.Logger
}

// NewAnalysisAgent creates the per-article analysis agent.
func NewAnalysisAgent(cfg *config.Config, provider llm.Provider) *AnalysisAgent {
	model := cfg.LLM.Routing.Analysis
	if model == "" {
		model = cfg.LLM.Routing.Fallback
	}
	return &AnalysisAgent{
		provider: provider,
		model:    model,
		maxWords: cfg.Enrichment.MaxContentWords,
		logger:   log.New(log.Writer(), "[ANALYSIS] ", log.LstdFlags),
	}
}

// analysisResponse is the strict schema the model is instructed to emit.
// ImportanceScore is a pointer so a missing score is detectable: it is
// never defaulted.
type analysisResponse struct {
	Summary  string   `json:"summary"`
	Themes   []string `json:"themes"`
	Entities struct {
		People        []string `json:"people"`
		Organizations []string `json:"organizations"`
		Places        []string `json:"places"`
	} `json:"entities"`
	ImportanceScore *int  `json:"importance_score"`
	FollowUpWorthy  *bool `json:"follow_up_worthy"`
}

// Process analyzes one article. The returned Enrichment always carries
// whatever token usage and cost the call incurred, including when the
// response failed schema validation after a successful network exchange,
// so run-level cost accounting stays exact.
func (a *AnalysisAgent) Process(ctx context.Context, article Article) (Enrichment, error) {
	e := Enrichment{ArticleID: article.ID, Status: StatusFailed}

	system, user := buildAnalysisPrompt(article, a.maxWords)
	comp, err := a.provider.Complete(ctx, llm.CompletionRequest{
		System: system,
		User:   user,
		Model:  a.model,
	})
	if err != nil {
		return e, err
	}
	e.ModelUsed = comp.Model
	e.CostUSD = comp.CostUSD
	e.InputTokens = comp.InputTokens
	e.OutputTokens = comp.OutputTokens

	var parsed analysisResponse
	if err := llm.DecodeJSON(comp.Text, &parsed); err != nil {
		return e, err
	}
	if parsed.Summary == "" {
		return e, &llm.SchemaViolationError{Reason: "missing summary", Raw: comp.Text}
	}
	if parsed.ImportanceScore == nil {
		return e, &llm.SchemaViolationError{Reason: "missing importance_score", Raw: comp.Text}
	}

	score := *parsed.ImportanceScore
	if score < 0 || score > 10 {
		e.Warning = fmt.Sprintf("importance_score %d out of range, clamped", score)
		a.logger.Printf("article %d: %s", article.ID, e.Warning)
		if score < 0 {
			score = 0
		} else {
			score = 10
		}
	}

	e.Status = StatusSucceeded
	e.Summary = parsed.Summary
	e.Themes = parsed.Themes
	e.People = parsed.Entities.People
	e.Orgs = parsed.Entities.Organizations
	e.Places = parsed.Entities.Places
	e.Importance = score
	if parsed.FollowUpWorthy != nil {
		e.FollowUp = *parsed.FollowUpWorthy
	}
	e.AnalyzedAt = time.Now().UTC()
	return e, nil
}
