package enrich

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/patrickhamzaokello/TND-NEWs/config"
	"github.com/patrickhamzaokello/TND-NEWs/internal/llm"
)

// DigestAgent synthesizes the gold-tier daily digest from a day's
// succeeded enrichments.
type DigestAgent struct {
	provider   llm.Provider
	model      string
	topStories int
	logger     *log.Logger
}

// NewDigestAgent creates the digest synthesis agent.
func NewDigestAgent(cfg *config.Config, provider llm.Provider) *DigestAgent {
	model := cfg.LLM.Routing.Digest
	if model == "" {
		model = cfg.LLM.Routing.Fallback
	}
	top := cfg.Enrichment.TopStories
	if top <= 0 {
		top = 7
	}
	return &DigestAgent{
		provider:   provider,
		model:      model,
		topStories: top,
		logger:     log.New(log.Writer(), "[DIGEST] ", log.LstdFlags),
	}
}

type digestResponse struct {
	DigestText string `json:"digest_text"`
	TopStories []struct {
		ArticleID    int64  `json:"article_id"`
		Headline     string `json:"headline"`
		WhyItMatters string `json:"why_it_matters"`
	} `json:"top_stories"`
}

// RankCandidates orders enrichments for digest selection: importance
// descending, follow-up-worthy first on ties, then earliest analyzed_at,
// then ascending article ID as the final stable tiebreak.
func RankCandidates(enrichments []Enrichment) []Enrichment {
	ranked := make([]Enrichment, len(enrichments))
	copy(ranked, enrichments)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		if a.FollowUp != b.FollowUp {
			return a.FollowUp
		}
		if !a.AnalyzedAt.Equal(b.AnalyzedAt) {
			return a.AnalyzedAt.Before(b.AnalyzedAt)
		}
		return a.ArticleID < b.ArticleID
	})
	return ranked
}

// Synthesize builds the digest for date from the day's succeeded
// enrichments. An empty input yields a placeholder digest without any
// completion call. The candidate set is closed before the call: the model
// may only echo candidate article IDs, and a response referencing any
// other ID is a schema violation. One retry with a stricter reformulation
// is attempted before surfacing a hard failure; the digest returned with
// a non-nil error still carries the cost incurred so far.
func (d *DigestAgent) Synthesize(ctx context.Context, date time.Time, enrichments []Enrichment) (Digest, error) {
	digest := Digest{Date: TruncateToDay(date), ArticleCount: len(enrichments)}

	if len(enrichments) == 0 {
		digest.Text = fmt.Sprintf("No enriched articles were available for %s.", digest.Date.Format("2006-01-02"))
		digest.GeneratedAt = time.Now().UTC()
		return digest, nil
	}

	candidates := RankCandidates(enrichments)
	if len(candidates) > d.topStories {
		candidates = candidates[:d.topStories]
	}
	allowed := make(map[int64]struct{}, len(candidates))
	for _, c := range candidates {
		allowed[c.ArticleID] = struct{}{}
	}

	dateStr := digest.Date.Format("2006-01-02")
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		system, user := buildDigestPrompt(dateStr, candidates, attempt > 0)
		comp, err := d.provider.Complete(ctx, llm.CompletionRequest{
			System: system,
			User:   user,
			Model:  d.model,
		})
		if err != nil {
			return digest, err
		}
		digest.ModelUsed = comp.Model
		digest.CostUSD += comp.CostUSD
		digest.InputTokens += comp.InputTokens
		digest.OutputTokens += comp.OutputTokens

		parsed, err := d.validate(comp.Text, allowed)
		if err != nil {
			lastErr = err
			d.logger.Printf("digest for %s rejected (attempt %d): %v", dateStr, attempt+1, err)
			continue
		}

		digest.Text = parsed.DigestText
		for i, s := range parsed.TopStories {
			digest.TopStories = append(digest.TopStories, TopStory{
				ArticleID:    s.ArticleID,
				Rank:         i + 1,
				Headline:     s.Headline,
				WhyItMatters: s.WhyItMatters,
			})
		}
		digest.GeneratedAt = time.Now().UTC()
		return digest, nil
	}
	return digest, lastErr
}

func (d *DigestAgent) validate(raw string, allowed map[int64]struct{}) (digestResponse, error) {
	var parsed digestResponse
	if err := llm.DecodeJSON(raw, &parsed); err != nil {
		return parsed, err
	}
	if parsed.DigestText == "" {
		return parsed, &llm.SchemaViolationError{Reason: "missing digest_text", Raw: raw}
	}
	if len(parsed.TopStories) == 0 {
		return parsed, &llm.SchemaViolationError{Reason: "missing top_stories", Raw: raw}
	}
	seen := make(map[int64]struct{}, len(parsed.TopStories))
	for _, s := range parsed.TopStories {
		if _, ok := allowed[s.ArticleID]; !ok {
			return parsed, &llm.SchemaViolationError{
				Reason: fmt.Sprintf("top_stories references article %d outside the candidate set", s.ArticleID),
				Raw:    raw,
			}
		}
		if _, dup := seen[s.ArticleID]; dup {
			return parsed, &llm.SchemaViolationError{
				Reason: fmt.Sprintf("top_stories references article %d twice", s.ArticleID),
				Raw:    raw,
			}
		}
		seen[s.ArticleID] = struct{}{}
	}
	return parsed, nil
}
