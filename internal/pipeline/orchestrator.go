package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/patrickhamzaokello/TND-NEWs/config"
	"github.com/patrickhamzaokello/TND-NEWs/internal/enrich"
	"github.com/patrickhamzaokello/TND-NEWs/internal/llm"
	"github.com/patrickhamzaokello/TND-NEWs/internal/store"
	"github.com/patrickhamzaokello/TND-NEWs/internal/telemetry"
)

// StoreAPI is the persistence surface the orchestrator needs. *store.Store
// satisfies it; tests substitute an in-memory fake.
type StoreAPI interface {
	ListEnrichable(ctx context.Context, limit int) ([]enrich.Article, error)
	ListRetryable(ctx context.Context, limit, ceiling int) ([]enrich.Article, error)
	CountRetryExhausted(ctx context.Context, ceiling int) (int, error)
	ReviveStalePending(ctx context.Context, olderThan time.Duration) (int64, error)
	ClaimArticle(ctx context.Context, articleID int64) (bool, error)
	SaveEnrichmentResult(ctx context.Context, e enrich.Enrichment, mentions []enrich.EntityMention) error
	MarkEnrichmentFailed(ctx context.Context, e enrich.Enrichment) error
	ListSucceededByDate(ctx context.Context, date time.Time) ([]enrich.Enrichment, error)
	UpsertDigest(ctx context.Context, d enrich.Digest, topStories []byte) error
	CreateRun(ctx context.Context, mode enrich.RunMode) (string, error)
	AddRunCost(ctx context.Context, runID string, costUSD float64, inputTokens, outputTokens int64) error
	FinishRun(ctx context.Context, run enrich.Run) error
	Stats(ctx context.Context, since time.Time) (store.PipelineStats, error)
}

// Orchestrator drives enrichment and digest runs: it selects work, fans it
// out to a bounded worker pool, and records the outcome as an audit run.
type Orchestrator struct {
	cfg       *config.Config
	store     StoreAPI
	analysis  *enrich.AnalysisAgent
	digest    *enrich.DigestAgent
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func NewOrchestrator(cfg *config.Config, st StoreAPI, provider llm.Provider, tel *telemetry.Telemetry) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		analysis:  enrich.NewAnalysisAgent(cfg, provider),
		digest:    enrich.NewDigestAgent(cfg, provider),
		telemetry: tel,
		logger:    log.New(log.Writer(), "[Pipeline] ", log.LstdFlags),
	}
}

// RunNormal enriches up to batchSize unenriched articles. batchSize <= 0
// falls back to the configured default.
func (o *Orchestrator) RunNormal(ctx context.Context, batchSize int) (enrich.Run, error) {
	if batchSize <= 0 {
		batchSize = o.cfg.Enrichment.BatchSize
	}
	return o.runBatch(ctx, enrich.ModeNormal, func(ctx context.Context) ([]enrich.Article, error) {
		return o.store.ListEnrichable(ctx, batchSize)
	})
}

// RunRetry re-attempts failed enrichments that have not exhausted the retry
// ceiling. Each attempt reuses the existing enrichment row.
func (o *Orchestrator) RunRetry(ctx context.Context, batchSize int) (enrich.Run, error) {
	if batchSize <= 0 {
		batchSize = o.cfg.Enrichment.BatchSize
	}
	ceiling := o.cfg.Enrichment.RetryCeiling
	if exhausted, err := o.store.CountRetryExhausted(ctx, ceiling); err == nil && exhausted > 0 {
		o.logger.Printf("%d failed enrichments have exhausted the retry ceiling (%d)", exhausted, ceiling)
	}
	return o.runBatch(ctx, enrich.ModeRetry, func(ctx context.Context) ([]enrich.Article, error) {
		return o.store.ListRetryable(ctx, batchSize, ceiling)
	})
}

// DryRun reports what a normal run would process without touching any
// enrichment record and without calling the completion service. The audit
// run is still recorded, at zero cost.
func (o *Orchestrator) DryRun(ctx context.Context, batchSize int) (enrich.Run, []enrich.Article, error) {
	if batchSize <= 0 {
		batchSize = o.cfg.Enrichment.BatchSize
	}
	started := time.Now()
	run := enrich.Run{Mode: enrich.ModeDryRun, StartedAt: started}
	id, err := o.store.CreateRun(ctx, enrich.ModeDryRun)
	if err != nil {
		return enrich.Run{}, nil, fmt.Errorf("create run: %w", err)
	}
	run.ID = id

	articles, err := o.store.ListEnrichable(ctx, batchSize)
	if err != nil {
		run, err = o.failRun(ctx, run, fmt.Errorf("list enrichable: %w", err))
		return run, nil, err
	}
	run.ArticlesFound = len(articles)
	run.Status = enrich.RunCompleted
	if err := o.store.FinishRun(ctx, run); err != nil {
		return enrich.Run{}, nil, fmt.Errorf("finish run: %w", err)
	}
	o.logger.Printf("dry run %s: %d articles would be enriched", run.ID, len(articles))
	return run, articles, nil
}

// RunDigest synthesizes the daily digest for the given date. A zero date
// means yesterday (the usual scheduled case).
func (o *Orchestrator) RunDigest(ctx context.Context, date time.Time) (enrich.Run, error) {
	if date.IsZero() {
		date = time.Now().AddDate(0, 0, -1)
	}
	// The selection window and the digest row key must agree on the
	// calendar day, whatever time-of-day the caller handed in.
	date = enrich.TruncateToDay(date)
	started := time.Now()

	run := enrich.Run{Mode: enrich.ModeDigest, StartedAt: started}
	id, err := o.store.CreateRun(ctx, enrich.ModeDigest)
	if err != nil {
		return enrich.Run{}, fmt.Errorf("create run: %w", err)
	}
	run.ID = id

	candidates, err := o.store.ListSucceededByDate(ctx, date)
	if err != nil {
		return o.failRun(ctx, run, fmt.Errorf("list candidates: %w", err))
	}
	run.ArticlesFound = len(candidates)

	digest, err := o.digest.Synthesize(ctx, date, candidates)
	if digest.InputTokens > 0 || digest.OutputTokens > 0 || digest.CostUSD > 0 {
		// Book usage even when synthesis ultimately failed: the calls
		// were made and the money was spent.
		if costErr := o.store.AddRunCost(ctx, run.ID, digest.CostUSD, digest.InputTokens, digest.OutputTokens); costErr != nil {
			o.logger.Printf("run %s: recording digest cost: %v", run.ID, costErr)
		}
		o.recordCall(digest.ModelUsed, err, digest.CostUSD, digest.InputTokens, digest.OutputTokens)
		run.EstimatedCostUSD = digest.CostUSD
		run.InputTokens = digest.InputTokens
		run.OutputTokens = digest.OutputTokens
	}
	if err != nil {
		return o.failRun(ctx, run, fmt.Errorf("synthesize digest: %w", err))
	}

	topStories, err := json.Marshal(digest.TopStories)
	if err != nil {
		return o.failRun(ctx, run, fmt.Errorf("encode top stories: %w", err))
	}
	if err := o.store.UpsertDigest(ctx, digest, topStories); err != nil {
		return o.failRun(ctx, run, fmt.Errorf("save digest: %w", err))
	}

	run.Status = enrich.RunCompleted
	run.ArticlesProcessed = digest.ArticleCount
	if err := o.store.FinishRun(ctx, run); err != nil {
		return run, fmt.Errorf("finish run: %w", err)
	}
	o.observeRun(enrich.ModeDigest, started)
	o.logger.Printf("digest run %s for %s: %d candidates, %d top stories, $%.4f",
		run.ID, date.Format("2006-01-02"), len(candidates), len(digest.TopStories), digest.CostUSD)
	return run, nil
}

// Stats reports pipeline aggregates since the given time.
func (o *Orchestrator) Stats(ctx context.Context, since time.Time) (store.PipelineStats, error) {
	return o.store.Stats(ctx, since)
}

// CostSnapshot exposes the in-process cost tracker.
func (o *Orchestrator) CostSnapshot() telemetry.CostSnapshot {
	return o.telemetry.Snapshot()
}

// runBatch drives one enrichment run. Selection happens after the run
// record exists so a selection failure is auditable as a failed run.
func (o *Orchestrator) runBatch(ctx context.Context, mode enrich.RunMode, selectArticles func(context.Context) ([]enrich.Article, error)) (enrich.Run, error) {
	started := time.Now()
	run := enrich.Run{Mode: mode, StartedAt: started}

	// Rows left pending by a crashed run become failed again so the retry
	// path can reach them. The sweep is best effort.
	if revived, err := o.store.ReviveStalePending(ctx, o.cfg.Enrichment.PendingTTL); err != nil {
		o.logger.Printf("reviving stale pending enrichments: %v", err)
	} else if revived > 0 {
		o.logger.Printf("revived %d stale pending enrichments", revived)
	}

	id, err := o.store.CreateRun(ctx, mode)
	if err != nil {
		return enrich.Run{}, fmt.Errorf("create run: %w", err)
	}
	run.ID = id

	articles, err := selectArticles(ctx)
	if err != nil {
		return o.failRun(ctx, run, fmt.Errorf("select articles: %w", err))
	}
	run.ArticlesFound = len(articles)

	if len(articles) == 0 {
		run.Status = enrich.RunCompleted
		if err := o.store.FinishRun(ctx, run); err != nil {
			return run, fmt.Errorf("finish run: %w", err)
		}
		o.logger.Printf("%s run %s: nothing to do", mode, run.ID)
		return run, nil
	}

	concurrency := o.cfg.Enrichment.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	semaphore := make(chan struct{}, concurrency)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		processed int
		failed    int
		skipped   int
		costUSD   float64
		inTokens  int64
		outTokens int64
	)
	for _, article := range articles {
		if ctx.Err() != nil {
			// Articles never dispatched stay unclaimed; they are
			// picked up by the next run.
			break
		}
		wg.Add(1)
		semaphore <- struct{}{}
		go func(a enrich.Article) {
			defer wg.Done()
			defer func() { <-semaphore }()
			res := o.processArticle(ctx, run.ID, a)
			mu.Lock()
			switch res.outcome {
			case outcomeProcessed:
				processed++
			case outcomeFailed:
				failed++
			case outcomeSkipped:
				skipped++
			}
			costUSD += res.costUSD
			inTokens += res.inputTokens
			outTokens += res.outputTokens
			mu.Unlock()
		}(article)
	}
	wg.Wait()

	run.ArticlesProcessed = processed
	run.ArticlesFailed = failed
	run.ArticlesSkipped = skipped
	run.EstimatedCostUSD = costUSD
	run.InputTokens = inTokens
	run.OutputTokens = outTokens
	switch {
	case ctx.Err() != nil:
		run.Status = enrich.RunFailed
		run.ErrorMessage = ctx.Err().Error()
	case failed > 0:
		run.Status = enrich.RunCompletedWithErrors
	default:
		run.Status = enrich.RunCompleted
	}
	if err := o.store.FinishRun(ctx, run); err != nil {
		return run, fmt.Errorf("finish run: %w", err)
	}
	o.observeRun(mode, started)
	o.logger.Printf("%s run %s: found=%d processed=%d failed=%d skipped=%d cost=$%.4f",
		mode, run.ID, run.ArticlesFound, processed, failed, skipped, costUSD)
	return run, nil
}

type articleOutcome int

const (
	outcomeProcessed articleOutcome = iota
	outcomeFailed
	outcomeSkipped
)

type articleResult struct {
	outcome      articleOutcome
	costUSD      float64
	inputTokens  int64
	outputTokens int64
}

// processArticle is the per-article error boundary: nothing it hits may
// take down the batch, and a claimed article is never left pending.
func (o *Orchestrator) processArticle(ctx context.Context, runID string, article enrich.Article) articleResult {
	claimed, err := o.store.ClaimArticle(ctx, article.ID)
	if err != nil {
		o.logger.Printf("article %d: claim: %v", article.ID, err)
		o.recordArticle("failed")
		return articleResult{outcome: outcomeFailed}
	}
	if !claimed {
		// Another worker or a previous run holds this article.
		o.recordArticle("skipped")
		return articleResult{outcome: outcomeSkipped}
	}

	result, procErr := o.analysis.Process(ctx, article)
	res := articleResult{
		costUSD:      result.CostUSD,
		inputTokens:  result.InputTokens,
		outputTokens: result.OutputTokens,
	}

	// Cost is booked against the run as each call lands, success or not.
	if result.InputTokens > 0 || result.OutputTokens > 0 || result.CostUSD > 0 {
		if costErr := o.store.AddRunCost(ctx, runID, result.CostUSD, result.InputTokens, result.OutputTokens); costErr != nil {
			o.logger.Printf("run %s: recording cost for article %d: %v", runID, article.ID, costErr)
		}
		o.recordCall(result.ModelUsed, procErr, result.CostUSD, result.InputTokens, result.OutputTokens)
	}

	if procErr != nil {
		result.ArticleID = article.ID
		result.Status = enrich.StatusFailed
		result.ErrorMessage = procErr.Error()
		if err := o.store.MarkEnrichmentFailed(ctx, result); err != nil {
			o.logger.Printf("article %d: marking failed: %v", article.ID, err)
		}
		o.logger.Printf("article %d: %v", article.ID, procErr)
		o.recordArticle("failed")
		res.outcome = outcomeFailed
		return res
	}

	mentions := enrich.ExtractMentions(result, article.ReferenceDate(time.Now()))
	if err := o.store.SaveEnrichmentResult(ctx, result, mentions); err != nil {
		result.Status = enrich.StatusFailed
		result.ErrorMessage = err.Error()
		if markErr := o.store.MarkEnrichmentFailed(ctx, result); markErr != nil {
			o.logger.Printf("article %d: marking failed: %v", article.ID, markErr)
		}
		o.logger.Printf("article %d: save: %v", article.ID, err)
		o.recordArticle("failed")
		res.outcome = outcomeFailed
		return res
	}
	o.recordArticle("succeeded")
	res.outcome = outcomeProcessed
	return res
}

func (o *Orchestrator) failRun(ctx context.Context, run enrich.Run, cause error) (enrich.Run, error) {
	run.Status = enrich.RunFailed
	run.ErrorMessage = cause.Error()
	if err := o.store.FinishRun(ctx, run); err != nil {
		o.logger.Printf("run %s: finishing failed run: %v", run.ID, err)
	}
	return run, cause
}

func (o *Orchestrator) recordCall(model string, err error, cost float64, in, out int64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.telemetry.RecordCall(model, outcome, cost, in, out)
}

func (o *Orchestrator) recordArticle(outcome string) {
	o.telemetry.RecordArticle(outcome)
}

func (o *Orchestrator) observeRun(mode enrich.RunMode, started time.Time) {
	o.telemetry.ObserveRunDuration(string(mode), time.Since(started).Seconds())
}
