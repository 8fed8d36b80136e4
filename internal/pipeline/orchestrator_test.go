package pipeline

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/patrickhamzaokello/TND-NEWs/config"
	"github.com/patrickhamzaokello/TND-NEWs/internal/enrich"
	"github.com/patrickhamzaokello/TND-NEWs/internal/llm"
	"github.com/patrickhamzaokello/TND-NEWs/internal/store"
)

// fakeStore is an in-memory StoreAPI. All mutators take the lock because
// the orchestrator calls them from parallel workers.
type fakeStore struct {
	mu sync.Mutex

	enrichable []enrich.Article
	listErr    error
	retryable  []enrich.Article
	succeeded  []enrich.Enrichment
	claimDeny  map[int64]bool
	digestDate time.Time
	reviveTTL  time.Duration
	revived    int64

	claims     []int64
	saved      []enrich.Enrichment
	savedMents [][]enrich.EntityMention
	failed     []enrich.Enrichment
	digests    []enrich.Digest
	runs       map[string]enrich.Run
	costCalls  int
	totalCost  float64
	totalIn    int64
	totalOut   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{claimDeny: map[int64]bool{}, runs: map[string]enrich.Run{}}
}

func (f *fakeStore) ListEnrichable(ctx context.Context, limit int) ([]enrich.Article, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if limit < len(f.enrichable) {
		return f.enrichable[:limit], nil
	}
	return f.enrichable, nil
}

func (f *fakeStore) ListRetryable(ctx context.Context, limit, ceiling int) ([]enrich.Article, error) {
	return f.retryable, nil
}

func (f *fakeStore) CountRetryExhausted(ctx context.Context, ceiling int) (int, error) {
	return 0, nil
}

func (f *fakeStore) ReviveStalePending(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviveTTL = olderThan
	return f.revived, nil
}

func (f *fakeStore) ClaimArticle(ctx context.Context, articleID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimDeny[articleID] {
		return false, nil
	}
	f.claims = append(f.claims, articleID)
	return true, nil
}

func (f *fakeStore) SaveEnrichmentResult(ctx context.Context, e enrich.Enrichment, mentions []enrich.EntityMention) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, e)
	f.savedMents = append(f.savedMents, mentions)
	return nil
}

func (f *fakeStore) MarkEnrichmentFailed(ctx context.Context, e enrich.Enrichment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, e)
	return nil
}

func (f *fakeStore) ListSucceededByDate(ctx context.Context, date time.Time) ([]enrich.Enrichment, error) {
	f.mu.Lock()
	f.digestDate = date
	f.mu.Unlock()
	return f.succeeded, nil
}

func (f *fakeStore) UpsertDigest(ctx context.Context, d enrich.Digest, topStories []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digests = append(f.digests, d)
	return nil
}

func (f *fakeStore) CreateRun(ctx context.Context, mode enrich.RunMode) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "run-" + string(mode)
	f.runs[id] = enrich.Run{ID: id, Mode: mode, Status: enrich.RunRunning}
	return id, nil
}

func (f *fakeStore) AddRunCost(ctx context.Context, runID string, costUSD float64, in, out int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.costCalls++
	f.totalCost += costUSD
	f.totalIn += in
	f.totalOut += out
	return nil
}

func (f *fakeStore) FinishRun(ctx context.Context, run enrich.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	return nil
}

func (f *fakeStore) Stats(ctx context.Context, since time.Time) (store.PipelineStats, error) {
	return store.PipelineStats{}, nil
}

// routingProvider answers based on the article title embedded in the user
// prompt, so parallel workers get deterministic responses.
type routingProvider struct {
	mu        sync.Mutex
	byTitle   map[string]llm.Completion
	errByT    map[string]error
	fallback  llm.Completion
	callCount int
}

func (p *routingProvider) Complete(ctx context.Context, req llm.CompletionRequest) (llm.Completion, error) {
	p.mu.Lock()
	p.callCount++
	p.mu.Unlock()
	for title, err := range p.errByT {
		if strings.Contains(req.User, title) {
			return llm.Completion{}, err
		}
	}
	for title, comp := range p.byTitle {
		if strings.Contains(req.User, title) {
			return comp, nil
		}
	}
	return p.fallback, nil
}

func (p *routingProvider) CalculateCost(in, out int64, model string) float64 { return 0 }

func (p *routingProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCount
}

func pipelineConfig() *config.Config {
	return &config.Config{
		LLM: config.LLMConfig{
			Provider: config.LLMProvider{Models: config.DefaultModels()},
			Routing:  config.LLMRoutingConfig{Analysis: "gpt-4o-mini", Digest: "gpt-4o", Fallback: "gpt-4o-mini"},
		},
		Enrichment: config.EnrichmentConfig{
			BatchSize:       50,
			Concurrency:     3,
			RetryCeiling:    5,
			BackoffBase:     time.Millisecond,
			BackoffCap:      5 * time.Millisecond,
			MaxContentWords: 450,
			TopStories:      7,
			PendingTTL:      time.Hour,
		},
	}
}

const goodAnalysis = `{
  "summary": "Something happened.",
  "themes": ["politics"],
  "entities": {"people": ["A Person"], "organizations": [], "places": ["Kampala"]},
  "importance_score": 6,
  "follow_up_worthy": false
}`

func TestRunNormalMixedOutcomes(t *testing.T) {
	st := newFakeStore()
	st.enrichable = []enrich.Article{
		{ID: 1, Title: "alpha story", Content: "text"},
		{ID: 2, Title: "beta story", Content: "text"},
		{ID: 3, Title: "gamma story", Content: "text"},
	}
	provider := &routingProvider{
		byTitle: map[string]llm.Completion{
			"alpha story": {Text: goodAnalysis, Model: "gpt-4o-mini", CostUSD: 0.001, InputTokens: 100, OutputTokens: 10},
			"beta story":  {Text: goodAnalysis, Model: "gpt-4o-mini", CostUSD: 0.002, InputTokens: 200, OutputTokens: 20},
			"gamma story": {Text: "sorry, I cannot do JSON today", Model: "gpt-4o-mini", CostUSD: 0.003, InputTokens: 300, OutputTokens: 30},
		},
	}
	orch := NewOrchestrator(pipelineConfig(), st, provider, nil)

	run, err := orch.RunNormal(context.Background(), 0)
	if err != nil {
		t.Fatalf("RunNormal: %v", err)
	}
	if run.Status != enrich.RunCompletedWithErrors {
		t.Fatalf("status: %s", run.Status)
	}
	if run.ArticlesFound != 3 || run.ArticlesProcessed != 2 || run.ArticlesFailed != 1 {
		t.Fatalf("counters: %+v", run)
	}
	if len(st.saved) != 2 || len(st.failed) != 1 {
		t.Fatalf("persistence: saved=%d failed=%d", len(st.saved), len(st.failed))
	}
	if st.failed[0].ArticleID != 3 {
		t.Fatalf("wrong article failed: %+v", st.failed[0])
	}
	if st.failed[0].ErrorMessage == "" {
		t.Fatal("failed enrichment must carry the error message")
	}
	// Every call is booked against the run, including the schema violation.
	if st.costCalls != 3 {
		t.Fatalf("expected 3 cost bookings, got %d", st.costCalls)
	}
	if math.Abs(st.totalCost-0.006) > 1e-9 || st.totalIn != 600 || st.totalOut != 60 {
		t.Fatalf("cost totals: %v %d %d", st.totalCost, st.totalIn, st.totalOut)
	}
	// The returned run reports the same totals the store accumulated.
	if math.Abs(run.EstimatedCostUSD-0.006) > 1e-9 || run.InputTokens != 600 {
		t.Fatalf("run totals: %+v", run)
	}
	final := st.runs[run.ID]
	if final.Status != enrich.RunCompletedWithErrors {
		t.Fatalf("persisted run status: %s", final.Status)
	}
}

func TestRunNormalSelectionFailureMarksRunFailed(t *testing.T) {
	st := newFakeStore()
	st.listErr = errors.New("connection refused")
	orch := NewOrchestrator(pipelineConfig(), st, &routingProvider{}, nil)

	run, err := orch.RunNormal(context.Background(), 0)
	if err == nil {
		t.Fatal("expected error")
	}
	if run.Status != enrich.RunFailed {
		t.Fatalf("run status: %s", run.Status)
	}
	if st.runs[run.ID].ErrorMessage == "" {
		t.Fatal("selection failure must be recorded on the run")
	}
}

func TestRunNormalSavesMentions(t *testing.T) {
	st := newFakeStore()
	st.enrichable = []enrich.Article{{ID: 1, Title: "alpha", Content: "text"}}
	provider := &routingProvider{fallback: llm.Completion{Text: goodAnalysis, Model: "gpt-4o-mini"}}
	orch := NewOrchestrator(pipelineConfig(), st, provider, nil)

	if _, err := orch.RunNormal(context.Background(), 0); err != nil {
		t.Fatalf("RunNormal: %v", err)
	}
	if len(st.savedMents) != 1 {
		t.Fatalf("mentions not saved")
	}
	// A Person + Kampala from goodAnalysis.
	if got := len(st.savedMents[0]); got != 2 {
		t.Fatalf("expected 2 mentions, got %d: %+v", got, st.savedMents[0])
	}
}

func TestRunNormalSkipsUnclaimable(t *testing.T) {
	st := newFakeStore()
	st.enrichable = []enrich.Article{
		{ID: 1, Title: "alpha", Content: "text"},
		{ID: 2, Title: "beta", Content: "text"},
	}
	st.claimDeny[2] = true
	provider := &routingProvider{fallback: llm.Completion{Text: goodAnalysis, Model: "gpt-4o-mini"}}
	orch := NewOrchestrator(pipelineConfig(), st, provider, nil)

	run, err := orch.RunNormal(context.Background(), 0)
	if err != nil {
		t.Fatalf("RunNormal: %v", err)
	}
	if run.Status != enrich.RunCompleted {
		t.Fatalf("a skip is not an error: %s", run.Status)
	}
	if run.ArticlesProcessed != 1 || run.ArticlesSkipped != 1 {
		t.Fatalf("counters: %+v", run)
	}
	if provider.calls() != 1 {
		t.Fatalf("unclaimed article must not reach the model, got %d calls", provider.calls())
	}
}

func TestDryRunTouchesNothing(t *testing.T) {
	st := newFakeStore()
	for i := int64(1); i <= 10; i++ {
		st.enrichable = append(st.enrichable, enrich.Article{ID: i, Title: "t", Content: "c"})
	}
	provider := &routingProvider{}
	orch := NewOrchestrator(pipelineConfig(), st, provider, nil)

	run, articles, err := orch.DryRun(context.Background(), 0)
	if err != nil {
		t.Fatalf("DryRun: %v", err)
	}
	if len(articles) != 10 || run.ArticlesFound != 10 {
		t.Fatalf("candidates: %d / %d", len(articles), run.ArticlesFound)
	}
	if run.Status != enrich.RunCompleted || run.Mode != enrich.ModeDryRun {
		t.Fatalf("run: %+v", run)
	}
	if len(st.claims) != 0 || len(st.saved) != 0 || provider.calls() != 0 || st.costCalls != 0 {
		t.Fatal("dry run must not claim, enrich, call the model, or book cost")
	}
}

func TestRunDigestUpserts(t *testing.T) {
	st := newFakeStore()
	st.succeeded = []enrich.Enrichment{
		{ArticleID: 1, Title: "one", Summary: "s", Importance: 8, Status: enrich.StatusSucceeded},
		{ArticleID: 2, Title: "two", Summary: "s", Importance: 4, Status: enrich.StatusSucceeded},
	}
	provider := &routingProvider{fallback: llm.Completion{
		Text:  `{"digest_text": "Brief.", "top_stories": [{"article_id": 1, "headline": "h", "why_it_matters": "w"}]}`,
		Model: "gpt-4o", CostUSD: 0.02, InputTokens: 1500, OutputTokens: 400,
	}}
	orch := NewOrchestrator(pipelineConfig(), st, provider, nil)

	date := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	run, err := orch.RunDigest(context.Background(), date)
	if err != nil {
		t.Fatalf("RunDigest: %v", err)
	}
	if run.Status != enrich.RunCompleted || run.ArticlesFound != 2 {
		t.Fatalf("run: %+v", run)
	}
	if len(st.digests) != 1 {
		t.Fatal("digest not upserted")
	}
	if st.digests[0].ArticleCount != 2 || len(st.digests[0].TopStories) != 1 {
		t.Fatalf("digest: %+v", st.digests[0])
	}
	if st.totalCost != 0.02 || st.totalIn != 1500 {
		t.Fatalf("digest cost not booked: %v %d", st.totalCost, st.totalIn)
	}
}

func TestRunDigestDefaultDateIsCalendarYesterday(t *testing.T) {
	st := newFakeStore()
	provider := &routingProvider{}
	orch := NewOrchestrator(pipelineConfig(), st, provider, nil)

	// Zero date means yesterday, truncated to midnight so the selection
	// window covers the calendar day rather than a sliding 24 hours.
	if _, err := orch.RunDigest(context.Background(), time.Time{}); err != nil {
		t.Fatalf("RunDigest: %v", err)
	}
	want := enrich.TruncateToDay(time.Now().AddDate(0, 0, -1))
	if !st.digestDate.Equal(want) {
		t.Fatalf("selection date = %v, want %v", st.digestDate, want)
	}
	if h, m, s := st.digestDate.Clock(); h != 0 || m != 0 || s != 0 {
		t.Fatalf("selection date carries time of day: %v", st.digestDate)
	}
	if len(st.digests) != 1 || !st.digests[0].Date.Equal(want) {
		t.Fatalf("digest keyed to %v, want %v", st.digests[0].Date, want)
	}
}

func TestRunDigestTruncatesExplicitDate(t *testing.T) {
	st := newFakeStore()
	provider := &routingProvider{}
	orch := NewOrchestrator(pipelineConfig(), st, provider, nil)

	noon := time.Date(2026, 3, 5, 12, 30, 0, 0, time.UTC)
	if _, err := orch.RunDigest(context.Background(), noon); err != nil {
		t.Fatalf("RunDigest: %v", err)
	}
	want := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	if !st.digestDate.Equal(want) {
		t.Fatalf("selection date = %v, want %v", st.digestDate, want)
	}
}

func TestRunDigestEmptyDayWritesPlaceholder(t *testing.T) {
	st := newFakeStore()
	provider := &routingProvider{}
	orch := NewOrchestrator(pipelineConfig(), st, provider, nil)

	run, err := orch.RunDigest(context.Background(), time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("RunDigest: %v", err)
	}
	if provider.calls() != 0 || st.costCalls != 0 {
		t.Fatal("empty day must be free")
	}
	if len(st.digests) != 1 || st.digests[0].ArticleCount != 0 {
		t.Fatalf("placeholder digest: %+v", st.digests)
	}
	if run.Status != enrich.RunCompleted {
		t.Fatalf("run status: %s", run.Status)
	}
}

func TestRunDigestFailureMarksRunFailed(t *testing.T) {
	st := newFakeStore()
	st.succeeded = []enrich.Enrichment{{ArticleID: 1, Title: "one", Importance: 5, Status: enrich.StatusSucceeded}}
	// Both attempts come back malformed.
	provider := &routingProvider{fallback: llm.Completion{Text: "no json here", CostUSD: 0.001, InputTokens: 10, OutputTokens: 5}}
	orch := NewOrchestrator(pipelineConfig(), st, provider, nil)

	run, err := orch.RunDigest(context.Background(), time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC))
	if err == nil {
		t.Fatal("expected error")
	}
	if run.Status != enrich.RunFailed {
		t.Fatalf("run status: %s", run.Status)
	}
	if len(st.digests) != 0 {
		t.Fatal("failed synthesis must not write a digest")
	}
	// Two attempts' worth of spend still lands on the run.
	if st.totalCost != 0.002 {
		t.Fatalf("failed digest cost: %v", st.totalCost)
	}
	if st.runs[run.ID].ErrorMessage == "" {
		t.Fatal("failed run must record the error")
	}
}

func TestRunRetryUsesRetryableSet(t *testing.T) {
	st := newFakeStore()
	st.enrichable = []enrich.Article{{ID: 99, Title: "should not appear", Content: "c"}}
	st.retryable = []enrich.Article{{ID: 5, Title: "alpha", Content: "c"}}
	provider := &routingProvider{fallback: llm.Completion{Text: goodAnalysis, Model: "gpt-4o-mini"}}
	orch := NewOrchestrator(pipelineConfig(), st, provider, nil)

	run, err := orch.RunRetry(context.Background(), 0)
	if err != nil {
		t.Fatalf("RunRetry: %v", err)
	}
	if run.Mode != enrich.ModeRetry || run.ArticlesFound != 1 || run.ArticlesProcessed != 1 {
		t.Fatalf("run: %+v", run)
	}
	if len(st.claims) != 1 || st.claims[0] != 5 {
		t.Fatalf("claims: %v", st.claims)
	}
}

func TestRunNormalSweepsStalePending(t *testing.T) {
	st := newFakeStore()
	st.revived = 2
	provider := &routingProvider{fallback: llm.Completion{Text: goodAnalysis, Model: "gpt-4o-mini"}}
	orch := NewOrchestrator(pipelineConfig(), st, provider, nil)

	if _, err := orch.RunNormal(context.Background(), 0); err != nil {
		t.Fatalf("RunNormal: %v", err)
	}
	if st.reviveTTL != time.Hour {
		t.Fatalf("stale sweep TTL = %v, want %v", st.reviveTTL, time.Hour)
	}
}
