package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/patrickhamzaokello/TND-NEWs/internal/enrich"
)

// Store wraps the Postgres persistence layer for the enrichment pipeline.
type Store struct {
	DB *sql.DB
}

// NewWithDSN constructs the Store using an explicit Postgres DSN. Callers
// build the DSN from the loaded config.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// IsConflict reports whether err is a Postgres uniqueness violation.
// Conflicts mean "already processed" to the pipeline, not failure.
func IsConflict(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ListEnrichable returns articles with full content whose enrichment is
// absent or not yet succeeded, oldest first so a backlog cannot be
// starved by new arrivals.
func (s *Store) ListEnrichable(ctx context.Context, limit int) ([]enrich.Article, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT a.id, a.title, a.content, a.has_full_content, a.published_at, a.scraped_at
FROM articles a
LEFT JOIN article_enrichments e ON e.article_id = a.id
WHERE a.has_full_content = TRUE
  AND (e.article_id IS NULL OR e.status NOT IN ('succeeded', 'pending'))
ORDER BY a.scraped_at ASC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArticles(rows)
}

// ListRetryable returns articles whose enrichment previously failed and
// whose retry count is still below the ceiling, oldest first.
func (s *Store) ListRetryable(ctx context.Context, limit, ceiling int) ([]enrich.Article, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT a.id, a.title, a.content, a.has_full_content, a.published_at, a.scraped_at
FROM articles a
JOIN article_enrichments e ON e.article_id = a.id
WHERE e.status = 'failed' AND e.retry_count < $2
ORDER BY a.scraped_at ASC
LIMIT $1
`, limit, ceiling)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArticles(rows)
}

// CountRetryExhausted counts articles permanently failed at the ceiling,
// reported by retry runs as skipped.
func (s *Store) CountRetryExhausted(ctx context.Context, ceiling int) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM article_enrichments WHERE status = 'failed' AND retry_count >= $1
`, ceiling).Scan(&n)
	return n, err
}

func scanArticles(rows *sql.Rows) ([]enrich.Article, error) {
	var out []enrich.Article
	for rows.Next() {
		var a enrich.Article
		var published sql.NullTime
		if err := rows.Scan(&a.ID, &a.Title, &a.Content, &a.HasFullContent, &published, &a.ScrapedAt); err != nil {
			return nil, err
		}
		if published.Valid {
			t := published.Time
			a.PublishedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ClaimArticle inserts (or revives) the pending enrichment row for an
// article. It returns false when another run already holds the article or
// its enrichment has succeeded, giving the single-writer-per-article
// guarantee via the uniqueness constraint rather than advisory locks.
func (s *Store) ClaimArticle(ctx context.Context, articleID int64) (bool, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO article_enrichments (article_id, status)
VALUES ($1, 'pending')
ON CONFLICT (article_id) DO UPDATE SET status = 'pending', updated_at = NOW()
WHERE article_enrichments.status = 'failed'
RETURNING article_id
`, articleID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		if IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SaveEnrichmentResult persists a succeeded enrichment and its entity
// mentions in one transaction: both commit or neither does.
func (s *Store) SaveEnrichmentResult(ctx context.Context, e enrich.Enrichment, mentions []enrich.EntityMention) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
UPDATE article_enrichments SET
  status           = 'succeeded',
  summary          = $2,
  themes           = $3,
  entities_people  = $4,
  entities_orgs    = $5,
  entities_places  = $6,
  importance_score = $7,
  follow_up_worthy = $8,
  warning          = $9,
  analyzed_at      = $10,
  model_used       = $11,
  cost_usd         = cost_usd + $12,
  input_tokens     = input_tokens + $13,
  output_tokens    = output_tokens + $14,
  error_message    = '',
  updated_at       = NOW()
WHERE article_id = $1
`, e.ArticleID, e.Summary, pq.Array(e.Themes), pq.Array(e.People), pq.Array(e.Orgs),
		pq.Array(e.Places), e.Importance, e.FollowUp, e.Warning, e.AnalyzedAt,
		e.ModelUsed, e.CostUSD, e.InputTokens, e.OutputTokens)
	if err != nil {
		return fmt.Errorf("update enrichment %d: %w", e.ArticleID, err)
	}

	for _, m := range mentions {
		_, err = tx.ExecContext(ctx, `
INSERT INTO entity_mentions (article_id, entity_name, entity_type, mention_date)
VALUES ($1,$2,$3,$4)
ON CONFLICT (article_id, entity_name, entity_type) DO NOTHING
`, m.ArticleID, m.EntityName, string(m.EntityType), m.MentionDate)
		if err != nil {
			return fmt.Errorf("insert mention %q: %w", m.EntityName, err)
		}
	}
	return tx.Commit()
}

// MarkEnrichmentFailed records a failed attempt: error message, retry
// count bump, and whatever cost the attempt still incurred.
func (s *Store) MarkEnrichmentFailed(ctx context.Context, e enrich.Enrichment) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE article_enrichments SET
  status        = 'failed',
  error_message = $2,
  retry_count   = retry_count + 1,
  model_used    = CASE WHEN $3 <> '' THEN $3 ELSE model_used END,
  cost_usd      = cost_usd + $4,
  input_tokens  = input_tokens + $5,
  output_tokens = output_tokens + $6,
  updated_at    = NOW()
WHERE article_id = $1
`, e.ArticleID, e.ErrorMessage, e.ModelUsed, e.CostUSD, e.InputTokens, e.OutputTokens)
	return err
}

// ReviveStalePending fails pending enrichments untouched for longer than
// olderThan, typically rows abandoned by a crashed run. The flip to failed
// puts them back in reach of the retry path without burning a retry (the
// attempt never ran to a verdict). olderThan <= 0 disables the sweep.
func (s *Store) ReviveStalePending(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE article_enrichments SET
  status        = 'failed',
  error_message = 'enrichment abandoned while pending',
  updated_at    = NOW()
WHERE status = 'pending' AND updated_at < NOW() - make_interval(secs => $1)
`, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListSucceededByDate returns succeeded enrichments whose analyzed_at
// falls on the target calendar date, joined with article titles for the
// digest prompt.
func (s *Store) ListSucceededByDate(ctx context.Context, date time.Time) ([]enrich.Enrichment, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT e.article_id, a.title, e.summary, e.importance_score, e.follow_up_worthy, e.analyzed_at
FROM article_enrichments e
JOIN articles a ON a.id = e.article_id
WHERE e.status = 'succeeded' AND e.analyzed_at >= $1 AND e.analyzed_at < $1 + INTERVAL '1 day'
ORDER BY e.analyzed_at ASC
`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []enrich.Enrichment
	for rows.Next() {
		e := enrich.Enrichment{Status: enrich.StatusSucceeded}
		if err := rows.Scan(&e.ArticleID, &e.Title, &e.Summary, &e.Importance, &e.FollowUp, &e.AnalyzedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertDigest writes the digest for its date, overwriting any prior
// generation. Regeneration never duplicates rows. topStories is the
// JSON-encoded ranked list.
func (s *Store) UpsertDigest(ctx context.Context, d enrich.Digest, topStories []byte) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO daily_digests (digest_date, digest_text, top_stories, article_count, is_published, generated_at, model_used, cost_usd, input_tokens, output_tokens)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (digest_date) DO UPDATE SET
  digest_text   = EXCLUDED.digest_text,
  top_stories   = EXCLUDED.top_stories,
  article_count = EXCLUDED.article_count,
  is_published  = EXCLUDED.is_published,
  generated_at  = EXCLUDED.generated_at,
  model_used    = EXCLUDED.model_used,
  cost_usd      = EXCLUDED.cost_usd,
  input_tokens  = EXCLUDED.input_tokens,
  output_tokens = EXCLUDED.output_tokens
`, d.Date, d.Text, topStories, d.ArticleCount, d.IsPublished, d.GeneratedAt,
		d.ModelUsed, d.CostUSD, d.InputTokens, d.OutputTokens)
	return err
}

// CreateRun opens a new audit record in the running state.
func (s *Store) CreateRun(ctx context.Context, mode enrich.RunMode) (string, error) {
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO enrichment_runs (id, mode, status, started_at) VALUES ($1,$2,'running',NOW())
`, id, string(mode))
	if err != nil {
		return "", err
	}
	return id, nil
}

// AddRunCost accumulates call cost and token usage onto the owning run as
// it occurs. The increment is a single SQL statement, so parallel workers
// never lose updates and a crash mid-run leaves an accurate partial total.
func (s *Store) AddRunCost(ctx context.Context, runID string, costUSD float64, inputTokens, outputTokens int64) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE enrichment_runs SET
  estimated_cost_usd  = estimated_cost_usd + $2,
  total_input_tokens  = total_input_tokens + $3,
  total_output_tokens = total_output_tokens + $4
WHERE id = $1
`, runID, costUSD, inputTokens, outputTokens)
	return err
}

// FinishRun closes the audit record with final status and counters.
func (s *Store) FinishRun(ctx context.Context, run enrich.Run) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE enrichment_runs SET
  status             = $2,
  articles_found     = $3,
  articles_processed = $4,
  articles_failed    = $5,
  articles_skipped   = $6,
  error_message      = $7,
  finished_at        = NOW(),
  duration_seconds   = EXTRACT(EPOCH FROM (NOW() - started_at))
WHERE id = $1
`, run.ID, string(run.Status), run.ArticlesFound, run.ArticlesProcessed,
		run.ArticlesFailed, run.ArticlesSkipped, run.ErrorMessage)
	return err
}

// PipelineStats is the read-only aggregate exposed by the stats
// operation and the ops surface.
type PipelineStats struct {
	Enrichments struct {
		Total     int `json:"total"`
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
		Pending   int `json:"pending"`
	} `json:"enrichments"`
	Runs struct {
		Total        int     `json:"total"`
		TotalCostUSD float64 `json:"total_cost_usd"`
		InputTokens  int64   `json:"total_input_tokens"`
		OutputTokens int64   `json:"total_output_tokens"`
	} `json:"runs"`
}

// Stats aggregates enrichment and run counters over runs started since
// the given time (zero time means everything).
func (s *Store) Stats(ctx context.Context, since time.Time) (PipelineStats, error) {
	var st PipelineStats
	err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE status = 'succeeded'),
       COUNT(*) FILTER (WHERE status = 'failed'),
       COUNT(*) FILTER (WHERE status = 'pending')
FROM article_enrichments
`).Scan(&st.Enrichments.Total, &st.Enrichments.Succeeded, &st.Enrichments.Failed, &st.Enrichments.Pending)
	if err != nil {
		return st, err
	}
	err = s.DB.QueryRowContext(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(estimated_cost_usd), 0),
       COALESCE(SUM(total_input_tokens), 0),
       COALESCE(SUM(total_output_tokens), 0)
FROM enrichment_runs
WHERE started_at >= $1
`, since).Scan(&st.Runs.Total, &st.Runs.TotalCostUSD, &st.Runs.InputTokens, &st.Runs.OutputTokens)
	return st, err
}
