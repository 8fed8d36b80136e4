package enrich

import "time"

// Article is one raw ingested record (bronze). Owned by the ingestion
// system; the pipeline only reads it.
type Article struct {
	ID             int64
	Title          string
	Content        string
	HasFullContent bool
	PublishedAt    *time.Time
	ScrapedAt      time.Time
}

// EnrichmentStatus tracks the processing state of one article's analysis.
type EnrichmentStatus string

const (
	StatusPending   EnrichmentStatus = "pending"
	StatusSucceeded EnrichmentStatus = "succeeded"
	StatusFailed    EnrichmentStatus = "failed"
)

// Enrichment is the silver-tier structured analysis of one article,
// one-to-one with its Article.
type Enrichment struct {
	ArticleID    int64
	Title        string // denormalized from the article on reads
	Status       EnrichmentStatus
	Summary      string
	Themes       []string
	People       []string
	Orgs         []string
	Places       []string
	Importance   int
	FollowUp     bool
	Warning      string // e.g. clamped importance score
	AnalyzedAt   time.Time
	ModelUsed    string
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
	ErrorMessage string
	RetryCount   int
}

// EntityType classifies one named entity.
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityPlace        EntityType = "place"
)

// EntityMention is one normalized (article, name, type) observation used
// for trend aggregation. Never updated after creation.
type EntityMention struct {
	ArticleID   int64
	EntityName  string
	EntityType  EntityType
	MentionDate time.Time // date precision
}

// TopStory is one ranked entry in a daily digest.
type TopStory struct {
	ArticleID    int64  `json:"article_id"`
	Rank         int    `json:"rank"`
	Headline     string `json:"headline"`
	WhyItMatters string `json:"why_it_matters"`
}

// Digest is the gold-tier daily synthesis. One row per calendar date;
// regeneration overwrites.
type Digest struct {
	Date         time.Time
	Text         string
	TopStories   []TopStory
	ArticleCount int
	IsPublished  bool
	GeneratedAt  time.Time
	ModelUsed    string
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
}

// RunMode identifies what kind of work an orchestrator invocation did.
type RunMode string

const (
	ModeNormal RunMode = "normal"
	ModeRetry  RunMode = "retry"
	ModeDigest RunMode = "digest"
	ModeDryRun RunMode = "dry_run"
)

// RunStatus is the run state machine: running terminates in exactly one
// of completed, completed_with_errors, or failed.
type RunStatus string

const (
	RunRunning             RunStatus = "running"
	RunCompleted           RunStatus = "completed"
	RunCompletedWithErrors RunStatus = "completed_with_errors"
	RunFailed              RunStatus = "failed"
)

// Run is the append-only audit record bracketing one orchestrator
// invocation.
type Run struct {
	ID                string
	Mode              RunMode
	Status            RunStatus
	ArticlesFound     int
	ArticlesProcessed int
	ArticlesFailed    int
	ArticlesSkipped   int
	InputTokens       int64
	OutputTokens      int64
	EstimatedCostUSD  float64
	StartedAt         time.Time
	FinishedAt        *time.Time
	DurationSeconds   float64
	ErrorMessage      string
}

// ReferenceDate returns the date entity mentions should be stamped with:
// the article's publication date when known, else the fallback.
func (a Article) ReferenceDate(fallback time.Time) time.Time {
	if a.PublishedAt != nil {
		return TruncateToDay(*a.PublishedAt)
	}
	return TruncateToDay(fallback)
}

// TruncateToDay drops the time-of-day component, keeping the location.
func TruncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
