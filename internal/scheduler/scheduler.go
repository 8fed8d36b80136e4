package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/patrickhamzaokello/TND-NEWs/config"
	"github.com/patrickhamzaokello/TND-NEWs/internal/pipeline"
)

// Scheduler fires enrichment and digest runs on cron schedules. The redis
// lock keeps concurrent instances from firing the same job twice; with a
// nil client the scheduler still works for a single instance.
type Scheduler struct {
	Cfg    config.SchedulerConfig
	Orch   *pipeline.Orchestrator
	Rdb    *redis.Client
	Stop   chan struct{}
	logger *log.Logger

	lastEnrich *time.Time
	lastDigest *time.Time
}

func New(cfg config.SchedulerConfig, orch *pipeline.Orchestrator, rdb *redis.Client) *Scheduler {
	return &Scheduler{
		Cfg:    cfg,
		Orch:   orch,
		Rdb:    rdb,
		Stop:   make(chan struct{}),
		logger: log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
	}
}

func (s *Scheduler) Start() {
	interval := s.Cfg.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	now := time.Now()

	if s.Cfg.EnrichCron != "" && isDue(s.Cfg.EnrichCron, s.lastEnrich, now) {
		if s.acquire(ctx, "sched:lock:enrich") {
			s.lastEnrich = &now
			go s.fireEnrich(ctx)
		}
	}
	if s.Cfg.DigestCron != "" && isDue(s.Cfg.DigestCron, s.lastDigest, now) {
		if s.acquire(ctx, "sched:lock:digest") {
			s.lastDigest = &now
			go s.fireDigest(ctx)
		}
	}
}

func (s *Scheduler) fireEnrich(ctx context.Context) {
	// jitter to avoid stampedes across instances
	time.Sleep(time.Duration(250+int64(time.Now().UnixNano()%250)) * time.Millisecond)
	run, err := s.Orch.RunNormal(ctx, 0)
	if err != nil {
		s.logger.Printf("scheduled enrichment: %v", err)
		return
	}
	s.logger.Printf("scheduled enrichment run %s: processed=%d failed=%d", run.ID, run.ArticlesProcessed, run.ArticlesFailed)
}

func (s *Scheduler) fireDigest(ctx context.Context) {
	time.Sleep(time.Duration(250+int64(time.Now().UnixNano()%250)) * time.Millisecond)
	run, err := s.Orch.RunDigest(ctx, time.Time{})
	if err != nil {
		s.logger.Printf("scheduled digest: %v", err)
		return
	}
	s.logger.Printf("scheduled digest run %s: candidates=%d cost=$%.4f", run.ID, run.ArticlesFound, run.EstimatedCostUSD)
}

// acquire takes the distributed lock for one job. Without redis configured
// it always succeeds.
func (s *Scheduler) acquire(ctx context.Context, key string) bool {
	if s.Rdb == nil {
		return true
	}
	ttl := s.Cfg.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	ok, err := s.Rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		s.logger.Printf("lock %s: %v", key, err)
		return false
	}
	return ok
}

// isDue determines if a job with cronSpec should run now based on its last
// fire time. Supports "@daily", "@hourly", and standard 5-field cron
// expressions.
func isDue(cronSpec string, last *time.Time, now time.Time) bool {
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// Invalid spec degrades to @daily rather than never firing.
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
