package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/patrickhamzaokello/TND-NEWs/config"
	"github.com/patrickhamzaokello/TND-NEWs/internal/enrich"
	"github.com/patrickhamzaokello/TND-NEWs/internal/llm"
	"github.com/patrickhamzaokello/TND-NEWs/internal/pipeline"
	"github.com/patrickhamzaokello/TND-NEWs/internal/scheduler"
	srv "github.com/patrickhamzaokello/TND-NEWs/internal/server"
	"github.com/patrickhamzaokello/TND-NEWs/internal/store"
	"github.com/patrickhamzaokello/TND-NEWs/internal/telemetry"
)

func main() {
	var root = &cobra.Command{Use: "newsintel", Short: "Article enrichment and digest pipeline"}

	root.AddCommand(enrichCMD(), retryCMD(), digestCMD(), statsCMD(), serveCMD(), scheduleCMD(), migrateCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// deps bundles everything a run needs; built once per invocation.
type deps struct {
	cfg  *config.Config
	st   *store.Store
	orch *pipeline.Orchestrator
}

func buildDeps(ctx context.Context, cfgPath string) (*deps, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	provider, err := llm.NewProvider(cfg.LLM, cfg.Enrichment.BackoffBase, cfg.Enrichment.BackoffCap)
	if err != nil {
		return nil, err
	}
	tel := telemetry.New(cfg.Telemetry, prometheus.DefaultRegisterer)
	return &deps{cfg: cfg, st: st, orch: pipeline.NewOrchestrator(cfg, st, provider, tel)}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func enrichCMD() *cobra.Command {
	var cfgPath string
	var batchSize int
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "enrich",
		Short: "Enrich unprocessed articles",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			d, err := buildDeps(ctx, cfgPath)
			if err != nil {
				return err
			}
			defer d.st.DB.Close()
			if dryRun {
				run, articles, err := d.orch.DryRun(ctx, batchSize)
				if err != nil {
					return err
				}
				fmt.Printf("dry run %s: %d articles would be enriched\n", run.ID, len(articles))
				for _, a := range articles {
					fmt.Printf("  %d  %s\n", a.ID, a.Title)
				}
				return nil
			}
			run, err := d.orch.RunNormal(ctx, batchSize)
			if err != nil {
				return err
			}
			printRun(run)
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "max articles this run (0 = configured default)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list candidates without enriching")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return cmd
}

func retryCMD() *cobra.Command {
	var cfgPath string
	var batchSize int
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-attempt failed enrichments below the retry ceiling",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			d, err := buildDeps(ctx, cfgPath)
			if err != nil {
				return err
			}
			defer d.st.DB.Close()
			run, err := d.orch.RunRetry(ctx, batchSize)
			if err != nil {
				return err
			}
			printRun(run)
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "max articles this run (0 = configured default)")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return cmd
}

func digestCMD() *cobra.Command {
	var cfgPath string
	var dateStr string
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Synthesize the daily digest",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			var date time.Time
			if dateStr != "" {
				var err error
				date, err = time.Parse("2006-01-02", dateStr)
				if err != nil {
					return fmt.Errorf("invalid --date %q: expected YYYY-MM-DD", dateStr)
				}
			}
			d, err := buildDeps(ctx, cfgPath)
			if err != nil {
				return err
			}
			defer d.st.DB.Close()
			run, err := d.orch.RunDigest(ctx, date)
			if err != nil {
				return err
			}
			printRun(run)
			return nil
		},
	}
	cmd.Flags().StringVar(&dateStr, "date", "", "digest date YYYY-MM-DD (default yesterday)")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return cmd
}

func statsCMD() *cobra.Command {
	var cfgPath string
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print pipeline aggregates",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			d, err := buildDeps(ctx, cfgPath)
			if err != nil {
				return err
			}
			defer d.st.DB.Close()
			stats, err := d.orch.Stats(ctx, time.Now().AddDate(0, 0, -days))
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "lookback window in days")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return cmd
}

func serveCMD() *cobra.Command {
	var cfgPath string
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ops HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			d, err := buildDeps(ctx, cfgPath)
			if err != nil {
				return err
			}
			defer d.st.DB.Close()
			if addr == "" {
				addr = d.cfg.Server.Address
			}
			e := srv.New(d.orch)
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				_ = e.Shutdown(shutdownCtx)
			}()
			return e.Start(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return cmd
}

func scheduleCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run enrichment and digest on their cron schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			d, err := buildDeps(ctx, cfgPath)
			if err != nil {
				return err
			}
			defer d.st.DB.Close()
			var rdb *redis.Client
			if d.cfg.Storage.Redis.Host != "" {
				rdb = redis.NewClient(&redis.Options{
					Addr:     d.cfg.Storage.Redis.Addr(),
					Password: d.cfg.Storage.Redis.Password,
				})
				defer rdb.Close()
			}
			sched := scheduler.New(d.cfg.Scheduler, d.orch, rdb)
			sched.Start()
			<-ctx.Done()
			close(sched.Stop)
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return cmd
}

func migrateCMD() *cobra.Command {
	var cfgPath string
	var dir string
	var direction string
	var steps int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			return srv.Migrate(dir, cfg.Storage.Postgres.DSN(), direction, steps)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "file://migrations", "migrations source")
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return cmd
}

func printRun(run enrich.Run) {
	fmt.Printf("%s run %s: %s (found=%d processed=%d failed=%d skipped=%d cost=$%.4f)\n",
		run.Mode, run.ID, run.Status, run.ArticlesFound, run.ArticlesProcessed,
		run.ArticlesFailed, run.ArticlesSkipped, run.EstimatedCostUSD)
}
