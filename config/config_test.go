package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "general:\n  debug: false\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Enrichment.BatchSize != 50 || cfg.Enrichment.Concurrency != 5 {
		t.Fatalf("enrichment defaults: %+v", cfg.Enrichment)
	}
	if cfg.Enrichment.MaxContentWords != 450 || cfg.Enrichment.TopStories != 7 {
		t.Fatalf("enrichment defaults: %+v", cfg.Enrichment)
	}
	if cfg.Enrichment.BackoffBase != 2*time.Second || cfg.Enrichment.BackoffCap != 30*time.Second {
		t.Fatalf("backoff defaults: %+v", cfg.Enrichment)
	}
	if cfg.Enrichment.PendingTTL != time.Hour {
		t.Fatalf("pending_ttl default: %v", cfg.Enrichment.PendingTTL)
	}
	if cfg.Server.Address != ":10020" {
		t.Fatalf("server default: %q", cfg.Server.Address)
	}
	// The built-in price table fills in when no models are configured.
	m, ok := cfg.LLM.Provider.Models["gpt-4o-mini"]
	if !ok {
		t.Fatal("expected default model table")
	}
	if m.CostPer1MIn != 0.15 || m.CostPer1MOut != 0.60 {
		t.Fatalf("gpt-4o-mini pricing: %+v", m)
	}
	if cfg.LLM.Routing.Fallback != "gpt-4o-mini" {
		t.Fatalf("fallback routing: %q", cfg.LLM.Routing.Fallback)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
enrichment:
  batch_size: 10
  concurrency: 2
  retry_ceiling: 3
llm:
  routing:
    analysis: gpt-4o
storage:
  postgres:
    host: db.internal
    dbname: newsintel
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Enrichment.BatchSize != 10 || cfg.Enrichment.RetryCeiling != 3 {
		t.Fatalf("enrichment: %+v", cfg.Enrichment)
	}
	if cfg.LLM.Routing.Analysis != "gpt-4o" {
		t.Fatalf("routing: %+v", cfg.LLM.Routing)
	}
	if cfg.Storage.Postgres.Host != "db.internal" {
		t.Fatalf("postgres: %+v", cfg.Storage.Postgres)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("NEWSINTEL_ENRICHMENT_BATCH_SIZE", "25")
	cfg, err := LoadConfig(writeConfig(t, "general: {}\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Enrichment.BatchSize != 25 {
		t.Fatalf("env override ignored: %d", cfg.Enrichment.BatchSize)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"negative batch": "enrichment:\n  batch_size: -1\n",
		"zero top":       "enrichment:\n  top_stories: 0\n",
		"inverted backoff": `
enrichment:
  backoff_base: 10s
  backoff_cap: 1s
`,
		"unknown routing model": `
llm:
  routing:
    analysis: not-a-model
`,
	}
	for name, body := range cases {
		if _, err := LoadConfig(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: "5433", User: "u", Password: "p", DBName: "news", SSLMode: "require"}
	want := "postgres://u:p@db:5433/news?sslmode=require"
	if got := p.DSN(); got != want {
		t.Fatalf("DSN: %q want %q", got, want)
	}
	p = PostgresConfig{URL: "postgres://explicit"}
	if got := p.DSN(); got != "postgres://explicit" {
		t.Fatalf("url passthrough: %q", got)
	}
}

func TestRedisAddr(t *testing.T) {
	if got := (RedisConfig{}).Addr(); got != "localhost:6379" {
		t.Fatalf("default addr: %q", got)
	}
	if got := (RedisConfig{Host: "cache", Port: "6380"}).Addr(); got != "cache:6380" {
		t.Fatalf("addr: %q", got)
	}
}
