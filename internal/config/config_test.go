package config_test

import (
	"os"
	"testing"
	"time"

	"stepline/internal/challenge"
	"stepline/internal/config"
)

func TestDefaultMatchesBuiltInCatalog(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	catalog := cfg.Catalog()
	if len(catalog) != len(challenge.DefaultCatalog) {
		t.Fatalf("expected %d challenges, got %d", len(challenge.DefaultCatalog), len(catalog))
	}
	for i, c := range catalog {
		if c != challenge.DefaultCatalog[i] {
			t.Fatalf("catalog[%d] = %+v", i, c)
		}
	}
	if cfg.TickInterval() != time.Minute {
		t.Fatalf("unexpected tick %v", cfg.TickInterval())
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected base path %q", cfg.Server.BasePath)
	}
}

func TestFromYAMLOverrides(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
challenges:
  catalog:
    - id: 1
      title: First
      threshold: 100
session:
  tick: 5s
`))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Catalog()) != 1 || cfg.TickInterval() != 5*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Server.Addr == "" {
		t.Fatalf("unset sections should keep defaults")
	}
}

func TestFromYAMLValidation(t *testing.T) {
	bad := []string{
		"challenges:\n  catalog:\n    - id: 1\n      title: a\n      threshold: 0\n",
		"challenges:\n  catalog:\n    - id: 1\n      title: a\n      threshold: 1\n    - id: 1\n      title: b\n      threshold: 2\n",
		"session:\n  tick: soon\n",
		"session:\n  tick: -1s\n",
		"server:\n  base_path: v0\n",
		"challenges: [",
	}
	for _, doc := range bad {
		if _, err := config.FromYAML([]byte(doc)); err == nil {
			t.Errorf("expected error for %q", doc)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("missing file should give defaults: %v", err)
	}
	if err := os.WriteFile(config.Path(dir), []byte("session:\n  tick: 30s\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TickInterval() != 30*time.Second {
		t.Fatalf("unexpected tick %v", cfg.TickInterval())
	}
}

func TestWebhookValidation(t *testing.T) {
	cfg, err := config.FromYAML([]byte("webhooks:\n  - url: http://127.0.0.1:9000/hook\n    events: [challenge.completed]\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Events[0] != "challenge.completed" {
		t.Fatalf("unexpected webhooks %+v", cfg.Webhooks)
	}
	if _, err := config.FromYAML([]byte("webhooks:\n  - url: ftp://example.com\n")); err == nil {
		t.Fatalf("expected non-http url to be rejected")
	}
}
