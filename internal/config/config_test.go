package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("acme-market")))
	if err != nil {
		t.Fatalf("default config did not validate: %v", err)
	}
	if cfg.Marketplace.ID != "acme-market" {
		t.Fatalf("marketplace id = %q", cfg.Marketplace.ID)
	}
	if cfg.Marketplace.FeeBps != 1000 {
		t.Fatalf("fee_bps = %d", cfg.Marketplace.FeeBps)
	}
	if cfg.Marketplace.DefaultOfferTTLSeconds != 900 {
		t.Fatalf("default_offer_ttl_seconds = %d", cfg.Marketplace.DefaultOfferTTLSeconds)
	}
	if cfg.Reaper.SweepIntervalSeconds != 30 {
		t.Fatalf("sweep_interval_seconds = %d", cfg.Reaper.SweepIntervalSeconds)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing id", func(c *Config) { c.Marketplace.ID = "" }, "marketplace.id"},
		{"fee too high", func(c *Config) { c.Marketplace.FeeBps = 10001 }, "fee_bps"},
		{"negative fee", func(c *Config) { c.Marketplace.FeeBps = -1 }, "fee_bps"},
		{"negative ttl", func(c *Config) { c.Marketplace.DefaultOfferTTLSeconds = -1 }, "default_offer_ttl_seconds"},
		{"zero sweep", func(c *Config) { c.Reaper.SweepIntervalSeconds = 0 }, "sweep_interval_seconds"},
		{"unknown domain", func(c *Config) { c.Domains = []string{"dog_walking"} }, "unknown domain"},
		{"webhook without url", func(c *Config) { c.Webhooks = []WebhookConfig{{}} }, "url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default("m")
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestDomainEnabled(t *testing.T) {
	cfg := Default("m")
	if !cfg.DomainEnabled("trip_ride") {
		t.Fatal("empty allow-list should enable all known domains")
	}
	if cfg.DomainEnabled("dog_walking") {
		t.Fatal("unknown domain should never be enabled")
	}

	cfg.Domains = []string{"roadside_assistance"}
	if !cfg.DomainEnabled("roadside_assistance") {
		t.Fatal("listed domain should be enabled")
	}
	if cfg.DomainEnabled("trip_ride") {
		t.Fatal("unlisted domain should be disabled")
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir, "fallback-market")
	if err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	if cfg.Marketplace.ID != "fallback-market" {
		t.Fatalf("marketplace id = %q", cfg.Marketplace.ID)
	}

	yml := "marketplace:\n  id: from-file\n  fee_bps: 250\nreaper:\n  sweep_interval_seconds: 10\n"
	if err := os.WriteFile(filepath.Join(dir, "offerline.yml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir, "ignored")
	if err != nil {
		t.Fatalf("LoadOptional with file: %v", err)
	}
	if cfg.Marketplace.ID != "from-file" || cfg.Marketplace.FeeBps != 250 {
		t.Fatalf("config not read from file: %+v", cfg.Marketplace)
	}
}

func TestLoadMissingFileMentionsInit(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "ol config init") {
		t.Fatalf("expected init hint, got %v", err)
	}
}
