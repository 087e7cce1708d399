package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("defaults must load cleanly: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr = %s", cfg.HTTPAddr)
	}
	if cfg.OfferWindow != 15*time.Second {
		t.Fatalf("OfferWindow = %s", cfg.OfferWindow)
	}
	if cfg.RetryBackoff != 30*time.Second {
		t.Fatalf("RetryBackoff = %s", cfg.RetryBackoff)
	}
	if cfg.SearchRadiusKm != 30 {
		t.Fatalf("SearchRadiusKm = %v", cfg.SearchRadiusKm)
	}
	if cfg.Currency != "cad" {
		t.Fatalf("Currency = %s", cfg.Currency)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OFFER_WINDOW", "20s")
	t.Setenv("RETRY_BACKOFF", "1m")
	t.Setenv("SEARCH_RADIUS_KM", "12.5")
	t.Setenv("KAFKA_BROKERS", "b1:9092, b2:9092 ,")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MIGRATE", "true")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OfferWindow != 20*time.Second || cfg.RetryBackoff != time.Minute {
		t.Fatalf("durations = %s %s", cfg.OfferWindow, cfg.RetryBackoff)
	}
	if cfg.SearchRadiusKm != 12.5 {
		t.Fatalf("radius = %v", cfg.SearchRadiusKm)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b2:9092" {
		t.Fatalf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %s", cfg.LogLevel)
	}
	if !cfg.RunMigrations {
		t.Fatal("MIGRATE=true not honored")
	}
}

func TestInvalidValuesReported(t *testing.T) {
	t.Setenv("OFFER_WINDOW", "soon")
	t.Setenv("SEARCH_RADIUS_KM", "wide")
	if _, err := LoadServerConfig(); err == nil {
		t.Fatal("invalid env values must fail loading")
	}
}
