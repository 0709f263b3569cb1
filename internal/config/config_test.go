package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if cfg.Log.Level != "info" {
		t.Fatalf("expected log level default, got %q", cfg.Log.Level)
	}
	if cfg.REST.BaseURL != "https://api.bybit.com" {
		t.Fatalf("expected rest base url default, got %q", cfg.REST.BaseURL)
	}
	if cfg.REST.Timeout != 10*time.Second {
		t.Fatalf("expected rest timeout default, got %v", cfg.REST.Timeout)
	}
	if cfg.WS.URL == "" {
		t.Fatalf("expected ws url default")
	}
	if cfg.Hedge.QuoteCurrency != "USDT" {
		t.Fatalf("expected quote currency default, got %q", cfg.Hedge.QuoteCurrency)
	}
	if cfg.Hedge.TickOffset != 10 {
		t.Fatalf("expected tick offset default, got %d", cfg.Hedge.TickOffset)
	}
	if cfg.Hedge.PollInterval != 500*time.Millisecond {
		t.Fatalf("expected poll interval default, got %v", cfg.Hedge.PollInterval)
	}
	if cfg.Hedge.RepositionTimeout != 30*time.Second {
		t.Fatalf("expected reposition timeout default, got %v", cfg.Hedge.RepositionTimeout)
	}
	if cfg.Hedge.MaxLeverage != 10 {
		t.Fatalf("expected max leverage default, got %v", cfg.Hedge.MaxLeverage)
	}
	if cfg.History.QueueSize != 256 {
		t.Fatalf("expected history queue size default, got %d", cfg.History.QueueSize)
	}
	if cfg.Metrics.ListenAddr != ":9091" {
		t.Fatalf("expected metrics listen addr default, got %q", cfg.Metrics.ListenAddr)
	}
}

func TestDefaultsRespectExplicitValues(t *testing.T) {
	cfg := &Config{
		Hedge: HedgeConfig{TickOffset: 3, MaxLeverage: 5},
		REST:  RESTConfig{BaseURL: "https://api-testnet.bybit.com"},
	}
	applyDefaults(cfg)
	if cfg.Hedge.TickOffset != 3 {
		t.Fatalf("expected explicit tick offset, got %d", cfg.Hedge.TickOffset)
	}
	if cfg.Hedge.MaxLeverage != 5 {
		t.Fatalf("expected explicit max leverage, got %v", cfg.Hedge.MaxLeverage)
	}
	if cfg.REST.BaseURL != "https://api-testnet.bybit.com" {
		t.Fatalf("expected explicit base url, got %q", cfg.REST.BaseURL)
	}
}

func TestValidateRejectsNegativeTickOffset(t *testing.T) {
	cfg := &Config{Hedge: HedgeConfig{TickOffset: -1}}
	applyDefaults(cfg)
	cfg.Hedge.TickOffset = -1
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for negative tick offset")
	}
}

func TestValidateRejectsNegativeRepositionLimits(t *testing.T) {
	cfg := &Config{Hedge: HedgeConfig{MaxRepositions: -1}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for negative max repositions")
	}
	cfg = &Config{Hedge: HedgeConfig{MaxLifetime: -1 * time.Second}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for negative max lifetime")
	}
}

func TestValidateRequiresHistoryDSNWhenEnabled(t *testing.T) {
	cfg := &Config{History: HistoryConfig{Enabled: true}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for enabled history without dsn")
	}
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "" +
		"log:\n" +
		"  level: debug\n" +
		"hedge:\n" +
		"  tick_offset: 5\n" +
		"  reposition_timeout: 45s\n" +
		"ws:\n" +
		"  symbols: [BTCUSDT, ETHUSDT]\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected log level debug, got %q", cfg.Log.Level)
	}
	if cfg.Hedge.TickOffset != 5 {
		t.Fatalf("expected tick offset 5, got %d", cfg.Hedge.TickOffset)
	}
	if cfg.Hedge.RepositionTimeout != 45*time.Second {
		t.Fatalf("expected reposition timeout 45s, got %v", cfg.Hedge.RepositionTimeout)
	}
	if len(cfg.WS.Symbols) != 2 || cfg.WS.Symbols[0] != "BTCUSDT" {
		t.Fatalf("expected ws symbols, got %v", cfg.WS.Symbols)
	}
	if cfg.Hedge.PollInterval != 500*time.Millisecond {
		t.Fatalf("expected poll interval default to apply, got %v", cfg.Hedge.PollInterval)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
