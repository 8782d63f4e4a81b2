package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL",
		"AMOUNT_PCT_TOLERANCE", "AMOUNT_ABS_TOLERANCE",
		"DATE_TOLERANCE_DAYS", "FUZZY_MATCH_THRESHOLD",
		"WORKER_COUNT", "QUEUE_SIZE",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != DefaultPort || cfg.Env != DefaultEnv || cfg.LogLevel != DefaultLogLevel {
		t.Errorf("server defaults: %+v", cfg)
	}
	if cfg.AmountPercentageTolerance != DefaultPctTolerance {
		t.Errorf("pct tolerance = %v", cfg.AmountPercentageTolerance)
	}
	if cfg.AmountAbsoluteTolerance != DefaultAbsTolerance {
		t.Errorf("abs tolerance = %q", cfg.AmountAbsoluteTolerance)
	}
	if cfg.DateToleranceDays != DefaultDateDays || cfg.FuzzyMatchThreshold != DefaultFuzzyScore {
		t.Errorf("matching defaults: %+v", cfg)
	}
	if cfg.WorkerCount != DefaultWorkerCount || cfg.QueueSize != DefaultQueueSize {
		t.Errorf("worker defaults: %+v", cfg)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("AMOUNT_PCT_TOLERANCE", "0.05")
	t.Setenv("AMOUNT_ABS_TOLERANCE", "0.50")
	t.Setenv("DATE_TOLERANCE_DAYS", "7")
	t.Setenv("FUZZY_MATCH_THRESHOLD", "90")
	t.Setenv("WORKER_COUNT", "4")
	t.Setenv("QUEUE_SIZE", "128")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" || !cfg.IsProduction() {
		t.Errorf("server settings: %+v", cfg)
	}
	if cfg.AmountPercentageTolerance != 0.05 || cfg.AmountAbsoluteTolerance != "0.50" {
		t.Errorf("tolerances: %+v", cfg)
	}
	if cfg.DateToleranceDays != 7 || cfg.FuzzyMatchThreshold != 90 {
		t.Errorf("matching settings: %+v", cfg)
	}
	if cfg.WorkerCount != 4 || cfg.QueueSize != 128 {
		t.Errorf("worker settings: %+v", cfg)
	}
}

func TestLoadInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("AMOUNT_PCT_TOLERANCE", "not-a-number")
	t.Setenv("WORKER_COUNT", "four")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AmountPercentageTolerance != DefaultPctTolerance {
		t.Errorf("pct tolerance = %v, want default", cfg.AmountPercentageTolerance)
	}
	if cfg.WorkerCount != DefaultWorkerCount {
		t.Errorf("worker count = %d, want default", cfg.WorkerCount)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			AmountPercentageTolerance: 0.01,
			FuzzyMatchThreshold:       80,
			DateToleranceDays:         3,
			WorkerCount:               2,
			QueueSize:                 64,
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"pct tolerance above 1", func(c *Config) { c.AmountPercentageTolerance = 1.5 }},
		{"pct tolerance negative", func(c *Config) { c.AmountPercentageTolerance = -0.1 }},
		{"fuzzy threshold above 100", func(c *Config) { c.FuzzyMatchThreshold = 101 }},
		{"negative date tolerance", func(c *Config) { c.DateToleranceDays = -1 }},
		{"zero workers", func(c *Config) { c.WorkerCount = 0 }},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	cfg := &Config{Env: "development"}
	if !cfg.IsDevelopment() || cfg.IsProduction() {
		t.Error("development flags wrong")
	}
	cfg.Env = "production"
	if cfg.IsDevelopment() || !cfg.IsProduction() {
		t.Error("production flags wrong")
	}
}
