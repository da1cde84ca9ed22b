package config

import "testing"

func TestLoadEngineYAML_EmptyUsesDefaults(t *testing.T) {
	cfg, err := LoadEngineYAML(nil)
	if err != nil {
		t.Fatalf("LoadEngineYAML: %v", err)
	}
	if cfg.BatchSize != DefaultBatchSize || cfg.MaxRetries != DefaultMaxRetries || cfg.TimeoutMs != DefaultTimeoutMs {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.AllowDeletes {
		t.Fatalf("want AllowDeletes=true by default")
	}
}

func TestLoadEngineYAML_PartialOverride(t *testing.T) {
	cfg, err := LoadEngineYAML([]byte("batchSize: 25\nallowDeletes: false\n"))
	if err != nil {
		t.Fatalf("LoadEngineYAML: %v", err)
	}
	if cfg.BatchSize != 25 {
		t.Fatalf("want batchSize=25, got %d", cfg.BatchSize)
	}
	if cfg.AllowDeletes {
		t.Fatalf("want allowDeletes=false")
	}
	if cfg.MaxRetries != DefaultMaxRetries {
		t.Fatalf("unset fields should keep defaults, got maxRetries=%d", cfg.MaxRetries)
	}
}

func TestLoadEngineYAML_RejectsInvalidBatchSize(t *testing.T) {
	if _, err := LoadEngineYAML([]byte("batchSize: 0\n")); err == nil {
		t.Fatalf("want error for batchSize=0")
	}
}

func TestMediator_ClampPageSize(t *testing.T) {
	m := Mediator{MaxPageSize: 500}
	cases := []struct {
		requested int
		want      int
	}{
		{0, 500},
		{-5, 500},
		{100, 100},
		{10000, 500},
	}
	for _, c := range cases {
		if got := m.ClampPageSize(c.requested); got != c.want {
			t.Fatalf("ClampPageSize(%d) = %d, want %d", c.requested, got, c.want)
		}
	}
}
