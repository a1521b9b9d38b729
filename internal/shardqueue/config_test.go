package shardqueue

import (
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Shards != 4 || cfg.QueueSize != 128 || cfg.EnqueueTimeout != 100*time.Millisecond {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("VITALSYNC_SQ_SHARDS", "8")
	t.Setenv("VITALSYNC_SQ_ENQUEUE_TIMEOUT", "1s")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Shards != 8 || cfg.EnqueueTimeout != time.Second {
		t.Fatalf("override failed: %+v", cfg)
	}
}

func TestConfig_ZeroValueDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Shards != 4 || cfg.QueueSize != 128 || cfg.EnqueueTimeout <= 0 {
		t.Fatalf("unexpected zero-value defaults: %+v", cfg)
	}
}
