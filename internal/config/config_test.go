package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := WorkerConfig{
		Groups:        []string{"stock", "sales", "delivery", "whatsapp-notifier", "whatsapp-sender"},
		BatchSize:     10,
		Block:         5 * time.Second,
		Concurrency:   4,
		MaxRetries:    5,
		BackoffBase:   500 * time.Millisecond,
		BackoffMax:    30 * time.Second,
		ClaimInterval: time.Minute,
		ClaimMinIdle:  time.Minute,
	}
	if diff := cmp.Diff(want, cfg.Worker); diff != "" {
		t.Errorf("worker defaults mismatch (-want +got):\n%s", diff)
	}
	if cfg.Stream != (StreamConfig{Name: "events:materials", MaxLen: 100000, Codec: "json"}) {
		t.Errorf("stream defaults = %+v", cfg.Stream)
	}
	if cfg.Relay != (RelayConfig{BatchSize: 100, PollInterval: time.Second, PollIntervalBusy: 100 * time.Millisecond, ErrorInterval: 5 * time.Second}) {
		t.Errorf("relay defaults = %+v", cfg.Relay)
	}
	if cfg.DLQBackend != DLQPostgres || cfg.MetricsAddr != ":9090" {
		t.Errorf("dlq %q metrics %q", cfg.DLQBackend, cfg.MetricsAddr)
	}
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("WORKER_GROUPS", "stock, ,whatsapp-notifier")
	t.Setenv("WORKER_MAX_RETRIES", "3")
	t.Setenv("RELAY_POLL_INTERVAL_BUSY", "250ms")
	t.Setenv("DLQ_BACKEND", "redis")
	t.Setenv("STREAM_CODEC", "msgpack")

	cfg, err := Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff([]string{"stock", "whatsapp-notifier"}, cfg.Worker.Groups); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}
	if cfg.Worker.MaxRetries != 3 || cfg.Relay.PollIntervalBusy != 250*time.Millisecond {
		t.Errorf("overrides not applied: %+v %+v", cfg.Worker, cfg.Relay)
	}
	if cfg.DLQBackend != DLQRedis || cfg.Stream.Codec != "msgpack" {
		t.Errorf("dlq %q codec %q", cfg.DLQBackend, cfg.Stream.Codec)
	}
}

func TestParseInvalid(t *testing.T) {
	t.Setenv("DLQ_BACKEND", "mongo")
	t.Setenv("STREAM_CODEC", "xml")

	_, err := Parse()
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, want := range []string{"DLQ_BACKEND", "STREAM_CODEC"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}

	t.Setenv("DLQ_BACKEND", "postgres")
	t.Setenv("STREAM_CODEC", "json")
	t.Setenv("WORKER_BLOCK", "soon")
	if _, err := Parse(); err == nil {
		t.Error("expected a duration parse error")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("STREAM_NAME=events:test\nREDIS_DB=2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	t.Setenv("REDIS_DB", "5")
	t.Cleanup(func() { os.Unsetenv("STREAM_NAME") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stream.Name != "events:test" {
		t.Errorf("stream name = %q, want value from .env", cfg.Stream.Name)
	}
	if cfg.RedisDB != 5 {
		t.Errorf("redis db = %d, environment must win over .env", cfg.RedisDB)
	}
}

func TestRequireDatabase(t *testing.T) {
	cfg := &Config{}
	if err := cfg.RequireDatabase(); err == nil {
		t.Error("expected an error without DATABASE_URL")
	}
	cfg.DatabaseURL = "postgres://localhost/eventpipe"
	if err := cfg.RequireDatabase(); err != nil {
		t.Error(err)
	}
}
