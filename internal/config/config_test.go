package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "7070" {
		t.Errorf("Port = %q, want 7070", cfg.Port)
	}
	if cfg.QueueName != "runs" || cfg.QueueRouting != "global" {
		t.Errorf("queue = %q/%q", cfg.QueueName, cfg.QueueRouting)
	}
	if cfg.QueueRejectWhilePaused {
		t.Error("QueueRejectWhilePaused should default to false")
	}
	if cfg.QueueMaxAttempts != 5 {
		t.Errorf("QueueMaxAttempts = %d, want 5", cfg.QueueMaxAttempts)
	}
	if cfg.LeaseDuration != 30*time.Second {
		t.Errorf("LeaseDuration = %v", cfg.LeaseDuration)
	}
	if cfg.WorkerQueues != nil {
		t.Errorf("WorkerQueues = %v, want nil", cfg.WorkerQueues)
	}
	if !reflect.DeepEqual(cfg.CommandEnvPassthrough, []string{"PATH", "HOME"}) {
		t.Errorf("CommandEnvPassthrough = %v", cfg.CommandEnvPassthrough)
	}
	if cfg.UsesRedis() {
		t.Error("default configuration should not need redis")
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("QUEUE_BACKEND", "Redis")
	t.Setenv("QUEUE_ROUTING", "tenant")
	t.Setenv("WORKER_QUEUES", "runs:acme, runs:globex")
	t.Setenv("NODE_TIMEOUT_DEFAULT", "90s")
	t.Setenv("DISPATCH_RATE_LIMIT", "2.5")
	t.Setenv("QUEUE_REJECT_WHILE_PAUSED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.QueueBackend != "redis" || !cfg.UsesRedis() {
		t.Errorf("QueueBackend = %q", cfg.QueueBackend)
	}
	if !reflect.DeepEqual(cfg.WorkerQueues, []string{"runs:acme", "runs:globex"}) {
		t.Errorf("WorkerQueues = %v", cfg.WorkerQueues)
	}
	if cfg.NodeTimeoutDefault != 90*time.Second {
		t.Errorf("NodeTimeoutDefault = %v", cfg.NodeTimeoutDefault)
	}
	if cfg.DispatchRateLimit != 2.5 {
		t.Errorf("DispatchRateLimit = %v", cfg.DispatchRateLimit)
	}
	if !cfg.QueueRejectWhilePaused {
		t.Error("QueueRejectWhilePaused = false")
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowengine.yaml")
	doc := "port: \"8181\"\nworkers: 12\nrun_timeout: 2h\nworker_queues:\n  - a\n  - b\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WORKERS", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8181" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.Workers != 3 {
		t.Errorf("Workers = %d, environment should win over the file", cfg.Workers)
	}
	if cfg.RunTimeout != 2*time.Hour {
		t.Errorf("RunTimeout = %v", cfg.RunTimeout)
	}
	if !reflect.DeepEqual(cfg.WorkerQueues, []string{"a", "b"}) {
		t.Errorf("WorkerQueues = %v", cfg.WorkerQueues)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown flowstore", map[string]string{"FLOWSTORE": "mongo"}, "unknown FLOWSTORE"},
		{"postgres without url", map[string]string{"FLOWSTORE": "postgres"}, "DATABASE_URL"},
		{"unknown routing", map[string]string{"QUEUE_ROUTING": "random"}, "QUEUE_ROUTING"},
		{"no workers", map[string]string{"WORKERS": "0"}, "WORKERS"},
		{"bad sample rate", map[string]string{"TRACING_SAMPLE_RATE": "2"}, "TRACING_SAMPLE_RATE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
