package app

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"faceattend/internal/config"
	"faceattend/internal/logging"
	"faceattend/internal/queue"
)

func testConfig(t *testing.T) config.App {
	t.Helper()
	t.Setenv("APP_ENV", "test")
	t.Setenv("DB_DRIVER", "sqlite3")
	t.Setenv("DATABASE_URL", ":memory:")
	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("FACE_SKIP", "true")
	t.Setenv("EVIDENCE_BACKEND", "none")
	return config.Load()
}

func TestBuildWithSQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.RedisAddr = ""
	a, err := Build(cfg, logging.Discard(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()
	if _, ok := a.Broker.(*queue.MemoryBroker); !ok {
		t.Fatalf("expected memory broker, got %T", a.Broker)
	}
	if !a.Checks["db"](context.Background()) {
		t.Fatalf("expected healthy db")
	}
	if _, ok := a.Checks["face"]; ok {
		t.Fatalf("skip mode has no face health check")
	}
	if _, err := a.Devices.Register(context.Background(), "cam-1"); err != nil {
		t.Fatalf("register device: %v", err)
	}
}

func TestBuildRequiresRedisForRedisQueue(t *testing.T) {
	cfg := testConfig(t)
	cfg.DBDriver = "memory"
	cfg.QueueBackend = "redis"
	cfg.RedisAddr = ""
	if _, err := Build(cfg, logging.Discard(), prometheus.NewRegistry()); err == nil {
		t.Fatalf("expected an error without REDIS_ADDR")
	}
}
