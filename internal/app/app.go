// Package app builds the shared runtime graph used by the api and worker
// binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"faceattend/internal/attendance"
	"faceattend/internal/auth"
	"faceattend/internal/config"
	"faceattend/internal/engine"
	"faceattend/internal/enrollment"
	"faceattend/internal/evidence"
	"faceattend/internal/faceclient"
	"faceattend/internal/matcher"
	"faceattend/internal/metrics"
	"faceattend/internal/queue"
	"faceattend/internal/store"
	"faceattend/internal/store/memstore"
)

// Frame queues are capped and expire when no device feeds them.
const (
	frameQueueLen = 256
	frameQueueTTL = 10 * time.Minute
)

// Repository is everything the services persist.
type Repository interface {
	attendance.Repository
	enrollment.Repository
	auth.DeviceStore
}

// App is the wired runtime.
type App struct {
	Engine  *engine.Engine
	Devices *auth.Service
	Broker  queue.Broker
	Face    *faceclient.Client
	Metrics *metrics.Metrics
	// Checks feed /healthz.
	Checks map[string]func(ctx context.Context) bool

	db    *store.DB
	redis *store.Redis
	log   *logrus.Logger
}

// Build connects the stores and constructs the services.
func Build(cfg config.App, log *logrus.Logger, reg prometheus.Registerer) (*App, error) {
	a := &App{log: log, Checks: make(map[string]func(ctx context.Context) bool)}

	var repo Repository
	if cfg.DBDriver == "memory" {
		log.Warn("using in-memory store; data is lost on exit")
		repo = memstore.New()
		a.Checks["db"] = func(context.Context) bool { return true }
	} else {
		db, err := store.NewDB(cfg.DBDriver, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		a.db = db
		repo = db
		a.Checks["db"] = db.Healthy
	}

	needRedis := cfg.QueueBackend == "redis"
	if cfg.RedisAddr != "" {
		rdb, err := store.NewRedis(cfg.RedisAddr)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = rdb
		addr := rdb.Client.Options().Addr
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		ok := a.redis.Healthy(ctx)
		cancel()
		switch {
		case ok:
			a.Checks["redis"] = a.redis.Healthy
		case needRedis:
			log.WithField("addr", addr).Warn("redis not reachable yet; queue consumers will retry")
			a.Checks["redis"] = a.redis.Healthy
		default:
			log.WithField("addr", addr).Warn("redis not reachable; using in-process cache")
			_ = a.redis.Close()
			a.redis = nil
		}
	} else if needRedis {
		a.Close()
		return nil, fmt.Errorf("QUEUE_BACKEND=redis requires REDIS_ADDR")
	}

	var cache enrollment.KnownSetCache = enrollment.NewMemoryCache(cfg.Match.KnownSetTTL)
	if a.redis != nil {
		cache = enrollment.NewRedisCache(a.redis.Client, cfg.Match.KnownSetTTL, log)
	}
	if needRedis {
		a.Broker = queue.NewRedisBroker(a.redis.Client, frameQueueLen, frameQueueTTL)
	} else {
		a.Broker = queue.NewMemoryBroker(frameQueueLen)
	}

	ev, err := evidence.New(cfg.Evidence, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Metrics = metrics.New(reg)
	a.Face = faceclient.New(faceclient.Config{
		BaseURL: cfg.Face.ServiceURL,
		Model:   cfg.Face.Model,
		Timeout: cfg.Face.Timeout,
		Skip:    cfg.Face.Skip,
		Dim:     cfg.Match.EmbeddingDim,
	}, log)
	if !cfg.Face.Skip {
		a.Checks["face"] = func(ctx context.Context) bool { return a.Face.Health(ctx) == nil }
	}

	sessions := attendance.NewService(repo, log, a.Metrics, time.Now)
	enroll := enrollment.NewService(repo, a.Face, log, enrollment.Options{
		Evidence: ev,
		Cache:    cache,
		Metrics:  a.Metrics,
	})
	a.Engine = engine.New(engine.Config{
		Sessions:  sessions,
		Enroll:    enroll,
		Extractor: a.Face,
		Matcher:   matcher.New(matcher.Config{Threshold: cfg.Match.Threshold}),
		Evidence:  ev,
		Metrics:   a.Metrics,
		Log:       log,
	})
	a.Devices = auth.NewService(repo, auth.NewSigner(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.AccessTTL, cfg.RefreshTTL), log)
	return a, nil
}

// Close releases the connections.
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithField("error", err.Error()).Warn("redis close failed")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithField("error", err.Error()).Warn("db close failed")
		}
	}
}
