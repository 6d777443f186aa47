package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"faceattend/internal/app"
	"faceattend/internal/apperr"
	"faceattend/internal/config"
	"faceattend/internal/logging"
	"faceattend/internal/queue"
)

// Worker consumes queued check-ins and runs single-frame recognition.
func main() {
	cfg := config.Load()
	log := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, Env: cfg.Env})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.QueueBackend == "memory" {
		log.Warn("QUEUE_BACKEND=memory: the worker only sees check-ins published in this process")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(cfg, log, prometheus.NewRegistry())
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer a.Close()

	// Check face service health on startup
	if !cfg.Face.Skip {
		if err := a.Face.Health(ctx); err != nil {
			log.WithField("error", err.Error()).Warn("face service not available; check-ins will fail until it is")
		} else {
			log.Info("face service connected")
		}
	}

	messages, err := a.Broker.Queue(queue.UploadsKey).Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Info("worker started, waiting for check-ins")
	for msg := range messages {
		if msg.Type != queue.TypeCheckin {
			continue
		}
		process(ctx, a, log, msg)
	}
	log.Info("worker stopped")
}

func process(ctx context.Context, a *app.App, log *logrus.Logger, msg queue.Message) {
	in, err := queue.DecodeCheckin(msg)
	if err != nil {
		log.WithField("error", err.Error()).Warn("dropping malformed check-in")
		return
	}
	entry := log.WithFields(logrus.Fields{"checkin_id": in.ID, "session_id": in.SessionID, "device_id": in.DeviceID})

	rctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	res, err := a.Engine.RecognizeFrame(rctx, in.SessionID, in.Image)
	if err != nil {
		entry.WithFields(logrus.Fields{"kind": apperr.KindOf(err).String(), "error": err.Error()}).Warn("check-in failed")
		return
	}
	if !res.Matched {
		entry.WithFields(logrus.Fields{"faces": res.FacesDetected, "reason": res.Message}).Info("check-in not matched")
		return
	}
	entry.WithFields(logrus.Fields{
		"student_id": res.Student.Key,
		"confidence": res.Confidence,
		"queued_for": time.Since(in.QueuedAt).String(),
	}).Info("check-in recorded")
}
