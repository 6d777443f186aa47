package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewParsesLevel(t *testing.T) {
	if got := New(Options{Level: "debug", Env: "test"}).GetLevel(); got != logrus.DebugLevel {
		t.Fatalf("expected debug, got %s", got)
	}
	if got := New(Options{Level: "loud", Env: "test"}).GetLevel(); got != logrus.InfoLevel {
		t.Fatalf("expected info fallback, got %s", got)
	}
}

func TestNewWritesRotatingFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "app.log")
	log := New(Options{Level: "info", File: file, Env: "dev"})
	log.WithField("session_id", "s1").Info("hello")

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello") || !strings.Contains(string(data), "s1") {
		t.Fatalf("unexpected log contents %q", data)
	}

	testFile := filepath.Join(t.TempDir(), "skipped.log")
	New(Options{File: testFile, Env: "test"}).Info("quiet")
	if _, err := os.Stat(testFile); !os.IsNotExist(err) {
		t.Fatalf("expected no file in test env, got %v", err)
	}
}
