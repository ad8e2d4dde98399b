package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "debug", Format: "json", Stdout: &buf})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.WithField("deal_id", 100).Debug("deal seen")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json line, got %q: %v", buf.String(), err)
	}
	if line["message"] != "deal seen" {
		t.Fatalf("expected message field, got %v", line)
	}
	if line["deal_id"] != float64(100) {
		t.Fatalf("expected deal_id field, got %v", line["deal_id"])
	}
}

func TestNewRejectsBadLevelAndFormat(t *testing.T) {
	if _, _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatalf("expected bad level to fail")
	}
	if _, _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatalf("expected bad format to fail")
	}
}

func TestNewWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parcelbot.log")
	var buf bytes.Buffer
	logger, closer, err := New(Options{File: path, Stdout: &buf})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level by default, got %s", logger.GetLevel())
	}
	logger.Info("hello file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello file") || !strings.Contains(buf.String(), "hello file") {
		t.Fatalf("expected line in file and stdout, got file=%q stdout=%q", data, buf.String())
	}
}
