package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"aedzpay/internal/bridge"
)

// DLQ writes failed bridge intents to a directory, one JSON file each, so an
// operator can inspect or replay them. An empty path disables it.
type DLQ struct {
	path    string
	metrics *Metrics
	logger  *slog.Logger
}

type dlqEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	Intent    bridge.Intent `json:"intent"`
	Error     string        `json:"error"`
}

func NewDLQ(path string, metrics *Metrics, logger *slog.Logger) *DLQ {
	if logger == nil {
		logger = slog.Default()
	}
	return &DLQ{path: path, metrics: metrics, logger: logger.With("component", "dlq")}
}

// Write records a failed intent. It is a no-op for nil errors.
func (d *DLQ) Write(in bridge.Intent, execErr error) {
	if d == nil || d.path == "" || execErr == nil {
		return
	}

	data, err := json.MarshalIndent(dlqEntry{
		Timestamp: time.Now().UTC(),
		Intent:    in,
		Error:     execErr.Error(),
	}, "", "  ")
	if err != nil {
		d.logger.Error("dlq marshal failed", "intent", in.ID, "err", err)
		return
	}
	if err := os.MkdirAll(d.path, 0o755); err != nil {
		d.logger.Error("dlq mkdir failed", "path", d.path, "err", err)
		return
	}

	filename := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), in.ID)
	if err := os.WriteFile(filepath.Join(d.path, filename), data, 0o600); err != nil {
		d.logger.Error("dlq write failed", "intent", in.ID, "err", err)
		return
	}
	d.logger.Warn("bridge intent moved to dlq", "intent", in.ID, "request_id", in.RequestID)
	d.Depth()
}

// Depth counts DLQ files and updates the gauge.
func (d *DLQ) Depth() int {
	if d == nil || d.path == "" {
		return 0
	}
	entries, err := os.ReadDir(d.path)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Error("dlq read failed", "path", d.path, "err", err)
		}
		return 0
	}
	depth := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			depth++
		}
	}
	if d.metrics != nil {
		d.metrics.SetDLQDepth(depth)
	}
	return depth
}
