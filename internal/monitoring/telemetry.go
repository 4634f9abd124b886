// Package monitoring - telemetry.go records comparison events to a JSONL file.
//
// DESIGN: Tracker writes one ComparisonEvent per line. It implements the
// discrepancy sink contract (Persist), so the proxy pipeline can feed it
// alongside the queryable store. Events are appended immediately.
package monitoring

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kristinkand/nocturne-sub010/internal/models"
)

// Tracker handles telemetry event recording to file and stdout.
type Tracker struct {
	config  TelemetryConfig
	logPath string
	count   int
	mu      sync.Mutex
}

// NewTracker creates a new telemetry tracker.
func NewTracker(cfg TelemetryConfig) (*Tracker, error) {
	t := &Tracker{config: cfg}

	if !cfg.Enabled || cfg.LogPath == "" {
		return t, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0750); err != nil {
		return nil, err
	}
	t.logPath = cfg.LogPath
	if _, err := os.Stat(cfg.LogPath); os.IsNotExist(err) {
		if f, err := os.Create(cfg.LogPath); err == nil {
			f.Close()
		}
	}

	return t, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// Enabled reports whether events are recorded.
func (t *Tracker) Enabled() bool {
	return t.config.Enabled && t.logPath != ""
}

// Persist records a comparison result.
func (t *Tracker) Persist(_ context.Context, result *models.ComparisonResult) error {
	if !t.Enabled() || result == nil {
		return nil
	}

	event := NewComparisonEvent(result)
	if !t.config.Verbose {
		event.Details = nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.LogToStdout {
		log.Info().
			Str("correlation_id", event.CorrelationID).
			Str("match", string(event.OverallMatch)).
			Int("discrepancies", event.Discrepancies).
			Msg("telemetry")
	}

	if err := appendJSONL(t.logPath, event); err != nil {
		return err
	}
	t.count++
	return nil
}

// Close logs a session summary.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.logPath != "" && t.count > 0 {
		log.Info().
			Str("path", t.logPath).
			Int("events", t.count).
			Msg("telemetry: session complete")
	}
	return nil
}
