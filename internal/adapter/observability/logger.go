// Package observability provides logging, metrics, tracing, and the poll
// circuit breaker.
package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/wildlife-processing/internal/config"
)

// SetupLogger builds the process-wide logger. The dispatcher and every
// worker goroutine share one handler writing to standard error, so job logs
// interleave with the poll loop in a single stream. Production gets JSON at
// info level for ingestion; anything else gets a readable text handler with
// debug enabled.
func SetupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler
	if cfg.IsProd() {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return slog.New(handler).With(slog.String("service", cfg.ServiceName))
}

// WorkerLogger derives a per-job logger carrying the pipeline name and
// recording id.
func WorkerLogger(base *slog.Logger, pipeline string, recordingID int64) *slog.Logger {
	return base.With(
		slog.String("pipeline", pipeline),
		slog.Int64("recording_id", recordingID),
	)
}
