// Package pipeline implements the per-recording-type processing workflows:
// thermal/IR tracking and classification, audio analysis and conversion, and
// trailcam image detection. Each handler runs inside one worker, owns its
// temp directory, and talks to the service through its own session.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/fairyhunter13/wildlife-processing/internal/config"
	"github.com/fairyhunter13/wildlife-processing/internal/domain"
)

// defaultTagConfidence is used for recording-level tags that do not carry a
// model confidence of their own.
const defaultTagConfidence = 0.85

// Runner abstracts the subprocess execution so pipelines can be tested
// without spawning classifiers.
type Runner interface {
	// Run executes command and decodes the sidecar JSON into out.
	Run(ctx context.Context, command, sidecarPath string, out any) error
	// Exec executes command and returns stdout.
	Exec(ctx context.Context, command string) ([]byte, error)
}

// APIFactory opens a fresh authenticated session. Sessions are per worker;
// every job gets its own.
type APIFactory func(ctx context.Context, logger *slog.Logger) (domain.API, error)

// Env carries the handlers' shared dependencies.
type Env struct {
	Conf   *config.Config
	NewAPI APIFactory
	Runner Runner
	Logger *slog.Logger
}

// tempDir creates a scoped work directory under the configured temp root.
// The returned cleanup removes it unconditionally.
func (e *Env) tempDir() (string, func(), error) {
	dir := filepath.Join(e.Conf.TempDir, "processing-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("op=pipeline.tempDir: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// mimeExtensions maps raw MIME types the fleet is known to upload onto file
// extensions, ahead of the generic lookup.
var mimeExtensions = map[string]string{
	"audio/mp4":    ".m4a",
	"audio/mpeg":   ".mp3",
	"audio/mp3":    ".mp3",
	"video/3gpp":   ".3gpp",
	"audio/3gpp":   ".3gpp",
	"audio/wav":    ".wav",
	"audio/x-wav":  ".wav",
	"audio/x-flac": ".flac",
	"audio/flac":   ".flac",
}

// extensionForMIME resolves the download file extension for a raw MIME
// type. Unknown types surface domain.ErrUnsupportedMIME; the handlers then
// complete the job without touching the file.
func extensionForMIME(rawMime string) (string, error) {
	if rawMime == "" {
		return "", fmt.Errorf("op=pipeline.extensionForMIME: %w: empty type", domain.ErrUnsupportedMIME)
	}
	base := rawMime
	if i := strings.Index(base, ";"); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	if ext, ok := mimeExtensions[base]; ok {
		return ext, nil
	}
	if m := mimetype.Lookup(base); m != nil && m.Extension() != "" {
		return m.Extension(), nil
	}
	if exts, err := mime.ExtensionsByType(base); err == nil && len(exts) > 0 {
		return exts[0], nil
	}
	return "", fmt.Errorf("op=pipeline.extensionForMIME: %w: %s", domain.ErrUnsupportedMIME, rawMime)
}

// rawExtension picks the artifact extension for a recording: thermal clips
// are CPTV, IR clips are MP4, everything else goes by MIME type.
func rawExtension(rec *domain.Recording) (string, error) {
	switch rec.Type {
	case domain.TypeIR:
		return ".mp4", nil
	case domain.TypeThermal:
		return ".cptv", nil
	}
	return extensionForMIME(rec.RawMimeType)
}

// download fetches the raw artifact into dir and records the local path on
// the recording.
func (e *Env) download(ctx context.Context, api domain.API, job *domain.Job, dir, ext string) (string, error) {
	filename := filepath.Join(dir, "recording"+ext)
	if err := api.DownloadFile(ctx, job.RawJWT, filename); err != nil {
		return "", err
	}
	job.Recording.Filename = filename
	return filename, nil
}

// sidecarPath is the classifier exchange file: the input path with a .txt
// extension.
func sidecarPath(filename string) string {
	return strings.TrimSuffix(filename, filepath.Ext(filename)) + ".txt"
}

// writeSidecar serializes the recording (with any tracks attached) beside
// the artifact so the classifier can read it.
func writeSidecar(rec *domain.Recording, path string) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=pipeline.writeSidecar: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("op=pipeline.writeSidecar: %w", err)
	}
	return nil
}

// expandCommand substitutes {key} placeholders in a command template.
func expandCommand(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// fetchExistingTracks loads the service-side tracks and attaches them to
// the recording with the classifier's field names.
func fetchExistingTracks(ctx context.Context, api domain.API, rec *domain.Recording) ([]domain.TrackInfo, error) {
	infos, err := api.GetTrackInfo(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	tracks := make([]*domain.Track, 0, len(infos))
	for _, info := range infos {
		tracks = append(tracks, info.Track())
	}
	rec.Tracks = tracks
	return infos, nil
}

// trackTagData builds the free-form payload attached to one track tag.
func trackTagData(p *domain.Prediction, name, modelUsed string) map[string]any {
	data := map[string]any{
		"name":    name,
		"clarity": p.Clarity,
	}
	if modelUsed != "" {
		// Specifically for the master tag, records which model was chosen.
		data["model_used"] = modelUsed
	}
	if p.ClassifyTime != nil {
		data["classify_time"] = *p.ClassifyTime
	}
	if p.AllClassConfidences != nil {
		data["all_class_confidences"] = p.AllClassConfidences
	}
	if p.Predictions != nil {
		data["predictions"] = p.Predictions
	}
	if p.PredictionFrames != nil {
		data["prediction_frames"] = p.PredictionFrames
	}
	if p.Message != "" {
		data["message"] = p.Message
	}
	if p.Label != "" {
		data["raw_tag"] = p.Label
	}
	if p.RatThreshVersion != 0 {
		data["rat_thresh_version"] = p.RatThreshVersion
	}
	return data
}

func formatBool(v bool) string { return strconv.FormatBool(v) }

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
