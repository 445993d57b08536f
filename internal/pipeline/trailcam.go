package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fairyhunter13/wildlife-processing/internal/adapter/observability"
	"github.com/fairyhunter13/wildlife-processing/internal/domain"
)

// trailResult is the detector's sidecar output.
type trailResult struct {
	Images []struct {
		Detections []trailDetection `json:"detections"`
	} `json:"images"`
	DetectionCategories map[string]string `json:"detection_categories"`
	Info                struct {
		DetectorMetadata json.RawMessage `json:"detector_metadata"`
	} `json:"info"`
}

type trailDetection struct {
	// BBox is [left, top, width, height] with a top-left origin, all
	// normalized to [0,1].
	BBox     []float64 `json:"bbox"`
	Category string    `json:"category"`
	Conf     float64   `json:"conf"`
}

// TrailcamJob runs the image detector over a trailcam photo and posts one
// single-position track per detection.
func (e *Env) TrailcamJob(ctx context.Context, job *domain.Job) error {
	rec := job.Recording
	logger := observability.WorkerLogger(e.Logger, "trail.analysis", rec.ID)
	api, err := e.NewAPI(ctx, logger)
	if err != nil {
		return err
	}

	ext, err := extensionForMIME(rec.RawMimeType)
	if errors.Is(err, domain.ErrUnsupportedMIME) {
		return e.passUnsupported(ctx, api, job, logger)
	}
	if err != nil {
		return err
	}

	dir, cleanup, err := e.tempDir()
	if err != nil {
		return err
	}
	defer cleanup()

	filename := filepath.Join(dir, fmt.Sprintf("recording-%d%s", rec.ID, ext))
	logger.Debug("downloading trail image", slog.String("file", filename))
	if err := api.DownloadFile(ctx, job.RawJWT, filename); err != nil {
		return err
	}
	rec.Filename = filename

	outfile := strings.TrimSuffix(filename, filepath.Ext(filename)) + ".json"
	command := expandCommand(e.Conf.Trailcam.RunCmd, map[string]string{
		"folder":   dir,
		"basename": filepath.Base(filename),
		"outfile":  filepath.Base(outfile),
	})
	logger.Info("running detector", slog.String("command", command))
	var result trailResult
	if err := e.Runner.Run(ctx, command, outfile, &result); err != nil {
		return err
	}

	algorithmID, err := api.GetAlgorithmID(ctx, map[string]any{"algorithm": result.Info.DetectorMetadata})
	if err != nil {
		return err
	}

	var detections []trailDetection
	if len(result.Images) > 0 {
		detections = result.Images[0].Detections
	}
	for _, det := range detections {
		if len(det.BBox) < 4 {
			logger.Warn("detection with malformed bbox skipped")
			continue
		}
		// The detector uses a top-left origin; tracks use bottom-left.
		top, height := det.BBox[1], det.BBox[3]
		track := &domain.Track{
			Positions: []domain.Position{{
				X:      det.BBox[0],
				Y:      1 - (top + height),
				Width:  det.BBox[2],
				Height: height,
			}},
		}
		id, err := api.AddTrack(ctx, rec, track, algorithmID)
		if err != nil {
			return err
		}
		pred := &domain.Prediction{
			Tag:        result.DetectionCategories[det.Category],
			Confidence: det.Conf,
		}
		if _, err := api.AddTrackTag(ctx, rec, id, pred,
			map[string]any{"name": e.Conf.Thermal.MasterTag}); err != nil {
			return err
		}
	}

	if err := api.ReportDone(ctx, rec, job.JobKey, "", "", nil); err != nil {
		return err
	}
	logger.Info("finished trail analysis", slog.Int("detections", len(detections)))
	return nil
}
