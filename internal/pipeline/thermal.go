package pipeline

import (
	"context"
	"log/slog"
	"sort"

	"github.com/fairyhunter13/wildlife-processing/internal/adapter/observability"
	"github.com/fairyhunter13/wildlife-processing/internal/domain"
	"github.com/fairyhunter13/wildlife-processing/internal/tagging"
)

func (e *Env) isWallabyDevice(deviceID int64) bool {
	for _, id := range e.Conf.Thermal.WallabyDevices {
		if id == deviceID {
			return true
		}
	}
	return false
}

func (e *Env) thresholds() tagging.Thresholds {
	t := e.Conf.Thermal.Tagging
	return tagging.Thresholds{
		MinConfidence:    t.MinConfidence,
		MinTagConfidence: t.MinTagConfidence,
		MinTagClarity:    t.MinTagClarity,
		MaxTagNovelty:    t.MaxTagNovelty,
		IgnoreTags:       t.IgnoreTags,
	}
}

func (e *Env) cacheClip(duration float64) bool {
	return e.Conf.Thermal.CacheClipsBiggerThan > 0 && duration > e.Conf.Thermal.CacheClipsBiggerThan
}

// TrackingJob runs the tracker over a thermal or IR recording. In retrack
// mode the existing track set is handed to the tracker and reconciled
// afterwards: emptied tracks are archived, the rest updated in place.
func (e *Env) TrackingJob(ctx context.Context, job *domain.Job) error {
	rec := job.Recording
	logger := observability.WorkerLogger(e.Logger, "tracking", rec.ID)
	api, err := e.NewAPI(ctx, logger)
	if err != nil {
		return err
	}
	retrack := rec.ProcessingState == domain.StateRetrack

	dir, cleanup, err := e.tempDir()
	if err != nil {
		return err
	}
	defer cleanup()

	ext := ".cptv"
	if rec.Type == domain.TypeIR {
		ext = ".mp4"
	}
	logger.Debug("downloading recording")
	filename, err := e.download(ctx, api, job, dir, ext)
	if err != nil {
		return err
	}
	if retrack {
		if _, err := fetchExistingTracks(ctx, api, rec); err != nil {
			return err
		}
		if err := writeSidecar(rec, sidecarPath(filename)); err != nil {
			return err
		}
	}

	command := expandCommand(e.Conf.Thermal.TrackCmd, map[string]string{
		"source":         filename,
		"cache":          formatBool(e.cacheClip(rec.Duration)),
		"retrack":        formatBool(retrack),
		"classify_image": e.Conf.Thermal.ClassifyImage,
		"temp_dir":       dir,
	})
	logger.Info("tracking recording", slog.String("file", filename))
	var result domain.ClassifyResult
	if err := e.Runner.Run(ctx, command, sidecarPath(filename), &result); err != nil {
		return err
	}

	algorithmID, err := api.GetAlgorithmID(ctx, result.Algorithm)
	if err != nil {
		return err
	}
	for _, track := range result.Tracks {
		if retrack {
			if len(track.Positions) == 0 {
				if err := api.ArchiveTrack(ctx, rec, track.ID); err != nil {
					return err
				}
				continue
			}
			if err := api.UpdateTrack(ctx, rec, track); err != nil {
				return err
			}
			continue
		}
		id, err := api.AddTrack(ctx, rec, track, algorithmID)
		if err != nil {
			return err
		}
		track.ID = id
	}

	additional := map[string]any{"algorithm": algorithmID, "tracks": len(result.Tracks)}
	if result.TrackingTime != nil {
		additional["tracking_time"] = *result.TrackingTime
	}
	if result.ThumbnailRegion != nil {
		additional["thumbnail_region"] = result.ThumbnailRegion
	}
	if err := api.ReportDone(ctx, rec, job.JobKey, "", "", map[string]any{"additionalMetadata": additional}); err != nil {
		return err
	}
	logger.Info("finished tracking")
	return nil
}

// ClassifyJob classifies the pre-existing tracks of a thermal or IR
// recording: every model prediction is posted as a track tag, one master tag
// is elected per track, and the whole-recording conditions (multiple
// animals, all tracks filtered, tracks limited) are applied.
func (e *Env) ClassifyJob(ctx context.Context, job *domain.Job) error {
	rec := job.Recording
	logger := observability.WorkerLogger(e.Logger, "classify", rec.ID)
	api, err := e.NewAPI(ctx, logger)
	if err != nil {
		return err
	}

	dir, cleanup, err := e.tempDir()
	if err != nil {
		return err
	}
	defer cleanup()

	ext := ".cptv"
	if rec.Type == domain.TypeIR {
		ext = ".mp4"
	}
	logger.Debug("downloading recording")
	filename, err := e.download(ctx, api, job, dir, ext)
	if err != nil {
		return err
	}
	if _, err := fetchExistingTracks(ctx, api, rec); err != nil {
		return err
	}
	if err := writeSidecar(rec, sidecarPath(filename)); err != nil {
		return err
	}

	command := expandCommand(e.Conf.Thermal.ClassifyCmd, map[string]string{
		"source":         filename,
		"cache":          formatBool(e.cacheClip(rec.Duration)),
		"classify_image": e.Conf.Thermal.ClassifyImage,
		"temp_dir":       dir,
	})
	logger.Info("classifying recording", slog.String("file", filename))
	var result domain.ClassifyResult
	if err := e.Runner.Run(ctx, command, sidecarPath(filename), &result); err != nil {
		return err
	}

	th := e.thresholds()
	tagging.GradeTracks(result.Tracks, th)

	wallaby := e.isWallabyDevice(rec.DeviceID)
	ratThresh, err := api.GetRatThreshold(ctx, rec.DeviceID, rec.RecordingDateTime)
	if err != nil {
		return err
	}

	modelsByID := result.ModelsByID()
	for _, track := range result.Tracks {
		if err := e.tagTrack(ctx, api, rec, track, modelsByID, wallaby, ratThresh, th, logger); err != nil {
			return err
		}
	}

	remaining := result.Tracks
	if e.Conf.Thermal.FilterFalsePositive {
		remaining, err = e.filterFalsePositives(ctx, api, rec, result.Tracks, logger)
		if err != nil {
			return err
		}
	}
	remaining, err = e.capTracks(ctx, api, rec, remaining, logger)
	if err != nil {
		return err
	}

	multiple := tagging.MultipleAnimalConfidence(remaining)
	if multiple > th.MinConfidence {
		logger.Debug("multiple animals detected", slog.Float64("confidence", multiple))
		err := api.TagRecording(ctx, rec, domain.MultipleAnimals, map[string]any{
			"event":      domain.MultipleAnimals,
			"confidence": multiple,
		})
		if err != nil {
			return err
		}
	}

	additional := map[string]any{"tracks": len(remaining)}
	if result.ThumbnailRegion != nil {
		additional["thumbnail_region"] = result.ThumbnailRegion
	}
	if result.TrackingTime != nil {
		additional["tracking_time"] = *result.TrackingTime
	}
	modelInfo := map[string]any{}
	for _, model := range result.Models {
		if model.ClassifyTime != nil {
			modelInfo[model.Name] = map[string]any{"classify_time": *model.ClassifyTime}
		}
	}
	additional["models"] = modelInfo
	if err := api.ReportDone(ctx, rec, job.JobKey, "", "", map[string]any{"additionalMetadata": additional}); err != nil {
		return err
	}
	logger.Info("finished classifying")
	return nil
}

// tagTrack posts the per-model predictions and the elected master tag for
// one track, resolving rodent calls against the device grid.
func (e *Env) tagTrack(ctx context.Context, api domain.API, rec *domain.Recording, track *domain.Track,
	modelsByID map[int64]*domain.ModelConfig, wallaby bool, ratThresh *domain.RatThreshold,
	th tagging.Thresholds, logger *slog.Logger) error {

	var posted []*domain.Prediction
	for _, pred := range track.Predictions {
		if pred.Tag == "" {
			continue
		}
		model, ok := modelsByID[pred.ModelID]
		if !ok {
			logger.Warn("prediction references unknown model", slog.Int64("model_id", pred.ModelID))
			continue
		}
		logger.Debug("adding track tag",
			slog.String("model", model.Name), slog.String("tag", pred.Tag), slog.Int64("track_id", track.ID))
		if _, err := api.AddTrackTag(ctx, rec, track.ID, pred, trackTagData(pred, model.Name, "")); err != nil {
			return err
		}
		posted = append(posted, pred)
	}

	masterModel, master := tagging.MasterTag(posted, modelsByID, wallaby)
	if master == nil {
		master = tagging.DefaultMaster()
	}
	if ratThresh != nil && master.Tag == tagging.TagRodent {
		master.Tag = tagging.SplitRodent(track, ratThresh)
		master.RatThreshVersion = ratThresh.Version
	}
	modelUsed := ""
	if masterModel != nil {
		modelUsed = masterModel.Name
	}
	if _, err := api.AddTrackTag(ctx, rec, track.ID, master,
		trackTagData(master, e.Conf.Thermal.MasterTag, modelUsed)); err != nil {
		return err
	}
	track.Master = master
	return nil
}

// shouldFilterTrack applies the false-positive archive rule: the master tag
// is a confident false positive, or the master is unidentified while some
// model called false positive at the required confidence.
func shouldFilterTrack(t *domain.Track, minConfidence float64) bool {
	if t.Master == nil {
		return false
	}
	if t.Master.Tag == domain.FalsePositive && t.Master.Confidence >= minConfidence {
		return true
	}
	if t.Master.Tag != domain.Unidentified {
		return false
	}
	for _, p := range t.Predictions {
		if (p.Tag == domain.FalsePositive || p.Label == domain.FalsePositive) && p.Confidence >= minConfidence {
			return true
		}
	}
	return false
}

func (e *Env) filterFalsePositives(ctx context.Context, api domain.API, rec *domain.Recording,
	tracks []*domain.Track, logger *slog.Logger) ([]*domain.Track, error) {

	minConfidence := e.Conf.Thermal.FalsePositiveMinConfidence
	var remaining, archived []*domain.Track
	for _, t := range tracks {
		if shouldFilterTrack(t, minConfidence) {
			archived = append(archived, t)
			continue
		}
		remaining = append(remaining, t)
	}
	for _, t := range archived {
		logger.Debug("archiving false-positive track", slog.Int64("track_id", t.ID))
		if err := api.ArchiveTrack(ctx, rec, t.ID); err != nil {
			return nil, err
		}
	}
	if len(remaining) == 0 && len(archived) > 0 {
		confidence := 0.0
		for _, t := range archived {
			if t.Master.Confidence > confidence {
				confidence = t.Master.Confidence
			}
		}
		err := api.TagRecording(ctx, rec, domain.AllTracksFiltered, map[string]any{
			"event":      domain.AllTracksFiltered,
			"confidence": confidence,
		})
		if err != nil {
			return nil, err
		}
	}
	return remaining, nil
}

// capTracks archives the lowest-value tracks when the survivor count
// exceeds max_tracks. Confident false positives sort last; ties go to the
// lower tracking score.
func (e *Env) capTracks(ctx context.Context, api domain.API, rec *domain.Recording,
	tracks []*domain.Track, logger *slog.Logger) ([]*domain.Track, error) {

	maxTracks := e.Conf.Thermal.MaxTracks
	if maxTracks <= 0 || len(tracks) <= maxTracks {
		return tracks, nil
	}
	ordered := make([]*domain.Track, len(tracks))
	copy(ordered, tracks)
	penalty := func(t *domain.Track) float64 {
		if t.Master != nil && t.Master.Tag == domain.FalsePositive {
			return -t.Master.Confidence
		}
		return 0
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := penalty(ordered[i]), penalty(ordered[j])
		if pi != pj {
			return pi > pj
		}
		return ordered[i].TrackingScore > ordered[j].TrackingScore
	})
	dropped := ordered[maxTracks:]
	for _, t := range dropped {
		logger.Debug("archiving over-limit track", slog.Int64("track_id", t.ID))
		if err := api.ArchiveTrack(ctx, rec, t.ID); err != nil {
			return nil, err
		}
	}
	logger.Info("track limit applied",
		slog.Int("kept", maxTracks), slog.Int("archived", len(dropped)))
	err := api.TagRecording(ctx, rec, domain.TracksLimited, map[string]any{
		"event":      domain.TracksLimited,
		"confidence": defaultTagConfidence,
	})
	if err != nil {
		return nil, err
	}
	return ordered[:maxTracks], nil
}
