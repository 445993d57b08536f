package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fairyhunter13/wildlife-processing/internal/adapter/observability"
	"github.com/fairyhunter13/wildlife-processing/internal/domain"
)

// audioNyquistHz is the upper frequency bound used to normalize audio track
// rectangles. The fleet records at 48 kHz.
const audioNyquistHz = 24000.0

const mp3BitRate = "128k"

// audioResult wraps the audio extension of the classifier output.
type audioResult struct {
	AnalysisResult domain.AudioAnalysis `json:"analysis_result"`
}

// AudioAnalysisJob runs the audio analyser over a recording and creates one
// track per identified segment, with the segment's position normalized into
// time/frequency space.
func (e *Env) AudioAnalysisJob(ctx context.Context, job *domain.Job) error {
	rec := job.Recording
	logger := observability.WorkerLogger(e.Logger, "audio.analysis", rec.ID)
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

	logger.Debug("downloading recording")
	filename, err := e.download(ctx, api, job, dir, ext)
	if err != nil {
		return err
	}

	var out audioResult
	if err := e.runAudioAnalysis(ctx, filename, false, &out); err != nil {
		return err
	}
	analysis := out.AnalysisResult

	algorithmID, err := api.GetAlgorithmID(ctx, map[string]any{"algorithm": e.Conf.Audio.AnalysisTag})
	if err != nil {
		return err
	}

	for _, segment := range analysis.SpeciesIdentify {
		track := audioTrack(segment, rec.Duration)
		id, err := api.AddTrack(ctx, rec, track, algorithmID)
		if err != nil {
			return err
		}
		track.ID = id
		if err := e.tagAudioTrack(ctx, api, rec, id, segment, logger); err != nil {
			return err
		}
	}

	metadata := map[string]any{"additionalMetadata": audioMetadata(analysis, e.Conf.Audio.AnalysisTag)}
	if err := api.ReportDone(ctx, rec, job.JobKey, "", "", metadata); err != nil {
		return err
	}
	logger.Info("finished audio analysis", slog.Int("segments", len(analysis.SpeciesIdentify)))
	return nil
}

// AudioTrackAnalysisJob re-analyses a finished recording's existing tracks,
// tagging only those that carry no automatic tag yet.
func (e *Env) AudioTrackAnalysisJob(ctx context.Context, job *domain.Job) error {
	rec := job.Recording
	logger := observability.WorkerLogger(e.Logger, "audio.track-analysis", rec.ID)
	api, err := e.NewAPI(ctx, logger)
	if err != nil {
		return err
	}

	infos, err := api.GetTrackInfo(ctx, rec.ID)
	if err != nil {
		return err
	}
	var untagged []*domain.Track
	for _, info := range infos {
		if !info.HasAutomaticTag() {
			untagged = append(untagged, info.Track())
		}
	}
	if len(untagged) == 0 {
		logger.Debug("no untagged tracks")
		return api.ReportDone(ctx, rec, job.JobKey, "", "", nil)
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

	filename, err := e.download(ctx, api, job, dir, ext)
	if err != nil {
		return err
	}
	rec.Tracks = untagged
	if err := writeSidecar(rec, sidecarPath(filename)); err != nil {
		return err
	}

	var out audioResult
	if err := e.runAudioAnalysis(ctx, filename, true, &out); err != nil {
		return err
	}

	wanted := make(map[int64]bool, len(untagged))
	for _, t := range untagged {
		wanted[t.ID] = true
	}
	tagged := 0
	for _, segment := range out.AnalysisResult.SpeciesIdentify {
		if !wanted[segment.TrackID] {
			continue
		}
		if err := e.tagAudioTrack(ctx, api, rec, segment.TrackID, segment, logger); err != nil {
			return err
		}
		tagged++
	}
	if err := api.ReportDone(ctx, rec, job.JobKey, "", "", nil); err != nil {
		return err
	}
	logger.Info("finished audio track analysis", slog.Int("tagged", tagged))
	return nil
}

// AudioConvertJob re-encodes the raw audio to MP3 and swaps the processed
// file key.
func (e *Env) AudioConvertJob(ctx context.Context, job *domain.Job) error {
	rec := job.Recording
	logger := observability.WorkerLogger(e.Logger, "audio.convert", rec.ID)
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

	logger.Debug("downloading recording")
	filename, err := e.download(ctx, api, job, dir, ext)
	if err != nil {
		return err
	}

	outFile := strings.TrimSuffix(filename, filepath.Ext(filename)) + ".mp3"
	command := fmt.Sprintf("ffmpeg -loglevel warning -i %s -b:a %s %s", filename, mp3BitRate, outFile)
	logger.Info("encoding to mp3")
	if _, err := e.Runner.Exec(ctx, command); err != nil {
		return err
	}

	newKey, err := api.UploadFile(ctx, outFile)
	if err != nil {
		return err
	}
	if err := api.ReportDone(ctx, rec, job.JobKey, newKey, "audio/mp3", nil); err != nil {
		return err
	}
	logger.Info("finished audio conversion")
	return nil
}

// passUnsupported completes a job whose MIME type the worker cannot handle,
// leaving the raw file in place.
func (e *Env) passUnsupported(ctx context.Context, api domain.API, job *domain.Job, logger *slog.Logger) error {
	logger.Error("unsupported mime type, passing through",
		slog.String("mime", job.Recording.RawMimeType))
	return api.ReportDone(ctx, job.Recording, job.JobKey, job.Recording.RawFileKey, job.Recording.RawMimeType, nil)
}

func (e *Env) runAudioAnalysis(ctx context.Context, filename string, analyseTracks bool, out *audioResult) error {
	command := expandCommand(e.Conf.Audio.AnalysisCommand, map[string]string{
		"folder":         filepath.Dir(filename),
		"basename":       filepath.Base(filename),
		"tag":            e.Conf.Audio.AnalysisTag,
		"analyse_tracks": formatBool(analyseTracks),
	})
	return e.Runner.Run(ctx, command, sidecarPath(filename), out)
}

// audioTrack builds the track for one identified segment. The position is
// the segment's rectangle normalized into [0,1] time/frequency space,
// rounded to two decimals.
func audioTrack(segment domain.SpeciesTrack, duration float64) *domain.Track {
	pos := domain.Position{}
	if duration > 0 {
		pos.X = round2(segment.BeginS / duration)
		pos.Width = round2((segment.EndS - segment.BeginS) / duration)
	}
	if segment.FreqStart != nil {
		pos.Y = round2(*segment.FreqStart / audioNyquistHz)
	}
	if segment.FreqStart != nil && segment.FreqEnd != nil {
		pos.Height = round2((*segment.FreqEnd - *segment.FreqStart) / audioNyquistHz)
	}
	return &domain.Track{
		StartS:    segment.BeginS,
		EndS:      segment.EndS,
		Positions: []domain.Position{pos},
		Scale:     "linear",
		MinFreq:   segment.FreqStart,
		MaxFreq:   segment.FreqEnd,
	}
}

// tagAudioTrack posts each model's best call for the segment and elects the
// most confident one as the master tag.
func (e *Env) tagAudioTrack(ctx context.Context, api domain.API, rec *domain.Recording,
	trackID int64, segment domain.SpeciesTrack, logger *slog.Logger) error {

	var best *domain.Prediction
	bestModel := ""
	for _, sp := range segment.Predictions {
		pred := speciesPrediction(sp)
		if pred == nil {
			continue
		}
		model := sp.Model
		if model == "" {
			model = segment.Model
		}
		logger.Debug("adding audio track tag",
			slog.String("model", model), slog.String("tag", pred.Tag), slog.Int64("track_id", trackID))
		if _, err := api.AddTrackTag(ctx, rec, trackID, pred, trackTagData(pred, model, "")); err != nil {
			return err
		}
		if best == nil || pred.Confidence > best.Confidence {
			best = pred
			bestModel = model
		}
	}
	if best == nil {
		return nil
	}
	master := *best
	master.Message = ""
	if _, err := api.AddTrackTag(ctx, rec, trackID, &master,
		trackTagData(&master, e.Conf.Thermal.MasterTag, bestModel)); err != nil {
		return err
	}
	return nil
}

// speciesPrediction reduces one species/likelihood vector to a prediction:
// the most likely species wins.
func speciesPrediction(sp domain.SpeciesPrediction) *domain.Prediction {
	if len(sp.Species) == 0 || len(sp.Likelihood) == 0 {
		return nil
	}
	idx := 0
	for i := 1; i < len(sp.Likelihood) && i < len(sp.Species); i++ {
		if sp.Likelihood[i] > sp.Likelihood[idx] {
			idx = i
		}
	}
	pred := &domain.Prediction{
		Tag:        sp.Species[idx],
		Confidence: sp.Likelihood[idx],
		Label:      sp.RawTag,
	}
	return pred
}

// audioMetadata surfaces the recording-level analysis outputs.
func audioMetadata(analysis domain.AudioAnalysis, analysisTag string) map[string]any {
	additional := map[string]any{"analysis_tag": analysisTag}
	if analysis.CacophonyIndex != nil {
		additional["cacophony_index"] = analysis.CacophonyIndex
	}
	if analysis.CacophonyIndexVersion != "" {
		additional["cacophony_index_version"] = analysis.CacophonyIndexVersion
	}
	if analysis.Chirps != nil {
		additional["chirps"] = analysis.Chirps
	}
	if analysis.RegionCode != "" {
		additional["region_code"] = analysis.RegionCode
	}
	if analysis.SpeciesIdentifyVersion != "" {
		additional["species_identify_version"] = analysis.SpeciesIdentifyVersion
	}
	return additional
}
