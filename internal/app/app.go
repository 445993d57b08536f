// Package app assembles the processing fleet from configuration.
package app

import (
	"context"
	"log/slog"

	"github.com/fairyhunter13/wildlife-processing/internal/adapter/cacophony"
	"github.com/fairyhunter13/wildlife-processing/internal/adapter/subproc"
	"github.com/fairyhunter13/wildlife-processing/internal/config"
	"github.com/fairyhunter13/wildlife-processing/internal/dispatch"
	"github.com/fairyhunter13/wildlife-processing/internal/domain"
	"github.com/fairyhunter13/wildlife-processing/internal/pipeline"
)

// BuildDispatcher wires the processors listed in the configuration. One
// polling session is shared by the processors; every worker job opens its
// own session via the pipeline's API factory.
func BuildDispatcher(ctx context.Context, conf *config.Config, logger *slog.Logger) (*dispatch.Dispatcher, error) {
	pollAPI, err := cacophony.New(ctx, conf.APIURL, conf.APIUser, conf.APIPassword, logger)
	if err != nil {
		return nil, err
	}

	env := &pipeline.Env{
		Conf: conf,
		NewAPI: func(ctx context.Context, jobLogger *slog.Logger) (domain.API, error) {
			return cacophony.New(ctx, conf.APIURL, conf.APIUser, conf.APIPassword, jobLogger)
		},
		Runner: subproc.New(conf.SubprocessTimeout(), logger),
		Logger: logger,
	}

	var processors []*dispatch.Processor
	add := func(recordingType string, states []string, handler dispatch.Handler, workers int) *dispatch.Processor {
		if workers < 1 {
			return nil
		}
		p := dispatch.NewProcessor(recordingType, states, handler, workers,
			conf.NoJobSleep(), pollAPI, logger)
		processors = append(processors, p)
		return p
	}

	add(domain.TypeAudio, []string{domain.StateFinished},
		env.AudioTrackAnalysisJob, conf.Audio.AnalysisWorkers)
	add(domain.TypeAudio, []string{domain.StateAnalyse, domain.StateReprocess},
		env.AudioAnalysisJob, conf.Audio.AnalysisWorkers)
	add(domain.TypeAudio, []string{domain.StateToMP3},
		env.AudioConvertJob, conf.Audio.ConvertWorkers)

	add(domain.TypeIR, []string{domain.StateTracking, domain.StateRetrack},
		env.TrackingJob, conf.IR.TrackingWorkers)
	add(domain.TypeIR, []string{domain.StateAnalyse, domain.StateReprocess},
		env.ClassifyJob, conf.IR.AnalyseWorkers)

	trackingStates := []string{domain.StateTracking}
	if conf.Thermal.DoRetrack {
		trackingStates = append(trackingStates, domain.StateRetrack)
	}
	thermalTracking := add(domain.TypeThermal, trackingStates,
		env.TrackingJob, conf.Thermal.TrackingWorkers)
	thermalClassify := add(domain.TypeThermal, []string{domain.StateAnalyse, domain.StateReprocess},
		env.ClassifyJob, conf.Thermal.AnalyseWorkers)

	add(domain.TypeTrailcam, []string{domain.StateAnalyse},
		env.TrailcamJob, conf.Trailcam.TrailWorkers)

	d := dispatch.NewDispatcher(conf, processors, logger)
	if thermalTracking != nil && thermalClassify != nil {
		d.SetPrerequisite(thermalClassify, thermalTracking)
	}
	return d, nil
}
