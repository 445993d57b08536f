package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fairyhunter13/wildlife-processing/internal/adapter/observability"
	"github.com/fairyhunter13/wildlife-processing/internal/domain"
)

// Handler processes one job to completion inside a worker.
type Handler func(ctx context.Context, job *domain.Job) error

// Poll breaker tuning: this many consecutive queue errors open the
// circuit, which then refuses polls for the cooldown before probing.
const (
	pollBreakerFailures = 5
	pollBreakerCooldown = time.Minute
)

type jobHandle struct {
	jobKey  string
	future  *Future
	started time.Time
}

// Processor polls one (recording type, state list) queue pair and runs its
// jobs on a fixed-size worker pool. A recording id is in flight at most once
// per processor.
type Processor struct {
	recordingType string
	states        []string
	handler       Handler
	numWorkers    int
	noJobSleep    time.Duration

	api     domain.API
	pool    *Pool
	breaker *observability.Breaker
	logger  *slog.Logger

	inProgress      map[int64]*jobHandle
	lastPoll        time.Time
	lastPollSuccess bool
	lastSuccess     time.Time

	now func() time.Time
}

// NewProcessor builds a processor with its own worker pool.
func NewProcessor(recordingType string, states []string, handler Handler,
	numWorkers int, noJobSleep time.Duration, api domain.API, logger *slog.Logger) *Processor {
	return &Processor{
		recordingType: recordingType,
		states:        states,
		handler:       handler,
		numWorkers:    numWorkers,
		noJobSleep:    noJobSleep,
		api:           api,
		pool:          NewPool(numWorkers),
		breaker: observability.NewBreaker(recordingType+"."+strings.Join(states, ","),
			pollBreakerFailures, pollBreakerCooldown),
		logger: logger.With(
			slog.String("type", recordingType),
			slog.String("states", strings.Join(states, ","))),
		inProgress: make(map[int64]*jobHandle),
		now:        time.Now,
	}
}

// Full reports whether every worker slot is taken.
func (p *Processor) Full() bool { return len(p.inProgress) >= p.numWorkers }

// HasWork reports whether any job is in flight.
func (p *Processor) HasWork() bool { return len(p.inProgress) > 0 }

// ShouldPoll applies the empty-poll back-off: polling resumes when the last
// poll produced work, when the processor has never polled, or once
// noJobSleep has elapsed.
func (p *Processor) ShouldPoll() bool {
	if p.Full() {
		return false
	}
	return p.lastPollSuccess || p.lastPoll.IsZero() || p.now().Sub(p.lastPoll) > p.noJobSleep
}

// ForcePoll suppresses the back-off so the next Poll asks the service even
// if the previous poll came back empty.
func (p *Processor) ForcePoll() { p.lastPollSuccess = true }

// LastPoll is the time of the most recent queue request (zero if never).
func (p *Processor) LastPoll() time.Time { return p.lastPoll }

// LastSuccess is the time the most recent job completed without error.
func (p *Processor) LastSuccess() time.Time { return p.lastSuccess }

// Poll reaps completed jobs and, when due, asks the service for new work in
// each configured state.
func (p *Processor) Poll(ctx context.Context) error {
	p.ReapCompleted(ctx)
	if !p.ShouldPoll() {
		return nil
	}
	p.lastPollSuccess = false
	for _, state := range p.states {
		if p.Full() {
			break
		}
		if err := p.breaker.Allow(); err != nil {
			p.logger.Debug("poll suppressed", slog.Any("error", err))
			return nil
		}
		job, err := p.api.NextJob(ctx, p.recordingType, state)
		p.lastPoll = p.now()
		p.breaker.Record(err)
		if err != nil {
			observability.PollsTotal.WithLabelValues(p.recordingType, state, "error").Inc()
			return err
		}
		if job == nil {
			observability.PollsTotal.WithLabelValues(p.recordingType, state, "empty").Inc()
			continue
		}
		observability.PollsTotal.WithLabelValues(p.recordingType, state, "job").Inc()
		p.lastPollSuccess = true
		p.dispatch(ctx, state, job)
	}
	return nil
}

// dispatch schedules one job, cancelling a duplicate in-flight entry for
// the same recording first. If the duplicate cannot be cancelled the new
// assignment is skipped; the service will hand it out again.
func (p *Processor) dispatch(ctx context.Context, state string, job *domain.Job) {
	recID := job.Recording.ID
	if existing, ok := p.inProgress[recID]; ok {
		p.logger.Info("recording already scheduled, cancelling existing job",
			slog.Int64("recording_id", recID), slog.String("state", state))
		cancelled := existing.future.Cancel()
		p.logger.Info("cancel attempt finished", slog.Bool("success", cancelled))
		if !cancelled {
			return
		}
		delete(p.inProgress, recID)
		observability.JobsInFlight.WithLabelValues(p.recordingType).Dec()
		observability.JobsCancelledTotal.WithLabelValues(p.recordingType).Inc()
	}
	p.logger.Debug("scheduling job",
		slog.Int64("recording_id", recID), slog.String("state", state))
	future := p.pool.Schedule(ctx, func(jobCtx context.Context) error {
		return p.handler(jobCtx, job)
	})
	p.inProgress[recID] = &jobHandle{jobKey: job.JobKey, future: future, started: p.now()}
	observability.JobsInFlight.WithLabelValues(p.recordingType).Inc()
}

// ReapCompleted removes terminal jobs from the in-flight map. Failures are
// reported to the service; a failing report is logged and swallowed since
// the service's job-key timeout re-queues the work anyway. Cancelled jobs
// report neither success nor failure.
func (p *Processor) ReapCompleted(ctx context.Context) {
	for recID, handle := range p.inProgress {
		future := handle.future
		if !future.Done() {
			continue
		}
		delete(p.inProgress, recID)
		observability.JobsInFlight.WithLabelValues(p.recordingType).Dec()
		observability.JobDuration.WithLabelValues(p.recordingType).Observe(p.now().Sub(handle.started).Seconds())

		if future.Cancelled() {
			p.logger.Info("job was cancelled", slog.Int64("recording_id", recID))
			observability.JobsCancelledTotal.WithLabelValues(p.recordingType).Inc()
			continue
		}
		if err := future.Err(); err != nil {
			p.logger.Error("processing failed",
				slog.Int64("recording_id", recID), slog.Any("error", err))
			observability.JobsFailedTotal.WithLabelValues(p.recordingType).Inc()
			if reportErr := p.api.ReportFailed(ctx, recID, handle.jobKey); reportErr != nil {
				p.logger.Error("could not report job as failed",
					slog.Int64("recording_id", recID), slog.Any("error", reportErr))
			}
			continue
		}
		p.lastSuccess = p.now()
		observability.JobsCompletedTotal.WithLabelValues(p.recordingType).Inc()
	}
}
