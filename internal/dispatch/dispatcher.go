package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/wildlife-processing/internal/config"
	"github.com/fairyhunter13/wildlife-processing/internal/domain"
)

// sleepShort is the loop cadence while any processor has or expects work.
const sleepShort = 2 * time.Second

// Dispatcher drives the ordered set of processors: polling each in turn,
// forcing re-polls when a prerequisite pipeline just produced output, and
// sleeping adaptively when the whole fleet is idle.
type Dispatcher struct {
	conf       *config.Config
	processors []*Processor
	prereq     map[*Processor]*Processor
	logger     *slog.Logger
}

// NewDispatcher builds a dispatcher over processors, polled in order.
func NewDispatcher(conf *config.Config, processors []*Processor, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		conf:       conf,
		processors: processors,
		prereq:     make(map[*Processor]*Processor),
		logger:     logger,
	}
}

// SetPrerequisite marks pre as the upstream pipeline of p: whenever pre
// completes a job after p's latest poll, p re-polls immediately since the
// upstream output is usually its next input.
func (d *Dispatcher) SetPrerequisite(p, pre *Processor) {
	d.prereq[p] = pre
}

// Run executes the main loop until ctx is cancelled or the configured
// restart threshold passes with all processors idle. Poll errors are logged
// and the loop continues; the service re-queues anything left behind.
func (d *Dispatcher) Run(ctx context.Context) error {
	start := time.Now()
	d.logger.Info("checking for recordings")
	for {
		for _, p := range d.processors {
			if pre, ok := d.prereq[p]; ok {
				if !p.LastPoll().IsZero() && !pre.LastSuccess().IsZero() &&
					pre.LastSuccess().After(p.LastPoll()) {
					d.logger.Info("forcing poll, prerequisite pipeline produced output",
						slog.String("type", p.recordingType))
					p.ForcePoll()
				}
			}
			if err := p.Poll(ctx); err != nil {
				if ctx.Err() != nil {
					d.logger.Info("shutting down")
					return nil
				}
				if domain.IsTransientNetwork(err) {
					d.logger.Error("request failed, check the api user has processing rights",
						slog.Any("error", err))
				} else {
					d.logger.Error("error polling", slog.Any("error", err))
				}
			}
		}

		wait := sleepShort
		if d.allIdle() {
			if restartAfter := d.conf.RestartAfter(); restartAfter > 0 && time.Since(start) > restartAfter {
				d.logger.Info("restarting after running too long",
					slog.Float64("hours", time.Since(start).Hours()))
				return nil
			}
			if d.nonePolling() {
				d.logger.Info("nothing to process, extending wait time")
				wait = d.conf.NoRecordingsWait()
			}
		}
		select {
		case <-ctx.Done():
			d.logger.Info("shutting down")
			return nil
		case <-time.After(wait):
		}
	}
}

func (d *Dispatcher) allIdle() bool {
	for _, p := range d.processors {
		if p.HasWork() {
			return false
		}
	}
	return true
}

func (d *Dispatcher) nonePolling() bool {
	for _, p := range d.processors {
		if p.ShouldPoll() {
			return false
		}
	}
	return true
}
