// Package scheduler fires the durability control loop's periodic work:
// a full health scan (scan_interval, default 60 min, plus one immediately
// at startup), a trim sweep (trim_interval, default 12h) and a summary log
// (summary_interval, default 24h). Grounded on the teacher pack's
// gocron-based orchestrator.Scheduler (kluzzebass-gastrolog), narrowed from
// its named-job/progress-tracking registry down to the three fixed
// DurationJobs this control plane needs.
package scheduler

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
)

// Scheduler wraps a gocron.Scheduler and owns its lifecycle.
type Scheduler struct {
	g   gocron.Scheduler
	log *logrus.Entry
}

// New builds a Scheduler. It does not start firing jobs until Start is
// called.
func New(log *logrus.Logger) (*Scheduler, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	g, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{g: g, log: log.WithField("component", "scheduler")}, nil
}

// ScheduleScan registers the health scan job: it runs every interval, plus
// once immediately here at registration time, since gocron's DurationJob
// only fires after the first interval elapses and the spec calls for a
// scan at startup too.
func (s *Scheduler) ScheduleScan(interval time.Duration, scanAll func() error) error {
	runScan := func() {
		if err := scanAll(); err != nil {
			s.log.WithError(err).Warn("health scan completed with errors")
		}
	}
	go runScan()

	_, err := s.g.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(runScan),
		gocron.WithName("health-scan"),
	)
	if err != nil {
		return fmt.Errorf("schedule health scan: %w", err)
	}
	return nil
}

// ScheduleTrim registers a periodic sweep that re-evaluates every chunk for
// excess replication, independent of the scan's own inline trim-excess
// enqueue, so that a long-running healer backlog doesn't starve trimming.
func (s *Scheduler) ScheduleTrim(interval time.Duration, trimSweep func() error) error {
	_, err := s.g.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := trimSweep(); err != nil {
				s.log.WithError(err).Warn("trim sweep completed with errors")
			}
		}),
		gocron.WithName("trim-sweep"),
	)
	if err != nil {
		return fmt.Errorf("schedule trim sweep: %w", err)
	}
	return nil
}

// ScheduleSummary registers a periodic fleet-health summary log line.
func (s *Scheduler) ScheduleSummary(interval time.Duration, summarize func() error) error {
	_, err := s.g.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := summarize(); err != nil {
				s.log.WithError(err).Warn("summary job failed")
			}
		}),
		gocron.WithName("fleet-summary"),
	)
	if err != nil {
		return fmt.Errorf("schedule summary: %w", err)
	}
	return nil
}

// Start begins firing registered jobs.
func (s *Scheduler) Start() {
	s.g.Start()
}

// Stop shuts the scheduler down, waiting for in-flight jobs to finish.
func (s *Scheduler) Stop() error {
	return s.g.Shutdown()
}
