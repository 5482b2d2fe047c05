package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/rank-tracker/internal/progress"
)

// PrometheusSink exports job progress via Prometheus. It owns the collectors
// for jobs started/finished/running and per-mode keyword checks.
type PrometheusSink struct {
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	jobRuntime   *prometheus.HistogramVec

	keywordChecks   *prometheus.CounterVec
	keywordDuration *prometheus.HistogramVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rank_jobs_started_total",
			Help: "Total keyword check jobs that entered processing.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rank_jobs_finished_total",
			Help: "Total jobs that reached a terminal state, partitioned by status.",
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rank_jobs_running",
			Help: "Current number of jobs being processed in this process.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rank_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}, []string{"status"}),
		keywordChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rank_keyword_checks_total",
			Help: "Keyword checks partitioned by mode and result.",
		}, []string{"mode", "result"}),
		keywordDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rank_keyword_check_duration_seconds",
			Help:    "Keyword check duration partitioned by mode.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"mode"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.keywordChecks,
		s.keywordDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			s.jobsStarted.Inc()
			if s.tracker.start(evt.JobID) {
				s.jobsRunning.Inc()
			}
		case progress.StageJobDone:
			s.jobsFinished.WithLabelValues(evt.Status).Inc()
			if evt.Dur > 0 {
				s.jobRuntime.WithLabelValues(evt.Status).Observe(evt.Dur.Seconds())
			}
			if s.tracker.complete(evt.JobID) {
				s.jobsRunning.Dec()
			}
		case progress.StageKeywordDone:
			s.handleKeywordEvent(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) handleKeywordEvent(evt progress.Event) {
	mode := string(evt.Mode)
	if mode == "" {
		mode = "unknown"
	}
	result := "completed"
	if evt.Failed {
		result = "failed"
	}
	s.keywordChecks.WithLabelValues(mode, result).Inc()
	if evt.Dur > 0 {
		s.keywordDuration.WithLabelValues(mode).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
