// Package server receives push webhooks and runs the pipeline for them, one
// run at a time.
package server

import (
	"context"
	"deployq/internal/core"
	"deployq/internal/metrics"
	"deployq/internal/provenance"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrQueueFull is returned when the run queue has no room left.
var ErrQueueFull = errors.New("run queue is full")

const (
	defaultQueueSize = 16
	defaultKeepRuns  = 100
)

// Options tune a Server.
type Options struct {
	WebhookSecret string // HMAC key for X-Hub-Signature-256, unchecked when empty
	Repository    string // clone URL used for every run, overriding the payload
	QueueSize     int
	KeepRuns      int // finished runs kept for the status API
}

// Server owns the pipeline, the run queue and the history served over HTTP.
type Server struct {
	pipeline *core.Pipeline
	runner   *core.Runner
	ledger   *provenance.Ledger // optional
	opts     Options

	queue chan *core.Run

	mu    sync.Mutex
	runs  map[string]*core.Run
	order []string // oldest first
}

func New(p *core.Pipeline, runner *core.Runner, ledger *provenance.Ledger, opts Options) *Server {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.KeepRuns <= 0 {
		opts.KeepRuns = defaultKeepRuns
	}
	return &Server{
		pipeline: p,
		runner:   runner,
		ledger:   ledger,
		opts:     opts,
		queue:    make(chan *core.Run, opts.QueueSize),
		runs:     make(map[string]*core.Run),
	}
}

// Enqueue creates a pending run for ev and hands it to the worker.
func (s *Server) Enqueue(ev core.Event) (*core.Run, error) {
	run := core.NewRun(uuid.NewString(), s.pipeline, ev)
	select {
	case s.queue <- run:
	default:
		return nil, ErrQueueFull
	}
	metrics.SetQueueDepth(len(s.queue))
	s.remember(run)
	return run, nil
}

// Work executes queued runs sequentially until ctx is done. A run in
// progress is cancelled with ctx.
func (s *Server) Work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case run := <-s.queue:
			metrics.SetQueueDepth(len(s.queue))
			s.execute(ctx, run)
		}
	}
}

func (s *Server) execute(ctx context.Context, run *core.Run) {
	logger := log.Ctx(ctx)
	if err := s.runner.Execute(ctx, s.pipeline, run); err != nil {
		logger.Error().Str("runId", run.ID()).Str("error", err.Error()).Msg("Run failed")
		return
	}
	logger.Info().Str("runId", run.ID()).Msg("Run succeeded")
}

func (s *Server) remember(run *core.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID()] = run
	s.order = append(s.order, run.ID())

	// forget the oldest finished runs beyond the limit
	for i := 0; len(s.order) > s.opts.KeepRuns && i < len(s.order); {
		id := s.order[i]
		switch s.runs[id].Status() {
		case core.StatusSucceeded, core.StatusFailed:
			delete(s.runs, id)
			s.order = append(s.order[:i], s.order[i+1:]...)
		default:
			i++
		}
	}
}

// Run returns the run with the given id.
func (s *Server) Run(id string) (*core.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	return run, ok
}

// Runs returns snapshots of the known runs, newest first.
func (s *Server) Runs() []core.RunStatus {
	s.mu.Lock()
	ids := append([]string(nil), s.order...)
	runs := make([]*core.Run, 0, len(ids))
	for _, id := range ids {
		runs = append(runs, s.runs[id])
	}
	s.mu.Unlock()

	out := make([]core.RunStatus, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		out = append(out, runs[i].Snapshot())
	}
	return out
}
