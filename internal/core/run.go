package core

import (
	"deployq/internal/image"
	"sync"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Event is what triggered a run.
type Event struct {
	Branch     string `json:"branch"`
	Commit     string `json:"commit,omitempty"`
	Repository string `json:"repository,omitempty"`
	Source     string `json:"source,omitempty"` // "push", "cli"
}

type StageResult struct {
	Name      string        `json:"name"`
	Kind      StageKind     `json:"kind"`
	Status    Status        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Error     string        `json:"error,omitempty"`
	LogPath   string        `json:"logPath,omitempty"`
	Image     string        `json:"image,omitempty"`
	Digest    string        `json:"digest,omitempty"`
	StartedAt time.Time     `json:"startedAt,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// RunStatus is a point-in-time copy of a Run.
type RunStatus struct {
	ID         string        `json:"id"`
	Pipeline   string        `json:"pipeline"`
	Event      Event         `json:"event"`
	Status     Status        `json:"status"`
	Stages     []StageResult `json:"stages"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"startedAt,omitempty"`
	FinishedAt time.Time     `json:"finishedAt,omitempty"`
}

// Run is the mutable state of one pipeline execution. Readers use Snapshot.
type Run struct {
	mu     sync.RWMutex
	status RunStatus
	images map[string]published
}

type published struct {
	ref    image.Ref
	digest string
}

// NewRun creates a pending run with one pending result per stage.
func NewRun(id string, p *Pipeline, ev Event) *Run {
	r := &Run{
		status: RunStatus{
			ID:       id,
			Pipeline: p.Name,
			Event:    ev,
			Status:   StatusPending,
			Stages:   make([]StageResult, len(p.Stages)),
		},
		images: make(map[string]published),
	}
	for i, s := range p.Stages {
		r.status.Stages[i] = StageResult{Name: s.Name, Kind: s.Kind(), Status: StatusPending}
	}
	return r
}

func (r *Run) ID() string {
	return r.status.ID
}

func (r *Run) Event() Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status.Event
}

func (r *Run) Snapshot() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.status
	s.Stages = append([]StageResult(nil), r.status.Stages...)
	return s
}

func (r *Run) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status.Status
}

// StageStatus returns the status of the named stage, or "" when unknown.
func (r *Run) StageStatus(name string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.status.Stages {
		if s.Name == name {
			return s.Status
		}
	}
	return ""
}

// Failed reports whether any stage of the run has failed.
func (r *Run) Failed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.status.Status == StatusFailed {
		return true
	}
	for _, s := range r.status.Stages {
		if s.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Published returns the deployable reference pushed by an image stage of this run.
func (r *Run) Published(stage string) (image.Ref, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.images[stage]
	return p.ref, p.digest, ok
}

func (r *Run) start(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Status = StatusRunning
	r.status.StartedAt = now
}

func (r *Run) finish(status Status, errMsg string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Status = status
	r.status.Error = errMsg
	r.status.FinishedAt = now
}

func (r *Run) updateStage(i int, fn func(*StageResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.status.Stages[i])
}

func (r *Run) publish(stage string, ref image.Ref, digest string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[stage] = published{ref: ref, digest: digest}
}
