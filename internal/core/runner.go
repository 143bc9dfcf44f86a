package core

import (
	"context"
	"deployq/internal/image"
	"deployq/internal/metrics"
	"deployq/internal/provenance"
	"deployq/internal/secrets"
	"deployq/internal/security"
	"deployq/internal/storage"
	"deployq/pkg/utils"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Workspace provides a fresh checkout of the triggering commit for a stage.
type Workspace interface {
	Prepare(ctx context.Context, ev Event) (dir string, cleanup func(), err error)
}

// ImageRequest carries everything an image stage needs. Username and
// Password are resolved secret values; Redactor masks them in anything the
// publisher logs.
type ImageRequest struct {
	Stage    string
	Spec     ImageSpec
	Dir      string
	Commit   string
	Username string
	Password string
	Redactor *secrets.Redactor
}

// ImageResult is what an image stage pushed.
type ImageResult struct {
	Ref    image.Ref   // handed to deployment
	Tags   []image.Ref // every pushed reference
	Digest string      // empty when verification is skipped
	Output string
}

type ImagePublisher interface {
	Publish(ctx context.Context, req ImageRequest) (ImageResult, error)
}

// DeployRequest carries the image to deploy and the resolved connection secrets.
type DeployRequest struct {
	Stage      string
	Spec       DeploySpec
	Ref        image.Ref
	Host       string
	User       string
	PrivateKey string
	KnownHosts string
	Redactor   *secrets.Redactor
}

type Deployer interface {
	Deploy(ctx context.Context, req DeployRequest) (string, error)
}

// Runner ties together Scheduler + Executor + publishers + storage + provenance
type Runner struct {
	Scheduler  *Scheduler
	Executor   *Executor
	Workspace  Workspace
	Images     ImagePublisher
	Deployer   Deployer
	Secrets    secrets.Store
	LogStorage *storage.LogStorage
	Ledger     *provenance.Ledger // optional
	Keys       security.KeyPair
	AgentID    string // identifies which agent executed the stage
}

// RunPipeline executes p for ev in a new run and returns it.
func (r *Runner) RunPipeline(ctx context.Context, p *Pipeline, ev Event) (*Run, error) {
	run := NewRun(uuid.NewString(), p, ev)
	return run, r.Execute(ctx, p, run)
}

// Execute runs all stages of p sequentially, recording results in run. The
// first failure marks the run failed and skips every remaining stage.
func (r *Runner) Execute(ctx context.Context, p *Pipeline, run *Run) error {
	ev := run.Event()
	logger := log.Ctx(ctx).With().
		Str("runId", run.ID()).
		Str("pipeline", p.Name).
		Str("branch", ev.Branch).
		Str("commit", utils.ShortHash(ev.Commit, CommitTagLength)).
		Logger()
	ctx = logger.WithContext(ctx)

	run.start(time.Now())
	logger.Info().Msgf("Starting pipeline with %d stages", len(p.Stages))

	store := r.Secrets
	if store == nil {
		store = secrets.MapStore{}
	}
	set, err := secrets.Resolve(store, p.Secrets)
	if err != nil {
		err = fmt.Errorf("resolve secrets: %w", err)
		for i := range p.Stages {
			r.skip(ctx, p, run, i, "secrets unavailable")
		}
		return r.finish(ctx, p, run, err)
	}
	redactor := secrets.NewRedactor(set.Values()...)

	var failure error
	for i, stage := range p.Stages {
		if err := ctx.Err(); err != nil && failure == nil {
			failure = err
		}
		decision := r.Scheduler.Decide(p, i, run)
		if failure != nil && decision.Run {
			decision = Decision{Reason: "run cancelled"}
		}
		if !decision.Run {
			r.skip(ctx, p, run, i, decision.Reason)
			continue
		}

		if err := r.runStage(ctx, p, run, i, set, redactor); err != nil && failure == nil {
			failure = &StageError{Stage: stage.Name, Err: err, msg: redactor.RedactError(err)}
		}
	}

	return r.finish(ctx, p, run, failure)
}

func (r *Runner) finish(ctx context.Context, p *Pipeline, run *Run, failure error) error {
	logger := log.Ctx(ctx)
	status := StatusSucceeded
	msg := ""
	if failure != nil {
		status = StatusFailed
		msg = failure.Error()
		logger.Error().Str("error", msg).Msg("Pipeline failed")
	} else {
		logger.Info().Msg("Pipeline finished successfully")
	}
	run.finish(status, msg, time.Now())
	metrics.RunFinished(p.Name, string(status))
	return failure
}

func (r *Runner) skip(ctx context.Context, p *Pipeline, run *Run, i int, reason string) {
	stage := p.Stages[i]
	run.updateStage(i, func(s *StageResult) {
		s.Status = StatusSkipped
		s.Reason = reason
	})
	log.Ctx(ctx).Info().Str("stage", stage.Name).Msgf("Skipping stage: %s", reason)
	metrics.StageFinished(p.Name, stage.Name, string(StatusSkipped), 0)
}

func (r *Runner) runStage(ctx context.Context, p *Pipeline, run *Run, i int, set *secrets.Set, redactor *secrets.Redactor) error {
	stage := p.Stages[i]
	logger := log.Ctx(ctx).With().Str("stage", stage.Name).Str("kind", string(stage.Kind())).Logger()
	ctx = logger.WithContext(ctx)

	started := time.Now()
	run.updateStage(i, func(s *StageResult) {
		s.Status = StatusRunning
		s.StartedAt = started
	})
	logger.Info().Msgf("==> Stage %d: %s", i+1, stage.Name)

	var (
		out    strings.Builder
		result ImageResult
		ref    image.Ref
	)
	ev := run.Event()
	var err error
	switch stage.Kind() {
	case KindSteps:
		err = r.withWorkspace(ctx, ev, func(dir string) error {
			return r.runSteps(ctx, p, i, dir, &out, redactor)
		})
	case KindImage:
		err = r.withWorkspace(ctx, ev, func(dir string) error {
			var perr error
			result, perr = r.runImage(ctx, stage, dir, ev, set, redactor)
			out.WriteString(result.Output)
			return perr
		})
	case KindDeploy:
		var output string
		ref, output, err = r.runDeploy(ctx, p, stage, run, set, redactor)
		out.WriteString(output)
	}
	if err != nil {
		fmt.Fprintf(&out, "\nerror: %v\n", err)
	}

	duration := time.Since(started)
	status := StatusSucceeded
	if err != nil {
		status = StatusFailed
	}

	output := redactor.Redact(out.String())
	logPath := r.saveLog(ctx, run, i, stage, output)

	imageRef, digest := "", ""
	switch stage.Kind() {
	case KindImage:
		if err == nil {
			run.publish(stage.Name, result.Ref, result.Digest)
			imageRef, digest = result.Ref.String(), result.Digest
		}
	case KindDeploy:
		imageRef, digest = ref.String(), ref.Digest
	}
	imageRef = redactor.Redact(imageRef)

	r.record(ctx, p, run, stage, status, output, logPath, imageRef, digest)

	run.updateStage(i, func(s *StageResult) {
		s.Status = status
		s.Duration = duration
		s.LogPath = logPath
		s.Image = imageRef
		s.Digest = digest
		s.Error = redactor.RedactError(err)
	})
	metrics.StageFinished(p.Name, stage.Name, string(status), duration)

	if err != nil {
		logger.Error().Str("error", redactor.RedactError(err)).Dur("duration", duration).Msg("Stage failed")
		return err
	}
	logger.Info().Dur("duration", duration).Msg("Stage completed successfully")
	return nil
}

func (r *Runner) withWorkspace(ctx context.Context, ev Event, fn func(dir string) error) error {
	dir, cleanup, err := r.Workspace.Prepare(ctx, ev)
	if err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	defer cleanup()
	return fn(dir)
}

func (r *Runner) runSteps(ctx context.Context, p *Pipeline, i int, dir string, out *strings.Builder, redactor *secrets.Redactor) (err error) {
	logger := log.Ctx(ctx)
	stage := p.Stages[i]

	session, startOut, err := r.Executor.Open(ctx, stage, dir)
	out.WriteString(startOut)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := session.Close(ctx); cerr != nil {
			logger.Warn().Str("error", redactor.RedactError(cerr)).Msg("Cannot clean up stage environment")
			if err == nil {
				err = cerr
			}
		}
	}()

	for _, step := range r.Scheduler.GetNextSteps(p, i) {
		logger.Info().Str("step", redactor.Redact(step.Label())).Msg("Running step")
		fmt.Fprintf(out, "$ %s\n", step.Run)

		output, err := session.RunStep(ctx, step)
		out.WriteString(output)
		if logger.GetLevel() <= zerolog.DebugLevel {
			logger.Debug().Msg(redactor.Redact(output))
		}
		if err != nil {
			return fmt.Errorf("step %q: %w", step.Label(), err)
		}
	}
	return nil
}

func (r *Runner) runImage(ctx context.Context, stage Stage, dir string, ev Event, set *secrets.Set, redactor *secrets.Redactor) (ImageResult, error) {
	if r.Images == nil {
		return ImageResult{}, errors.New("no image publisher configured")
	}
	req := ImageRequest{Stage: stage.Name, Spec: *stage.Image, Dir: dir, Commit: ev.Commit, Redactor: redactor}
	if stage.Image.Username != "" {
		var err error
		if req.Username, err = set.Get(stage.Image.Username); err != nil {
			return ImageResult{}, err
		}
		if req.Password, err = set.Get(stage.Image.Password); err != nil {
			return ImageResult{}, err
		}
	}
	return r.Images.Publish(ctx, req)
}

func (r *Runner) runDeploy(ctx context.Context, p *Pipeline, stage Stage, run *Run, set *secrets.Set, redactor *secrets.Redactor) (image.Ref, string, error) {
	if r.Deployer == nil {
		return image.Ref{}, "", errors.New("no deployer configured")
	}
	src, _ := p.imageNeed(stage)
	ref, digest, ok := run.Published(src)
	if !ok {
		return image.Ref{}, "", fmt.Errorf("%w by stage %q", ErrNoImage, src)
	}
	if stage.Deploy.PinDigest {
		if digest == "" {
			return image.Ref{}, "", fmt.Errorf("%w: pin_digest needs a verified digest from %q", ErrNoImage, src)
		}
		ref = ref.WithDigest(digest)
	}

	req := DeployRequest{Stage: stage.Name, Spec: *stage.Deploy, Ref: ref, Redactor: redactor}
	for _, s := range []struct {
		dst  *string
		name string
	}{
		{&req.Host, stage.Deploy.Host},
		{&req.User, stage.Deploy.User},
		{&req.PrivateKey, stage.Deploy.PrivateKey},
		{&req.KnownHosts, stage.Deploy.KnownHosts},
	} {
		v, err := set.Get(s.name)
		if err != nil {
			return ref, "", err
		}
		*s.dst = v
	}

	out, err := r.Deployer.Deploy(ctx, req)
	return ref, out, err
}

// saveLog is best-effort: a storage failure never fails the stage.
func (r *Runner) saveLog(ctx context.Context, run *Run, i int, stage Stage, output string) string {
	if r.LogStorage == nil {
		return ""
	}
	path, err := r.LogStorage.SaveLog(run.ID(), i, stage.Name, output)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("Failed to save stage log")
		return ""
	}
	log.Ctx(ctx).Debug().Msgf("Log saved at %s", path)
	return path
}

// record appends a provenance record; like saveLog it never fails the stage.
// The log hash is taken from the saved file when there is one.
func (r *Runner) record(ctx context.Context, p *Pipeline, run *Run, stage Stage, status Status, output, logPath, imageRef, digest string) {
	if r.Ledger == nil {
		return
	}
	logHash := utils.HashString(output)
	if logPath != "" {
		h, err := utils.HashFile(logPath)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("Cannot hash stage log")
		} else {
			logHash = h
		}
	}
	ev := run.Event()
	rec, err := r.Ledger.Append(provenance.Entry{
		RunID:    run.ID(),
		Pipeline: p.Name,
		Branch:   ev.Branch,
		Commit:   ev.Commit,
		Stage:    stage.Name,
		Kind:     string(stage.Kind()),
		Status:   string(status),
		LogHash:  logHash,
		Image:    imageRef,
		Digest:   digest,
		AgentID:  r.AgentID,
	}, r.Keys)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("Cannot append provenance record")
		return
	}
	log.Ctx(ctx).Debug().Msgf("Ledger: appended record %d (hash=%s)", rec.Index, utils.ShortHash(rec.Hash, 16))
}
