package core

import (
	"context"
	"deployq/internal/command"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ContainerWorkdir is where the checkout is mounted inside a stage container.
const ContainerWorkdir = "/workspace"

// Executor is responsible for running steps (commands)
type Executor struct {
	Commands command.Runner
	Timeout  time.Duration // applied to steps without their own
	Docker   string        // docker CLI binary
}

func NewExecutor(runner command.Runner, timeout time.Duration) *Executor {
	return &Executor{Commands: runner, Timeout: timeout, Docker: "docker"}
}

// Session runs the steps of one stage in one environment.
type Session interface {
	// RunStep executes a single pipeline step and returns its output+error
	RunStep(ctx context.Context, step Step) (string, error)
	Close(ctx context.Context) error
}

// Open prepares the environment of a steps stage: the host shell in dir, or
// a long-lived container of stage.Container with dir mounted, so state left
// by one step (installed packages) is visible to the next.
func (e *Executor) Open(ctx context.Context, stage Stage, dir string) (Session, string, error) {
	if stage.Container == "" {
		return &hostSession{e: e, dir: dir, env: stage.Env}, "", nil
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, "", err
	}
	name := "deployq-" + uuid.NewString()[:8]
	cmd := command.New(e.Docker, "run", "-d", "--rm", "--name", name,
		"-v", abs+":"+ContainerWorkdir, "-w", ContainerWorkdir)
	for _, kv := range sortedEnv(stage.Env) {
		cmd = cmd.AddArgs("-e", kv)
	}
	cmd = cmd.AddArgs(stage.Container, "tail", "-f", "/dev/null")

	out, err := e.Commands.Run(ctx, cmd)
	if err != nil {
		return nil, out, fmt.Errorf("start %s: %w", stage.Container, err)
	}
	return &containerSession{e: e, name: name}, out, nil
}

func (e *Executor) timeout(step Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	if e.Timeout > 0 {
		return e.Timeout
	}
	return 30 * time.Minute
}

func (e *Executor) run(ctx context.Context, step Step, cmd command.Cmd) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout(step))
	defer cancel()

	out, err := e.Commands.Run(ctx, cmd)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return out, fmt.Errorf("step timed out after %s: %w", e.timeout(step), err)
	}
	return out, err
}

type hostSession struct {
	e   *Executor
	dir string
	env map[string]string
}

func (s *hostSession) RunStep(ctx context.Context, step Step) (string, error) {
	// Run the step in a shell (sh -c "cmd")
	cmd := command.New("sh", "-c", step.Run).InDir(s.dir)
	cmd.Env = s.env
	return s.e.run(ctx, step, cmd)
}

func (s *hostSession) Close(context.Context) error { return nil }

type containerSession struct {
	e    *Executor
	name string
}

func (s *containerSession) RunStep(ctx context.Context, step Step) (string, error) {
	cmd := command.New(s.e.Docker, "exec", "-w", ContainerWorkdir, s.name, "sh", "-c", step.Run)
	return s.e.run(ctx, step, cmd)
}

// Close removes the container even when ctx is already cancelled.
func (s *containerSession) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	out, err := s.e.Commands.Run(ctx, command.New(s.e.Docker, "rm", "-f", s.name))
	if err != nil {
		return fmt.Errorf("remove container %s: %w: %s", s.name, err, out)
	}
	return nil
}

func sortedEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
