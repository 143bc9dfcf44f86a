// Package commandtest provides a recording command.Runner for tests.
package commandtest

import (
	"context"
	"deployq/internal/command"
	"io"
	"strings"
	"sync"
)

// Call is one recorded invocation.
type Call struct {
	Cmd   command.Cmd
	Stdin string
}

// Line is the command line as a single string.
func (c Call) Line() string {
	return strings.Join(append([]string{c.Cmd.Name}, c.Cmd.Args...), " ")
}

// Runner records every command and answers with Handler, or empty output
// and no error when Handler is nil.
type Runner struct {
	Handler func(ctx context.Context, cmd command.Cmd) (string, error)

	mu    sync.Mutex
	calls []Call
}

func (r *Runner) Run(ctx context.Context, cmd command.Cmd) (string, error) {
	call := Call{Cmd: cmd}
	if cmd.Stdin != nil {
		b, _ := io.ReadAll(cmd.Stdin)
		call.Stdin = string(b)
	}
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()

	if r.Handler == nil {
		return "", nil
	}
	return r.Handler(ctx, cmd)
}

// Calls returns a copy of the recorded calls.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Lines returns every recorded command line.
func (r *Runner) Lines() []string {
	var out []string
	for _, c := range r.Calls() {
		out = append(out, c.Line())
	}
	return out
}

// Matching returns the recorded calls whose line starts with prefix.
func (r *Runner) Matching(prefix string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if strings.HasPrefix(c.Line(), prefix) {
			out = append(out, c)
		}
	}
	return out
}
