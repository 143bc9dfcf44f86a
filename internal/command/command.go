// Package command runs external processes (shell steps, the docker CLI) and
// captures their combined output.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// Cmd describes one process invocation.
type Cmd struct {
	Name  string
	Args  []string
	Dir   string
	Env   map[string]string
	Stdin io.Reader
}

// New returns a Cmd for name with args.
func New(name string, args ...string) Cmd {
	return Cmd{Name: name, Args: args}
}

// AddArgs appends arguments, skipping empty ones.
func (c Cmd) AddArgs(args ...string) Cmd {
	for _, a := range args {
		if a != "" {
			c.Args = append(c.Args, a)
		}
	}
	return c
}

func (c Cmd) InDir(dir string) Cmd {
	c.Dir = dir
	return c
}

func (c Cmd) WithStdin(r io.Reader) Cmd {
	c.Stdin = r
	return c
}

// String renders the command line for logs. Stdin is never included.
func (c Cmd) String() string {
	parts := append([]string{c.Name}, c.Args...)
	for i, p := range parts {
		if p == "" || strings.ContainsAny(p, " \t\n'\"$`\\|&;<>()*?") {
			parts[i] = Quote(p)
		}
	}
	return strings.Join(parts, " ")
}

// environ returns the process environment with c.Env layered on top.
func (c Cmd) environ() []string {
	if len(c.Env) == 0 {
		return nil
	}
	env := os.Environ()
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

// Runner executes a Cmd and returns its combined stdout and stderr.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (string, error)
}

const waitDelay = 5 * time.Second

// Exec runs commands as local processes.
type Exec struct{}

func (Exec) Run(ctx context.Context, c Cmd) (string, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.environ()
	cmd.Stdin = c.Stdin
	// children that outlive a killed shell keep the output pipe open
	cmd.WaitDelay = waitDelay

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil && ctx.Err() != nil {
		err = errors.Join(err, ctx.Err())
	}
	return out.String(), err
}

// ExitCode extracts the process exit status from err, -1 when unknown.
// Any error in the chain with an ExitCode() int method counts, which covers
// *exec.ExitError.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// ExitError is a non-zero exit status without a process behind it.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

func (e *ExitError) ExitCode() int { return e.Code }

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
