// Package registry builds the service image with the docker CLI, pushes it
// and checks the registry actually serves what was pushed.
package registry

import (
	"context"
	"deployq/internal/command"
	"deployq/internal/core"
	"deployq/internal/image"
	"deployq/internal/recipe"
	"deployq/internal/secrets"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	ErrLogin     = errors.New("registry: login failed")
	ErrBuild     = errors.New("registry: build failed")
	ErrPush      = errors.New("registry: push failed")
	ErrVerify    = errors.New("registry: verification failed")
	ErrToolchain = errors.New("registry: toolchain present in runtime image")
)

// Publisher implements core.ImagePublisher.
type Publisher struct {
	Commands command.Runner
	Remote   Client
	Docker   string // docker CLI binary
}

func NewPublisher(runner command.Runner) *Publisher {
	return &Publisher{Commands: runner, Remote: Remote{}, Docker: "docker"}
}

var _ core.ImagePublisher = (*Publisher)(nil)

// Publish logs in, builds every tag, pushes them and verifies the result.
// Any failure aborts with nothing handed to deployment.
func (p *Publisher) Publish(ctx context.Context, req core.ImageRequest) (core.ImageResult, error) {
	logger := log.Ctx(ctx)
	spec := req.Spec
	primary, refs := spec.Refs(req.Commit)
	if len(refs) == 0 {
		return core.ImageResult{}, fmt.Errorf("%w: no tags to push", ErrBuild)
	}

	var out strings.Builder
	res := core.ImageResult{Tags: refs}
	result := func(err error) (core.ImageResult, error) {
		res.Output = out.String()
		return res, err
	}

	creds := Credentials{Username: req.Username, Password: req.Password}
	if creds.Username != "" {
		if err := p.login(ctx, spec.Registry, creds, &out); err != nil {
			return result(err)
		}
		defer p.logout(ctx, spec.Registry, req.Redactor)
	}

	dockerfile, cleanup, err := p.dockerfile(req)
	if err != nil {
		return result(fmt.Errorf("%w: %v", ErrBuild, err))
	}
	defer cleanup()

	build := command.New(p.Docker, "build", "-f", dockerfile)
	for _, ref := range refs {
		build = build.AddArgs("-t", ref.String())
	}
	if req.Commit != "" {
		build = build.AddArgs("--label", "org.opencontainers.image.revision="+req.Commit)
	}
	build = build.AddArgs(spec.Context).InDir(req.Dir)
	logger.Info().Msgf("Building %s", req.Redactor.Redact(primary.String()))
	if err := p.run(ctx, build, &out); err != nil {
		return result(fmt.Errorf("%w: %w", ErrBuild, err))
	}

	for _, ref := range refs {
		logger.Info().Msgf("Pushing %s", req.Redactor.Redact(ref.String()))
		if err := p.run(ctx, command.New(p.Docker, "push", ref.String()), &out); err != nil {
			return result(fmt.Errorf("%w: %s: %w", ErrPush, ref, err))
		}
	}
	res.Ref = primary

	if !spec.SkipVerify {
		digest, err := p.verify(ctx, refs, creds, spec.Insecure)
		if err != nil {
			res.Ref = image.Ref{}
			return result(err)
		}
		res.Digest = digest
		fmt.Fprintf(&out, "verified %s@%s\n", primary, digest)
	}

	if len(spec.VerifyNoToolchain) > 0 {
		target := primary
		if res.Digest != "" {
			target = primary.WithDigest(res.Digest)
		}
		if err := p.scanToolchain(ctx, target, spec.VerifyNoToolchain, &out); err != nil {
			res.Ref = image.Ref{}
			return result(err)
		}
	}
	return result(nil)
}

func (p *Publisher) login(ctx context.Context, registry string, creds Credentials, out *strings.Builder) error {
	cmd := command.New(p.Docker, "login", "--username", creds.Username, "--password-stdin").
		AddArgs(registry).
		WithStdin(strings.NewReader(creds.Password))
	if err := p.run(ctx, cmd, out); err != nil {
		return fmt.Errorf("%w: %w", ErrLogin, err)
	}
	return nil
}

// logout drops the stored credential so the next stage starts clean.
func (p *Publisher) logout(ctx context.Context, registry string, redactor *secrets.Redactor) {
	cmd := command.New(p.Docker, "logout").AddArgs(registry)
	if out, err := p.Commands.Run(context.WithoutCancel(ctx), cmd); err != nil {
		log.Ctx(ctx).Warn().Str("error", redactor.RedactError(err)).Str("output", redactor.Redact(out)).Msg("docker logout failed")
	}
}

// dockerfile returns the Dockerfile path to build with, rendering the recipe
// to a temporary file outside the build context when one is configured.
func (p *Publisher) dockerfile(req core.ImageRequest) (string, func(), error) {
	if req.Spec.Recipe == nil {
		return req.Spec.Dockerfile, func() {}, nil
	}
	content, err := recipe.Render(*req.Spec.Recipe)
	if err != nil {
		return "", nil, fmt.Errorf("render recipe: %w", err)
	}
	f, err := os.CreateTemp("", "deployq-dockerfile-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.Write(content); err != nil {
		f.Close()
		cleanup()
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	path, err := filepath.Abs(f.Name())
	if err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}

// verify checks every pushed tag resolves to one digest.
func (p *Publisher) verify(ctx context.Context, refs []image.Ref, creds Credentials, insecure bool) (string, error) {
	if p.Remote == nil {
		return "", fmt.Errorf("%w: no registry client", ErrVerify)
	}
	var digest string
	for _, ref := range refs {
		d, err := p.Remote.Digest(ctx, ref, creds, insecure)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrVerify, err)
		}
		if digest == "" {
			digest = d
			continue
		}
		if d != digest {
			return "", fmt.Errorf("%w: %s resolves to %s, expected %s", ErrVerify, ref, d, digest)
		}
	}
	return digest, nil
}

// scanToolchain runs ref once per binary; finding any of them fails.
func (p *Publisher) scanToolchain(ctx context.Context, ref image.Ref, binaries []string, out *strings.Builder) error {
	for _, bin := range binaries {
		cmd := command.New(p.Docker, "run", "--rm", "--entrypoint", "sh", ref.String(), "-c", "command -v "+command.Quote(bin))
		output, err := p.Commands.Run(ctx, cmd)
		switch code := command.ExitCode(err); {
		case err == nil:
			fmt.Fprintf(out, "%s found at %s", bin, output)
			return fmt.Errorf("%w: %s", ErrToolchain, bin)
		case code == 1 || code == 127:
			fmt.Fprintf(out, "%s: absent\n", bin)
		default:
			out.WriteString(output)
			return fmt.Errorf("%w: check %s: %w", ErrVerify, bin, err)
		}
	}
	return nil
}

func (p *Publisher) run(ctx context.Context, cmd command.Cmd, out *strings.Builder) error {
	fmt.Fprintf(out, "$ %s\n", cmd)
	output, err := p.Commands.Run(ctx, cmd)
	out.WriteString(output)
	return err
}
