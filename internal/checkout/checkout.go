// Package checkout prepares the source tree a stage runs against.
package checkout

import (
	"context"
	"deployq/internal/core"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoRepository      = errors.New("no repository to clone")
	ErrReferenceNotFound = errors.New("reference not found")
)

// Git clones the repository of the event into a fresh directory for every
// stage, so nothing carries over between stages.
type Git struct {
	URL     string               // used when the event names no repository
	BaseDir string               // parent of the clones, os.TempDir() when empty
	Auth    transport.AuthMethod // optional
}

var _ core.Workspace = (*Git)(nil)

// Prepare clones and checks out ev.Commit, or the tip of ev.Branch when the
// commit is empty.
func (g *Git) Prepare(ctx context.Context, ev core.Event) (string, func(), error) {
	url := ev.Repository
	if url == "" {
		url = g.URL
	}
	if url == "" {
		return "", nil, ErrNoRepository
	}

	if g.BaseDir != "" {
		if err := os.MkdirAll(g.BaseDir, 0o755); err != nil {
			return "", nil, err
		}
	}
	dir, err := os.MkdirTemp(g.BaseDir, "deployq-ws-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	opts := &git.CloneOptions{URL: url, Auth: g.Auth}
	if branch := strings.TrimPrefix(ev.Branch, "refs/heads/"); branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = true
	}
	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("clone %s: %w", url, err)
	}

	if ev.Commit != "" {
		if err := checkout(repo, ev.Commit); err != nil {
			cleanup()
			return "", nil, err
		}
	}
	log.Ctx(ctx).Debug().Msgf("Checked out %s into %s", url, dir)
	return dir, cleanup, nil
}

func checkout(repo *git.Repository, commit string) error {
	hash, err := repo.ResolveRevision(plumbing.Revision(commit))
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("%w: %s", ErrReferenceNotFound, commit)
		}
		return fmt.Errorf("resolve %s: %w", commit, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return fmt.Errorf("failed to checkout: %w", err)
	}
	return nil
}

// Head returns the commit checked out in dir.
func Head(dir string) (string, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", err
	}
	ref, err := repo.Head()
	if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}

// Local serves an existing directory to every stage. It is meant for running
// a pipeline by hand against a working copy.
type Local struct {
	Dir string
}

var _ core.Workspace = Local{}

func (l Local) Prepare(_ context.Context, _ core.Event) (string, func(), error) {
	dir, err := filepath.Abs(l.Dir)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", nil, err
	}
	if !info.IsDir() {
		return "", nil, fmt.Errorf("%s is not a directory", dir)
	}
	return dir, func() {}, nil
}
