package vcs

import (
	"context"
	"errors"
	"fmt"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// ErrNoChanges means the worktree was clean, so there was nothing to commit.
var ErrNoChanges = errors.New("worktree is clean")

// Config describes the repository self-improvement tasks commit into.
type Config struct {
	Dir    string
	Branch string // working branch for generated changes
	Remote string // remote name; empty disables pushing
	Name   string // commit author
	Email  string
	User   string // remote auth
	Token  string
}

// Committer records evolution changes in the orchestrator's own source
// repository. Changes land on a dedicated branch so a human reviews before
// anything reaches the stable line.
type Committer struct {
	cfg  Config
	repo *git.Repository
	now  func() time.Time
}

func Open(cfg Config) (*Committer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("repository dir is required")
	}
	repo, err := git.PlainOpen(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", cfg.Dir, err)
	}
	if cfg.Name == "" {
		cfg.Name = "ouroboros"
	}
	if cfg.Email == "" {
		cfg.Email = "ouroboros@localhost"
	}
	return &Committer{cfg: cfg, repo: repo, now: time.Now}, nil
}

// EnsureBranch checks out the working branch, creating it from HEAD when it
// does not exist yet.
func (c *Committer) EnsureBranch() error {
	if c.cfg.Branch == "" {
		return nil
	}
	worktree, err := c.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	ref := plumbing.NewBranchReferenceName(c.cfg.Branch)
	_, err = c.repo.Reference(ref, true)
	create := err != nil
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: ref, Create: create}); err != nil {
		return fmt.Errorf("checkout %s: %w", c.cfg.Branch, err)
	}
	return nil
}

// CommitAll stages everything and commits. Returns ErrNoChanges on a clean
// worktree.
func (c *Committer) CommitAll(message string) (string, error) {
	worktree, err := c.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	status, err := worktree.Status()
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	if status.IsClean() {
		return "", ErrNoChanges
	}
	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  c.cfg.Name,
			Email: c.cfg.Email,
			When:  c.now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String(), nil
}

// Push sends the working branch to the remote. A remoteless config or an
// already up-to-date remote is not an error.
func (c *Committer) Push(ctx context.Context) error {
	if c.cfg.Remote == "" {
		return nil
	}
	opts := &git.PushOptions{RemoteName: c.cfg.Remote}
	if c.cfg.Token != "" {
		user := c.cfg.User
		if user == "" {
			user = "git"
		}
		opts.Auth = &githttp.BasicAuth{Username: user, Password: c.cfg.Token}
	}
	err := c.repo.PushContext(ctx, opts)
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("push to %s: %w", c.cfg.Remote, err)
	}
	return nil
}

// Head returns the current commit hash, for status reporting.
func (c *Committer) Head() (string, error) {
	head, err := c.repo.Head()
	if err != nil {
		return "", fmt.Errorf("head: %w", err)
	}
	return head.Hash().String(), nil
}

// Branch returns the checked-out branch name, or empty when detached.
func (c *Committer) Branch() string {
	head, err := c.repo.Head()
	if err != nil || !head.Name().IsBranch() {
		return ""
	}
	return head.Name().Short()
}
