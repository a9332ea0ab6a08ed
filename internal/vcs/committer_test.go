package vcs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func initRepo(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	writeFile(t, dir, "README.md", "ouroboros\n")
	worktree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if _, err := worktree.Add("README.md"); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err = worktree.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@localhost", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return dir, repo
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestCommitAllRecordsChanges(t *testing.T) {
	dir, repo := initRepo(t)
	c, err := Open(Config{Dir: dir, Name: "bot", Email: "bot@localhost"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	before, err := repo.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}

	writeFile(t, dir, "change.txt", "improved\n")
	hash, err := c.CommitAll("improve something")
	if err != nil {
		t.Fatalf("commit all: %v", err)
	}
	if hash == "" {
		t.Fatal("expected a commit hash")
	}

	after, err := repo.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if after.Hash() == before.Hash() {
		t.Fatal("HEAD did not advance")
	}
	commit, err := repo.CommitObject(after.Hash())
	if err != nil {
		t.Fatalf("commit object: %v", err)
	}
	if commit.Message != "improve something" {
		t.Fatalf("message = %q", commit.Message)
	}
	if commit.Author.Name != "bot" {
		t.Fatalf("author = %q", commit.Author.Name)
	}
}

func TestCommitAllCleanTree(t *testing.T) {
	dir, _ := initRepo(t)
	c, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := c.CommitAll("nothing"); !errors.Is(err, ErrNoChanges) {
		t.Fatalf("err = %v, want ErrNoChanges", err)
	}
}

func TestEnsureBranchCreatesAndSwitches(t *testing.T) {
	dir, repo := initRepo(t)
	c, err := Open(Config{Dir: dir, Branch: "evolve"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.EnsureBranch(); err != nil {
		t.Fatalf("ensure branch: %v", err)
	}
	head, err := repo.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if got := head.Name().Short(); got != "evolve" {
		t.Fatalf("branch = %q, want evolve", got)
	}

	// Second call checks out the existing branch instead of failing.
	if err := c.EnsureBranch(); err != nil {
		t.Fatalf("ensure branch again: %v", err)
	}
	if c.Branch() != "evolve" {
		t.Fatalf("Branch() = %q", c.Branch())
	}
}

func TestPushWithoutRemoteIsNoop(t *testing.T) {
	dir, _ := initRepo(t)
	c, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.Push(t.Context()); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func TestOpenMissingDir(t *testing.T) {
	if _, err := Open(Config{Dir: filepath.Join(t.TempDir(), "absent")}); err == nil {
		t.Fatal("expected error for missing repository")
	}
	if _, err := Open(Config{}); err == nil {
		t.Fatal("expected error for empty dir")
	}
}
