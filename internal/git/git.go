package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/devgodzilla/devgodzilla/internal/domain"
)

// Client runs git CLI operations for protocol worktree and branch
// lifecycle. All invocations go through the shared Pool.
type Client struct {
	pool *Pool
}

// NewClient creates a Client over the given pool. A nil pool disables
// concurrency limiting.
func NewClient(pool *Pool) *Client {
	return &Client{pool: pool}
}

// CheckAvailable verifies the git binary is on PATH.
func (c *Client) CheckAvailable() error {
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("git binary not found: %w", domain.ErrDependency)
	}
	return nil
}

// run executes git in dir with auto-maintenance disabled so frequent
// worktree churn never spawns background helpers.
func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	var out string
	err := c.pool.Run(ctx, func() error {
		base := []string{"-C", dir, "-c", "maintenance.auto=0", "-c", "gc.auto=0"}
		cmd := exec.CommandContext(ctx, "git", append(base, args...)...) //nolint:gosec // args are built internally

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("git %s: %s: %w", strings.Join(args, " "),
				strings.TrimSpace(stderr.String()), err)
		}
		out = stdout.String()
		return nil
	})
	return out, err
}

// Clone clones url into dir.
func (c *Client) Clone(ctx context.Context, url, dir string) error {
	_, err := c.run(ctx, filepath.Dir(dir), "clone", url, dir)
	return err
}

// IsRepo reports whether dir is inside a git work tree.
func (c *Client) IsRepo(ctx context.Context, dir string) bool {
	out, err := c.run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// HeadSHA returns the current HEAD commit of dir.
func (c *Client) HeadSHA(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// StatusPorcelain returns `git status --porcelain` output for dir.
func (c *Client) StatusPorcelain(ctx context.Context, dir string) (string, error) {
	return c.run(ctx, dir, "status", "--porcelain")
}

// IsClean reports whether dir has no uncommitted changes.
func (c *Client) IsClean(ctx context.Context, dir string) (bool, error) {
	out, err := c.StatusPorcelain(ctx, dir)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// LastCommitMessage returns the subject and body of the HEAD commit.
func (c *Client) LastCommitMessage(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "log", "-1", "--pretty=%B")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// AddWorktree creates a worktree at worktreeDir on a new branch rooted
// at baseBranch. An existing branch of the same name is reused.
func (c *Client) AddWorktree(ctx context.Context, repoDir, worktreeDir, branch, baseBranch string) error {
	if _, err := c.run(ctx, repoDir, "worktree", "add", "-b", branch, worktreeDir, baseBranch); err == nil {
		return nil
	}
	// Branch may already exist from a previous planning attempt.
	_, err := c.run(ctx, repoDir, "worktree", "add", worktreeDir, branch)
	return err
}

// RemoveWorktree force-removes the worktree registration and directory.
func (c *Client) RemoveWorktree(ctx context.Context, repoDir, worktreeDir string) error {
	_, err := c.run(ctx, repoDir, "worktree", "remove", "--force", worktreeDir)
	return err
}

// CurrentBranch returns the checked-out branch of dir.
func (c *Client) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CommitAll stages everything in dir and commits. A clean tree is not
// an error; committed reports whether a commit was created.
func (c *Client) CommitAll(ctx context.Context, dir, message string) (committed bool, err error) {
	if _, err := c.run(ctx, dir, "add", "-A"); err != nil {
		return false, err
	}
	clean, err := c.IsClean(ctx, dir)
	if err != nil {
		return false, err
	}
	if clean {
		return false, nil
	}
	if _, err := c.run(ctx, dir, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// Push pushes branch to origin, setting upstream on first push.
func (c *Client) Push(ctx context.Context, dir, branch string) error {
	_, err := c.run(ctx, dir, "push", "-u", "origin", branch)
	return err
}

// Fetch updates remote refs for dir.
func (c *Client) Fetch(ctx context.Context, dir string) error {
	_, err := c.run(ctx, dir, "fetch", "--prune", "origin")
	return err
}
