// Package snapshot captures and restores uncommitted working tree changes.
// Captures are opaque whole-tree snapshots backed by git stash commits; there
// is no byte-level diffing here.
package snapshot

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ErrNoRepo is returned when the working tree is not under version control.
// Callers treat this as non-fatal and proceed without a snapshot.
var ErrNoRepo = errors.New("working tree is not a git repository")

// Adapter takes and restores opaque working tree snapshots.
type Adapter interface {
	// Take captures all pending changes, including untracked files.
	// Returns Clean when there is nothing to capture.
	Take(label string) (Ref, error)

	// Restore applies a captured snapshot on top of the current tree.
	// Sentinel refs succeed trivially. Failure is reported, not retried.
	Restore(ref Ref) bool

	// Drop discards a captured snapshot.
	Drop(ref Ref) bool

	// ChangedPaths returns pending created and modified paths, deduplicated.
	ChangedPaths() (created, modified []string, err error)
}

// GitAdapter implements Adapter by shelling out to git. Every call is a
// blocking, synchronous invocation; callers must not overlap snapshot and
// restore calls against the same tree.
type GitAdapter struct {
	dir    string
	logger *slog.Logger
	run    func(args ...string) (string, error)
}

// GitOption configures a GitAdapter.
type GitOption func(*GitAdapter)

// WithLogger sets the adapter's logger.
func WithLogger(logger *slog.Logger) GitOption {
	return func(g *GitAdapter) {
		g.logger = logger
	}
}

// WithRunner replaces the git invocation function (for testing).
func WithRunner(run func(args ...string) (string, error)) GitOption {
	return func(g *GitAdapter) {
		g.run = run
	}
}

// NewGitAdapter creates an adapter rooted at the given working tree.
func NewGitAdapter(dir string, opts ...GitOption) *GitAdapter {
	g := &GitAdapter{
		dir:    dir,
		logger: slog.Default(),
	}
	g.run = g.git

	for _, opt := range opts {
		opt(g)
	}
	return g
}

// git runs a git command in the adapter's working tree.
func (g *GitAdapter) git(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.dir

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(out), nil
}

// Take captures pending changes as a stash commit and reapplies them so the
// working tree is left untouched. The stash commit SHA is the handle.
func (g *GitAdapter) Take(label string) (Ref, error) {
	if _, err := g.run("rev-parse", "--git-dir"); err != nil {
		return None, ErrNoRepo
	}

	status, err := g.run("status", "--porcelain")
	if err != nil {
		return None, fmt.Errorf("status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		// A clean tree is still a valid rollback target.
		return Clean, nil
	}

	message := "rewind-" + label
	if _, err := g.run("stash", "push", "--include-untracked", "--message", message); err != nil {
		return None, fmt.Errorf("stash push: %w", err)
	}

	sha, err := g.run("rev-parse", "refs/stash")
	if err != nil {
		return None, fmt.Errorf("resolve stash: %w", err)
	}
	ref := Stash(strings.TrimSpace(sha))

	// Put the captured changes back; the stash commit is the snapshot,
	// taking one must not alter the tree being iterated on.
	if _, err := g.run("stash", "apply", ref.Handle); err != nil {
		g.logger.Warn("reapply after snapshot failed", "ref", ref.Handle, "error", err)
	}

	return ref, nil
}

// Restore applies the snapshot on top of the current tree.
func (g *GitAdapter) Restore(ref Ref) bool {
	if !ref.IsReal() {
		// Nothing to apply for clean/none sentinels.
		return true
	}

	if _, err := g.run("stash", "apply", ref.Handle); err != nil {
		g.logger.Warn("snapshot restore failed", "ref", ref.Handle, "error", err)
		return false
	}
	return true
}

// Drop discards the stash commit backing the snapshot. A snapshot that is
// already gone counts as dropped.
func (g *GitAdapter) Drop(ref Ref) bool {
	if !ref.IsReal() {
		return true
	}

	out, err := g.run("stash", "list", "--format=%H")
	if err != nil {
		g.logger.Warn("stash list failed", "error", err)
		return false
	}

	for i, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.TrimSpace(line) != ref.Handle {
			continue
		}
		if _, err := g.run("stash", "drop", fmt.Sprintf("stash@{%d}", i)); err != nil {
			g.logger.Warn("stash drop failed", "ref", ref.Handle, "error", err)
			return false
		}
		return true
	}
	return true
}

// ChangedPaths unions untracked-new, unstaged-modified and staged-modified
// paths from git status, deduplicated.
func (g *GitAdapter) ChangedPaths() (created, modified []string, err error) {
	out, err := g.run("status", "--porcelain")
	if err != nil {
		return nil, nil, fmt.Errorf("status: %w", err)
	}

	seen := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		code := line[:2]
		path := strings.TrimSpace(line[3:])

		// Renames are reported as "old -> new"; the new path is the change.
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		path = strings.Trim(path, `"`)

		if path == "" || seen[path] {
			continue
		}
		seen[path] = true

		if code == "??" || strings.Contains(code, "A") {
			created = append(created, path)
		} else {
			modified = append(modified, path)
		}
	}
	return created, modified, nil
}
