package snapshot

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRef_Sentinels(t *testing.T) {
	assert.False(t, None.IsReal())
	assert.False(t, Clean.IsReal())
	assert.Equal(t, "none", None.String())
	assert.Equal(t, "clean", Clean.String())

	ref := Stash("abc123")
	assert.True(t, ref.IsReal())
	assert.Equal(t, "stash:abc123", ref.String())

	assert.False(t, Ref{Kind: RefStash}.IsReal(), "a stash ref without a handle is not real")
	assert.Equal(t, "none", Ref{}.String(), "zero value prints as none")
}

// fakeGit scripts responses per subcommand and records the invocations.
type fakeGit struct {
	calls     [][]string
	responses map[string]string
	errors    map[string]error
}

func (f *fakeGit) run(args ...string) (string, error) {
	f.calls = append(f.calls, args)
	key := args[0]
	if key == "stash" && len(args) > 1 {
		key = "stash " + args[1]
	}
	if err, ok := f.errors[key]; ok {
		return "", err
	}
	return f.responses[key], nil
}

func (f *fakeGit) adapter() *GitAdapter {
	return NewGitAdapter(".", WithRunner(f.run))
}

func TestGitAdapter_Take_NoRepo(t *testing.T) {
	fake := &fakeGit{errors: map[string]error{"rev-parse": fmt.Errorf("not a git repository")}}

	ref, err := fake.adapter().Take("checkpoint-1")
	assert.ErrorIs(t, err, ErrNoRepo)
	assert.Equal(t, None, ref)
}

func TestGitAdapter_Take_CleanTree(t *testing.T) {
	fake := &fakeGit{responses: map[string]string{"status": "  \n"}}

	ref, err := fake.adapter().Take("checkpoint-1")
	require.NoError(t, err)
	assert.Equal(t, Clean, ref, "a clean tree is a valid rollback target")
}

func TestGitAdapter_Take_StashAndReapply(t *testing.T) {
	fake := &fakeGit{responses: map[string]string{
		"status":    " M main.go\n",
		"rev-parse": "deadbeef\n",
	}}

	ref, err := fake.adapter().Take("checkpoint-3")
	require.NoError(t, err)
	assert.Equal(t, Stash("deadbeef"), ref)

	// The capture must reapply the stash so the tree is left untouched.
	var sawPush, sawApply bool
	for _, call := range fake.calls {
		if call[0] != "stash" {
			continue
		}
		switch call[1] {
		case "push":
			sawPush = true
			assert.Contains(t, call, "--include-untracked")
			assert.Contains(t, call, "rewind-checkpoint-3")
		case "apply":
			sawApply = true
			assert.Equal(t, "deadbeef", call[2])
		}
	}
	assert.True(t, sawPush, "expected a stash push")
	assert.True(t, sawApply, "expected the stash to be reapplied")
}

func TestGitAdapter_Restore(t *testing.T) {
	fake := &fakeGit{}
	adapter := fake.adapter()

	assert.True(t, adapter.Restore(None), "sentinels restore trivially")
	assert.True(t, adapter.Restore(Clean))
	assert.Empty(t, fake.calls, "sentinel restore must not touch git")

	assert.True(t, adapter.Restore(Stash("abc123")))

	fake.errors = map[string]error{"stash apply": fmt.Errorf("conflict")}
	assert.False(t, adapter.Restore(Stash("abc123")), "a failed apply is reported, not retried")
}

func TestGitAdapter_Drop(t *testing.T) {
	fake := &fakeGit{responses: map[string]string{
		"stash list": "abc123\ndef456\n",
	}}
	adapter := fake.adapter()

	assert.True(t, adapter.Drop(None), "sentinels drop trivially")

	require.True(t, adapter.Drop(Stash("def456")))
	last := fake.calls[len(fake.calls)-1]
	assert.Equal(t, []string{"stash", "drop", "stash@{1}"}, last, "drop must address the matching stash index")

	assert.True(t, adapter.Drop(Stash("gone999")), "an already-gone snapshot counts as dropped")
}

func TestGitAdapter_ChangedPaths(t *testing.T) {
	fake := &fakeGit{responses: map[string]string{
		"status": " M modified.go\n" +
			"?? brand_new.txt\n" +
			"A  staged_new.go\n" +
			"MM both.go\n" +
			"R  old.go -> renamed.go\n" +
			"?? brand_new.txt\n",
	}}

	created, modified, err := fake.adapter().ChangedPaths()
	require.NoError(t, err)
	assert.Equal(t, []string{"brand_new.txt", "staged_new.go"}, created)
	assert.Equal(t, []string{"modified.go", "both.go", "renamed.go"}, modified)
}

// Integration coverage against a real repository; skipped when git is not
// installed.

func TestGitAdapter_RealRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")

	writeFile(t, dir, "base.txt", "base\n")
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")

	adapter := NewGitAdapter(dir)

	// Clean tree: nothing to capture.
	ref, err := adapter.Take("clean")
	require.NoError(t, err)
	assert.Equal(t, Clean, ref)

	// Pending changes: captured, and the tree is left untouched.
	writeFile(t, dir, "base.txt", "changed\n")
	writeFile(t, dir, "new.txt", "untracked\n")

	ref, err = adapter.Take("work")
	require.NoError(t, err)
	require.True(t, ref.IsReal())
	assert.Equal(t, "changed\n", readFile(t, dir, "base.txt"), "capture must not alter the tree")
	assert.Equal(t, "untracked\n", readFile(t, dir, "new.txt"))

	// Wipe the pending changes, then restore from the snapshot.
	runGit(t, dir, "checkout", "--", ".")
	runGit(t, dir, "clean", "-fd")
	require.Equal(t, "base\n", readFile(t, dir, "base.txt"))

	require.True(t, adapter.Restore(ref))
	assert.Equal(t, "changed\n", readFile(t, dir, "base.txt"))
	assert.Equal(t, "untracked\n", readFile(t, dir, "new.txt"))

	// Discard the snapshot.
	runGit(t, dir, "checkout", "--", ".")
	runGit(t, dir, "clean", "-fd")
	require.True(t, adapter.Drop(ref))
	out := runGit(t, dir, "stash", "list")
	assert.Empty(t, strings.TrimSpace(out))
}

func TestGitAdapter_RealRepo_ChangedPaths(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")

	writeFile(t, dir, "tracked.txt", "v1\n")
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")

	writeFile(t, dir, "tracked.txt", "v2\n")
	writeFile(t, dir, "fresh.txt", "new\n")

	created, modified, err := NewGitAdapter(dir).ChangedPaths()
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh.txt"}, created)
	assert.Equal(t, []string{"tracked.txt"}, modified)
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(data)
}
