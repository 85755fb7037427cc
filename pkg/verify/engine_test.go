package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foreman/pkg/models"
)

// fakeRunner replays canned outputs keyed by the joined command line.
type fakeRunner struct {
	outputs map[string]CommandOutput
	errs    map[string]error
	calls   []string
}

func (f *fakeRunner) Run(_ context.Context, _, name string, args ...string) (CommandOutput, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, key)
	return f.outputs[key], f.errs[key]
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs: make(map[string]CommandOutput),
		errs:    make(map[string]error),
	}
}

func (f *fakeRunner) stubCommitCount(n int) {
	f.outputs["git rev-list --count HEAD"] = CommandOutput{Stdout: []byte(fmt.Sprintf("%d\n", n))}
}

func (f *fakeRunner) stubDiff(files ...string) {
	f.outputs["git diff --name-only HEAD~1 HEAD"] = CommandOutput{
		Stdout: []byte(strings.Join(files, "\n")),
	}
}

func TestVerifyNoClaimsNoChecks(t *testing.T) {
	engine := New(WithRunner(newFakeRunner()))

	result := engine.Verify(context.Background(), Request{
		Claims:  models.TaskClaims{},
		WorkDir: "/tmp/worktree",
	})

	assert.True(t, result.Success)
	assert.Empty(t, result.Checks)
}

func TestVerifyCatchesLyingClaims(t *testing.T) {
	runner := newFakeRunner()
	runner.stubCommitCount(10) // unchanged from baseline
	runner.stubDiff()          // empty diff

	engine := New(WithRunner(runner))
	result := engine.Verify(context.Background(), Request{
		Claims: models.TaskClaims{
			CommitsCreated: 2,
			FilesModified:  []string{"src/x.ts"},
		},
		WorkDir:         "/tmp/worktree",
		BaselineCommits: 10,
	})

	assert.False(t, result.Success)
	assert.ElementsMatch(t, []string{CheckCommitsCreated, CheckFilesModified},
		result.FailingChecks())

	// A failing earlier check never skips later checks.
	require.Len(t, result.Checks, 2)
	assert.Contains(t, result.Checks[0].Details, "claimed 2 commits, found 0")
}

func TestVerifyHonestClaimsPass(t *testing.T) {
	runner := newFakeRunner()
	runner.stubCommitCount(12)
	runner.stubDiff("backend/src/x.ts", "README.md")

	engine := New(WithRunner(runner))
	result := engine.Verify(context.Background(), Request{
		Claims: models.TaskClaims{
			CommitsCreated: 2,
			FilesModified:  []string{"src/x.ts"}, // suffix-matches backend/src/x.ts
		},
		WorkDir:         "/tmp/worktree",
		BaselineCommits: 10,
	})

	assert.True(t, result.Success)
}

func TestVerifyExtraCommitsStillPass(t *testing.T) {
	runner := newFakeRunner()
	runner.stubCommitCount(15)

	engine := New(WithRunner(runner))
	result := engine.Verify(context.Background(), Request{
		Claims:          models.TaskClaims{CommitsCreated: 2},
		WorkDir:         "/tmp/worktree",
		BaselineCommits: 10,
	})

	assert.True(t, result.Success)
}

func TestVerifyGitFailureFailsCheckNotCall(t *testing.T) {
	runner := newFakeRunner()
	runner.errs["git rev-list --count HEAD"] = errors.New("not a git repository")

	engine := New(WithRunner(runner))
	result := engine.Verify(context.Background(), Request{
		Claims:  models.TaskClaims{CommitsCreated: 1},
		WorkDir: "/tmp/worktree",
	})

	assert.False(t, result.Success)
	require.Len(t, result.Checks, 1)
	assert.Contains(t, result.Checks[0].Details, "not a git repository")
}

func TestVerifyIdempotent(t *testing.T) {
	runner := newFakeRunner()
	runner.stubCommitCount(11)
	runner.stubDiff("src/a.go")

	engine := New(WithRunner(runner))
	req := Request{
		Claims: models.TaskClaims{
			CommitsCreated: 1,
			FilesModified:  []string{"src/a.go", "src/missing.go"},
		},
		WorkDir:         "/tmp/worktree",
		BaselineCommits: 10,
	}

	first := engine.Verify(context.Background(), req)
	second := engine.Verify(context.Background(), req)

	assert.Equal(t, first.Success, second.Success)
	require.Equal(t, len(first.Checks), len(second.Checks))
	for i := range first.Checks {
		assert.Equal(t, first.Checks[i].Name, second.Checks[i].Name)
		assert.Equal(t, first.Checks[i].Passed, second.Checks[i].Passed)
	}
}

func TestPathSuffixMatch(t *testing.T) {
	assert.True(t, pathSuffixMatch("src/x.ts", "src/x.ts"))
	assert.True(t, pathSuffixMatch("src/x.ts", "backend/src/x.ts"))
	assert.True(t, pathSuffixMatch("backend/src/x.ts", "src/x.ts"))
	// Suffixes match on path-segment boundaries only.
	assert.False(t, pathSuffixMatch("x.ts", "prefix_x.ts"))
	assert.False(t, pathSuffixMatch("a/b.go", "a/c.go"))
}

func TestTestsCheckNoCommandDetected(t *testing.T) {
	engine := New(WithRunner(newFakeRunner()))

	result := engine.Verify(context.Background(), Request{
		WorkDir:  t.TempDir(), // nothing testable inside
		RunTests: true,
	})

	assert.True(t, result.Success)
	require.Len(t, result.Checks, 1)
	assert.Equal(t, CheckTestsPass, result.Checks[0].Name)
	assert.Equal(t, "no test command detected", result.Checks[0].Actual)
}

func TestTestsCheckFailureTail(t *testing.T) {
	runner := newFakeRunner()
	longOutput := strings.Repeat("x", 600) + "FAIL: TestSomething"
	runner.outputs["go test ./..."] = CommandOutput{Stdout: []byte(longOutput), ExitCode: 1}
	runner.errs["go test ./..."] = errors.New("exit status 1")

	engine := New(WithRunner(runner))
	result := engine.Verify(context.Background(), Request{
		WorkDir:     "/tmp/worktree",
		RunTests:    true,
		TestCommand: []string{"go", "test", "./..."},
	})

	assert.False(t, result.Success)
	require.Len(t, result.Checks, 1)
	check := result.Checks[0]
	assert.False(t, check.Passed)
	// Only the last 500 bytes of output survive.
	assert.LessOrEqual(t, len(check.Details), 500)
	assert.Contains(t, check.Details, "FAIL: TestSomething")
}

func TestDetectTestCommand(t *testing.T) {
	t.Run("placeholder npm script ignored", func(t *testing.T) {
		dir := t.TempDir()
		manifest := `{"scripts": {"test": "echo \"Error: no test specified\" && exit 1"}}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0o644))
		assert.Nil(t, detectTestCommand(dir))
	})

	t.Run("real npm script detected", func(t *testing.T) {
		dir := t.TempDir()
		manifest := `{"scripts": {"test": "vitest run"}}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0o644))
		assert.Equal(t, []string{"npm", "test"}, detectTestCommand(dir))
	})

	t.Run("go module detected", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/x\n"), 0o644))
		assert.Equal(t, []string{"go", "test", "./..."}, detectTestCommand(dir))
	})

	t.Run("python project detected", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte("[project]\n"), 0o644))
		assert.Equal(t, []string{"python", "-m", "pytest"}, detectTestCommand(dir))
	})
}

func TestDetectTypeCheckCommand(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tsconfig.json"), []byte("{}"), 0o644))
	assert.Equal(t, []string{"npx", "tsc", "--noEmit"}, detectTypeCheckCommand(dir))

	assert.Nil(t, detectTypeCheckCommand(t.TempDir()))
}
