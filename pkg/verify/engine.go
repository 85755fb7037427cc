// Package verify turns agent-reported claims into an objective verdict by
// inspecting the task's working tree. The engine only reads; it never
// mutates the tree.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/forgeworks/foreman/pkg/models"
)

const (
	CheckCommitsCreated = "commits_created"
	CheckFilesModified  = "files_modified"
	CheckTestsPass      = "tests_pass"
	CheckTypesValid     = "types_valid"
)

// Request is one verification job.
type Request struct {
	Claims models.TaskClaims
	// WorkDir is the task's worktree.
	WorkDir string
	// BaselineCommits is the commit count recorded before the task began.
	BaselineCommits int
	RunTests        bool
	RunTypeCheck    bool
	// TestCommand and TypeCheckCommand override detection when set.
	TestCommand      []string
	TypeCheckCommand []string
}

// Engine runs the claim checks. Construct with New; the zero value has no
// command runner.
type Engine struct {
	runner        CommandRunner
	perCmdTimeout time.Duration
	totalTimeout  time.Duration
}

type Option func(*Engine)

// WithRunner substitutes the subprocess runner, for tests.
func WithRunner(r CommandRunner) Option {
	return func(e *Engine) { e.runner = r }
}

// WithTimeouts overrides the per-command and total wall-clock bounds.
func WithTimeouts(perCmd, total time.Duration) Option {
	return func(e *Engine) {
		e.perCmdTimeout = perCmd
		e.totalTimeout = total
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		runner:        execRunner{},
		perCmdTimeout: 120 * time.Second,
		totalTimeout:  300 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Verify runs every applicable check in order. Checks are independent; an
// earlier failure never skips a later check. A check that cannot run at all
// reports passed=false with the reason in details rather than aborting the
// verify.
func (e *Engine) Verify(ctx context.Context, req Request) models.VerificationResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.totalTimeout)
	defer cancel()

	var checks []models.VerificationCheck
	if req.Claims.CommitsCreated > 0 {
		checks = append(checks, e.checkCommits(ctx, req))
	}
	if len(req.Claims.FilesModified) > 0 {
		checks = append(checks, e.checkFiles(ctx, req))
	}
	if req.RunTests {
		checks = append(checks, e.checkTests(ctx, req))
	}
	if req.RunTypeCheck {
		checks = append(checks, e.checkTypes(ctx, req))
	}

	result := models.VerificationResult{
		Success:    true,
		Checks:     checks,
		DurationMs: time.Since(start).Milliseconds(),
	}
	for _, c := range checks {
		if !c.Passed {
			result.Success = false
		}
	}

	slog.Info("Verification finished",
		"success", result.Success,
		"checks", len(checks),
		"failing", result.FailingChecks(),
		"duration_ms", result.DurationMs)
	return result
}

// CommitCount reads the current commit count of a worktree. The coordinator
// records it before dispatch as the verification baseline.
func (e *Engine) CommitCount(ctx context.Context, dir string) (int, error) {
	out, err := e.run(ctx, dir, "git", "rev-list", "--count", "HEAD")
	if err != nil {
		return 0, fmt.Errorf("failed to count commits in %s: %w", dir, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(out.Stdout)))
	if err != nil {
		return 0, fmt.Errorf("unparseable commit count in %s: %w", dir, err)
	}
	return n, nil
}

// checkCommits compares the commit count delta against the claim. More
// commits than claimed still passes.
func (e *Engine) checkCommits(ctx context.Context, req Request) models.VerificationCheck {
	check := models.VerificationCheck{
		Name:     CheckCommitsCreated,
		Expected: fmt.Sprintf(">= %d new commits", req.Claims.CommitsCreated),
	}

	out, err := e.run(ctx, req.WorkDir, "git", "rev-list", "--count", "HEAD")
	if err != nil {
		check.Details = fmt.Sprintf("failed to count commits: %v", err)
		return check
	}
	now, err := strconv.Atoi(strings.TrimSpace(string(out.Stdout)))
	if err != nil {
		check.Details = fmt.Sprintf("unparseable commit count %q", strings.TrimSpace(string(out.Stdout)))
		return check
	}

	delta := now - req.BaselineCommits
	check.Actual = fmt.Sprintf("%d new commits", delta)
	check.Passed = delta >= req.Claims.CommitsCreated
	if !check.Passed {
		check.Details = fmt.Sprintf("claimed %d commits, found %d",
			req.Claims.CommitsCreated, delta)
	}
	return check
}

// checkFiles verifies every claimed file against the name-only diff of the
// latest commit. Paths match by suffix in either direction, so a claim of
// "src/app.ts" matches an actual "backend/src/app.ts" and vice versa.
func (e *Engine) checkFiles(ctx context.Context, req Request) models.VerificationCheck {
	check := models.VerificationCheck{
		Name:     CheckFilesModified,
		Expected: strings.Join(req.Claims.FilesModified, ", "),
	}

	out, err := e.run(ctx, req.WorkDir, "git", "diff", "--name-only", "HEAD~1", "HEAD")
	if err != nil {
		check.Details = fmt.Sprintf("failed to diff latest commit: %v", err)
		return check
	}
	actual := splitLines(string(out.Stdout))
	check.Actual = strings.Join(actual, ", ")

	var missing []string
	for _, claimed := range req.Claims.FilesModified {
		if !anySuffixMatch(claimed, actual) {
			missing = append(missing, claimed)
		}
	}
	check.Passed = len(missing) == 0
	if !check.Passed {
		check.Details = "claimed files not found in diff: " + strings.Join(missing, ", ")
	}
	return check
}

func (e *Engine) checkTests(ctx context.Context, req Request) models.VerificationCheck {
	check := models.VerificationCheck{Name: CheckTestsPass, Expected: "exit status 0"}

	cmd := req.TestCommand
	if len(cmd) == 0 {
		cmd = detectTestCommand(req.WorkDir)
	}
	if len(cmd) == 0 {
		check.Passed = true
		check.Actual = "no test command detected"
		return check
	}

	out, err := e.run(ctx, req.WorkDir, cmd[0], cmd[1:]...)
	if err != nil {
		check.Actual = fmt.Sprintf("exit status %d", out.ExitCode)
		check.Details = tail(out.Stdout, 500)
		if check.Details == "" {
			check.Details = err.Error()
		}
		return check
	}
	check.Passed = true
	check.Actual = "exit status 0"
	return check
}

func (e *Engine) checkTypes(ctx context.Context, req Request) models.VerificationCheck {
	check := models.VerificationCheck{Name: CheckTypesValid, Expected: "exit status 0"}

	cmd := req.TypeCheckCommand
	if len(cmd) == 0 {
		cmd = detectTypeCheckCommand(req.WorkDir)
	}
	if len(cmd) == 0 {
		check.Passed = true
		check.Actual = "no type-check command detected"
		return check
	}

	out, err := e.run(ctx, req.WorkDir, cmd[0], cmd[1:]...)
	if err != nil {
		check.Actual = fmt.Sprintf("exit status %d", out.ExitCode)
		check.Details = tail(out.Stderr, 500)
		if check.Details == "" {
			check.Details = err.Error()
		}
		return check
	}
	check.Passed = true
	check.Actual = "exit status 0"
	return check
}

func (e *Engine) run(ctx context.Context, dir, name string, args ...string) (CommandOutput, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, e.perCmdTimeout)
	defer cancel()
	return e.runner.Run(cmdCtx, dir, name, args...)
}

// anySuffixMatch reports whether claimed suffix-matches any actual path.
func anySuffixMatch(claimed string, actual []string) bool {
	for _, a := range actual {
		if pathSuffixMatch(claimed, a) {
			return true
		}
	}
	return false
}

// pathSuffixMatch treats two paths as equivalent when either is a suffix of
// the other on a path-segment boundary.
func pathSuffixMatch(claimed, actual string) bool {
	if claimed == actual {
		return true
	}
	if strings.HasSuffix(claimed, "/"+actual) || strings.HasSuffix(actual, "/"+claimed) {
		return true
	}
	return false
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// tail returns the last n bytes of output as a string.
func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
