package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// CommandOutput captures a finished subprocess.
type CommandOutput struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// CommandRunner executes one subprocess in a directory. Implementations must
// respect ctx cancellation.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (CommandOutput, error)
}

// execRunner is the real os/exec runner.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir, name string, args ...string) (CommandOutput, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := CommandOutput{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
	} else if err != nil {
		out.ExitCode = -1
	}
	return out, err
}

// detectTestCommand picks a test command from the project layout. Returns
// nil when nothing testable is found.
func detectTestCommand(dir string) []string {
	if script := packageJSONTestScript(dir); script != "" {
		return []string{"npm", "test"}
	}
	if fileExists(filepath.Join(dir, "pyproject.toml")) ||
		fileExists(filepath.Join(dir, "setup.py")) {
		return []string{"python", "-m", "pytest"}
	}
	if fileExists(filepath.Join(dir, "go.mod")) {
		return []string{"go", "test", "./..."}
	}
	return nil
}

// detectTypeCheckCommand picks a type-check command analogously.
func detectTypeCheckCommand(dir string) []string {
	if fileExists(filepath.Join(dir, "tsconfig.json")) {
		return []string{"npx", "tsc", "--noEmit"}
	}
	if fileExists(filepath.Join(dir, "mypy.ini")) ||
		fileExists(filepath.Join(dir, "pyproject.toml")) {
		return []string{"python", "-m", "mypy", "."}
	}
	if fileExists(filepath.Join(dir, "go.mod")) {
		return []string{"go", "build", "./..."}
	}
	return nil
}

// packageJSONTestScript returns the test script from package.json, or "" if
// absent or still the npm placeholder.
func packageJSONTestScript(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return ""
	}
	var manifest struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return ""
	}
	script := manifest.Scripts["test"]
	if script == "" || strings.Contains(script, "no test specified") {
		return ""
	}
	return script
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
