package validation

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/flowd/internal/task"
)

const defaultCommandTimeout = 2 * time.Minute

// CommandTool validates an artifact by writing it to a temp file and
// running an external command with the file path appended to Args.
//
// Exit code zero means pass. On non-zero exit, each non-empty stdout or
// stderr line becomes one finding.
type CommandTool struct {
	name    string
	command string
	args    []string
	timeout time.Duration
}

// NewCommandTool creates a command tool. timeout <= 0 uses a default.
func NewCommandTool(name, command string, args []string, timeout time.Duration) *CommandTool {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return &CommandTool{name: name, command: command, args: args, timeout: timeout}
}

// Name returns the tool identifier.
func (t *CommandTool) Name() string { return t.name }

// Run executes the command against the artifact.
func (t *CommandTool) Run(ctx context.Context, artifact string) (*Report, error) {
	dir, err := os.MkdirTemp("", "flowd-validate-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "artifact")
	if err := os.WriteFile(path, []byte(artifact), 0o600); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	args := append(append([]string(nil), t.args...), path)
	cmd := exec.CommandContext(ctx, t.command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr == nil {
		return &Report{Tool: t.name, Passed: true, Confidence: 1.0}, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		// Command did not run at all (missing binary, permissions). That
		// is a tool error, not a validation failure.
		return nil, runErr
	}

	report := &Report{Tool: t.name, Passed: false, Confidence: 1.0}
	for _, line := range outputLines(stdout.String(), stderr.String()) {
		report.Findings = append(report.Findings, task.Finding{
			Tool:    t.name,
			Message: line,
		})
	}
	return report, nil
}

// outputLines merges stdout and stderr into trimmed non-empty lines.
func outputLines(outs ...string) []string {
	var lines []string
	for _, out := range outs {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				lines = append(lines, line)
			}
		}
	}
	return lines
}
