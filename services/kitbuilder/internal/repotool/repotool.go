// Package repotool runs the external repository indexer and consistency
// checker. Command lines are interpreted in-process by mvdan.cc/sh, so no
// system shell is required; the commands they name are still looked up on PATH.
package repotool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// ExitError reports a tool that exited non-zero. Stderr is the tool's own
// output, unmodified.
type ExitError struct {
	Tool   string
	Status int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s exited with status %d", e.Tool, e.Status)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Tool, e.Status, msg)
}

// Tool is a parsed shell command line.
type Tool struct {
	name    string
	command string
	prog    *syntax.File

	// Stdout receives the tool's standard output; nil discards it.
	Stdout io.Writer
}

// New parses command so syntax errors surface before a build starts.
func New(name, command string) (*Tool, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("%s command is empty", name)
	}
	prog, err := syntax.NewParser().Parse(strings.NewReader(command), name)
	if err != nil {
		return nil, fmt.Errorf("parse %s command: %w", name, err)
	}
	return &Tool{name: name, command: command, prog: prog}, nil
}

// Name identifies the tool in errors.
func (t *Tool) Name() string { return t.name }

func (t *Tool) String() string { return t.command }

// Run executes the command in dir. The process environment is inherited and
// env entries take precedence over it.
func (t *Tool) Run(ctx context.Context, dir string, env []string) error {
	stdout := t.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	var stderr bytes.Buffer

	environ := append(os.Environ(), env...)
	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(environ...)),
		interp.StdIO(nil, stdout, &stderr),
	)
	if err != nil {
		return fmt.Errorf("create %s interpreter: %w", t.name, err)
	}

	if err := runner.Run(ctx, t.prog); err != nil {
		var status interp.ExitStatus
		if errors.As(err, &status) {
			return &ExitError{Tool: t.name, Status: int(status), Stderr: stderr.String()}
		}
		return fmt.Errorf("run %s: %w", t.name, err)
	}
	return nil
}
