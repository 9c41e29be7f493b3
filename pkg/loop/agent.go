package loop

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandAgent adapts an external command to the Agent interface. The
// prompt is written to stdin; stdout becomes the iteration output. What the
// command does with the working tree is entirely its business.
type CommandAgent struct {
	Command string
	Args    []string
	Dir     string
}

// RunIteration invokes the command once.
func (a *CommandAgent) RunIteration(ctx context.Context, prompt string) (*Outcome, error) {
	if a.Command == "" {
		return nil, fmt.Errorf("no agent command configured")
	}

	cmd := exec.CommandContext(ctx, a.Command, a.Args...)
	cmd.Dir = a.Dir
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("agent command: %s", msg)
	}

	output := strings.TrimSpace(stdout.String())
	return &Outcome{
		Output:  output,
		Summary: lastLine(output),
	}, nil
}

// lastLine returns the final non-empty line of the output.
func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
