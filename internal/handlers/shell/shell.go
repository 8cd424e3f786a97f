// Package shell is the built-in "shell" task: it runs a command and returns
// its combined output.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"durableflow/internal/worker"
)

const Kind = "shell"

type Shell struct{}

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir,omitempty"`
}

type Result struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

func (h Shell) Handle(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var c Cmd
	if err := json.Unmarshal(input, &c); err != nil {
		return nil, worker.Permanent(err)
	}
	if c.Command == "" {
		return nil, worker.Permanent(fmt.Errorf("command is required"))
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return json.Marshal(Result{Output: string(out), ExitCode: cmd.ProcessState.ExitCode()})
}
