package tool

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

const (
	shellTimeout   = 60 * time.Second
	maxOutputBytes = 16 * 1024
)

// NewShellTool executes a shell command in workDir using an embedded
// POSIX shell interpreter rather than /bin/sh, so the command runs the
// same way on every platform. Shell execution is high-risk and always
// requires confirmation.
func NewShellTool(workDir string) *Tool {
	return &Tool{
		Descriptor: Descriptor{
			Name:        "shell",
			Description: "Execute a shell command and return its combined output.",
			Parameters: map[string]ParamSpec{
				"command": {Type: "string", Description: "The shell command to run.", Required: true},
			},
			RequiresConfirmation: true,
		},
		Execute: func(ctx context.Context, args map[string]any, _ CallContext) (Result, error) {
			command, ok := args["command"].(string)
			if !ok || command == "" {
				return Result{Success: false, Error: "command must be a non-empty string"}, nil
			}

			prog, err := syntax.NewParser().Parse(strings.NewReader(command), "command")
			if err != nil {
				return Result{Success: false, Error: fmt.Sprintf("parse error: %v", err)}, nil
			}

			var out bytes.Buffer
			runner, err := interp.New(
				interp.StdIO(nil, &out, &out),
				interp.Dir(workDir),
			)
			if err != nil {
				return Result{Success: false, Error: fmt.Sprintf("interpreter error: %v", err)}, nil
			}

			ctx, cancel := context.WithTimeout(ctx, shellTimeout)
			defer cancel()

			runErr := runner.Run(ctx, prog)
			output := truncate(out.String(), maxOutputBytes)
			if runErr != nil {
				if status, ok := interp.IsExitStatus(runErr); ok {
					return Result{
						Success: false,
						Output:  output,
						Error:   fmt.Sprintf("exit status %d", status),
					}, nil
				}
				return Result{Success: false, Output: output, Error: runErr.Error()}, nil
			}
			return Result{Success: true, Output: output}, nil
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (output truncated)"
}
