package nodes

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rendis/control/internal/engine"
	"github.com/rendis/control/internal/isolation"
	"github.com/rendis/control/pkg/schema"
)

const (
	defaultScriptTimeout = 30 * time.Second
	maxScriptOutput      = 10 * 1024 * 1024 // 10MB

	// InputsEnvVar carries the JSON encoded inputs of the invocation to the command.
	InputsEnvVar = "CONTROL_INPUTS"
)

type scriptNode struct{ when }

func newScript(spec engine.Spec) (engine.Behavior, error) {
	if stringParam(spec.Config, "command", "") == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "script node requires config.command")
	}
	if _, err := isolation.Parse(mapParam(spec.Config, "limits"), 0); err != nil {
		return nil, err
	}
	return &scriptNode{}, nil
}

// Run executes config.command. Recognized keys: args, env, cwd, stdin,
// timeout, limits (see isolation.Parse), shell (run through /bin/sh -c) and
// allow_failure (a non-zero exit code is reported in the output instead of
// failing the node).
func (n *scriptNode) Run(ctx context.Context, in *engine.Input) (any, error) {
	params := in.Config
	command := stringParam(params, "command", "")
	args := stringSliceParam(params, "args")
	shellMode := boolParam(params, "shell", false)

	limits, err := isolation.Parse(mapParam(params, "limits"), durationParam(params, "timeout", defaultScriptTimeout))
	if err != nil {
		return nil, err
	}
	dir := stringParam(params, "cwd", "")
	if err := limits.Allowed(cmp.Or(dir, "."), isolation.Read); err != nil {
		return nil, err
	}

	var cmd *exec.Cmd
	if shellMode {
		full := command
		if len(args) > 0 {
			full = command + " " + strings.Join(args, " ")
		}
		cmd = exec.Command("/bin/sh", "-c", full)
	} else {
		cmd = exec.Command(command, args...)
	}
	cmd.Dir = dir

	inputs, err := json.Marshal(in.Inputs)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "script: inputs are not JSON encodable").WithCause(err)
	}
	cmd.Env = append(os.Environ(), InputsEnvVar+"="+string(inputs))
	for k, v := range stringMapParam(params, "env") {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if stdin := stringParam(params, "stdin", ""); stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: maxScriptOutput}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: maxScriptOutput}

	sandbox := isolation.For(limits, nil)
	cmd, release, err := sandbox.Prepare(ctx, cmd, limits)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "script: %v", err).WithCause(err)
	}
	defer release()

	start := time.Now()
	runErr := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	exitCode := 0
	killed := false
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "script: %v", runErr).WithCause(runErr)
		}
		exitCode = exitErr.ExitCode()
		// A signal while the run is still wanted means the timeout or a limit hit.
		killed = exitCode == -1 && ctx.Err() == nil
	}

	// stdout is parsed when it holds a JSON document so children can
	// template into it.
	raw := stdout.String()
	var parsed any = raw
	if stdout.Len() > 0 && json.Valid(stdout.Bytes()) {
		var v any
		if err := json.Unmarshal(stdout.Bytes(), &v); err == nil {
			parsed = v
		}
	}

	result := map[string]any{
		"stdout":      parsed,
		"stdout_raw":  raw,
		"stderr":      stderr.String(),
		"exit_code":   exitCode,
		"duration_ms": durationMs,
		"killed":      killed,
	}

	if exitCode != 0 && !boolParam(params, "allow_failure", false) {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
			"script exited with code %d: %s", exitCode, strings.TrimSpace(stderr.String())).
			WithDetails(result)
	}
	return result, nil
}

// --- limitedWriter ---

// limitedWriter discards bytes beyond limit while reporting every write as
// fully consumed, so the child process never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
