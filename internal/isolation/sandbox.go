package isolation

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// waitDelay bounds how long Wait keeps draining pipes after a kill.
const waitDelay = 5 * time.Second

// Caps lists what a sandbox can enforce besides the timeout.
type Caps struct {
	Memory  bool `json:"memory"`
	CPU     bool `json:"cpu"`
	Network bool `json:"network"`
	PID     bool `json:"pid"`
}

// Sandbox prepares a command to run under limits. The returned command must be
// run instead of cmd and release must be called once it has exited.
type Sandbox interface {
	Prepare(ctx context.Context, cmd *exec.Cmd, limits Limits) (prepared *exec.Cmd, release func(), err error)
	Caps() Caps
}

// Plain enforces the timeout only.
type Plain struct{}

var _ Sandbox = Plain{}

func (Plain) Caps() Caps { return Caps{} }

func (Plain) Prepare(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	prepared, cancel := clone(ctx, cmd, limits.Timeout)
	return prepared, cancel, nil
}

// clone rebuilds cmd on exec.CommandContext so cancellation kills it.
func clone(ctx context.Context, cmd *exec.Cmd, timeout time.Duration) (*exec.Cmd, context.CancelFunc) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	out := exec.CommandContext(runCtx, cmd.Path)
	out.Args = cmd.Args
	out.Dir = cmd.Dir
	out.Env = cmd.Env
	out.Stdin = cmd.Stdin
	out.Stdout = cmd.Stdout
	out.Stderr = cmd.Stderr
	out.WaitDelay = waitDelay
	return out, cancel
}

var (
	kernelOnce sync.Once
	kernel     Sandbox
)

// For returns the sandbox able to enforce limits. Limits that need kernel
// support use the cgroup sandbox when the host offers one; otherwise a
// warning is logged once and only the timeout is enforced.
func For(limits Limits, logger *slog.Logger) Sandbox {
	if !limits.kernel() {
		return Plain{}
	}
	kernelOnce.Do(func() {
		sb, err := newKernelSandbox()
		if err != nil {
			if logger == nil {
				logger = slog.Default()
			}
			logger.Warn("process limits unavailable, enforcing timeout only", "error", err)
			kernel = Plain{}
			return
		}
		kernel = sb
	})
	return kernel
}
