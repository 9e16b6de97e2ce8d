//go:build linux

package isolation

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	cgroupRoot   = "/sys/fs/cgroup"
	cgroupGroup  = "control"
	cpuPeriod    = 100000 // microseconds
	removeTries  = 10
	removeBackof = 50 * time.Millisecond
)

// Cgroup runs every command in its own cgroup v2 child with memory and CPU
// limits, in fresh PID and network namespaces when allowed.
type Cgroup struct {
	base string
	caps Caps
}

var _ Sandbox = (*Cgroup)(nil)

func newKernelSandbox() (Sandbox, error) {
	return NewCgroup(cgroupRoot)
}

// NewCgroup prepares the control group under root. It fails when cgroups v2
// is not mounted there or the group cannot be created.
func NewCgroup(root string) (*Cgroup, error) {
	raw, err := os.ReadFile(filepath.Join(root, "cgroup.controllers"))
	if err != nil {
		return nil, fmt.Errorf("cgroups v2 not available: %w", err)
	}
	controllers := strings.Fields(string(raw))

	base := filepath.Join(root, cgroupGroup)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", base, err)
	}
	if enable := subtreeControl(controllers); enable != "" {
		if err := os.WriteFile(filepath.Join(base, "cgroup.subtree_control"), []byte(enable), 0o644); err != nil {
			return nil, fmt.Errorf("enable controllers in %s: %w", base, err)
		}
	}
	return &Cgroup{base: base, caps: capsOf(controllers)}, nil
}

func (c *Cgroup) Caps() Caps { return c.caps }

func (c *Cgroup) Prepare(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	dir := filepath.Join(c.base, uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create cgroup %s: %w", dir, err)
	}
	if err := c.writeLimits(dir, limits); err != nil {
		destroy(dir)
		return nil, nil, err
	}
	fd, err := syscall.Open(dir, syscall.O_DIRECTORY|syscall.O_RDONLY, 0)
	if err != nil {
		destroy(dir)
		return nil, nil, fmt.Errorf("open cgroup %s: %w", dir, err)
	}

	prepared, cancel := clone(ctx, cmd, limits.Timeout)
	var flags uintptr
	if c.caps.PID {
		flags |= syscall.CLONE_NEWPID
	}
	if !limits.AllowNetwork && c.caps.Network {
		flags |= syscall.CLONE_NEWNET
	}
	prepared.SysProcAttr = &syscall.SysProcAttr{UseCgroupFD: true, CgroupFD: fd, Cloneflags: flags}

	var once sync.Once
	release := func() {
		once.Do(func() {
			_ = syscall.Close(fd)
			cancel()
			destroy(dir)
		})
	}
	return prepared, release, nil
}

func (c *Cgroup) writeLimits(dir string, limits Limits) error {
	if limits.MaxMemoryBytes > 0 && c.caps.Memory {
		if err := writeControl(dir, "memory.max", strconv.FormatInt(limits.MaxMemoryBytes, 10)); err != nil {
			return err
		}
		// No swap, so the memory limit is a hard ceiling.
		_ = writeControl(dir, "memory.swap.max", "0")
	}
	if limits.MaxCPUPercent > 0 && c.caps.CPU {
		if err := writeControl(dir, "cpu.max", cpuMax(limits.MaxCPUPercent)); err != nil {
			return err
		}
	}
	return nil
}

func writeControl(dir, file, value string) error {
	if err := os.WriteFile(filepath.Join(dir, file), []byte(value), 0o644); err != nil {
		return fmt.Errorf("set %s: %w", file, err)
	}
	return nil
}

// cpuMax renders a percentage of one core in the "quota period" format.
func cpuMax(percent int) string {
	if percent <= 0 || percent > 100 {
		return fmt.Sprintf("max %d", cpuPeriod)
	}
	return fmt.Sprintf("%d %d", cpuPeriod*percent/100, cpuPeriod)
}

func subtreeControl(controllers []string) string {
	var enable []string
	for _, c := range controllers {
		switch c {
		case "memory", "cpu", "pids":
			enable = append(enable, "+"+c)
		}
	}
	return strings.Join(enable, " ")
}

func capsOf(controllers []string) Caps {
	caps := Caps{Network: true} // network isolation is a namespace, not a controller
	for _, c := range controllers {
		switch c {
		case "memory":
			caps.Memory = true
		case "cpu":
			caps.CPU = true
		case "pids":
			caps.PID = true
		}
	}
	return caps
}

// destroy kills whatever still runs in dir and removes it.
func destroy(dir string) {
	if err := os.WriteFile(filepath.Join(dir, "cgroup.kill"), []byte("1"), 0o644); err != nil {
		killProcs(dir)
	}
	for range removeTries {
		if err := os.Remove(dir); err == nil || os.IsNotExist(err) {
			return
		}
		time.Sleep(removeBackof)
	}
	slog.Warn("cgroup left behind", "path", dir)
}

func killProcs(dir string) {
	f, err := os.Open(filepath.Join(dir, "cgroup.procs"))
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if pid, err := strconv.Atoi(strings.TrimSpace(sc.Text())); err == nil && pid > 0 {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
}
