package stageexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"neurorun/internal/services"
)

// Command is one fully built child process invocation.
type Command struct {
	Binary string
	Args   []string
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Argv returns the binary followed by its arguments.
func (c Command) Argv() []string {
	return append([]string{c.Binary}, c.Args...)
}

// Executor abstracts process execution for testability. Run returns the
// child's exit code. A non-zero exit is not an error; an error means the
// process could not be started or was stopped because ctx ended.
type Executor interface {
	Run(ctx context.Context, cmd Command) (int, error)
}

// processExecutor runs commands in their own process group so a timeout or
// cancellation can stop the tool together with everything it spawned.
type processExecutor struct {
	killGrace time.Duration
}

func (e processExecutor) Run(ctx context.Context, c Command) (int, error) {
	cmd := exec.Command(c.Binary, c.Args...) //nolint:gosec
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return -1, services.Wrap(services.ErrExternalTool, "", "launch", c.Binary, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return exitCode(err)
	case <-ctx.Done():
	}

	pgid := cmd.Process.Pid
	_ = unix.Kill(-pgid, unix.SIGTERM)
	grace := e.killGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		_ = unix.Kill(-pgid, unix.SIGKILL)
		waitErr = <-done
	}
	code, _ := exitCode(waitErr)
	return code, ctx.Err()
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("wait for process: %w", err)
}
