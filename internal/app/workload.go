package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"mgmtagent/internal/domain"
	"mgmtagent/internal/infra/units"
)

// WorkloadUnitName names the significant unit that waits on a child command.
const WorkloadUnitName = "workload"

// WorkloadOptions describes a child command run next to the endpoint.
type WorkloadOptions struct {
	Command []string
	Units   *units.Tracker
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Logger  *zap.Logger
}

// Workload runs one child command as a significant unit, so the shutdown
// watcher closes the endpoint once the command exits.
type Workload struct {
	command []string
	units   *units.Tracker
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	logger  *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool
	err     error
	done    chan struct{}
}

func NewWorkload(opts WorkloadOptions) *Workload {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracker := opts.Units
	if tracker == nil {
		tracker = units.Default()
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	return &Workload{
		command: opts.Command,
		units:   tracker,
		stdin:   opts.Stdin,
		stdout:  stdout,
		stderr:  stderr,
		logger:  logger.Named("workload"),
		done:    make(chan struct{}),
	}
}

// Start launches the command. Cancelling ctx kills it.
func (w *Workload) Start(ctx context.Context) error {
	const op = "app.Workload.Start"

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return domain.E(domain.CodeFailedPrecond, op, "workload already started", nil)
	}
	if len(w.command) == 0 || w.command[0] == "" {
		return domain.E(domain.CodeInvalidArgument, op, "command is required", nil)
	}

	cmd := exec.CommandContext(ctx, w.command[0], w.command[1:]...)
	cmd.Env = os.Environ()
	cmd.Stdin = w.stdin
	cmd.Stdout = w.stdout
	cmd.Stderr = w.stderr
	if err := cmd.Start(); err != nil {
		return domain.E(domain.CodeInvalidArgument, op, "start "+w.command[0], err)
	}
	w.cmd = cmd
	w.started = true
	w.logger.Info("workload started",
		zap.String("executable", w.command[0]),
		zap.Int("arg_count", len(w.command)-1),
		zap.Int("pid", cmd.Process.Pid),
	)

	w.units.Go(WorkloadUnitName, func() error {
		err := cmd.Wait()
		w.finish(err)
		return err
	})
	return nil
}

func (w *Workload) finish(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()

	fields := []zap.Field{zap.Int("exit_code", ExitCode(err))}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	w.logger.Info("workload exited", fields...)
	close(w.done)
}

// Done is closed once the command has exited.
func (w *Workload) Done() <-chan struct{} {
	return w.done
}

// Err returns the command's wait error once Done is closed.
func (w *Workload) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Started reports whether the command was launched.
func (w *Workload) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// ExitCode maps a wait error to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode()
	}
	return 1
}
