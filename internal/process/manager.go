package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/smartqso/payload-supervisor/internal/logging"
)

const (
	// DefaultRestartPause is the gap between stopping and starting during
	// RestartAll.
	DefaultRestartPause = 500 * time.Millisecond

	// waitDelay bounds how long Wait keeps copying output after exit.
	waitDelay = time.Second

	exitSummaryLines = 5

	// feedQueue is how many stdin lines wait for a slow reader before
	// Feed starts dropping.
	feedQueue = 4
)

var (
	ErrAlreadyRegistered = errors.New("process already registered")
	ErrUnknownProcess    = errors.New("unknown process")
	ErrEmptyName         = errors.New("empty process name")
	ErrInvalidRestarts   = errors.New("max restarts must be >= 0")
	ErrForceKilled       = errors.New("process did not exit gracefully")
	ErrStopInProgress    = errors.New("stop in progress")
)

// Config configures a Manager.
type Config struct {
	Logger *slog.Logger

	// Runner builds commands. Defaults to ExecRunner{}.
	Runner Runner

	// Verbose logs every stderr line instead of only warnings and errors.
	Verbose bool

	RestartPause time.Duration
}

// run is one execution of a process. err is valid once done is closed.
type run struct {
	cmd     *exec.Cmd
	pid     int
	started time.Time
	stderr  *logging.StderrHandler
	feed    chan []byte // nil without a stdin feed
	done    chan struct{}
	err     error
}

type entry struct {
	name             string
	command          []string
	restartOnFailure bool
	maxRestarts      int
	stdinFeed        bool

	restartCount int
	exhausted    bool
	lastStart    time.Time
	lastExitCode int
	hasExited    bool

	// retry is set when a restart failed to spawn; the next CheckAll tries
	// again while budget remains.
	retry    bool
	stopping bool

	run *run // nil when not running
}

// Status is a snapshot of one managed process.
type Status struct {
	Name         string
	Running      bool
	PID          int
	Restarts     int
	MaxRestarts  int
	LastExitCode int
	HasExited    bool
	Exhausted    bool
	StartedAt    time.Time
}

// Manager owns the table of managed processes.
// All mutation happens under mu.
type Manager struct {
	logger       *slog.Logger
	runner       Runner
	verbose      bool
	restartPause time.Duration

	mu    sync.Mutex
	procs map[string]*entry
}

// NewManager creates an empty Manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		logger:       cfg.Logger,
		runner:       cfg.Runner,
		verbose:      cfg.Verbose,
		restartPause: cfg.RestartPause,
		procs:        make(map[string]*entry),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.runner == nil {
		m.runner = ExecRunner{}
	}
	if m.restartPause <= 0 {
		m.restartPause = DefaultRestartPause
	}
	return m
}

// RegisterOption customises one registered process.
type RegisterOption func(*entry)

// WithStdinFeed connects the process's stdin to a pipe written by Feed.
// Without it the process reads from /dev/null.
func WithStdinFeed() RegisterOption {
	return func(e *entry) { e.stdinFeed = true }
}

// Register adds a process to the table. It does not start it.
func (m *Manager) Register(name string, command []string, restartOnFailure bool, maxRestarts int, opts ...RegisterOption) error {
	if name == "" {
		return ErrEmptyName
	}
	if len(command) == 0 || command[0] == "" {
		return fmt.Errorf("%w: %s", ErrEmptyCommand, name)
	}
	if maxRestarts < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRestarts, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.procs[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	e := &entry{
		name:             name,
		command:          append([]string(nil), command...),
		restartOnFailure: restartOnFailure,
		maxRestarts:      maxRestarts,
	}
	for _, opt := range opts {
		opt(e)
	}
	m.procs[name] = e
	m.logger.Debug("process_registered",
		"process", name,
		"command", command,
		"max_restarts", maxRestarts,
		"stdin_feed", e.stdinFeed,
	)
	return nil
}

// Start spawns the named process without waiting for it. Starting a running
// process is a no-op.
func (m *Manager) Start(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.procs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProcess, name)
	}
	if e.stopping {
		return fmt.Errorf("%w: %s", ErrStopInProgress, name)
	}
	return m.startLocked(e)
}

// StartAll starts every registered process and joins the failures.
func (m *Manager) StartAll() error {
	var errs []error
	for _, name := range m.Names() {
		if err := m.Start(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) startLocked(e *entry) error {
	if e.run != nil {
		return nil
	}

	cmd, err := m.runner.BuildCommand(e.name, e.command)
	if err != nil {
		m.logger.Error("failed_to_build_command", "process", e.name, "error", err)
		return fmt.Errorf("build %s: %w", e.name, err)
	}

	stderr := logging.NewStderrHandler(e.name, m.logger, m.verbose)
	stdout := logging.NewStdoutHandler(e.name, m.logger)
	cmd.Stderr = stderr
	cmd.Stdout = stdout
	cmd.WaitDelay = waitDelay

	var stdin io.WriteCloser
	if e.stdinFeed {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("stdin %s: %w", e.name, err)
		}
	}

	// Set process group for clean shutdown
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		m.logger.Error("failed_to_start_process", "process", e.name, "error", err)
		if stdin != nil {
			stdin.Close()
		}
		return fmt.Errorf("start %s: %w", e.name, err)
	}

	r := &run{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		stderr:  stderr,
		done:    make(chan struct{}),
	}
	go func() {
		r.err = cmd.Wait()
		stderr.Flush()
		stdout.Flush()
		close(r.done)
	}()
	if stdin != nil {
		r.feed = make(chan []byte, feedQueue)
		go m.writeFeed(e.name, r, stdin)
	}

	e.run = r
	e.retry = false
	e.lastStart = r.started

	m.logger.Info("process_started",
		"process", e.name,
		"pid", r.pid,
		"restarts", e.restartCount,
	)
	return nil
}

// writeFeed copies queued lines to the child's stdin until it exits. Wait
// closes the pipe on exit, which unblocks a pending write.
func (m *Manager) writeFeed(name string, r *run, w io.WriteCloser) {
	defer w.Close()
	for {
		select {
		case <-r.done:
			return
		case line := <-r.feed:
			if _, err := w.Write(line); err != nil {
				m.logger.Debug("stdin_write_failed", "process", name, "pid", r.pid, "error", err)
				return
			}
		}
	}
}

// Feed queues line on the stdin of every running process registered
// WithStdinFeed and returns how many accepted it. A newline is appended if
// missing. A process whose queue is full misses the line.
func (m *Manager) Feed(line []byte) int {
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(append(make([]byte, 0, len(line)+1), line...), '\n')
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	accepted := 0
	for _, name := range m.sortedNamesLocked() {
		r := m.procs[name].run
		if r == nil || r.feed == nil {
			continue
		}
		select {
		case r.feed <- line:
			accepted++
		default:
			m.logger.Warn("stdin_feed_dropped", "process", name, "pid", r.pid)
		}
	}
	return accepted
}

// Stop sends SIGTERM to the process group, waits up to timeout, then sends
// SIGKILL and waits for the exit. The handle is cleared either way.
func (m *Manager) Stop(name string, timeout time.Duration) error {
	m.mu.Lock()
	e, ok := m.procs[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProcess, name)
	}
	r := e.run
	e.retry = false
	if r == nil {
		m.mu.Unlock()
		return nil
	}
	e.run = nil
	e.stopping = true
	m.mu.Unlock()

	err := m.terminate(name, r, timeout)

	m.mu.Lock()
	e.stopping = false
	e.hasExited = true
	e.lastExitCode = exitCode(r)
	m.mu.Unlock()

	m.logger.Info("process_stopped",
		"process", name,
		"pid", r.pid,
		"exit_code", exitCode(r),
		"forced", err != nil,
	)
	return err
}

func (m *Manager) terminate(name string, r *run, timeout time.Duration) error {
	select {
	case <-r.done:
		return nil // already reaped
	default:
	}

	signalGroup(r.pid, unix.SIGTERM)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.done:
		return nil
	case <-timer.C:
		m.logger.Warn("force_killing_process",
			"process", name,
			"pid", r.pid,
			"timeout", timeout.String(),
		)
		signalGroup(r.pid, unix.SIGKILL)
		<-r.done
		return fmt.Errorf("%w: %s", ErrForceKilled, name)
	}
}

// StopAll stops every process concurrently and joins the failures.
func (m *Manager) StopAll(timeout time.Duration) error {
	names := m.Names()
	errs := make([]error, len(names))

	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			errs[i] = m.Stop(name, timeout)
			return nil
		})
	}
	g.Wait()

	return errors.Join(errs...)
}

// RestartAll stops every process, resets all restart counters and
// exhaustion flags, then starts every process again.
func (m *Manager) RestartAll(timeout time.Duration) error {
	m.logger.Info("restarting_all_processes")

	var errs []error
	if err := m.StopAll(timeout); err != nil {
		errs = append(errs, err)
	}

	m.mu.Lock()
	for _, e := range m.procs {
		e.restartCount = 0
		e.exhausted = false
		e.retry = false
	}
	m.mu.Unlock()

	time.Sleep(m.restartPause)

	if err := m.StartAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CheckAll reaps exited processes and restarts them within their budget.
// It never blocks on a running process. Call it once per monitor tick.
func (m *Manager) CheckAll() []Exit {
	m.mu.Lock()
	defer m.mu.Unlock()

	var exits []Exit
	for _, name := range m.sortedNamesLocked() {
		e := m.procs[name]

		var ex Exit
		switch {
		case e.run != nil:
			r := e.run
			select {
			case <-r.done:
			default:
				continue
			}
			ex = m.reapLocked(e, r)

		case e.retry:
			ex = Exit{Name: e.name, ExitCode: e.lastExitCode}

		default:
			continue
		}

		if !e.restartOnFailure {
			exits = append(exits, ex)
			continue
		}

		if e.restartCount >= e.maxRestarts {
			ex.BudgetExhausted = true
			e.retry = false
			if !e.exhausted {
				e.exhausted = true
				m.logger.Error("restart_budget_exhausted",
					"process", e.name,
					"restarts", e.restartCount,
					"max", e.maxRestarts,
				)
			}
			exits = append(exits, ex)
			continue
		}

		e.restartCount++
		m.logger.Info("process_restarting",
			"process", e.name,
			"attempt", e.restartCount,
			"max", e.maxRestarts,
		)
		if err := m.startLocked(e); err != nil {
			e.retry = true
			ex.Error = err
		} else {
			ex.Restarted = true
		}
		exits = append(exits, ex)
	}
	return exits
}

func (m *Manager) reapLocked(e *entry, r *run) Exit {
	code := exitCode(r)
	uptime := time.Since(r.started)

	e.run = nil
	e.hasExited = true
	e.lastExitCode = code

	m.logger.Warn("process_exited",
		"process", e.name,
		"pid", r.pid,
		"exit_code", code,
		"uptime", uptime.String(),
		"recent_stderr", r.stderr.RecentLines(exitSummaryLines),
	)

	return Exit{
		Name:     e.name,
		PID:      r.pid,
		ExitCode: code,
		Uptime:   uptime,
	}
}

// Statuses returns a snapshot of every process, sorted by name.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.procs))
	for _, name := range m.sortedNamesLocked() {
		e := m.procs[name]
		s := Status{
			Name:         e.name,
			Restarts:     e.restartCount,
			MaxRestarts:  e.maxRestarts,
			LastExitCode: e.lastExitCode,
			HasExited:    e.hasExited,
			Exhausted:    e.exhausted,
			StartedAt:    e.lastStart,
		}
		if e.run != nil {
			s.Running = true
			s.PID = e.run.pid
		}
		out = append(out, s)
	}
	return out
}

// Names returns the registered process names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedNamesLocked()
}

func (m *Manager) sortedNamesLocked() []string {
	names := make([]string, 0, len(m.procs))
	for name := range m.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// signalGroup signals the process group led by pid, falling back to the
// process itself.
func signalGroup(pid int, sig syscall.Signal) {
	if pgid, err := unix.Getpgid(pid); err == nil {
		unix.Kill(-pgid, sig)
		return
	}
	unix.Kill(pid, sig)
}

// exitCode extracts the exit code of a finished run. Signalled exits are
// reported as 128 + signal number.
func exitCode(r *run) int {
	if ps := r.cmd.ProcessState; ps != nil {
		if status, ok := ps.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return ps.ExitCode()
	}

	var exitErr *exec.ExitError
	if errors.As(r.err, &exitErr) {
		return exitErr.ExitCode()
	}
	if r.err != nil {
		// Unknown error, assume exit code 1
		return 1
	}
	return 0
}
