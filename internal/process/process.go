// Package process wraps one spawned OS process and its two output streams.
package process

import (
	"errors"
	"os/exec"
	"sync"
	"time"
)

// Callbacks receive events from a spawned process. Both are invoked from
// goroutines owned by the Handle and must not block for long.
type Callbacks struct {
	// OnOutput receives non-empty decoded text chunks from stdout and stderr,
	// in arrival order per stream, without line alignment.
	OnOutput func(chunk string)
	// OnExit is invoked exactly once after the process terminated and both
	// streams were drained. code is the signal number when a signal ended the
	// process, and -1 when no status could be read.
	OnExit func(code int)
}

type options struct {
	env       []string
	dir       string
	waitDelay time.Duration
}

// Option customises Spawn.
type Option func(*options)

// WithEnv sets the child's environment. Nil inherits the current one.
func WithEnv(env []string) Option { return func(o *options) { o.env = env } }

// WithDir sets the child's working directory.
func WithDir(dir string) Option { return func(o *options) { o.dir = dir } }

// WithWaitDelay bounds how long output is drained after the process exits
// while descendants still hold the pipes open.
func WithWaitDelay(d time.Duration) Option { return func(o *options) { o.waitDelay = d } }

const defaultWaitDelay = 2 * time.Second

// Handle represents one spawned process.
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	mu       sync.Mutex
	exited   bool
	exitCode int
	done     chan struct{}
}

// Spawn starts path with args. Failures to start (missing executable,
// permission denied) are returned as *SpawnError.
func Spawn(path string, args []string, cb Callbacks, opts ...Option) (*Handle, error) {
	o := options{waitDelay: defaultWaitDelay}
	for _, fn := range opts {
		fn(&o)
	}

	// #nosec G204 -- the executable and its arguments come from the operator's config
	cmd := exec.Command(path, args...)
	cmd.Env = o.env
	cmd.Dir = o.dir
	cmd.WaitDelay = o.waitDelay
	configureSysProcAttr(cmd)

	emit := cb.OnOutput
	if emit == nil {
		emit = func(string) {}
	}
	stdout := newChunkWriter(emit)
	stderr := newChunkWriter(emit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Path: path, Err: err}
	}

	h := &Handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go h.wait(stdout, stderr, cb.OnExit)
	return h, nil
}

// wait is the single waiter for the child; it reaps it and fires OnExit.
func (h *Handle) wait(stdout, stderr *chunkWriter, onExit func(int)) {
	err := h.cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	code := exitCode(h.cmd, err)
	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	close(h.done)
	h.mu.Unlock()

	if onExit != nil {
		onExit(code)
	}
}

// exitCode reports the exit status, or the signal number for a process
// ended by a signal.
func exitCode(cmd *exec.Cmd, err error) int {
	if ps := cmd.ProcessState; ps != nil {
		if sig, ok := signalNumber(ps); ok {
			return sig
		}
		return ps.ExitCode()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// PID returns the OS process id.
func (h *Handle) PID() int { return h.pid }

// StartedAt returns the time Spawn returned.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the process has exited and OnExit is about to run.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitCode returns the exit code and whether the process has exited.
func (h *Handle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.exited
}

// Terminate requests a graceful stop of the process group. It does not wait;
// the exit is observed through OnExit. It is a no-op after exit.
func (h *Handle) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return nil
	}
	return terminateGroup(h.pid)
}

// Kill forcefully stops the process group. It is a no-op after exit.
func (h *Handle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return nil
	}
	return killGroup(h.pid)
}

// IsAlive is a best-effort liveness probe. Only OnExit is authoritative.
func (h *Handle) IsAlive() bool {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited {
		return false
	}
	return pidAlive(h.pid)
}
