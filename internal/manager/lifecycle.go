package manager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/epithetd/internal/broker"
	"github.com/loykin/epithetd/internal/discovery"
	"github.com/loykin/epithetd/internal/metrics"
	"github.com/loykin/epithetd/internal/process"
)

// Start launches an agent for cfg unless one is already starting or running.
// The only error is a config that fails validation; spawn failures show up
// as an error state and a log line.
func (s *Supervisor) Start(cfg broker.Config) error {
	cfg = cfg.Clone()
	cfg.Normalize()
	if err := cfg.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, cfg.Name, err)
	}
	return s.exec(func() { s.start(cfg) })
}

func (s *Supervisor) start(cfg broker.Config) {
	e := s.entryFor(cfg.Name)
	if e.state.IsLive() || e.run != nil {
		s.log.Warn("broker already active, ignoring start", "broker", cfg.Name, "state", e.state.String())
		return
	}

	s.transition(e, broker.StartRequested())
	e.log.Clear()
	mirror := s.openMirror(cfg.Name)
	e.log.SetMirror(mirror)

	s.nextGen++
	gen := s.nextGen
	args := cfg.Args(s.opts.Binary)
	s.log.Debug("spawning agent", "broker", cfg.Name, "binary", s.opts.Binary, "args", strings.Join(args, " "))

	spawnedAt := time.Now()
	h, err := process.Spawn(s.opts.Binary, args, process.Callbacks{
		OnOutput: func(chunk string) { s.post(func() { s.onOutput(gen, chunk) }) },
		OnExit:   func(code int) { s.post(func() { s.onExit(gen, code) }) },
	}, process.WithEnv(s.opts.Env))
	if err != nil {
		msg := spawnErrorText(err)
		e.log.Append(broker.SpawnMessage(msg) + "\n")
		s.transition(e, broker.SpawnFailed(msg))
		metrics.IncSpawnFailure(cfg.Name)
		s.log.Error("failed to start broker", "broker", cfg.Name, "error", err)
		e.log.SetMirror(nil)
		closeQuietly(mirror)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	run := &runtimeRecord{
		gen:       gen,
		entry:     e,
		brokerID:  cfg.ID,
		handle:    h,
		spawnedAt: spawnedAt,
		startedAt: h.StartedAt(),
		mirror:    mirror,
		cancel:    cancel,
	}
	s.runs[gen] = run
	e.run = run

	// Output callbacks queue behind this closure, so the banner comes first.
	e.log.Append("Starting broker with CA URLs: " + strings.Join(cfg.CAURLs, ", ") + "\n")
	metrics.IncStart(cfg.Name)
	s.log.Info("broker process started", "broker", cfg.Name, "pid", h.PID())

	go s.discover(ctx, run)
}

// spawnErrorText unwraps the spawn error to the OS message users can act on.
func spawnErrorText(err error) string {
	var se *process.SpawnError
	if errors.As(err, &se) && se.Err != nil {
		return se.Err.Error()
	}
	return err.Error()
}

// discover polls for the run's runtime directory off the loop and posts the
// result back tagged with the run's generation.
func (s *Supervisor) discover(ctx context.Context, run *runtimeRecord) {
	gen := run.gen
	p := discovery.NewPoller(discovery.Options{
		Root:         s.opts.RuntimeRoot,
		SocketName:   s.opts.SocketName,
		InitialDelay: s.opts.DiscoveryInitialDelay,
		Interval:     s.opts.DiscoveryInterval,
		Watch:        s.opts.DiscoveryWatch,
		Since:        run.spawnedAt,
		OnAttempt:    func() { s.post(func() { s.onAttempt(gen) }) },
		Logger:       s.log,
	})
	res, err := p.Run(ctx, run.handle.IsAlive)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Debug("discovery ended", "pid", run.handle.PID(), "error", err)
		}
		return
	}
	s.post(func() { s.onDiscovered(gen, res) })
}

func (s *Supervisor) onAttempt(gen uint64) {
	run, ok := s.runs[gen]
	if !ok {
		return
	}
	run.attempts++
	metrics.IncDiscoveryAttempt(run.entry.name)
	if s.opts.OnDiscoveryAttempt != nil {
		s.opts.OnDiscoveryAttempt(run.entry.name)
	}
}

func (s *Supervisor) onDiscovered(gen uint64, res discovery.Result) {
	run, ok := s.runs[gen]
	if !ok {
		// The process exited first; its exit already decided the state.
		return
	}
	e := run.entry
	s.log.Info("runtime directory discovered", "broker", e.name, "dir", res.Dir, "attempts", res.Attempts)
	s.transition(e, broker.Discovered(run.handle.PID(), res.Dir))
}

func (s *Supervisor) onOutput(gen uint64, chunk string) {
	run, ok := s.runs[gen]
	if !ok {
		return
	}
	run.entry.log.Append(chunk)
}

func (s *Supervisor) onExit(gen uint64, code int) {
	run, ok := s.runs[gen]
	if !ok {
		return
	}
	delete(s.runs, gen)
	run.cancel()

	e := run.entry
	if e.run == run {
		e.run = nil
	}
	if code == 0 {
		e.log.Append("\nBroker stopped.\n")
	} else {
		e.log.Append("\nBroker exited with code " + strconv.Itoa(code) + "\n")
	}
	e.log.SetMirror(nil)
	closeQuietly(run.mirror)

	s.log.Info("broker process exited", "broker", e.name, "pid", run.handle.PID(), "code", code, "discovery_attempts", run.attempts)
	s.transition(e, broker.Exited(code))

	if len(s.runs) == 0 {
		for _, ch := range s.idle {
			close(ch)
		}
		s.idle = nil
	}
}

// Stop asks the process of name to terminate. The state changes when it
// exits; with no process attached the broker is marked stopped at once.
func (s *Supervisor) Stop(name string) error {
	return s.exec(func() { s.stop(name) })
}

func (s *Supervisor) stop(name string) {
	e := s.entryFor(name)
	if e.run == nil {
		s.transition(e, broker.StopRequested(false))
		return
	}
	e.log.Append("Stopping broker...\n")
	if err := e.run.handle.Terminate(); err != nil {
		s.log.Warn("terminate failed", "broker", name, "error", err)
	}
	metrics.IncStop(name)
}

// Toggle stops a live broker, or starts a stopped one from its saved config.
func (s *Supervisor) Toggle(name string) error {
	if s.State(name).IsLive() {
		return s.Stop(name)
	}
	if s.configs == nil {
		return nil
	}
	cfg, ok := s.configs.Get(name)
	if !ok {
		s.log.Debug("toggle on unknown broker", "broker", name)
		return nil
	}
	return s.Start(cfg)
}

// StartAll starts every config marked StartOnLogin. Invalid configs are
// skipped and reported together.
func (s *Supervisor) StartAll(cfgs []broker.Config) error {
	var errs []error
	for _, cfg := range cfgs {
		if !cfg.StartOnLogin {
			continue
		}
		if err := s.Start(cfg); err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll asks every live process to terminate without waiting.
func (s *Supervisor) StopAll() error {
	return s.exec(func() {
		for name, e := range s.entries {
			if e.run != nil {
				s.stop(name)
			}
		}
	})
}

const killGrace = 2 * time.Second

// Shutdown stops every broker and waits for the processes to exit. Those
// still running when ctx ends are killed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if err := s.StopAll(); err != nil {
		return err
	}
	idle, err := s.waitIdle()
	if err != nil {
		return err
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
	}

	var killed int
	_ = s.exec(func() {
		for _, run := range s.runs {
			s.log.Warn("broker did not stop in time, killing", "broker", run.entry.name, "pid", run.handle.PID())
			_ = run.handle.Kill()
			killed++
		}
	})
	if killed > 0 {
		select {
		case <-idle:
		case <-time.After(killGrace):
		}
		return fmt.Errorf("killed %d broker(s) after shutdown timeout: %w", killed, ctx.Err())
	}
	return nil
}

// waitIdle returns a channel that is closed once no process is running.
func (s *Supervisor) waitIdle() (<-chan struct{}, error) {
	ch := make(chan struct{})
	err := s.exec(func() {
		if len(s.runs) == 0 {
			close(ch)
			return
		}
		s.idle = append(s.idle, ch)
	})
	return ch, err
}
