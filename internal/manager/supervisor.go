// Package manager supervises epithet agent processes, one per broker name.
//
// All per-broker bookkeeping is owned by a single event loop goroutine.
// Public methods, process callbacks and discovery results reach it through a
// closure channel, so no lock guards the maps.
package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/loykin/epithetd/internal/broker"
	"github.com/loykin/epithetd/internal/discovery"
	"github.com/loykin/epithetd/internal/history"
	"github.com/loykin/epithetd/internal/logbuf"
	"github.com/loykin/epithetd/internal/metrics"
	"github.com/loykin/epithetd/internal/process"
	"github.com/loykin/epithetd/internal/pubsub"
)

var (
	ErrInvalidConfig = errors.New("invalid broker config")
	ErrNameInUse     = errors.New("broker name already in use")
	ErrNotRunning    = errors.New("broker is not running")
	ErrBrokerLive    = errors.New("broker is still live")
	ErrClosed        = errors.New("supervisor closed")
)

// ConfigSource resolves the saved config of a broker by name.
type ConfigSource interface {
	Get(name string) (broker.Config, bool)
}

// Options configures a Supervisor.
type Options struct {
	Binary      string
	RuntimeRoot string
	SocketName  string
	// Env is the environment of every spawned agent. Nil inherits ours.
	Env []string

	DiscoveryInitialDelay time.Duration
	DiscoveryInterval     time.Duration
	DiscoveryWatch        bool

	InspectTimeout time.Duration
	// InspectCacheTTL keeps inspect output for that long. Negative disables
	// the cache.
	InspectCacheTTL time.Duration

	LogUpper, LogLower int
	// Mirrors opens an optional per-broker sink for raw output. It may
	// return nil.
	Mirrors func(name string) io.WriteCloser

	History *history.Dispatcher
	Logger  *slog.Logger

	// OnDiscoveryAttempt is called from the loop after each scan.
	OnDiscoveryAttempt func(name string)
}

const (
	defaultBinary          = "epithet"
	defaultInspectTimeout  = 10 * time.Second
	defaultInspectCacheTTL = 2 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Binary == "" {
		o.Binary = defaultBinary
	}
	if o.SocketName == "" {
		o.SocketName = discovery.DefaultSocketName
	}
	if o.InspectTimeout <= 0 {
		o.InspectTimeout = defaultInspectTimeout
	}
	if o.InspectCacheTTL == 0 {
		o.InspectCacheTTL = defaultInspectCacheTTL
	}
	if o.LogUpper <= 0 {
		o.LogUpper, o.LogLower = logbuf.DefaultUpper, logbuf.DefaultLower
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Notification is what observers receive. State is the broker state at the
// time the event was produced.
type Notification struct {
	Name  string       `json:"name"`
	State broker.State `json:"state"`
}

// Status is a read-only view of one broker.
type Status struct {
	Name      string       `json:"name"`
	State     broker.State `json:"state"`
	StartedAt time.Time    `json:"started_at,omitempty"`
	LogLength int          `json:"log_length"`
}

type entry struct {
	name  string
	state broker.State
	log   *logbuf.Buffer
	run   *runtimeRecord
}

// runtimeRecord tracks one spawned process. gen identifies the run so that
// late callbacks from a previous process are recognised and dropped.
type runtimeRecord struct {
	gen       uint64
	entry     *entry
	brokerID  string
	handle    *process.Handle
	spawnedAt time.Time // taken before Spawn, bounds discovery
	startedAt time.Time
	mirror    io.WriteCloser
	cancel    context.CancelFunc
	attempts  int
}

// Supervisor owns every broker's state, log and process.
type Supervisor struct {
	opts    Options
	configs ConfigSource
	log     *slog.Logger
	events  *pubsub.Broker[Notification]
	inspect *gocache.Cache

	ctx       context.Context
	cancel    context.CancelFunc
	cmds      chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// loop-owned
	entries map[string]*entry
	runs    map[uint64]*runtimeRecord
	nextGen uint64
	idle    []chan struct{}
}

// New builds a Supervisor and starts its loop. configs may be nil, in which
// case Toggle cannot start brokers.
func New(opts Options, configs ConfigSource) *Supervisor {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		opts:    opts,
		configs: configs,
		log:     opts.Logger.With("component", "supervisor"),
		events:  pubsub.NewBroker[Notification](),
		inspect: gocache.New(opts.InspectCacheTTL, 2*opts.InspectCacheTTL),
		ctx:     ctx,
		cancel:  cancel,
		cmds:    make(chan func()),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		entries: make(map[string]*entry),
		runs:    make(map[uint64]*runtimeRecord),
	}
	go s.loop()
	return s
}

// Logger returns the supervisor's logger.
func (s *Supervisor) Logger() *slog.Logger { return s.log }

// ConfigsChanged tells subscribers that the stored broker configs changed
// so they re-read them. It is meant for the config store's change hook.
func (s *Supervisor) ConfigsChanged() {
	s.post(func() { s.events.Publish(pubsub.ConfigChanged, Notification{}) })
}

func (s *Supervisor) loop() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.quit:
			return
		}
	}
}

// exec runs fn on the loop and waits for it.
func (s *Supervisor) exec(fn func()) error {
	finished := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(finished) }:
	case <-s.quit:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// post queues fn without waiting for it. It is used by callbacks that run
// on process and discovery goroutines.
func (s *Supervisor) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.quit:
	}
}

// Close stops the loop and cancels pending discoveries. Processes still
// running are left alone; call Shutdown first to stop them.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.quit)
		<-s.done
		s.events.Close()
	})
}

// Subscribe returns a channel of notifications that closes with ctx.
func (s *Supervisor) Subscribe(ctx context.Context) <-chan pubsub.Event[Notification] {
	return s.events.Subscribe(ctx)
}

// entryFor returns the entry for name, creating it on first use.
func (s *Supervisor) entryFor(name string) *entry {
	if e, ok := s.entries[name]; ok {
		return e
	}
	e := &entry{name: name, state: broker.Stopped()}
	// e.name changes on Rename; the callbacks read it at call time.
	e.log = logbuf.New(
		logbuf.WithBounds(s.opts.LogUpper, s.opts.LogLower),
		logbuf.WithOnChange(func() {
			s.events.Publish(pubsub.LogUpdated, Notification{Name: e.name, State: e.state})
		}),
		logbuf.WithOnTruncate(func() { metrics.IncLogTruncation(e.name) }),
	)
	s.entries[name] = e
	return e
}

// transition feeds ev to the state machine and reports the change.
func (s *Supervisor) transition(e *entry, ev broker.Event) {
	name := e.name
	prev := e.state
	next, changed := broker.Apply(prev, ev)
	if !changed {
		s.log.Debug("event ignored", "broker", name, "event", ev.Kind.String(), "state", prev.String())
		return
	}
	e.state = next
	s.inspect.Delete(name)

	from, to := prev.Phase.String(), next.Phase.String()
	metrics.RecordStateTransition(name, from, to)
	metrics.SetCurrentState(name, to)
	s.log.Info("broker state changed", "broker", name, "from", prev.String(), "to", next.String())
	s.events.Publish(pubsub.StateChanged, Notification{Name: name, State: next})
	s.recordHistory(e)
}

func (s *Supervisor) recordHistory(e *entry) {
	if s.opts.History == nil {
		return
	}
	var typ history.EventType
	switch e.state.Phase {
	case broker.PhaseStarting:
		typ = history.EventStart
	case broker.PhaseRunning:
		typ = history.EventRunning
	case broker.PhaseError:
		typ = history.EventError
	default:
		typ = history.EventStop
	}
	rec := history.Record{
		Name:       e.name,
		PID:        e.state.PID,
		State:      e.state.Phase.String(),
		RuntimeDir: e.state.RuntimeDir,
		Message:    e.state.Message,
	}
	if r := e.run; r != nil {
		rec.BrokerID = r.brokerID
		rec.PID = r.handle.PID()
		rec.StartedAt = r.startedAt
	}
	s.opts.History.Record(history.Event{Type: typ, OccurredAt: time.Now(), Record: rec})
}

// State returns the state of name. Unknown names are stopped.
func (s *Supervisor) State(name string) broker.State {
	st := broker.Stopped()
	_ = s.exec(func() {
		if e, ok := s.entries[name]; ok {
			st = e.state
		}
	})
	return st
}

// Logs returns a copy of the log of name. Unknown names have an empty log.
func (s *Supervisor) Logs(name string) string {
	var buf *logbuf.Buffer
	_ = s.exec(func() {
		if e, ok := s.entries[name]; ok {
			buf = e.log
		}
	})
	if buf == nil {
		return ""
	}
	return buf.Snapshot()
}

// ClearLogs empties the log of name.
func (s *Supervisor) ClearLogs(name string) {
	_ = s.exec(func() {
		if e, ok := s.entries[name]; ok {
			e.log.Clear()
		}
	})
}

// Snapshot returns the state of every known broker.
func (s *Supervisor) Snapshot() map[string]broker.State {
	out := make(map[string]broker.State)
	_ = s.exec(func() {
		for name, e := range s.entries {
			out[name] = e.state
		}
	})
	return out
}

// Status describes name. ok is false for brokers the supervisor has never seen.
func (s *Supervisor) Status(name string) (st Status, ok bool) {
	_ = s.exec(func() {
		var e *entry
		if e, ok = s.entries[name]; ok {
			st = s.statusOf(name, e)
		}
	})
	return st, ok
}

// List returns the status of every known broker sorted by name.
func (s *Supervisor) List() []Status {
	var out []Status
	_ = s.exec(func() {
		out = make([]Status, 0, len(s.entries))
		for name, e := range s.entries {
			out = append(out, s.statusOf(name, e))
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) statusOf(name string, e *entry) Status {
	st := Status{Name: name, State: e.state, LogLength: e.log.Len()}
	if e.run != nil {
		st.StartedAt = e.run.startedAt
	}
	return st
}

// Stats samples resource usage of a live broker process.
func (s *Supervisor) Stats(name string) (process.Stats, error) {
	var h *process.Handle
	if err := s.exec(func() {
		if e, ok := s.entries[name]; ok && e.run != nil {
			h = e.run.handle
		}
	}); err != nil {
		return process.Stats{}, err
	}
	if h == nil {
		return process.Stats{}, ErrNotRunning
	}
	st, err := h.Stats()
	if err != nil {
		return process.Stats{}, err
	}
	metrics.SetResources(name, st.RSSBytes, st.CPUPercent)
	return st, nil
}

// Rename moves the state, log and live process of oldName to newName.
func (s *Supervisor) Rename(oldName, newName string) error {
	if oldName == newName {
		return nil
	}
	var err error
	if xerr := s.exec(func() {
		e, ok := s.entries[oldName]
		if !ok {
			return
		}
		if cur, taken := s.entries[newName]; taken && (cur.state.IsLive() || cur.run != nil) {
			err = ErrNameInUse
			return
		}
		delete(s.entries, oldName)
		e.name = newName
		s.entries[newName] = e
		s.inspect.Delete(oldName)
		metrics.Forget(oldName)
		metrics.SetCurrentState(newName, e.state.Phase.String())
		s.log.Info("broker renamed", "from", oldName, "to", newName)
		s.events.Publish(pubsub.StateChanged, Notification{Name: oldName, State: broker.Stopped()})
		s.events.Publish(pubsub.StateChanged, Notification{Name: newName, State: e.state})
	}); xerr != nil {
		return xerr
	}
	return err
}

// Forget drops everything known about a broker that is not live.
func (s *Supervisor) Forget(name string) error {
	var err error
	if xerr := s.exec(func() {
		e, ok := s.entries[name]
		if !ok {
			return
		}
		if e.run != nil {
			err = ErrBrokerLive
			return
		}
		delete(s.entries, name)
		s.inspect.Delete(name)
		metrics.Forget(name)
	}); xerr != nil {
		return xerr
	}
	return err
}
