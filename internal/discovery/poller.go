package discovery

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	DefaultInitialDelay = 500 * time.Millisecond
	DefaultInterval     = time.Second
)

// Options configures a Poller.
type Options struct {
	Root         string
	SocketName   string
	InitialDelay time.Duration
	Interval     time.Duration
	// Watch wakes the poller early when entries appear under Root.
	Watch bool
	// Since is the spawn time; older directories belong to other brokers.
	Since time.Time
	// OnAttempt is called before every scan.
	OnAttempt func()
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SocketName == "" {
		o.SocketName = DefaultSocketName
	}
	if o.InitialDelay == 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Result is a successful discovery.
type Result struct {
	Dir      string
	Attempts int
}

// ErrProcessGone is returned when the liveness probe failed before a
// candidate showed up.
var ErrProcessGone = errors.New("process exited before runtime directory appeared")

// Poller retries Find until a candidate appears, the process dies, or the
// context ends. There is no attempt limit.
type Poller struct {
	opts Options
}

func NewPoller(opts Options) *Poller { return &Poller{opts: opts.withDefaults()} }

// Run blocks until discovery finishes. The liveness probe is checked before
// every rescheduled attempt.
func (p *Poller) Run(ctx context.Context, alive func() bool) (Result, error) {
	o := p.opts
	nudge := make(chan struct{}, 1)
	w := p.watch(ctx, nudge)
	if w != nil {
		defer func() { _ = w.Close() }()
	}

	timer := time.NewTimer(o.InitialDelay)
	defer timer.Stop()
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timer.C:
		case <-nudge:
			if attempts == 0 {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		attempts++
		if o.OnAttempt != nil {
			o.OnAttempt()
		}
		if dir, ok := Find(o.Root, o.SocketName, o.Since); ok {
			return Result{Dir: dir, Attempts: attempts}, nil
		}
		if alive != nil && !alive() {
			return Result{Attempts: attempts}, ErrProcessGone
		}
		if w != nil {
			// the root may have been created since the last attempt
			_ = w.Add(o.Root)
		}
		timer.Reset(o.Interval)
	}
}

// watch starts an fsnotify watcher that nudges on creations under the root
// and inside new subdirectories. It returns nil when watching is disabled
// or unavailable; polling continues regardless.
func (p *Poller) watch(ctx context.Context, nudge chan<- struct{}) *fsnotify.Watcher {
	if !p.opts.Watch {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		p.opts.Logger.Debug("discovery watcher unavailable", "error", err)
		return nil
	}
	if err := w.Add(p.opts.Root); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.opts.Logger.Debug("discovery watch failed", "root", p.opts.Root, "error", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) {
					continue
				}
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.Add(ev.Name)
				}
				select {
				case nudge <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				p.opts.Logger.Debug("discovery watcher error", "error", err)
			}
		}
	}()
	return w
}
