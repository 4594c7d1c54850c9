// Package epithetd runs and supervises epithet agent brokers. It wires the
// broker config store, the supervisor, the HTTP API, metrics, lifecycle
// history and the SSH include file into one embeddable Daemon.
package epithetd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/epithetd/internal/broker"
	"github.com/loykin/epithetd/internal/config"
	"github.com/loykin/epithetd/internal/history"
	"github.com/loykin/epithetd/internal/history/factory"
	"github.com/loykin/epithetd/internal/manager"
	"github.com/loykin/epithetd/internal/metrics"
	"github.com/loykin/epithetd/internal/server"
	"github.com/loykin/epithetd/internal/sshconfig"
	"github.com/loykin/epithetd/internal/store"
)

// Re-exported types for embedders.
type (
	Config       = config.Config
	BrokerConfig = broker.Config
	State        = broker.State
	Notification = manager.Notification
)

// LoadConfig reads a TOML config file; an empty path yields the defaults.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Daemon is a fully wired epithetd instance.
type Daemon struct {
	cfg config.Config
	log *slog.Logger

	store      *store.Store
	supervisor *manager.Supervisor
	history    *history.Dispatcher
	ssh        *sshconfig.Generator

	api       *http.Server
	apiLn     net.Listener
	metrics   *http.Server
	metricsLn net.Listener
}

// NewDaemon opens the broker store, seeds it with the brokers declared in
// cfg, and binds the listeners. Nothing is started until Run.
func NewDaemon(cfg config.Config, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}
	environ, err := cfg.Environ()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.BrokersFile)
	if err != nil {
		return nil, fmt.Errorf("open broker store: %w", err)
	}
	for _, b := range cfg.Brokers {
		if _, ok := st.Get(b.Name); ok {
			continue
		}
		if _, err := st.Add(b); err != nil {
			return nil, fmt.Errorf("seed broker %q: %w", b.Name, err)
		}
		log.Info("added broker from config file", "broker", b.Name)
	}

	var sinks []history.Sink
	if cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	hist := history.NewDispatcher(log, sinks...)

	cacheTTL := cfg.Inspect.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = -1
	}
	sup := manager.New(manager.Options{
		Binary:                cfg.Binary,
		RuntimeRoot:           cfg.RuntimeRoot,
		SocketName:            cfg.SocketName,
		Env:                   environ,
		DiscoveryInitialDelay: cfg.Discovery.InitialDelay,
		DiscoveryInterval:     cfg.Discovery.Interval,
		DiscoveryWatch:        cfg.Discovery.Watch,
		InspectTimeout:        cfg.Inspect.Timeout,
		InspectCacheTTL:       cacheTTL,
		Mirrors:               cfg.Log.Writer,
		History:               hist,
		Logger:                log,
	}, st)
	st.OnChange(sup.ConfigsChanged)

	d := &Daemon{
		cfg:        cfg,
		log:        log,
		store:      st,
		supervisor: sup,
		history:    hist,
		ssh: &sshconfig.Generator{
			ConfigPath:     cfg.SSH.ConfigPath,
			IncludePath:    cfg.SSH.IncludePath,
			ManageConfig:   cfg.SSH.Manage,
			ResyncInterval: cfg.SSH.ResyncInterval,
			Logger:         log,
		},
		api: server.NewServer(cfg.Server.Listen, cfg.Server.BasePath, sup, st),
	}

	if d.apiLn, err = net.Listen("tcp", cfg.Server.Listen); err != nil {
		d.release()
		return nil, fmt.Errorf("listen api: %w", err)
	}
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			d.release()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		d.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		if d.metricsLn, err = net.Listen("tcp", cfg.Metrics.Listen); err != nil {
			d.release()
			return nil, fmt.Errorf("listen metrics: %w", err)
		}
	}
	return d, nil
}

// Store returns the broker config store.
func (d *Daemon) Store() *store.Store { return d.store }

// Supervisor returns the broker supervisor.
func (d *Daemon) Supervisor() *manager.Supervisor { return d.supervisor }

// APIAddr is the bound address of the HTTP API.
func (d *Daemon) APIAddr() net.Addr { return d.apiLn.Addr() }

// Run starts the brokers marked start-on-login and serves until ctx ends,
// then stops every broker within the configured shutdown timeout.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return serve(d.api, d.apiLn) })
	if d.metrics != nil {
		g.Go(func() error { return serve(d.metrics, d.metricsLn) })
	}
	g.Go(func() error { return d.ssh.Run(gctx, d.supervisor) })

	d.log.Info("epithetd started", "api", d.apiLn.Addr().String(), "brokers", len(d.store.List()))
	if err := d.supervisor.StartAll(d.store.List()); err != nil {
		d.log.Warn("some brokers were not started", "error", err)
	}

	g.Go(func() error {
		<-gctx.Done()
		return d.shutdown()
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serve(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// shutdown stops the brokers first, while the API still reports their
// progress, then closes the listeners. Each phase gets its own deadline.
func (d *Daemon) shutdown() error {
	timeout := d.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d.log.Info("shutting down")
	var errs []error

	stopCtx, cancelStop := context.WithTimeout(context.Background(), timeout)
	if err := d.supervisor.Shutdown(stopCtx); err != nil {
		errs = append(errs, err)
	}
	cancelStop()

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), timeout)
	defer cancelHTTP()
	if err := d.api.Shutdown(httpCtx); err != nil {
		errs = append(errs, fmt.Errorf("api shutdown: %w", err))
	}
	if d.metrics != nil {
		if err := d.metrics.Shutdown(httpCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	d.supervisor.Close()
	if err := d.history.Close(); err != nil {
		errs = append(errs, fmt.Errorf("history close: %w", err))
	}
	return errors.Join(errs...)
}

// release frees what NewDaemon acquired when it fails half way.
func (d *Daemon) release() {
	if d.apiLn != nil {
		_ = d.apiLn.Close()
	}
	d.supervisor.Close()
	_ = d.history.Close()
}
