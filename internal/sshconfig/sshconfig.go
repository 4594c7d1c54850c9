// Package sshconfig keeps the user's OpenSSH configuration pointed at the
// per-broker ssh-config.conf files written by running agents.
package sshconfig

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loykin/epithetd/internal/broker"
	"github.com/loykin/epithetd/internal/manager"
	"github.com/loykin/epithetd/internal/pubsub"
)

// BrokerFile is the file each agent writes into its runtime directory.
const BrokerFile = "ssh-config.conf"

const header = "# Generated by epithetd. Changes are overwritten.\n"

// EnsureInclude makes sure configPath contains an Include line for
// includePath, creating the file and its directory when missing. The line
// is appended after a blank line. changed reports whether the file was
// written.
func EnsureInclude(configPath, includePath string) (changed bool, err error) {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return false, fmt.Errorf("create ssh dir: %w", err)
	}
	cur, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("read ssh config: %w", err)
	}

	directive := "Include " + includePath
	for _, line := range strings.Split(string(cur), "\n") {
		if strings.TrimSpace(line) == directive {
			return false, nil
		}
	}

	var b bytes.Buffer
	b.Write(cur)
	if b.Len() > 0 {
		if !bytes.HasSuffix(cur, []byte("\n")) {
			b.WriteByte('\n')
		}
		if !bytes.HasSuffix(b.Bytes(), []byte("\n\n")) {
			b.WriteByte('\n')
		}
	}
	b.WriteString(directive + "\n")

	if err := writeAtomic(configPath, b.Bytes()); err != nil {
		return false, fmt.Errorf("write ssh config: %w", err)
	}
	return true, nil
}

// Render builds the include file for the given states. Only running
// brokers contribute, ordered by name.
func Render(states map[string]broker.State) []byte {
	names := make([]string, 0, len(states))
	for name, st := range states {
		if st.IsRunning() && st.RuntimeDir != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var b bytes.Buffer
	b.WriteString(header)
	for _, name := range names {
		fmt.Fprintf(&b, "\n# %s\nInclude %s\n", name, filepath.Join(states[name].RuntimeDir, BrokerFile))
	}
	return b.Bytes()
}

// Source is the part of the supervisor the generator reads.
type Source interface {
	Snapshot() map[string]broker.State
	Subscribe(ctx context.Context) <-chan pubsub.Event[manager.Notification]
}

// Generator rewrites the include file whenever a broker changes state.
type Generator struct {
	ConfigPath  string
	IncludePath string
	// ManageConfig adds the Include line to ConfigPath on Run.
	ManageConfig bool
	// ResyncInterval re-renders from a fresh snapshot even without events,
	// covering notifications dropped by a full subscription. Zero means
	// DefaultResyncInterval; negative disables it.
	ResyncInterval time.Duration
	Logger         *slog.Logger

	last []byte
}

const DefaultResyncInterval = 30 * time.Second

// Run renders once, then re-renders on every state change until ctx ends.
func (g *Generator) Run(ctx context.Context, src Source) error {
	log := g.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "sshconfig")

	if g.ManageConfig {
		changed, err := EnsureInclude(g.ConfigPath, g.IncludePath)
		if err != nil {
			return err
		}
		if changed {
			log.Info("added include directive", "config", g.ConfigPath, "include", g.IncludePath)
		}
	}

	events := src.Subscribe(ctx)
	render := func() {
		if err := g.Sync(src.Snapshot()); err != nil {
			log.Error("render ssh include", "path", g.IncludePath, "error", err)
		}
	}
	render()

	var resync <-chan time.Time
	if every := g.ResyncInterval; every >= 0 {
		if every == 0 {
			every = DefaultResyncInterval
		}
		t := time.NewTicker(every)
		defer t.Stop()
		resync = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-resync:
			render()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type == pubsub.StateChanged {
				render()
			}
		}
	}
}

// Sync writes the include file for states unless it is already current.
func (g *Generator) Sync(states map[string]broker.State) error {
	out := Render(states)
	if g.last != nil && bytes.Equal(out, g.last) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(g.IncludePath), 0o700); err != nil {
		return err
	}
	if err := writeAtomic(g.IncludePath, out); err != nil {
		return err
	}
	g.last = out
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}
