package sshconfig

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/epithetd/internal/broker"
	"github.com/loykin/epithetd/internal/manager"
	"github.com/loykin/epithetd/internal/pubsub"
)

func TestEnsureIncludeCreatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, ".ssh", "config")

	changed, err := EnsureInclude(cfg, "/home/u/.epithet/agent-ssh.conf")
	require.NoError(t, err)
	assert.True(t, changed)

	b, err := os.ReadFile(cfg)
	require.NoError(t, err)
	assert.Equal(t, "Include /home/u/.epithet/agent-ssh.conf\n", string(b))

	if runtime.GOOS != "windows" {
		fi, err := os.Stat(cfg)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
		di, err := os.Stat(filepath.Dir(cfg))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o700), di.Mode().Perm())
	}
}

func TestEnsureIncludeAppendsAfterBlankLine(t *testing.T) {
	cases := map[string]string{
		"Host a\n  User x":     "Host a\n  User x\n\nInclude /inc\n",
		"Host a\n  User x\n":   "Host a\n  User x\n\nInclude /inc\n",
		"Host a\n  User x\n\n": "Host a\n  User x\n\nInclude /inc\n",
	}
	for existing, want := range cases {
		cfg := filepath.Join(t.TempDir(), "config")
		require.NoError(t, os.WriteFile(cfg, []byte(existing), 0o600))

		changed, err := EnsureInclude(cfg, "/inc")
		require.NoError(t, err)
		assert.True(t, changed)
		b, err := os.ReadFile(cfg)
		require.NoError(t, err)
		assert.Equal(t, want, string(b))
	}
}

func TestEnsureIncludeIsIdempotent(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(cfg, []byte("Host *\n  Include /inc\n"), 0o600))

	changed, err := EnsureInclude(cfg, "/inc")
	require.NoError(t, err)
	assert.False(t, changed)

	b, _ := os.ReadFile(cfg)
	assert.Equal(t, "Host *\n  Include /inc\n", string(b))
}

func TestRenderOnlyRunningSorted(t *testing.T) {
	out := string(Render(map[string]broker.State{
		"zeta":  broker.Running(2, "/run/2"),
		"alpha": broker.Running(1, "/run/1"),
		"mid":   broker.Starting(),
		"err":   broker.Error("Exited with code 1"),
	}))

	want := header +
		"\n# alpha\nInclude " + filepath.Join("/run/1", BrokerFile) + "\n" +
		"\n# zeta\nInclude " + filepath.Join("/run/2", BrokerFile) + "\n"
	assert.Equal(t, want, out)
	assert.Equal(t, header, string(Render(nil)))
}

type fakeSource struct {
	mu     sync.Mutex
	states map[string]broker.State
	events *pubsub.Broker[manager.Notification]
}

func (f *fakeSource) Snapshot() map[string]broker.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]broker.State, len(f.states))
	for k, v := range f.states {
		out[k] = v
	}
	return out
}

func (f *fakeSource) Subscribe(ctx context.Context) <-chan pubsub.Event[manager.Notification] {
	return f.events.Subscribe(ctx)
}

func (f *fakeSource) set(name string, st broker.State) {
	f.mu.Lock()
	f.states[name] = st
	f.mu.Unlock()
	f.events.Publish(pubsub.StateChanged, manager.Notification{Name: name, State: st})
}

func TestGeneratorFollowsStateChanges(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{states: map[string]broker.State{}, events: pubsub.NewBroker[manager.Notification]()}
	g := &Generator{
		ConfigPath:   filepath.Join(dir, ".ssh", "config"),
		IncludePath:  filepath.Join(dir, ".epithet", "agent-ssh.conf"),
		ManageConfig: true,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, src) }()

	read := func() string {
		b, _ := os.ReadFile(g.IncludePath)
		return string(b)
	}
	require.Eventually(t, func() bool { return read() == header }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return src.events.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	src.set("corp", broker.Running(10, filepath.Join(dir, "run", "10")))
	require.Eventually(t, func() bool {
		return read() == string(Render(src.Snapshot()))
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, read(), filepath.Join(dir, "run", "10", BrokerFile))

	src.set("corp", broker.Stopped())
	require.Eventually(t, func() bool { return read() == header }, 2*time.Second, 10*time.Millisecond)

	cfg, err := os.ReadFile(g.ConfigPath)
	require.NoError(t, err)
	assert.Contains(t, string(cfg), "Include "+g.IncludePath)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("generator did not stop")
	}
}

func TestGeneratorResyncsWithoutEvents(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{states: map[string]broker.State{}, events: pubsub.NewBroker[manager.Notification]()}
	g := &Generator{
		IncludePath:    filepath.Join(dir, "agent-ssh.conf"),
		ResyncInterval: 20 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, src) }()

	// a state change whose notification never arrives
	src.mu.Lock()
	src.states["corp"] = broker.Running(10, filepath.Join(dir, "run", "10"))
	src.mu.Unlock()

	require.Eventually(t, func() bool {
		b, _ := os.ReadFile(g.IncludePath)
		return strings.Contains(string(b), filepath.Join(dir, "run", "10", BrokerFile))
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
