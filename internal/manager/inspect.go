package manager

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/loykin/epithetd/internal/metrics"
)

// Inspect runs "agent inspect" against the socket of a running broker and
// returns its stdout. ok is false when the broker is not running or the
// command fails, times out, or prints something that is not UTF-8.
func (s *Supervisor) Inspect(ctx context.Context, name string) (out string, ok bool) {
	st := s.State(name)
	if !st.IsRunning() {
		return "", false
	}
	caching := s.opts.InspectCacheTTL > 0
	if caching {
		if v, hit := s.inspect.Get(name); hit {
			if c := v.(inspectResult); c.dir == st.RuntimeDir {
				return c.out, true
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.InspectTimeout)
	defer cancel()

	socket := filepath.Join(st.RuntimeDir, s.opts.SocketName)
	// #nosec G204 -- binary comes from the operator's config
	cmd := exec.CommandContext(ctx, s.opts.Binary, "agent", "inspect", "--broker", socket)
	cmd.Env = s.opts.Env
	cmd.WaitDelay = time.Second
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	began := time.Now()
	err := cmd.Run()
	metrics.ObserveInspect(name, time.Since(began).Seconds())
	if err != nil {
		s.log.Debug("inspect failed", "broker", name, "socket", socket, "error", err)
		return "", false
	}
	if !utf8.Valid(stdout.Bytes()) {
		s.log.Debug("inspect output is not valid UTF-8", "broker", name)
		return "", false
	}
	out = stdout.String()
	if caching {
		s.inspect.SetDefault(name, inspectResult{dir: st.RuntimeDir, out: out})
	}
	return out, true
}

// inspectResult is a cached inspect output, valid only for the runtime
// directory it was taken from.
type inspectResult struct {
	dir string
	out string
}

func (s *Supervisor) openMirror(name string) io.WriteCloser {
	if s.opts.Mirrors == nil {
		return nil
	}
	return s.opts.Mirrors(name)
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
