// Package discovery locates the runtime directory a freshly started broker
// creates under a shared root. The broker never reports the path itself, so
// the newest directory holding the socket file is taken as its own.
package discovery

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultSocketName is the file whose presence marks a broker runtime directory.
const DefaultSocketName = "broker.sock"

type candidate struct {
	dir   string
	born  time.Time
	stamp bool
	mod   time.Time
}

// Find scans root once and returns the subdirectory containing socketName
// with the most recent creation time. A missing root yields no candidate.
// Entries whose creation time cannot be read are only used when no
// timestamped candidate exists; among those the latest modification wins.
//
// A non-zero since rejects directories created (or, without a creation
// time, last modified) before it, so a broker never adopts the directory
// of one that was already running when it was spawned.
func Find(root, socketName string, since time.Time) (string, bool) {
	if socketName == "" {
		socketName = DefaultSocketName
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}

	var best, fallback *candidate
	for _, e := range entries {
		full := filepath.Join(root, e.Name())
		fi, err := os.Stat(full)
		if err != nil || !fi.IsDir() {
			continue
		}
		if _, err := os.Lstat(filepath.Join(full, socketName)); err != nil {
			continue
		}
		c := &candidate{dir: full, mod: fi.ModTime()}
		c.born, c.stamp = birthTime(full, fi)
		if c.stamp {
			if !notBefore(c.born, since) {
				continue
			}
			if best == nil || c.born.After(best.born) {
				best = c
			}
			continue
		}
		if !notBefore(c.mod, since) {
			continue
		}
		if fallback == nil || c.mod.After(fallback.mod) {
			fallback = c
		}
	}
	switch {
	case best != nil:
		return best.dir, true
	case fallback != nil:
		return fallback.dir, true
	}
	return "", false
}

// clockSlack absorbs the lag of the kernel's coarse clock, which stamps
// files, behind time.Now.
const clockSlack = 50 * time.Millisecond

// notBefore reports whether t is at or after since, less clockSlack.
// Timestamps without a sub-second part come from coarse filesystems and
// are compared at whole seconds.
func notBefore(t, since time.Time) bool {
	if since.IsZero() {
		return true
	}
	since = since.Add(-clockSlack)
	if t.Nanosecond() == 0 {
		since = since.Truncate(time.Second)
	}
	return !t.Before(since)
}
