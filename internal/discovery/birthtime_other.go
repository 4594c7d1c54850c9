//go:build !linux && !darwin

package discovery

import (
	"os"
	"time"
)

// No portable creation time; callers fall back to modification time.
func birthTime(string, os.FileInfo) (time.Time, bool) { return time.Time{}, false }
