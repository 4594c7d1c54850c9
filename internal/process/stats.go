package process

import (
	"errors"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Stats is a point-in-time resource sample of a live process.
type Stats struct {
	PID        int       `json:"pid"`
	RSSBytes   uint64    `json:"rss_bytes"`
	CPUPercent float64   `json:"cpu_percent"`
	CreatedAt  time.Time `json:"created_at"`
}

var ErrExited = errors.New("process has exited")

// Stats samples memory and CPU usage of the process.
func (h *Handle) Stats() (Stats, error) {
	if _, exited := h.ExitCode(); exited {
		return Stats{}, ErrExited
	}
	p, err := gopsproc.NewProcess(int32(h.pid))
	if err != nil {
		return Stats{}, err
	}
	st := Stats{PID: h.pid}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if ms, err := p.CreateTime(); err == nil && ms > 0 {
		st.CreatedAt = time.UnixMilli(ms)
	}
	return st, nil
}
