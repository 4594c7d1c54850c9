package broker

import (
	"fmt"
	"strconv"
)

// Phase is the lifecycle phase of one broker.
type Phase int32

const (
	PhaseStopped Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseStopped:
		return "stopped"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stopped":
		*p = PhaseStopped
	case "starting":
		*p = PhaseStarting
	case "running":
		*p = PhaseRunning
	case "error":
		*p = PhaseError
	default:
		return fmt.Errorf("unknown broker phase %q", string(b))
	}
	return nil
}

// State is the observable state of one broker. PID and RuntimeDir are only
// set in PhaseRunning, Message only in PhaseError.
type State struct {
	Phase      Phase  `json:"phase"`
	PID        int    `json:"pid,omitempty"`
	RuntimeDir string `json:"runtime_dir,omitempty"`
	Message    string `json:"message,omitempty"`
}

func Stopped() State  { return State{Phase: PhaseStopped} }
func Starting() State { return State{Phase: PhaseStarting} }

func Running(pid int, runtimeDir string) State {
	return State{Phase: PhaseRunning, PID: pid, RuntimeDir: runtimeDir}
}

func Error(msg string) State { return State{Phase: PhaseError, Message: msg} }

// IsRunning reports whether the runtime directory has been discovered.
func (s State) IsRunning() bool { return s.Phase == PhaseRunning }

// IsLive reports whether a process is expected to exist for this state.
func (s State) IsLive() bool { return s.Phase == PhaseStarting || s.Phase == PhaseRunning }

// Text is the short status line shown to users.
func (s State) Text() string {
	switch s.Phase {
	case PhaseStarting:
		return "Starting..."
	case PhaseRunning:
		return "Running"
	case PhaseError:
		return "Error: " + s.Message
	default:
		return "Stopped"
	}
}

func (s State) String() string {
	switch s.Phase {
	case PhaseRunning:
		return "running(" + strconv.Itoa(s.PID) + ", " + s.RuntimeDir + ")"
	case PhaseError:
		return "error(" + s.Message + ")"
	default:
		return s.Phase.String()
	}
}

// EventKind enumerates the inputs of the state machine.
type EventKind int

const (
	EventStartRequested EventKind = iota
	EventDiscovered
	EventExited
	EventSpawnFailed
	EventStopRequested
)

func (k EventKind) String() string {
	switch k {
	case EventStartRequested:
		return "start_requested"
	case EventDiscovered:
		return "discovered"
	case EventExited:
		return "exited"
	case EventSpawnFailed:
		return "spawn_failed"
	case EventStopRequested:
		return "stop_requested"
	default:
		return "unknown"
	}
}

// Event is one input to Apply.
type Event struct {
	Kind       EventKind
	PID        int    // EventDiscovered
	RuntimeDir string // EventDiscovered
	ExitCode   int    // EventExited
	Err        string // EventSpawnFailed
	Live       bool   // EventStopRequested: a process is still attached
}

func StartRequested() Event { return Event{Kind: EventStartRequested} }

func Discovered(pid int, dir string) Event {
	return Event{Kind: EventDiscovered, PID: pid, RuntimeDir: dir}
}

func Exited(code int) Event { return Event{Kind: EventExited, ExitCode: code} }

func SpawnFailed(msg string) Event { return Event{Kind: EventSpawnFailed, Err: msg} }

func StopRequested(live bool) Event { return Event{Kind: EventStopRequested, Live: live} }

// ExitMessage is the error text recorded for a non-zero exit.
func ExitMessage(code int) string { return "Exited with code " + strconv.Itoa(code) }

// SpawnMessage is the error text recorded for a failed spawn.
func SpawnMessage(err string) string { return "Failed to start: " + err }

// Apply computes the next state for ev. changed is false when ev does not
// apply to cur or leaves it as is; callers notify observers only on change.
func Apply(cur State, ev Event) (next State, changed bool) {
	next = cur
	switch ev.Kind {
	case EventStartRequested:
		if cur.Phase == PhaseStopped || cur.Phase == PhaseError {
			next = Starting()
		}
	case EventDiscovered:
		if cur.Phase == PhaseStarting {
			next = Running(ev.PID, ev.RuntimeDir)
		}
	case EventExited:
		if cur.IsLive() {
			if ev.ExitCode == 0 {
				next = Stopped()
			} else {
				next = Error(ExitMessage(ev.ExitCode))
			}
		}
	case EventSpawnFailed:
		if cur.Phase == PhaseStarting {
			next = Error(SpawnMessage(ev.Err))
		}
	case EventStopRequested:
		// With a live process the transition happens on exit.
		if !ev.Live {
			next = Stopped()
		}
	}
	return next, next != cur
}
