package process

// SpawnError reports that a process could not be started.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string { return e.Err.Error() }

func (e *SpawnError) Unwrap() error { return e.Err }
