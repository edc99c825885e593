package shell

import "fmt"

// Stage names the startup step that failed
type Stage string

const (
	StageResolveDataDir Stage = "resolve data dir"
	StageCreateDataDir  Stage = "create data dir"
	StageScheduleHealth Stage = "schedule health check"
	StageSpawnSidecar   Stage = "spawn sidecar"
)

// StartupError is fatal: the shell must not come up without its backend.
type StartupError struct {
	Stage Stage
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup failed (%s): %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}
