package sidecar

// Event is one item on a child's output channel. The concrete types are
// StdoutLine, StderrLine, Terminated and ProcessError; consumers must ignore
// types they do not know.
type Event interface {
	event()
}

// StdoutLine is one line the child wrote to standard output, without the line terminator.
type StdoutLine []byte

// StderrLine is one line the child wrote to standard error, without the line terminator.
type StderrLine []byte

// Terminated is the last event of a child. Code is nil when the OS reported
// no exit code, e.g. the child was killed by a signal.
type Terminated struct {
	Code *int
}

// ProcessError reports a failure of the process layer itself (pipe read, wait).
type ProcessError struct {
	Message string
}

func (StdoutLine) event()   {}
func (StderrLine) event()   {}
func (Terminated) event()   {}
func (ProcessError) event() {}

// ExitCode is a helper for building Terminated events.
func ExitCode(code int) *int {
	return &code
}
