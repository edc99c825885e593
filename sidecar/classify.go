package sidecar

import (
	"fmt"
	"strings"

	"github.com/mrexodia/sidecar-manager/logging"
)

// Stream identifies which output stream a line came from.
type Stream int

const (
	StreamStdout Stream = iota
	StreamStderr
)

// String returns "stdout" or "stderr"
func (s Stream) String() string {
	if s == StreamStderr {
		return "stderr"
	}
	return "stdout"
}

// ClassifyLine maps an output line to a level and message. Stdout is always
// info. Stderr is error when the line mentions "error" in any case, warn otherwise.
// Invalid UTF-8 is replaced, never rejected.
func ClassifyLine(stream Stream, line []byte) (logging.Level, string) {
	msg := decode(line)
	if stream == StreamStdout {
		return logging.LevelInfo, msg
	}
	if strings.Contains(strings.ToLower(msg), "error") {
		return logging.LevelError, msg
	}
	return logging.LevelWarn, msg
}

// ClassifyExit maps a termination to a level and message.
func ClassifyExit(code *int) (logging.Level, string) {
	switch {
	case code == nil:
		return logging.LevelWarn, "terminated (no exit code)"
	case *code == 0:
		return logging.LevelInfo, "terminated cleanly"
	default:
		return logging.LevelError, fmt.Sprintf("terminated with exit code %d", *code)
	}
}

// Classify maps any known event. ok is false for event types it does not know.
func Classify(ev Event) (level logging.Level, msg string, ok bool) {
	switch e := ev.(type) {
	case StdoutLine:
		level, msg = ClassifyLine(StreamStdout, e)
	case StderrLine:
		level, msg = ClassifyLine(StreamStderr, e)
	case Terminated:
		level, msg = ClassifyExit(e.Code)
	case ProcessError:
		level, msg = logging.LevelError, "process error: "+e.Message
	default:
		return 0, "", false
	}
	return level, msg, true
}

func decode(line []byte) string {
	return strings.ToValidUTF8(string(line), "\uFFFD")
}
