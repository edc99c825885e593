package sidecar

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const (
	eventBufferSize = 256
	readBufferSize  = 64 * 1024
	maxLineSize     = 1024 * 1024
)

// Spawner starts a program and hands back its output channel and a killable
// handle. The channel carries exactly one Terminated event, last, and is then closed.
type Spawner interface {
	Spawn(program string, args []string) (<-chan Event, Process, error)
}

// ExecSpawner spawns programs with os/exec.
type ExecSpawner struct {
	Workdir string
	Env     map[string]string // Overrides EnvFile and the OS environment
	EnvFile string            // Optional dotenv file
}

// Spawn implements Spawner.
func (sp *ExecSpawner) Spawn(program string, args []string) (<-chan Event, Process, error) {
	path, err := resolveProgram(program)
	if err != nil {
		return nil, nil, err
	}

	env, err := sp.environ()
	if err != nil {
		return nil, nil, err
	}

	cmd := exec.Command(path, args...)
	cmd.Env = env
	if sp.Workdir != "" {
		cmd.Dir = sp.Workdir
	}
	configureCmd(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	proc := &execProcess{cmd: cmd}
	if err := platformStart(proc); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", path, err)
	}

	events := make(chan Event, eventBufferSize)
	go proc.run(stdout, stderr, events)

	return events, proc, nil
}

// environ builds the child environment: OS env, then the dotenv file, then Env.
func (sp *ExecSpawner) environ() ([]string, error) {
	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := strings.Index(env, "="); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	if sp.EnvFile != "" {
		dotenvVars, err := godotenv.Read(sp.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("failed to parse env file %s: %w", sp.EnvFile, err)
		}
		for k, v := range dotenvVars {
			envMap[k] = v
		}
	}

	for k, v := range sp.Env {
		envMap[k] = v
	}

	env := make([]string, 0, len(envMap))
	for k, v := range envMap {
		env = append(env, k+"="+v)
	}
	return env, nil
}

// resolveProgram finds a bundled binary. Paths are used as given; bare names
// are looked up next to the running executable first, then on PATH.
func resolveProgram(program string) (string, error) {
	if program == "" {
		return "", errors.New("empty program name")
	}
	if strings.ContainsRune(program, filepath.Separator) || strings.ContainsRune(program, '/') {
		return program, nil
	}

	name := program
	if runtime.GOOS == "windows" && filepath.Ext(name) == "" {
		name += ".exe"
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	path, err := exec.LookPath(program)
	if err != nil {
		return "", fmt.Errorf("sidecar binary %q not found: %w", program, err)
	}
	return path, nil
}

// execProcess is a Process backed by exec.Cmd
type execProcess struct {
	cmd    *exec.Cmd
	exited atomic.Bool // cmd.Wait returned

	mu     sync.Mutex
	winJob any // platform job handle (Windows only)
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

// Kill terminates the process and its descendants. It returns
// os.ErrProcessDone if the process already exited.
func (p *execProcess) Kill() error {
	if p.exited.Load() {
		return os.ErrProcessDone
	}
	return platformKill(p)
}

// run pumps both pipes into events, then waits for the process.
// Readers must drain before cmd.Wait closes the pipes.
func (p *execProcess) run(stdout, stderr io.Reader, events chan<- Event) {
	defer close(events)

	var g errgroup.Group
	g.Go(func() error {
		return readLines(stdout, func(b []byte) { events <- StdoutLine(b) })
	})
	g.Go(func() error {
		return readLines(stderr, func(b []byte) { events <- StderrLine(b) })
	})
	if err := g.Wait(); err != nil {
		events <- ProcessError{Message: err.Error()}
	}

	err := p.cmd.Wait()
	p.exited.Store(true)
	platformCleanup(p)

	for _, ev := range exitEvents(err) {
		events <- ev
	}
}

// readLines emits one event per line. A line longer than maxLineSize is
// emitted in maxLineSize chunks so the stream keeps flowing after it.
func readLines(r io.Reader, emit func([]byte)) error {
	br := bufio.NewReaderSize(r, readBufferSize)
	var line []byte
	chunked := false
	for {
		part, isPrefix, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 {
				emit(line)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			// Keep draining so the child never blocks on a full pipe.
			io.Copy(io.Discard, r)
			return fmt.Errorf("failed to read output: %w", err)
		}

		line = append(line, part...)
		for len(line) >= maxLineSize {
			emit(append([]byte(nil), line[:maxLineSize]...))
			line = append([]byte(nil), line[maxLineSize:]...)
			chunked = true
		}
		if isPrefix {
			continue
		}
		if len(line) > 0 || !chunked {
			emit(line)
		}
		line = nil
		chunked = false
	}
}

// exitEvents converts the result of cmd.Wait into the trailing events.
func exitEvents(err error) []Event {
	if err == nil {
		return []Event{Terminated{Code: ExitCode(0)}}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// Killed by a signal
			return []Event{Terminated{}}
		}
		return []Event{Terminated{Code: ExitCode(code)}}
	}

	return []Event{ProcessError{Message: err.Error()}, Terminated{}}
}
