package sidecar

import (
	"context"
	"errors"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mrexodia/sidecar-manager/logging"
)

// ============================================================================
// Test Fixtures and Helpers
// ============================================================================

type fakeProcess struct {
	pid     int
	events  chan Event
	kills   atomic.Int32
	killErr error
	once    sync.Once
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, events: make(chan Event, 16)}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Kill() error {
	p.kills.Add(1)
	if p.killErr != nil {
		return p.killErr
	}
	p.terminate(nil)
	return nil
}

func (p *fakeProcess) emit(ev Event) {
	p.events <- ev
}

func (p *fakeProcess) terminate(code *int) {
	p.once.Do(func() {
		p.events <- Terminated{Code: code}
		close(p.events)
	})
}

type fakeSpawner struct {
	mu      sync.Mutex
	proc    *fakeProcess
	err     error
	calls   int
	program string
	args    []string
}

func (f *fakeSpawner) Spawn(program string, args []string) (<-chan Event, Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.program = program
	f.args = args
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.proc.events, f.proc, nil
}

func (f *fakeSpawner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var testConfig = Config{
	Name:    "PocketBase",
	Program: "pocketbase",
	Host:    "127.0.0.1",
	Port:    8090,
}

func alwaysFree(string, int) bool { return true }

func newTestSupervisor(t *testing.T, sp Spawner, opts ...Option) (*Supervisor, *State, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	state := NewState()
	opts = append([]Option{
		WithLogger(logging.FromZap(zap.New(core))),
		WithPortProbe(alwaysFree),
	}, opts...)
	return New(testConfig, sp, state, opts...), state, logs
}

func waitPump(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

// ============================================================================
// Spawn
// ============================================================================

func TestSpawnArgs(t *testing.T) {
	assert.Equal(t,
		[]string{"serve", "--http", "127.0.0.1:8090", "--dir", "/data/moonsway"},
		SpawnArgs("127.0.0.1:8090", "/data/moonsway"))
}

func TestSupervisor_SpawnPassesArguments(t *testing.T) {
	sp := &fakeSpawner{proc: newFakeProcess(42)}
	cfg := testConfig
	cfg.ExtraArgs = []string{"--dev"}
	s := New(cfg, sp, nil, WithPortProbe(alwaysFree))

	require.NoError(t, s.Spawn("/data"))

	assert.Equal(t, "pocketbase", sp.program)
	assert.Equal(t, []string{"serve", "--http", "127.0.0.1:8090", "--dir", "/data", "--dev"}, sp.args)
	assert.Equal(t, PhaseRunning, s.Phase())
	assert.True(t, s.Alive())

	s.Kill()
	waitPump(t, s)
}

func TestSupervisor_SpawnTwice(t *testing.T) {
	sp := &fakeSpawner{proc: newFakeProcess(42)}
	s, _, _ := newTestSupervisor(t, sp)

	require.NoError(t, s.Spawn("/data"))
	assert.ErrorIs(t, s.Spawn("/data"), ErrAlreadySpawned)
	assert.Equal(t, 1, sp.callCount())

	s.Kill()
	waitPump(t, s)
}

func TestSupervisor_PortOccupied(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig
	cfg.Port = l.Addr().(*net.TCPAddr).Port

	core, logs := observer.New(zapcore.DebugLevel)
	sp := &fakeSpawner{proc: newFakeProcess(42)}
	state := NewState()
	s := New(cfg, sp, state, WithLogger(logging.FromZap(zap.New(core))))

	require.NoError(t, s.Spawn(t.TempDir()), "an occupied port is not a startup error")
	assert.Equal(t, 0, sp.callCount())
	assert.Equal(t, PhaseSkipped, s.Phase())
	assert.Nil(t, state.Peek())
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())

	assert.False(t, s.Kill())
}

func TestSupervisor_SpawnFailure(t *testing.T) {
	spawnErr := errors.New("exec: no such file")
	sp := &fakeSpawner{err: spawnErr}
	s, state, _ := newTestSupervisor(t, sp)

	err := s.Spawn("/data")
	require.Error(t, err)
	assert.ErrorIs(t, err, spawnErr)
	assert.Equal(t, PhaseFailed, s.Phase())
	assert.Nil(t, state.Peek())

	assert.False(t, s.Kill())
	assert.Equal(t, PhaseFailed, s.Phase())
}

func TestSupervisor_HandleOccupied(t *testing.T) {
	proc := newFakeProcess(42)
	sp := &fakeSpawner{proc: proc}
	s, state, _ := newTestSupervisor(t, sp)

	existing := newChild(newFakeProcess(7), nil)
	require.True(t, state.Store(existing))

	assert.ErrorIs(t, s.Spawn("/data"), ErrHandleOccupied)
	assert.Equal(t, int32(1), proc.kills.Load(), "the untracked child must not be left running")
	assert.Same(t, existing, state.Peek())
	assert.Equal(t, PhaseFailed, s.Phase())

	// No pump was started for the refused child, so Wait must not block.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Wait(ctx))
	assert.Zero(t, s.Status().PID)
}

// ============================================================================
// Kill
// ============================================================================

func TestSupervisor_KillBeforeSpawn(t *testing.T) {
	sp := &fakeSpawner{proc: newFakeProcess(42)}
	s, _, logs := newTestSupervisor(t, sp)

	assert.False(t, s.Kill())
	assert.Equal(t, PhaseIdle, s.Phase())
	assert.Equal(t, int32(0), sp.proc.kills.Load())

	entries := logs.FilterMessage("nothing to clean up").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)

	// Wait with nothing spawned returns immediately.
	assert.NoError(t, s.Wait(context.Background()))
}

func TestSupervisor_SpawnKillKill(t *testing.T) {
	proc := newFakeProcess(42)
	sp := &fakeSpawner{proc: proc}
	s, state, logs := newTestSupervisor(t, sp)

	require.NoError(t, s.Spawn("/data"))

	assert.True(t, s.Kill())
	assert.False(t, s.Kill())

	assert.Equal(t, int32(1), proc.kills.Load())
	assert.Equal(t, PhaseStopped, s.Phase())
	assert.Nil(t, state.Peek())
	assert.Equal(t, 1, logs.FilterMessage("sidecar stopped").Len())

	waitPump(t, s)
	// Killed by signal: no exit code.
	assert.Equal(t, 1, logs.FilterMessage("terminated (no exit code)").Len())
	assert.Equal(t, PhaseStopped, s.Phase(), "pump must not override a stop")
}

// A Kill racing with Spawn must always find a pump to wait on, and a child
// stopped before it reached Running must not be reported as started.
func TestSupervisor_KillDuringSpawn(t *testing.T) {
	for i := 0; i < 100; i++ {
		proc := newFakeProcess(42)
		sp := &fakeSpawner{proc: proc}
		s, state, logs := newTestSupervisor(t, sp)

		killed := make(chan bool, 1)
		go func() {
			for state.Peek() == nil {
				runtime.Gosched()
			}
			ok := s.Kill()
			if ok {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				ok = s.Wait(ctx) == nil
			}
			killed <- ok
		}()

		require.NoError(t, s.Spawn("/data"))
		require.True(t, <-killed, "iteration %d", i)

		// Wait returned, so the pump has consumed the Terminated event.
		assert.Equal(t, 1, logs.FilterMessage("terminated (no exit code)").Len(), "iteration %d", i)
		assert.Equal(t, PhaseStopped, s.Phase(), "iteration %d", i)
		started := logs.FilterMessage("sidecar started").Len()
		stoppedEarly := logs.FilterMessage("sidecar was stopped while starting").Len()
		assert.Equal(t, 1, started+stoppedEarly, "iteration %d", i)
	}
}

func TestSupervisor_ConcurrentKill(t *testing.T) {
	proc := newFakeProcess(42)
	sp := &fakeSpawner{proc: proc}
	s, _, _ := newTestSupervisor(t, sp)
	require.NoError(t, s.Spawn("/data"))

	var killed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Kill() {
				killed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), killed.Load())
	assert.Equal(t, int32(1), proc.kills.Load())
	waitPump(t, s)
}

func TestSupervisor_KillFailureIsLoggedNotRaised(t *testing.T) {
	proc := newFakeProcess(42)
	proc.killErr = errors.New("operation not permitted")
	sp := &fakeSpawner{proc: proc}
	s, state, logs := newTestSupervisor(t, sp)
	require.NoError(t, s.Spawn("/data"))

	assert.True(t, s.Kill())
	assert.Equal(t, PhaseStoppedWithError, s.Phase())
	assert.Nil(t, state.Peek(), "the handle is released even when kill fails")

	entries := logs.FilterMessage("failed to stop sidecar").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)

	assert.False(t, s.Kill())
	assert.Equal(t, int32(1), proc.kills.Load())

	proc.terminate(nil)
	waitPump(t, s)
}

func TestSupervisor_KillAfterProcessDone(t *testing.T) {
	proc := newFakeProcess(42)
	proc.killErr = os.ErrProcessDone
	sp := &fakeSpawner{proc: proc}
	s, _, _ := newTestSupervisor(t, sp)
	require.NoError(t, s.Spawn("/data"))

	proc.terminate(ExitCode(1))
	waitPump(t, s)
	assert.Equal(t, PhaseExited, s.Phase())

	assert.True(t, s.Kill())
	assert.Equal(t, PhaseStopped, s.Phase())
}

// ============================================================================
// Output pump
// ============================================================================

func TestSupervisor_PumpClassifiesOutput(t *testing.T) {
	proc := newFakeProcess(42)
	sp := &fakeSpawner{proc: proc}
	s, state, logs := newTestSupervisor(t, sp)
	require.NoError(t, s.Spawn("/data"))

	proc.emit(StdoutLine("Server started at http://127.0.0.1:8090"))
	proc.emit(StderrLine("Error: database is locked"))
	proc.emit(StderrLine("deprecated flag"))
	proc.emit(ProcessError{Message: "pipe closed"})
	proc.emit(unknownEvent{})
	proc.terminate(ExitCode(0))
	waitPump(t, s)

	expect := map[string]zapcore.Level{
		"Server started at http://127.0.0.1:8090": zapcore.InfoLevel,
		"Error: database is locked":               zapcore.ErrorLevel,
		"deprecated flag":                         zapcore.WarnLevel,
		"process error: pipe closed":              zapcore.ErrorLevel,
		"terminated cleanly":                      zapcore.InfoLevel,
	}
	for msg, level := range expect {
		entries := logs.FilterMessage(msg).All()
		require.Len(t, entries, 1, msg)
		assert.Equal(t, level, entries[0].Level, msg)
		assert.Equal(t, "PocketBase", entries[0].ContextMap()["sidecar"])
	}

	stdout := logs.FilterMessage("Server started at http://127.0.0.1:8090").All()[0]
	assert.Equal(t, "stdout", stdout.ContextMap()["stream"])

	// Spontaneous exit leaves the handle in place until reconciled.
	assert.Equal(t, PhaseExited, s.Phase())
	assert.False(t, s.Alive())
	assert.NotNil(t, state.Peek())

	assert.True(t, s.Reconcile())
	assert.Nil(t, state.Peek())
	assert.False(t, s.Reconcile())
	assert.False(t, s.Kill())
	assert.Equal(t, int32(0), proc.kills.Load())
}

func TestSupervisor_ReconcileKeepsLiveChild(t *testing.T) {
	proc := newFakeProcess(42)
	sp := &fakeSpawner{proc: proc}
	s, state, _ := newTestSupervisor(t, sp)
	require.NoError(t, s.Spawn("/data"))

	assert.False(t, s.Reconcile())
	assert.NotNil(t, state.Peek())

	s.Kill()
	waitPump(t, s)
}

func TestSupervisor_ExitHandler(t *testing.T) {
	var got []ExitInfo
	var mu sync.Mutex
	handler := func(info ExitInfo) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, info)
	}

	// Crash is reported.
	proc := newFakeProcess(42)
	s, _, _ := newTestSupervisor(t, &fakeSpawner{proc: proc}, WithExitHandler(handler))
	require.NoError(t, s.Spawn("/data"))
	proc.terminate(ExitCode(7))
	waitPump(t, s)

	// Kill is not.
	proc2 := newFakeProcess(43)
	s2, _, _ := newTestSupervisor(t, &fakeSpawner{proc: proc2}, WithExitHandler(handler))
	require.NoError(t, s2.Spawn("/data"))
	s2.Kill()
	waitPump(t, s2)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, 42, got[0].PID)
	require.NotNil(t, got[0].Code)
	assert.Equal(t, 7, *got[0].Code)
	assert.Equal(t, "PocketBase", got[0].Name)
}

func TestSupervisor_Status(t *testing.T) {
	proc := newFakeProcess(42)
	s, _, _ := newTestSupervisor(t, &fakeSpawner{proc: proc})

	st := s.Status()
	assert.Equal(t, "Idle", st.Phase)
	assert.False(t, st.Alive)
	assert.Equal(t, "127.0.0.1:8090", st.Addr)

	require.NoError(t, s.Spawn("/data"))
	st = s.Status()
	assert.Equal(t, "Running", st.Phase)
	assert.True(t, st.Alive)
	assert.Equal(t, 42, st.PID)
	assert.Equal(t, "/data", st.DataDir)

	proc.terminate(ExitCode(3))
	waitPump(t, s)
	st = s.Status()
	assert.Equal(t, "Exited", st.Phase)
	assert.False(t, st.Alive)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 3, *st.LastExitCode)
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "StoppedWithError", PhaseStoppedWithError.String())
	assert.Equal(t, "Unknown", Phase(99).String())
}
