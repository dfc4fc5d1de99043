package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guerillaglass/glassengine/pkg/protocol"
	"github.com/guerillaglass/glassengine/pkg/telemetry"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateStarting    State = "starting"
	StateReady       State = "ready"
	StateExited      State = "exited"
	StateRestarting  State = "restarting"
	StateCircuitOpen State = "circuit_open"
	StateStopped     State = "stopped"
)

// waitDelay bounds how long Wait keeps copying I/O after the engine exits.
const waitDelay = 2 * time.Second

// stdoutDrainTimeout bounds how long responses are still read after the
// engine exits.
const stdoutDrainTimeout = 250 * time.Millisecond

// killWait bounds how long Stop waits for a killed engine to be reaped.
const killWait = waitDelay + stdoutDrainTimeout + time.Second

var commandContext = exec.CommandContext

// generation is one spawn-to-exit lifetime of the engine process.
type generation struct {
	number    uint64
	pid       int
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	encoder   *protocol.Encoder
	decoder   *protocol.Decoder
	stderr    io.WriteCloser
	startedAt time.Time

	// closed is set under the supervisor lock once the process has exited.
	closed atomic.Bool

	// done is closed after the exit has been fully handled.
	done chan struct{}
}

// supervisor owns the engine process and its restart policy.
type supervisor struct {
	path   string
	cfg    Config
	corr   *correlator
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	now    func() time.Time
	jitter func(time.Duration) time.Duration

	// baseCtx outlives every generation; cancelling it kills the engine.
	baseCtx context.Context
	cancel  context.CancelFunc

	stopped atomic.Bool

	mu           sync.Mutex
	state        State
	current      *generation
	counter      uint64
	restart      restartState
	respawnTimer *time.Timer
	respawnSeq   uint64

	// notes run after mu is released so subscribers never observe the lock.
	notes []func()
}

func newSupervisor(path string, cfg Config, corr *correlator, tel *telemetry.Telemetry, logger *telemetry.Logger) *supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &supervisor{
		path:    path,
		cfg:     cfg,
		corr:    corr,
		tel:     tel,
		logger:  logger,
		now:     time.Now,
		jitter:  randomJitter,
		baseCtx: ctx,
		cancel:  cancel,
		state:   StateIdle,
	}
}

// unlock releases mu and then runs queued notifications.
func (s *supervisor) unlock() {
	notes := s.notes
	s.notes = nil
	s.mu.Unlock()

	for _, fn := range notes {
		fn()
	}
}

func (s *supervisor) note(fn func()) {
	s.notes = append(s.notes, fn)
}

// acquire returns the live generation, spawning one if needed.
func (s *supervisor) acquire(ctx context.Context, method string) (*generation, error) {
	s.mu.Lock()
	defer s.unlock()

	if s.stopped.Load() {
		return nil, newStoppedFailure(method)
	}

	if g := s.current; g != nil {
		return g, nil
	}

	now := s.now()
	if until, open := s.restart.circuitOpen(now); open {
		s.state = StateCircuitOpen
		return nil, newCircuitOpenFailure(method, until)
	}

	// A call during backoff spawns now instead of waiting.
	s.cancelRespawnLocked()

	g, err := s.spawnLocked(ctx)
	if err != nil {
		s.spawnFailedLocked(now, err)
		return nil, newSpawnFailure(method, err)
	}
	return g, nil
}

// spawnLocked starts a new generation. Caller holds mu.
func (s *supervisor) spawnLocked(ctx context.Context) (*generation, error) {
	number := s.counter + 1

	_, span := s.tel.Tracer.StartSpawnSpan(ctx, s.path, number)
	defer span.End()

	s.state = StateStarting

	cmd := commandContext(s.baseCtx, s.path, s.cfg.Args...)
	cmd.Env = s.cfg.Env
	cmd.Dir = s.cfg.Dir
	cmd.WaitDelay = waitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	// The read end is owned here rather than by cmd, so exit detection does
	// not depend on every descendant closing stdout.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	logger := s.logger.WithGeneration(number)
	stderr := logger.WithField("stream", "stderr").EngineStderr()
	cmd.Stderr = stderr

	err = cmd.Start()
	_ = stdoutW.Close()
	if err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to start engine %s: %w", s.path, err)
	}

	s.counter = number
	g := &generation{
		number:    number,
		pid:       cmd.Process.Pid,
		cmd:       cmd,
		stdin:     stdin,
		encoder:   protocol.NewEncoder(stdin),
		decoder:   protocol.NewDecoder(),
		stderr:    stderr,
		startedAt: s.now(),
		done:      make(chan struct{}),
	}
	s.current = g
	s.state = StateReady

	span.SetAttributes(telemetry.AttrPID.Int(g.pid))
	telemetry.RecordSuccess(span)

	s.tel.Metrics.RecordSpawn(number)
	s.tel.Metrics.SetCircuitOpen(false)
	s.note(func() {
		logger.WithField("pid", g.pid).Info("engine started")
		_ = s.tel.Events.PublishSpawned(number, g.pid, s.path)
	})

	go s.watch(g, stdout)

	return g, nil
}

// spawnFailedLocked accounts a failed spawn like a crash so a broken engine
// path trips the circuit. No respawn is scheduled; the next call retries.
func (s *supervisor) spawnFailedLocked(now time.Time, err error) {
	decision := s.restart.recordCrash(now, s.cfg, s.jitter)
	s.tel.Metrics.RecordCrash()
	number := s.counter

	if decision.Respawn {
		s.state = StateExited
	} else {
		s.state = StateCircuitOpen
		s.tel.Metrics.SetCircuitOpen(true)
	}

	s.note(func() {
		s.logger.WithError(err).WithField("path", s.path).Error("engine could not be started")
		_ = s.tel.Events.PublishSpawnFailed(s.path, err)
		if !decision.Respawn {
			s.circuitOpened(number, decision)
		}
	})
}

// watch reaps the process and pumps its stdout into the correlator. The
// exit is handled once the process is gone and stdout is drained; a
// descendant still holding stdout open gets stdoutDrainTimeout before the
// pipe is closed under it.
func (s *supervisor) watch(g *generation, stdout *os.File) {
	logger := s.logger.WithGeneration(g.number)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.pump(g, stdout, logger)
	}()

	waitErr := g.cmd.Wait()
	_ = g.stderr.Close()

	select {
	case <-readDone:
	case <-time.After(stdoutDrainTimeout):
		logger.Warn("engine stdout still open after exit, closing it")
		_ = stdout.Close()
		<-readDone
	}
	_ = stdout.Close()

	if dropped := g.decoder.Dropped(); dropped > 0 {
		s.tel.Metrics.AddDroppedLines(dropped)
		logger.WithField("dropped_lines", dropped).Warn("discarded malformed engine output")
	}

	s.handleExit(g, waitErr)
}

func (s *supervisor) pump(g *generation, stdout io.Reader, logger *telemetry.Logger) {
	readErr := g.decoder.ReadFrom(stdout, func(resp protocol.Response) {
		if s.corr.resolve(resp) {
			return
		}
		if resp.ID == protocol.UnknownRequestID {
			msg := ""
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			logger.WithField("error_message", msg).Warn("engine rejected an unparsable request")
			return
		}
		logger.WithRequestID(resp.ID).Debug("discarding response for settled or unknown request")
	})
	if readErr != nil && !errors.Is(readErr, os.ErrClosed) {
		logger.WithError(readErr).Debug("engine stdout closed with error")
	}
}

// handleExit fails the generation's calls and applies the restart policy.
func (s *supervisor) handleExit(g *generation, waitErr error) {
	exitCode := -1
	if g.cmd.ProcessState != nil {
		exitCode = g.cmd.ProcessState.ExitCode()
	}
	logger := s.logger.WithGeneration(g.number).WithFields(map[string]interface{}{
		"pid":       g.pid,
		"exit_code": exitCode,
		"uptime":    s.now().Sub(g.startedAt).String(),
	})

	s.mu.Lock()
	g.closed.Store(true)
	if s.current == g {
		s.current = nil
	}

	if s.stopped.Load() {
		s.unlock()
		s.corr.failGeneration(g.number, newStoppedFailure(""))
		close(g.done)
		logger.Debug("engine exited after stop")
		_ = s.tel.Events.PublishExited(g.number, g.pid, exitCode, true)
		return
	}

	decision := s.restart.recordCrash(s.now(), s.cfg, s.jitter)
	s.tel.Metrics.RecordCrash()
	if s.current == nil {
		if decision.Respawn {
			s.state = StateRestarting
			s.scheduleRespawnLocked(decision.Delay)
		} else {
			s.state = StateCircuitOpen
			s.tel.Metrics.SetCircuitOpen(true)
		}
	}
	s.unlock()

	failed := s.corr.failGeneration(g.number, newProcessExitFailure("", waitErr))
	close(g.done)

	logger.WithField("failed_calls", failed).Warn("engine exited unexpectedly")
	_ = s.tel.Events.PublishExited(g.number, g.pid, exitCode, false)

	if decision.Respawn {
		logger.WithFields(map[string]interface{}{
			"delay":   decision.Delay.String(),
			"crashes": decision.Crashes,
		}).Info("engine restart scheduled")
		_ = s.tel.Events.PublishRestartScheduled(g.number, decision.Delay, decision.Crashes)
		return
	}
	s.circuitOpened(g.number, decision)
}

func (s *supervisor) circuitOpened(number uint64, decision restartDecision) {
	s.logger.WithFields(map[string]interface{}{
		"open_until": decision.OpenUntil.Format(time.RFC3339Nano),
		"crashes":    decision.Crashes,
	}).Error("engine restart circuit opened")
	_ = s.tel.Events.PublishCircuitOpened(number, decision.OpenUntil, decision.Crashes)
}

// scheduleRespawnLocked arms the backoff timer. Caller holds mu.
func (s *supervisor) scheduleRespawnLocked(delay time.Duration) {
	s.cancelRespawnLocked()
	seq := s.respawnSeq
	s.respawnTimer = time.AfterFunc(delay, func() {
		s.respawn(seq)
	})
}

// cancelRespawnLocked disarms any scheduled respawn. Caller holds mu.
func (s *supervisor) cancelRespawnLocked() {
	if s.respawnTimer != nil {
		s.respawnTimer.Stop()
		s.respawnTimer = nil
	}
	s.respawnSeq++
}

func (s *supervisor) respawn(seq uint64) {
	s.mu.Lock()
	defer s.unlock()

	if seq != s.respawnSeq || s.stopped.Load() || s.current != nil {
		return
	}
	s.respawnTimer = nil

	now := s.now()
	if _, open := s.restart.circuitOpen(now); open {
		s.state = StateCircuitOpen
		return
	}

	if _, err := s.spawnLocked(context.Background()); err != nil {
		s.spawnFailedLocked(now, err)
	}
}

// stop fails every pending call, closes stdin, and kills the engine once
// the grace period or ctx runs out.
func (s *supervisor) stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		return nil
	}
	s.stopped.Store(true)
	s.state = StateStopped
	s.cancelRespawnLocked()
	g := s.current
	number := s.counter
	s.unlock()

	failed := s.corr.failAll(newStoppedFailure(""))

	var err error
	if g != nil {
		err = s.terminate(ctx, g)
	}
	s.cancel()

	s.logger.WithFields(map[string]interface{}{
		"generation":   number,
		"failed_calls": failed,
	}).Info("engine client stopped")
	_ = s.tel.Events.PublishStopped(number, failed)

	return err
}

func (s *supervisor) terminate(ctx context.Context, g *generation) error {
	_ = g.stdin.Close()

	grace := time.NewTimer(s.cfg.StopGracePeriod)
	defer grace.Stop()

	select {
	case <-g.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	s.logger.WithGeneration(g.number).WithField("pid", g.pid).Warn("engine did not exit after stdin closed, killing")
	if err := g.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill engine pid %d: %w", g.pid, err)
	}

	select {
	case <-g.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("engine pid %d did not exit after kill", g.pid)
	}
}

// Status is a point-in-time snapshot of the client.
type Status struct {
	State            State     `json:"state"`
	EnginePath       string    `json:"enginePath"`
	Generation       uint64    `json:"generation"`
	PID              int       `json:"pid,omitempty"`
	Pending          int       `json:"pending"`
	RecentCrashes    int       `json:"recentCrashes"`
	CircuitOpenUntil time.Time `json:"circuitOpenUntil,omitzero"`
}

func (s *supervisor) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	st := Status{
		State:         s.state,
		EnginePath:    s.path,
		Generation:    s.counter,
		RecentCrashes: s.restart.recentCrashes(now, s.cfg.RestartWindow),
	}
	if s.current != nil {
		st.PID = s.current.pid
	}
	if until, open := s.restart.circuitOpen(now); open {
		st.CircuitOpenUntil = until
	} else if st.State == StateCircuitOpen {
		// Elapsed; the next call spawns.
		st.State = StateExited
	}
	return st
}
