package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSpawn means the CLI binary could not be launched.
	ErrSpawn = errors.New("spawning CLI process")
	// ErrTimeout means a command did not produce its completion marker in
	// time. The worker is unhealthy afterwards.
	ErrTimeout = errors.New("command timed out")
	// ErrProtocol means the output stream ended or broke before the
	// completion marker. The worker is unhealthy afterwards.
	ErrProtocol = errors.New("protocol violation")
	// ErrUnavailable means Run was called on a worker that is not in
	// service (unstarted, unhealthy or stopped).
	ErrUnavailable = errors.New("worker not in service")
)

// State is the lifecycle state of a Worker.
//
// Unstarted -> Ready <-> Busy -> (Ready | Unhealthy) -> Stopped
//
// Unhealthy has no path back to Ready: a timed-out or protocol-violating
// subprocess has an unknown read position and its further output cannot be
// attributed to any caller. The pool retires such workers.
type State int32

const (
	Unstarted State = iota
	Ready
	Busy
	Unhealthy
	Stopped
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case Unhealthy:
		return "unhealthy"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config describes the subprocess a Worker owns. Echo is a template with a
// single %s placeholder; the rendered line asks the CLI to print the
// completion marker after it processed the preceding command.
type Config struct {
	Path      string
	Args      []string
	Echo      string
	StopGrace time.Duration
}

// markerPrefix starts every completion marker. The uuid suffix makes the
// full marker line collision-resistant against model output.
const markerPrefix = "GEMBRIDGE-"

// Result of a single command exchange.
type Result struct {
	// Output is the accumulated stdout text up to (excluding) the marker.
	Output string
	// Diagnostics is the stderr text captured during the exchange.
	Diagnostics string
}

// Worker owns one interactive CLI subprocess and frames commands on its
// otherwise unbounded text streams. All three pipes are owned exclusively
// by the worker. A worker serves one caller at a time; the pool enforces
// single ownership, the callMu mutex backstops it.
type Worker struct {
	id    string
	cfg   Config
	state atomic.Int32

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	lines    chan string
	procDone chan struct{}

	stderrMu sync.Mutex
	stderr   bytes.Buffer

	callMu   sync.Mutex
	stopOnce sync.Once
}

func New(cfg Config) *Worker {
	if cfg.Echo == "" {
		cfg.Echo = "/echo %s"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	return &Worker{
		id:  uuid.NewString(),
		cfg: cfg,
	}
}

// ID is a stable opaque identifier used in logs.
func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// leaveBusy transitions Busy -> next unless a concurrent Stop already moved
// the worker to Stopped.
func (w *Worker) leaveBusy(next State) {
	w.state.CompareAndSwap(int32(Busy), int32(next))
}

// Start launches the subprocess with captured stdin/stdout/stderr and spawns
// the reader goroutines. Valid only in the Unstarted state.
func (w *Worker) Start(ctx context.Context) error {
	if w.State() != Unstarted {
		return fmt.Errorf("%w: state %s", ErrUnavailable, w.State())
	}

	cmd := exec.Command(w.cfg.Path, w.cfg.Args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSpawn, w.cfg.Path, err)
	}

	w.cmd = cmd
	w.stdin = stdin
	w.lines = make(chan string)
	w.procDone = make(chan struct{})

	go w.readStdout(stdout)
	go w.readStderr(ctx, stderr)
	go func() {
		_ = cmd.Wait()
		close(w.procDone)
	}()

	w.setState(Ready)
	slog.DebugContext(ctx, "worker started",
		"worker_id", w.id, "pid", cmd.Process.Pid)
	return nil
}

// readStdout feeds stdout lines into w.lines and closes it on EOF. Closing
// the channel is what turns a died subprocess into ErrProtocol inside Run.
// The send must stay selectable: after an abandoned exchange nobody receives
// from w.lines anymore, and a line the subprocess emits afterwards would
// otherwise pin this goroutine past Stop.
func (w *Worker) readStdout(stdout io.Reader) {
	defer close(w.lines)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case w.lines <- scanner.Text():
		case <-w.procDone:
			return
		}
	}
}

// readStderr drains stderr for the whole subprocess lifetime so that a full
// error pipe can never block the subprocess from writing stdout.
func (w *Worker) readStderr(ctx context.Context, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		w.stderrMu.Lock()
		w.stderr.WriteString(scanner.Text())
		w.stderr.WriteByte('\n')
		w.stderrMu.Unlock()
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		slog.DebugContext(ctx, "draining stderr failed", "worker_id", w.id, "error", err)
	}
}

func (w *Worker) takeDiagnostics() string {
	w.stderrMu.Lock()
	defer w.stderrMu.Unlock()
	s := w.stderr.String()
	w.stderr.Reset()
	return s
}

// Run writes command to the subprocess and accumulates stdout until the
// completion marker arrives, failing with ErrTimeout when timeout elapses
// first. See Stream for the incremental variant.
func (w *Worker) Run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	return w.exchange(ctx, command, timeout, nil)
}

// Stream behaves like Run but additionally forwards every stdout line to
// onLine as it arrives. The returned Result still carries the full output.
func (w *Worker) Stream(ctx context.Context, command string, timeout time.Duration, onLine func(string)) (Result, error) {
	return w.exchange(ctx, command, timeout, onLine)
}

func (w *Worker) exchange(ctx context.Context, command string, timeout time.Duration, onLine func(string)) (Result, error) {
	w.callMu.Lock()
	defer w.callMu.Unlock()

	switch w.State() {
	case Ready, Busy:
	default:
		return Result{}, fmt.Errorf("%w: state %s", ErrUnavailable, w.State())
	}
	w.setState(Busy)

	// Reset the diagnostics window so stderr maps to this exchange only.
	_ = w.takeDiagnostics()

	marker := markerPrefix + uuid.NewString()
	echo := fmt.Sprintf(w.cfg.Echo, marker)
	if _, err := io.WriteString(w.stdin, command+"\n"+echo+"\n"); err != nil {
		w.leaveBusy(Unhealthy)
		return w.fail(fmt.Errorf("%w: writing command: %w", ErrProtocol, err))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out strings.Builder
	for {
		select {
		case line, ok := <-w.lines:
			if !ok {
				w.leaveBusy(Unhealthy)
				return w.fail(fmt.Errorf("%w: output stream closed before marker", ErrProtocol))
			}
			if strings.TrimSpace(line) == marker {
				w.leaveBusy(Ready)
				return Result{
					Output:      out.String(),
					Diagnostics: w.takeDiagnostics(),
				}, nil
			}
			out.WriteString(line)
			out.WriteByte('\n')
			if onLine != nil {
				onLine(line)
			}
		case <-timer.C:
			w.leaveBusy(Unhealthy)
			return w.fail(fmt.Errorf("%w: no marker within %s", ErrTimeout, timeout))
		case <-ctx.Done():
			// The read position is unknown after an abandoned exchange,
			// the worker cannot be trusted again.
			w.leaveBusy(Unhealthy)
			return w.fail(fmt.Errorf("command canceled: %w", ctx.Err()))
		}
	}
}

func (w *Worker) fail(err error) (Result, error) {
	return Result{Diagnostics: w.takeDiagnostics()}, err
}

// Stop terminates the subprocess: SIGTERM, a bounded grace wait, then
// SIGKILL. Idempotent, always leaves the worker Stopped.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		defer w.setState(Stopped)
		if w.cmd == nil || w.cmd.Process == nil {
			return
		}
		_ = w.stdin.Close()
		if err := signalProcess(w.cmd.Process, syscall.SIGTERM); err != nil {
			slog.Debug("signaling worker failed", "worker_id", w.id, "error", err)
		}
		select {
		case <-w.procDone:
			return
		case <-time.After(w.cfg.StopGrace):
		}
		_ = w.cmd.Process.Kill()
		<-w.procDone
	})
}

// signalProcess sends sig to a process, returning nil if the process has
// already exited.
func signalProcess(proc *os.Process, sig os.Signal) error {
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
