package worker_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gembridge/gembridge/internal/worker"
)

// stubCLI is a minimal interactive line-oriented program with the same
// shape as the real gemini CLI: it reads commands from stdin and reacts
// line by line, including the /echo directive carrying completion markers.
const stubCLI = `#!/bin/sh
while IFS= read -r line; do
  case "$line" in
    "/echo "*) printf '%s\n' "${line#/echo }" ;;
    "/clear") : ;;
    "/stats") printf 'prompt tokens: 7\ncompletion tokens: 12\n' ;;
    "/multi") printf 'one\ntwo\nthree\n' ;;
    "/slow") sleep 5 ;;
    "/die") exit 3 ;;
    "/late") sleep 1; printf 'straggler\n' ;;
    "/stderr") printf 'warn: simulated diagnostics\n' >&2; sleep 1 ;;
    *) printf 'echo: %s\n' "$line" ;;
  esac
done
`

func stubConfig(t *testing.T) worker.Config {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	script := filepath.Join(t.TempDir(), "stub.sh")
	require.NoError(t, os.WriteFile(script, []byte(stubCLI), 0o755))
	return worker.Config{
		Path:      sh,
		Args:      []string{script},
		StopGrace: time.Second,
	}
}

func startWorker(t *testing.T) *worker.Worker {
	t.Helper()
	w := worker.New(stubConfig(t))
	require.NoError(t, w.Start(t.Context()))
	t.Cleanup(w.Stop)
	return w
}

func TestWorkerExchange(t *testing.T) {
	t.Parallel()
	w := startWorker(t)
	require.Equal(t, worker.Ready, w.State())
	require.NotEmpty(t, w.ID())

	res, err := w.Run(t.Context(), "hello", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "echo: hello\n", res.Output)
	require.Equal(t, worker.Ready, w.State())

	// exchanges are strictly sequential on one worker
	res, err = w.Run(t.Context(), "again", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "echo: again\n", res.Output)
}

func TestWorkerMultiLine(t *testing.T) {
	t.Parallel()
	w := startWorker(t)

	res, err := w.Run(t.Context(), "/multi", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "one\ntwo\nthree\n", res.Output)
}

func TestWorkerStream(t *testing.T) {
	t.Parallel()
	w := startWorker(t)

	var lines []string
	res, err := w.Stream(t.Context(), "/multi", 5*time.Second, func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two", "three"}, lines)
	require.Equal(t, "one\ntwo\nthree\n", res.Output)
}

func TestWorkerDiagnostics(t *testing.T) {
	t.Parallel()
	w := startWorker(t)

	res, err := w.Run(t.Context(), "/stderr", 5*time.Second)
	require.NoError(t, err)
	require.Empty(t, res.Output)
	require.Contains(t, res.Diagnostics, "simulated diagnostics")
}

func TestWorkerTimeout(t *testing.T) {
	t.Parallel()
	w := startWorker(t)

	_, err := w.Run(t.Context(), "/slow", 200*time.Millisecond)
	require.ErrorIs(t, err, worker.ErrTimeout)
	require.Equal(t, worker.Unhealthy, w.State())

	// a timed-out worker is out of service for good
	_, err = w.Run(t.Context(), "hello", time.Second)
	require.ErrorIs(t, err, worker.ErrUnavailable)
}

func TestWorkerCancel(t *testing.T) {
	t.Parallel()
	w := startWorker(t)

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := w.Run(ctx, "/slow", 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, worker.Unhealthy, w.State())
}

func TestWorkerStopUnblocksReader(t *testing.T) {
	t.Parallel()
	w := startWorker(t)

	// Abandon the exchange before the stub answers; the straggler line
	// arrives with nobody receiving from the worker anymore.
	_, err := w.Run(t.Context(), "/late", 100*time.Millisecond)
	require.ErrorIs(t, err, worker.ErrTimeout)
	time.Sleep(1500 * time.Millisecond)

	// Stop must release the stdout reader despite the undelivered line;
	// goleak in TestMain fails the package if it lingers.
	w.Stop()
	require.Equal(t, worker.Stopped, w.State())
}

func TestWorkerSubprocessDeath(t *testing.T) {
	t.Parallel()
	w := startWorker(t)

	_, err := w.Run(t.Context(), "/die", 5*time.Second)
	require.ErrorIs(t, err, worker.ErrProtocol)
	require.Equal(t, worker.Unhealthy, w.State())
}

func TestWorkerSpawnError(t *testing.T) {
	t.Parallel()
	w := worker.New(worker.Config{
		Path: filepath.Join(t.TempDir(), "does-not-exist"),
	})
	err := w.Start(t.Context())
	require.ErrorIs(t, err, worker.ErrSpawn)
	require.Equal(t, worker.Unstarted, w.State())
}

func TestWorkerStopIdempotent(t *testing.T) {
	t.Parallel()
	w := startWorker(t)

	w.Stop()
	require.Equal(t, worker.Stopped, w.State())
	w.Stop()
	require.Equal(t, worker.Stopped, w.State())

	_, err := w.Run(t.Context(), "hello", time.Second)
	require.ErrorIs(t, err, worker.ErrUnavailable)
}

func TestWorkerRunBeforeStart(t *testing.T) {
	t.Parallel()
	w := worker.New(stubConfig(t))
	_, err := w.Run(t.Context(), "hello", time.Second)
	require.ErrorIs(t, err, worker.ErrUnavailable)
}

func TestStateString(t *testing.T) {
	t.Parallel()
	for state, want := range map[worker.State]string{
		worker.Unstarted: "unstarted",
		worker.Ready:     "ready",
		worker.Busy:      "busy",
		worker.Unhealthy: "unhealthy",
		worker.Stopped:   "stopped",
		worker.State(42): "unknown",
	} {
		require.Equal(t, want, state.String())
	}
}
