// Package supervisor runs the two chained decoder processes:
//
//	rtl_fm -f 433510000 -s 200000 -r 96000 -g 50 | EfergyRPI_log
//
// The demodulator's stdout feeds the vendor decoder's stdin through an OS
// pipe; the decoder's stdout is handed to the caller. Both processes are
// owned by a Chain and torn down together by Stop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/eddielth/efergy-bridge/config"
	"github.com/eddielth/efergy-bridge/logger"
)

// Radio tuning for the Efergy transmitters. These encode the physical
// protocol the vendor decoder expects.
const (
	CenterFrequencyHz = 433510000
	SampleRateHz      = 200000
	ResampleRateHz    = 96000
	TunerGain         = 50
)

// waitDelay bounds how long Stop waits for a killed child's stderr to drain.
const waitDelay = 2 * time.Second

// Stage names used in errors and logs.
const (
	StageUpstream   = "upstream"
	StageDownstream = "downstream"
)

// ErrStopped is returned by Start after Stop has been called.
var ErrStopped = errors.New("decoder chain already stopped")

// LaunchError reports a decoder process that could not be started.
type LaunchError struct {
	Stage  string
	Binary string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s decoder %q: %v", e.Stage, e.Binary, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// UpstreamArgs returns the fixed demodulator arguments.
func UpstreamArgs() []string {
	return []string{
		"-f", strconv.Itoa(CenterFrequencyHz),
		"-s", strconv.Itoa(SampleRateHz),
		"-r", strconv.Itoa(ResampleRateHz),
		"-g", strconv.Itoa(TunerGain),
	}
}

// Process describes one executable in the chain.
type Process struct {
	Binary string
	Args   []string
}

// Chain owns the demodulator and decoder processes.
type Chain struct {
	upstream   Process
	downstream Process

	mu         sync.Mutex
	upCmd      *exec.Cmd
	downCmd    *exec.Cmd
	upStderr   *logger.LineWriter
	downStderr *logger.LineWriter
	stopped    bool

	stopOnce sync.Once
	stopErr  error
}

// New builds a chain from the decoder configuration: the configured
// demodulator with the fixed tuning arguments, then the vendor decoder with
// no arguments.
func New(cfg config.DecoderConfig) *Chain {
	upstream := cfg.UpstreamBinary
	if upstream == "" {
		upstream = "rtl_fm"
	}
	return NewChain(
		Process{Binary: upstream, Args: UpstreamArgs()},
		Process{Binary: cfg.Binary},
	)
}

// NewChain builds a chain from explicit process descriptions.
func NewChain(upstream, downstream Process) *Chain {
	return &Chain{upstream: upstream, downstream: downstream}
}

// Start launches both processes and returns the decoder's stdout. If the
// decoder fails to launch, the demodulator is killed before returning. The
// context is only consulted before launching; use Stop for teardown.
func (c *Chain) Start(ctx context.Context) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return nil, ErrStopped
	}
	if c.downCmd != nil {
		return nil, fmt.Errorf("decoder chain already started")
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Stage: StageUpstream, Binary: c.upstream.Binary, Err: fmt.Errorf("creating pipe: %w", err)}
	}
	// The children hold their own copies once started.
	defer pr.Close()
	defer pw.Close()

	upStderr := logger.Writer(logger.DEBUG, StageUpstream)
	downStderr := logger.Writer(logger.WARN, StageDownstream)

	up := exec.Command(c.upstream.Binary, c.upstream.Args...) //nolint:gosec // binaries come from operator configuration
	up.Stdout = pw
	up.Stderr = upStderr
	up.WaitDelay = waitDelay

	down := exec.Command(c.downstream.Binary, c.downstream.Args...) //nolint:gosec // binaries come from operator configuration
	down.Stdin = pr
	down.Stderr = downStderr
	down.WaitDelay = waitDelay

	if err := up.Start(); err != nil {
		return nil, &LaunchError{Stage: StageUpstream, Binary: c.upstream.Binary, Err: err}
	}
	logger.Info("started %s decoder %s (pid %d)", StageUpstream, c.upstream.Binary, up.Process.Pid)

	fail := func(err error) (io.Reader, error) {
		if killErr := terminate(StageUpstream, up); killErr != nil {
			logger.Warn("cleaning up after failed launch: %v", killErr)
		}
		upStderr.Flush()
		return nil, &LaunchError{Stage: StageDownstream, Binary: c.downstream.Binary, Err: err}
	}

	stdout, err := down.StdoutPipe()
	if err != nil {
		return fail(fmt.Errorf("creating stdout pipe: %w", err))
	}

	if err := down.Start(); err != nil {
		return fail(err)
	}
	logger.Info("started %s decoder %s (pid %d)", StageDownstream, c.downstream.Binary, down.Process.Pid)

	c.upCmd = up
	c.downCmd = down
	c.upStderr = upStderr
	c.downStderr = downStderr
	return stdout, nil
}

// Stop kills both processes and reaps them. Only the first call does any
// work; later calls return the first result. It is safe to call before
// Start and after the processes have exited on their own.
func (c *Chain) Stop() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.stopped = true
		// Decoder first, so it never sees a half-closed input.
		c.stopErr = errors.Join(
			terminate(StageDownstream, c.downCmd),
			terminate(StageUpstream, c.upCmd),
		)
		// Output a child wrote without a final newline.
		for _, w := range []*logger.LineWriter{c.downStderr, c.upStderr} {
			if w != nil {
				w.Flush()
			}
		}
	})
	return c.stopErr
}

// PIDs returns the process IDs of the running chain, zero when not started.
func (c *Chain) PIDs() (upstream, downstream int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.upCmd != nil && c.upCmd.Process != nil {
		upstream = c.upCmd.Process.Pid
	}
	if c.downCmd != nil && c.downCmd.Process != nil {
		downstream = c.downCmd.Process.Pid
	}
	return upstream, downstream
}

// terminate sends SIGKILL and waits for the process. A process that has
// already exited is not an error.
func terminate(stage string, cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing %s decoder (pid %d): %w", stage, pid, err)
	}

	err := cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.As(err, &exitErr):
		logger.Info("%s decoder (pid %d) stopped", stage, pid)
		return nil
	case errors.Is(err, exec.ErrWaitDelay):
		logger.Warn("%s decoder (pid %d) stopped, output not drained", stage, pid)
		return nil
	default:
		return fmt.Errorf("waiting for %s decoder (pid %d): %w", stage, pid, err)
	}
}
