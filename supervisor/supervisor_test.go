package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/efergy-bridge/config"
	"github.com/eddielth/efergy-bridge/logger"
)

func requireBinaries(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			t.Skipf("%s not available: %v", name, err)
		}
	}
}

func TestUpstreamArgs(t *testing.T) {
	assert.Equal(t,
		[]string{"-f", "433510000", "-s", "200000", "-r", "96000", "-g", "50"},
		UpstreamArgs(),
	)
}

func TestNew_FromConfig(t *testing.T) {
	c := New(config.DecoderConfig{Binary: "/opt/efergy/EfergyRPI_log"})
	assert.Equal(t, "rtl_fm", c.upstream.Binary)
	assert.Equal(t, UpstreamArgs(), c.upstream.Args)
	assert.Equal(t, "/opt/efergy/EfergyRPI_log", c.downstream.Binary)
	assert.Empty(t, c.downstream.Args)

	c = New(config.DecoderConfig{UpstreamBinary: "/usr/local/bin/rtl_fm", Binary: "decoder"})
	assert.Equal(t, "/usr/local/bin/rtl_fm", c.upstream.Binary)
}

func TestChain_PipesUpstreamIntoDownstream(t *testing.T) {
	requireBinaries(t, "sh", "cat")

	c := NewChain(
		Process{Binary: "sh", Args: []string{"-c", `printf '20,1610000000,1234.567\ngarbage,data\n'`}},
		Process{Binary: "cat"},
	)

	out, err := c.Start(context.Background())
	require.NoError(t, err)

	up, down := c.PIDs()
	assert.NotZero(t, up)
	assert.NotZero(t, down)

	data, err := io.ReadAll(out)
	require.NoError(t, err)
	assert.Equal(t, "20,1610000000,1234.567\ngarbage,data\n", string(data))

	assert.NoError(t, c.Stop())
	assert.NoError(t, c.Stop(), "second Stop must be a no-op")
}

func TestChain_StopKillsRunningProcesses(t *testing.T) {
	requireBinaries(t, "sleep", "cat")

	c := NewChain(
		Process{Binary: "sleep", Args: []string{"30"}},
		Process{Binary: "cat"},
	)

	out, err := c.Start(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(out)
		done <- err
	}()

	start := time.Now()
	require.NoError(t, c.Stop())

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("decoder output did not close after Stop")
	}
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestChain_DownstreamLaunchFailure(t *testing.T) {
	requireBinaries(t, "sleep")

	c := NewChain(
		Process{Binary: "sleep", Args: []string{"30"}},
		Process{Binary: "/nonexistent/EfergyRPI_log"},
	)

	start := time.Now()
	out, err := c.Start(context.Background())
	assert.Nil(t, out)

	var launchErr *LaunchError
	require.True(t, errors.As(err, &launchErr))
	assert.Equal(t, StageDownstream, launchErr.Stage)
	assert.Equal(t, "/nonexistent/EfergyRPI_log", launchErr.Binary)
	// The demodulator was killed and reaped rather than left sleeping.
	assert.Less(t, time.Since(start), 10*time.Second)

	up, down := c.PIDs()
	assert.Zero(t, up)
	assert.Zero(t, down)
	assert.NoError(t, c.Stop())
}

func TestChain_UpstreamLaunchFailure(t *testing.T) {
	c := NewChain(
		Process{Binary: "/nonexistent/rtl_fm"},
		Process{Binary: "/nonexistent/EfergyRPI_log"},
	)

	_, err := c.Start(context.Background())

	var launchErr *LaunchError
	require.True(t, errors.As(err, &launchErr))
	assert.Equal(t, StageUpstream, launchErr.Stage)
	assert.NoError(t, c.Stop())
}

func TestChain_StopBeforeStart(t *testing.T) {
	c := NewChain(Process{Binary: "sleep"}, Process{Binary: "cat"})

	require.NoError(t, c.Stop())

	_, err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestChain_StopAfterProcessesExited(t *testing.T) {
	requireBinaries(t, "true", "cat")

	c := NewChain(Process{Binary: "true"}, Process{Binary: "cat"})

	out, err := c.Start(context.Background())
	require.NoError(t, err)

	_, err = io.ReadAll(out)
	require.NoError(t, err)

	assert.NoError(t, c.Stop())
}

func TestChain_StartCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewChain(Process{Binary: "sleep"}, Process{Binary: "cat"})
	_, err := c.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChain_StopFlushesPartialStderr(t *testing.T) {
	requireBinaries(t, "sh", "cat")

	logPath := filepath.Join(t.TempDir(), "bridge.log")
	require.NoError(t, logger.InitFromConfig("debug", logPath, 10, 1, false))
	t.Cleanup(func() {
		_ = logger.InitFromConfig("info", "", 0, 0, true)
	})

	c := NewChain(
		Process{Binary: "sh", Args: []string{"-c", `printf 'usb_claim_interface error -6' >&2`}},
		Process{Binary: "cat"},
	)

	out, err := c.Start(context.Background())
	require.NoError(t, err)
	_, err = io.ReadAll(out)
	require.NoError(t, err)
	require.NoError(t, c.Stop())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[upstream] usb_claim_interface error -6")
}
