package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRootCmd(t *testing.T) {
	cmd := GetRootCmd()
	require.NotNil(t, cmd)
	assert.Equal(t, "cubesync", cmd.Use)
	assert.Equal(t, version, cmd.Version)
}

func TestGetVersion(t *testing.T) {
	assert.Equal(t, "0.1.0", GetVersion())
}

func TestSubcommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range GetRootCmd().Commands() {
		names[c.Name()] = true
	}

	for _, expected := range []string{"start", "stop", "status", "resync", "cleanup"} {
		assert.True(t, names[expected], "missing subcommand %s", expected)
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := GetRootCmd()
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
}

func TestPIDFileRoundTrip(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "cubesync.pid")

	require.NoError(t, writePIDFile(pidFile))
	pid, err := readPID(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// The test process is alive, so its own PID reports running.
	assert.True(t, isRunning(pidFile))
}

func TestReadPID_Invalid(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "cubesync.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("not-a-pid"), 0o644))

	_, err := readPID(pidFile)
	assert.Error(t, err)
	assert.False(t, isRunning(pidFile))
}

func TestIsRunning_MissingFile(t *testing.T) {
	assert.False(t, isRunning(filepath.Join(t.TempDir(), "nope.pid")))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5s", formatDuration(5*time.Second))
	assert.Equal(t, "2m3s", formatDuration(2*time.Minute+3*time.Second))
	assert.Equal(t, "1h0m5s", formatDuration(time.Hour+5*time.Second))
}
