package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pidPath(t *testing.T) string {
	t.Helper()

	return filepath.Join(t.TempDir(), "fieldsync.pid")
}

func TestWritePIDFile_RecordsOwnPID(t *testing.T) {
	t.Parallel()

	path := pidPath(t)

	cleanup, err := writePIDFile(path)
	require.NoError(t, err)

	defer cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestWritePIDFile_SecondDaemonRefused(t *testing.T) {
	t.Parallel()

	path := pidPath(t)

	cleanup, err := writePIDFile(path)
	require.NoError(t, err)

	defer cleanup()

	second, err := writePIDFile(path)
	require.Error(t, err)
	assert.Nil(t, second)
	assert.Contains(t, err.Error(), "already running")
}

func TestWritePIDFile_CleanupRemovesFile(t *testing.T) {
	t.Parallel()

	path := pidPath(t)

	cleanup, err := writePIDFile(path)
	require.NoError(t, err)

	cleanup()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWritePIDFile_RejectsEmptyPath(t *testing.T) {
	t.Parallel()

	cleanup, err := writePIDFile("")
	assert.Error(t, err)
	assert.Nil(t, cleanup)
}

func TestWritePIDFile_CreatesMissingDirectories(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "run", "fieldsync.pid")

	cleanup, err := writePIDFile(path)
	require.NoError(t, err)

	defer cleanup()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestReadPIDFile(t *testing.T) {
	t.Parallel()

	path := pidPath(t)
	require.NoError(t, os.WriteFile(path, []byte("12345\n"), 0o644))

	pid, err := readPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)
}

func TestReadPIDFile_GarbageContent(t *testing.T) {
	t.Parallel()

	path := pidPath(t)
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o644))

	_, err := readPIDFile(path)
	assert.ErrorContains(t, err, "invalid PID")
}

func TestSendWakeSignal_NoDaemon(t *testing.T) {
	t.Parallel()

	err := sendWakeSignal(pidPath(t))
	assert.ErrorContains(t, err, "no running daemon")
}

func TestSendWakeSignal_StalePIDFileRemoved(t *testing.T) {
	t.Parallel()

	path := pidPath(t)
	// No process has this PID on any sane system.
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o644))

	err := sendWakeSignal(path)
	assert.ErrorContains(t, err, "not running")

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSendWakeSignal_DeliversSIGUSR1(t *testing.T) {
	t.Parallel()

	// Trap the signal so the test process survives its own wake.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)

	defer signal.Stop(sigCh)

	path := pidPath(t)
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))

	require.NoError(t, sendWakeSignal(path))
	assert.Equal(t, syscall.SIGUSR1, <-sigCh)
}
