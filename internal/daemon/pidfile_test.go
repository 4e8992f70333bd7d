package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadProcessInfo(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, WriteProcessInfo(dir, 8088))

	info, err := ReadProcessInfo(dir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, 8088, info.Port)
	assert.NotZero(t, info.StartedAt)
}

func TestReadProcessInfo_LegacyPlainPID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, pidFilename)
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))

	info, err := ReadProcessInfo(dir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Zero(t, info.Port)
}

func TestReadProcessInfo_NoFile(t *testing.T) {
	_, err := ReadProcessInfo(t.TempDir())
	assert.Error(t, err)
}

func TestReadProcessInfo_InvalidContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, pidFilename)
	require.NoError(t, os.WriteFile(path, []byte("not-a-number"), 0o644))

	_, err := ReadProcessInfo(dir)
	assert.Error(t, err)
}

func TestIsRunning(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, IsRunning(dir))

	// The current test process is definitionally alive.
	require.NoError(t, WriteProcessInfo(dir, 8088))
	assert.True(t, IsRunning(dir))
}

func TestIsRunning_DeadPID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, pidFilename)
	// PIDs near the kernel maximum are effectively never allocated.
	require.NoError(t, os.WriteFile(path, []byte(`{"pid":4194303}`), 0o644))
	assert.False(t, IsRunning(dir))
}

func TestRemovePID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteProcessInfo(dir, 8088))
	require.NoError(t, RemovePID(dir))
	assert.False(t, IsRunning(dir))

	// Removing an absent file is not an error.
	assert.NoError(t, RemovePID(dir))
}
