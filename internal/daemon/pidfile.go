package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const pidFilename = "slotcached.pid"

// ProcessInfo is the daemon's on-disk process record. Beyond the PID it
// carries the port the proxy actually bound and the start time, so stop and
// status address the running daemon even when the config file has changed
// since it started.
type ProcessInfo struct {
	PID       int   `json:"pid"`
	Port      int   `json:"port"`
	StartedAt int64 `json:"started_at"`
}

// WriteProcessInfo records the current process and its listen port in
// dataDir/slotcached.pid.
func WriteProcessInfo(dataDir string, port int) error {
	path := pidPath(dataDir)

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory for PID file: %w", err)
	}

	info := ProcessInfo{
		PID:       os.Getpid(),
		Port:      port,
		StartedAt: time.Now().Unix(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding process info: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing PID file %s: %w", path, err)
	}
	return nil
}

// ReadProcessInfo reads the process record from dataDir/slotcached.pid. A
// bare-integer file written by an older build is accepted and yields a record
// with only the PID populated.
func ReadProcessInfo(dataDir string) (*ProcessInfo, error) {
	path := pidPath(dataDir)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading PID file %s: %w", path, err)
	}

	var info ProcessInfo
	if err := json.Unmarshal(data, &info); err == nil && info.PID > 0 {
		return &info, nil
	}

	// Legacy format: the file holds just the PID.
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing PID file %s: %w", path, err)
	}
	return &ProcessInfo{PID: pid}, nil
}

// RemovePID removes the PID file from dataDir.
func RemovePID(dataDir string) error {
	path := pidPath(dataDir)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing PID file %s: %w", path, err)
	}
	return nil
}

// IsRunning checks whether the PID file exists and the recorded process is
// alive.
func IsRunning(dataDir string) bool {
	info, err := ReadProcessInfo(dataDir)
	if err != nil {
		return false
	}
	return isProcessAlive(info.PID)
}

// isProcessAlive checks whether the process with the given PID is running
// by sending signal 0. On Unix systems, this verifies the process exists
// without actually sending a signal.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 checks if the process exists without sending an actual signal.
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

// pidPath returns the full path to the PID file.
func pidPath(dataDir string) string {
	return filepath.Join(dataDir, pidFilename)
}
