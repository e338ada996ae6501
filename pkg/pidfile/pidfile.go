// Package pidfile implements the supervisor's PID file (C9): a
// line-oriented text file recording the supervisor's own PID, the data
// directory, its start time, one "name pid" pair per child service, and a
// trailing semaphore id used to serialise log output across the forked
// children (spec.md §5, §6 "PID file").
package pidfile

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/hapostgres/pg-auto-failover-sub002/pkg/fileutils"
)

// Child is one "name pid" line in the PID file.
type Child struct {
	Name string
	PID  int
}

// PIDFile is the parsed representation of the on-disk file.
type PIDFile struct {
	SupervisorPID int
	DataDirectory string
	StartTime     time.Time
	Children      []Child
	SemaphoreID   string
}

// ErrAlreadyRunning is returned by Acquire when a live supervisor already
// owns the PID file at the given path.
var ErrAlreadyRunning = fmt.Errorf("a supervisor is already running against this data directory")

// New builds a fresh PIDFile for a supervisor about to start, generating a
// new semaphore id.
func New(supervisorPID int, dataDirectory string) PIDFile {
	return PIDFile{
		SupervisorPID: supervisorPID,
		DataDirectory: dataDirectory,
		StartTime:     time.Now(),
		SemaphoreID:   uuid.NewString(),
	}
}

// Serialise renders p in the line-oriented format described in spec.md §6:
// line 1 = supervisor PID, line 2 = data directory, line 3 = start time
// (unix epoch), subsequent lines = "name pid" pairs, last line = semaphore id.
func (p PIDFile) Serialise() []byte {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, p.SupervisorPID)
	fmt.Fprintln(&buf, p.DataDirectory)
	fmt.Fprintln(&buf, p.StartTime.Unix())
	for _, c := range p.Children {
		fmt.Fprintf(&buf, "%s %d\n", c.Name, c.PID)
	}
	fmt.Fprintln(&buf, p.SemaphoreID)
	return buf.Bytes()
}

// Parse reads back the format produced by Serialise.
func Parse(data []byte) (PIDFile, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lines := make([]string, 0, 8)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return PIDFile{}, fmt.Errorf("scanning pid file: %w", err)
	}
	if len(lines) < 4 {
		return PIDFile{}, fmt.Errorf("pid file has %d lines, need at least 4", len(lines))
	}

	pid, err := strconv.Atoi(lines[0])
	if err != nil {
		return PIDFile{}, fmt.Errorf("parsing supervisor pid: %w", err)
	}

	startEpoch, err := strconv.ParseInt(lines[2], 10, 64)
	if err != nil {
		return PIDFile{}, fmt.Errorf("parsing start time: %w", err)
	}

	p := PIDFile{
		SupervisorPID: pid,
		DataDirectory: lines[1],
		StartTime:     time.Unix(startEpoch, 0),
		SemaphoreID:   lines[len(lines)-1],
	}

	for _, line := range lines[3 : len(lines)-1] {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return PIDFile{}, fmt.Errorf("malformed child line %q", line)
		}
		childPID, err := strconv.Atoi(fields[1])
		if err != nil {
			return PIDFile{}, fmt.Errorf("parsing child pid in %q: %w", line, err)
		}
		p.Children = append(p.Children, Child{Name: fields[0], PID: childPID})
	}

	return p, nil
}

// Load reads and parses the PID file at path.
func Load(path string) (PIDFile, error) {
	data, err := fileutils.ReadFile(path)
	if err != nil {
		return PIDFile{}, err
	}
	return Parse(data)
}

// Save atomically writes p to path.
func Save(path string, p PIDFile) error {
	return fileutils.WriteFileAtomic(path, p.Serialise(), 0o644)
}

// IsProcessAlive reports whether pid refers to a live process, by sending
// signal 0 (which performs existence/permission checks without actually
// signalling the process).
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// Acquire refuses to start a second supervisor against the same data
// directory: if path exists, is parseable, and its supervisor PID is still
// alive, it returns ErrAlreadyRunning. Otherwise (no file, corrupt file, or
// stale PID) it writes a fresh PID file for the current process and
// returns it.
func Acquire(path string, supervisorPID int, dataDirectory string) (PIDFile, error) {
	if existing, err := Load(path); err == nil {
		if IsProcessAlive(existing.SupervisorPID) {
			return PIDFile{}, ErrAlreadyRunning
		}
	}

	fresh := New(supervisorPID, dataDirectory)
	if err := Save(path, fresh); err != nil {
		return PIDFile{}, err
	}
	return fresh, nil
}

// Release removes the PID file, only if its supervisor PID still matches
// the caller's — a defensive check against a second supervisor that
// recovered the same path after a race.
func Release(path string, supervisorPID int) error {
	existing, err := Load(path)
	if err != nil {
		// Already gone or unparseable: nothing more we can safely do.
		return nil //nolint:nilerr
	}
	if existing.SupervisorPID != supervisorPID {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing pid file %q: %w", path, err)
	}
	return nil
}

// UpdateChildren rewrites the child list in the PID file at path, keeping
// the supervisor identity and semaphore id intact. Used by the supervisor
// after it forks or reaps a child.
func UpdateChildren(path string, children []Child) error {
	existing, err := Load(path)
	if err != nil {
		return err
	}
	existing.Children = children
	return Save(path, existing)
}
