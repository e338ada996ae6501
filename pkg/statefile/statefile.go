// Package statefile implements the keeper's on-disk state file (C6): a
// versioned, fixed-size binary record caching the node's assigned role,
// current role, and last contact times, per spec.md §4.6/§6 ("On-disk state
// file").
package statefile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/hapostgres/pg-auto-failover-sub002/pkg/fileutils"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/fsm"
)

// CurrentVersion is PG_AUTOCTL_STATE_VERSION from spec.md §6.
const CurrentVersion uint32 = 1

// recordSize is the on-disk size in bytes of the fixed-width layout:
// version(4) + current_role(4) + assigned_role(4) + current_node_id(8) +
// current_group(4) + pg_is_running(1) + pad(3) + last_monitor_contact(8) +
// last_secondary_contact(8) = 44 bytes.
const recordSize = 4 + 4 + 4 + 8 + 4 + 1 + 3 + 8 + 8

// State is the in-memory representation of the keeper state file.
type State struct {
	Version               uint32
	CurrentRole           fsm.State
	AssignedRole          fsm.State
	CurrentNodeID         int64
	CurrentGroup          int32
	PgIsRunning           bool
	LastMonitorContact    int64 // unix seconds
	LastSecondaryContact  int64 // unix seconds
}

// roleCodes is the enum<->uint32 mapping used on disk. The exact integer
// values are an implementation detail (the layout only promises "uint32
// enum"); they are stable across a single build but are not meant to be
// interpreted by anything other than this package.
var roleCodes = []fsm.State{
	fsm.Init, fsm.Single, fsm.WaitPrimary, fsm.Primary, fsm.JoinPrimary,
	fsm.ApplySettings, fsm.WaitStandby, fsm.CatchingUp, fsm.Secondary,
	fsm.PreparePromotion, fsm.StopReplication, fsm.WaitForward,
	fsm.FastForward, fsm.JoinSecondary, fsm.ReportLSN, fsm.Draining,
	fsm.DemoteTimeout, fsm.Demoted, fsm.PrepareMaintenance,
	fsm.WaitMaintenance, fsm.Maintenance, fsm.Dropped,
}

func roleToCode(s fsm.State) (uint32, error) {
	for i, r := range roleCodes {
		if r == s {
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

func codeToRole(code uint32) (fsm.State, error) {
	if int(code) >= len(roleCodes) {
		return "", fmt.Errorf("%w: code %d", ErrUnknownRole, code)
	}
	return roleCodes[code], nil
}

// Sentinel errors, checked with errors.Is at call sites per spec.md §7.
var (
	ErrWrongVersion = fmt.Errorf("state file version mismatch")
	ErrTruncated    = fmt.Errorf("state file is truncated or corrupt")
	ErrUnknownRole  = fmt.Errorf("unknown role code")
	ErrBadPadding   = fmt.Errorf("state file padding is non-zero")
)

// Serialise encodes s into the fixed-size binary layout described in
// spec.md §6.
func Serialise(s State) ([]byte, error) {
	currentCode, err := roleToCode(s.CurrentRole)
	if err != nil {
		return nil, err
	}
	assignedCode, err := roleToCode(s.AssignedRole)
	if err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	buf.Grow(recordSize)

	write := func(v interface{}) {
		if err == nil {
			err = binary.Write(buf, binary.LittleEndian, v)
		}
	}

	write(s.Version)
	write(currentCode)
	write(assignedCode)
	write(s.CurrentNodeID)
	write(s.CurrentGroup)
	write(boolToByte(s.PgIsRunning))
	write([3]byte{}) // zero padding
	write(s.LastMonitorContact)
	write(s.LastSecondaryContact)

	if err != nil {
		return nil, fmt.Errorf("serialising state file: %w", err)
	}
	if buf.Len() != recordSize {
		return nil, fmt.Errorf("%w: produced %d bytes, want %d", ErrTruncated, buf.Len(), recordSize)
	}
	return buf.Bytes(), nil
}

// Parse decodes data into a State, rejecting truncated payloads, a version
// other than CurrentVersion, unknown role codes, and non-zero padding.
func Parse(data []byte) (State, error) {
	if len(data) != recordSize {
		return State{}, fmt.Errorf("%w: got %d bytes, want %d", ErrTruncated, len(data), recordSize)
	}

	r := bytes.NewReader(data)
	var (
		version, currentCode, assignedCode uint32
		nodeID                              int64
		group                               int32
		running                             byte
		pad                                 [3]byte
		lastMonitor, lastSecondary          int64
		err                                 error
	)

	read := func(v interface{}) {
		if err == nil {
			err = binary.Read(r, binary.LittleEndian, v)
		}
	}
	read(&version)
	read(&currentCode)
	read(&assignedCode)
	read(&nodeID)
	read(&group)
	read(&running)
	read(&pad)
	read(&lastMonitor)
	read(&lastSecondary)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	if version != CurrentVersion {
		return State{}, fmt.Errorf("%w: file is version %d, expected %d", ErrWrongVersion, version, CurrentVersion)
	}
	if pad != ([3]byte{}) {
		return State{}, ErrBadPadding
	}

	currentRole, err := codeToRole(currentCode)
	if err != nil {
		return State{}, err
	}
	assignedRole, err := codeToRole(assignedCode)
	if err != nil {
		return State{}, err
	}

	return State{
		Version:              version,
		CurrentRole:          currentRole,
		AssignedRole:         assignedRole,
		CurrentNodeID:        nodeID,
		CurrentGroup:         group,
		PgIsRunning:          running != 0,
		LastMonitorContact:   lastMonitor,
		LastSecondaryContact: lastSecondary,
	}, nil
}

func boolToByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Load reads and parses the state file at path.
func Load(path string) (State, error) {
	data, err := fileutils.ReadFile(path)
	if err != nil {
		return State{}, err
	}
	return Parse(data)
}

// Save atomically serialises and writes s to path, stamping it with
// CurrentVersion regardless of what s.Version previously held.
func Save(path string, s State) error {
	s.Version = CurrentVersion
	data, err := Serialise(s)
	if err != nil {
		return err
	}
	return fileutils.WriteFileAtomic(path, data, 0o600)
}

// Remove deletes the state file; a file that is already gone is not an
// error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing state file %q: %w", path, err)
	}
	return nil
}
