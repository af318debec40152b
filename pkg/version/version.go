// Package version implements the startup version gate named in
// spec.md §4.1: it compares a persisted status record against
// compile-time constants and decides whether the database can be
// trusted, should be revalidated, or must be wiped.
package version

import (
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/rlp"
	log "github.com/helinwang/log15"
)

// ProtocolVersion, MinorProtocolVersion and DatabaseVersion are the
// build's compile-time version constants.
const (
	ProtocolVersion      = 63
	MinorProtocolVersion = 1
	DatabaseVersion      = 9
)

// Action is the outcome of checking a persisted status record.
type Action int

const (
	// Trust means the database matches the running build exactly.
	Trust Action = iota
	// Verify means a minor protocol mismatch was found; the node
	// should rescan/revalidate but the database need not be wiped.
	Verify
	// Kill means the database version or major protocol mismatched,
	// or no usable record was found; the chain and state must be
	// wiped and rebuilt from genesis.
	Kill
)

func (a Action) String() string {
	switch a {
	case Trust:
		return "trust"
	case Verify:
		return "verify"
	case Kill:
		return "kill"
	default:
		return "unknown"
	}
}

// status is the RLP-encoded record stored at <dbPath>/status.
type status struct {
	ProtocolVersion      uint64
	MinorProtocolVersion uint64
	DatabaseVersion      uint64
}

// Gate reads and rewrites the status record under a database path.
type Gate struct {
	dbPath string
}

// NewGate constructs a gate rooted at dbPath.
func NewGate(dbPath string) *Gate {
	return &Gate{dbPath: dbPath}
}

func (g *Gate) statusPath() string {
	return filepath.Join(g.dbPath, "status")
}

// Check reads the status record and compares it against this build's
// constants, yielding {Trust, Verify, Kill}. An absent or malformed
// record yields Kill. Construction of the gate itself never fails;
// only IO on Accept can.
func (g *Gate) Check() Action {
	raw, err := os.ReadFile(g.statusPath())
	if err != nil {
		return Kill
	}

	var s status
	if err := rlp.DecodeBytes(raw, &s); err != nil {
		log.Warn("malformed status record", "path", g.statusPath(), "err", err)
		return Kill
	}

	if s.DatabaseVersion != DatabaseVersion {
		return Kill
	}
	if s.ProtocolVersion != ProtocolVersion {
		return Kill
	}
	if s.MinorProtocolVersion != MinorProtocolVersion {
		return Verify
	}
	return Trust
}

// ErrIO is returned by Accept when the status record cannot be written.
// It is advisory: callers should log it and continue rather than treat
// it as fatal (spec.md §7, "IoError").
type ErrIO struct{ Err error }

func (e *ErrIO) Error() string { return "version gate: io error: " + e.Err.Error() }
func (e *ErrIO) Unwrap() error { return e.Err }

// Accept ensures dbPath exists and rewrites the status record with the
// running build's constants.
func (g *Gate) Accept() error {
	if err := os.MkdirAll(g.dbPath, 0o755); err != nil {
		return &ErrIO{Err: err}
	}

	s := status{
		ProtocolVersion:      ProtocolVersion,
		MinorProtocolVersion: MinorProtocolVersion,
		DatabaseVersion:      DatabaseVersion,
	}
	b, err := rlp.EncodeToBytes(&s)
	if err != nil {
		return &ErrIO{Err: err}
	}

	if err := os.WriteFile(g.statusPath(), b, 0o644); err != nil {
		return &ErrIO{Err: err}
	}
	return nil
}
