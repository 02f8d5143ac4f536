package lsm

import (
	"errors"

	"github.com/nearstore/lsmtree/common"
)

// Sentinel errors surfaced by the package. Callers use errors.Is against
// these, or unwrap to the underlying *common.Error via Engine's public
// methods for Kind-based dispatch. ErrClosed, ErrKeyNotFound, and
// ErrKeyEmpty alias their common.Err* counterparts rather than redeclaring
// them, since Engine wraps exactly those values as the Cause of a
// *common.Error; a distinct lsm-local sentinel would never match.
var (
	// ErrCorruption marks a checksum mismatch or malformed on-disk record.
	ErrCorruption = errors.New("lsm: corruption detected")

	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = common.ErrClosed

	// ErrKeyNotFound is returned by Get when no live value exists for a key.
	ErrKeyNotFound = common.ErrKeyNotFound

	// ErrKeyEmpty is returned when a caller passes a zero-length key.
	ErrKeyEmpty = common.ErrKeyEmpty

	// ErrDirLocked is returned by Open when another process already holds
	// the database directory's LOCK file.
	ErrDirLocked = errors.New("lsm: database directory is locked by another process")
)
