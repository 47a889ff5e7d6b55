package types

import (
	"errors"
	"fmt"
)

var (
	ErrLockTimeout   = errors.New("lease acquisition timed out")
	ErrLeaseConflict = errors.New("lease held by another writer")
	ErrLeaseExpired  = errors.New("lease expired or revoked")

	ErrCorruption       = errors.New("storage corruption detected")
	ErrDeltaChainBroken = errors.New("delta chain broken")
	ErrRebuildFailed    = errors.New("rebuild failed")

	ErrConflict = errors.New("unresolved row conflict")

	// ErrNotFound never escapes a lookup; absent keys are reported as (zero, false, nil).
	ErrNotFound = errors.New("key not found")

	ErrAborted       = errors.New("mutation aborted before apply")
	ErrClosed        = errors.New("storage engine closed")
	ErrEntryTooLarge = errors.New("entry too large for page")
	ErrInvalidKey    = errors.New("invalid key")
)

// LockError reports a failure to obtain or use a write lease.
// Err is one of ErrLockTimeout, ErrLeaseConflict or ErrLeaseExpired.
type LockError struct {
	Table  string
	Holder string
	Err    error
}

func (e *LockError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("lock %s: %v (held by %s)", e.Table, e.Err, e.Holder)
	}
	return fmt.Sprintf("lock %s: %v", e.Table, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// CorruptionError is a checksum or ordering failure. It is reported and routed
// to the rebuild path, never repaired in place.
type CorruptionError struct {
	Path   string
	Page   int64 // -1 when the failure is not tied to a page
	Reason string
}

func (e *CorruptionError) Error() string {
	if e.Page >= 0 {
		return fmt.Sprintf("corruption in %s page %d: %s", e.Path, e.Page, e.Reason)
	}
	return fmt.Sprintf("corruption in %s: %s", e.Path, e.Reason)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorruption }

func NewCorruption(path string, page int64, format string, args ...any) *CorruptionError {
	return &CorruptionError{Path: path, Page: page, Reason: fmt.Sprintf(format, args...)}
}
