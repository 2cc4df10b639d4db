package locks

import (
	"errors"
	"fmt"
)

var (
	// ErrRecordNotFound indicates the referenced record does not exist.
	ErrRecordNotFound = errors.New("locks: record not found")

	// ErrIneligible indicates the actor's role or ownership does not permit locking the record.
	ErrIneligible = errors.New("locks: actor is not eligible to lock this record")

	// ErrLockHeld indicates a valid lock held by another actor.
	ErrLockHeld = errors.New("locks: record is locked")

	// ErrNotLockOwner indicates a release or edit attempted by someone other than the holder.
	ErrNotLockOwner = errors.New("locks: actor does not hold the lock")
)

// HeldError carries the holder snapshot alongside a sentinel so callers can
// tell the caller who holds the record and since when, never a bare denial.
type HeldError struct {
	RecordID         string
	Holder           Holder
	LockedAtSeconds  int64
	ExpiresAtSeconds int64
	sentinel         error
}

func newConflictError(lock Lock) *HeldError {
	return &HeldError{
		RecordID:         lock.RecordID,
		Holder:           lock.Holder(),
		LockedAtSeconds:  lock.LockedAtSeconds,
		ExpiresAtSeconds: lock.ExpiresAtSeconds,
		sentinel:         ErrLockHeld,
	}
}

func newNotOwnerError(lock Lock) *HeldError {
	return &HeldError{
		RecordID:         lock.RecordID,
		Holder:           lock.Holder(),
		LockedAtSeconds:  lock.LockedAtSeconds,
		ExpiresAtSeconds: lock.ExpiresAtSeconds,
		sentinel:         ErrNotLockOwner,
	}
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("%v: held by %s (%s) since %d", e.sentinel, e.Holder.UserName, e.Holder.UserRole, e.LockedAtSeconds)
}

func (e *HeldError) Unwrap() error {
	return e.sentinel
}
