package locks

import "time"

// AuditAction enumerates the lock lifecycle events recorded in the audit log.
type AuditAction string

const (
	// ActionLock records a successful acquisition.
	ActionLock AuditAction = "LOCK"
	// ActionUnlock records a release, successful or attempted by a non-owner.
	ActionUnlock AuditAction = "UNLOCK"
	// ActionLockExpired records a lock removed by the expiry sweep.
	ActionLockExpired AuditAction = "LOCK_EXPIRED"
	// ActionLockAttemptBlocked records an acquisition denied by policy or an existing holder.
	ActionLockAttemptBlocked AuditAction = "LOCK_ATTEMPT_BLOCKED"
	// ActionEditAttemptBlocked records a record mutation denied by the edit gate.
	ActionEditAttemptBlocked AuditAction = "EDIT_ATTEMPT_BLOCKED"
)

// Holder is the snapshot of an identity taken at lock time. It survives later
// profile changes by design: the audit trail shows who held the lock then.
type Holder struct {
	UserID    string
	UserName  string
	UserRole  string
	UserEmail string
}

// Lock is the single active lock row for a record. Row present means the
// record is potentially held; row absent means it is definitely free.
// is_active is a transient soft-delete marker used by the expiry sweep and is
// never relied upon as history.
type Lock struct {
	RecordID         string `gorm:"column:record_id;primaryKey;size:190;not null"`
	HolderID         string `gorm:"column:holder_id;size:190;not null;index:idx_record_locks_holder"`
	HolderName       string `gorm:"column:holder_name;size:320;not null;default:''"`
	HolderRole       string `gorm:"column:holder_role;size:32;not null"`
	HolderEmail      string `gorm:"column:holder_email;size:320;not null;default:''"`
	LockedAtSeconds  int64  `gorm:"column:locked_at_s;not null"`
	ExpiresAtSeconds int64  `gorm:"column:expires_at_s;not null"`
	IsActive         bool   `gorm:"column:is_active;not null;default:true"`
}

// TableName provides the explicit table binding for GORM.
func (Lock) TableName() string {
	return "record_locks"
}

// Expired reports whether the lock's TTL has elapsed at the given instant.
func (l Lock) Expired(now time.Time) bool {
	return now.UTC().Unix() >= l.ExpiresAtSeconds
}

// Valid reports whether the lock still guards its record at the given instant.
func (l Lock) Valid(now time.Time) bool {
	return l.IsActive && !l.Expired(now)
}

// Holder returns the holder snapshot stored on the row.
func (l Lock) Holder() Holder {
	return Holder{
		UserID:    l.HolderID,
		UserName:  l.HolderName,
		UserRole:  l.HolderRole,
		UserEmail: l.HolderEmail,
	}
}

// AuditEntry is one append-only lock event. Entries are never updated or
// deleted; audit writes are best-effort and never roll back lock state.
type AuditEntry struct {
	EntryID          string      `gorm:"column:entry_id;primaryKey;size:190;not null"`
	RecordID         string      `gorm:"column:record_id;size:190;not null;index:idx_lock_audit_record_time,priority:1"`
	Action           AuditAction `gorm:"column:action;size:32;not null"`
	ActorID          string      `gorm:"column:actor_id;size:190;not null;index:idx_lock_audit_actor"`
	ActorName        string      `gorm:"column:actor_name;size:320;not null;default:''"`
	ActorRole        string      `gorm:"column:actor_role;size:32;not null;default:''"`
	ActorEmail       string      `gorm:"column:actor_email;size:320;not null;default:''"`
	OwnerID          string      `gorm:"column:owner_id;size:190;not null;default:''"`
	OwnerName        string      `gorm:"column:owner_name;size:320;not null;default:''"`
	OwnerRole        string      `gorm:"column:owner_role;size:32;not null;default:''"`
	OwnerEmail       string      `gorm:"column:owner_email;size:320;not null;default:''"`
	Reason           string      `gorm:"column:reason;size:512;not null;default:''"`
	MetadataJSON     string      `gorm:"column:metadata_json;type:text;not null;default:''"`
	CreatedAtSeconds int64       `gorm:"column:created_at_s;not null;index:idx_lock_audit_record_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (AuditEntry) TableName() string {
	return "record_lock_audit"
}

// Grant reports a successful acquisition back to the caller.
type Grant struct {
	RecordID         string
	Holder           Holder
	LockedAtSeconds  int64
	ExpiresAtSeconds int64
}

// Snapshot reports the lock state of one record for one caller.
type Snapshot struct {
	RecordID         string
	Locked           bool
	Holder           Holder
	LockedAtSeconds  int64
	ExpiresAtSeconds int64
	CanUnlock        bool
	CanLock          bool
}

// ReleaseResult distinguishes a release that removed a lock from the
// idempotent no-op on an already-free record. Both are successes.
type ReleaseResult struct {
	WasHeld bool
}
