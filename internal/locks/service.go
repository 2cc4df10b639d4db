package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sagebrookhealth/casevault/internal/actors"
	"github.com/sagebrookhealth/casevault/internal/ident"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultTTL is how long a lock guards its record before the sweep reclaims it.
	DefaultTTL = 24 * time.Hour

	defaultHistoryLimit = 20
	maxHistoryLimit     = 200

	// acquireAttempts bounds the insert/re-read loop when an acquire races a
	// concurrent release or sweep on the same record.
	acquireAttempts = 2
)

const (
	opServiceNew  = "locks.service.new"
	opAcquire     = "locks.acquire"
	opRelease     = "locks.release"
	opStatus      = "locks.status"
	opReapExpired = "locks.reap_expired"
	opGuard       = "locks.guard"
	opHistory     = "locks.history"
	opHeldBy      = "locks.held_by"
	opAudit       = "locks.audit"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingDirectory  = errors.New("record directory is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError reports a lock store failure with an operation-scoped code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// RecordOwnership is the slice of a record the eligibility policy needs: that
// it exists, who created it, and a human label for denial messages.
type RecordOwnership struct {
	RecordID  string
	CreatorID string
	Counselor string
}

// RecordDirectory resolves record existence and ownership. Implementations
// return ErrRecordNotFound when the record does not exist.
type RecordDirectory interface {
	LookupOwnership(ctx context.Context, recordID string) (RecordOwnership, error)
}

// ServiceConfig describes the dependencies of the lock manager.
type ServiceConfig struct {
	Database   *gorm.DB
	Records    RecordDirectory
	Clock      func() time.Time
	IDProvider ident.Provider
	Logger     *zap.Logger
	Metrics    Metrics
	TTL        time.Duration
}

// Service enforces mutual-exclusion locking over records. Correctness relies
// on the store's atomic insert on the lock row's primary key; no lock state
// is held in memory between requests.
type Service struct {
	db      *gorm.DB
	records RecordDirectory
	clock   func() time.Time
	ids     ident.Provider
	logger  *zap.Logger
	metrics Metrics
	ttl     time.Duration
}

// NewService constructs the lock manager.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Records == nil {
		return nil, newServiceError(opServiceNew, "missing_record_directory", errMissingDirectory)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewNoopMetrics()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		db:      cfg.Database,
		records: cfg.Records,
		clock:   clock,
		ids:     cfg.IDProvider,
		logger:  logger,
		metrics: metrics,
		ttl:     ttl,
	}, nil
}

// Acquire attempts to take the lock on a record for the actor. It fails
// immediately with a conflict rather than waiting; callers retry later.
func (s *Service) Acquire(ctx context.Context, recordID string, actor actors.Actor) (Grant, error) {
	ownership, err := s.records.LookupOwnership(ctx, recordID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			s.metrics.ObserveAcquire(OutcomeNotFound)
			return Grant{}, err
		}
		s.metrics.ObserveAcquire(OutcomeError)
		return Grant{}, newServiceError(opAcquire, "ownership_lookup_failed", err)
	}

	if err := eligibility(ownership, actor); err != nil {
		s.audit(ctx, auditInput{
			recordID:    recordID,
			action:      ActionLockAttemptBlocked,
			performedBy: holderFromActor(actor),
			reason:      err.Error(),
		})
		s.metrics.ObserveAcquire(OutcomeForbidden)
		return Grant{}, err
	}

	now := s.clock().UTC()
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		if err := s.reapRecord(ctx, recordID, now); err != nil {
			s.metrics.ObserveAcquire(OutcomeError)
			return Grant{}, newServiceError(opAcquire, "reap_failed", err)
		}

		candidate := Lock{
			RecordID:         recordID,
			HolderID:         actor.UserID,
			HolderName:       actor.UserName,
			HolderRole:       actor.UserRole.String(),
			HolderEmail:      actor.UserEmail,
			LockedAtSeconds:  now.Unix(),
			ExpiresAtSeconds: now.Add(s.ttl).Unix(),
			IsActive:         true,
		}
		// Atomic insert-or-nothing on the primary key decides the single
		// winner among concurrent acquires; losers re-read the row.
		result := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "record_id"}}, DoNothing: true}).
			Create(&candidate)
		if result.Error != nil {
			s.logError(opAcquire, "lock_insert_failed", result.Error, zap.String("record_id", recordID))
			s.metrics.ObserveAcquire(OutcomeError)
			return Grant{}, newServiceError(opAcquire, "lock_insert_failed", result.Error)
		}
		if result.RowsAffected > 0 {
			s.audit(ctx, auditInput{
				recordID:    recordID,
				action:      ActionLock,
				performedBy: holderFromActor(actor),
				owner:       holderFromActor(actor),
				metadata:    map[string]any{"expires_at_s": candidate.ExpiresAtSeconds},
			})
			s.metrics.ObserveAcquire(OutcomeGranted)
			return Grant{
				RecordID:         recordID,
				Holder:           candidate.Holder(),
				LockedAtSeconds:  candidate.LockedAtSeconds,
				ExpiresAtSeconds: candidate.ExpiresAtSeconds,
			}, nil
		}

		var current Lock
		err := s.db.WithContext(ctx).Where("record_id = ?", recordID).Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// The conflicting row vanished between insert and read (release
			// or sweep won an interleaving race); try the insert once more.
			continue
		}
		if err != nil {
			s.metrics.ObserveAcquire(OutcomeError)
			return Grant{}, newServiceError(opAcquire, "lock_read_failed", err)
		}
		heldErr := newConflictError(current)
		s.audit(ctx, auditInput{
			recordID:    recordID,
			action:      ActionLockAttemptBlocked,
			performedBy: holderFromActor(actor),
			owner:       current.Holder(),
			reason:      "record is locked",
		})
		s.metrics.ObserveAcquire(OutcomeConflict)
		return Grant{}, heldErr
	}

	s.metrics.ObserveAcquire(OutcomeError)
	return Grant{}, newServiceError(opAcquire, "contention_exhausted", nil)
}

// Release removes the actor's lock from a record. Releasing a record that is
// not locked succeeds idempotently.
func (s *Service) Release(ctx context.Context, recordID string, actor actors.Actor) (ReleaseResult, error) {
	now := s.clock().UTC()
	if err := s.reapRecord(ctx, recordID, now); err != nil {
		return ReleaseResult{}, newServiceError(opRelease, "reap_failed", err)
	}

	var existing Lock
	err := s.db.WithContext(ctx).Where("record_id = ?", recordID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.metrics.ObserveRelease(false)
		return ReleaseResult{WasHeld: false}, nil
	}
	if err != nil {
		return ReleaseResult{}, newServiceError(opRelease, "lock_read_failed", err)
	}

	if existing.HolderID != actor.UserID {
		s.audit(ctx, auditInput{
			recordID:    recordID,
			action:      ActionUnlock,
			performedBy: holderFromActor(actor),
			owner:       existing.Holder(),
			reason:      "release attempted by non-owner",
		})
		return ReleaseResult{}, newNotOwnerError(existing)
	}

	// Holder predicate keeps a racing re-acquire's fresh row intact.
	result := s.db.WithContext(ctx).
		Where("record_id = ? AND holder_id = ?", recordID, actor.UserID).
		Delete(&Lock{})
	if result.Error != nil {
		return ReleaseResult{}, newServiceError(opRelease, "lock_delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		s.metrics.ObserveRelease(false)
		return ReleaseResult{WasHeld: false}, nil
	}

	s.audit(ctx, auditInput{
		recordID:    recordID,
		action:      ActionUnlock,
		performedBy: holderFromActor(actor),
		owner:       existing.Holder(),
	})
	s.metrics.ObserveRelease(true)
	return ReleaseResult{WasHeld: true}, nil
}

// Status reports the lock state of one record for one caller. Only this
// record's expired lock is reaped inline; the background sweeper owns the
// global pass.
func (s *Service) Status(ctx context.Context, recordID string, actor actors.Actor) (Snapshot, error) {
	ownership, err := s.records.LookupOwnership(ctx, recordID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return Snapshot{}, err
		}
		return Snapshot{}, newServiceError(opStatus, "ownership_lookup_failed", err)
	}

	now := s.clock().UTC()
	if err := s.reapRecord(ctx, recordID, now); err != nil {
		return Snapshot{}, newServiceError(opStatus, "reap_failed", err)
	}

	var existing Lock
	err = s.db.WithContext(ctx).Where("record_id = ?", recordID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{
			RecordID: recordID,
			Locked:   false,
			CanLock:  eligibility(ownership, actor) == nil,
		}, nil
	}
	if err != nil {
		return Snapshot{}, newServiceError(opStatus, "lock_read_failed", err)
	}

	return Snapshot{
		RecordID:         recordID,
		Locked:           true,
		Holder:           existing.Holder(),
		LockedAtSeconds:  existing.LockedAtSeconds,
		ExpiresAtSeconds: existing.ExpiresAtSeconds,
		CanUnlock:        existing.HolderID == actor.UserID,
		CanLock:          false,
	}, nil
}

// Guard is the edit gate: it allows a record mutation when the record is free
// or held by the actor, and denies it otherwise. It has no side effect on
// allow and fails closed on denial.
func (s *Service) Guard(ctx context.Context, recordID string, actor actors.Actor) error {
	now := s.clock().UTC()
	if err := s.reapRecord(ctx, recordID, now); err != nil {
		return newServiceError(opGuard, "reap_failed", err)
	}

	var existing Lock
	err := s.db.WithContext(ctx).Where("record_id = ?", recordID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return newServiceError(opGuard, "lock_read_failed", err)
	}
	if existing.HolderID == actor.UserID {
		return nil
	}

	s.audit(ctx, auditInput{
		recordID:    recordID,
		action:      ActionEditAttemptBlocked,
		performedBy: holderFromActor(actor),
		owner:       existing.Holder(),
		reason:      "edit attempted while record is locked",
	})
	s.metrics.ObserveEditBlocked()
	return newConflictError(existing)
}

// ReapExpired removes every expired lock in the store, emitting one
// LOCK_EXPIRED audit entry per reclaimed row. Idempotent and safe to run
// concurrently with requests or other sweeps.
func (s *Service) ReapExpired(ctx context.Context) (int, error) {
	now := s.clock().UTC()
	var expired []Lock
	if err := s.db.WithContext(ctx).
		Where("is_active = ? AND expires_at_s <= ?", true, now.Unix()).
		Find(&expired).Error; err != nil {
		return 0, newServiceError(opReapExpired, "scan_failed", err)
	}

	reaped := 0
	for _, lock := range expired {
		// Flip the soft-delete marker first; a crash between here and the
		// delete leaves an inactive row the next reap still clears.
		result := s.db.WithContext(ctx).Model(&Lock{}).
			Where("record_id = ? AND is_active = ? AND expires_at_s <= ?", lock.RecordID, true, now.Unix()).
			Update("is_active", false)
		if result.Error != nil {
			return reaped, newServiceError(opReapExpired, "deactivate_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			// Raced with a release or another sweep; nothing to reclaim here.
			continue
		}

		s.audit(ctx, auditInput{
			recordID:    lock.RecordID,
			action:      ActionLockExpired,
			performedBy: lock.Holder(),
			owner:       lock.Holder(),
			reason:      s.expiryReason(),
		})

		if err := s.db.WithContext(ctx).
			Where("record_id = ? AND is_active = ?", lock.RecordID, false).
			Delete(&Lock{}).Error; err != nil {
			return reaped, newServiceError(opReapExpired, "delete_failed", err)
		}
		reaped++
	}

	if reaped > 0 {
		s.metrics.ObserveReaped(reaped)
	}
	return reaped, nil
}

// History returns the most recent audit entries for a record, newest first.
func (s *Service) History(ctx context.Context, recordID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var entries []AuditEntry
	if err := s.db.WithContext(ctx).
		Where("record_id = ?", recordID).
		Order("created_at_s DESC, entry_id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, newServiceError(opHistory, "query_failed", err)
	}
	return entries, nil
}

// HeldBy returns the locks an actor currently holds.
func (s *Service) HeldBy(ctx context.Context, actorID string) ([]Lock, error) {
	now := s.clock().UTC()
	var held []Lock
	if err := s.db.WithContext(ctx).
		Where("holder_id = ? AND is_active = ? AND expires_at_s > ?", actorID, true, now.Unix()).
		Order("locked_at_s DESC").
		Find(&held).Error; err != nil {
		return nil, newServiceError(opHeldBy, "query_failed", err)
	}
	return held, nil
}

// reapRecord reclaims this record's lock row when it is expired or soft
// deleted. Per-request paths only ever touch their own key.
func (s *Service) reapRecord(ctx context.Context, recordID string, now time.Time) error {
	var existing Lock
	err := s.db.WithContext(ctx).Where("record_id = ?", recordID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.Valid(now) {
		return nil
	}

	result := s.db.WithContext(ctx).
		Where("record_id = ? AND (expires_at_s <= ? OR is_active = ?)", recordID, now.Unix(), false).
		Delete(&Lock{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 && existing.IsActive {
		s.audit(ctx, auditInput{
			recordID:    recordID,
			action:      ActionLockExpired,
			performedBy: existing.Holder(),
			owner:       existing.Holder(),
			reason:      s.expiryReason(),
		})
		s.metrics.ObserveReaped(1)
	}
	return nil
}

// eligibility decides whether an actor may lock a record at all, before lock
// state is consulted. Admins may lock anything; counselors only their own
// records.
func eligibility(ownership RecordOwnership, actor actors.Actor) error {
	switch actor.UserRole {
	case actors.RoleAdmin:
		return nil
	case actors.RoleCounselor:
		if ownership.CreatorID == actor.UserID {
			return nil
		}
		return fmt.Errorf("%w: record belongs to another counselor", ErrIneligible)
	default:
		return fmt.Errorf("%w: role %q may not lock records", ErrIneligible, actor.UserRole)
	}
}

func holderFromActor(actor actors.Actor) Holder {
	return Holder{
		UserID:    actor.UserID,
		UserName:  actor.UserName,
		UserRole:  actor.UserRole.String(),
		UserEmail: actor.UserEmail,
	}
}

func (s *Service) expiryReason() string {
	if s.ttl%time.Hour == 0 {
		return fmt.Sprintf("expired after %d hours", int(s.ttl.Hours()))
	}
	return fmt.Sprintf("expired after %s", s.ttl)
}

type auditInput struct {
	recordID    string
	action      AuditAction
	performedBy Holder
	owner       Holder
	reason      string
	metadata    map[string]any
}

// audit appends one lifecycle event. Failures are logged and swallowed: the
// audit log is telemetry, not part of the lock's consistency boundary.
func (s *Service) audit(ctx context.Context, input auditInput) {
	entryID, err := s.ids.NewID()
	if err != nil {
		s.logError(opAudit, "id_generation_failed", err, zap.String("record_id", input.recordID))
		return
	}

	metadataJSON := ""
	if len(input.metadata) > 0 {
		encoded, err := json.Marshal(input.metadata)
		if err != nil {
			s.logError(opAudit, "metadata_encode_failed", err, zap.String("record_id", input.recordID))
		} else {
			metadataJSON = string(encoded)
		}
	}

	entry := AuditEntry{
		EntryID:          entryID,
		RecordID:         input.recordID,
		Action:           input.action,
		ActorID:          input.performedBy.UserID,
		ActorName:        input.performedBy.UserName,
		ActorRole:        input.performedBy.UserRole,
		ActorEmail:       input.performedBy.UserEmail,
		OwnerID:          input.owner.UserID,
		OwnerName:        input.owner.UserName,
		OwnerRole:        input.owner.UserRole,
		OwnerEmail:       input.owner.UserEmail,
		Reason:           input.reason,
		MetadataJSON:     metadataJSON,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.logError(opAudit, "insert_failed", err,
			zap.String("record_id", input.recordID),
			zap.String("action", string(input.action)))
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("lock service error", attrs...)
}
