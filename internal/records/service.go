package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sagebrookhealth/casevault/internal/actors"
	"github.com/sagebrookhealth/casevault/internal/ident"
	"github.com/sagebrookhealth/casevault/internal/locks"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EditGate is consulted before any record mutation. A nil return allows the
// mutation; a denial carries the lock holder's identity.
type EditGate interface {
	Guard(ctx context.Context, recordID string, actor actors.Actor) error
}

// ServiceConfig describes the dependencies required for record management.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ident.Provider
	Logger     *zap.Logger
	Gate       EditGate
}

// Service manages counseling session records. Every mutation passes the edit
// gate first; the gate failing closed is what keeps locked records inviolate.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	ids    ident.Provider
	logger *zap.Logger
	gate   EditGate
}

// NewService constructs the record service. The gate may be nil only in
// wiring phases where the lock manager is attached afterwards via SetGate.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("records: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("records: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		clock:  clock,
		ids:    cfg.IDProvider,
		logger: logger,
		gate:   cfg.Gate,
	}, nil
}

// SetGate attaches the edit gate. The record service and lock manager depend
// on each other (ownership lookup one way, guard the other), so one side is
// wired after construction.
func (s *Service) SetGate(gate EditGate) {
	s.gate = gate
}

// LookupOwnership resolves the ownership facts the lock eligibility policy
// needs. It satisfies the lock manager's RecordDirectory.
func (s *Service) LookupOwnership(ctx context.Context, recordID string) (locks.RecordOwnership, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("record_id = ?", recordID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return locks.RecordOwnership{}, locks.ErrRecordNotFound
	}
	if err != nil {
		return locks.RecordOwnership{}, fmt.Errorf("records.lookup_ownership: %w", err)
	}
	return locks.RecordOwnership{
		RecordID:  record.RecordID,
		CreatorID: record.CreatedByID,
		Counselor: record.Counselor,
	}, nil
}

// Create persists a new session record stamped with the creator snapshot.
func (s *Service) Create(ctx context.Context, actor actors.Actor, input CreateInput) (Record, error) {
	clientRef := normalize(input.ClientRef)
	if clientRef == "" {
		return Record{}, fmt.Errorf("%w: client reference required", ErrInvalidInput)
	}
	counselor := normalize(input.Counselor)
	if counselor == "" {
		counselor = actor.UserName
	}

	recordID, err := s.ids.NewID()
	if err != nil {
		return Record{}, fmt.Errorf("records.create: %w", err)
	}

	now := s.clock().UTC().Unix()
	record := Record{
		RecordID:         recordID,
		ClientRef:        clientRef,
		Counselor:        counselor,
		CreatedByID:      actor.UserID,
		CreatedByName:    actor.UserName,
		SessionAtSeconds: input.SessionAtSeconds,
		Summary:          input.Summary,
		NotesJSON:        input.NotesJSON,
		UpdatedByID:      actor.UserID,
		UpdatedByName:    actor.UserName,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logger.Error("record create failed", zap.Error(err), zap.String("client_ref", clientRef))
		return Record{}, fmt.Errorf("records.create: %w", err)
	}
	return record, nil
}

// Get returns one record. Counselors see only their own records.
func (s *Service) Get(ctx context.Context, actor actors.Actor, recordID string) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("record_id = ?", recordID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("records.get: %w", err)
	}
	if !actor.IsAdmin() && record.CreatedByID != actor.UserID {
		return Record{}, ErrForbidden
	}
	return record, nil
}

// List returns records visible to the actor, most recently updated first.
func (s *Service) List(ctx context.Context, actor actors.Actor) ([]Record, error) {
	query := s.db.WithContext(ctx).Order("updated_at_s DESC")
	if !actor.IsAdmin() {
		query = query.Where("created_by_id = ?", actor.UserID)
	}
	var result []Record
	if err := query.Find(&result).Error; err != nil {
		return nil, fmt.Errorf("records.list: %w", err)
	}
	return result, nil
}

// Update mutates a record after the edit gate allows it.
func (s *Service) Update(ctx context.Context, actor actors.Actor, recordID string, input UpdateInput) (Record, error) {
	record, err := s.Get(ctx, actor, recordID)
	if err != nil {
		return Record{}, err
	}
	if err := s.guard(ctx, recordID, actor); err != nil {
		return Record{}, err
	}

	updates := map[string]interface{}{}
	if input.ClientRef != nil {
		clientRef := normalize(*input.ClientRef)
		if clientRef == "" {
			return Record{}, fmt.Errorf("%w: client reference required", ErrInvalidInput)
		}
		updates["client_ref"] = clientRef
	}
	if input.Counselor != nil {
		updates["counselor"] = normalize(*input.Counselor)
	}
	if input.SessionAtSeconds != nil {
		updates["session_at_s"] = *input.SessionAtSeconds
	}
	if input.Summary != nil {
		updates["summary"] = *input.Summary
	}
	if input.NotesJSON != nil {
		updates["notes_json"] = *input.NotesJSON
	}
	if len(updates) == 0 {
		return record, nil
	}
	updates["updated_by_id"] = actor.UserID
	updates["updated_by_name"] = actor.UserName
	updates["updated_at_s"] = s.clock().UTC().Unix()

	if err := s.db.WithContext(ctx).Model(&Record{}).
		Where("record_id = ?", recordID).
		Updates(updates).Error; err != nil {
		s.logger.Error("record update failed", zap.Error(err), zap.String("record_id", recordID))
		return Record{}, fmt.Errorf("records.update: %w", err)
	}

	var updated Record
	if err := s.db.WithContext(ctx).Where("record_id = ?", recordID).Take(&updated).Error; err != nil {
		return Record{}, fmt.Errorf("records.update: %w", err)
	}
	return updated, nil
}

// Delete removes a record. Admin only, and the edit gate applies: a record
// locked by someone else cannot be deleted out from under them.
func (s *Service) Delete(ctx context.Context, actor actors.Actor, recordID string) error {
	if !actor.IsAdmin() {
		return ErrForbidden
	}
	var record Record
	err := s.db.WithContext(ctx).Where("record_id = ?", recordID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("records.delete: %w", err)
	}
	if err := s.guard(ctx, recordID, actor); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where("record_id = ?", recordID).Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("records.delete: %w", err)
	}
	return nil
}

// guard fails closed: without a wired gate no mutation proceeds.
func (s *Service) guard(ctx context.Context, recordID string, actor actors.Actor) error {
	if s.gate == nil {
		return fmt.Errorf("records: edit gate not configured")
	}
	return s.gate.Guard(ctx, recordID, actor)
}
