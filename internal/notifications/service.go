package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/sagebrookhealth/casevault/internal/ident"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ServiceConfig describes the dependencies for notification delivery.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ident.Provider
	Logger     *zap.Logger
	Dispatcher *Dispatcher
}

// Service persists notifications and fans them out to live subscribers.
// Delivery is best-effort from the lock path's point of view: callers log
// failures and move on.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	ids        ident.Provider
	logger     *zap.Logger
	dispatcher *Dispatcher
}

// NewService constructs the notification service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("notifications: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("notifications: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		ids:        cfg.IDProvider,
		logger:     logger,
		dispatcher: dispatcher,
	}, nil
}

// NotifyInput is one notice to one recipient.
type NotifyInput struct {
	RecipientID string
	Kind        Kind
	RecordID    string
	Message     string
	ActorName   string
}

// Notify persists the notice and publishes it to live subscribers.
func (s *Service) Notify(ctx context.Context, input NotifyInput) error {
	if input.RecipientID == "" || input.Kind == "" {
		return fmt.Errorf("notifications: recipient and kind required")
	}
	notificationID, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("notifications.notify: %w", err)
	}
	now := s.clock().UTC()
	notice := Notification{
		NotificationID:   notificationID,
		RecipientID:      input.RecipientID,
		Kind:             input.Kind,
		RecordID:         input.RecordID,
		Message:          input.Message,
		ActorName:        input.ActorName,
		CreatedAtSeconds: now.Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&notice).Error; err != nil {
		return fmt.Errorf("notifications.notify: %w", err)
	}
	s.dispatcher.Publish(Event{
		RecipientID: input.RecipientID,
		Kind:        input.Kind,
		RecordID:    input.RecordID,
		Message:     input.Message,
		Timestamp:   now,
	})
	return nil
}

// ListForRecipient returns the recipient's notices, newest first.
func (s *Service) ListForRecipient(ctx context.Context, recipientID string, onlyUnread bool) ([]Notification, error) {
	query := s.db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("created_at_s DESC, notification_id DESC")
	if onlyUnread {
		query = query.Where("read = ?", false)
	}
	var notices []Notification
	if err := query.Find(&notices).Error; err != nil {
		return nil, fmt.Errorf("notifications.list: %w", err)
	}
	return notices, nil
}

// MarkRead flags one of the recipient's notices as read.
func (s *Service) MarkRead(ctx context.Context, notificationID, recipientID string) error {
	result := s.db.WithContext(ctx).Model(&Notification{}).
		Where("notification_id = ? AND recipient_id = ?", notificationID, recipientID).
		Update("read", true)
	if result.Error != nil {
		return fmt.Errorf("notifications.mark_read: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Subscribe exposes the dispatcher for live streams.
func (s *Service) Subscribe(ctx context.Context, recipientID string) (<-chan Event, func()) {
	return s.dispatcher.Subscribe(ctx, recipientID)
}
