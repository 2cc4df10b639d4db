package notifications

import "errors"

// ErrNotFound indicates the notification does not exist for the recipient.
var ErrNotFound = errors.New("notifications: notification not found")

// Kind enumerates the lock events surfaced to users.
type Kind string

const (
	// KindRecordLocked tells a record's counselor someone locked their record.
	KindRecordLocked Kind = "record-locked"
	// KindRecordUnlocked tells a record's counselor the lock was released.
	KindRecordUnlocked Kind = "record-unlocked"
)

// Notification is one persisted notice for one recipient.
type Notification struct {
	NotificationID   string `gorm:"column:notification_id;primaryKey;size:190;not null"`
	RecipientID      string `gorm:"column:recipient_id;size:190;not null;index:idx_notifications_recipient_time,priority:1"`
	Kind             Kind   `gorm:"column:kind;size:32;not null"`
	RecordID         string `gorm:"column:record_id;size:190;not null"`
	Message          string `gorm:"column:message;size:512;not null"`
	ActorName        string `gorm:"column:actor_name;size:320;not null;default:''"`
	Read             bool   `gorm:"column:read;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_notifications_recipient_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}
