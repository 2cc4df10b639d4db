package records

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("records: record not found")
	// ErrForbidden indicates the actor may not see or mutate the record.
	ErrForbidden = errors.New("records: actor may not access this record")
	// ErrInvalidInput indicates a create or update payload failed validation.
	ErrInvalidInput = errors.New("records: invalid input")
)

// Record is one counseling session record. The creator snapshot feeds the
// lock eligibility policy; record content itself is opaque to the lock layer.
type Record struct {
	RecordID         string `gorm:"column:record_id;primaryKey;size:190;not null"`
	ClientRef        string `gorm:"column:client_ref;size:190;not null;index:idx_records_client"`
	Counselor        string `gorm:"column:counselor;size:320;not null"`
	CreatedByID      string `gorm:"column:created_by_id;size:190;not null;index:idx_records_creator"`
	CreatedByName    string `gorm:"column:created_by_name;size:320;not null;default:''"`
	SessionAtSeconds int64  `gorm:"column:session_at_s;not null"`
	Summary          string `gorm:"column:summary;type:text;not null;default:''"`
	NotesJSON        string `gorm:"column:notes_json;type:text;not null;default:''"`
	UpdatedByID      string `gorm:"column:updated_by_id;size:190;not null;default:''"`
	UpdatedByName    string `gorm:"column:updated_by_name;size:320;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "session_records"
}

// CreateInput is the payload for a new session record.
type CreateInput struct {
	ClientRef        string
	Counselor        string
	SessionAtSeconds int64
	Summary          string
	NotesJSON        string
}

// UpdateInput carries the mutable fields of a record. Nil pointers leave the
// stored value untouched.
type UpdateInput struct {
	ClientRef        *string
	Counselor        *string
	SessionAtSeconds *int64
	Summary          *string
	NotesJSON        *string
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
