package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/frontdesklabs/call-engine/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CallRecord is the persisted projection of a finished call.
type CallRecord struct {
	ID           string `gorm:"primaryKey;type:uuid"`
	CallID       string `gorm:"uniqueIndex;not null"`
	TenantID     string `gorm:"index;not null"`
	FromNumber   string
	ToNumber     string
	Direction    string
	Outcome      string `gorm:"index"`
	Billable     bool
	BillableKind string
	RecordingURL string
	Transcript   string `gorm:"type:jsonb"`
	StartedAt    time.Time
	EndedAt      time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName specifies the table name for CallRecord
func (CallRecord) TableName() string {
	return "call_records"
}

// CallRepository handles database operations for the call log.
type CallRepository struct {
	db *gorm.DB
}

// NewCallRepository creates a new call log repository
func NewCallRepository(db *gorm.DB) *CallRepository {
	return &CallRepository{db: db}
}

// RecordCall upserts the terminal projection of a call, keyed by call_id.
// A second write for the same call (recording URL arriving after the initial
// dispatch) updates the mutable columns in place.
func (r *CallRepository) RecordCall(ctx context.Context, call *domain.Call) error {
	transcript, err := json.Marshal(call.Transcript)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}

	record := &CallRecord{
		ID:           uuid.New().String(),
		CallID:       call.CallID,
		TenantID:     call.TenantID,
		FromNumber:   call.FromNumber,
		ToNumber:     call.ToNumber,
		Direction:    string(call.Direction),
		Outcome:      string(call.Outcome),
		Billable:     call.Billable,
		BillableKind: call.BillableKind,
		RecordingURL: call.RecordingURL,
		Transcript:   string(transcript),
		StartedAt:    call.StartedAt,
		EndedAt:      call.EndedAt,
	}

	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "call_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"outcome", "billable", "billable_kind", "recording_url",
			"transcript", "ended_at", "updated_at",
		}),
	}).Create(record).Error
	if err != nil {
		return fmt.Errorf("failed to record call: %w", err)
	}
	return nil
}

// GetByCallID retrieves a recorded call by its provider call ID.
func (r *CallRepository) GetByCallID(ctx context.Context, callID string) (*CallRecord, error) {
	var record CallRecord
	if err := r.db.WithContext(ctx).Where("call_id = ?", callID).First(&record).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}
	return &record, nil
}
