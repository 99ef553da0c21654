package gormstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/webhook"
	"gorm.io/datatypes"
	"gorm.io/gorm/clause"
)

const (
	errorSubjectWebhookEvent = "webhook_event"
	errorCodePurge           = "purge"
)

// RecordEvent upserts the audit entry of a webhook event. Redeliveries overwrite
// the previous outcome.
func (store *Store) RecordEvent(ctx context.Context, record webhook.EventRecord) error {
	processedAt := record.ProcessedAt.UTC()
	row := WebhookEvent{
		EventID:          record.EventID,
		EventType:        record.EventType,
		PaymentReference: record.PaymentReference,
		Payload:          eventPayload(record.Payload),
		Outcome:          string(record.Outcome),
		ProcessingError:  record.ProcessingError,
		ReceivedAt:       record.ReceivedAt.UTC(),
		ProcessedAt:      &processedAt,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"outcome", "processing_error", "processed_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectWebhookEvent, errorCodeInsert, err)
	}
	return nil
}

// PurgeEvents deletes audit entries received before cutoff. It touches no other table.
func (store *Store) PurgeEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	result := store.db.WithContext(ctx).Where("received_at < ?", cutoff.UTC()).Delete(&WebhookEvent{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectWebhookEvent, errorCodePurge, result.Error)
	}
	return result.RowsAffected, nil
}

// eventPayload keeps valid JSON as-is; anything else is stored as a JSON string.
func eventPayload(payload []byte) datatypes.JSON {
	if len(payload) == 0 {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	if json.Valid(payload) {
		return datatypes.JSON(payload)
	}
	quoted, err := json.Marshal(string(payload))
	if err != nil {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON(quoted)
}
