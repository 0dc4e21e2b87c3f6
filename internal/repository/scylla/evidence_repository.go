package scylla

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"guard-service/internal/models"
	"guard-service/internal/util"
)

// EvidenceRepository appends evidence records to guard_evidence,
// partitioned by (event_bucket, event_date). Rows are never updated.
type EvidenceRepository struct {
	client *ScyllaClient
}

func NewEvidenceRepository(client *ScyllaClient) *EvidenceRepository {
	return &EvidenceRepository{client: client}
}

// Append inserts record. The insert is keyed by record ID, so a retry
// rewrites the same row instead of adding one.
func (r *EvidenceRepository) Append(ctx context.Context, record models.EvidenceRecord) error {
	var sealedKey, sealedDEK, sealKeyID, sealVersion string
	if record.SealedKey != nil {
		sealedKey = record.SealedKey.Ciphertext
		sealedDEK = record.SealedKey.EncryptedDEK
		sealKeyID = record.SealedKey.KeyID
		sealVersion = record.SealedKey.Version
	}
	eventDate := record.EventDate
	if eventDate == "" {
		eventDate = record.Timestamp.UTC().Format("2006-01-02")
	}

	query := r.client.Query(ctx, r.client.Statements.InsertEvidence,
		record.EventBucket, eventDate, record.Timestamp, record.ID,
		record.Key, record.KeyFingerprint, sealedKey, sealedDEK, sealKeyID, sealVersion,
		record.Count, record.Threshold, record.RiskLabel, record.Message)

	if err := r.client.ExecuteWithRetry(ctx, query, 2); err != nil {
		util.Error("Failed to insert evidence record",
			zap.String("record_id", record.ID),
			zap.Error(err))
		return fmt.Errorf("failed to insert evidence record: %w", err)
	}
	return nil
}

// ListByBucket returns up to limit records of one partition in time order.
func (r *EvidenceRepository) ListByBucket(ctx context.Context, bucket int, date string, limit int) ([]models.EvidenceRecord, error) {
	iter := r.client.Query(ctx, r.client.Statements.ListEvidenceByBucket, bucket, date, limit).Iter()

	var (
		records []models.EvidenceRecord
		rec     models.EvidenceRecord
		sealed  models.SealedKey
		ts      time.Time
	)
	for iter.Scan(&rec.ID, &ts, &rec.Key, &rec.KeyFingerprint,
		&sealed.Ciphertext, &sealed.EncryptedDEK, &sealed.KeyID, &sealed.Version,
		&rec.Count, &rec.Threshold, &rec.RiskLabel, &rec.Message, &rec.EventBucket, &rec.EventDate) {

		rec.Timestamp = ts.UTC()
		rec.SealedKey = nil
		if sealed.Ciphertext != "" {
			s := sealed
			rec.SealedKey = &s
		}
		records = append(records, rec)
		rec, sealed = models.EvidenceRecord{}, models.SealedKey{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list evidence: %w", err)
	}
	return records, nil
}

func (r *EvidenceRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}
