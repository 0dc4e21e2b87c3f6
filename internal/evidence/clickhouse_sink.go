package evidence

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"guard-service/internal/models"
)

// Execer is satisfied by client.ClickHouseClient.
type Execer interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
}

const clickhouseEvidenceSchema = `
CREATE TABLE IF NOT EXISTS guard_evidence (
    record_id       UUID,
    event_time      DateTime64(3, 'UTC'),
    event_date      Date,
    key             String,
    key_fingerprint String,
    sealed_key      String,
    sealed_dek      String,
    seal_key_id     String,
    seal_version    LowCardinality(String),
    count           Int64,
    threshold       Int64,
    risk_label      LowCardinality(String),
    message         String,
    event_bucket    UInt16
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (event_bucket, event_time, record_id)`

// tables created before seal_version existed
const clickhouseAddSealVersion = `
ALTER TABLE guard_evidence
    ADD COLUMN IF NOT EXISTS seal_version LowCardinality(String) AFTER seal_key_id`

const clickhouseInsertEvidence = `
INSERT INTO guard_evidence (
    record_id, event_time, event_date, key, key_fingerprint,
    sealed_key, sealed_dek, seal_key_id, seal_version,
    count, threshold, risk_label, message, event_bucket
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// ClickHouseSink appends records to the guard_evidence MergeTree table for
// analytics.
type ClickHouseSink struct {
	conn Execer
}

func NewClickHouseSink(conn Execer) *ClickHouseSink {
	return &ClickHouseSink{conn: conn}
}

func (s *ClickHouseSink) EnsureSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, clickhouseEvidenceSchema); err != nil {
		return fmt.Errorf("failed to create clickhouse evidence table: %w", err)
	}
	if err := s.conn.Exec(ctx, clickhouseAddSealVersion); err != nil {
		return fmt.Errorf("failed to migrate clickhouse evidence table: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Append(ctx context.Context, record models.EvidenceRecord) error {
	id, err := uuid.Parse(record.ID)
	if err != nil {
		id = uuid.New()
	}

	var sealed models.SealedKey
	if record.SealedKey != nil {
		sealed = *record.SealedKey
	}

	ts := record.Timestamp.UTC()
	err = s.conn.Exec(ctx, clickhouseInsertEvidence,
		id, ts, ts, record.Key, record.KeyFingerprint,
		sealed.Ciphertext, sealed.EncryptedDEK, sealed.KeyID, sealed.Version,
		record.Count, record.Threshold, record.RiskLabel, record.Message, uint16(record.EventBucket),
	)
	if err != nil {
		return fmt.Errorf("clickhouse evidence sink: %w", err)
	}
	return nil
}
