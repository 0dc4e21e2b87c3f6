// Package evidence records blocked guard calls. Every sink here is
// append-only; none of them updates or deletes a record.
package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"guard-service/internal/models"
)

// LogSink writes each record as a structured warning.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("evidence")}
}

func (s *LogSink) Append(_ context.Context, record models.EvidenceRecord) error {
	s.logger.Warn(record.Message,
		zap.String("record_id", record.ID),
		zap.Time("timestamp", record.Timestamp),
		zap.String("key", record.Key),
		zap.String("key_fingerprint", record.KeyFingerprint),
		zap.Int64("count", record.Count),
		zap.Int64("threshold", record.Threshold),
		zap.String("risk_label", record.RiskLabel),
	)
	return nil
}

// FileSink appends one JSON document per line to a local file.
type FileSink struct {
	mu    sync.Mutex
	file  *os.File
	enc   *json.Encoder
	path  string
	fsync bool
}

// NewFileSink opens path for appending, creating it if needed. With
// syncWrites set every record is fsynced before Append returns.
func NewFileSink(path string, syncWrites bool) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open evidence file %s: %w", path, err)
	}
	return &FileSink{file: f, enc: json.NewEncoder(f), path: path, fsync: syncWrites}, nil
}

func (s *FileSink) Append(ctx context.Context, record models.EvidenceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("evidence file %s is closed", s.path)
	}
	// Encode writes the record and its newline in one call
	if err := s.enc.Encode(record); err != nil {
		return fmt.Errorf("failed to write evidence record: %w", err)
	}
	if s.fsync {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync evidence file: %w", err)
		}
	}
	return nil
}

func (s *FileSink) Path() string {
	return s.path
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
