package evidence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"guard-service/internal/guard"
	"guard-service/internal/models"
)

type Fingerprinter interface {
	Fingerprint(key string) string
}

type Bucketer interface {
	GetEventBucket(key string) int
	GetDateBucket(at time.Time) string
}

type Sealer interface {
	SealField(ctx context.Context, plaintext string) (*models.SealedKey, error)
}

// Enricher stamps identity and partitioning fields on a record before
// passing it on. Any of its helpers may be nil.
type Enricher struct {
	next          guard.EvidenceSink
	fingerprinter Fingerprinter
	bucketer      Bucketer
	sealer        Sealer
	logger        *zap.Logger
}

type EnricherOption func(*Enricher)

func WithFingerprinter(f Fingerprinter) EnricherOption {
	return func(e *Enricher) { e.fingerprinter = f }
}

func WithBucketer(b Bucketer) EnricherOption {
	return func(e *Enricher) { e.bucketer = b }
}

// WithSealer replaces the raw key in every record with its sealed form.
func WithSealer(s Sealer) EnricherOption {
	return func(e *Enricher) { e.sealer = s }
}

func NewEnricher(next guard.EvidenceSink, logger *zap.Logger, opts ...EnricherOption) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Enricher{next: next, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Enricher) Append(ctx context.Context, record models.EvidenceRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	if e.fingerprinter != nil && record.KeyFingerprint == "" {
		record.KeyFingerprint = e.fingerprinter.Fingerprint(record.Key)
	}
	if e.bucketer != nil {
		record.EventBucket = e.bucketer.GetEventBucket(record.Key)
		record.EventDate = e.bucketer.GetDateBucket(record.Timestamp)
	}

	if e.sealer != nil && record.Key != "" {
		sealed, err := e.sealer.SealField(ctx, record.Key)
		if err != nil {
			// never fall back to the raw key once sealing is required
			e.logger.Warn("failed to seal evidence key, dropping it from the record",
				zap.Error(err),
				zap.String("record_id", record.ID))
		} else {
			record.SealedKey = sealed
		}
		record.Key = ""
	}

	return e.next.Append(ctx, record)
}
