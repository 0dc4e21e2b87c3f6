package evidence

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"guard-service/internal/models"
)

// DocumentIndexer is satisfied by client.ESClient.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ElasticsearchSink indexes each record as one document whose ID is the
// record ID.
type ElasticsearchSink struct {
	indexer DocumentIndexer
	index   string
}

func NewElasticsearchSink(indexer DocumentIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, index: index}
}

func (s *ElasticsearchSink) Append(ctx context.Context, record models.EvidenceRecord) error {
	id := record.ID
	if id == "" {
		id = uuid.NewString()
	}
	if err := s.indexer.IndexDocument(ctx, s.index, id, record); err != nil {
		return fmt.Errorf("elasticsearch evidence sink: %w", err)
	}
	return nil
}
