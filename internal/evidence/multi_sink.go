package evidence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"guard-service/internal/guard"
	"guard-service/internal/models"
)

// NamedSink labels a sink for error reporting.
type NamedSink struct {
	Name string
	Sink guard.EvidenceSink
}

// MultiSink hands every record to all of its sinks concurrently and
// returns once each has answered. A failing sink does not stop the others.
type MultiSink struct {
	sinks []NamedSink
}

func NewMultiSink(sinks ...NamedSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Append(ctx context.Context, record models.EvidenceRecord) error {
	if len(m.sinks) == 1 {
		if err := m.sinks[0].Sink.Append(ctx, record); err != nil {
			return fmt.Errorf("%w: %s: %w", guard.ErrSinkUnavailable, m.sinks[0].Name, err)
		}
		return nil
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, ns := range m.sinks {
		g.Go(func() error {
			if err := ns.Sink.Append(ctx, record); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", ns.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", guard.ErrSinkUnavailable, errors.Join(errs...))
	}
	return nil
}

// Names lists the configured sinks in order.
func (m *MultiSink) Names() []string {
	names := make([]string, len(m.sinks))
	for i, ns := range m.sinks {
		names[i] = ns.Name
	}
	return names
}

func (m *MultiSink) Len() int {
	return len(m.sinks)
}
