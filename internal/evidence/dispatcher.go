package evidence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"guard-service/internal/guard"
	"guard-service/internal/models"
)

var (
	ErrDispatcherClosed = errors.New("evidence dispatcher closed")
	ErrBufferFull       = errors.New("evidence buffer full")
)

type DispatcherConfig struct {
	BufferSize int
	// DropIfFull makes Append drop and count a record instead of waiting
	// for buffer space.
	DropIfFull bool
	// WriteTimeout bounds each downstream Append. Zero means no bound.
	WriteTimeout time.Duration
}

// Dispatcher moves evidence writes off the request path. A single worker
// drains a bounded queue in FIFO order, so records reach the downstream
// sink in the order this process blocked them. Close drains what is queued:
// every Append that returned nil is handed to the sink.
type Dispatcher struct {
	cfg    DispatcherConfig
	sink   guard.EvidenceSink
	logger *zap.Logger

	ch   chan models.EvidenceRecord
	done chan struct{}
	wg   sync.WaitGroup

	// mu orders Append against Close: appends hold it shared while they
	// enqueue, so Close cannot signal the worker between a closed check
	// and the send.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	dropped atomic.Uint64
	failed  atomic.Uint64
	written atomic.Uint64
}

func NewDispatcher(cfg DispatcherConfig, sink guard.EvidenceSink, logger *zap.Logger) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		ch:     make(chan models.EvidenceRecord, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case record := <-d.ch:
			d.write(record)
		case <-d.done:
			for {
				select {
				case record := <-d.ch:
					d.write(record)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) write(record models.EvidenceRecord) {
	ctx := context.Background()
	if d.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.WriteTimeout)
		defer cancel()
	}

	if err := d.sink.Append(ctx, record); err != nil {
		d.failed.Add(1)
		d.logger.Warn("evidence write failed",
			zap.Error(err),
			zap.String("record_id", record.ID),
			zap.Int64("count", record.Count))
		return
	}
	d.written.Add(1)
}

// Append queues record. It returns ErrBufferFull when DropIfFull is set and
// the queue is full, and ErrDispatcherClosed after Close. Otherwise it
// waits for space until ctx is done.
func (d *Dispatcher) Append(ctx context.Context, record models.EvidenceRecord) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- record:
			return nil
		default:
			d.dropped.Add(1)
			return ErrBufferFull
		}
	}

	// the worker keeps draining until Close gets the lock, so this wait
	// always makes progress
	select {
	case d.ch <- record:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake and blocks until every queued record has been
// handed to the downstream sink.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.done)
		d.mu.Unlock()

		d.wg.Wait()
	})
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

func (d *Dispatcher) Failed() uint64 {
	if d == nil {
		return 0
	}
	return d.failed.Load()
}

func (d *Dispatcher) Written() uint64 {
	if d == nil {
		return 0
	}
	return d.written.Load()
}

// Pending is the number of queued records not yet written.
func (d *Dispatcher) Pending() int {
	if d == nil {
		return 0
	}
	return len(d.ch)
}
