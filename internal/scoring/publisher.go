// Package scoring forwards post-commit interaction events to the scoring collaborator
package scoring

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/visionmarket/ledger/internal/events"
	"github.com/visionmarket/ledger/pkg/logger"
	"github.com/visionmarket/ledger/pkg/models"
)

// InteractionType names what happened to an asset
type InteractionType string

const (
	InteractionTrade      InteractionType = "trade"
	InteractionPrintOrder InteractionType = "print_order"
)

const defaultTimeout = 5 * time.Second

// InteractionEvent is one scoring signal
type InteractionEvent struct {
	Type        InteractionType    `json:"type"`
	AssetID     uuid.UUID          `json:"asset_id"`
	UserID      uuid.UUID          `json:"user_id"`
	Attribution models.Attribution `json:"attribution"`
	Amount      int64              `json:"amount"`
	At          time.Time          `json:"at"`
}

// Publisher sends interaction events without ever blocking a ledger operation
type Publisher struct {
	sink    events.Publisher
	logger  *zap.Logger
	timeout time.Duration

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewPublisher wraps an event sink
func NewPublisher(sink events.Publisher, log *zap.Logger) *Publisher {
	return &Publisher{sink: sink, logger: logger.Named(log, "scoring"), timeout: defaultTimeout}
}

// Publish delivers one event synchronously
func (p *Publisher) Publish(ctx context.Context, ev InteractionEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return p.sink.PublishEvent(ctx, ev.AssetID.String(), ev)
}

// Emit publishes in the background with a bounded timeout. Failures are logged, never returned.
// The returned channel is closed once delivery finished. Events emitted after Close are dropped.
func (p *Publisher) Emit(ev InteractionEvent) <-chan struct{} {
	done := make(chan struct{})
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.Warn("Publisher closed, interaction event dropped",
			zap.String("type", string(ev.Type)),
			zap.String("asset_id", ev.AssetID.String()))
		close(done)
		return done
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.inflight.Done()
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.Publish(ctx, ev); err != nil {
			p.logger.Warn("Failed to publish interaction event",
				zap.String("type", string(ev.Type)),
				zap.String("asset_id", ev.AssetID.String()),
				zap.Error(err))
		}
	}()
	return done
}

// Close waits for in-flight events, at most one publish timeout, then closes the sink
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(p.timeout):
		p.logger.Warn("Closing with interaction events still in flight")
	}
	return p.sink.Close()
}
