package scoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	keys   []string
	events []interface{}
	err    error
}

func (r *recordingSink) PublishEvent(_ context.Context, key string, event interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.keys = append(r.keys, key)
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) Close() error { return nil }

// slowSink holds each publish until release is closed
type slowSink struct {
	recordingSink
	release chan struct{}
	closed  bool
}

func (s *slowSink) PublishEvent(ctx context.Context, key string, event interface{}) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sink closed")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *slowSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestEmitDeliversInBackground(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(sink, nil)
	asset := uuid.New()

	select {
	case <-p.Emit(InteractionEvent{Type: InteractionTrade, AssetID: asset, Amount: 2000}):
	case <-time.After(time.Second):
		t.Fatal("emit did not finish")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	assert.Equal(t, asset.String(), sink.keys[0])
	ev := sink.events[0].(InteractionEvent)
	assert.False(t, ev.At.IsZero())
}

func TestEmitSwallowsErrors(t *testing.T) {
	p := NewPublisher(&recordingSink{err: errors.New("unavailable")}, nil)
	<-p.Emit(InteractionEvent{Type: InteractionPrintOrder})
	assert.Error(t, p.Publish(context.Background(), InteractionEvent{}))
}

func TestCloseWaitsForInflightEmit(t *testing.T) {
	sink := &slowSink{release: make(chan struct{})}
	p := NewPublisher(sink, nil)

	done := p.Emit(InteractionEvent{Type: InteractionTrade, AssetID: uuid.New()})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(sink.release)
	}()

	require.NoError(t, p.Close())
	<-done

	sink.mu.Lock()
	assert.Len(t, sink.events, 1)
	assert.True(t, sink.closed)
	sink.mu.Unlock()

	// after close new events are dropped without touching the sink
	<-p.Emit(InteractionEvent{Type: InteractionTrade})
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.events, 1)
}

func TestCloseGivesUpAfterTimeout(t *testing.T) {
	sink := &slowSink{release: make(chan struct{})}
	p := NewPublisher(sink, nil)
	p.timeout = 20 * time.Millisecond

	done := p.Emit(InteractionEvent{Type: InteractionPrintOrder})
	start := time.Now()
	require.NoError(t, p.Close())
	assert.Less(t, time.Since(start), time.Second)
	<-done
}
