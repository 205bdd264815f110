package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"folio/api/internal/store"
)

type fakeSink struct {
	mu     sync.Mutex
	name   string
	err    error
	sent   []Event
	calls  int
	closed bool
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Send(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, event)
	return nil
}

func (s *fakeSink) Close() error {
	s.closed = true
	return nil
}

func TestBusDeliversToSubscribersInOrder(t *testing.T) {
	bus := NewBus(zap.NewNop(), BreakerOptions{})
	var got []string
	bus.Subscribe(KindPageDeleted, func(_ context.Context, e Event) { got = append(got, "first:"+e.Attributes[AttrURL]) })
	bus.Subscribe(KindPageDeleted, func(_ context.Context, e Event) { got = append(got, "second:"+e.Attributes[AttrURL]) })
	bus.Subscribe(KindSitemapUpdated, func(context.Context, Event) { got = append(got, "sitemap") })

	bus.Publish(context.Background(), PageDeleted(store.Page{ID: uuid.New(), PageURL: "/gone/"}))

	assert.Equal(t, []string{"first:/gone/", "second:/gone/"}, got)
}

func TestBusSurvivesPanickingHandler(t *testing.T) {
	bus := NewBus(zap.NewNop(), BreakerOptions{})
	sink := &fakeSink{name: "fake"}
	bus.AddSink(sink)
	bus.Subscribe(KindSitemapUpdated, func(context.Context, Event) { panic("boom") })

	bus.Publish(context.Background(), SitemapUpdated(uuid.New()))

	assert.Len(t, sink.sent, 1)
}

func TestBusForwardsAfterCallerCancellation(t *testing.T) {
	bus := NewBus(zap.NewNop(), BreakerOptions{})
	sink := &fakeSink{name: "fake"}
	bus.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Publish(ctx, SitemapDeleted(uuid.New()))

	require.Len(t, sink.sent, 1)
	assert.Equal(t, KindSitemapDeleted, sink.sent[0].Kind)
}

func TestBusBreakerStopsCallingFailingSink(t *testing.T) {
	bus := NewBus(zap.NewNop(), BreakerOptions{MaxFailures: 2, OpenTimeout: time.Hour})
	failing := &fakeSink{name: "failing", err: errors.New("down")}
	healthy := &fakeSink{name: "healthy"}
	bus.AddSink(failing)
	bus.AddSink(healthy)

	for i := 0; i < 5; i++ {
		bus.Publish(context.Background(), SitemapUpdated(uuid.New()))
	}

	assert.Equal(t, 2, failing.calls)
	assert.Len(t, healthy.sent, 5)
}

func TestBusCloseClosesSinks(t *testing.T) {
	bus := NewBus(nil, BreakerOptions{})
	sink := &fakeSink{name: "fake"}
	bus.AddSink(sink)
	require.NoError(t, bus.Close())
	assert.True(t, sink.closed)
}

func TestEventSitemapID(t *testing.T) {
	sitemapID := uuid.New()
	pageID := uuid.New()
	node := store.SitemapNode{ID: uuid.New(), SitemapID: sitemapID, PageID: &pageID}

	assert.Equal(t, sitemapID, SitemapNodeDeleted(node).SitemapID())
	assert.Equal(t, sitemapID, SitemapUpdated(sitemapID).SitemapID())
	assert.Equal(t, uuid.Nil, PageDeleted(store.Page{ID: pageID}).SitemapID())
	assert.Equal(t, pageID.String(), SitemapNodeUpdated(node).Attributes[AttrPageID])
}

func TestRecorder(t *testing.T) {
	var rec Recorder
	rec.Publish(context.Background(), SitemapUpdated(uuid.New()).WithActor("ana"))
	rec.Publish(context.Background(), PageDeleted(store.Page{ID: uuid.New()}))

	assert.Equal(t, []Kind{KindSitemapUpdated, KindPageDeleted}, rec.Kinds())
	assert.Equal(t, "ana", rec.Events()[0].Actor)
}

// stallingSink blocks until the delivery context is done.
type stallingSink struct{ calls int }

func (s *stallingSink) Name() string { return "stalling" }

func (s *stallingSink) Send(ctx context.Context, _ Event) error {
	s.calls++
	<-ctx.Done()
	return ctx.Err()
}

func (s *stallingSink) Close() error { return nil }

func TestBusBoundsStalledSinkDelivery(t *testing.T) {
	assert.Equal(t, time.Second, BreakerOptions{}.withDefaults().SendTimeout)

	bus := NewBus(zap.NewNop(), BreakerOptions{MaxFailures: 2, SendTimeout: 20 * time.Millisecond, OpenTimeout: time.Minute})
	sink := &stallingSink{}
	bus.AddSink(sink)

	started := time.Now()
	for i := 0; i < 5; i++ {
		bus.Publish(context.Background(), SitemapUpdated(uuid.New()))
	}

	assert.Equal(t, 2, sink.calls, "breaker should open after two timeouts")
	assert.Less(t, time.Since(started), time.Second)
}
