package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"streamsight/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDispatchSkipsOwnAndMalformedEvents(t *testing.T) {
	bus := NewEventBus(nil, "instance-a", zaptest.NewLogger(t).Sugar())

	var got []*Event
	handler := func(e *Event) error {
		got = append(got, e)
		return nil
	}

	bus.dispatch(`{"type":"report.deleted","instance_id":"instance-a","report_id":"r1"}`, handler)
	bus.dispatch(`not json`, handler)
	bus.dispatch(`{"type":"report.deleted","instance_id":"instance-b","report_id":"r2"}`, handler)

	require.Len(t, got, 1)
	assert.Equal(t, EventReportDeleted, got[0].Type)
	assert.Equal(t, domain.ReportID("r2"), got[0].ReportID)
}

func TestEventBusAcrossInstances(t *testing.T) {
	addr := os.Getenv("STREAMSIGHT_TEST_REDIS")
	if addr == "" {
		t.Skip("STREAMSIGHT_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	log := zaptest.NewLogger(t).Sugar()

	publisher := NewEventBus(client, "instance-a", log)
	subscriber := NewEventBus(client, "instance-b", log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan *Event, 1)
	go func() {
		_ = subscriber.Subscribe(ctx, func(e *Event) error {
			received <- e
			return nil
		})
	}()

	// publish until the subscription is live
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		require.NoError(t, publisher.PublishReportCreated(ctx, "r1"))
		select {
		case e := <-received:
			assert.Equal(t, EventReportCreated, e.Type)
			assert.Equal(t, "instance-a", e.InstanceID)
			assert.Equal(t, domain.ReportID("r1"), e.ReportID)
			return
		case <-ticker.C:
		case <-ctx.Done():
			t.Fatal("event not received")
		}
	}
}
