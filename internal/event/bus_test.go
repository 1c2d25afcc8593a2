package event

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/HerbHall/sunlink/pkg/plugin"
	"go.uber.org/zap/zaptest"
)

func TestBus_PublishReachesTopicAndWildcard(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))

	var topic, all atomic.Int32
	bus.Subscribe("alerts.alert.triggered", func(context.Context, plugin.Event) { topic.Add(1) })
	bus.SubscribeAll(func(context.Context, plugin.Event) { all.Add(1) })

	_ = bus.Publish(context.Background(), plugin.Event{Topic: "alerts.alert.triggered"})
	_ = bus.Publish(context.Background(), plugin.Event{Topic: "identity.device.provisioned"})

	if got := topic.Load(); got != 1 {
		t.Errorf("topic handler calls = %d, want 1", got)
	}
	if got := all.Load(); got != 2 {
		t.Errorf("wildcard handler calls = %d, want 2", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	var calls atomic.Int32
	unsub := bus.Subscribe("t", func(context.Context, plugin.Event) { calls.Add(1) })
	unsubAll := bus.SubscribeAll(func(context.Context, plugin.Event) { calls.Add(1) })
	unsub()
	unsubAll()

	_ = bus.Publish(context.Background(), plugin.Event{Topic: "t"})
	if got := calls.Load(); got != 0 {
		t.Errorf("calls after unsubscribe = %d, want 0", got)
	}
}

func TestBus_PublishAsyncAndWait(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		bus.Subscribe("t", func(context.Context, plugin.Event) { calls.Add(1) })
	}
	bus.PublishAsync(context.Background(), plugin.Event{Topic: "t"})
	bus.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("async calls = %d, want 3", got)
	}
}

func TestBus_PanickingHandlerIsContained(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))

	var after atomic.Int32
	bus.Subscribe("t", func(context.Context, plugin.Event) { panic("boom") })
	bus.Subscribe("t", func(context.Context, plugin.Event) { after.Add(1) })

	if err := bus.Publish(context.Background(), plugin.Event{Topic: "t"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := after.Load(); got != 1 {
		t.Errorf("handler after panic calls = %d, want 1", got)
	}
}
