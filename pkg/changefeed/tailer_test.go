package changefeed

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"adgov/pkg/models"
)

type scriptedConsumer struct {
	messages [][]byte
	closed   bool
}

func (c *scriptedConsumer) ReadMessage(ctx context.Context) ([]byte, error) {
	if len(c.messages) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	msg := c.messages[0]
	c.messages = c.messages[1:]
	return msg, nil
}

func (c *scriptedConsumer) Close() error {
	c.closed = true
	return nil
}

func TestTailerConsumesAndStops(t *testing.T) {
	evt := models.ChangeEvent{
		ChangeDateTime:     time.Now().UTC(),
		ChangeResourceName: "customers/1/campaigns/5",
		ChangeOperation:    "UPDATE",
	}
	raw, _ := json.Marshal(evt)
	consumer := &scriptedConsumer{messages: [][]byte{raw, []byte("not json")}}
	tailer := NewTailer(consumer, time.Hour, 100)
	tailer.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := tailer.Lookup("customers/1/campaigns/5", evt.ChangeDateTime, time.Minute); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("event never appeared in tailer window")
		case <-time.After(5 * time.Millisecond):
		}
	}
	tailer.Stop()
	if !consumer.closed {
		t.Fatal("consumer must be closed on stop")
	}
}

func TestTailerEvictsBySize(t *testing.T) {
	tailer := NewTailer(nil, time.Hour, 2)
	now := time.Now().UTC()
	for i, name := range []string{"a", "b", "c"} {
		tailer.Add(models.ChangeEvent{ChangeResourceName: name, ChangeDateTime: now.Add(time.Duration(i) * time.Second)})
	}
	if _, ok := tailer.Lookup("a", now, time.Minute); ok {
		t.Fatal("oldest event should have been evicted")
	}
	if _, ok := tailer.Lookup("c", now.Add(2*time.Second), time.Minute); !ok {
		t.Fatal("newest event should remain")
	}
}

func TestTailerEvictsByAge(t *testing.T) {
	tailer := NewTailer(nil, time.Minute, 100)
	stale := time.Now().UTC().Add(-2 * time.Minute)
	tailer.Add(models.ChangeEvent{ChangeResourceName: "stale", ChangeDateTime: stale})
	fresh := time.Now().UTC()
	tailer.Add(models.ChangeEvent{ChangeResourceName: "fresh", ChangeDateTime: fresh})
	if _, ok := tailer.Lookup("stale", stale, time.Hour); ok {
		t.Fatal("stale event should have been evicted")
	}
	if _, ok := tailer.Lookup("fresh", fresh, time.Minute); !ok {
		t.Fatal("fresh event should remain")
	}
}

func TestNewKafkaConsumerValidation(t *testing.T) {
	if _, err := NewKafkaConsumer(KafkaConfig{Topic: "changes", GroupID: "g"}); err == nil {
		t.Fatal("expected error for missing brokers")
	}
	if _, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "g"}); err == nil {
		t.Fatal("expected error for missing topic")
	}
	if _, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "changes"}); err == nil {
		t.Fatal("expected error for missing group id")
	}
	c, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{" localhost:9092 "}, Topic: "changes", GroupID: "g"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = c.Close()
}

var _ io.Closer = (*KafkaConsumer)(nil)
