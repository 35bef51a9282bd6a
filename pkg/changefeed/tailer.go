package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"adgov/pkg/models"

	"github.com/segmentio/kafka-go"
)

// Consumer abstracts the change-event stream so tests can feed messages
// without a broker.
type Consumer interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	Close() error
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaConsumer reads the provider's change-event export topic.
type KafkaConsumer struct {
	reader kafkaReader
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: r}, nil
}

func (c *KafkaConsumer) ReadMessage(ctx context.Context) ([]byte, error) {
	if c == nil || c.reader == nil {
		return nil, fmt.Errorf("kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return nil, err
	}
	return msg.Value, nil
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// Tailer keeps a bounded window of recent change events from the provider's
// stream so very recent mutations verify without an API round trip.
type Tailer struct {
	consumer Consumer
	maxAge   time.Duration
	maxSize  int

	mu     sync.Mutex
	events []models.ChangeEvent

	cancel context.CancelFunc
	done   chan struct{}
}

func NewTailer(consumer Consumer, maxAge time.Duration, maxSize int) *Tailer {
	if maxAge <= 0 {
		maxAge = 15 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Tailer{consumer: consumer, maxAge: maxAge, maxSize: maxSize}
}

// Start launches the read loop. Stop cancels it and waits for exit.
func (t *Tailer) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.run(ctx)
}

func (t *Tailer) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
	if err := t.consumer.Close(); err != nil {
		log.Printf("changefeed: tailer close: %v", err)
	}
}

func (t *Tailer) run(ctx context.Context) {
	defer close(t.done)
	for {
		raw, err := t.consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("changefeed: tailer read: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		var evt models.ChangeEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			log.Printf("changefeed: tailer skipping malformed event: %v", err)
			continue
		}
		t.Add(evt)
	}
}

// Add records one event, evicting anything stale or over the size bound.
func (t *Tailer) Add(evt models.ChangeEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, evt)
	cutoff := time.Now().UTC().Add(-t.maxAge)
	firstLive := 0
	for firstLive < len(t.events) && t.events[firstLive].ChangeDateTime.Before(cutoff) {
		firstLive++
	}
	if over := len(t.events) - firstLive - t.maxSize; over > 0 {
		firstLive += over
	}
	if firstLive > 0 {
		t.events = append([]models.ChangeEvent(nil), t.events[firstLive:]...)
	}
}

// Lookup returns the buffered event for the resource closest to operationTime
// within the tolerance, if any.
func (t *Tailer) Lookup(resourceName string, operationTime time.Time, tolerance time.Duration) (models.ChangeEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var best models.ChangeEvent
	bestDelta := tolerance + 1
	found := false
	for _, evt := range t.events {
		if !strings.EqualFold(evt.ChangeResourceName, resourceName) {
			continue
		}
		delta := evt.ChangeDateTime.Sub(operationTime)
		if delta < 0 {
			delta = -delta
		}
		if delta <= tolerance && delta < bestDelta {
			best = evt
			bestDelta = delta
			found = true
		}
	}
	return best, found
}
