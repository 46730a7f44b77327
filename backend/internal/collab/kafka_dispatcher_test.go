package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
)

func testDispatcherOptions() DispatcherOptions {
	return DispatcherOptions{
		QueueSize:   16,
		Workers:     1,
		MaxRetry:    1,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestDispatcherDelivers(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	delivered := make(chan []byte, 1)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		delivered <- val
		return nil
	})

	d := NewDispatcher(producer, "campaign-changes", nil, testDispatcherOptions())

	evt := NewChangeEvent(ChangeRecord{
		DocumentID: "c1",
		Sequence:   3,
		Field:      "budget",
		NewValue:   float64(1200),
		AuthorID:   7,
		AppliedAt:  time.Now(),
	}, nil)
	if err := d.Enqueue(context.Background(), evt); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	select {
	case val := <-delivered:
		var got ChangeEvent
		if err := json.Unmarshal(val, &got); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if got.DocID != "c1" || got.Sequence != 3 || got.EventType != "CHANGE_APPLIED" {
			t.Fatalf("event = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestDispatcherRetries(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	delivered := make(chan struct{})
	producer.ExpectSendMessageAndFail(errors.New("broker down"))
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		close(delivered)
		return nil
	})

	d := NewDispatcher(producer, "campaign-changes", nil, testDispatcherOptions())

	if err := d.Enqueue(context.Background(), NewChangeEvent(ChangeRecord{DocumentID: "c1", Sequence: 1}, nil)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("event not retried to success")
	}
}

func TestTryEnqueueDropsWhenFull(t *testing.T) {
	d := &Dispatcher{
		queue: make(chan ChangeEvent, 1),
		// no workers started: the queue stays full
	}
	if err := d.TryEnqueue(ChangeEvent{DocID: "c1", Sequence: 1}); err != nil {
		t.Fatalf("first TryEnqueue() error = %v", err)
	}
	if err := d.TryEnqueue(ChangeEvent{DocID: "c1", Sequence: 2}); !errors.Is(err, ErrDispatchQueueFull) {
		t.Fatalf("second TryEnqueue() error = %v, want ErrDispatchQueueFull", err)
	}
}

func TestDispatcherEnqueueTimesOutWhenFull(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	d := &Dispatcher{
		producer: producer,
		topic:    "campaign-changes",
		queue:    make(chan ChangeEvent, 1),
		// no workers started: the queue stays full
	}
	if err := d.Enqueue(context.Background(), ChangeEvent{}); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.Enqueue(ctx, ChangeEvent{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Enqueue() error = %v, want deadline exceeded", err)
	}
}
