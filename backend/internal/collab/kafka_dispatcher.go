package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/IBM/sarama"
)

var ErrDispatchQueueFull = errors.New("DISPATCH_QUEUE_FULL")

// Dispatcher: local bounded queue + workers + limited retry.
// - Apply only enqueues; a slow or unreachable broker never blocks an edit
// - short Kafka stalls are absorbed by the queue and drained by the workers
// - a full queue degrades by erroring the enqueue, never by growing unbounded
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan ChangeEvent

	// sem bounds concurrent SendMessage calls
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type DispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan ChangeEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.Start()
	return d
}

// Enqueue puts the event on the local queue, waiting at most until ctx
// expires when the queue is full. Delivery is best-effort: the change is
// already durable in the change log before it gets here.
func (d *Dispatcher) Enqueue(ctx context.Context, evt ChangeEvent) error {
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue is the edit-path variant: a full queue drops the event right
// away instead of holding the caller, which may be inside a document's
// critical section. The change is already durable before it gets here.
func (d *Dispatcher) TryEnqueue(evt ChangeEvent) error {
	select {
	case d.queue <- evt:
		return nil
	default:
		return ErrDispatchQueueFull
	}
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

func (d *Dispatcher) workerLoop(workerID int) {
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt ChangeEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// workers may wait indefinitely, the edit path is not behind this
			_ = d.sem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			log.Printf("kafka send failed, drop event doc=%s seq=%d worker=%d err=%v",
				evt.DocID, evt.Sequence, workerID, err)
			return
		}

		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(evt ChangeEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID), // keyed by docId so one document stays on one partition
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
