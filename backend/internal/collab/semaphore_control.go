package collab

import (
	"context"
	"errors"
)

const defaultSemaphoreCapacity = 100

// SemaphoreControl bounds in-flight work (edit applies, Kafka sends) with a
// buffered channel. Acquire honors the caller's deadline so an overloaded
// path degrades with an explicit error instead of queueing forever.
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(capacity int) *SemaphoreControl {
	if capacity <= 0 {
		capacity = defaultSemaphoreCapacity
	}
	return &SemaphoreControl{ch: make(chan struct{}, capacity)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errors.New("release without matching acquire")
	}
}
