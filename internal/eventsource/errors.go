package eventsource

import (
	"errors"
	"fmt"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrEventStore          = errors.New("event store error")
	ErrCorruptedStream     = errors.New("corrupted event stream")
)

// ConcurrencyConflictError: ожидаемая версия не совпала с фактической.
// errors.Is(err, ErrConcurrencyConflict) == true.
type ConcurrencyConflictError struct {
	Expected uint64
	Actual   uint64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict: expected version %d, actual %d", e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// StoreError оборачивает сбой транспорта/хранилища в ErrEventStore.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrEventStore, op, err)
}
