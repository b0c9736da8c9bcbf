// Package locks provides per-schedule mutual exclusion for the coordinator.
// The local locker serializes within one process; the redis locker extends
// the same guarantee across processes sharing one store.
package locks

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAcquired is returned when a schedule lock could not be taken.
var ErrNotAcquired = errors.New("schedule lock not acquired")

// Lock is a held schedule lock.
type Lock interface {
	// Key returns the schedule id the lock guards.
	Key() string

	// Release gives the lock up. Releasing twice is a no-op.
	Release(ctx context.Context) error
}

// ScheduleLocker hands out exclusive locks keyed by schedule id.
type ScheduleLocker interface {
	// Acquire blocks until the lock is held or ctx is done.
	Acquire(ctx context.Context, scheduleID string) (Lock, error)

	// Close releases every lock still held by this locker.
	Close() error
}

// LocalLocker is an in-process ScheduleLocker.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

// Acquire waits for the schedule's slot.
func (l *LocalLocker) Acquire(ctx context.Context, scheduleID string) (Lock, error) {
	l.mu.Lock()
	s, ok := l.slots[scheduleID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[scheduleID] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return &localLock{locker: l, key: scheduleID, slot: s}, nil
	case <-ctx.Done():
		l.unref(scheduleID, s)
		return nil, errors.Join(ErrNotAcquired, ctx.Err())
	}
}

func (l *LocalLocker) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Held returns the number of schedules with a holder or waiter.
func (l *LocalLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// Close is a no-op; local locks die with the process.
func (l *LocalLocker) Close() error {
	return nil
}

type localLock struct {
	locker *LocalLocker
	key    string
	slot   *slot
	once   sync.Once
}

func (k *localLock) Key() string { return k.key }

func (k *localLock) Release(context.Context) error {
	k.once.Do(func() {
		<-k.slot.ch
		k.locker.unref(k.key, k.slot)
	})
	return nil
}

// NoopLocker grants every lock immediately.
type NoopLocker struct{}

// Acquire returns a lock that guards nothing.
func (NoopLocker) Acquire(_ context.Context, scheduleID string) (Lock, error) {
	return noopLock(scheduleID), nil
}

// Close does nothing.
func (NoopLocker) Close() error { return nil }

type noopLock string

func (n noopLock) Key() string                 { return string(n) }
func (noopLock) Release(context.Context) error { return nil }
