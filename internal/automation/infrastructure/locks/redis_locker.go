package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultKeyPrefix namespaces schedule locks in redis.
	DefaultKeyPrefix = "automata:schedule:"

	// DefaultExpiry bounds how long a crashed holder blocks a schedule.
	DefaultExpiry = 30 * time.Second
)

// RedisLockerConfig configures a RedisLocker.
type RedisLockerConfig struct {
	KeyPrefix string
	Expiry    time.Duration
	Logger    *slog.Logger
}

// RedisLocker implements ScheduleLocker with the Redlock algorithm from
// redsync. Held locks are extended in the background at a third of their
// expiry until released.
type RedisLocker struct {
	rs     *redsync.Redsync
	prefix string
	expiry time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	held map[*redisLock]struct{}
}

// NewRedisLocker creates a locker backed by client.
func NewRedisLocker(client redis.UniversalClient, cfg RedisLockerConfig) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: cfg.KeyPrefix,
		expiry: cfg.Expiry,
		logger: cfg.Logger,
		held:   make(map[*redisLock]struct{}),
	}, nil
}

// Acquire takes the redis mutex for the schedule, retrying until ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, scheduleID string) (Lock, error) {
	mutex := l.rs.NewMutex(l.prefix+scheduleID,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1<<16),
		redsync.WithRetryDelay(25*time.Millisecond),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, scheduleID, err)
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	lock := &redisLock{
		locker: l,
		key:    scheduleID,
		mutex:  mutex,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	l.mu.Lock()
	l.held[lock] = struct{}{}
	l.mu.Unlock()

	go lock.renew(renewCtx, l.expiry/3)
	return lock, nil
}

// Held returns the number of locks this process currently holds.
func (l *RedisLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// Close releases every lock still held.
func (l *RedisLocker) Close() error {
	l.mu.Lock()
	locks := make([]*redisLock, 0, len(l.held))
	for lock := range l.held {
		locks = append(locks, lock)
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for _, lock := range locks {
		if err := lock.Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type redisLock struct {
	locker *RedisLocker
	key    string
	mutex  *redsync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (k *redisLock) Key() string { return k.key }

func (k *redisLock) renew(ctx context.Context, every time.Duration) {
	defer close(k.done)
	if every < 100*time.Millisecond {
		every = 100 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			ok, err := k.mutex.ExtendContext(extendCtx)
			cancel()
			if err != nil || !ok {
				if ctx.Err() != nil {
					return
				}
				k.locker.logger.Warn("schedule lock lost", "schedule_id", k.key, "error", err)
				return
			}
		}
	}
}

// Release stops renewal and deletes the redis key if this holder still owns it.
func (k *redisLock) Release(ctx context.Context) error {
	var err error
	k.once.Do(func() {
		k.cancel()
		<-k.done

		k.locker.mu.Lock()
		delete(k.locker.held, k)
		k.locker.mu.Unlock()

		var ok bool
		ok, err = k.mutex.UnlockContext(ctx)
		if err == nil && !ok {
			err = fmt.Errorf("schedule lock %s expired before release", k.key)
		}
	})
	return err
}
