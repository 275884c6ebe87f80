package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// AccountLocker serializes writers per account across a whole disbursement.
// Locks are always taken in ascending account id order; release frees them all.
// Failing to get every lock before ctx ends is ErrConcurrentModification.
type AccountLocker interface {
	LockAccounts(ctx context.Context, accountIds []int) (release func(), err error)
}

func sortedAccountIds(ids []int) []int {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// NoopAccountLocker relies on the store's row locks alone.
type NoopAccountLocker struct{}

func (NoopAccountLocker) LockAccounts(context.Context, []int) (func(), error) {
	return func() {}, nil
}

// LocalAccountLocker serializes within one process.
type LocalAccountLocker struct {
	mu    sync.Mutex
	slots map[int]chan struct{}
}

func NewLocalAccountLocker() *LocalAccountLocker {
	return &LocalAccountLocker{slots: make(map[int]chan struct{})}
}

func (l *LocalAccountLocker) slot(id int) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[id] = ch
	}
	return ch
}

func (l *LocalAccountLocker) LockAccounts(ctx context.Context, accountIds []int) (func(), error) {
	ids := sortedAccountIds(accountIds)
	held := make([]chan struct{}, 0, len(ids))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}
	for _, id := range ids {
		ch := l.slot(id)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			release()
			return nil, fmt.Errorf("%w: waiting for account %d: %v", models.ErrConcurrentModification, id, ctx.Err())
		}
	}
	return release, nil
}

// RedisAccountLocker serializes across instances with redislock.
type RedisAccountLocker struct {
	client *redislock.Client
	ttl    time.Duration
	logger *logrus.Logger
}

func NewRedisAccountLocker(client *redislock.Client, ttl time.Duration, logger *logrus.Logger) *RedisAccountLocker {
	return &RedisAccountLocker{client: client, ttl: ttl, logger: logger}
}

func accountLockKey(id int) string {
	return fmt.Sprintf("pagu:account-lock:%d", id)
}

func (l *RedisAccountLocker) LockAccounts(ctx context.Context, accountIds []int) (func(), error) {
	ids := sortedAccountIds(accountIds)
	held := make([]*redislock.Lock, 0, len(ids))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			// release must work even when the caller's ctx is already done
			if err := held[i].Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) && l.logger != nil {
				l.logger.WithFields(logrus.Fields{
					"field": "RedisAccountLocker",
					"key":   held[i].Key(),
				}).Warn("release account lock: " + err.Error())
			}
		}
	}
	for _, id := range ids {
		lock, err := l.client.Obtain(ctx, accountLockKey(id), l.ttl, &redislock.Options{
			RetryStrategy: redislock.LinearBackoff(25 * time.Millisecond),
		})
		if err != nil {
			release()
			if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, fmt.Errorf("%w: account %d is locked", models.ErrConcurrentModification, id)
			}
			return nil, err
		}
		held = append(held, lock)
	}
	return release, nil
}
