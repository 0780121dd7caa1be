package redlock

import (
	"context"
	"fmt"
	"time"

	"github.com/cellmark/cellmark/resync"
	"github.com/redis/go-redis/v9"
)

const (
	unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

// Locker is a single-key lease. Only the holder's value can renew or release it.
type Locker struct {
	client redis.UniversalClient
	key    string
	value  string
}

func NewLocker(client redis.UniversalClient, key, value string) *Locker {
	return &Locker{client: client, key: key, value: value}
}

func (l *Locker) Key() string {
	return l.key
}

func (l *Locker) Lock(ctx context.Context, timeout time.Duration) error {
	success, err := l.client.SetNX(ctx, l.key, l.value, timeout).Result()
	if err != nil {
		return err
	}
	if !success {
		return fmt.Errorf("lock for key %s is already held", l.key)
	}
	return nil
}

func (l *Locker) Unlock(ctx context.Context) error {
	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("unlock failed, either lock expired or you're not the lock holder for key %s", l.key)
	}
	return nil
}

func (l *Locker) ExtendLock(ctx context.Context, extension time.Duration) error {
	result, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.value, fmt.Sprintf("%d", extension.Milliseconds())).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("lock extension failed for key %s, either lock expired or you're not the holder", l.key)
	}
	return nil
}

// WatchLeases hands out one lease per watched asset so that a single process
// runs the resync loop of an asset at a time.
type WatchLeases struct {
	client redis.UniversalClient
	owner  string
}

func NewWatchLeases(client redis.UniversalClient, owner string) *WatchLeases {
	return &WatchLeases{client: client, owner: owner}
}

func WatchKey(assetID string) string {
	return "cellmark:watch:" + assetID
}

// Acquire takes the asset's lease for ttl. The coordinator extends it every tick.
func (w *WatchLeases) Acquire(ctx context.Context, assetID string, ttl time.Duration) (resync.Lease, error) {
	l := NewLocker(w.client, WatchKey(assetID), w.owner)
	if err := l.Lock(ctx, ttl); err != nil {
		return nil, err
	}
	return l, nil
}

// Holder returns the owner currently holding the asset's lease, or "" when nobody does.
func (w *WatchLeases) Holder(ctx context.Context, assetID string) (string, error) {
	owner, err := w.client.Get(ctx, WatchKey(assetID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return owner, err
}
