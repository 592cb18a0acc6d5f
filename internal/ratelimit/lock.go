package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var (
	ErrLockHeld          = errors.New("lock_held")
	ErrLockNotConfigured = errors.New("lock_not_configured")
	ErrInvalidLease      = errors.New("invalid_lock_lease")
)

// compare-and-delete: a lease never removes a key that expired and was
// taken by another holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// compare-and-expire for lease extension.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker hands out exclusive, expiring leases on redis keys. The scheduler
// uses it so one instance runs each job at a time.
type Locker struct {
	client *redis.Client
	prefix string
}

// NewLocker returns nil without a redis client; callers treat a nil Locker
// as "run unlocked".
func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client, prefix: "meterly:lock:"}
}

// Lease is a held lock. Release and Extend only act while the key still
// carries this lease's token.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire takes the lock for name, or returns ErrLockHeld.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockNotConfigured
	}
	if name == "" || ttl <= 0 {
		return nil, ErrInvalidLease
	}

	lease := &Lease{client: l.client, key: l.prefix + name, token: uuid.NewString()}
	ok, err := l.client.SetNX(ctx, lease.key, lease.token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return lease, nil
}

// Key is the redis key backing the lease.
func (l *Lease) Key() string {
	if l == nil {
		return ""
	}
	return l.key
}

// Extend pushes the expiry out by ttl. It returns ErrLockHeld when the lease
// was lost to expiry.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	if l == nil || ttl <= 0 {
		return ErrInvalidLease
	}
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockHeld
	}
	return nil
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
