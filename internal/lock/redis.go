package lock

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultTTL is the Redis lock lease.
const DefaultTTL = 15 * time.Second

var (
	renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Redis is a lease-based lock on one Redis key. While held, the lease is renewed every third
// of its TTL; a failed renewal reports loss. While not held after an Acquire, it keeps trying.
type Redis struct {
	rdb   goredis.UniversalClient
	key   string
	ttl   time.Duration
	token string
	log   *slog.Logger

	mu       sync.Mutex
	held     bool
	handle   Handle
	handlers handlers
	stop     chan struct{}
	done     chan struct{}
}

var _ Locker = (*Redis)(nil)

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr string) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewRedis returns a lock on key. A non-positive ttl means DefaultTTL.
func NewRedis(rdb goredis.UniversalClient, key string, ttl time.Duration, log *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Redis{
		rdb:   rdb,
		key:   key,
		ttl:   ttl,
		token: uuid.NewString(),
		log:   log.With("component", "lock", "key", key),
	}
}

func (r *Redis) Acquire(ctx context.Context) (Handle, error) {
	r.mu.Lock()
	if r.held {
		h := r.handle
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	ok, err := r.tryAcquire(ctx)
	if err != nil {
		return Handle{}, fmt.Errorf("acquire %s: %w", r.key, err)
	}
	r.startLoop()
	if !ok {
		return Handle{}, ErrHeld
	}
	return r.Handle(), nil
}

func (r *Redis) OnLockChange(handler func(held bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

func (r *Redis) Release(ctx context.Context) error {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	r.mu.Lock()
	wasHeld := r.held
	r.held = false
	r.handle = Handle{}
	hs := slices.Clone(r.handlers)
	r.mu.Unlock()

	if !wasHeld {
		if stop == nil {
			return ErrNotHeld
		}
		return nil
	}
	if err := releaseScript.Run(ctx, r.rdb, []string{r.key}, r.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", r.key, err)
	}
	hs.notify(false)
	return nil
}

// Handle returns the current capability, invalid when not holding.
func (r *Redis) Handle() Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

func (r *Redis) tryAcquire(ctx context.Context) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.key, r.token, r.ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	r.setHeld(true)
	return true, nil
}

func (r *Redis) renew(ctx context.Context) bool {
	n, err := renewScript.Run(ctx, r.rdb, []string{r.key}, r.token, r.ttl.Milliseconds()).Int()
	if err != nil {
		r.log.Warn("lock renewal failed", "error", err)
		return false
	}
	return n == 1
}

func (r *Redis) setHeld(held bool) {
	r.mu.Lock()
	if r.held == held {
		r.mu.Unlock()
		return
	}
	r.held = held
	if held {
		r.handle = Handle{Name: r.key, Token: r.token, AcquiredAt: time.Now()}
	} else {
		r.handle = Handle{}
	}
	hs := slices.Clone(r.handlers)
	r.mu.Unlock()

	r.log.Info("lock state changed", "held", held)
	hs.notify(held)
}

func (r *Redis) startLoop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(r.stop, r.done)
}

func (r *Redis) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
		r.mu.Lock()
		held := r.held
		r.mu.Unlock()
		if held {
			if !r.renew(ctx) {
				r.setHeld(false)
			}
		} else if _, err := r.tryAcquire(ctx); err != nil {
			r.log.Warn("lock acquire retry failed", "error", err)
		}
		cancel()
	}
}
