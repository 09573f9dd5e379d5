// Package lease provides exclusivity claims so that at most one runner progresses
// a given entity at a time.
package lease

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrHeld = errors.New("lease held by another runner")
	// ErrLost means the claim expired or was taken over before it could be extended.
	ErrLost = errors.New("lease lost")
)

// Lease is a claim on a key. Release is safe to call more than once.
type Lease interface {
	Key() string
	// Extend pushes the expiry to ttl from now, provided the claim is still ours.
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// LocalLocker hands out in-process claims. Expired claims are taken over, so a
// crashed holder cannot wedge a key forever.
type LocalLocker struct {
	mu     sync.Mutex
	held   map[string]localClaim
	nowFn  func() time.Time
	defTTL time.Duration
}

type localClaim struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held:   make(map[string]localClaim),
		nowFn:  time.Now,
		defTTL: time.Minute,
	}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("lease key is required")
	}
	if ttl <= 0 {
		ttl = l.defTTL
	}
	now := l.nowFn()

	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, ErrHeld
	}
	token := uuid.NewString()
	l.held[key] = localClaim{token: token, expires: now.Add(ttl)}
	return &localLease{locker: l, key: key, token: token}, nil
}

// Held reports whether key is currently claimed.
func (l *LocalLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.held[key]
	return ok && l.nowFn().Before(cur.expires)
}

func (l *LocalLocker) extend(key, token string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = l.defTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.held[key]
	if !ok || cur.token != token {
		return ErrLost
	}
	cur.expires = l.nowFn().Add(ttl)
	l.held[key] = cur
	return nil
}

func (l *LocalLocker) release(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[key]; ok && cur.token == token {
		delete(l.held, key)
	}
}

type localLease struct {
	locker *LocalLocker
	key    string
	token  string
	once   sync.Once
}

func (l *localLease) Key() string { return l.key }

func (l *localLease) Extend(ctx context.Context, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.locker.extend(l.key, l.token, ttl)
}

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() { l.locker.release(l.key, l.token) })
	return nil
}

// KeepAlive extends l every ttl/3 until stop is called. onLost runs at most
// once: when the claim is gone, or when extensions kept failing for a full ttl
// so the claim must be assumed expired. stop waits for the renewer to exit.
func KeepAlive(ctx context.Context, l Lease, ttl time.Duration, onLost func(error)) (stop func()) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		lastOK := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := l.Extend(ctx, ttl)
			if err == nil {
				lastOK = time.Now()
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrLost) || time.Since(lastOK) >= ttl {
				if onLost != nil {
					onLost(err)
				}
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
