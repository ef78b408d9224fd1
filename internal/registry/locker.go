// Package registry tracks which job holds each document and which jobs are running in this process.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker grants at most one job a lease on a document.
type Locker interface {
	// Acquire takes the document lease for jobID. It returns false when another job holds it.
	// Re-acquiring a lease already held by jobID succeeds and refreshes it.
	Acquire(ctx context.Context, documentID, jobID string, ttl time.Duration) (bool, error)
	// Refresh extends the lease if jobID still holds it.
	Refresh(ctx context.Context, documentID, jobID string, ttl time.Duration) (bool, error)
	// Release drops the lease if jobID holds it.
	Release(ctx context.Context, documentID, jobID string) error
	// Holder returns the job currently holding the document, if any.
	Holder(ctx context.Context, documentID string) (string, bool, error)
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

type lease struct {
	jobID   string
	expires time.Time
}

// NewMemoryLocker returns an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]lease), now: time.Now}
}

func (m *MemoryLocker) current(documentID string) (lease, bool) {
	l, ok := m.leases[documentID]
	if !ok {
		return lease{}, false
	}
	if ttlSet(l.expires) && !m.now().Before(l.expires) {
		delete(m.leases, documentID)
		return lease{}, false
	}
	return l, true
}

func (m *MemoryLocker) Acquire(_ context.Context, documentID, jobID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.current(documentID); ok && l.jobID != jobID {
		return false, nil
	}
	m.leases[documentID] = lease{jobID: jobID, expires: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryLocker) Refresh(_ context.Context, documentID, jobID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.current(documentID)
	if !ok || l.jobID != jobID {
		return false, nil
	}
	m.leases[documentID] = lease{jobID: jobID, expires: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryLocker) Release(_ context.Context, documentID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[documentID]; ok && l.jobID == jobID {
		delete(m.leases, documentID)
	}
	return nil
}

func (m *MemoryLocker) Holder(_ context.Context, documentID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.current(documentID)
	return l.jobID, ok, nil
}

func (m *MemoryLocker) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func ttlSet(t time.Time) bool { return !t.IsZero() }

// RedisLocker stores leases as keys with a PX expiry so they survive worker restarts
// and are shared between the API and worker processes.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker builds a locker on client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "redact:lock:doc:"}
}

func (r *RedisLocker) key(documentID string) string { return r.prefix + documentID }

func (r *RedisLocker) Acquire(ctx context.Context, documentID, jobID string, ttl time.Duration) (bool, error) {
	res, err := acquireScript.Run(ctx, r.client, []string{r.key(documentID)}, jobID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (r *RedisLocker) Refresh(ctx context.Context, documentID, jobID string, ttl time.Duration) (bool, error) {
	res, err := refreshScript.Run(ctx, r.client, []string{r.key(documentID)}, jobID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (r *RedisLocker) Release(ctx context.Context, documentID, jobID string) error {
	return releaseScript.Run(ctx, r.client, []string{r.key(documentID)}, jobID).Err()
}

func (r *RedisLocker) Holder(ctx context.Context, documentID string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key(documentID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

var acquireScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if holder and holder ~= ARGV[1] then
  return 0
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
