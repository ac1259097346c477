package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// Manager assigns entities to stable hash buckets. User buckets spread
// the users table across Scylla partitions; date buckets partition the
// audit history.
type Manager struct {
	userBuckets int
	hasherPool  sync.Pool
}

func NewManager(userBuckets int) *Manager {
	if userBuckets <= 0 {
		userBuckets = 100
	}
	m := &Manager{userBuckets: userBuckets}
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return m
}

// UserBucket returns the stable bucket (0..userBuckets-1) for a user id.
func (m *Manager) UserBucket(userID string) int {
	return int(m.hash(userID) % uint64(m.userBuckets))
}

// DateBucket returns the UTC day partition key for time-series rows.
func (m *Manager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// UserBuckets returns the configured bucket count.
func (m *Manager) UserBuckets() int {
	return m.userBuckets
}

func (m *Manager) hash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
