package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"guard-service/internal/config"
)

type BucketingManager struct {
	eventBuckets int
	hasherPool   sync.Pool
}

// BucketAssignment places one evidence record in the partitioned stores.
type BucketAssignment struct {
	EventBucket int    `json:"event_bucket"`
	TimeBucket  int64  `json:"time_bucket"`
	DateBucket  string `json:"date_bucket"`
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return newBucketingManager(cfg.Bucketing.EventBuckets)
}

func newBucketingManager(eventBuckets int) *BucketingManager {
	if eventBuckets <= 0 {
		eventBuckets = 1
	}
	bm := &BucketingManager{eventBuckets: eventBuckets}
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// GetEventBucket returns a stable bucket in [0, eventBuckets) for key.
func (bm *BucketingManager) GetEventBucket(key string) int {
	return int(bm.getHash(key) % uint64(bm.eventBuckets))
}

// GetTimeBucket floors at to the start of its window, in unix seconds.
func (bm *BucketingManager) GetTimeBucket(at time.Time, window time.Duration) int64 {
	seconds := int64(window / time.Second)
	if seconds <= 0 {
		return at.Unix()
	}
	return at.Unix() / seconds * seconds
}

func (bm *BucketingManager) GetDateBucket(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) Assign(key string, at time.Time, window time.Duration) BucketAssignment {
	return BucketAssignment{
		EventBucket: bm.GetEventBucket(key),
		TimeBucket:  bm.GetTimeBucket(at, window),
		DateBucket:  bm.GetDateBucket(at),
	}
}

func (bm *BucketingManager) GetEventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
