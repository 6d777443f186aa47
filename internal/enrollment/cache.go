package enrollment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"faceattend/internal/embedding"
	"faceattend/internal/matcher"
)

// KnownSetCache caches known sets per cohort. Implementations must tolerate
// misses; the repository stays the source of truth.
//
// Every invalidation bumps the cohort's generation. Callers read the
// generation before loading from the repository and hand it to Set, which
// drops the write when an invalidation happened in between.
type KnownSetCache interface {
	Get(ctx context.Context, cohort string) (matcher.KnownSet, bool)
	Generation(ctx context.Context, cohort string) (int64, error)
	Set(ctx context.Context, cohort string, gen int64, ks matcher.KnownSet)
	// Invalidate drops the given cohorts and the all-cohorts entry.
	Invalidate(ctx context.Context, cohorts ...string)
}

const (
	knownSetPrefix   = "faceattend:knownset:set:"
	generationPrefix = "faceattend:knownset:gen:"
	allCohorts       = "_all"
	knownSetHeader   = "v1"
)

var errStaleGeneration = errors.New("known set generation changed")

func cohortName(cohort string) string {
	if cohort == "" {
		return allCohorts
	}
	return cohort
}

func cohortKey(cohort string) string { return knownSetPrefix + cohortName(cohort) }

func generationKey(cohort string) string { return generationPrefix + cohortName(cohort) }

// invalidated lists the cohorts an invalidation of cohorts touches.
func invalidated(cohorts []string) []string {
	out := []string{""}
	for _, cohort := range cohorts {
		if cohort != "" {
			out = append(out, cohort)
		}
	}
	return out
}

// RedisCache stores each known set as a list: a version header followed by
// "<identity>\x00<encoded embedding>" entries in known-set order.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logrus.Logger
}

// NewRedisCache creates a cache with the given entry TTL.
func NewRedisCache(client *redis.Client, ttl time.Duration, log *logrus.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisCache{client: client, ttl: ttl, log: log}
}

// Get returns the cached set. Any redis or decode failure is a miss.
func (c *RedisCache) Get(ctx context.Context, cohort string) (matcher.KnownSet, bool) {
	vals, err := c.client.LRange(ctx, cohortKey(cohort), 0, -1).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.WithFields(logrus.Fields{"cohort": cohort, "error": err.Error()}).Warn("known set cache read failed")
		}
		return matcher.KnownSet{}, false
	}
	if len(vals) == 0 || vals[0] != knownSetHeader {
		return matcher.KnownSet{}, false
	}
	ks := matcher.KnownSet{
		Embeddings: make([][]float32, 0, len(vals)-1),
		Identities: make([]string, 0, len(vals)-1),
	}
	for _, v := range vals[1:] {
		key, blob, ok := strings.Cut(v, "\x00")
		if !ok {
			return matcher.KnownSet{}, false
		}
		vec, err := embedding.Decode([]byte(blob))
		if err != nil {
			c.log.WithFields(logrus.Fields{"cohort": cohort, "error": err.Error()}).Warn("known set cache entry corrupt")
			return matcher.KnownSet{}, false
		}
		ks.Identities = append(ks.Identities, key)
		ks.Embeddings = append(ks.Embeddings, vec)
	}
	return ks, true
}

// Generation reads the cohort's invalidation counter. A missing counter is 0.
func (c *RedisCache) Generation(ctx context.Context, cohort string) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey(cohort)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Set replaces the cached set atomically unless the generation moved past gen.
func (c *RedisCache) Set(ctx context.Context, cohort string, gen int64, ks matcher.KnownSet) {
	entries := make([]interface{}, 0, ks.Len()+1)
	entries = append(entries, knownSetHeader)
	for i, vec := range ks.Embeddings {
		blob, err := embedding.Encode(vec)
		if err != nil {
			return
		}
		entries = append(entries, ks.Identities[i]+"\x00"+string(blob))
	}
	key, genKey := cohortKey(cohort), generationKey(cohort)
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStaleGeneration
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.RPush(ctx, key, entries...)
			pipe.Expire(ctx, key, c.ttl)
			return nil
		})
		return err
	}, genKey)
	switch {
	case err == nil:
	case errors.Is(err, errStaleGeneration), errors.Is(err, redis.TxFailedErr):
		c.log.WithField("cohort", cohort).Debug("known set changed while loading, not cached")
	default:
		c.log.WithFields(logrus.Fields{"cohort": cohort, "error": err.Error()}).Warn("known set cache write failed")
	}
}

// Invalidate bumps the generations and deletes the cohorts' entries.
func (c *RedisCache) Invalidate(ctx context.Context, cohorts ...string) {
	touched := invalidated(cohorts)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, cohort := range touched {
			pipe.Incr(ctx, generationKey(cohort))
			pipe.Del(ctx, cohortKey(cohort))
		}
		return nil
	})
	if err != nil {
		c.log.WithFields(logrus.Fields{"cohorts": touched, "error": err.Error()}).Warn("known set cache invalidate failed")
	}
}

type memoryEntry struct {
	ks      matcher.KnownSet
	expires time.Time
}

// MemoryCache is a process-local KnownSetCache.
type MemoryCache struct {
	mu          sync.Mutex
	ttl         time.Duration
	entries     map[string]memoryEntry
	generations map[string]int64
}

// NewMemoryCache creates a cache with the given entry TTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MemoryCache{ttl: ttl, entries: make(map[string]memoryEntry), generations: make(map[string]int64)}
}

func (c *MemoryCache) Get(_ context.Context, cohort string) (matcher.KnownSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cohortName(cohort)]
	if !ok || time.Now().After(e.expires) {
		return matcher.KnownSet{}, false
	}
	return e.ks, true
}

func (c *MemoryCache) Generation(_ context.Context, cohort string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[cohortName(cohort)], nil
}

func (c *MemoryCache) Set(_ context.Context, cohort string, gen int64, ks matcher.KnownSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := cohortName(cohort)
	if c.generations[name] != gen {
		return
	}
	c.entries[name] = memoryEntry{ks: ks, expires: time.Now().Add(c.ttl)}
}

func (c *MemoryCache) Invalidate(_ context.Context, cohorts ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cohort := range invalidated(cohorts) {
		name := cohortName(cohort)
		c.generations[name]++
		delete(c.entries, name)
	}
}

type noCache struct{}

func (noCache) Get(context.Context, string) (matcher.KnownSet, bool) { return matcher.KnownSet{}, false }
func (noCache) Generation(context.Context, string) (int64, error)    { return 0, nil }
func (noCache) Set(context.Context, string, int64, matcher.KnownSet) {}
func (noCache) Invalidate(context.Context, ...string)                {}
