package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message types carried on the queues.
const (
	TypeFrame   = "frame"
	TypeCheckin = "checkin"
	// TypeEnd tells a frame consumer that the device stopped sending.
	TypeEnd = "end"
)

// Key prefixes for redis lists.
const (
	FramesPrefix = "faceattend:frames:"
	UploadsKey   = "faceattend:uploads"
)

// Message represents work to be processed.
type Message struct {
	Type string
	Body []byte
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// Broker hands out named queues.
type Broker interface {
	Queue(key string) Queue
}

// FramesKey names the per-session frame queue.
func FramesKey(sessionID string) string { return FramesPrefix + sessionID }

// ErrFull is returned when a bounded in-memory queue cannot take more work.
var ErrFull = errors.New("queue full")

// InMemory is a minimal channel-backed queue for dev/testing.
type InMemory struct {
	ch chan Message
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	if size <= 0 {
		size = 64
	}
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message without blocking; a full queue yields ErrFull.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrFull
	}
}

// Consume returns a channel for workers. It closes when ctx is done.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// MemoryBroker keeps one InMemory queue per key.
type MemoryBroker struct {
	mu     sync.Mutex
	size   int
	queues map[string]*InMemory
}

// NewMemoryBroker creates queues of the given capacity on demand.
func NewMemoryBroker(size int) *MemoryBroker {
	return &MemoryBroker{size: size, queues: make(map[string]*InMemory)}
}

// Queue returns the queue for key, creating it on first use.
func (b *MemoryBroker) Queue(key string) Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[key]
	if !ok {
		q = NewInMemory(b.size)
		b.queues[key] = q
	}
	return q
}

// RedisQueue implements a simple Redis list-backed queue.
type RedisQueue struct {
	client *redis.Client
	key    string
	// MaxLen caps the list; the oldest entries are dropped. Zero means unbounded.
	MaxLen int64
	// TTL expires an idle list. Zero means never.
	TTL time.Duration
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = UploadsKey
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues a message.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	if q.MaxLen <= 0 && q.TTL <= 0 {
		return q.client.LPush(ctx, q.key, serialize(msg)).Err()
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.key, serialize(msg))
		if q.MaxLen > 0 {
			pipe.LTrim(ctx, q.key, 0, q.MaxLen-1)
		}
		if q.TTL > 0 {
			pipe.Expire(ctx, q.key, q.TTL)
		}
		return nil
	})
	return err
}

// Consume streams messages using BRPOP.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					// back off on connection errors
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					}
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			select {
			case out <- deserialize(res[1]):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisBroker hands out RedisQueues sharing one client.
type RedisBroker struct {
	client *redis.Client
	maxLen int64
	ttl    time.Duration
}

// NewRedisBroker creates queues capped at maxLen entries that expire after ttl idle.
func NewRedisBroker(client *redis.Client, maxLen int64, ttl time.Duration) *RedisBroker {
	return &RedisBroker{client: client, maxLen: maxLen, ttl: ttl}
}

// Queue returns the queue stored under key.
func (b *RedisBroker) Queue(key string) Queue {
	q := NewRedisQueue(b.client, key)
	q.MaxLen = b.maxLen
	q.TTL = b.ttl
	return q
}

// serialize stores messages as Type|Body. Types never contain '|'; bodies may
// hold arbitrary bytes.
func serialize(msg Message) string {
	return msg.Type + "|" + string(msg.Body)
}

func deserialize(s string) Message {
	typ, body, ok := strings.Cut(s, "|")
	if !ok {
		return Message{Body: []byte(s)}
	}
	return Message{Type: typ, Body: []byte(body)}
}
