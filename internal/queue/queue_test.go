package queue

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestSerializeIsBinarySafe(t *testing.T) {
	body := []byte{0xff, 0xd8, '|', 0x00, 0xc3, 0x28, 0xd9}
	got := deserialize(serialize(Message{Type: TypeFrame, Body: body}))
	if got.Type != TypeFrame || !bytes.Equal(got.Body, body) {
		t.Fatalf("round trip mangled message: %+v", got)
	}
	if raw := deserialize("no-separator"); raw.Type != "" || string(raw.Body) != "no-separator" {
		t.Fatalf("expected bare body, got %+v", raw)
	}
}

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewInMemory(1)
	if err := q.Publish(ctx, Message{Type: TypeFrame, Body: []byte("a")}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := q.Publish(ctx, Message{Type: TypeFrame}); err != ErrFull {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	ch, _ := q.Consume(ctx)
	select {
	case msg := <-ch:
		if string(msg.Body) != "a" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("consumer did not stop")
	}
}

func TestMemoryBrokerReusesQueues(t *testing.T) {
	b := NewMemoryBroker(4)
	if b.Queue(FramesKey("s1")) != b.Queue(FramesKey("s1")) {
		t.Fatalf("expected the same queue for the same key")
	}
	if b.Queue(FramesKey("s1")) == b.Queue(FramesKey("s2")) {
		t.Fatalf("expected distinct queues per key")
	}
}

func TestCheckinRoundTrip(t *testing.T) {
	in := Checkin{ID: "c1", SessionID: "s1", Image: []byte{1, 2, 3}}
	msg, err := in.Message()
	if err != nil || msg.Type != TypeCheckin {
		t.Fatalf("message: %+v %v", msg, err)
	}
	out, err := DecodeCheckin(msg)
	if err != nil || out.SessionID != "s1" || !bytes.Equal(out.Image, in.Image) {
		t.Fatalf("decode: %+v %v", out, err)
	}
}

func TestRedisQueueIntegration(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("set INTEGRATION_TESTS=1 to run redis integration tests")
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	key := FramesKey("itest-" + time.Now().Format("150405.000"))
	defer client.Del(context.Background(), key)

	q := NewRedisBroker(client, 2, time.Minute).Queue(key)
	for _, b := range []string{"1", "2", "3"} {
		if err := q.Publish(ctx, Message{Type: TypeFrame, Body: []byte(b)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	ch, _ := q.Consume(ctx)
	first := <-ch
	if string(first.Body) != "2" {
		t.Fatalf("expected oldest entry trimmed, got %q", first.Body)
	}
}
