package publish

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisQueue pushes messages onto the head of a Redis list. Consumers BRPOP
// the tail for FIFO order.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(addr, key string) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
	})

	// Redis may come up after us; pushes fail and are counted until it does.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warnf("Redis at %s not reachable yet: %v", addr, err)
	} else {
		log.Infof("Connected to Redis at %s, queue %q", addr, key)
	}

	return &RedisQueue{
		client: client,
		key:    key,
	}
}

func (q *RedisQueue) Push(ctx context.Context, msg []byte) error {
	return q.client.LPush(ctx, q.key, msg).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
