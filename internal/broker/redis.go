package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed broker.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`

	// Visibility is how long a delivered-but-unacked entry stays
	// invisible before another consumer may claim it.
	Visibility time.Duration `toml:"visibility"`
	// Block is how long a Receive waits for an entry before returning
	// empty-handed.
	Block time.Duration `toml:"block"`
}

// Redis implements Broker on Redis streams with consumer groups. Each
// priority gets its own stream; consumers read the streams highest
// priority first, which realizes priority as a best-effort sort hint.
// Pending entries whose consumer died are reclaimed via XAUTOCLAIM
// after the visibility timeout.
type Redis struct {
	client     *redis.Client
	group      string
	visibility time.Duration
	block      time.Duration
}

var _ Broker = (*Redis)(nil)

const redisGroup = "mailflow"

// NewRedis connects to Redis and prepares the consumer groups for both
// well-known queues.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Visibility <= 0 {
		cfg.Visibility = 60 * time.Second
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis broker: %w", err)
	}

	b := &Redis{
		client:     client,
		group:      redisGroup,
		visibility: cfg.Visibility,
		block:      cfg.Block,
	}

	for _, queue := range []string{OutgoingQueue, StatusQueue} {
		for p := 0; p <= MaxPriority; p++ {
			if err := b.ensureGroup(ctx, b.streamKey(queue, p)); err != nil {
				client.Close()
				return nil, err
			}
		}
	}
	return b, nil
}

func (b *Redis) streamKey(queue string, priority int) string {
	return fmt.Sprintf("mailflow:broker:{%s}:p%d", queue, priority)
}

func (b *Redis) ensureGroup(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group on %s: %w", stream, err)
	}
	return nil
}

func (b *Redis) Publish(ctx context.Context, queue string, payload []byte, priority int) error {
	if priority < 0 {
		priority = 0
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}

	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(queue, priority),
		Values: map[string]interface{}{"body": string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

func (b *Redis) Receive(ctx context.Context, queue, consumer string) (*Delivery, error) {
	// Reclaim abandoned entries first, highest priority down.
	for p := MaxPriority; p >= 0; p-- {
		stream := b.streamKey(queue, p)
		msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    b.group,
			Consumer: consumer,
			MinIdle:  b.visibility,
			Start:    "0",
			Count:    1,
		}).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("failed to reclaim from %s: %w", stream, err)
		}
		if len(msgs) > 0 {
			return b.delivery(stream, msgs[0]), nil
		}
	}

	// Fresh entries. Streams are listed highest priority first; Redis
	// collects entries in key order, so p3 drains before p0.
	streams := make([]string, 0, (MaxPriority+1)*2)
	for p := MaxPriority; p >= 0; p-- {
		streams = append(streams, b.streamKey(queue, p))
	}
	for p := 0; p <= MaxPriority; p++ {
		streams = append(streams, ">")
	}

	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: consumer,
		Streams:  streams,
		Count:    1,
		Block:    b.block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from %s: %w", queue, err)
	}

	for _, st := range res {
		if len(st.Messages) > 0 {
			return b.delivery(st.Stream, st.Messages[0]), nil
		}
	}
	return nil, nil
}

func (b *Redis) delivery(stream string, msg redis.XMessage) *Delivery {
	body, _ := msg.Values["body"].(string)
	return &Delivery{
		Body: []byte(body),
		AckFn: func(ctx context.Context) error {
			if err := b.client.XAck(ctx, stream, b.group, msg.ID).Err(); err != nil {
				return fmt.Errorf("failed to ack %s on %s: %w", msg.ID, stream, err)
			}
			return b.client.XDel(ctx, stream, msg.ID).Err()
		},
		NackFn: func(ctx context.Context) error {
			// Requeue immediately rather than waiting out the
			// visibility timeout.
			pipe := b.client.TxPipeline()
			pipe.XAck(ctx, stream, b.group, msg.ID)
			pipe.XDel(ctx, stream, msg.ID)
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: msg.Values})
			_, err := pipe.Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to nack %s on %s: %w", msg.ID, stream, err)
			}
			return nil
		},
	}
}

func (b *Redis) Close() error { return b.client.Close() }
