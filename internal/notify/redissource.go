package notify

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/errors"
)

const defaultRedisPoll = 500 * time.Millisecond

// RedisSource listens with SUBSCRIBE on a dedicated Redis client.
type RedisSource struct {
	Options *redis.Options
	// Poll bounds each blocking read so cancellation is observed.
	Poll time.Duration
}

func (s RedisSource) Dial(ctx context.Context) (Conn, error) {
	if s.Options == nil {
		return nil, errors.New("redis options are required")
	}
	client := redis.NewClient(s.Options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}

	poll := s.Poll
	if poll <= 0 {
		poll = defaultRedisPoll
	}
	return &redisConn{
		client: client,
		pubsub: client.Subscribe(ctx),
		poll:   poll,
	}, nil
}

type redisConn struct {
	client *redis.Client
	pubsub *redis.PubSub
	poll   time.Duration
	// messages read while waiting for a subscribe confirmation
	buffered []Notification
}

// Listen subscribes and waits for the server confirmation, so a publish
// issued after Listen returns is delivered.
func (c *redisConn) Listen(ctx context.Context, channel string) error {
	if err := c.pubsub.Subscribe(ctx, channel); err != nil {
		return errors.Wrap(err, "subscribe")
	}
	for {
		msg, err := c.receive(ctx)
		if err != nil {
			return errors.Wrap(err, "wait subscribe confirmation")
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" && m.Channel == channel {
				return nil
			}
		case *redis.Message:
			c.buffered = append(c.buffered, Notification{Channel: m.Channel, Payload: m.Payload})
		}
	}
}

func (c *redisConn) Unlisten(ctx context.Context, channel string) error {
	if err := c.pubsub.Unsubscribe(ctx, channel); err != nil {
		return errors.Wrap(err, "unsubscribe")
	}
	return nil
}

func (c *redisConn) Receive(ctx context.Context) (Notification, error) {
	if len(c.buffered) != 0 {
		n := c.buffered[0]
		c.buffered = c.buffered[1:]
		return n, nil
	}
	for {
		msg, err := c.receive(ctx)
		if err != nil {
			return Notification{}, err
		}
		if m, ok := msg.(*redis.Message); ok {
			return Notification{Channel: m.Channel, Payload: m.Payload}, nil
		}
	}
}

// receive reads one pubsub frame, polling so that ctx is honoured.
func (c *redisConn) receive(ctx context.Context) (any, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := c.pubsub.ReceiveTimeout(ctx, c.poll)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, err
		}
		return msg, nil
	}
}

func (c *redisConn) Close() error {
	err := c.pubsub.Close()
	if cerr := c.client.Close(); err == nil {
		err = cerr
	}
	return err
}
