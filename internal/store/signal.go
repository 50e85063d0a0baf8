package store

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"
)

// Signal is one change notification produced by a write.
type Signal struct {
	Channel string
	Payload string
}

// Signaler publishes change signals for committed writes.
type Signaler interface {
	// Stage runs inside the write transaction.
	Stage(ctx context.Context, tx *gorm.DB, sig Signal) error
	// Flush runs once the transaction has committed.
	Flush(ctx context.Context, sigs []Signal)
}

// PostgresSignaler issues pg_notify inside the transaction. PostgreSQL only
// delivers the notification on commit, and drops it on rollback.
type PostgresSignaler struct{}

func (PostgresSignaler) Stage(ctx context.Context, tx *gorm.DB, sig Signal) error {
	if err := tx.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", sig.Channel, sig.Payload).Error; err != nil {
		return errors.Wrapf(err, "pg_notify %s", sig.Channel)
	}
	return nil
}

func (PostgresSignaler) Flush(ctx context.Context, sigs []Signal) {}

// RedisSignaler publishes after commit. A crash between commit and publish
// loses the signal; listeners recover on their next resync.
type RedisSignaler struct {
	Client *redis.Client
}

func (s RedisSignaler) Stage(ctx context.Context, tx *gorm.DB, sig Signal) error {
	return nil
}

func (s RedisSignaler) Flush(ctx context.Context, sigs []Signal) {
	for _, sig := range sigs {
		if err := s.Client.Publish(ctx, sig.Channel, sig.Payload).Err(); err != nil {
			logs.Errorf("store: publish %s, err: %+v", sig.Channel, err)
		}
	}
}
