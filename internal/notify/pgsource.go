package notify

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/yanun0323/errors"

	"watchsync/pkg/conn"
)

const closeTimeout = 5 * time.Second

// PostgresSource listens with LISTEN/NOTIFY on a dedicated pgx connection
// that never comes from the pool.
type PostgresSource struct {
	Option conn.Option
}

func (s PostgresSource) Dial(ctx context.Context) (Conn, error) {
	c, err := conn.DialListener(ctx, s.Option)
	if err != nil {
		return nil, err
	}
	return &pgConn{conn: c}, nil
}

type pgConn struct {
	conn *pgx.Conn
}

func (c *pgConn) Listen(ctx context.Context, channel string) error {
	if _, err := c.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return errors.Wrap(err, "exec listen")
	}
	return nil
}

func (c *pgConn) Unlisten(ctx context.Context, channel string) error {
	if _, err := c.conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return errors.Wrap(err, "exec unlisten")
	}
	return nil
}

// Receive waits for the next notification. Cancelling ctx interrupts the
// wait without closing the connection.
func (c *pgConn) Receive(ctx context.Context) (Notification, error) {
	n, err := c.conn.WaitForNotification(ctx)
	if err != nil {
		return Notification{}, err
	}
	return Notification{Channel: n.Channel, Payload: n.Payload}, nil
}

func (c *pgConn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return c.conn.Close(ctx)
}
