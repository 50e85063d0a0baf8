// Package store is the write path for watchlist and valuation records.
// Derived columns are recomputed and change signals staged inside the same
// transaction as the source update.
package store

import (
	"context"
	stderrors "errors"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"

	"watchsync/internal/notify"
	"watchsync/pkg/conn"
	"watchsync/pkg/exception"
)

const (
	opUpsert = "UPSERT"
	opDelete = "DELETE"
)

// IsNotFound reports whether err means the requested entity does not exist.
func IsNotFound(err error) bool {
	return stderrors.Is(err, gorm.ErrRecordNotFound)
}

// Sessions leases pinned store sessions; *pool.Pool[*conn.Session]
// satisfies it.
type Sessions interface {
	WithLease(ctx context.Context, fn func(ctx context.Context, s *conn.Session) error) error
}

// Repository reads and writes entities through leased sessions.
type Repository struct {
	sessions Sessions
	signaler Signaler
}

// NewRepository wires a repository. A nil signaler disables change signals.
func NewRepository(sessions Sessions, signaler Signaler) (*Repository, error) {
	if sessions == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "store sessions")
	}
	return &Repository{sessions: sessions, signaler: signaler}, nil
}

// Migrate creates or updates the tables.
func (r *Repository) Migrate(ctx context.Context) error {
	return r.sessions.WithLease(ctx, func(ctx context.Context, s *conn.Session) error {
		return s.DB().WithContext(ctx).AutoMigrate(Models()...)
	})
}

// Read loads the entity with the given id into dst.
func (r *Repository) Read(ctx context.Context, dst Entity, id string) error {
	return r.sessions.WithLease(ctx, func(ctx context.Context, s *conn.Session) error {
		if err := s.DB().WithContext(ctx).Where(keyColumn+" = ?", id).Take(dst).Error; err != nil {
			return errors.Wrapf(err, "read %s %s", dst.EntityType(), id)
		}
		return nil
	})
}

// ListWatchlist returns every watchlist entry ordered by ticker. An empty
// filter matches all tickers; otherwise tickers starting with filter.
func (r *Repository) ListWatchlist(ctx context.Context, filter string) ([]WatchlistEntry, error) {
	var out []WatchlistEntry
	err := r.sessions.WithLease(ctx, func(ctx context.Context, s *conn.Session) error {
		q := s.DB().WithContext(ctx).Order(keyColumn)
		if filter != "" {
			q = q.Where(keyColumn+" LIKE ?", filter+"%")
		}
		return q.Find(&out).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "list watchlist")
	}
	return out, nil
}

// ListValuations returns every valuation ordered by ticker.
func (r *Repository) ListValuations(ctx context.Context) ([]Valuation, error) {
	var out []Valuation
	err := r.sessions.WithLease(ctx, func(ctx context.Context, s *conn.Session) error {
		return s.DB().WithContext(ctx).Order(keyColumn).Find(&out).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "list valuations")
	}
	return out, nil
}

// Write upserts e in its own transaction.
func (r *Repository) Write(ctx context.Context, e Entity) error {
	return r.InTx(ctx, func(tx *Tx) error {
		return tx.Write(e)
	})
}

// Delete removes e in its own transaction.
func (r *Repository) Delete(ctx context.Context, e Entity) error {
	return r.InTx(ctx, func(tx *Tx) error {
		return tx.Delete(e)
	})
}

// InTx runs fn in one transaction on one leased session. Signals staged by
// fn are flushed only after commit.
func (r *Repository) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	return r.sessions.WithLease(ctx, func(ctx context.Context, s *conn.Session) error {
		var staged []Signal
		err := s.DB().WithContext(ctx).Transaction(func(db *gorm.DB) error {
			tx := &Tx{ctx: ctx, db: db, signaler: r.signaler}
			if err := fn(tx); err != nil {
				return err
			}
			staged = tx.staged
			return nil
		})
		if err != nil {
			return err
		}
		if r.signaler != nil && len(staged) != 0 {
			r.signaler.Flush(ctx, staged)
		}
		return nil
	})
}

// Tx is a unit of work inside Repository.InTx.
type Tx struct {
	ctx      context.Context
	db       *gorm.DB
	signaler Signaler
	staged   []Signal
}

// DB exposes the transaction for reads inside the unit of work.
func (t *Tx) DB() *gorm.DB {
	return t.db
}

// Write inserts e, or replaces the stored row with the same ticker. Derived
// columns are recomputed before the row is written.
func (t *Tx) Write(e Entity) error {
	if e == nil || e.EntityID() == "" {
		return errors.Wrap(exception.ErrInvalidArgument, "entity without id")
	}

	var found []Record
	err := t.db.Model(e).
		Select("id", "created_at", "updated_at").
		Where(keyColumn+" = ?", e.EntityID()).
		Limit(1).
		Scan(&found).Error
	if err != nil {
		return errors.Wrapf(err, "lookup %s %s", e.EntityType(), e.EntityID())
	}
	created := len(found) == 0
	rec := e.record()
	if created {
		*rec = Record{}
	} else {
		// Save writes every column, so carry the original creation time.
		*rec = found[0]
	}

	if err := t.db.Save(e).Error; err != nil {
		return errors.Wrapf(err, "save %s %s", e.EntityType(), e.EntityID())
	}

	if err := t.signalEntity(e, opUpsert); err != nil {
		return err
	}
	if created {
		return t.signalCollection(e.EntityType())
	}
	return nil
}

// Delete removes the row with e's ticker.
func (t *Tx) Delete(e Entity) error {
	if e == nil || e.EntityID() == "" {
		return errors.Wrap(exception.ErrInvalidArgument, "entity without id")
	}
	res := t.db.Where(keyColumn+" = ?", e.EntityID()).Delete(e)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "delete %s %s", e.EntityType(), e.EntityID())
	}
	if res.RowsAffected == 0 {
		return nil
	}
	if err := t.signalEntity(e, opDelete); err != nil {
		return err
	}
	return t.signalCollection(e.EntityType())
}

func (t *Tx) signalEntity(e Entity, op string) error {
	payload, err := notify.EncodeEntityChanged(e.EntityType(), e.EntityID(), map[string]any{"op": op})
	if err != nil {
		return err
	}
	return t.stage(Signal{Channel: notify.ChannelEntityChanged, Payload: payload})
}

func (t *Tx) signalCollection(entityType string) error {
	return t.stage(Signal{Channel: notify.ChannelCollectionChanged, Payload: entityType})
}

func (t *Tx) stage(sig Signal) error {
	if t.signaler == nil {
		return nil
	}
	if err := t.signaler.Stage(t.ctx, t.db, sig); err != nil {
		return err
	}
	t.staged = append(t.staged, sig)
	return nil
}
