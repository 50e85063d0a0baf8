// Package chaos injects transport faults into a notification source:
// dropped and duplicated messages, broken connections and failed dials.
package chaos

import (
	"context"
	stderrors "errors"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"

	"watchsync/internal/notify"
	"watchsync/pkg/exception"
)

// ErrInjected marks a fault produced by this package.
var ErrInjected = stderrors.New("chaos: injected fault")

// Config controls fault rates. Every rate is a probability in [0, 1].
type Config struct {
	Seed           int64
	DropRate       float64
	DuplicateRate  float64
	DisconnectRate float64
	DialFailRate   float64
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	rates := []struct {
		name string
		v    float64
	}{
		{"dropRate", c.DropRate},
		{"duplicateRate", c.DuplicateRate},
		{"disconnectRate", c.DisconnectRate},
		{"dialFailRate", c.DialFailRate},
	}
	for _, r := range rates {
		if r.v < 0 || r.v > 1 {
			return errors.Wrapf(exception.ErrInvalidConfig, "%s %v out of [0, 1]", r.name, r.v)
		}
	}
	return nil
}

// Stats counts injected faults.
type Stats struct {
	Dropped      uint64
	Duplicated   uint64
	Disconnects  uint64
	DialFailures uint64
}

// Source wraps a notify.Source and applies the configured faults to it.
type Source struct {
	inner notify.Source
	cfg   Config

	mu  sync.Mutex
	rng *rand.Rand

	dropped      atomic.Uint64
	duplicated   atomic.Uint64
	disconnects  atomic.Uint64
	dialFailures atomic.Uint64
}

func NewSource(inner notify.Source, cfg Config) (*Source, error) {
	if inner == nil {
		return nil, exception.ErrNilInstance
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Source{
		inner: inner,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Stats returns the faults injected so far.
func (s *Source) Stats() Stats {
	return Stats{
		Dropped:      s.dropped.Load(),
		Duplicated:   s.duplicated.Load(),
		Disconnects:  s.disconnects.Load(),
		DialFailures: s.dialFailures.Load(),
	}
}

func (s *Source) Dial(ctx context.Context) (notify.Conn, error) {
	if s.roll(s.cfg.DialFailRate) {
		s.dialFailures.Add(1)
		return nil, errors.Wrap(ErrInjected, "dial")
	}
	c, err := s.inner.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return &conn{Conn: c, src: s}, nil
}

func (s *Source) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < rate
}

type conn struct {
	notify.Conn
	src *Source

	dup    *notify.Notification
	broken bool
}

func (c *conn) Receive(ctx context.Context) (notify.Notification, error) {
	if c.broken {
		return notify.Notification{}, errors.Wrap(ErrInjected, io.ErrUnexpectedEOF.Error())
	}
	if c.dup != nil {
		msg := *c.dup
		c.dup = nil
		return msg, nil
	}

	for {
		msg, err := c.Conn.Receive(ctx)
		if err != nil {
			return msg, err
		}
		if c.src.roll(c.src.cfg.DisconnectRate) {
			c.src.disconnects.Add(1)
			c.broken = true
			_ = c.Conn.Close()
			return notify.Notification{}, errors.Wrap(ErrInjected, "connection reset")
		}
		if c.src.roll(c.src.cfg.DropRate) {
			c.src.dropped.Add(1)
			continue
		}
		if c.src.roll(c.src.cfg.DuplicateRate) {
			c.src.duplicated.Add(1)
			dup := msg
			c.dup = &dup
		}
		return msg, nil
	}
}
