// Package notify keeps one dedicated listen connection alive and fans
// channel messages out to subscriptions. Messages sent while disconnected
// are lost; every reconnect is followed by a resync event instead.
package notify

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"watchsync/internal/obs"
	"watchsync/pkg/exception"
)

// State is the connection state of the notifier.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateListening
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateListening:
		return "LISTENING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Source dials the dedicated listen connection.
type Source interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is a live listen connection. Receive blocks until a message arrives,
// ctx is done or the connection fails; a ctx cancellation must leave the
// connection usable.
type Conn interface {
	Listen(ctx context.Context, channel string) error
	Unlisten(ctx context.Context, channel string) error
	Receive(ctx context.Context) (Notification, error)
	Close() error
}

// Poster hands callbacks to the owner thread.
type Poster interface {
	Post(cb func()) error
}

// Config wires the notifier.
type Config struct {
	Source  Source
	Owner   Poster
	Backoff Backoff
	Metrics *obs.Metrics
	// OnStateChange is called from the notifier goroutine on every
	// transition.
	OnStateChange func(from, to State)
}

// Notifier is the single change subscriber of a process.
type Notifier struct {
	cfg  Config
	subs *subscriptions

	state   atomic.Int32
	changed chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	running  atomic.Bool
}

// New creates a stopped-until-Run notifier.
func New(cfg Config) (*Notifier, error) {
	if cfg.Source == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "notify source")
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	return &Notifier{
		cfg:     cfg,
		subs:    newSubscriptions(),
		changed: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (n *Notifier) State() State {
	return State(n.state.Load())
}

// Subscribe registers handler on channel. A new channel is listened on the
// live connection without reconnecting.
func (n *Notifier) Subscribe(channel string, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if channel == "" {
		return nil, exception.ErrEmptyChannel
	}
	if handler == nil {
		return nil, exception.ErrNilHandler
	}
	if n.State() == StateStopped {
		return nil, exception.ErrNotifierStopped
	}

	sub := &Subscription{channel: channel, handler: handler}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.onOwner && n.cfg.Owner == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "owner dispatch without owner queue")
	}

	if n.subs.Add(sub) {
		n.signalChange()
	}
	return sub, nil
}

// Unsubscribe removes sub. The channel is unlistened once its last
// subscription is gone.
func (n *Notifier) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return exception.ErrNilInstance
	}
	removed, empty := n.subs.Remove(sub)
	if !removed {
		return errors.Wrapf(exception.ErrInvalidArgument, "unknown subscription %s", sub.id)
	}
	if empty {
		n.signalChange()
	}
	return nil
}

// Stop ends Run for good. STOPPED is terminal.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		if !n.running.Load() {
			n.setState(StateStopped)
		}
	})
}

// Run keeps the listen connection alive until ctx is done or Stop is
// called. It may only run once.
func (n *Notifier) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		if n.State() == StateStopped {
			return exception.ErrNotifierStopped
		}
		return errors.Wrap(exception.ErrInvalidArgument, "notifier already running")
	}
	// Stop only marks STOPPED itself while running is false.
	select {
	case <-n.stopCh:
		n.setState(StateStopped)
		return exception.ErrNotifierStopped
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-n.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	defer n.setState(StateStopped)

	attempt := 0
	connectedBefore := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		n.setState(StateConnecting)
		conn, err := n.connect(ctx)
		if err != nil {
			n.setState(StateDisconnected)
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			n.cfg.Metrics.IncReconnect()
			wait := n.cfg.Backoff.Next(attempt)
			logs.Errorf("notify: connect failed, attempt: %d, retry in: %s, err: %+v", attempt, wait, err)
			n.sleep(ctx, wait)
			continue
		}

		attempt = 0
		n.setState(StateListening)
		if connectedBefore {
			n.broadcastResync()
		}
		connectedBefore = true

		err = n.listen(ctx, conn)
		_ = conn.Close()
		n.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		n.cfg.Metrics.IncReconnect()
		wait := n.cfg.Backoff.Next(attempt)
		logs.Errorf("notify: connection lost, attempt: %d, reconnect in: %s, err: %+v", attempt, wait, err)
		n.sleep(ctx, wait)
	}
}

// connect dials and listens on every desired channel.
func (n *Notifier) connect(ctx context.Context) (*liveConn, error) {
	c, err := n.cfg.Source.Dial(ctx)
	if err != nil {
		return nil, err
	}
	live := &liveConn{Conn: c, active: make(map[string]struct{})}
	if err := n.syncChannels(ctx, live); err != nil {
		_ = c.Close()
		return nil, err
	}
	return live, nil
}

type liveConn struct {
	Conn
	active map[string]struct{}
}

// syncChannels issues LISTEN/UNLISTEN until the connection matches the
// desired channel set.
func (n *Notifier) syncChannels(ctx context.Context, c *liveConn) error {
	desired := n.subs.Channels(nil)
	want := make(map[string]struct{}, len(desired))
	for _, channel := range desired {
		want[channel] = struct{}{}
		if _, ok := c.active[channel]; ok {
			continue
		}
		if err := c.Listen(ctx, channel); err != nil {
			return errors.Wrapf(err, "listen %s", channel)
		}
		c.active[channel] = struct{}{}
	}
	for channel := range c.active {
		if _, ok := want[channel]; ok {
			continue
		}
		if err := c.Unlisten(ctx, channel); err != nil {
			return errors.Wrapf(err, "unlisten %s", channel)
		}
		delete(c.active, channel)
	}
	return nil
}

// listen receives until the connection fails or ctx is done. A subscription
// change interrupts the wait so the channel set can be updated in place.
func (n *Notifier) listen(ctx context.Context, c *liveConn) error {
	for {
		if err := n.syncChannels(ctx, c); err != nil {
			return err
		}

		waitCtx, cancel := context.WithCancel(ctx)
		watchDone := make(chan struct{})
		go func() {
			defer close(watchDone)
			select {
			case <-n.changed:
				cancel()
			case <-waitCtx.Done():
			}
		}()

		msg, err := c.Receive(waitCtx)
		interrupted := waitCtx.Err() != nil
		cancel()
		<-watchDone

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if interrupted && stderrors.Is(err, context.Canceled) {
				continue
			}
			if interrupted && isTimeout(err) {
				continue
			}
			return errors.Wrapf(exception.ErrConnectionLost, "receive: %v", err)
		}
		n.dispatch(msg)
	}
}

func (n *Notifier) dispatch(msg Notification) {
	subs := n.subs.For(msg.Channel)
	if len(subs) == 0 {
		return
	}

	ev, err := parseNotification(msg)
	if err != nil {
		n.cfg.Metrics.IncMalformed()
		logs.Errorf("notify: drop message on %s, err: %+v", msg.Channel, err)
		return
	}
	for _, sub := range subs {
		n.deliver(sub, ev)
	}
}

func (n *Notifier) broadcastResync() {
	n.cfg.Metrics.IncResync()
	logs.Infof("notify: reconnected, broadcasting resync")
	for _, sub := range n.subs.All() {
		n.deliver(sub, resyncEvent(sub.channel))
	}
}

func (n *Notifier) deliver(sub *Subscription, ev ChangeEvent) {
	n.cfg.Metrics.IncDelivered()
	if sub.onOwner {
		handler := sub.handler
		if err := n.cfg.Owner.Post(func() { handler(ev) }); err != nil {
			logs.Errorf("notify: drop event for subscription %s, err: %+v", sub.id, err)
		}
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("notify: handler of subscription %s panic: %v", sub.id, r)
		}
	}()
	sub.handler(ev)
}

func (n *Notifier) signalChange() {
	select {
	case n.changed <- struct{}{}:
	default:
	}
}

func (n *Notifier) setState(to State) {
	from := State(n.state.Swap(int32(to)))
	if from == to {
		return
	}
	if n.cfg.OnStateChange != nil {
		n.cfg.OnStateChange(from, to)
	}
}

func (n *Notifier) sleep(ctx context.Context, wait time.Duration) {
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}
