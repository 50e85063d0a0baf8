package notify

import (
	"sync"

	"github.com/google/uuid"
)

// Handler receives change events for one subscription. Events for the same
// subscription arrive one at a time in arrival order.
type Handler func(ChangeEvent)

// SubscribeOption tunes a subscription.
type SubscribeOption func(*Subscription)

// OnOwner dispatches the handler through the owner queue instead of
// running it on the notifier goroutine.
func OnOwner() SubscribeOption {
	return func(s *Subscription) {
		s.onOwner = true
	}
}

// Subscription is a (channel, handler) registration.
type Subscription struct {
	id      string
	channel string
	handler Handler
	onOwner bool
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string {
	return s.id
}

// Channel returns the subscribed channel.
func (s *Subscription) Channel() string {
	return s.channel
}

// subscriptions tracks the desired channel set and the handlers per channel.
type subscriptions struct {
	mu        sync.Mutex
	byChannel map[string][]*Subscription
}

func newSubscriptions() *subscriptions {
	return &subscriptions{byChannel: make(map[string][]*Subscription)}
}

// Add registers sub. It returns true if the channel was newly desired.
func (s *subscriptions) Add(sub *Subscription) bool {
	if sub.id == "" {
		sub.id = uuid.NewString()
	}
	s.mu.Lock()
	existing := s.byChannel[sub.channel]
	s.byChannel[sub.channel] = append(existing, sub)
	s.mu.Unlock()
	return len(existing) == 0
}

// Remove deletes sub. It returns whether sub was found and whether its
// channel is no longer desired.
func (s *subscriptions) Remove(sub *Subscription) (removed bool, channelEmpty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.byChannel[sub.channel]
	for i, candidate := range subs {
		if candidate != sub {
			continue
		}
		next := make([]*Subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(s.byChannel, sub.channel)
			return true, true
		}
		s.byChannel[sub.channel] = next
		return true, false
	}
	return false, false
}

// For returns the subscriptions of channel. The slice must not be modified.
func (s *subscriptions) For(channel string) []*Subscription {
	s.mu.Lock()
	subs := s.byChannel[channel]
	s.mu.Unlock()
	return subs
}

// All returns every active subscription.
func (s *subscriptions) All() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*Subscription, 0, len(s.byChannel))
	for _, subs := range s.byChannel {
		all = append(all, subs...)
	}
	return all
}

// Channels fills dst with the desired channel names and returns it.
func (s *subscriptions) Channels(dst []string) []string {
	s.mu.Lock()
	if dst == nil {
		dst = make([]string, 0, len(s.byChannel))
	} else {
		dst = dst[:0]
	}
	for channel := range s.byChannel {
		dst = append(dst, channel)
	}
	s.mu.Unlock()
	return dst
}

// Count returns the number of desired channels.
func (s *subscriptions) Count() int {
	s.mu.Lock()
	count := len(s.byChannel)
	s.mu.Unlock()
	return count
}
