// Package view connects change notifications to a presenter running on the
// owner thread.
package view

import (
	"github.com/yanun0323/errors"

	"watchsync/internal/notify"
	"watchsync/pkg/exception"
)

// Presenter owns a view of stored entities. Both methods are only ever
// called on the owner thread.
type Presenter interface {
	// Refresh reloads the whole collection matching filter.
	Refresh(filter string)
	// Invalidate reloads one entity.
	Invalidate(entityID string)
}

// filtered is implemented by presenters that remember their last filter.
// Collection refreshes reuse it.
type filtered interface {
	Filter() string
}

// Binding is a set of subscriptions feeding one presenter.
type Binding struct {
	notifier *notify.Notifier
	subs     []*notify.Subscription
}

// Bind subscribes p to channels through the owner queue. With no channels
// it binds entity_changed and collection_changed.
func Bind(n *notify.Notifier, p Presenter, channels ...string) (*Binding, error) {
	if n == nil || p == nil {
		return nil, exception.ErrNilInstance
	}
	if len(channels) == 0 {
		channels = []string{notify.ChannelEntityChanged, notify.ChannelCollectionChanged}
	}

	b := &Binding{notifier: n}
	for _, ch := range channels {
		sub, err := n.Subscribe(ch, func(ev notify.ChangeEvent) { apply(p, ev) }, notify.OnOwner())
		if err != nil {
			b.Close()
			return nil, errors.Wrapf(err, "bind channel %s", ch)
		}
		b.subs = append(b.subs, sub)
	}
	return b, nil
}

// Close removes every subscription of the binding.
func (b *Binding) Close() {
	for _, sub := range b.subs {
		_ = b.notifier.Unsubscribe(sub)
	}
	b.subs = nil
}

func apply(p Presenter, ev notify.ChangeEvent) {
	if !ev.Resync && ev.Channel == notify.ChannelEntityChanged && ev.EntityID != "" {
		p.Invalidate(ev.EntityID)
		return
	}
	filter := ""
	if f, ok := p.(filtered); ok {
		filter = f.Filter()
	}
	p.Refresh(filter)
}
