package notify

import (
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"watchsync/pkg/exception"
)

const (
	// ChannelEntityChanged carries {"entityType": ..., "entityId": ..., hints...}.
	ChannelEntityChanged = "entity_changed"
	// ChannelCollectionChanged payloads are not interpreted.
	ChannelCollectionChanged = "collection_changed"
)

const (
	fieldEntityType = "entityType"
	fieldEntityID   = "entityId"
)

// Notification is a raw message received on a channel.
type Notification struct {
	Channel string
	Payload string
}

// ChangeEvent is an advisory signal that something on Channel changed.
// Consumers must re-read the entity instead of trusting Hints.
type ChangeEvent struct {
	Channel    string
	EntityType string
	EntityID   string
	Hints      map[string]any
	Payload    string
	// Resync means any state may have changed while the notifier was
	// disconnected. EntityType and EntityID are empty.
	Resync bool
}

func resyncEvent(channel string) ChangeEvent {
	return ChangeEvent{Channel: channel, Resync: true}
}

// parseNotification turns a raw message into a ChangeEvent. Only
// entity_changed payloads are decoded; every other channel is opaque.
func parseNotification(n Notification) (ChangeEvent, error) {
	ev := ChangeEvent{Channel: n.Channel, Payload: n.Payload}
	if n.Channel != ChannelEntityChanged {
		return ev, nil
	}

	var fields map[string]any
	if err := sonic.ConfigStd.UnmarshalFromString(n.Payload, &fields); err != nil {
		return ev, errors.Wrapf(exception.ErrMalformedPayload, "decode %s payload: %v", n.Channel, err)
	}
	if fields == nil {
		return ev, errors.Wrapf(exception.ErrMalformedPayload, "%s payload is not an object", n.Channel)
	}

	entityType, ok := fields[fieldEntityType].(string)
	if !ok || entityType == "" {
		return ev, errors.Wrapf(exception.ErrMalformedPayload, "%s payload without %s", n.Channel, fieldEntityType)
	}
	entityID, ok := idString(fields[fieldEntityID])
	if !ok {
		return ev, errors.Wrapf(exception.ErrMalformedPayload, "%s payload without %s", n.Channel, fieldEntityID)
	}

	delete(fields, fieldEntityType)
	delete(fields, fieldEntityID)
	ev.EntityType = entityType
	ev.EntityID = entityID
	if len(fields) != 0 {
		ev.Hints = fields
	}
	return ev, nil
}

// ids arrive as strings or as JSON numbers from integer keys.
func idString(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case float64:
		if id != float64(int64(id)) {
			return "", false
		}
		return strconv.FormatInt(int64(id), 10), true
	default:
		return "", false
	}
}

// EncodeEntityChanged builds an entity_changed payload. Hints must not use
// the entityType or entityId keys.
func EncodeEntityChanged(entityType, entityID string, hints map[string]any) (string, error) {
	if entityType == "" || entityID == "" {
		return "", errors.Wrap(exception.ErrInvalidArgument, "entity type and id are required")
	}
	fields := make(map[string]any, len(hints)+2)
	for k, v := range hints {
		fields[k] = v
	}
	fields[fieldEntityType] = entityType
	fields[fieldEntityID] = entityID

	payload, err := sonic.ConfigStd.MarshalToString(fields)
	if err != nil {
		return "", errors.Wrap(err, "encode entity_changed payload")
	}
	return payload, nil
}
