package alarms

import (
	"context"
	"errors"

	"github.com/diwise/messaging-golang/pkg/messaging"

	"github.com/diwise/iot-rule-engine/internal/pkg/application/events"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/webevents"
	"github.com/diwise/iot-rule-engine/pkg/types"
)

type Publisher interface {
	PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error
}

// Notifier is the downstream side of alarms, raising and clearing alarm events and
// announcing when an alarm as a whole goes up or down.
type Notifier interface {
	EventFired(ctx context.Context, e types.AlarmEventFired) error
	StateChanged(ctx context.Context, c types.AlarmStateChanged) error
}

type notifier struct {
	publisher Publisher
	sender    events.EventSender
	web       webevents.WebEvents
}

type NotifierOption func(*notifier)

// WithWebEvents also streams alarm changes to subscribed browsers.
func WithWebEvents(web webevents.WebEvents) NotifierOption {
	return func(n *notifier) {
		n.web = web
	}
}

// NewNotifier publishes on the message bus and, when sender is not nil, as cloud events.
func NewNotifier(publisher Publisher, sender events.EventSender, opts ...NotifierOption) Notifier {
	n := &notifier{
		publisher: publisher,
		sender:    sender,
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

func (n *notifier) EventFired(ctx context.Context, e types.AlarmEventFired) error {
	err := n.publisher.PublishOnTopic(ctx, &e)

	if n.web != nil {
		err = errors.Join(err, n.web.Publish(e.ProjectID, webevents.EventAlarmEventFired, e))
	}

	return err
}

func (n *notifier) StateChanged(ctx context.Context, c types.AlarmStateChanged) error {
	err := n.publisher.PublishOnTopic(ctx, &c)

	if n.sender != nil {
		err = errors.Join(err, n.sender.Send(ctx, c))
	}

	if n.web != nil {
		err = errors.Join(err, n.web.Publish(c.ProjectID, webevents.EventAlarmStateChanged, c))
	}

	return err
}
