// Package events delivers alarm state changes as cloud events to configured subscribers.
package events

import (
	"context"
	"errors"
	"fmt"
	"io"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v2"

	"github.com/diwise/iot-rule-engine/pkg/types"
)

const AlarmStateEventType string = "diwise.alarmstate"

type EventSender interface {
	Send(ctx context.Context, change types.AlarmStateChanged) error
}

type eventSender struct {
	subscribers map[string][]SubscriberConfig
	newClient   func() (cloudevents.Client, error)
}

func New(cfg *Config) EventSender {
	e := &eventSender{
		subscribers: make(map[string][]SubscriberConfig),
		newClient: func() (cloudevents.Client, error) {
			return cloudevents.NewClientHTTP()
		},
	}

	if cfg != nil {
		for _, n := range cfg.Notifications {
			e.subscribers[n.Type] = append(e.subscribers[n.Type], n.Subscribers...)
		}
	}

	return e
}

func (e *eventSender) Send(ctx context.Context, change types.AlarmStateChanged) error {
	targets := []string{}
	for _, s := range e.subscribers[AlarmStateEventType] {
		if s.wants(change.ProjectID) {
			targets = append(targets, s.Endpoint)
		}
	}

	if len(targets) == 0 {
		return nil
	}

	c, err := e.newClient()
	if err != nil {
		return err
	}

	event := cloudevents.NewEvent()
	event.SetID(fmt.Sprintf("alarm:%d:%s:%d", change.AlarmID, change.State, change.Timestamp.UnixMilli()))
	event.SetTime(change.Timestamp)
	event.SetSource("github.com/diwise/iot-rule-engine")
	event.SetType(AlarmStateEventType)

	if err = event.SetData(cloudevents.ApplicationJSON, change); err != nil {
		return err
	}

	logger := logging.GetFromContext(ctx)

	var errs []error

	for _, endpoint := range targets {
		ctxWithTarget := cloudevents.ContextWithTarget(ctx, endpoint)

		result := c.Send(ctxWithTarget, event)
		if cloudevents.IsUndelivered(result) || errors.Is(result, unix.ECONNREFUSED) {
			logger.Error().Err(result).Msgf("failed to send alarm state event to %s", endpoint)
			errs = append(errs, fmt.Errorf("%s: %w", endpoint, result))
		}
	}

	return errors.Join(errs...)
}

type SubscriberConfig struct {
	Endpoint string  `yaml:"endpoint"`
	Projects []int64 `yaml:"projects"`
}

// wants reports whether the subscriber listens to alarms of the project. No projects means all.
func (s SubscriberConfig) wants(projectID int64) bool {
	if len(s.Projects) == 0 {
		return true
	}
	for _, p := range s.Projects {
		if p == projectID {
			return true
		}
	}
	return false
}

type Notification struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Type        string             `yaml:"type"`
	Subscribers []SubscriberConfig `yaml:"subscribers"`
}

type Config struct {
	Notifications []Notification `yaml:"notifications"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := Config{}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
