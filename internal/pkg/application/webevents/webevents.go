// Package webevents streams alarm changes to browsers as server sent events, one channel per project.
package webevents

import (
	"encoding/json"
	"fmt"
	"net/http"

	gosse "github.com/alexandrevicenzi/go-sse"
)

const (
	EventAlarmEventFired   = "alarmEventFired"
	EventAlarmStateChanged = "alarmStateChanged"
)

type WebEvents interface {
	http.Handler
	Publish(projectID int64, event string, data any) error
	Shutdown()
}

type webEvents struct {
	s *gosse.Server
}

func New() WebEvents {
	return &webEvents{
		s: gosse.NewServer(&gosse.Options{}),
	}
}

// ProjectChannel is the request path clients subscribe to for the events of a project.
func ProjectChannel(projectID int64) string {
	return fmt.Sprintf("/api/v0/projects/%d/events", projectID)
}

// ServeHTTP subscribes the client to the channel named by the request path.
func (we *webEvents) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	we.s.ServeHTTP(w, r)
}

func (we *webEvents) Shutdown() {
	we.s.Shutdown()
}

// Publish is a no-op when nobody listens to the project.
func (we *webEvents) Publish(projectID int64, event string, data any) error {
	channel := ProjectChannel(projectID)
	if !we.s.HasChannel(channel) {
		return nil
	}

	b, err := json.Marshal(data)
	if err != nil {
		return err
	}

	we.s.SendMessage(channel, gosse.NewMessage("", string(b), event))

	return nil
}
