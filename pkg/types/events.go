package types

import (
	"encoding/json"
	"time"
)

type AlarmEventFired struct {
	AlarmID    int64     `json:"alarmId"`
	AlarmName  string    `json:"alarmName"`
	EventID    int64     `json:"eventId"`
	RuleID     int64     `json:"ruleId"`
	ProjectID  int64     `json:"projectId"`
	DeviceName string    `json:"deviceName,omitempty"`
	Severity   int       `json:"severity"`
	Fired      bool      `json:"fired"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e *AlarmEventFired) ContentType() string {
	return "application/json"
}
func (e *AlarmEventFired) TopicName() string {
	if e.Fired {
		return "alarms.eventRaised"
	}
	return "alarms.eventCleared"
}
func (e *AlarmEventFired) Body() []byte {
	b, _ := json.Marshal(e)
	return b
}

const (
	AlarmStateUp   = "UP"
	AlarmStateDown = "DOWN"
)

type AlarmStateChanged struct {
	AlarmID   int64     `json:"alarmId"`
	AlarmName string    `json:"alarmName"`
	ProjectID int64     `json:"projectId"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *AlarmStateChanged) ContentType() string {
	return "application/json"
}
func (e *AlarmStateChanged) TopicName() string {
	return "alarms.stateChanged"
}
func (e *AlarmStateChanged) Body() []byte {
	b, _ := json.Marshal(e)
	return b
}

type MailRequested struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender,omitempty"`
	Recipients []string  `json:"recipients"`
	CC         []string  `json:"cc,omitempty"`
	Subject    string    `json:"subject"`
	Text       string    `json:"body"`
	RuleID     int64     `json:"ruleId"`
	Timestamp  time.Time `json:"timestamp"`
}

func (m *MailRequested) ContentType() string {
	return "application/json"
}
func (m *MailRequested) TopicName() string {
	return "notifications.mailRequested"
}
func (m *MailRequested) Body() []byte {
	b, _ := json.Marshal(m)
	return b
}

type PacketEnriched struct {
	PacketID    int64          `json:"packetId"`
	ProjectID   int64          `json:"projectId"`
	RuleID      int64          `json:"ruleId"`
	TagIDs      []int64        `json:"tagIds,omitempty"`
	CategoryIDs []int64        `json:"categoryIds,omitempty"`
	Computed    *ComputedField `json:"computed,omitempty"`
	Valid       bool           `json:"valid,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

type ComputedField struct {
	ID    int64   `json:"id"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

func (p *PacketEnriched) ContentType() string {
	return "application/json"
}
func (p *PacketEnriched) TopicName() string {
	return "packets.enriched"
}
func (p *PacketEnriched) Body() []byte {
	b, _ := json.Marshal(p)
	return b
}

// CommandRequested is published on the topic of the device it is addressed to. Its body
// is the command itself, not a json envelope.
type CommandRequested struct {
	Topic   string
	Format  string
	Payload []byte
}

func (c *CommandRequested) ContentType() string {
	if c.Format == "json" {
		return "application/json"
	}
	return "text/plain"
}
func (c *CommandRequested) TopicName() string {
	return c.Topic
}
func (c *CommandRequested) Body() []byte {
	return c.Payload
}
