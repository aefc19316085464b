package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/matryer/is"

	"github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-rule-engine/pkg/types"
)

func TestHealth(t *testing.T) {
	is, _, server, _ := setupTest(t)
	defer server.Close()

	resp, _ := testRequest(is, server, http.MethodGet, "/health", "")
	is.Equal(resp.StatusCode, http.StatusNoContent)
}

func TestThatRequestsWithoutTokenAreRejected(t *testing.T) {
	is, _, server, _ := setupTest(t)
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/v0/functions", nil)
	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	resp.Body.Close()

	is.Equal(resp.StatusCode, http.StatusUnauthorized)
}

func TestThatAnAlarmIsRaisedWhenAPacketMatches(t *testing.T) {
	is, app, server, publisher := setupTest(t)
	defer server.Close()

	ctx := context.Background()
	is.NoErr(app.Start(ctx))
	defer app.Stop(ctx)

	resp, _ := testRequest(is, server, http.MethodPost, "/api/v0/packets/1/fields",
		`{"projectId": 1, "fields": [{"id": 1, "name": "temperature", "type": "DOUBLE"}]}`)
	is.Equal(resp.StatusCode, http.StatusNoContent)

	resp, body := testRequest(is, server, http.MethodPost, "/api/v0/rules", hotRule(""))
	is.Equal(resp.StatusCode, http.StatusCreated)

	rule := types.Rule{}
	is.NoErr(json.Unmarshal(body, &rule))

	resp, body = testRequest(is, server, http.MethodPost, "/api/v0/alarms",
		`{"projectId": 1, "name": "overheating", "events": [{"ruleId": `+jsonOf(rule.ID)+`, "name": "hot", "severity": 3}]}`)
	is.Equal(resp.StatusCode, http.StatusCreated)

	alarm := types.Alarm{}
	is.NoErr(json.Unmarshal(body, &alarm))

	action := `{
		"actionName": "AlarmSendMailAction", "active": true,
		"alarmId": ` + jsonOf(alarm.ID) + `, "alarmName": "overheating", "severity": 3,
		"recipients": "ops@example.com",
		"subject": "` + base64.StdEncoding.EncodeToString([]byte("too hot")) + `",
		"body": "` + base64.StdEncoding.EncodeToString([]byte("{{.RULE_NAME}} fired")) + `"
	}`

	resp, _ = testRequest(is, server, http.MethodPut, "/api/v0/rules/"+jsonOf(rule.ID), hotRule(action))
	is.Equal(resp.StatusCode, http.StatusOK)

	resp, _ = testRequest(is, server, http.MethodPost, "/api/v0/packets",
		`{"packetId": 1, "projectId": 1, "deviceId": "sensor-1", "timestamp": "2024-06-01T12:00:00Z", "fields": {"temperature": 35}}`)
	is.Equal(resp.StatusCode, http.StatusAccepted)

	is.True(publisher.waitFor("alarms.eventRaised", "alarms.stateChanged", "notifications.mailRequested"))

	resp, body = testRequest(is, server, http.MethodGet, "/api/v0/alarms/status?id="+jsonOf(alarm.ID), "")
	is.Equal(resp.StatusCode, http.StatusOK)

	statuses := struct {
		Data []types.AlarmStatus `json:"data"`
	}{}
	is.NoErr(json.Unmarshal(body, &statuses))
	is.Equal(len(statuses.Data), 1)
	is.True(statuses.Data[0].AlarmEvents[0].Fired)
	is.True(statuses.Data[0].AlarmEvents[0].LastFiredTimestamp != nil)

	mail, ok := publisher.message("notifications.mailRequested").(*types.MailRequested)
	is.True(ok)
	is.Equal(mail.Subject, "too hot")
	is.Equal(mail.Text, "hot fired")
}

func TestLoadConfiguration(t *testing.T) {
	is := is.New(t)

	cfg, err := loadConfiguration(io.NopCloser(strings.NewReader(configYaml)))
	is.NoErr(err)

	is.Equal(cfg.Engine.TickInterval, 10*time.Second)
	is.True(!*cfg.Engine.RefreshOnEveryMatch)
	is.Equal(cfg.Actions.Workers, 4)
	is.Equal(cfg.Mail.Sender, "alerts@example.com")
	is.Equal(len(cfg.Notifications), 1)
	is.Equal(cfg.Notifications[0].Subscribers[0].Endpoint, "http://subscriber/events")
}

func hotRule(action string) string {
	actions := "[]"
	if action != "" {
		actions = "[" + action + "]"
	}

	return `{
		"projectId": 1, "name": "hot", "type": "ALARM_EVENT", "packetIds": [1],
		"condition": {
			"kind": "binary", "op": ">",
			"left": {"kind": "field", "packetId": 1, "fieldId": 1},
			"right": {"kind": "constant", "value": 30}
		},
		"actions": ` + actions + `
	}`
}

type publisher struct {
	mu       sync.Mutex
	messages map[string]messaging.TopicMessage
}

func (p *publisher) PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.messages[message.TopicName()] = message
	return nil
}

func (p *publisher) message(topic string) messaging.TopicMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.messages[topic]
}

// waitFor polls since actions are executed by background workers.
func (p *publisher) waitFor(topics ...string) bool {
	deadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(deadline) {
		p.mu.Lock()
		missing := 0
		for _, topic := range topics {
			if _, ok := p.messages[topic]; !ok {
				missing++
			}
		}
		p.mu.Unlock()

		if missing == 0 {
			return true
		}

		time.Sleep(20 * time.Millisecond)
	}

	return false
}

func setupTest(t *testing.T) (*is.I, *application, *httptest.Server, *publisher) {
	is := is.New(t)
	ctx := context.Background()

	cfg, err := loadConfiguration(io.NopCloser(strings.NewReader(configYaml)))
	is.NoErr(err)
	cfg.Notifications = nil

	pub := &publisher{messages: map[string]messaging.TopicMessage{}}

	app, r, err := initialize(ctx, cfg, database.NewSQLiteConnector(ctx), pub, io.NopCloser(strings.NewReader(policy)))
	is.NoErr(err)

	return is, app, httptest.NewServer(r), pub
}

func testRequest(is *is.I, ts *httptest.Server, method, path string, body string) (*http.Response, []byte) {
	req, err := http.NewRequest(method, ts.URL+path, bytes.NewBufferString(body))
	is.NoErr(err)
	req.Header.Set("Authorization", "Bearer letmein")

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	is.NoErr(err)

	return resp, respBody
}

func jsonOf(i int64) string {
	b, _ := json.Marshal(i)
	return string(b)
}

const policy string = `
package example.authz

default allow = false

allow = {"access": {"1": ["rules.read", "rules.write", "alarms.read", "alarms.write", "packets.write"]}} {
	input.token == "letmein"
}
`

const configYaml string = `
engine:
  tickInterval: 10s
  refreshOnEveryMatch: false
actions:
  workers: 4
  queueSize: 100
mail:
  sender: alerts@example.com
notifications:
  - id: alarm-state
    name: alarm state changes
    type: diwise.alarmstate
    subscribers:
      - endpoint: http://subscriber/events
        projects: [1]
`
