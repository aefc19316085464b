package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/diwise/iot-rule-engine/internal/pkg/application/actions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/alarms"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/conditions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/engine"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/fieldfunctions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/firing"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/rules"
	"github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database"
	alarmsdb "github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database/alarms"
	"github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database/packets"
	rulesdb "github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database/rules"
	"github.com/diwise/iot-rule-engine/internal/pkg/presentation/api/auth"
	"github.com/diwise/iot-rule-engine/pkg/types"
)

const hotRuleJSON = `{
	"projectId": 1,
	"name": "hot",
	"type": "ALARM_EVENT",
	"packetIds": [1],
	"condition": {
		"kind": "binary", "op": ">",
		"left": {"kind": "field", "packetId": 1, "fieldId": 1},
		"right": {"kind": "constant", "value": 30}
	},
	"actions": [
		{"actionName": "AlarmAction", "active": true, "alarmId": 1, "severity": 2}
	]
}`

func TestCreateRuleReturnsCompiledRule(t *testing.T) {
	is, _, server := testSetup(t)
	defer server.Close()

	resp, body := testRequest(is, server, http.MethodPost, "/api/v0/rules", hotRuleJSON)
	is.Equal(resp.StatusCode, http.StatusCreated)

	var rule types.Rule
	is.NoErr(json.Unmarshal(body, &rule))
	is.True(rule.ID != 0)
	is.Equal(rule.Definition, `"1.temperature" > 30`)
	is.True(*rule.Active)
	is.Equal(len(rule.Actions), 1)
	is.True(strings.Contains(string(rule.Actions[0]), `"actionName":"AlarmAction"`))

	resp, body = testRequest(is, server, http.MethodGet, "/api/v0/projects/1/rules", "")
	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(strings.Contains(string(body), `"totalRecords":1`))
}

func TestRuleThatDoesNotCompileReturnsKind(t *testing.T) {
	is, _, server := testSetup(t)
	defer server.Close()

	body := strings.Replace(hotRuleJSON, `"fieldId": 1`, `"fieldId": 99`, 1)

	resp, respBody := testRequest(is, server, http.MethodPost, "/api/v0/rules", body)
	is.Equal(resp.StatusCode, http.StatusBadRequest)

	var errResponse types.ErrorResponse
	is.NoErr(json.Unmarshal(respBody, &errResponse))
	is.Equal(errResponse.Kind, conditions.ErrUnresolvedField.Error())
}

func TestUnknownActionTypeIsABadRequest(t *testing.T) {
	is, _, server := testSetup(t)
	defer server.Close()

	body := strings.Replace(hotRuleJSON, `"AlarmAction"`, `"LaunchRocketAction"`, 1)

	resp, _ := testRequest(is, server, http.MethodPost, "/api/v0/rules", body)
	is.Equal(resp.StatusCode, http.StatusBadRequest)
}

func TestRulesOfOtherProjectsAreHidden(t *testing.T) {
	is, _, server := testSetup(t)
	defer server.Close()

	resp, _ := testRequest(is, server, http.MethodPost, "/api/v0/rules", strings.Replace(hotRuleJSON, `"projectId": 1`, `"projectId": 2`, 1))
	is.Equal(resp.StatusCode, http.StatusForbidden)

	resp, _ = testRequest(is, server, http.MethodGet, "/api/v0/projects/2/rules", "")
	is.Equal(resp.StatusCode, http.StatusForbidden)

	resp, _ = testRequest(is, server, http.MethodGet, "/api/v0/rules/4711", "")
	is.Equal(resp.StatusCode, http.StatusNotFound)
}

func TestUpdateAndDeleteRule(t *testing.T) {
	is, _, server := testSetup(t)
	defer server.Close()

	_, body := testRequest(is, server, http.MethodPost, "/api/v0/rules", hotRuleJSON)
	var created types.Rule
	is.NoErr(json.Unmarshal(body, &created))

	update := strings.Replace(hotRuleJSON, `"value": 30`, `"value": 40`, 1)
	resp, body := testRequest(is, server, http.MethodPut, "/api/v0/rules/"+itoa(created.ID), update)
	is.Equal(resp.StatusCode, http.StatusOK)

	var updated types.Rule
	is.NoErr(json.Unmarshal(body, &updated))
	is.Equal(updated.ID, created.ID)
	is.Equal(updated.Definition, `"1.temperature" > 40`)

	resp, _ = testRequest(is, server, http.MethodDelete, "/api/v0/rules/"+itoa(created.ID), "")
	is.Equal(resp.StatusCode, http.StatusNoContent)

	resp, _ = testRequest(is, server, http.MethodGet, "/api/v0/rules/"+itoa(created.ID), "")
	is.Equal(resp.StatusCode, http.StatusNotFound)
}

func TestAlarmStatus(t *testing.T) {
	is, _, server := testSetup(t)
	defer server.Close()

	_, body := testRequest(is, server, http.MethodPost, "/api/v0/rules", hotRuleJSON)
	var rule types.Rule
	is.NoErr(json.Unmarshal(body, &rule))

	alarm := `{"projectId": 1, "name": "overheating", "events": [{"ruleId": ` + itoa(rule.ID) + `, "name": "hot", "severity": 2}]}`
	resp, body := testRequest(is, server, http.MethodPost, "/api/v0/alarms", alarm)
	is.Equal(resp.StatusCode, http.StatusCreated)

	var created types.Alarm
	is.NoErr(json.Unmarshal(body, &created))

	resp, body = testRequest(is, server, http.MethodGet, "/api/v0/alarms/status?id="+itoa(created.ID)+",999", "")
	is.Equal(resp.StatusCode, http.StatusOK)

	var response struct {
		Data []types.AlarmStatus `json:"data"`
	}
	is.NoErr(json.Unmarshal(body, &response))
	is.Equal(len(response.Data), 1)
	is.Equal(response.Data[0].AlarmName, "overheating")
	is.Equal(response.Data[0].AlarmEvents[0].RuleDefinition, `"1.temperature" > 30`)
	is.True(!response.Data[0].AlarmEvents[0].Fired)

	resp, _ = testRequest(is, server, http.MethodGet, "/api/v0/alarms/status?id=abc", "")
	is.Equal(resp.StatusCode, http.StatusBadRequest)
}

func TestInvalidAlarmIsABadRequest(t *testing.T) {
	is, _, server := testSetup(t)
	defer server.Close()

	resp, _ := testRequest(is, server, http.MethodPost, "/api/v0/alarms", `{"projectId": 1, "name": "empty", "events": []}`)
	is.Equal(resp.StatusCode, http.StatusBadRequest)
}

func TestPacketsAreHandedToTheEngine(t *testing.T) {
	is, handler, server := testSetup(t)
	defer server.Close()

	resp, _ := testRequest(is, server, http.MethodPost, "/api/v0/packets/1/fields",
		`{"projectId": 1, "fields": [{"id": 1, "name": "temperature", "type": "double"}]}`)
	is.Equal(resp.StatusCode, http.StatusNoContent)

	resp, _ = testRequest(is, server, http.MethodPost, "/api/v0/packets",
		`{"packetId": 1, "projectId": 1, "timestamp": "2024-06-01T12:00:00Z", "fields": {"temperature": 35.5}}`)
	is.Equal(resp.StatusCode, http.StatusAccepted)
	is.Equal(len(handler.packets), 1)
	is.Equal(handler.packets[0].Fields["temperature"], 35.5)

	resp, _ = testRequest(is, server, http.MethodPost, "/api/v0/packets/1/fields",
		`{"projectId": 1, "fields": [{"id": 1, "name": "temperature", "type": "kelvin"}]}`)
	is.Equal(resp.StatusCode, http.StatusBadRequest)
}

func TestFunctionsAreListed(t *testing.T) {
	is, _, server := testSetup(t)
	defer server.Close()

	resp, body := testRequest(is, server, http.MethodGet, "/api/v0/functions", "")
	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(strings.Contains(string(body), `"name":"hour"`))
}

type packetHandler struct {
	packets []types.Packet
}

func (h *packetHandler) Handle(ctx context.Context, p types.Packet) error {
	h.packets = append(h.packets, p)
	return nil
}

type activator struct{}

func (activator) Activate(context.Context, engine.Rule) error { return nil }
func (activator) Deactivate(context.Context, int64) error     { return engine.ErrRuleNotActive }

type noFacts struct{}

func (noFacts) Lookup(context.Context, firing.Key) (firing.FiredRule, bool, error) {
	return firing.FiredRule{}, false, nil
}

func testSetup(t *testing.T) (*is.I, *packetHandler, *httptest.Server) {
	is := is.New(t)
	ctx := context.Background()

	ruleRepo, err := rulesdb.NewRuleRepository(database.NewSQLiteConnector(ctx))
	is.NoErr(err)
	alarmRepo, err := alarmsdb.NewAlarmRepository(database.NewSQLiteConnector(ctx))
	is.NoErr(err)
	packetRepo, err := packets.NewPacketRepository(database.NewSQLiteConnector(ctx))
	is.NoErr(err)

	functions := fieldfunctions.NewDefaultRegistry()
	compiler, err := conditions.NewCompiler(functions, conditions.StaticMetadata{
		1: {{ID: 1, Name: "temperature", Type: types.FieldTypeDouble}},
	})
	is.NoErr(err)

	codec := actions.NewCodec()
	handler := &packetHandler{}

	svc := Services{
		Functions: functions,
		Codec:     codec,
		Packets:   packetRepo,
		Engine:    handler,
		Rules:     rules.New(ruleRepo, compiler, codec, activator{}),
		Alarms:    alarms.New(alarmRepo, noFacts{}, ruleRepo),
	}

	// every scope in project 1, nothing elsewhere
	grant := func(scopes ...auth.Scope) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctx := auth.WithAccess(r.Context(), map[int64][]auth.Scope{
					1: {auth.RulesRead, auth.RulesWrite, auth.AlarmsRead, auth.AlarmsWrite, auth.PacketsWrite},
				})
				next.ServeHTTP(w, r.WithContext(ctx))
			})
		}
	}

	router := chi.NewRouter()
	router.Route("/api/v0", func(r chi.Router) {
		registerRoutes(r, zerolog.Nop(), svc, grant)
	})

	return is, handler, httptest.NewServer(router)
}

func testRequest(is *is.I, ts *httptest.Server, method, path string, body string) (*http.Response, []byte) {
	req, err := http.NewRequest(method, ts.URL+path, bytes.NewBufferString(body))
	is.NoErr(err)

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	is.NoErr(err)

	return resp, respBody
}

func itoa(i int64) string {
	b, _ := json.Marshal(i)
	return string(b)
}
