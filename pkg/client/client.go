// Package client is a go client for the rule engine api.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/diwise/iot-rule-engine/pkg/types"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrBadRequest = errors.New("bad request")
)

// CompileError is returned when the engine rejects a rule whose condition does not compile.
type CompileError struct {
	Kind    string
	Message string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

type RuleEngineClient interface {
	SaveRule(ctx context.Context, rule types.Rule) (types.Rule, error)
	GetRule(ctx context.Context, ruleID int64) (types.Rule, error)
	DeleteRule(ctx context.Context, ruleID int64) error
	SendPacket(ctx context.Context, packet types.Packet) error
	GetAlarmStatus(ctx context.Context, alarmIDs ...int64) ([]types.AlarmStatus, error)
	Close(ctx context.Context)
}

type ruleEngineClient struct {
	url        string
	httpClient http.Client
}

var tracer = otel.Tracer("rule-engine-client")

// New creates a client for the api at ruleEngineURL. When oauthTokenURL is empty requests are
// sent without credentials.
func New(ctx context.Context, ruleEngineURL, oauthTokenURL, oauthClientID, oauthClientSecret string) (RuleEngineClient, error) {
	transport := otelhttp.NewTransport(http.DefaultTransport)

	c := &ruleEngineClient{
		url:        strings.TrimSuffix(ruleEngineURL, "/"),
		httpClient: http.Client{Transport: transport},
	}

	if oauthTokenURL == "" {
		return c, nil
	}

	oauthConfig := &clientcredentials.Config{
		ClientID:     oauthClientID,
		ClientSecret: oauthClientSecret,
		TokenURL:     oauthTokenURL,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: transport})

	token, err := oauthConfig.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get client credentials from %s: %w", oauthConfig.TokenURL, err)
	}

	if !token.Valid() {
		return nil, fmt.Errorf("an invalid token was returned from %s", oauthTokenURL)
	}

	c.httpClient = *oauthConfig.Client(ctx)

	return c, nil
}

func (c *ruleEngineClient) SaveRule(ctx context.Context, rule types.Rule) (result types.Rule, err error) {
	ctx, span := tracer.Start(ctx, "save-rule")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	method, path := http.MethodPost, "/api/v0/rules"
	if rule.ID != 0 {
		method, path = http.MethodPut, "/api/v0/rules/"+strconv.FormatInt(rule.ID, 10)
	}

	body, err := json.Marshal(rule)
	if err != nil {
		return types.Rule{}, err
	}

	err = c.do(ctx, method, path, body, &result)
	return result, err
}

func (c *ruleEngineClient) GetRule(ctx context.Context, ruleID int64) (result types.Rule, err error) {
	ctx, span := tracer.Start(ctx, "get-rule")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	err = c.do(ctx, http.MethodGet, "/api/v0/rules/"+strconv.FormatInt(ruleID, 10), nil, &result)
	return result, err
}

func (c *ruleEngineClient) DeleteRule(ctx context.Context, ruleID int64) (err error) {
	ctx, span := tracer.Start(ctx, "delete-rule")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	return c.do(ctx, http.MethodDelete, "/api/v0/rules/"+strconv.FormatInt(ruleID, 10), nil, nil)
}

func (c *ruleEngineClient) SendPacket(ctx context.Context, packet types.Packet) (err error) {
	ctx, span := tracer.Start(ctx, "send-packet")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := json.Marshal(packet)
	if err != nil {
		return err
	}

	return c.do(ctx, http.MethodPost, "/api/v0/packets", body, nil)
}

func (c *ruleEngineClient) GetAlarmStatus(ctx context.Context, alarmIDs ...int64) (result []types.AlarmStatus, err error) {
	ctx, span := tracer.Start(ctx, "get-alarm-status")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	params := url.Values{}
	for _, id := range alarmIDs {
		params.Add("id", strconv.FormatInt(id, 10))
	}

	response := struct {
		Data []types.AlarmStatus `json:"data"`
	}{}

	err = c.do(ctx, http.MethodGet, "/api/v0/alarms/status?"+params.Encode(), nil, &response)
	return response.Data, err
}

func (c *ruleEngineClient) Close(ctx context.Context) {
	c.httpClient.CloseIdleConnections()
}

func (c *ruleEngineClient) do(ctx context.Context, method, path string, body []byte, result any) error {
	log := logging.GetFromContext(ctx)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}

	req.Header.Add("Accept", "application/json")
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusBadRequest:
		errResponse := types.ErrorResponse{}
		if json.Unmarshal(respBody, &errResponse) == nil && errResponse.Kind != "" {
			return &CompileError{Kind: errResponse.Kind, Message: errResponse.Message}
		}
		return fmt.Errorf("%w: %s", ErrBadRequest, errResponse.Message)
	case resp.StatusCode >= http.StatusMultipleChoices:
		log.Error().Int("status_code", resp.StatusCode).Str("path", path).Msg("unexpected response from rule engine")
		return fmt.Errorf("request failed with status code %d", resp.StatusCode)
	}

	if result == nil || len(respBody) == 0 {
		return nil
	}

	if err = json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}

	return nil
}
