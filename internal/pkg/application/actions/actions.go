// Package actions defines the actions a rule may run and their portable encoding.
package actions

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/diwise/iot-rule-engine/pkg/types"
)

const (
	TypeAlarm         = "AlarmAction"
	TypeSendMail      = "SendMailAction"
	TypeAlarmSendMail = "AlarmSendMailAction"
	TypeAddTag        = "AddTagAction"
	TypeAddCategory   = "AddCategoryAction"
	TypeComputeField  = "ComputeFieldAction"
	TypeValidate      = "ValidatePacketAction"
	TypeSendCommand   = "SendMqttCommandAction"
)

type Action interface {
	Type() string
	Common() *RuleAction
	// FireOnEveryMatch reports whether the action runs on every match while the
	// rule stays fired, instead of only on the rising edge.
	FireOnEveryMatch() bool
	// ExecuteOnUnmetCondition reports whether the action also runs when a fired
	// rule stops matching.
	ExecuteOnUnmetCondition() bool
}

// RuleAction holds the fields shared by all actions.
type RuleAction struct {
	ActionName    string     `json:"actionName"`
	RuleID        int64      `json:"ruleId"`
	RuleName      string     `json:"ruleName"`
	PacketIDs     []int64    `json:"packetIds,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	Active        bool       `json:"active"`
	EveryMatch    bool       `json:"fireOnEveryMatch,omitempty"`
	FireTimestamp *time.Time `json:"fireTimestamp,omitempty"`
	FirePayload   string     `json:"firePayload,omitempty"`

	Execution *Execution `json:"-"`
}

func (a *RuleAction) Common() *RuleAction {
	return a
}

func (a *RuleAction) FireOnEveryMatch() bool {
	return a.EveryMatch
}

func (a *RuleAction) ExecuteOnUnmetCondition() bool {
	return false
}

// Execution describes the evaluation that triggered an action. It is never encoded
// and is attached by the dispatcher right before the action handler runs.
type Execution struct {
	ID              string
	RuleID          int64
	ProjectID       int64
	RuleName        string
	RuleDescription string
	RuleDefinition  string
	Scope           string
	Fired           bool
	Timestamp       time.Time
	Packet          *types.Packet
	Values          map[string]map[string]any
}

type AlarmAction struct {
	RuleAction
	AlarmID    int64  `json:"alarmId"`
	AlarmName  string `json:"alarmName"`
	EventID    int64  `json:"alarmEventId"`
	DeviceName string `json:"deviceName,omitempty"`
	Severity   int    `json:"severity"`
}

func (a *AlarmAction) Type() string {
	return TypeAlarm
}

// ExecuteOnUnmetCondition is true so that alarms are cleared when the condition no longer holds.
func (a *AlarmAction) ExecuteOnUnmetCondition() bool {
	return true
}

// MailTemplate holds base64 encoded subject and body templates.
type MailTemplate struct {
	Recipients   string `json:"recipients"`
	CcRecipients string `json:"ccRecipients,omitempty"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
}

func (m MailTemplate) RecipientList() []string {
	return splitAddresses(m.Recipients)
}

func (m MailTemplate) CcList() []string {
	return splitAddresses(m.CcRecipients)
}

func (m MailTemplate) DecodedSubject() (string, error) {
	return decodeTemplate(m.Subject)
}

func (m MailTemplate) DecodedBody() (string, error) {
	return decodeTemplate(m.Body)
}

func NewMailTemplate(recipients, cc []string, subject, body string) MailTemplate {
	return MailTemplate{
		Recipients:   strings.Join(recipients, ";"),
		CcRecipients: strings.Join(cc, ";"),
		Subject:      base64.StdEncoding.EncodeToString([]byte(subject)),
		Body:         base64.StdEncoding.EncodeToString([]byte(body)),
	}
}

func decodeTemplate(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("template is not base64 encoded: %w", err)
	}
	return string(b), nil
}

// splitAddresses accepts both ; and , as separators.
func splitAddresses(s string) []string {
	addresses := []string{}
	for _, a := range strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' }) {
		if a = strings.TrimSpace(a); a != "" {
			addresses = append(addresses, a)
		}
	}
	return addresses
}

type SendMailAction struct {
	RuleAction
	MailTemplate
}

func (a *SendMailAction) Type() string {
	return TypeSendMail
}

// AlarmSendMailAction raises and clears an alarm like AlarmAction and mails when it is raised.
type AlarmSendMailAction struct {
	AlarmAction
	MailTemplate
}

func (a *AlarmSendMailAction) Type() string {
	return TypeAlarmSendMail
}

// AddTagAction tags matching packets. Enrichment runs on every match.
type AddTagAction struct {
	RuleAction
	TagIDs []int64 `json:"tagIds"`
}

func (a *AddTagAction) Type() string {
	return TypeAddTag
}

func (a *AddTagAction) FireOnEveryMatch() bool {
	return true
}

type AddCategoryAction struct {
	RuleAction
	CategoryIDs []int64 `json:"categoryIds"`
}

func (a *AddCategoryAction) Type() string {
	return TypeAddCategory
}

func (a *AddCategoryAction) FireOnEveryMatch() bool {
	return true
}

// ComputeFieldAction adds a field, computed from the numeric fields of the matching packet, to that packet.
type ComputeFieldAction struct {
	RuleAction
	OutputFieldID   int64  `json:"outputFieldId"`
	OutputFieldName string `json:"outputFieldName"`
	Formula         string `json:"formula"`
}

func (a *ComputeFieldAction) Type() string {
	return TypeComputeField
}

func (a *ComputeFieldAction) FireOnEveryMatch() bool {
	return true
}

// ValidatePacketAction marks matching packets as valid.
type ValidatePacketAction struct {
	RuleAction
}

func (a *ValidatePacketAction) Type() string {
	return TypeValidate
}

func (a *ValidatePacketAction) FireOnEveryMatch() bool {
	return true
}

const (
	CommandFormatJSON = "json"
	CommandFormatText = "text"
)

// SendCommandAction publishes a command to a device topic when the rule fires.
// Message is sent as is, in the format of the target packet.
type SendCommandAction struct {
	RuleAction
	PacketID     int64  `json:"packetId"`
	PacketFormat string `json:"packetFormat,omitempty"`
	Message      string `json:"message"`
	Topic        string `json:"topic"`
}

func (a *SendCommandAction) Type() string {
	return TypeSendCommand
}

func (a *SendCommandAction) Format() string {
	if a.PacketFormat == "" {
		return CommandFormatJSON
	}
	return strings.ToLower(a.PacketFormat)
}
