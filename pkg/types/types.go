package types

import (
	"strings"
	"time"
)

type FieldType string

const (
	FieldTypeByte      FieldType = "BYTE"
	FieldTypeBoolean   FieldType = "BOOLEAN"
	FieldTypeDate      FieldType = "DATE"
	FieldTypeFile      FieldType = "FILE"
	FieldTypeDouble    FieldType = "DOUBLE"
	FieldTypeFloat     FieldType = "FLOAT"
	FieldTypeInteger   FieldType = "INTEGER"
	FieldTypeObject    FieldType = "OBJECT"
	FieldTypeText      FieldType = "TEXT"
	FieldTypeTimestamp FieldType = "TIMESTAMP"
)

// ParseFieldType is case insensitive and returns false for unknown names.
func ParseFieldType(s string) (FieldType, bool) {
	ft := FieldType(strings.ToUpper(strings.TrimSpace(s)))
	switch ft {
	case FieldTypeByte, FieldTypeBoolean, FieldTypeDate, FieldTypeFile, FieldTypeDouble,
		FieldTypeFloat, FieldTypeInteger, FieldTypeObject, FieldTypeText, FieldTypeTimestamp:
		return ft, true
	}
	return "", false
}

func (ft FieldType) IsNumeric() bool {
	return ft.IsInteger() || ft.IsFloating()
}

func (ft FieldType) IsInteger() bool {
	return ft == FieldTypeInteger || ft == FieldTypeByte || ft == FieldTypeTimestamp || ft == FieldTypeDate
}

func (ft FieldType) IsFloating() bool {
	return ft == FieldTypeDouble || ft == FieldTypeFloat
}

type Field struct {
	ID   int64     `json:"id"`
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// Packet is a single set of field values sent by a device. Field values are
// keyed by field name.
type Packet struct {
	ID        int64          `json:"packetId"`
	ProjectID int64          `json:"projectId"`
	DeviceID  string         `json:"deviceId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
}

type RuleType string

const (
	RuleTypeNormal     RuleType = "NORMAL"
	RuleTypeEvent      RuleType = "EVENT"
	RuleTypeAlarmEvent RuleType = "ALARM_EVENT"
)

// UsesFiredState reports whether rules of this type raise and clear things
// on condition transitions.
func (rt RuleType) UsesFiredState() bool {
	return rt == RuleTypeEvent || rt == RuleTypeAlarmEvent
}

const (
	AlarmSeverityUnknown = 0
	AlarmSeverityLow     = 1
	AlarmSeverityMedium  = 2
	AlarmSeverityHigh    = 3
)

type AlarmEventStatus struct {
	AlarmEventID       int64      `json:"alarmEventId"`
	Name               string     `json:"alarmEventName"`
	Severity           int        `json:"severity"`
	Description        string     `json:"description"`
	RuleDefinition     string     `json:"ruleDefinition"`
	Fired              bool       `json:"fired"`
	LastFiredTimestamp *time.Time `json:"lastFiredTimestamp"`
}

type AlarmStatus struct {
	AlarmID     int64              `json:"alarmId"`
	AlarmName   string             `json:"alarmName"`
	ProjectID   int64              `json:"projectId"`
	AlarmEvents []AlarmEventStatus `json:"alarmEvents"`
}

type FunctionInfo struct {
	Name            string      `json:"name"`
	Arity           int         `json:"arity"`
	ApplicableTypes []FieldType `json:"applicableTypes"`
	ResultType      FieldType   `json:"resultType"`
}
