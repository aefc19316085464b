package types

import "encoding/json"

// Rule is the api representation of a rule. Condition is a condition tree and each
// entry of Actions an action object tagged by its actionName.
type Rule struct {
	ID          int64             `json:"id,omitempty"`
	ProjectID   int64             `json:"projectId"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Type        RuleType          `json:"type"`
	Condition   json.RawMessage   `json:"condition"`
	PacketIDs   []int64           `json:"packetIds"`
	Actions     []json.RawMessage `json:"actions"`
	Active      *bool             `json:"active,omitempty"`
	Predicate   string            `json:"predicate,omitempty"`
	Definition  string            `json:"definition,omitempty"`
	Checksum    string            `json:"checksum,omitempty"`
}

type PacketFields struct {
	ProjectID int64   `json:"projectId"`
	Fields    []Field `json:"fields"`
}

type Alarm struct {
	ID          int64        `json:"id,omitempty"`
	ProjectID   int64        `json:"projectId"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Events      []AlarmEvent `json:"events"`
}

type AlarmEvent struct {
	ID          int64  `json:"id,omitempty"`
	RuleID      int64  `json:"ruleId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Severity    int    `json:"severity"`
}

// ErrorResponse is returned with 4xx responses. Kind is set for rules that fail to compile.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}
