package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/diwise/iot-rule-engine/internal/pkg/application/actions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/alarms"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/conditions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/rules"
	"github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database/packets"
	"github.com/diwise/iot-rule-engine/pkg/types"
)

var errBadRequest = errors.New("bad request")

type meta struct {
	TotalRecords uint64 `json:"totalRecords"`
	Count        uint64 `json:"count"`
}

type ApiResponse struct {
	Meta *meta `json:"meta,omitempty"`
	Data any   `json:"data"`
}

func (r ApiResponse) Byte() []byte {
	b, _ := json.Marshal(r)
	return b
}

func newListResponse[T any](items []T) ApiResponse {
	return ApiResponse{
		Meta: &meta{TotalRecords: uint64(len(items)), Count: uint64(len(items))},
		Data: items,
	}
}

func toRule(dto types.Rule, codec *actions.Codec) (rules.Rule, error) {
	if len(dto.Condition) == 0 {
		return rules.Rule{}, fmt.Errorf("%w: condition is missing", errBadRequest)
	}

	condition, err := conditions.UnmarshalNode(dto.Condition)
	if err != nil {
		return rules.Rule{}, fmt.Errorf("%w: %s", errBadRequest, err.Error())
	}

	acts := make([]actions.Action, 0, len(dto.Actions))
	for _, raw := range dto.Actions {
		a, err := codec.DecodeJSON(raw)
		if err != nil {
			return rules.Rule{}, fmt.Errorf("%w: %s", errBadRequest, err.Error())
		}
		acts = append(acts, a)
	}

	active := true
	if dto.Active != nil {
		active = *dto.Active
	}

	return rules.Rule{
		ID:          dto.ID,
		ProjectID:   dto.ProjectID,
		Name:        dto.Name,
		Description: dto.Description,
		Type:        dto.Type,
		Condition:   condition,
		PacketIDs:   dto.PacketIDs,
		Actions:     acts,
		Active:      active,
	}, nil
}

func fromRule(r rules.Rule) (types.Rule, error) {
	condition, err := conditions.MarshalNode(r.Condition)
	if err != nil {
		return types.Rule{}, err
	}

	acts := make([]json.RawMessage, 0, len(r.Actions))
	for _, a := range r.Actions {
		a.Common().ActionName = a.Type()
		b, err := json.Marshal(a)
		if err != nil {
			return types.Rule{}, err
		}
		acts = append(acts, b)
	}

	active := r.Active

	return types.Rule{
		ID:          r.ID,
		ProjectID:   r.ProjectID,
		Name:        r.Name,
		Description: r.Description,
		Type:        r.Type,
		Condition:   condition,
		PacketIDs:   r.PacketIDs,
		Actions:     acts,
		Active:      &active,
		Predicate:   r.Predicate.Expression,
		Definition:  r.Predicate.Definition,
		Checksum:    r.Predicate.Checksum,
	}, nil
}

func toAlarm(dto types.Alarm) alarms.Alarm {
	events := make([]alarms.AlarmEvent, 0, len(dto.Events))
	for _, e := range dto.Events {
		events = append(events, alarms.AlarmEvent{
			RuleID:      e.RuleID,
			Name:        e.Name,
			Description: e.Description,
			Severity:    e.Severity,
		})
	}

	return alarms.Alarm{
		ProjectID:   dto.ProjectID,
		Name:        dto.Name,
		Description: dto.Description,
		Events:      events,
	}
}

func fromAlarm(a alarms.Alarm) types.Alarm {
	events := make([]types.AlarmEvent, 0, len(a.Events))
	for _, e := range a.Events {
		events = append(events, types.AlarmEvent{
			ID:          e.ID,
			RuleID:      e.RuleID,
			Name:        e.Name,
			Description: e.Description,
			Severity:    e.Severity,
		})
	}

	return types.Alarm{
		ID:          a.ID,
		ProjectID:   a.ProjectID,
		Name:        a.Name,
		Description: a.Description,
		Events:      events,
	}
}

func toPacketFields(packetID int64, dto types.PacketFields) ([]packets.PacketField, error) {
	fields := make([]packets.PacketField, 0, len(dto.Fields))
	seen := map[int64]bool{}

	for _, f := range dto.Fields {
		ft, ok := types.ParseFieldType(string(f.Type))
		if !ok {
			return nil, fmt.Errorf("%w: field %q has unknown type %q", errBadRequest, f.Name, f.Type)
		}
		if f.Name == "" || seen[f.ID] {
			return nil, fmt.Errorf("%w: field %d needs a unique id and a name", errBadRequest, f.ID)
		}
		seen[f.ID] = true

		fields = append(fields, packets.PacketField{
			PacketID:  packetID,
			FieldID:   f.ID,
			ProjectID: dto.ProjectID,
			Name:      f.Name,
			Type:      string(ft),
		})
	}

	return fields, nil
}
