package notifications

import (
	"context"
	"fmt"

	"github.com/diwise/iot-rule-engine/internal/pkg/application/actions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/dispatcher"
	"github.com/diwise/iot-rule-engine/pkg/types"
)

// NewEnrichmentHandler publishes what matching packets should carry: tags, categories,
// computed fields or a validation mark.
func NewEnrichmentHandler(publisher Publisher) dispatcher.Handler {
	computed := newFormulas()

	return dispatcher.HandlerFunc(func(ctx context.Context, a actions.Action) error {
		exec := a.Common().Execution
		if exec == nil || exec.Packet == nil {
			return fmt.Errorf("enrichment of rule %d has no packet to enrich", a.Common().RuleID)
		}

		msg := types.PacketEnriched{
			PacketID:  exec.Packet.ID,
			ProjectID: exec.ProjectID,
			RuleID:    exec.RuleID,
			Timestamp: exec.Timestamp.UTC(),
		}

		switch v := a.(type) {
		case *actions.AddTagAction:
			msg.TagIDs = v.TagIDs
		case *actions.AddCategoryAction:
			msg.CategoryIDs = v.CategoryIDs
		case *actions.ValidatePacketAction:
			msg.Valid = true
		case *actions.ComputeFieldAction:
			if v.OutputFieldName == "" {
				return fmt.Errorf("computed field of rule %d has no name", v.RuleID)
			}

			value, err := computed.Evaluate(v.Formula, exec.Packet.Fields)
			if err != nil {
				return err
			}

			msg.Computed = &types.ComputedField{ID: v.OutputFieldID, Name: v.OutputFieldName, Value: value}
		default:
			return fmt.Errorf("enrichment handler cannot handle %s", a.Type())
		}

		return publisher.PublishOnTopic(ctx, &msg)
	})
}
