// Package notifications carries out the actions that notify people or enrich packets.
package notifications

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/diwise/iot-rule-engine/internal/pkg/application/actions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/dispatcher"
	"github.com/diwise/iot-rule-engine/pkg/types"
)

var tracer = otel.Tracer("iot-rule-engine/notifications")

const (
	DefaultMailSender = "no-reply@diwise.io"
	TriggerTimeLayout = "02/01/2006 15:04:05 -0700"
)

type Publisher interface {
	PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error
}

type MailConfig struct {
	Sender string `yaml:"sender"`
}

// NewMailHandler requests a mail for send mail actions, and for alarm mail actions when the alarm is raised.
func NewMailHandler(publisher Publisher, cfg MailConfig) dispatcher.Handler {
	sender := cfg.Sender
	if sender == "" {
		sender = DefaultMailSender
	}

	return dispatcher.HandlerFunc(func(ctx context.Context, a actions.Action) (err error) {
		ctx, span := tracer.Start(ctx, "send-mail")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		var mail actions.MailTemplate

		switch v := a.(type) {
		case *actions.SendMailAction:
			mail = v.MailTemplate
		case *actions.AlarmSendMailAction:
			if v.Execution != nil && !v.Execution.Fired {
				return nil
			}
			mail = v.MailTemplate
		default:
			return fmt.Errorf("mail handler cannot handle %s", a.Type())
		}

		msg, err := ComposeMail(a.Common(), mail)
		if err != nil {
			return err
		}

		msg.Sender = sender

		return publisher.PublishOnTopic(ctx, &msg)
	})
}

// ComposeMail decodes the subject and renders the body template of a mail action.
func ComposeMail(action *actions.RuleAction, mail actions.MailTemplate) (types.MailRequested, error) {
	subject, err := mail.DecodedSubject()
	if err != nil {
		return types.MailRequested{}, err
	}

	body, err := mail.DecodedBody()
	if err != nil {
		return types.MailRequested{}, err
	}

	tmpl, err := template.New("body").Option("missingkey=zero").Parse(body)
	if err != nil {
		return types.MailRequested{}, fmt.Errorf("invalid mail body template: %w", err)
	}

	vars := templateVariables(action)

	text := &strings.Builder{}
	if err = tmpl.Execute(text, vars); err != nil {
		return types.MailRequested{}, fmt.Errorf("failed to render mail body: %w", err)
	}

	msg := types.MailRequested{
		ID:         uuid.NewString(),
		Recipients: mail.RecipientList(),
		CC:         mail.CcList(),
		Subject:    subject,
		Text:       text.String(),
		RuleID:     action.RuleID,
	}

	if exec := action.Execution; exec != nil {
		msg.Timestamp = exec.Timestamp.UTC()
	}

	return msg, nil
}

// payloadAsHTML keeps the layout of indented payloads in html mail bodies.
var payloadAsHTML = strings.NewReplacer("\n", "<br/>", "\t", " &ensp; ")

func templateVariables(action *actions.RuleAction) map[string]string {
	vars := map[string]string{
		"RULE_NAME":           action.RuleName,
		"RULE_DESCRIPTION":    "",
		"RULE_RULEDEFINITION": "",
		"EVENT_TRIGGER_TIME":  "",
		"EVENT_VALUES":        payloadAsHTML.Replace(action.FirePayload),
	}

	if exec := action.Execution; exec != nil {
		if exec.RuleName != "" {
			vars["RULE_NAME"] = exec.RuleName
		}
		vars["RULE_DESCRIPTION"] = exec.RuleDescription
		vars["RULE_RULEDEFINITION"] = exec.RuleDefinition
		vars["EVENT_TRIGGER_TIME"] = exec.Timestamp.UTC().Format(TriggerTimeLayout)
	}

	return vars
}
