package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"

	"github.com/diwise/iot-rule-engine/internal/pkg/application/actions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/alarms"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/conditions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/engine"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/fieldfunctions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/rules"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/webevents"
	"github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database/packets"
	"github.com/diwise/iot-rule-engine/internal/pkg/presentation/api/auth"
	"github.com/diwise/iot-rule-engine/pkg/types"
)

var tracer = otel.Tracer("iot-rule-engine/api")

type PacketHandler interface {
	Handle(ctx context.Context, p types.Packet) error
}

// Services groups what the api exposes.
type Services struct {
	Functions *fieldfunctions.Registry
	Codec     *actions.Codec
	Packets   packets.PacketRepository
	Engine    PacketHandler
	Rules     rules.RuleService
	Alarms    alarms.AlarmService
	WebEvents webevents.WebEvents
}

func RegisterHandlers(ctx context.Context, router *chi.Mux, policies io.Reader, svc Services) (*chi.Mux, error) {

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	log := logging.GetFromContext(ctx)

	authenticator, err := auth.NewAuthenticator(ctx, policies)
	if err != nil {
		return nil, fmt.Errorf("failed to create api authenticator: %w", err)
	}

	router.Route("/api/v0", func(r chi.Router) {
		registerRoutes(r, log, svc, authenticator.RequireAccess)
	})

	return router, nil
}

type accessFunc func(scopes ...auth.Scope) func(http.Handler) http.Handler

func registerRoutes(r chi.Router, log zerolog.Logger, svc Services, requireAccess accessFunc) {
	r.Group(func(r chi.Router) {
		r.Use(requireAccess(auth.AnyScope))
		r.Get("/functions", listFunctionsHandler(log, svc.Functions))
	})

	r.Group(func(r chi.Router) {
		r.Use(requireAccess(auth.PacketsWrite))
		r.Post("/packets", receivePacketHandler(log, svc.Engine))
		r.Post("/packets/{packetID}/fields", setPacketFieldsHandler(log, svc.Packets))
	})

	r.Group(func(r chi.Router) {
		r.Use(requireAccess(auth.RulesRead))
		r.Get("/rules/{ruleID}", getRuleHandler(log, svc.Rules))
		r.Get("/projects/{projectID}/rules", getProjectRulesHandler(log, svc.Rules))
	})

	r.Group(func(r chi.Router) {
		r.Use(requireAccess(auth.RulesWrite))
		r.Post("/rules", saveRuleHandler(log, svc.Rules, svc.Codec))
		r.Put("/rules/{ruleID}", saveRuleHandler(log, svc.Rules, svc.Codec))
		r.Delete("/rules/{ruleID}", deleteRuleHandler(log, svc.Rules))
	})

	r.Group(func(r chi.Router) {
		r.Use(requireAccess(auth.AlarmsRead))
		r.Get("/alarms/status", getAlarmStatusHandler(log, svc.Alarms))
		r.Get("/projects/{projectID}/alarms/status", getProjectAlarmStatusHandler(log, svc.Alarms))

		if svc.WebEvents != nil {
			r.Get("/projects/{projectID}/events", streamEventsHandler(svc.WebEvents))
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(requireAccess(auth.AlarmsWrite))
		r.Post("/alarms", createAlarmHandler(log, svc.Alarms))
		r.Delete("/alarms/{alarmID}", deleteAlarmHandler(log, svc.Alarms))
	})
}

func listFunctionsHandler(log zerolog.Logger, functions *fieldfunctions.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "list-functions")
		defer span.End()

		infos := lo.Map(functions.ListAll(), func(fn fieldfunctions.Function, _ int) types.FunctionInfo {
			return fieldfunctions.Describe(fn)
		})

		writeJSON(w, http.StatusOK, newListResponse(infos).Byte())
	}
}

func receivePacketHandler(log zerolog.Logger, e PacketHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "receive-packet")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		var p types.Packet
		if err = decodeBody(r, &p); err != nil {
			requestLogger.Error().Err(err).Msg("unable to decode packet")
			writeError(w, http.StatusBadRequest, err)
			return
		}

		if !auth.IsAllowed(ctx, p.ProjectID, auth.PacketsWrite) {
			err = fmt.Errorf("project %d not allowed", p.ProjectID)
			w.WriteHeader(http.StatusForbidden)
			return
		}

		err = e.Handle(ctx, p)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to handle packet")
			if errors.Is(err, engine.ErrUnsupportedValue) {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

func setPacketFieldsHandler(log zerolog.Logger, repo packets.PacketRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "set-packet-fields")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		packetID, err := pathID(r, "packetID")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		var dto types.PacketFields
		if err = decodeBody(r, &dto); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		if !auth.IsAllowed(ctx, dto.ProjectID, auth.PacketsWrite) {
			err = fmt.Errorf("project %d not allowed", dto.ProjectID)
			w.WriteHeader(http.StatusForbidden)
			return
		}

		fields, err := toPacketFields(packetID, dto)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		err = repo.SetFields(ctx, packetID, fields)
		if err != nil {
			requestLogger.Error().Err(err).Int64("packet_id", packetID).Msg("unable to store packet fields")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func saveRuleHandler(log zerolog.Logger, svc rules.RuleService, codec *actions.Codec) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "save-rule")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		var dto types.Rule
		if err = decodeBody(r, &dto); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		status := http.StatusCreated

		if chi.URLParam(r, "ruleID") != "" {
			dto.ID, err = pathID(r, "ruleID")
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}

			var existing rules.Rule
			existing, err = svc.Get(ctx, dto.ID)
			if err != nil || !auth.IsAllowed(ctx, existing.ProjectID, auth.RulesWrite) {
				w.WriteHeader(http.StatusNotFound)
				return
			}

			status = http.StatusOK
		} else {
			dto.ID = 0
		}

		if !auth.IsAllowed(ctx, dto.ProjectID, auth.RulesWrite) {
			err = fmt.Errorf("project %d not allowed", dto.ProjectID)
			w.WriteHeader(http.StatusForbidden)
			return
		}

		rule, err := toRule(dto, codec)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		saved, err := svc.Save(ctx, rule)
		if err != nil {
			writeRuleError(w, requestLogger, err)
			return
		}

		response, err := fromRule(saved)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to marshal rule")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		b, _ := json.Marshal(response)
		writeJSON(w, status, b)
	}
}

func writeRuleError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	var compileErr *conditions.CompileError

	switch {
	case errors.As(err, &compileErr):
		logger.Info().Err(err).Msg("rule did not compile")
		b, _ := json.Marshal(types.ErrorResponse{
			Error:   "compile error",
			Kind:    compileErr.Kind.Error(),
			Message: compileErr.Error(),
		})
		writeJSON(w, http.StatusBadRequest, b)
	case errors.Is(err, rules.ErrInvalidRule):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, rules.ErrRuleNotFound):
		w.WriteHeader(http.StatusNotFound)
	default:
		logger.Error().Err(err).Msg("unable to save rule")
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func getRuleHandler(log zerolog.Logger, svc rules.RuleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-rule")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		ruleID, err := pathID(r, "ruleID")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		rule, err := svc.Get(ctx, ruleID)
		if errors.Is(err, rules.ErrRuleNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			requestLogger.Error().Err(err).Int64("rule_id", ruleID).Msg("unable to fetch rule")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		if !auth.IsAllowed(ctx, rule.ProjectID, auth.RulesRead) {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		response, err := fromRule(rule)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		b, _ := json.Marshal(response)
		writeJSON(w, http.StatusOK, b)
	}
}

func getProjectRulesHandler(log zerolog.Logger, svc rules.RuleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-project-rules")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		projectID, err := pathID(r, "projectID")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		if !auth.IsAllowed(ctx, projectID, auth.RulesRead) {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		found, err := svc.GetByProjectID(ctx, projectID)
		if err != nil {
			requestLogger.Error().Err(err).Int64("project_id", projectID).Msg("unable to fetch rules")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		result := make([]types.Rule, 0, len(found))
		for _, rule := range found {
			dto, err := fromRule(rule)
			if err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			result = append(result, dto)
		}

		writeJSON(w, http.StatusOK, newListResponse(result).Byte())
	}
}

func deleteRuleHandler(log zerolog.Logger, svc rules.RuleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "delete-rule")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		ruleID, err := pathID(r, "ruleID")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		rule, err := svc.Get(ctx, ruleID)
		if err != nil || !auth.IsAllowed(ctx, rule.ProjectID, auth.RulesWrite) {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		err = svc.Delete(ctx, ruleID)
		if err != nil {
			requestLogger.Error().Err(err).Int64("rule_id", ruleID).Msg("unable to delete rule")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func createAlarmHandler(log zerolog.Logger, svc alarms.AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "create-alarm")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		var dto types.Alarm
		if err = decodeBody(r, &dto); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		if !auth.IsAllowed(ctx, dto.ProjectID, auth.AlarmsWrite) {
			err = fmt.Errorf("project %d not allowed", dto.ProjectID)
			w.WriteHeader(http.StatusForbidden)
			return
		}

		alarm, err := svc.Add(ctx, toAlarm(dto))
		if errors.Is(err, alarms.ErrInvalidAlarm) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to create alarm")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		b, _ := json.Marshal(fromAlarm(alarm))
		writeJSON(w, http.StatusCreated, b)
	}
}

func deleteAlarmHandler(log zerolog.Logger, svc alarms.AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "delete-alarm")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		alarmID, err := pathID(r, "alarmID")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		alarm, err := svc.GetByID(ctx, alarmID)
		if err != nil || !auth.IsAllowed(ctx, alarm.ProjectID, auth.AlarmsWrite) {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		err = svc.Delete(ctx, alarmID)
		if err != nil {
			requestLogger.Error().Err(err).Int64("alarm_id", alarmID).Msg("unable to delete alarm")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// getAlarmStatusHandler accepts ?id=1&id=2 as well as ?id=1,2. Alarms that do not exist,
// or belong to projects the caller may not read, are left out of the response.
func getAlarmStatusHandler(log zerolog.Logger, svc alarms.AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-alarm-status")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		ids := []int64{}
		for _, value := range r.URL.Query()["id"] {
			for _, s := range strings.Split(value, ",") {
				var id int64
				id, err = strconv.ParseInt(strings.TrimSpace(s), 10, 64)
				if err != nil || id <= 0 {
					err = fmt.Errorf("%w: alarm id %q is not a positive number", errBadRequest, s)
					writeError(w, http.StatusBadRequest, err)
					return
				}
				ids = append(ids, id)
			}
		}

		statuses, err := svc.GetStatus(ctx, ids)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to build alarm status")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		allowed := auth.GetProjectsWithAllowedScopes(ctx, auth.AlarmsRead)
		statuses = lo.Filter(statuses, func(s types.AlarmStatus, _ int) bool {
			return lo.Contains(allowed, s.ProjectID)
		})

		writeJSON(w, http.StatusOK, newListResponse(statuses).Byte())
	}
}

func getProjectAlarmStatusHandler(log zerolog.Logger, svc alarms.AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-project-alarm-status")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		projectID, err := pathID(r, "projectID")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		if !auth.IsAllowed(ctx, projectID, auth.AlarmsRead) {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		statuses, err := svc.GetProjectStatus(ctx, projectID)
		if err != nil {
			requestLogger.Error().Err(err).Int64("project_id", projectID).Msg("unable to build alarm status")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, newListResponse(statuses).Byte())
	}
}

// streamEventsHandler keeps the connection open and streams the alarm changes of a project.
func streamEventsHandler(web webevents.WebEvents) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := pathID(r, "projectID")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		if !auth.IsAllowed(r.Context(), projectID, auth.AlarmsRead) {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		web.ServeHTTP(w, r)
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive number", errBadRequest, name)
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}

	if err = json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %s", errBadRequest, err.Error())
	}

	return nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	b, _ := json.Marshal(types.ErrorResponse{Error: http.StatusText(status), Message: err.Error()})
	writeJSON(w, status, b)
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
