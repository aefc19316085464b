package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"gopkg.in/yaml.v2"

	"github.com/diwise/iot-rule-engine/internal/pkg/application/actions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/alarms"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/conditions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/dispatcher"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/engine"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/events"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/fieldfunctions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/firing"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/notifications"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/rules"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/webevents"
	"github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database"
	alarmsdb "github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database/alarms"
	"github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database/firedrules"
	"github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database/packets"
	rulesdb "github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database/rules"
	"github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/router"
	"github.com/diwise/iot-rule-engine/internal/pkg/presentation/api"
)

const serviceName string = "iot-rule-engine"

type appConfig struct {
	Engine struct {
		TickInterval        time.Duration `yaml:"tickInterval"`
		RefreshOnEveryMatch *bool         `yaml:"refreshOnEveryMatch"`
	} `yaml:"engine"`
	Actions struct {
		Workers   int `yaml:"workers"`
		QueueSize int `yaml:"queueSize"`
	} `yaml:"actions"`
	Mail notifications.MailConfig `yaml:"mail"`

	events.Config `yaml:",inline"`
}

func main() {
	serviceVersion := buildinfo.SourceVersion()

	ctx, logger := logging.NewLogger(context.Background(), serviceName, serviceVersion)
	logger.Info().Msg("starting up ...")

	envOrDef := env.GetVariableOrDefault

	configFile := flag.String("config", envOrDef(logger, "CONFIG_FILE", "/opt/diwise/config/config.yaml"), "rule engine configuration file")
	policiesFile := flag.String("policies", envOrDef(logger, "POLICIES_FILE", "/opt/diwise/config/authz.rego"), "an authorization policy file")
	flag.Parse()

	cleanup, err := tracing.Init(ctx, logger, serviceName, serviceVersion)
	exitIf(err, logger, "failed to init tracing")
	defer cleanup()

	cfgFile, err := os.Open(*configFile)
	exitIf(err, logger, "could not open configuration file")

	cfg, err := loadConfiguration(cfgFile)
	exitIf(err, logger, "could not parse configuration file")

	policies, err := os.Open(*policiesFile)
	exitIf(err, logger, "unable to open opa policy file")

	messenger, err := messaging.Initialize(messaging.LoadConfiguration(serviceName, logger))
	exitIf(err, logger, "failed to init messenger")

	connect := database.NewPostgreSQLConnector(ctx, database.LoadConfigFromEnv(ctx))

	app, r, err := initialize(ctx, cfg, connect, messenger, policies)
	exitIf(err, logger, "failed to initialize rule engine")

	messenger.RegisterTopicMessageHandler(engine.PacketReceivedTopic, engine.NewPacketReceivedHandler(app.engine))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = app.Start(ctx)
	exitIf(err, logger, "failed to start rule engine")

	servicePort := envOrDef(logger, "SERVICE_PORT", "8080")
	server := &http.Server{Addr: ":" + servicePort, Handler: r}

	go func() {
		logger.Info().Str("port", servicePort).Msg("starting to listen for connections")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start request router")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down ...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// no new packets may reach the engine while the action queue drains
	messenger.Close()

	// event streams never end by themselves
	app.web.Shutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shut down http server")
	}

	app.Stop(shutdownCtx)
}

type Publisher interface {
	PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error
}

type application struct {
	engine      *engine.Engine
	dispatcher  *dispatcher.Dispatcher
	machine     *firing.Machine
	rules       rules.RuleService
	transitions *alarms.Transitions
	alarmRepo   alarmsdb.AlarmRepository
	web         webevents.WebEvents
}

// initialize connects the storage, wires the engine with its action handlers and registers
// the api on a new router.
func initialize(ctx context.Context, cfg *appConfig, connect database.ConnectorFunc, publisher Publisher, policies io.ReadCloser) (*application, *chi.Mux, error) {
	defer policies.Close()

	ruleRepo, err := rulesdb.NewRuleRepository(connect)
	if err != nil {
		return nil, nil, fmt.Errorf("could not create rule repository: %w", err)
	}

	alarmRepo, err := alarmsdb.NewAlarmRepository(connect)
	if err != nil {
		return nil, nil, fmt.Errorf("could not create alarm repository: %w", err)
	}

	firedRepo, err := firedrules.NewFiredRuleRepository(connect)
	if err != nil {
		return nil, nil, fmt.Errorf("could not create fired rule repository: %w", err)
	}

	packetRepo, err := packets.NewPacketRepository(connect)
	if err != nil {
		return nil, nil, fmt.Errorf("could not create packet repository: %w", err)
	}

	registry := prometheus.NewRegistry()

	functions := fieldfunctions.NewDefaultRegistry()
	metadata := conditions.NewRepositoryMetadata(packetRepo)

	compiler, err := conditions.NewCompiler(functions, metadata)
	if err != nil {
		return nil, nil, err
	}

	codec := actions.NewCodec()

	refresh := true
	if cfg.Engine.RefreshOnEveryMatch != nil {
		refresh = *cfg.Engine.RefreshOnEveryMatch
	}

	machine := firing.New(firedRepo, firing.WithRefreshOnEveryMatch(refresh))

	alarmSvc := alarms.New(alarmRepo, machine, ruleRepo)
	web := webevents.New()
	notifier := alarms.NewNotifier(publisher, events.New(&cfg.Config), alarms.WithWebEvents(web))
	transitions := alarms.NewTransitions(alarmSvc, notifier)

	alarmHandler := alarms.NewAlarmActionHandler(notifier, transitions)
	mailHandler := notifications.NewMailHandler(publisher, cfg.Mail)
	enrichmentHandler := notifications.NewEnrichmentHandler(publisher)

	handlers := dispatcher.NewHandlerRegistry()
	handlers.Register(actions.TypeAlarm, alarmHandler)
	handlers.Register(actions.TypeSendMail, mailHandler)
	handlers.Register(actions.TypeAlarmSendMail, dispatcher.Chain(alarmHandler, mailHandler))
	handlers.Register(actions.TypeAddTag, enrichmentHandler)
	handlers.Register(actions.TypeAddCategory, enrichmentHandler)
	handlers.Register(actions.TypeComputeField, enrichmentHandler)
	handlers.Register(actions.TypeValidate, enrichmentHandler)
	handlers.Register(actions.TypeSendCommand, notifications.NewCommandHandler(publisher))

	d, err := dispatcher.New(codec, handlers,
		dispatcher.WithWorkers(cfg.Actions.Workers),
		dispatcher.WithQueueSize(cfg.Actions.QueueSize),
		dispatcher.WithMetrics(registry),
	)
	if err != nil {
		return nil, nil, err
	}

	e, err := engine.New(functions, machine, d, metadata, engine.WithTickInterval(cfg.Engine.TickInterval))
	if err != nil {
		return nil, nil, err
	}

	ruleSvc := rules.New(ruleRepo, compiler, codec, e)

	r, err := api.RegisterHandlers(ctx, router.New(serviceName, registry), policies, api.Services{
		Functions: functions,
		Codec:     codec,
		Packets:   packetRepo,
		Engine:    e,
		Rules:     ruleSvc,
		Alarms:    alarmSvc,
		WebEvents: web,
	})
	if err != nil {
		return nil, nil, err
	}

	return &application{
		engine:      e,
		dispatcher:  d,
		machine:     machine,
		rules:       ruleSvc,
		transitions: transitions,
		alarmRepo:   alarmRepo,
		web:         web,
	}, r, nil
}

// Start restores alarm states and activates the stored rules before packets are accepted.
func (a *application) Start(ctx context.Context) error {
	logger := logging.GetFromContext(ctx)

	if err := a.dispatcher.Start(ctx); err != nil {
		return err
	}

	all, err := a.alarmRepo.GetAll(ctx)
	if err != nil {
		return err
	}

	err = a.transitions.Restore(ctx, lo.Map(all, func(a alarmsdb.Alarm, _ int) int64 { return a.ID }))
	if err != nil {
		return err
	}

	activated, err := a.rules.Load(ctx)
	if err != nil {
		return err
	}

	logger.Info().Int("rules", activated).Int("alarms", len(all)).Msg("rule engine started")

	a.engine.Start(ctx)

	return nil
}

func (a *application) Stop(ctx context.Context) {
	logger := logging.GetFromContext(ctx)

	a.engine.Stop()

	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	if err := a.dispatcher.Stop(timeout); err != nil {
		logger.Error().Err(err).Msg("failed to drain action queue")
	}

	if err := a.machine.Flush(ctx); err != nil {
		logger.Error().Err(err).Int("pending", a.machine.Pending()).Msg("failed to persist firing state")
	}
}

func loadConfiguration(cfgFile io.ReadCloser) (*appConfig, error) {
	defer cfgFile.Close()

	b, err := io.ReadAll(cfgFile)
	if err != nil {
		return nil, err
	}

	cfg := &appConfig{}
	if err = yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func exitIf(err error, logger zerolog.Logger, msg string) {
	if err != nil {
		logger.Error().Err(err).Msg(msg)
		time.Sleep(2 * time.Second)
		os.Exit(1)
	}
}
