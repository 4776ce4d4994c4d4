package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/diwise/iot-module-control/internal/pkg/application"
	"github.com/diwise/iot-module-control/internal/pkg/application/activity"
	"github.com/diwise/iot-module-control/internal/pkg/application/controlloop"
	"github.com/diwise/iot-module-control/internal/pkg/application/settings"
	"github.com/diwise/iot-module-control/internal/pkg/application/webevents"
	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/metrics"
	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/mqtt"
	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/router"
	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/tracing"
	"github.com/diwise/iot-module-control/internal/pkg/presentation/api"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/rs/zerolog"
)

const serviceName string = "iot-module-control"

func main() {
	serviceVersion := version()

	_, logger := logging.NewLogger(context.Background(), serviceName, serviceVersion, "info")
	flags := parseExternalConfig(logger, defaultFlags())

	ctx, logger := logging.NewLogger(context.Background(), serviceName, serviceVersion, flags[logLevel])
	logger.Info().Msg("starting up ...")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleanup, err := tracing.Init(ctx, logger, serviceName, serviceVersion)
	exitIf(err, logger, "failed to init tracing")
	defer cleanup()

	metrics.Init()

	cfg, err := readConfigurationFile(flags[configurationFile])
	exitIf(err, logger, "could not read configuration file")

	connect := database.NewPostgreSQLConnector(logger)
	if flags[devmode] == "true" {
		connect = database.NewSQLiteConnector(logger)
	}

	store, err := database.New(connect)
	exitIf(err, logger, "could not create or connect to database")
	defer store.Close()

	modules, err := os.Open(flags[modulesFile])
	if err == nil {
		err = store.Modules().Seed(ctx, modules)
		modules.Close()
		exitIf(err, logger, "could not seed modules")
	} else {
		logger.Warn().Err(err).Msg("no modules file, skipping seed")
	}

	var messenger messaging.MsgContext
	if flags[devmode] != "true" {
		messenger, err = messaging.Initialize(messaging.LoadConfiguration(serviceName, logger))
		exitIf(err, logger, "failed to init messenger")
		defer messenger.Close()
	}

	app, handler, err := initialize(ctx, cfg, store, messenger)
	exitIf(err, logger, "failed to initialize application")

	app.Start(ctx)
	defer app.Stop()

	if flags[mqttBroker] != "" {
		client := mqtt.NewClient(ctx, mqtt.Config{
			BrokerURL: flags[mqttBroker],
			ClientID:  flags[mqttClientID],
			Topic:     flags[mqttTopic],
			QoS:       1,
			Username:  flags[mqttUsername],
			Password:  flags[mqttPassword],
		}, app)

		go func() {
			if err := mqtt.Connect(ctx, client, time.Second, 30*time.Second); err != nil {
				logger.Error().Err(err).Msg("mqtt client not connected")
			}
		}()
		defer client.Disconnect(250)
	}

	server := &http.Server{
		Addr:    flags[listenAddress] + ":" + flags[servicePort],
		Handler: handler,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("port", flags[servicePort]).Msg("starting to listen for connections")

	err = server.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		exitIf(err, logger, "failed to start request router")
	}

	logger.Info().Msg("shutting down")
}

// initialize wires the control loop, the activity sink and the http api on
// top of an opened store. messenger may be nil.
func initialize(ctx context.Context, cfg []byte, store database.Datastore, messenger messaging.MsgContext) (application.App, http.Handler, error) {
	log := logging.GetLoggerFromContext(ctx)

	loopCfg, err := settings.LoadConfiguration(bytes.NewReader(cfg))
	if err != nil {
		return nil, nil, err
	}

	initial, err := loopCfg.Settings()
	if err != nil {
		return nil, nil, err
	}

	sp, err := settings.NewProvider(initial)
	if err != nil {
		return nil, nil, err
	}

	notificationCfg, err := activity.LoadConfiguration(bytes.NewReader(cfg))
	if err != nil {
		return nil, nil, err
	}

	we := webevents.New()
	senders := []activity.Sender{we}

	if len(notificationCfg.Notifications) > 0 {
		eventSender, err := activity.NewEventSender(notificationCfg)
		if err != nil {
			return nil, nil, err
		}
		senders = append(senders, eventSender)
	}

	if messenger != nil {
		senders = append(senders, activity.NewTopicSender(messenger))
	}

	sink := activity.NewSink(log, activity.DefaultQueueSize, senders...)
	sink.Start(ctx)

	driver := controlloop.New(store, sp, sink, controlloop.Config{
		Interval:         loopCfg.Interval(),
		Timeout:          loopCfg.Timeout(),
		ReadingRetention: loopCfg.ReadingRetention(),
	})

	if messenger != nil {
		controlloop.RegisterTopicMessageHandlers(messenger, driver)
	}

	app := application.New(store, driver, sp, sink, sink, application.StopFunc(we.Shutdown))

	r := router.New(serviceName)
	api.RegisterHandlers(ctx, r, app, we)

	log.Info().
		Int("activeThreshold", initial.ActiveThresholdSeconds).
		Int("inactiveThreshold", initial.InactiveThresholdSeconds).
		Str("ownership", string(initial.Ownership)).
		Str("historyMode", string(initial.HistoryMode)).
		Msgf("control loop runs every %s", loopCfg.Interval())

	return app, r, nil
}

func readConfigurationFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []byte{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}

func version() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	buildSettings := buildInfo.Settings
	infoMap := map[string]string{}
	for _, s := range buildSettings {
		infoMap[s.Key] = s.Value
	}

	sha := infoMap["vcs.revision"]
	if infoMap["vcs.modified"] == "true" {
		sha += "+"
	}

	return sha
}

func exitIf(err error, logger zerolog.Logger, msg string) {
	if err != nil {
		logger.Fatal().Err(err).Msg(msg)
	}
}
