package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/diwise/iot-module-control/internal/pkg/application/controlloop"
	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-module-control/pkg/types"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const DefaultTopic string = "modules/+/readings"

type Config struct {
	BrokerURL string
	ClientID  string
	Topic     string
	QoS       byte
	Username  string
	Password  string
}

type Ingester interface {
	IngestReading(ctx context.Context, reading types.Reading) (types.Module, error)
}

// NewClient builds a client that subscribes to cfg.Topic every time it
// connects and hands each message to ing.
func NewClient(ctx context.Context, cfg Config, ing Ingester) paho.Client {
	log := logging.GetLoggerFromContext(ctx).With().Str("broker", cfg.BrokerURL).Logger()

	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}

	handler := NewMessageHandler(ctx, ing)

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(c paho.Client) {
		log.Info().Msg("connected to mqtt broker")
		if token := c.Subscribe(cfg.Topic, cfg.QoS, handler); token.Wait() && token.Error() != nil {
			log.Error().Err(token.Error()).Msgf("failed to subscribe to %s", cfg.Topic)
		} else {
			log.Info().Msgf("subscribed to %s (qos %d)", cfg.Topic, cfg.QoS)
		}
	}
	opts.OnConnectionLost = func(c paho.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	}

	return paho.NewClient(opts)
}

// Connect blocks until the client is connected or ctx is done, doubling the
// wait between attempts up to maxBackoff.
func Connect(ctx context.Context, client paho.Client, start, maxBackoff time.Duration) error {
	log := logging.GetLoggerFromContext(ctx)
	backoff := start

	for {
		token := client.Connect()
		if token.Wait() && token.Error() == nil {
			return nil
		}

		log.Warn().Err(token.Error()).Msgf("mqtt connect failed, retrying in %s", backoff)

		select {
		case <-time.After(backoff):
			if backoff < maxBackoff {
				backoff *= 2
			}
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		case <-ctx.Done():
			return fmt.Errorf("mqtt connect aborted: %w", ctx.Err())
		}
	}
}

func NewMessageHandler(ctx context.Context, ing Ingester) paho.MessageHandler {
	log := logging.GetLoggerFromContext(ctx)

	return func(_ paho.Client, msg paho.Message) {
		handleMessage(ctx, log, ing, msg)
	}
}

func handleMessage(ctx context.Context, log zerolog.Logger, ing Ingester, msg paho.Message) {
	message := controlloop.ReadingMessage{}

	if err := json.Unmarshal(msg.Payload(), &message); err != nil {
		log.Error().Err(err).Msgf("failed to unmarshal message from %s", msg.Topic())
		return
	}

	if id, ok := moduleIDFromTopic(msg.Topic()); ok {
		message.ModuleID = id
	}

	logger := log.With().Str("moduleID", message.ModuleID).Logger()

	if _, err := ing.IngestReading(logging.NewContextWithLogger(ctx, logger), message.Reading()); err != nil {
		logger.Error().Err(err).Msg("could not ingest reading")
		return
	}

	logger.Debug().Msgf("%s handled", msg.Topic())
}

// moduleIDFromTopic extracts the id from topics like modules/{id}/readings.
func moduleIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "modules" || parts[2] != "readings" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
