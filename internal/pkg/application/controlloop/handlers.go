package controlloop

import (
	"context"
	"encoding/json"
	"time"

	"github.com/diwise/iot-module-control/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const ReadingRoutingKey string = "module.reading"

// ReadingMessage is the body of a reading received over AMQP or MQTT.
type ReadingMessage struct {
	ModuleID  string         `json:"moduleID"`
	Timestamp string         `json:"timestamp,omitempty"`
	Data      map[string]any `json:"data"`
}

// Reading converts the message into a reading. A missing or unparsable
// timestamp is left zero and set on ingestion.
func (m ReadingMessage) Reading() types.Reading {
	r := types.Reading{
		ModuleID: m.ModuleID,
		Fields:   m.Data,
	}

	if ts, err := time.Parse(time.RFC3339Nano, m.Timestamp); err == nil {
		r.Timestamp = ts.UTC()
	}

	return r
}

func NewReadingTopicMessageHandler(d Driver) messaging.TopicMessageHandler {
	return func(ctx context.Context, msg amqp.Delivery, logger zerolog.Logger) {
		message := ReadingMessage{}

		err := json.Unmarshal(msg.Body, &message)
		if err != nil {
			logger.Error().Err(err).Msgf("failed to unmarshal message from %s", msg.RoutingKey)
			return
		}

		logger = logger.With().Str("moduleID", message.ModuleID).Logger()

		_, err = d.IngestReading(ctx, message.Reading())
		if err != nil {
			logger.Error().Err(err).Msg("could not ingest reading")
			return
		}

		logger.Debug().Msgf("%s handled", msg.RoutingKey)
	}
}

func RegisterTopicMessageHandlers(messenger messaging.MsgContext, d Driver) {
	messenger.RegisterTopicMessageHandler(ReadingRoutingKey, NewReadingTopicMessageHandler(d))
}
