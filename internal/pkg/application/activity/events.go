package activity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v2"
)

const eventSource string = "github.com/diwise/iot-module-control"

type subscriber struct {
	endpoint string
	patterns []*regexp.Regexp
}

func (s subscriber) wants(entityID string) bool {
	if entityID == "" || len(s.patterns) == 0 {
		return true
	}
	for _, p := range s.patterns {
		if p.MatchString(entityID) {
			return true
		}
	}
	return false
}

type eventSender struct {
	client      cloudevents.Client
	subscribers map[string][]subscriber
}

// NewEventSender delivers messages as CloudEvents to the subscribers whose
// notification type equals the message topic.
func NewEventSender(cfg *Config) (Sender, error) {
	e := &eventSender{
		subscribers: make(map[string][]subscriber),
	}

	if cfg != nil {
		for _, n := range cfg.Notifications {
			for _, sc := range n.Subscribers {
				s := subscriber{endpoint: sc.Endpoint}

				for _, info := range sc.Information {
					for _, entity := range info.Entities {
						if entity.IDPattern == "" {
							continue
						}
						re, err := regexp.Compile(entity.IDPattern)
						if err != nil {
							return nil, fmt.Errorf("notification %s: invalid idPattern %q: %w", n.ID, entity.IDPattern, err)
						}
						s.patterns = append(s.patterns, re)
					}
				}

				e.subscribers[n.Type] = append(e.subscribers[n.Type], s)
			}
		}
	}

	if len(e.subscribers) > 0 {
		c, err := cloudevents.NewClientHTTP()
		if err != nil {
			return nil, err
		}
		e.client = c
	}

	return e, nil
}

func (e *eventSender) Send(ctx context.Context, msg Message) error {
	subscribers, ok := e.subscribers[msg.TopicName()]
	if !ok || len(subscribers) == 0 {
		return nil
	}

	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetTime(time.Now().UTC())
	event.SetSource(eventSource)
	event.SetType("diwise." + msg.TopicName())

	err := event.SetData(msg.ContentType(), msg.Body())
	if err != nil {
		return err
	}

	var errs []error

	for _, s := range subscribers {
		if !s.wants(msg.EntityID()) {
			continue
		}

		ctxWithTarget := cloudevents.ContextWithTarget(ctx, s.endpoint)

		result := e.client.Send(ctxWithTarget, event)
		if cloudevents.IsUndelivered(result) || errors.Is(result, unix.ECONNREFUSED) {
			errs = append(errs, fmt.Errorf("failed to send event to %s: %w", s.endpoint, result))
		}
	}

	return errors.Join(errs...)
}

type EntityInfo struct {
	IDPattern string `yaml:"idPattern"`
}

type RegistrationInfo struct {
	Entities []EntityInfo `yaml:"entities"`
}

type SubscriberConfig struct {
	Endpoint    string             `yaml:"endpoint"`
	Information []RegistrationInfo `yaml:"information"`
}

type Notification struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Type        string             `yaml:"type"`
	Subscribers []SubscriberConfig `yaml:"subscribers"`
}

type Config struct {
	Notifications []Notification `yaml:"notifications"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := Config{}
	if err := yaml.Unmarshal(buf, &cfg); err == nil {
		return &cfg, nil
	} else {
		return nil, err
	}
}
