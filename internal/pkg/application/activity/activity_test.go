package activity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diwise/iot-module-control/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

func TestSinkDeliversToEverySender(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	first, second := &recorder{}, &recorder{}
	failing := SenderFunc(func(ctx context.Context, msg Message) error { return errors.New("unreachable") })

	s := NewSink(zerolog.Logger{}, 10, first, failing, second)
	s.Start(ctx)

	is.True(s.Log(ctx, types.ActivityLogged{Type: TypeWarning, Message: "sensor-1 is offline", ModuleID: "sensor-1"}))
	is.True(s.Notify(ctx, &types.CutoffChanged{CutoffModuleID: "cutoff-1", Active: true}))

	s.Stop()

	is.Equal(len(first.messages()), 2)
	is.Equal(len(second.messages()), 2)

	entry := first.messages()[0].(*types.ActivityLogged)
	is.True(entry.ID != "")
	is.True(!entry.Timestamp.IsZero())
	is.Equal(first.messages()[1].TopicName(), "cutoff.changed")
}

func TestSinkDropsDuplicatesWithinWindow(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	r := &recorder{}
	s := NewSink(zerolog.Logger{}, 10, r)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	is.True(s.Log(ctx, types.ActivityLogged{Type: TypeError, Message: "boom"}))
	is.True(!s.Log(ctx, types.ActivityLogged{Type: TypeError, Message: "boom"}))
	is.True(s.Log(ctx, types.ActivityLogged{Type: TypeInfo, Message: "boom"}))

	now = now.Add(DefaultDedupeWindow)
	is.True(s.Log(ctx, types.ActivityLogged{Type: TypeError, Message: "boom"}))

	s.Start(ctx)
	s.Stop()

	is.Equal(len(r.messages()), 3)
}

func TestSinkNeverBlocksWhenQueueIsFull(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	s := NewSink(zerolog.Logger{}, 1, &recorder{})

	is.True(s.Log(ctx, types.ActivityLogged{Message: "first"}))
	is.True(!s.Log(ctx, types.ActivityLogged{Message: "second"}))
}

func TestTopicSenderPublishesOnTopic(t *testing.T) {
	is := is.New(t)

	p := &publisherStub{}
	err := NewTopicSender(p).Send(context.Background(), &types.ModuleStatusChanged{ModuleID: "sensor-1", Status: types.StatusEmergency})
	is.NoErr(err)
	is.Equal(p.topics, []string{"module.statusChanged"})
}

func TestEventSenderPostsToMatchingSubscribers(t *testing.T) {
	is := is.New(t)

	var mu sync.Mutex
	var received []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received = append(received, r.Header.Get("Ce-Type"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg, err := LoadConfiguration(strings.NewReader(strings.ReplaceAll(notificationsYaml, "ENDPOINT", server.URL)))
	is.NoErr(err)

	sender, err := NewEventSender(cfg)
	is.NoErr(err)

	ctx := context.Background()

	is.NoErr(sender.Send(ctx, &types.CutoffChanged{CutoffModuleID: "cutoff-1", Active: true}))
	is.NoErr(sender.Send(ctx, &types.CutoffChanged{CutoffModuleID: "pump-1", Active: true}))
	is.NoErr(sender.Send(ctx, &types.ModuleStatusChanged{ModuleID: "cutoff-1"}))

	mu.Lock()
	defer mu.Unlock()
	is.Equal(received, []string{"diwise.cutoff.changed"})
}

func TestEventSenderRejectsInvalidPattern(t *testing.T) {
	is := is.New(t)

	cfg := &Config{Notifications: []Notification{{
		ID:   "broken",
		Type: "cutoff.changed",
		Subscribers: []SubscriberConfig{{
			Endpoint:    "http://localhost",
			Information: []RegistrationInfo{{Entities: []EntityInfo{{IDPattern: "(["}}}},
		}},
	}}}

	_, err := NewEventSender(cfg)
	is.True(err != nil)
}

func TestConfig(t *testing.T) {
	is := is.New(t)

	cfg, err := LoadConfiguration(strings.NewReader(notificationsYaml))
	is.NoErr(err)
	is.Equal(len(cfg.Notifications), 1)
	is.Equal(cfg.Notifications[0].ID, "relays")
}

const notificationsYaml string = `
notifications:
  - id: relays
    name: Cutoff relay changes
    type: cutoff.changed
    subscribers:
    - endpoint: ENDPOINT
      information:
      - entities:
        - idPattern: ^cutoff-.+
`

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) Send(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message{}, r.msgs...)
}

type publisherStub struct {
	topics []string
}

func (p *publisherStub) PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error {
	p.topics = append(p.topics, message.TopicName())
	return nil
}
