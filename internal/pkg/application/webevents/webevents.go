package webevents

import (
	"context"
	"net/http"

	gosse "github.com/alexandrevicenzi/go-sse"
	"github.com/diwise/iot-module-control/internal/pkg/application/activity"
)

// WebEvents streams control loop messages to browsers as server sent events,
// using the message topic as event name.
type WebEvents interface {
	activity.Sender
	http.Handler
	Shutdown()
}

type webEvents struct {
	s *gosse.Server
}

func New() WebEvents {
	return &webEvents{
		s: gosse.NewServer(&gosse.Options{}),
	}
}

func (we *webEvents) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	we.s.ServeHTTP(w, r)
}

func (we *webEvents) Shutdown() {
	we.s.Shutdown()
}

func (we *webEvents) Send(ctx context.Context, msg activity.Message) error {
	message := gosse.NewMessage("", string(msg.Body()), msg.TopicName())
	we.s.SendMessage("", message)
	return nil
}
