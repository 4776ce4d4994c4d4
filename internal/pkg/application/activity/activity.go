package activity

import (
	"context"
	"sync"
	"time"

	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/metrics"
	"github.com/diwise/iot-module-control/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	TypeSuccess string = "success"
	TypeError   string = "error"
	TypeWarning string = "warning"
	TypeInfo    string = "info"
)

const (
	DefaultQueueSize    int           = 256
	DefaultDedupeWindow time.Duration = 5 * time.Second
	sendTimeout         time.Duration = 5 * time.Second
)

type Message interface {
	ContentType() string
	TopicName() string
	EntityID() string
	Body() []byte
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type Notifier interface {
	Log(ctx context.Context, entry types.ActivityLogged) bool
	Notify(ctx context.Context, msg Message) bool
}

// Sink queues messages for asynchronous delivery to every sender. Enqueueing
// never blocks: messages are dropped when the queue is full.
type Sink struct {
	queue   chan Message
	senders []Sender
	log     zerolog.Logger

	window time.Duration
	mu     sync.Mutex
	recent map[string]time.Time
	now    func() time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSink(log zerolog.Logger, queueSize int, senders ...Sender) *Sink {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &Sink{
		queue:   make(chan Message, queueSize),
		senders: senders,
		log:     log,
		window:  DefaultDedupeWindow,
		recent:  map[string]time.Time{},
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Log enqueues an activity entry unless an entry with the same type and
// message was accepted within the de-duplication window. It reports whether
// the entry was accepted.
func (s *Sink) Log(ctx context.Context, entry types.ActivityLogged) bool {
	now := s.now()

	if entry.Type == "" {
		entry.Type = TypeInfo
	}

	key := entry.Type + "\x00" + entry.Message

	s.mu.Lock()
	if last, ok := s.recent[key]; ok && now.Sub(last) < s.window {
		s.mu.Unlock()
		return false
	}
	s.recent[key] = now
	if len(s.recent) > 256 {
		for k, t := range s.recent {
			if now.Sub(t) >= s.window {
				delete(s.recent, k)
			}
		}
	}
	s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now.UTC()
	}

	return s.Notify(ctx, &entry)
}

func (s *Sink) Notify(ctx context.Context, msg Message) bool {
	select {
	case s.queue <- msg:
		return true
	default:
		metrics.IncActivityDropped()
		s.log.Warn().Str("topic", msg.TopicName()).Msg("activity queue full, dropping message")
		return false
	}
}

func (s *Sink) Start(ctx context.Context) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		for {
			select {
			case msg := <-s.queue:
				s.deliver(ctx, msg)
			case <-s.done:
				s.drain(ctx)
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop delivers whatever is left in the queue and waits for the worker to exit.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *Sink) drain(ctx context.Context) {
	for {
		select {
		case msg := <-s.queue:
			s.deliver(ctx, msg)
		default:
			return
		}
	}
}

func (s *Sink) deliver(ctx context.Context, msg Message) {
	for _, sender := range s.senders {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := sender.Send(sendCtx, msg)
		cancel()

		if err != nil {
			s.log.Error().Err(err).Str("topic", msg.TopicName()).Msg("failed to deliver message")
		}
	}
}

// Discard is a Notifier that accepts and forgets everything.
type Discard struct{}

func (Discard) Log(context.Context, types.ActivityLogged) bool { return true }
func (Discard) Notify(context.Context, Message) bool { return true }
