package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/calebmorrow/notiq/internal/store"
	"github.com/calebmorrow/notiq/pkg/logger"
)

// Applier reconciles push events into the local record store. Incoming
// records go through the same merge path a sync response uses, so a device
// converges to the same state whether it hears about a change over the push
// channel or on its next sync pass.
type Applier struct {
	store *store.Store
	log   *zap.Logger
}

// NewApplier constructs an applier over the local store.
func NewApplier(st *store.Store) (*Applier, error) {
	if st == nil {
		return nil, errors.New("realtime: store is required")
	}
	return &Applier{
		store: st,
		log:   logger.WithComponent("realtime.applier"),
	}, nil
}

// Apply reconciles a single push event. Unknown event types are ignored.
func (a *Applier) Apply(ctx context.Context, event Event) error {
	switch event.Type {
	case EventNotificationNew, EventNotificationUpdate:
	default:
		a.log.Debug("ignoring event", zap.String("type", event.Type))
		return nil
	}

	record, err := event.Notification()
	if err != nil {
		a.log.Warn("malformed event payload", zap.String("type", event.Type), zap.Error(err))
		return err
	}

	if err := a.store.ApplyRemote(ctx, record); err != nil {
		return err
	}

	a.log.Debug("applied remote record",
		zap.String("type", event.Type),
		zap.String("notification_id", record.ID))
	return nil
}

const (
	subscriberMinBackoff = time.Second
	subscriberMaxBackoff = 30 * time.Second
)

// Subscriber maintains a WebSocket connection to the push channel and feeds
// incoming events to an Applier, reconnecting with capped backoff when the
// connection drops.
type Subscriber struct {
	url     string
	applier *Applier
	dialer  *websocket.Dialer
	log     *zap.Logger
}

// NewSubscriber constructs a subscriber for the given WebSocket URL.
func NewSubscriber(url string, applier *Applier) (*Subscriber, error) {
	if url == "" {
		return nil, errors.New("realtime: url is required")
	}
	if applier == nil {
		return nil, errors.New("realtime: applier is required")
	}
	return &Subscriber{
		url:     url,
		applier: applier,
		dialer:  websocket.DefaultDialer,
		log:     logger.WithComponent("realtime.subscriber"),
	}, nil
}

// Run connects and consumes events until the context is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	backoff := subscriberMinBackoff
	for {
		if err := s.consume(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("push channel disconnected", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > subscriberMaxBackoff {
			backoff = subscriberMaxBackoff
		}
	}
}

func (s *Subscriber) consume(ctx context.Context) error {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	s.log.Info("push channel connected", zap.String("url", s.url))

	// Unblock the read loop when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			return err
		}
		if err := s.applier.Apply(ctx, event); err != nil {
			s.log.Warn("failed to apply event", zap.String("type", event.Type), zap.Error(err))
		}
	}
}
