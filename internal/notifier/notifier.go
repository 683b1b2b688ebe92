// Package notifier turns change events into at-most-once push deliveries.
//
// The idempotency gate records before it sends: a duplicate event (queue
// redelivery, replayed cycle) is dropped at the gate, and a send failure
// after a successful record is accepted loss, never a duplicate
// notification.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"noticewatch/internal/eventbus"
	"noticewatch/internal/notice"
	"noticewatch/internal/queue"
	"noticewatch/internal/storage"
	logx "noticewatch/pkg/logx"
)

// DefaultTTL bounds how long a delivered (department, notice, revision) key
// stays in the idempotency store. After expiry the same revision may
// legitimately renotify; the window only has to outlast the redelivery
// horizon of the dispatch queue.
const DefaultTTL = 30 * time.Minute

// Message is what a pusher delivers. Title/Link/Date/Category are filled
// from the hot snapshot when the notice is still in it; an already-evicted
// notice goes out with ids only.
type Message struct {
	DepartmentID string
	NoticeID     string
	Revision     int
	Kind         notice.ChangeKind
	Title        string
	Link         string
	Date         string
	Category     string
}

// Pusher delivers one message to a logical topic. Implementations map the
// topic to their own addressing (chat id, webhook URL, ...).
type Pusher interface {
	SendTopic(ctx context.Context, topic string, msg Message) error
}

// Service is the change-event consumer. One Service instance serves all
// departments; ordering per department is the dispatch queue's concern.
type Service struct {
	store    storage.Store
	pusher   Pusher
	ttl      time.Duration
	topicFor func(departmentID string) string
	log      logx.Logger
	bus      eventbus.Bus
}

func NewService(store storage.Store, pusher Pusher, ttl time.Duration, topicFor func(string) string, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if store == nil {
		return nil, errors.New("notifier: storage is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if topicFor == nil {
		topicFor = func(dept string) string { return "notices/" + dept }
	}
	return &Service{
		store:    store,
		pusher:   pusher,
		ttl:      ttl,
		topicFor: topicFor,
		log:      log,
		bus:      bus,
	}, nil
}

// IdempotencyKey is the stable dedup key for one notification attempt.
// Revision is part of the key: every content change renotifies exactly once.
func IdempotencyKey(ev notice.ChangeEvent) string {
	return fmt.Sprintf("notify:%s:%s:%d", ev.DepartmentID, ev.NoticeID, ev.Revision)
}

// Handle processes one change event and reports whether a push went out.
//
// A storage failure at the gate is returned (and retried upstream) because
// nothing was recorded or sent yet. A push failure after the record is
// logged and swallowed: retrying would find the key recorded and skip, so
// surfacing the error would only burn queue attempts.
func (s *Service) Handle(ctx context.Context, ev notice.ChangeEvent) (bool, error) {
	key := IdempotencyKey(ev)
	existed, err := s.store.ExistsOrCreate(ctx, key, s.ttl)
	if err != nil {
		return false, fmt.Errorf("idempotency gate: %w", err)
	}
	if existed {
		s.log.Debug("notify: duplicate suppressed",
			logx.String("dept", ev.DepartmentID),
			logx.String("notice", ev.NoticeID),
			logx.Int("revision", ev.Revision))
		s.publish(eventbus.TypeNotifySkipped, ev)
		return false, nil
	}

	if s.pusher == nil {
		// dry-run: gate recorded, nothing to deliver
		s.publish(eventbus.TypeNotifySent, ev)
		return false, nil
	}

	msg := s.buildMessage(ctx, ev)
	topic := s.topicFor(ev.DepartmentID)
	if err := s.pusher.SendTopic(ctx, topic, msg); err != nil {
		s.log.Warn("notify: delivery failed, not retrying",
			logx.String("dept", ev.DepartmentID),
			logx.String("notice", ev.NoticeID),
			logx.Int("revision", ev.Revision),
			logx.String("topic", topic),
			logx.Err(err))
		s.publish(eventbus.TypeNotifyFailed, ev)
		return false, nil
	}

	s.log.Info("notify: sent",
		logx.String("dept", ev.DepartmentID),
		logx.String("notice", ev.NoticeID),
		logx.Int("revision", ev.Revision),
		logx.String("kind", string(ev.Kind)),
		logx.String("topic", topic))
	s.publish(eventbus.TypeNotifySent, ev)
	return true, nil
}

// Handler adapts the service to a dispatch queue handler.
func (s *Service) Handler() queue.Handler {
	return func(ctx context.Context, d queue.Delivery) error {
		ev, ok := d.Payload.(notice.ChangeEvent)
		if !ok {
			return queue.NoRetry(fmt.Errorf("notifier: unexpected payload %T", d.Payload))
		}
		_, err := s.Handle(ctx, ev)
		return err
	}
}

func (s *Service) buildMessage(ctx context.Context, ev notice.ChangeEvent) Message {
	msg := Message{
		DepartmentID: ev.DepartmentID,
		NoticeID:     ev.NoticeID,
		Revision:     ev.Revision,
		Kind:         ev.Kind,
	}
	// Best effort: the notice may already have rolled out of the capped
	// snapshot by the time the event is consumed.
	snap, err := s.store.GetSnapshot(ctx, ev.DepartmentID)
	if err != nil {
		return msg
	}
	if it, ok := snap.ItemByID(ev.NoticeID); ok {
		msg.Title = it.Title
		msg.Link = it.Link
		msg.Date = it.Date
		msg.Category = it.Category
	}
	return msg
}

func (s *Service) publish(typ string, ev notice.ChangeEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
