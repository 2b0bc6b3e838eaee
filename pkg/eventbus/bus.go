// Package eventbus is the topic based publish/subscribe log connecting the
// orchestration subsystems and external subscribers.
package eventbus

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/agentflow/pkg/apperr"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/dukex/agentflow/pkg/security"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const defaultHistorySize = 10000

// Handler receives a copy of each delivered event.
type Handler func(ctx context.Context, event events.Event) error

// Authorizer decides topic access. *security.Gate implements it.
type Authorizer interface {
	AuthorizeTopic(ctx context.Context, principal string, op security.TopicOp, topic string) security.Decision
	TopicAllowed(principal, topic string) bool
}

type subscription struct {
	id        string
	topic     string
	principal string
	handler   Handler
}

// DeliveryFailure records a handler that returned an error or panicked.
type DeliveryFailure struct {
	SubscriptionID string `json:"subscription_id"`
	Principal      string `json:"principal"`
	Error          string `json:"error"`
}

// PublishResult describes what happened to a published event.
type PublishResult struct {
	Event     events.Event      `json:"event"`
	Delivered int               `json:"delivered"`
	Skipped   int               `json:"skipped"`
	Failures  []DeliveryFailure `json:"failures,omitempty"`
}

// HistoryQuery filters History. Limit keeps the most recent matches.
type HistoryQuery struct {
	Topic      string
	Since      time.Time
	FromOffset int64
	Limit      int
}

// SubscriptionInfo describes an active subscription.
type SubscriptionInfo struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	Principal string `json:"principal"`
}

// Bus keeps a bounded event history and delivers events synchronously.
type Bus struct {
	mu         sync.RWMutex
	history    []events.Event
	capacity   int
	nextOffset int64
	subs       []*subscription

	authorizer Authorizer
	signingKey []byte
	publisher  message.Publisher
	instanceID string
	store      persistence.Store
	logger     *slog.Logger
	now        func() time.Time

	persistMu sync.Mutex
	flushed   int64
	floor     int64

	cronMu    sync.Mutex
	scheduler *cron.Cron
}

// Option configures a Bus.
type Option func(*Bus)

// WithAuthorizer checks publish and subscribe permissions.
func WithAuthorizer(authorizer Authorizer) Option {
	return func(b *Bus) {
		b.authorizer = authorizer
	}
}

// WithSigningKey signs every published event with HMAC-SHA256.
func WithSigningKey(key []byte) Option {
	return func(b *Bus) {
		b.signingKey = key
	}
}

// WithPublisher forwards every published event to a watermill transport.
func WithPublisher(publisher message.Publisher) Option {
	return func(b *Bus) {
		b.publisher = publisher
	}
}

// WithStore persists the history in the events collection.
func WithStore(store persistence.Store) Option {
	return func(b *Bus) {
		b.store = store
	}
}

// WithHistorySize bounds the history. Oldest events are dropped first.
func WithHistorySize(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.capacity = size
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger.With("module", "event_bus")
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

// New creates a bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		capacity:   defaultHistorySize,
		nextOffset: 1,
		floor:      1,
		instanceID: watermill.NewShortUUID(),
		logger:     slog.Default().With("module", "event_bus"),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Publish authorizes event.Source for the topic, appends the event to the
// history and delivers it. A denied publish appends nothing.
func (b *Bus) Publish(ctx context.Context, event events.Event) (*PublishResult, error) {
	return b.publish(ctx, event.Source, event)
}

// Notify publishes a lifecycle event as the system principal.
func (b *Bus) Notify(ctx context.Context, source string, eventType events.EventType, payload map[string]any) {
	_, err := b.publish(ctx, security.SystemPrincipal, events.Event{
		Type:    eventType,
		Source:  source,
		Topic:   string(eventType),
		Payload: payload,
	})
	if err != nil {
		b.logger.ErrorContext(ctx, "Failed to publish lifecycle event", "event_type", eventType, "error", err)
	}
}

func (b *Bus) publish(ctx context.Context, principal string, event events.Event) (*PublishResult, error) {
	const op = "eventbus.Publish"

	if event.Topic == "" {
		event.Topic = string(event.Type)
	}

	if event.Type == "" {
		event.Type = events.EventType(event.Topic)
	}

	if event.Topic == "" {
		return nil, apperr.New(apperr.KindValidation, op, apperr.CodeInvalidEvent, "event topic or type is required")
	}

	if principal == "" {
		return nil, apperr.New(apperr.KindValidation, op, apperr.CodeInvalidEvent, "event source is required")
	}

	if b.authorizer != nil {
		decision := b.authorizer.AuthorizeTopic(ctx, principal, security.TopicPublish, event.Topic)
		if !decision.Allowed {
			return nil, decision.Err(op)
		}
	}

	if event.ID == "" {
		event.ID = watermill.NewULID()
	}

	event.Timestamp = b.now()
	event.Signature = b.sign(event)

	result := b.appendAndDeliver(ctx, event)

	if b.publisher != nil {
		b.forward(ctx, result.Event)
	}

	return result, nil
}

func (b *Bus) appendAndDeliver(ctx context.Context, event events.Event) *PublishResult {
	b.mu.Lock()
	event.Offset = b.nextOffset
	b.nextOffset++

	b.history = append(b.history, event)
	if len(b.history) >= 2*b.capacity {
		b.history = append([]events.Event(nil), b.window()...)
	}

	var targets []*subscription

	for _, sub := range b.subs {
		if topicMatches(sub.topic, event.Topic) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	result := &PublishResult{Event: event.Clone()}

	for _, sub := range targets {
		if b.authorizer != nil && !b.authorizer.TopicAllowed(sub.principal, sub.topic) {
			b.logger.WarnContext(ctx, "Skipping subscriber without topic permission",
				"subscription_id", sub.id, "principal", sub.principal, "topic", event.Topic)

			result.Skipped++

			continue
		}

		if err := b.invoke(ctx, sub, event); err != nil {
			b.logger.WarnContext(ctx, "Subscriber failed",
				"subscription_id", sub.id, "principal", sub.principal, "event_id", event.ID, "error", err)

			result.Failures = append(result.Failures, DeliveryFailure{
				SubscriptionID: sub.id,
				Principal:      sub.principal,
				Error:          err.Error(),
			})

			continue
		}

		result.Delivered++
	}

	return result
}

// window returns the live part of the history. Callers hold b.mu.
func (b *Bus) window() []events.Event {
	if len(b.history) <= b.capacity {
		return b.history
	}

	return b.history[len(b.history)-b.capacity:]
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, event events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return sub.handler(ctx, event.Clone())
}

// topicMatches reports whether a subscription pattern covers topic: "*",
// the exact topic, or a "prefix*" pattern such as "workflow:*".
func topicMatches(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}

	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}

	return false
}

// Subscribe registers handler for topic on behalf of principal and returns
// the subscription id.
func (b *Bus) Subscribe(ctx context.Context, topic, principal string, handler Handler) (string, error) {
	const op = "eventbus.Subscribe"

	if topic == "" || principal == "" || handler == nil {
		return "", apperr.New(apperr.KindValidation, op, apperr.CodeInvalidEvent, "topic, principal and handler are required")
	}

	if b.authorizer != nil {
		decision := b.authorizer.AuthorizeTopic(ctx, principal, security.TopicSubscribe, topic)
		if !decision.Allowed {
			return "", decision.Err(op)
		}
	}

	sub := &subscription{
		id:        uuid.NewString(),
		topic:     topic,
		principal: principal,
		handler:   handler,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.DebugContext(ctx, "Subscribed", "subscription_id", sub.id, "topic", topic, "principal", principal)

	return sub.id, nil
}

// Unsubscribe removes every subscription of principal on topic.
func (b *Bus) Unsubscribe(topic, principal string) bool {
	return b.removeWhere(func(s *subscription) bool {
		return s.topic == topic && s.principal == principal
	})
}

// Remove drops a single subscription by id.
func (b *Bus) Remove(subscriptionID string) bool {
	return b.removeWhere(func(s *subscription) bool {
		return s.id == subscriptionID
	})
}

func (b *Bus) removeWhere(match func(*subscription) bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.subs[:0]
	removed := false

	for _, sub := range b.subs {
		if match(sub) {
			removed = true

			continue
		}

		kept = append(kept, sub)
	}

	for i := len(kept); i < len(b.subs); i++ {
		b.subs[i] = nil
	}

	b.subs = kept

	return removed
}

// Subscriptions lists active subscriptions.
func (b *Bus) Subscriptions() []SubscriptionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]SubscriptionInfo, 0, len(b.subs))
	for _, sub := range b.subs {
		out = append(out, SubscriptionInfo{ID: sub.id, Topic: sub.topic, Principal: sub.principal})
	}

	return out
}

// History returns matching events in offset order.
func (b *Bus) History(q HistoryQuery) []events.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []events.Event

	for _, event := range b.window() {
		if q.Topic != "" && !topicMatches(q.Topic, event.Topic) {
			continue
		}

		if !q.Since.IsZero() && event.Timestamp.Before(q.Since) {
			continue
		}

		if event.Offset < q.FromOffset {
			continue
		}

		out = append(out, event.Clone())
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}

	return out
}

// Replay re-invokes the handlers principal registered for topic over the
// matching history. The history is left untouched.
func (b *Bus) Replay(ctx context.Context, principal, topic string, since time.Time) (int, error) {
	const op = "eventbus.Replay"

	if b.authorizer != nil && !b.authorizer.TopicAllowed(principal, topic) {
		return 0, apperr.Newf(apperr.KindPermission, op, apperr.CodeAccessDenied, "principal %s may not read topic %s", principal, topic)
	}

	b.mu.RLock()

	var subs []*subscription

	for _, sub := range b.subs {
		if sub.principal == principal && sub.topic == topic {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	if len(subs) == 0 {
		return 0, apperr.Newf(apperr.KindNotFound, op, apperr.CodeSubscriptionNotFound, "no subscription of %s on %s", principal, topic)
	}

	delivered := 0

	for _, event := range b.History(HistoryQuery{Topic: topic, Since: since}) {
		for _, sub := range subs {
			if err := b.invoke(ctx, sub, event); err != nil {
				b.logger.WarnContext(ctx, "Replay handler failed", "subscription_id", sub.id, "event_id", event.ID, "error", err)

				continue
			}

			delivered++
		}
	}

	return delivered, nil
}

func (b *Bus) sign(event events.Event) string {
	if len(b.signingKey) == 0 {
		return ""
	}

	mac := hmac.New(sha256.New, b.signingKey)
	_ = json.NewEncoder(mac).Encode(signedFields(event))

	return hex.EncodeToString(mac.Sum(nil))
}

// signedFields excludes the offset, which is local to each bus. The payload
// goes through a JSON round trip so structs and decoded maps sign alike.
func signedFields(event events.Event) any {
	var payload any

	if raw, err := json.Marshal(event.Payload); err == nil {
		_ = json.Unmarshal(raw, &payload)
	}

	return struct {
		ID        string           `json:"id"`
		Type      events.EventType `json:"type"`
		Source    string           `json:"source"`
		Topic     string           `json:"topic"`
		Payload   any              `json:"payload"`
		Timestamp string           `json:"timestamp"`
	}{
		ID:        event.ID,
		Type:      event.Type,
		Source:    event.Source,
		Topic:     event.Topic,
		Payload:   payload,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// Verify checks the event signature. Without a signing key nothing verifies.
func (b *Bus) Verify(event events.Event) bool {
	if len(b.signingKey) == 0 || event.Signature == "" {
		return false
	}

	want, err := hex.DecodeString(event.Signature)
	if err != nil {
		return false
	}

	got, err := hex.DecodeString(b.sign(event))
	if err != nil {
		return false
	}

	return hmac.Equal(want, got)
}
