package jrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

// EventSender is the part of a connection the SubscriptionManager needs to deliver events.
type EventSender interface {
	ID() string
	Send(ctx context.Context, frame []byte) error
}

// Subscription is a connection's registered interest in a topic. The topic may be a glob
// pattern where '.' separates segments: "*" matches one segment, "**" any number of them,
// and "{a,b}" either alternative.
type Subscription struct {
	ID        string    `json:"subscription"`
	Topic     string    `json:"topic"`
	ConnID    string    `json:"connId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Event is the params of an "event" notification.
type Event struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RetiredParams is the params of a "retired" notification.
type RetiredParams struct {
	Topic        string `json:"topic"`
	Subscription string `json:"subscription"`
}

// SubscriptionOption configures a SubscriptionManager.
type SubscriptionOption func(*SubscriptionManager)

// SubscriptionManager indexes subscriptions by topic and connection and fans published events
// out to the subscribed connections. It is safe for concurrent use.
type SubscriptionManager struct {
	deliveryTimeout time.Duration
	logger          *slog.Logger
	metrics         *Metrics

	mu      sync.RWMutex
	subs    map[string]*subscription
	byConn  map[string]map[string]*subscription // connID -> topic -> subscription
	senders map[string]EventSender
}

type subscription struct {
	Subscription
	matcher glob.Glob
}

type subscribeParams struct {
	Topic string `json:"topic"`
}

type subscribeResult struct {
	Subscription string `json:"subscription"`
	Topic        string `json:"topic"`
}

type unsubscribeParams struct {
	Subscription string `json:"subscription"`
}

type unsubscribeResult struct {
	Unsubscribed bool `json:"unsubscribed"`
}

const defaultDeliveryTimeout = 5 * time.Second

// WithDeliveryTimeout bounds how long a single event delivery may block on a slow connection.
func WithDeliveryTimeout(timeout time.Duration) SubscriptionOption {
	return func(m *SubscriptionManager) {
		m.deliveryTimeout = timeout
	}
}

// WithSubscriptionLogger sets the logger for the subscription manager.
func WithSubscriptionLogger(logger *slog.Logger) SubscriptionOption {
	return func(m *SubscriptionManager) {
		m.logger = withComponent(logger, "subscriptions")
	}
}

// WithSubscriptionMetrics records subscription and delivery counters into metrics.
func WithSubscriptionMetrics(metrics *Metrics) SubscriptionOption {
	return func(m *SubscriptionManager) {
		m.metrics = metrics
	}
}

// NewSubscriptionManager creates an empty SubscriptionManager.
func NewSubscriptionManager(options ...SubscriptionOption) *SubscriptionManager {
	m := &SubscriptionManager{
		deliveryTimeout: defaultDeliveryTimeout,
		logger:          withComponent(slog.Default(), "subscriptions"),
		subs:            make(map[string]*subscription),
		byConn:          make(map[string]map[string]*subscription),
		senders:         make(map[string]EventSender),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Subscribe registers the connection's interest in topic. Subscribing twice to the same topic
// on the same connection returns the existing subscription. An empty topic or an invalid
// pattern fails with InvalidParams.
func (m *SubscriptionManager) Subscribe(conn EventSender, topic string) (Subscription, error) {
	if topic == "" {
		return Subscription{}, NewInvalidParams("topic must not be empty")
	}
	matcher, err := glob.Compile(topic, '.')
	if err != nil {
		return Subscription{}, NewInvalidParams(fmt.Sprintf("invalid topic pattern %q: %v", topic, err))
	}

	connID := conn.ID()

	m.mu.Lock()
	defer m.mu.Unlock()

	topics, ok := m.byConn[connID]
	if !ok {
		topics = make(map[string]*subscription)
		m.byConn[connID] = topics
		m.senders[connID] = conn
	}
	if sub, ok := topics[topic]; ok {
		return sub.Subscription, nil
	}

	sub := &subscription{
		Subscription: Subscription{
			ID:        uuid.New().String(),
			Topic:     topic,
			ConnID:    connID,
			CreatedAt: time.Now(),
		},
		matcher: matcher,
	}
	topics[topic] = sub
	m.subs[sub.ID] = sub
	m.metrics.setSubscriptions(len(m.subs))

	m.logger.Debug("subscribed",
		slog.String("connID", connID),
		slog.String("topic", topic),
		slog.String("subscription", sub.ID))

	return sub.Subscription, nil
}

// Unsubscribe removes the subscription subID if it belongs to connID. It reports whether a
// subscription was removed.
func (m *SubscriptionManager) Unsubscribe(connID, subID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[subID]
	if !ok || sub.ConnID != connID {
		return false
	}
	m.removeLocked(sub)
	return true
}

// RemoveConnection removes every subscription of connID at once, so a concurrent Publish
// observes either all of them or none. It returns the number of removed subscriptions.
func (m *SubscriptionManager) RemoveConnection(connID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	topics := m.byConn[connID]
	for _, sub := range topics {
		delete(m.subs, sub.ID)
	}
	delete(m.byConn, connID)
	delete(m.senders, connID)
	m.metrics.setSubscriptions(len(m.subs))

	return len(topics)
}

// RetireTopic removes every subscription registered with exactly this topic and notifies each
// owner with a "retired" notification. It returns the number of removed subscriptions.
func (m *SubscriptionManager) RetireTopic(ctx context.Context, topic string) int {
	type retired struct {
		sender EventSender
		params RetiredParams
	}

	var targets []retired
	m.mu.Lock()
	for connID, topics := range m.byConn {
		sub, ok := topics[topic]
		if !ok {
			continue
		}
		targets = append(targets, retired{
			sender: m.senders[connID],
			params: RetiredParams{Topic: topic, Subscription: sub.ID},
		})
		m.removeLocked(sub)
	}
	m.mu.Unlock()

	for _, t := range targets {
		msg, err := NewNotification(MethodRetired, t.params)
		if err != nil {
			m.logger.Error("failed to build retired notification", slog.String("err", err.Error()))
			continue
		}
		frame, err := json.Marshal(msg)
		if err != nil {
			m.logger.Error("failed to marshal retired notification", slog.String("err", err.Error()))
			continue
		}
		if err := m.deliver(ctx, t.sender, frame); err != nil {
			m.logger.Warn("failed to notify retired topic",
				slog.String("connID", t.sender.ID()),
				slog.String("topic", topic),
				slog.String("err", err.Error()))
		}
	}

	return len(targets)
}

// Publish sends an "event" notification for topic to every connection holding at least one
// matching subscription, once per connection. Deliveries run concurrently and a failed delivery
// doesn't fail the publish. It returns the number of connections the event was delivered to,
// and an error only when payload can't be marshalled.
func (m *SubscriptionManager) Publish(ctx context.Context, topic string, payload any) (int, error) {
	payloadBs, err := marshalResult(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}
	msg, err := NewNotification(MethodEvent, Event{Topic: topic, Payload: payloadBs})
	if err != nil {
		return 0, err
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	var targets []EventSender
	m.mu.RLock()
	for connID, topics := range m.byConn {
		for _, sub := range topics {
			if sub.matcher.Match(topic) {
				targets = append(targets, m.senders[connID])
				break
			}
		}
	}
	m.mu.RUnlock()

	var delivered atomic.Int64
	var wg sync.WaitGroup
	for _, sender := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.deliver(ctx, sender, frame); err != nil {
				m.logger.Warn("failed to deliver event",
					slog.String("connID", sender.ID()),
					slog.String("topic", topic),
					slog.String("err", err.Error()))
				return
			}
			delivered.Add(1)
		}()
	}
	wg.Wait()

	n := int(delivered.Load())
	m.metrics.eventPublished(n, len(targets)-n)
	return n, nil
}

// Topics returns the distinct subscribed topics in ascending order.
func (m *SubscriptionManager) Topics() []string {
	m.mu.RLock()
	seen := make(map[string]struct{})
	for _, sub := range m.subs {
		seen[sub.Topic] = struct{}{}
	}
	m.mu.RUnlock()

	topics := make([]string, 0, len(seen))
	for topic := range seen {
		topics = append(topics, topic)
	}
	slices.Sort(topics)
	return topics
}

// ForConnection returns the subscriptions of connID ordered by topic.
func (m *SubscriptionManager) ForConnection(connID string) []Subscription {
	m.mu.RLock()
	subs := make([]Subscription, 0, len(m.byConn[connID]))
	for _, sub := range m.byConn[connID] {
		subs = append(subs, sub.Subscription)
	}
	m.mu.RUnlock()

	slices.SortFunc(subs, func(a, b Subscription) int {
		switch {
		case a.Topic < b.Topic:
			return -1
		case a.Topic > b.Topic:
			return 1
		default:
			return 0
		}
	})
	return subs
}

// Count returns the number of active subscriptions.
func (m *SubscriptionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

func (m *SubscriptionManager) removeLocked(sub *subscription) {
	delete(m.subs, sub.ID)
	if topics, ok := m.byConn[sub.ConnID]; ok {
		delete(topics, sub.Topic)
		if len(topics) == 0 {
			delete(m.byConn, sub.ConnID)
			delete(m.senders, sub.ConnID)
		}
	}
	m.metrics.setSubscriptions(len(m.subs))
}

func (m *SubscriptionManager) deliver(ctx context.Context, sender EventSender, frame []byte) error {
	if m.deliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.deliveryTimeout)
		defer cancel()
	}
	return sender.Send(ctx, frame)
}

// subscribeHandler serves the "subscribe" method for the connection in ctx.
func (m *SubscriptionManager) subscribeHandler() Handler {
	return Func(func(ctx context.Context, params subscribeParams) (subscribeResult, error) {
		conn, ok := ctx.Value(serverConnContextKey).(EventSender)
		if !ok {
			return subscribeResult{}, NewInternalError("subscribe requires a connection")
		}
		sub, err := m.Subscribe(conn, params.Topic)
		if err != nil {
			return subscribeResult{}, err
		}
		return subscribeResult{Subscription: sub.ID, Topic: sub.Topic}, nil
	})
}

// unsubscribeHandler serves the "unsubscribe" method for the connection in ctx.
func (m *SubscriptionManager) unsubscribeHandler() Handler {
	return Func(func(ctx context.Context, params unsubscribeParams) (unsubscribeResult, error) {
		connID, _ := ConnIDFromContext(ctx)
		if params.Subscription == "" {
			return unsubscribeResult{}, NewInvalidParams("subscription must not be empty")
		}
		return unsubscribeResult{Unsubscribed: m.Unsubscribe(connID, params.Subscription)}, nil
	})
}
