package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// DefaultNumRequested is the flow-control window used when SubscribeOptions
// does not set one.
const DefaultNumRequested = 100

// Notifier receives the traffic of active subscriptions. Implementations must
// tolerate concurrent calls for different subscriptions; calls for one
// subscription arrive in stream order, and exactly one of SubscriptionError
// or SubscriptionEnd is the last call a subscription makes.
type Notifier interface {
	SubscriptionEvent(subscriptionID string, event ConsumerEvent)
	SubscriptionError(subscriptionID string, streamErr StreamError)
	SubscriptionEnd(subscriptionID string)
}

// SubscribeOptions names a new subscription.
type SubscribeOptions struct {
	// ID keys the subscription's notifications. A random id is assigned when
	// empty. Subscribe rejects an id that is already active.
	ID string
	// Topic to subscribe to. Required.
	Topic string
	// ReplayPreset picks the starting position; ReplayLatest when empty.
	ReplayPreset ReplayPreset
	// ReplayID is the position to resume after. Required with ReplayCustom,
	// ignored otherwise.
	ReplayID string
	// NumRequested is the flow-control window; DefaultNumRequested when
	// zero or negative.
	NumRequested int
	// Auth is pinned at subscribe time and used for the stream's whole life.
	Auth AuthMeta
}

type subState int

const (
	stateRequesting subState = iota
	stateStreaming
	stateError
	stateEnded
	stateUnsubscribed
)

type subscription struct {
	id           string
	topic        string
	numRequested int

	mu     sync.Mutex
	state  subState
	stream *FetchStream
	cancel context.CancelFunc
	ctx    context.Context
}

// activate moves a reserved subscription into the streaming state. It fails
// when the subscription was torn down while its stream was being opened.
func (s *subscription) activate(ctx context.Context, stream *FetchStream, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRequesting {
		return false
	}
	s.state = stateStreaming
	s.stream = stream
	s.cancel = cancel
	s.ctx = ctx
	return true
}

// finish moves the subscription into a terminal state. It reports false when
// the subscription is already terminal, which is how racing finishers (the
// reader, Unsubscribe, Close) elect exactly one winner.
func (s *subscription) finish(to subState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateError, stateEnded, stateUnsubscribed:
		return false
	}
	s.state = to
	return true
}

func (s *subscription) currentState() subState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// teardown cancels the reader and closes the stream. Safe to call in any
// state, including before the stream exists.
func (s *subscription) teardown() {
	s.mu.Lock()
	stream, cancel := s.stream, s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		_ = stream.Close()
	}
}

// Manager owns the fetch streams of one channel session. Each subscription
// runs a dedicated reader goroutine that forwards batches to the Notifier and
// tops up the platform's event credit.
type Manager struct {
	log      *zap.SugaredLogger
	client   *Client
	notifier Notifier

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool

	readers sync.WaitGroup
}

func NewManager(log *zap.SugaredLogger, client *Client, notifier Notifier) *Manager {
	return &Manager{
		log:      log,
		client:   client,
		notifier: notifier,
		subs:     make(map[string]*subscription),
	}
}

// Subscribe opens a fetch stream, sends the initial flow-control request and
// starts the reader. The context bounds only the opening of the stream; the
// stream itself lives until the platform ends it or Unsubscribe closes it.
// It returns the subscription id to correlate notifications with.
func (m *Manager) Subscribe(ctx context.Context, opts SubscribeOptions) (string, error) {
	if opts.Topic == "" {
		return "", ErrTopicRequired
	}
	preset := opts.ReplayPreset
	if preset == "" {
		preset = ReplayLatest
	}
	switch preset {
	case ReplayLatest, ReplayEarliest:
	case ReplayCustom:
		if opts.ReplayID == "" {
			return "", ErrReplayIDRequired
		}
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownReplayPreset, preset)
	}
	numRequested := opts.NumRequested
	if numRequested <= 0 {
		numRequested = DefaultNumRequested
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	sub := &subscription{id: id, topic: opts.Topic, numRequested: numRequested}

	// Reserve the id before any network work so concurrent subscribes with
	// the same id collide here instead of racing each other's streams.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	if _, exists := m.subs[id]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("subscription %q: %w", id, ErrSubscriptionExists)
	}
	m.subs[id] = sub
	m.mu.Unlock()

	stream, err := m.client.OpenFetch(ctx, opts.Auth)
	if err != nil {
		m.remove(sub)
		return "", fmt.Errorf("opening fetch stream: %w", err)
	}
	initial := &FetchRequest{
		TopicName:    opts.Topic,
		ReplayPreset: preset,
		NumRequested: numRequested,
	}
	if preset == ReplayCustom {
		initial.ReplayID = opts.ReplayID
	}
	if err := stream.Send(ctx, initial); err != nil {
		m.remove(sub)
		_ = stream.Close()
		return "", fmt.Errorf("sending initial fetch request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	if !sub.activate(streamCtx, stream, cancel) {
		// Close raced us while the stream was opening.
		cancel()
		_ = stream.Close()
		return "", ErrManagerClosed
	}
	m.readers.Add(1)
	go m.readStream(sub)

	m.log.Debugw("subscribed",
		"SubscriptionID", id,
		"Topic", opts.Topic,
		"ReplayPreset", preset,
		"NumRequested", numRequested)
	return id, nil
}

// readStream forwards batches until the stream ends, dies, or is closed by
// Unsubscribe. Exactly one terminal notification is delivered per
// subscription, and none at all after Unsubscribe.
func (m *Manager) readStream(sub *subscription) {
	defer m.readers.Done()
	for {
		resp, err := sub.stream.Recv(sub.ctx)
		if err != nil {
			m.finishStream(sub, err)
			return
		}
		if resp.Error != nil {
			if sub.finish(stateError) {
				m.remove(sub)
				sub.teardown()
				m.notifier.SubscriptionError(sub.id, *resp.Error)
			}
			return
		}
		if sub.currentState() != stateStreaming {
			return
		}
		for _, event := range resp.Events {
			m.notifier.SubscriptionEvent(sub.id, event)
		}
		// Top up the platform's credit when the batch drained it below half
		// of the window. At most one top-up per batch.
		if resp.PendingNumRequested < sub.numRequested/2 {
			topUp := &FetchRequest{NumRequested: sub.numRequested}
			if err := sub.stream.Send(sub.ctx, topUp); err != nil {
				m.finishStream(sub, err)
				return
			}
			m.log.Debugw("topped up fetch credit",
				"SubscriptionID", sub.id,
				"Pending", resp.PendingNumRequested,
				"NumRequested", sub.numRequested)
		}
	}
}

// finishStream classifies a Recv failure. A normal closure is the platform
// saying the stream is complete; anything else is a connection-level failure.
// Nothing is delivered when Unsubscribe or Close already took the
// subscription down.
func (m *Manager) finishStream(sub *subscription, err error) {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		if sub.finish(stateEnded) {
			m.remove(sub)
			sub.teardown()
			m.notifier.SubscriptionEnd(sub.id)
		}
	default:
		if sub.finish(stateError) {
			m.remove(sub)
			sub.teardown()
			m.log.Debugw("fetch stream failed", "SubscriptionID", sub.id, "Error", err)
			m.notifier.SubscriptionError(sub.id, StreamError{
				Code:    "connection",
				Message: err.Error(),
			})
		}
	}
}

// Unsubscribe closes a subscription's stream and forgets it. It reports
// whether the id named an active subscription and is safe to call any number
// of times; once a subscription is gone, further calls report false.
func (m *Manager) Unsubscribe(subscriptionID string) bool {
	m.mu.Lock()
	sub, ok := m.subs[subscriptionID]
	if ok {
		delete(m.subs, subscriptionID)
	}
	m.mu.Unlock()
	if !ok {
		m.log.Debugw("unsubscribe for unknown subscription", "SubscriptionID", subscriptionID)
		return false
	}
	sub.finish(stateUnsubscribed)
	sub.teardown()
	m.log.Debugw("unsubscribed", "SubscriptionID", subscriptionID)
	return true
}

// Close tears down every subscription without notifying and waits for the
// readers to drain. The manager rejects new subscriptions afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.finish(stateUnsubscribed)
		sub.teardown()
	}
	m.readers.Wait()
}

// remove forgets a subscription if it is still registered under its id.
func (m *Manager) remove(sub *subscription) {
	m.mu.Lock()
	if cur, ok := m.subs[sub.id]; ok && cur == sub {
		delete(m.subs, sub.id)
	}
	m.mu.Unlock()
}

// Active returns the ids of the currently streaming subscriptions.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	return ids
}
