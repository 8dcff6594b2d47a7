// Package streambus implements the control-plane's event stream: a bounded
// history ring, cursor-addressed replay, and a live fan-out channel that
// subscriptions read from after catching up on replay.
package streambus

import (
	"sync"
	"time"

	"github.com/ralph-run/ralph-api/internal/protocol"
	"github.com/ralph-run/ralph-api/internal/rpcerr"
)

const (
	// KeepaliveIntervalMs is how often the stream transport sends a
	// stream.keepalive event to idle subscribers.
	KeepaliveIntervalMs = 15_000

	defaultReplayLimit  = 200
	historyLimit        = 2048
	liveBufferCapacity  = 256
)

// StreamResource identifies the domain object an event concerns.
type StreamResource struct {
	Kind string `json:"type"`
	ID   string `json:"id"`
}

// StreamReplay describes whether an event was delivered live or replayed.
type StreamReplay struct {
	Mode            string `json:"mode"`
	RequestedCursor string `json:"requestedCursor,omitempty"`
	Batch           uint64 `json:"batch,omitempty"`
}

// StreamEventEnvelope is a single event on the events.v1 stream.
type StreamEventEnvelope struct {
	APIVersion string         `json:"apiVersion"`
	Stream     string         `json:"stream"`
	Topic      string         `json:"topic"`
	Cursor     string         `json:"cursor"`
	Sequence   uint64         `json:"sequence"`
	Ts         string         `json:"ts"`
	Resource   StreamResource `json:"resource"`
	Replay     StreamReplay   `json:"replay"`
	Payload    any            `json:"payload"`
}

// SubscribeParams is the decoded stream.subscribe request body.
type SubscribeParams struct {
	Topics      []string `json:"topics"`
	Cursor      string   `json:"cursor"`
	ReplayLimit uint16   `json:"replayLimit"`
	Filters     any      `json:"filters"`
}

// SubscribeResult is returned from stream.subscribe.
type SubscribeResult struct {
	SubscriptionID string   `json:"subscriptionId"`
	AcceptedTopics []string `json:"acceptedTopics"`
	Cursor         string   `json:"cursor"`
}

// ReplayBatch is the set of backlog events due to a subscription, plus how
// many were dropped for exceeding its replay limit.
type ReplayBatch struct {
	Events       []StreamEventEnvelope
	DroppedCount int
}

type subscriptionRecord struct {
	topics         map[string]struct{}
	filters        subscriptionFilters
	cursor         string
	replayLimit    int
	explicitCursor bool
	principal      string
}

func (s *subscriptionRecord) matches(event StreamEventEnvelope) bool {
	if _, ok := s.topics[event.Topic]; !ok {
		return false
	}
	return s.filters.matches(event)
}

// Bus is the in-process event stream: history + live fan-out + subscriptions.
type Bus struct {
	mu                  sync.Mutex
	sequence            uint64
	subscriptionCounter uint64
	history             []StreamEventEnvelope
	subscriptions       map[string]*subscriptionRecord

	liveMu sync.Mutex
	live   []chan StreamEventEnvelope

	now func() time.Time
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		subscriptions: make(map[string]*subscriptionRecord),
		now:           time.Now,
	}
}

// Subscribe registers a new subscription and returns its accepted topics and
// starting cursor. principal is the authenticated caller; the stream
// transport uses it later to reject cross-principal subscription hijacking.
func (b *Bus) Subscribe(params SubscribeParams, principal string) (*SubscribeResult, *rpcerr.Error) {
	acceptedTopics, err := normalizeTopics(params.Topics, protocol.StreamTopics)
	if err != nil {
		return nil, err
	}

	explicitCursor := params.Cursor != ""
	cursor := params.Cursor
	if explicitCursor {
		if err := validateCursor(cursor); err != nil {
			return nil, err
		}
	} else {
		cursor = b.latestCursorOrNow()
	}

	replayLimit := int(params.ReplayLimit)
	if replayLimit == 0 {
		replayLimit = defaultReplayLimit
	}

	filters, err := filtersFromJSON(params.Filters)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptionCounter++
	subscriptionID := formatID("sub", b.now(), b.subscriptionCounter)

	topicSet := make(map[string]struct{}, len(acceptedTopics))
	for _, t := range acceptedTopics {
		topicSet[t] = struct{}{}
	}

	b.subscriptions[subscriptionID] = &subscriptionRecord{
		topics:         topicSet,
		filters:        filters,
		cursor:         cursor,
		replayLimit:    replayLimit,
		explicitCursor: explicitCursor,
		principal:      principal,
	}

	return &SubscribeResult{
		SubscriptionID: subscriptionID,
		AcceptedTopics: acceptedTopics,
		Cursor:         cursor,
	}, nil
}

// SubscriptionPrincipal returns the principal that created subscriptionID.
func (b *Bus) SubscriptionPrincipal(subscriptionID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subscriptions[subscriptionID]
	if !ok {
		return "", false
	}
	return s.principal, true
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(subscriptionID string) *rpcerr.Error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscriptions[subscriptionID]; !ok {
		return subscriptionNotFound(subscriptionID)
	}
	delete(b.subscriptions, subscriptionID)
	return nil
}

// Ack advances a subscription's checkpoint cursor.
func (b *Bus) Ack(subscriptionID, cursor string) *rpcerr.Error {
	if err := validateCursor(cursor); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscriptions[subscriptionID]
	if !ok {
		return subscriptionNotFound(subscriptionID)
	}

	older, err := cursorIsOlder(cursor, sub.cursor)
	if err != nil {
		return err
	}
	if older {
		return rpcerr.New(rpcerr.PreconditionFailed, "stream.ack cursor is older than the subscription checkpoint").
			WithDetails(map[string]any{
				"subscriptionId": subscriptionID,
				"cursor":         cursor,
				"currentCursor":  sub.cursor,
			})
	}

	sub.cursor = cursor
	sub.explicitCursor = true
	return nil
}

// HasSubscription reports whether subscriptionID is currently registered.
func (b *Bus) HasSubscription(subscriptionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subscriptions[subscriptionID]
	return ok
}

// MatchesSubscription reports whether event passes subscriptionID's topic
// and filter gates.
func (b *Bus) MatchesSubscription(subscriptionID string, event StreamEventEnvelope) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscriptions[subscriptionID]
	if !ok {
		return false
	}
	return sub.matches(event)
}

// ReplayForSubscription returns every buffered event newer than
// subscriptionID's cursor, trimmed to its replay limit.
func (b *Bus) ReplayForSubscription(subscriptionID string) (*ReplayBatch, *rpcerr.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscriptions[subscriptionID]
	if !ok {
		return nil, subscriptionNotFound(subscriptionID)
	}

	cursorSeq, err := cursorSequence(sub.cursor)
	if err != nil {
		return nil, err
	}

	var matched []StreamEventEnvelope
	for _, event := range b.history {
		if event.Sequence > cursorSeq && sub.matches(event) {
			matched = append(matched, event)
		}
	}

	droppedCount := 0
	if len(matched) > sub.replayLimit {
		droppedCount = len(matched) - sub.replayLimit
		matched = matched[droppedCount:]
	}

	if len(matched) > 0 {
		replayMode := "replay"
		if sub.explicitCursor {
			replayMode = "resume"
		}
		batch := uint64(len(matched))
		for i := range matched {
			matched[i].Replay = StreamReplay{
				Mode:            replayMode,
				RequestedCursor: sub.cursor,
				Batch:           batch,
			}
		}
	}

	return &ReplayBatch{Events: matched, DroppedCount: droppedCount}, nil
}

// KeepaliveEvent builds an ephemeral stream.keepalive event for subscriptionID.
func (b *Bus) KeepaliveEvent(subscriptionID string, intervalMs int) StreamEventEnvelope {
	return b.ephemeralEvent("stream.keepalive", "stream", subscriptionID, map[string]any{"intervalMs": intervalMs})
}

// BackpressureEvent builds an ephemeral error.raised event reporting dropped
// events for subscriptionID.
func (b *Bus) BackpressureEvent(subscriptionID string, droppedCount int) StreamEventEnvelope {
	return b.ephemeralEvent("error.raised", "stream", subscriptionID, map[string]any{
		"code":      string(rpcerr.BackpressureDropped),
		"message":   subscriptionID + " dropped events due to backpressure",
		"retryable": true,
	})
}

// Publish appends event to history and fans it out to every live subscriber.
// Unknown topics are silently dropped, mirroring the teacher's closed topic
// catalog enforcement.
func (b *Bus) Publish(topic, resourceType, resourceID string, payload any) {
	if !isKnownTopic(topic) {
		return
	}

	b.mu.Lock()
	event := b.nextEventLocked(topic, resourceType, resourceID, payload, "live", "", 0)
	if len(b.history) >= historyLimit {
		b.history = b.history[1:]
	}
	b.history = append(b.history, event)
	b.mu.Unlock()

	b.broadcast(event)
}

// LiveChannel registers a new live fan-out reader, used by the stream
// transport (distinct from the RPC-level Subscribe, which only registers
// cursor/filter bookkeeping). The returned cancel func unregisters it.
func (b *Bus) LiveChannel() (<-chan StreamEventEnvelope, func()) {
	ch := make(chan StreamEventEnvelope, liveBufferCapacity)
	b.liveMu.Lock()
	b.live = append(b.live, ch)
	b.liveMu.Unlock()

	cancel := func() {
		b.liveMu.Lock()
		defer b.liveMu.Unlock()
		for i, c := range b.live {
			if c == ch {
				b.live = append(b.live[:i], b.live[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, cancel
}

func (b *Bus) broadcast(event StreamEventEnvelope) {
	b.liveMu.Lock()
	defer b.liveMu.Unlock()
	for _, ch := range b.live {
		select {
		case ch <- event:
		default:
			// Slow reader: drop rather than block the publisher. Dropped
			// live events are not counted, and the reader receives no
			// backpressure notice for them.
		}
	}
}

func (b *Bus) latestCursorOrNow() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.history) > 0 {
		return b.history[len(b.history)-1].Cursor
	}
	return formatCursor(b.now(), 0)
}

func (b *Bus) ephemeralEvent(topic, resourceType, resourceID string, payload any) StreamEventEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextEventLocked(topic, resourceType, resourceID, payload, "live", "", 0)
}

func (b *Bus) nextEventLocked(topic, resourceType, resourceID string, payload any, mode, requestedCursor string, batch uint64) StreamEventEnvelope {
	b.sequence++
	sequence := b.sequence

	return StreamEventEnvelope{
		APIVersion: protocol.APIVersion,
		Stream:     protocol.StreamName,
		Topic:      topic,
		Cursor:     formatCursor(b.now(), sequence),
		Sequence:   sequence,
		Ts:         nowTs(b.now()),
		Resource:   StreamResource{Kind: resourceType, ID: resourceID},
		Replay:     StreamReplay{Mode: mode, RequestedCursor: requestedCursor, Batch: batch},
		Payload:    payload,
	}
}

func isKnownTopic(topic string) bool {
	for _, t := range protocol.StreamTopics {
		if t == topic {
			return true
		}
	}
	return false
}

func subscriptionNotFound(subscriptionID string) *rpcerr.Error {
	return rpcerr.New(rpcerr.NotFound, "subscription '"+subscriptionID+"' not found").
		WithDetails(map[string]any{"subscriptionId": subscriptionID})
}

func nowTs(now time.Time) string {
	return now.UTC().Format("2006-01-02T15:04:05Z")
}
