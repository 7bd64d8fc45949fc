package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/qaroom/internal/questions"
	"github.com/ethereum/go-ethereum/common"
)

const (
	RealtimeEventQuestions = "questions"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "qaroom-gateway"
)

// StreamKey names the realtime stream of one viewer in one room.
func StreamKey(viewer common.Address, room common.Hash) string {
	return room.Hex() + "/" + viewer.Hex()
}

type RealtimeMessage struct {
	StreamKey string
	EventType string
	State     questions.State
	Timestamp time.Time
}

type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, streamKey string) (<-chan RealtimeMessage, func()) {
	if streamKey == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(streamKey, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(streamKey, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishState fans a session state out to the viewer's open streams.
func (d *RealtimeDispatcher) PublishState(state questions.State) {
	d.Publish(RealtimeMessage{
		StreamKey: StreamKey(state.Viewer, state.RoomID),
		EventType: RealtimeEventQuestions,
		State:     state,
		Timestamp: time.Now().UTC(),
	})
}

// Publish never blocks: a subscriber with a full buffer misses the message
// and catches up on the next state, which always carries the full list.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.StreamKey == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.StreamKey]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(streamKey string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[streamKey]; !ok {
		d.subscribers[streamKey] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[streamKey][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(streamKey string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[streamKey]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, streamKey)
		}
	}
	d.mu.Unlock()
}

func (d *RealtimeDispatcher) subscriberCount(streamKey string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[streamKey])
}
