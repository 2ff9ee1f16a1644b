package dashboard

import (
	"errors"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/geowarn/geowarn/internal/alert/domain"
)

const (
	DefaultBufferSize       = 50
	DefaultSubscriberBuffer = 16
)

// Hub fans committed alert snapshots out to connected dashboard
// subscribers. Publish is called exactly once per committed mutation,
// after durability is confirmed; slow subscribers are skipped rather
// than blocking the command path.
type Hub struct {
	mu               sync.RWMutex
	streams          map[snowflake.ID]*stream
	bufferSize       int
	subscriberBuffer int
}

type stream struct {
	mu     sync.Mutex
	buffer []domain.Snapshot
	subs   map[uint64]chan domain.Snapshot
	nextID uint64
}

type Subscription struct {
	hub     *Hub
	alertID snowflake.ID
	id      uint64
	ch      chan domain.Snapshot
	once    sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[snowflake.ID]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

func (h *Hub) Publish(snapshot domain.Snapshot) {
	if h == nil || snapshot.AlertID == 0 {
		return
	}
	h.mu.RLock()
	stream := h.streams[snapshot.AlertID]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	stream.buffer = append(stream.buffer, snapshot)
	if len(stream.buffer) > h.bufferSize {
		stream.buffer = stream.buffer[len(stream.buffer)-h.bufferSize:]
	}
	subs := make([]chan domain.Snapshot, 0, len(stream.subs))
	for _, ch := range stream.subs {
		subs = append(subs, ch)
	}
	stream.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func (h *Hub) Subscribe(alertID snowflake.ID) (*Subscription, []domain.Snapshot, error) {
	if h == nil {
		return nil, nil, errors.New("hub_unavailable")
	}
	if alertID == 0 {
		return nil, nil, errors.New("invalid_alert_id")
	}

	stream := h.ensureStream(alertID)
	stream.mu.Lock()
	if stream.subs == nil {
		stream.subs = make(map[uint64]chan domain.Snapshot)
	}
	id := stream.nextID
	stream.nextID++
	ch := make(chan domain.Snapshot, h.subscriberBuffer)
	stream.subs[id] = ch
	buffer := append([]domain.Snapshot(nil), stream.buffer...)
	stream.mu.Unlock()

	return &Subscription{
		hub:     h,
		alertID: alertID,
		id:      id,
		ch:      ch,
	}, buffer, nil
}

func (h *Hub) ensureStream(alertID snowflake.ID) *stream {
	h.mu.RLock()
	current := h.streams[alertID]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[alertID]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan domain.Snapshot)}
		h.streams[alertID] = current
	}
	return current
}

func (h *Hub) unsubscribe(alertID snowflake.ID, id uint64) {
	if h == nil {
		return
	}

	h.mu.RLock()
	stream := h.streams[alertID]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	delete(stream.subs, id)
	remaining := len(stream.subs)
	stream.mu.Unlock()
	if remaining != 0 {
		return
	}

	h.mu.Lock()
	current := h.streams[alertID]
	if current != stream {
		h.mu.Unlock()
		return
	}
	stream.mu.Lock()
	empty := len(stream.subs) == 0
	stream.mu.Unlock()
	if empty {
		delete(h.streams, alertID)
	}
	h.mu.Unlock()
}

func (s *Subscription) Snapshots() <-chan domain.Snapshot {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.alertID, s.id)
	})
}
