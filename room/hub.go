package room

import (
	"context"
	"sync"
)

// Hub is an in-process Transport. Every channel is a set of member rooms;
// broadcasts are copied into each member's mailbox and delivered by that
// member's own goroutine, so a slow handler never blocks a sender.
type Hub struct {
	mu        sync.Mutex
	channels  map[string]map[*hubMember]struct{}
	connects  map[string]int
	eventEcho bool
}

var _ Transport = (*Hub)(nil)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithoutEventEcho stops the hub from delivering events back to their
// sender. Presence frames are always echoed.
func WithoutEventEcho() HubOption {
	return func(h *Hub) { h.eventEcho = false }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		channels:  make(map[string]map[*hubMember]struct{}),
		connects:  make(map[string]int),
		eventEcho: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type hubMember struct {
	hub     *Hub
	channel string
	link    *Link

	mu     sync.Mutex
	queue  []Frame
	notify chan struct{}
	done   chan struct{}
}

func (h *Hub) Connect(ctx context.Context, channel string, self Participant) (Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := &hubMember{
		hub:     h,
		channel: channel,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	m.link = NewLink(self, func(_ context.Context, f Frame) error {
		h.broadcast(channel, f, m)
		return nil
	}, m.close)

	h.mu.Lock()
	set, ok := h.channels[channel]
	if !ok {
		set = make(map[*hubMember]struct{})
		h.channels[channel] = set
	}
	var members []Participant
	for other := range set {
		if other.link.Joined() {
			members = append(members, other.link.Self())
		}
	}
	// The snapshot is applied before the member becomes visible to
	// broadcasts, so no later frame can be overwritten by it. No handler
	// is registered yet, so delivering under h.mu cannot re-enter the hub.
	snapshot := NewFrame(FramePresenceSync, self)
	snapshot.Members = members
	m.link.Deliver(snapshot)
	set[m] = struct{}{}
	h.connects[channel]++
	h.mu.Unlock()

	go m.pump()
	return m.link, nil
}

// Connections returns how many rooms have ever been opened on channel.
func (h *Hub) Connections(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connects[channel]
}

// Members returns how many rooms are currently attached to channel.
func (h *Hub) Members(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[channel])
}

func (h *Hub) broadcast(channel string, f Frame, sender *hubMember) {
	h.mu.Lock()
	targets := make([]*hubMember, 0, len(h.channels[channel]))
	for m := range h.channels[channel] {
		if m == sender && f.Kind == FrameEvent && !h.eventEcho {
			continue
		}
		targets = append(targets, m)
	}
	h.mu.Unlock()

	for _, m := range targets {
		m.enqueue(f)
	}
}

func (m *hubMember) enqueue(f Frame) {
	m.mu.Lock()
	m.queue = append(m.queue, f)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *hubMember) pump() {
	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
		}
		for {
			m.mu.Lock()
			batch := m.queue
			m.queue = nil
			m.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, f := range batch {
				m.link.Deliver(f)
			}
		}
	}
}

func (m *hubMember) close() error {
	h := m.hub
	h.mu.Lock()
	if set, ok := h.channels[m.channel]; ok {
		delete(set, m)
		if len(set) == 0 {
			delete(h.channels, m.channel)
		}
	}
	h.mu.Unlock()
	close(m.done)
	return nil
}
