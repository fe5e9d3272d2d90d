package room

import (
	"context"
	"slices"
	"strings"
	"sync"

	"collabtext/emitter"
)

// PublishFunc puts a frame on the wire for every member of the channel.
type PublishFunc func(ctx context.Context, f Frame) error

// Link implements Room on top of a frame-level connection. A transport
// supplies a PublishFunc and a close function, and feeds every frame it
// receives into Deliver from a single goroutine.
type Link struct {
	publish PublishFunc
	close   func() error

	events   *emitter.Emitter[Message]
	presence *emitter.Emitter[Participant]

	mu      sync.Mutex
	self    Participant
	members map[string]Participant
	joined  bool
	closed  bool
}

var _ Room = (*Link)(nil)

// NewLink returns a Link for self. closeFn runs once, from the first
// Disconnect, after the leave frame has been published.
func NewLink(self Participant, publish PublishFunc, closeFn func() error) *Link {
	return &Link{
		publish:  publish,
		close:    closeFn,
		events:   emitter.New[Message](),
		presence: emitter.New[Participant](),
		self:     self,
		members:  make(map[string]Participant),
	}
}

// Self returns the local participant with its current metadata.
func (l *Link) Self() Participant {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.self
}

// Joined reports whether Join has been called on a link that is still
// open.
func (l *Link) Joined() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.joined && !l.closed
}

func (l *Link) On(event string, h Handler) func() {
	sub := l.events.On(event, func(m Message) { h(m) })
	return func() { l.events.Off(sub) }
}

func (l *Link) Emit(ctx context.Context, event string, data []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	self := l.self
	l.mu.Unlock()
	return l.publish(ctx, EventFrame(self, event, data))
}

func (l *Link) Presence() Presence { return linkPresence{l} }

func (l *Link) Disconnect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	joined := l.joined
	self := l.self
	l.mu.Unlock()

	if joined {
		// Best effort: transports whose server notices the dropped
		// connection announce the leave on our behalf anyway.
		_ = l.publish(context.Background(), NewFrame(FramePresenceLeave, self))
	}
	l.events.Clear()
	l.presence.Clear()
	return l.close()
}

// Deliver routes a received frame to handlers and updates membership.
// Frames arriving after Disconnect are dropped.
func (l *Link) Deliver(f Frame) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	switch f.Kind {
	case FrameEvent:
		l.mu.Unlock()
		m := f.Message()
		l.events.Emit(f.Name, m)
		l.events.Emit(AnyEvent, m)

	case FramePresenceJoin:
		l.members[f.From.ID] = f.From
		l.mu.Unlock()
		l.presence.Emit(string(PresenceJoined), f.From)

	case FramePresenceUpdate:
		l.members[f.From.ID] = f.From
		l.mu.Unlock()
		l.presence.Emit(string(PresenceUpdated), f.From)

	case FramePresenceLeave:
		_, known := l.members[f.From.ID]
		delete(l.members, f.From.ID)
		l.mu.Unlock()
		if known {
			l.presence.Emit(string(PresenceLeft), f.From)
		}

	case FramePresenceSync:
		next := make(map[string]Participant, len(f.Members))
		for _, p := range f.Members {
			next[p.ID] = p
		}
		var left, joined []Participant
		for id, p := range l.members {
			if _, ok := next[id]; !ok {
				left = append(left, p)
			}
		}
		for id, p := range next {
			if _, ok := l.members[id]; !ok {
				joined = append(joined, p)
			}
		}
		l.members = next
		l.mu.Unlock()
		for _, p := range left {
			l.presence.Emit(string(PresenceLeft), p)
		}
		for _, p := range joined {
			l.presence.Emit(string(PresenceJoined), p)
		}

	default:
		l.mu.Unlock()
	}
}

type linkPresence struct{ l *Link }

func (p linkPresence) On(event PresenceEvent, h PresenceHandler) func() {
	sub := p.l.presence.On(string(event), func(pt Participant) { h(pt) })
	return func() { p.l.presence.Off(sub) }
}

func (p linkPresence) Join(ctx context.Context) error {
	p.l.mu.Lock()
	if p.l.closed {
		p.l.mu.Unlock()
		return ErrClosed
	}
	p.l.joined = true
	self := p.l.self
	p.l.mu.Unlock()
	return p.l.publish(ctx, NewFrame(FramePresenceJoin, self))
}

func (p linkPresence) Update(ctx context.Context, metadata map[string]any) error {
	p.l.mu.Lock()
	if p.l.closed {
		p.l.mu.Unlock()
		return ErrClosed
	}
	p.l.self.Metadata = metadata
	self := p.l.self
	joined := p.l.joined
	p.l.mu.Unlock()
	if !joined {
		return nil
	}
	return p.l.publish(ctx, NewFrame(FramePresenceUpdate, self))
}

func (p linkPresence) Get() []Participant {
	p.l.mu.Lock()
	out := make([]Participant, 0, len(p.l.members))
	for _, m := range p.l.members {
		out = append(out, m)
	}
	p.l.mu.Unlock()
	slices.SortFunc(out, func(a, b Participant) int { return strings.Compare(a.ID, b.ID) })
	return out
}
