// Package provider keeps a local CRDT document in sync with every other
// replica attached to the same room.
//
// On join the provider broadcasts its state vector (update-step-1); every
// peer answers with the diff the provider is missing (update-step-2) and,
// if the provider was new to it, with its own state vector so the exchange
// runs both ways. Afterwards each local edit is relayed verbatim on the
// update event. Echo loops are cut in two places: messages whose presence
// id is our own are ignored, and only changes whose origin is a local edit
// are ever re-broadcast.
//
// All room events, timers and lifecycle calls are serialized on one
// goroutine per provider, so handlers never race each other.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"collabtext/awareness"
	"collabtext/codec"
	"collabtext/config"
	"collabtext/crdt"
	"collabtext/emitter"
	"collabtext/room"
)

// Room events used by the provider.
const (
	EventUpdate    = "update"
	EventStep1     = "update-step-1"
	EventStep2     = "update-step-2"
	EventAwareness = "awareness"
)

// ChannelSuffix is appended to the configured room name to form the
// channel the provider connects to.
const ChannelSuffix = ":yjs-provider"

// EventStatus is the emitter event carrying Status values.
const EventStatus = "status"

// Status is a lifecycle notification.
type Status string

const (
	StatusConnected  Status = "connected"
	StatusSynced     Status = "synced"
	StatusDisconnect Status = "disconnect"
	StatusDestroy    Status = "destroy"
)

// ErrDestroyed is returned by calls made after Destroy.
var ErrDestroyed = errors.New("provider: destroyed")

const (
	defaultHandshakeTimeout  = 5 * time.Second
	defaultAwarenessInterval = awareness.OutdatedTimeout / 10
	emitTimeout              = 10 * time.Second
)

// HistorySource returns the updates previously broadcast on a channel.
// *history.Fetcher implements it.
type HistorySource interface {
	Fetch(ctx context.Context, channel, apiKey string) [][]byte
}

// handshake is the payload of update-step-1 and update-step-2.
type handshake struct {
	// Origin is the guid of the sender's document.
	Origin      string `cbor:"1,keyasint"`
	StateVector []byte `cbor:"2,keyasint,omitempty"`
	Update      []byte `cbor:"3,keyasint,omitempty"`
	// ReplyTo is the presence id of the step-1 sender a step-2 answers.
	ReplyTo string `cbor:"4,keyasint,omitempty"`
}

// Provider synchronizes one document over one room.
type Provider struct {
	doc               crdt.Document
	transport         room.Transport
	config            *config.Store
	awareness         *awareness.Awareness
	history           HistorySource
	logger            *slog.Logger
	handshakeTimeout  time.Duration
	awarenessInterval time.Duration
	closeTransport    bool
	self              room.Participant

	events *emitter.Emitter[Status]

	state     atomic.Int32
	connected atomic.Bool
	synced    atomic.Bool
	destroyed atomic.Bool

	// Work for the loop goroutine. The queue is unbounded so the loop can
	// submit to itself without blocking.
	mu       sync.Mutex
	queue    []func()
	notify   chan struct{}
	quit     chan struct{}
	loopDone chan struct{}

	unhookDoc       func()
	unhookAwareness func()

	// Owned by the loop goroutine.
	session     uint64
	room        room.Room
	roomSubs    []func()
	pending     map[string]struct{}
	peers       map[string]struct{}
	peerClients map[string]map[uint64]struct{}
	round       uint64
	timer       *time.Timer
	tickerStop  chan struct{}
}

// Option configures a Provider.
type Option func(*Provider)

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithAwareness supplies the awareness tracker. By default one is created
// for the document's client id.
func WithAwareness(a *awareness.Awareness) Option {
	return func(p *Provider) { p.awareness = a }
}

// WithHistory makes Connect replay the channel's history before joining.
func WithHistory(h HistorySource) Option {
	return func(p *Provider) { p.history = h }
}

// WithHandshakeTimeout bounds how long the provider waits for handshake
// replies before declaring itself synced. Zero waits forever.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(p *Provider) { p.handshakeTimeout = d }
}

// WithAwarenessInterval sets how often stale awareness states are swept
// and the local state renewed.
func WithAwarenessInterval(d time.Duration) Option {
	return func(p *Provider) { p.awarenessInterval = d }
}

// WithTransportClose makes Destroy close the transport when it implements
// io.Closer.
func WithTransportClose() Option {
	return func(p *Provider) { p.closeTransport = true }
}

// New wires the provider to doc. The provider stays idle until Connect.
func New(doc crdt.Document, transport room.Transport, cfg *config.Store, opts ...Option) *Provider {
	p := &Provider{
		doc:               doc,
		transport:         transport,
		config:            cfg,
		logger:            slog.Default(),
		handshakeTimeout:  defaultHandshakeTimeout,
		awarenessInterval: defaultAwarenessInterval,
		events:            emitter.New[Status](),
		notify:            make(chan struct{}, 1),
		quit:              make(chan struct{}),
		loopDone:          make(chan struct{}),
		pending:           make(map[string]struct{}),
		peers:             make(map[string]struct{}),
		peerClients:       make(map[string]map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.awareness == nil {
		p.awareness = awareness.New(doc.ClientID())
	}
	p.self = cfg.Participant()
	if p.self.ID == "" {
		p.self.ID = uuid.NewString()
	}
	p.logger = p.logger.With("room", cfg.RoomName(), "participant", p.self.ID)

	p.unhookDoc = doc.OnUpdate(p.onDocUpdate)
	p.unhookAwareness = p.awareness.On(awareness.EventUpdate, p.onAwarenessUpdate)

	go p.run()
	return p
}

// Channel is the room channel the provider connects to.
func (p *Provider) Channel() string { return p.config.RoomName() + ChannelSuffix }

func (p *Provider) Document() crdt.Document          { return p.doc }
func (p *Provider) Awareness() *awareness.Awareness { return p.awareness }
func (p *Provider) Participant() room.Participant   { return p.self }
func (p *Provider) State() State                    { return State(p.state.Load()) }
func (p *Provider) Connected() bool                 { return p.connected.Load() }
func (p *Provider) Synced() bool                    { return p.synced.Load() }

// On subscribes fn to status notifications. fn runs on the provider's
// event goroutine and must not call Connect, Disconnect or Destroy.
func (p *Provider) On(fn func(Status)) (unsubscribe func()) {
	sub := p.events.On(EventStatus, fn)
	return func() { p.events.Off(sub) }
}

// Once is like On but fn runs for the next status only.
func (p *Provider) Once(fn func(Status)) (unsubscribe func()) {
	sub := p.events.Once(EventStatus, fn)
	return func() { p.events.Off(sub) }
}

func (p *Provider) setState(s State) {
	p.state.Store(int32(s))
}

func (p *Provider) run() {
	defer close(p.loopDone)
	for {
		select {
		case <-p.quit:
			return
		case <-p.notify:
		}
		for {
			p.mu.Lock()
			batch := p.queue
			p.queue = nil
			p.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
			}
		}
	}
}

// submit queues fn on the event goroutine and never blocks, so it is safe
// to call from the loop itself. fn is dropped once the loop has stopped.
func (p *Provider) submit(fn func()) {
	select {
	case <-p.quit:
		return
	default:
	}
	p.mu.Lock()
	p.queue = append(p.queue, fn)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// do runs fn on the event goroutine and waits for it.
func (p *Provider) do(ctx context.Context, fn func() error) error {
	select {
	case <-p.quit:
		return ErrDestroyed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	result := make(chan error, 1)
	p.submit(func() { result <- fn() })
	select {
	case err := <-result:
		return err
	case <-p.loopDone:
		return ErrDestroyed
	}
}

// deliver adapts a room handler so it runs on the event goroutine. Events
// still queued when their session ended are dropped.
func (p *Provider) deliver(fn func(room.Message)) room.Handler {
	session := p.session
	return func(m room.Message) {
		p.submit(func() {
			if p.live(session) {
				fn(m)
			}
		})
	}
}

func (p *Provider) deliverPresence(fn func(room.Participant)) room.PresenceHandler {
	session := p.session
	return func(pt room.Participant) {
		p.submit(func() {
			if p.live(session) {
				fn(pt)
			}
		})
	}
}

func (p *Provider) live(session uint64) bool {
	return p.State() != Destroyed && p.room != nil && session == p.session
}

// Connect opens the room and announces the local participant. Calling it
// while connecting or connected does nothing.
func (p *Provider) Connect(ctx context.Context) error {
	return p.do(ctx, func() error {
		switch p.State() {
		case Destroyed:
			return ErrDestroyed
		case Idle:
		default:
			return nil
		}
		p.setState(Connecting)
		p.session++
		channel := p.Channel()

		if p.history != nil {
			p.replayHistory(ctx, channel)
		}

		r, err := p.transport.Connect(ctx, channel, p.self)
		if err != nil {
			p.setState(Idle)
			return fmt.Errorf("provider: connecting to %s: %w", channel, err)
		}
		p.room = r
		// Handshake channels are subscribed before the join so a peer's
		// step-1 racing our own join confirmation is not lost.
		p.roomSubs = append(p.roomSubs,
			r.On(EventUpdate, p.deliver(p.onUpdate)),
			r.On(EventStep1, p.deliver(p.onStep1)),
			r.On(EventStep2, p.deliver(p.onStep2)),
			r.On(EventAwareness, p.deliver(p.onAwareness)),
			r.Presence().On(room.PresenceJoined, p.deliverPresence(p.onJoined)),
			r.Presence().On(room.PresenceLeft, p.deliverPresence(p.onLeft)),
		)

		if err := r.Presence().Join(ctx); err != nil {
			_ = p.leave()
			p.setState(Idle)
			return fmt.Errorf("provider: joining %s: %w", channel, err)
		}
		p.logger.Info("joining room", "channel", channel)
		return nil
	})
}

func (p *Provider) replayHistory(ctx context.Context, channel string) {
	updates := p.history.Fetch(ctx, channel, p.config.APIKey())
	for i, u := range updates {
		if err := p.doc.ApplyUpdate(u, crdt.History()); err != nil {
			p.logger.Warn("skipping history update", "index", i, "error", err)
		}
	}
	p.logger.Debug("replayed history", "updates", len(updates))
}

// Disconnect leaves the room but keeps the document wired, so a later
// Connect resumes synchronization.
func (p *Provider) Disconnect() error {
	return p.do(context.Background(), func() error {
		if p.State() == Destroyed {
			return ErrDestroyed
		}
		if p.room == nil {
			return nil
		}
		err := p.leave()
		p.setState(Idle)
		p.events.Emit(EventStatus, StatusDisconnect)
		p.logger.Info("disconnected")
		return err
	})
}

// Destroy tears the provider down: awareness is destroyed, the document
// hook removed and the room left. It is safe to call more than once; every
// other method fails with ErrDestroyed afterwards.
func (p *Provider) Destroy() error {
	if p.destroyed.Swap(true) {
		return nil
	}
	err := p.do(context.Background(), p.teardown)
	close(p.quit)
	<-p.loopDone
	return err
}

func (p *Provider) teardown() error {
	p.awareness.Destroy()
	p.unhookAwareness()
	p.unhookDoc()

	var errs []error
	if p.room != nil {
		errs = append(errs, p.leave())
	}
	if p.closeTransport {
		if c, ok := p.transport.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("provider: closing transport: %w", err))
			}
		}
	}
	p.setState(Destroyed)
	p.events.Emit(EventStatus, StatusDestroy)
	p.events.Clear()
	p.logger.Info("destroyed")
	return errors.Join(errs...)
}

// leave drops the room and every piece of per-session state.
func (p *Provider) leave() error {
	for _, unsubscribe := range p.roomSubs {
		unsubscribe()
	}
	p.roomSubs = nil
	err := p.room.Disconnect()
	p.room = nil
	p.session++

	p.connected.Store(false)
	p.synced.Store(false)
	p.stopTimer()
	p.stopTicker()
	clear(p.pending)
	clear(p.peers)
	clear(p.peerClients)

	var remote []uint64
	for id := range p.awareness.States() {
		if id != p.awareness.ClientID() {
			remote = append(remote, id)
		}
	}
	p.awareness.RemoveStates(remote, crdt.Remote(p.self.ID))

	if err != nil {
		return fmt.Errorf("provider: leaving room: %w", err)
	}
	return nil
}

// onDocUpdate decides whether a document change leaves this replica.
func (p *Provider) onDocUpdate(update []byte, origin crdt.Origin) {
	switch origin.Kind {
	case crdt.LocalEdit:
		if p.destroyed.Load() {
			return
		}
		data := slices.Clone(update)
		p.submit(func() {
			if p.connected.Load() {
				p.emit(EventUpdate, data)
			}
		})
	case crdt.RemoteApplied, crdt.HandshakeApplied, crdt.HistoryApplied:
		// Every other replica already has, or will get, these changes
		// from their author.
	}
}

func (p *Provider) onAwarenessUpdate(c awareness.Change) {
	if !c.Origin.IsLocal() || p.destroyed.Load() {
		return
	}
	clients := c.Clients()
	p.submit(func() {
		if p.connected.Load() {
			p.broadcastAwareness(clients)
		}
	})
}

func (p *Provider) onJoined(pt room.Participant) {
	if pt.ID != p.self.ID {
		// Peers announce themselves through update-step-1.
		return
	}
	if p.connected.Load() {
		// The transport reconnected and re-announced us. Peers may have
		// moved on meanwhile, so run the handshake again.
		p.logger.Info("rejoined room, resynchronizing")
		p.syncClients()
		p.broadcastAwareness([]uint64{p.awareness.ClientID()})
		return
	}

	p.connected.Store(true)
	p.setState(Handshaking)
	p.events.Emit(EventStatus, StatusConnected)
	p.logger.Info("connected")

	p.syncClients()
	p.broadcastAwareness([]uint64{p.awareness.ClientID()})
	p.startTicker()
}

func (p *Provider) onLeft(pt room.Participant) {
	if pt.ID == p.self.ID {
		return
	}
	delete(p.peers, pt.ID)
	if _, waiting := p.pending[pt.ID]; waiting {
		delete(p.pending, pt.ID)
		p.logger.Debug("pending peer left", "peer", pt.ID)
	}
	if clients, ok := p.peerClients[pt.ID]; ok {
		p.awareness.RemoveStates(slices.Collect(maps.Keys(clients)), crdt.Remote(pt.ID))
		delete(p.peerClients, pt.ID)
	}
	p.maybeSynced()
}

// syncClients broadcasts our state vector and waits for a step-2 reply
// from every peer currently present, plus extra.
func (p *Provider) syncClients(extra ...string) {
	clear(p.pending)
	if p.room != nil {
		for _, member := range p.room.Presence().Get() {
			if member.ID != p.self.ID {
				p.pending[member.ID] = struct{}{}
			}
		}
	}
	for _, id := range extra {
		p.pending[id] = struct{}{}
	}
	for id := range p.pending {
		p.peers[id] = struct{}{}
	}
	if len(p.pending) > 0 {
		p.markUnsynced()
	}

	p.round++
	p.emitHandshake(EventStep1, handshake{
		Origin:      p.doc.GUID(),
		StateVector: p.doc.EncodeStateVector(),
	})
	p.armTimer()
	p.maybeSynced()
}

func (p *Provider) onStep1(m room.Message) {
	peer := m.Participant.ID
	if peer == p.self.ID {
		return
	}
	var hs handshake
	if err := codec.Unmarshal(m.Data, &hs); err != nil {
		p.logger.Warn("dropping malformed update-step-1", "peer", peer, "error", err)
		return
	}

	diff, err := p.doc.EncodeStateAsUpdate(hs.StateVector)
	if err != nil {
		p.logger.Warn("computing diff for peer", "peer", peer, "error", err)
	} else {
		p.emitHandshake(EventStep2, handshake{Origin: p.doc.GUID(), Update: diff, ReplyTo: peer})
	}

	if _, known := p.peers[peer]; !known {
		// A newcomer may hold edits we lack; ask for them.
		p.logger.Debug("new peer, requesting its state", "peer", peer)
		p.syncClients(peer)
		p.broadcastAwareness([]uint64{p.awareness.ClientID()})
	}
}

func (p *Provider) onStep2(m room.Message) {
	peer := m.Participant.ID
	if peer == p.self.ID {
		return
	}
	var hs handshake
	if err := codec.Unmarshal(m.Data, &hs); err != nil {
		p.logger.Warn("dropping malformed update-step-2", "peer", peer, "error", err)
		return
	}
	// Replies addressed to other peers are applied too: merging is
	// idempotent and they can only bring us closer to convergence.
	if err := p.doc.ApplyUpdate(hs.Update, crdt.Handshake(peer)); err != nil {
		p.logger.Warn("applying handshake update", "peer", peer, "error", err)
	}
	if hs.ReplyTo == p.self.ID {
		delete(p.pending, peer)
		p.maybeSynced()
	}
}

func (p *Provider) onUpdate(m room.Message) {
	peer := m.Participant.ID
	if peer == p.self.ID {
		return
	}
	if err := p.doc.ApplyUpdate(m.Data, crdt.Remote(peer)); err != nil {
		p.logger.Warn("applying remote update", "peer", peer, "error", err)
	}
}

func (p *Provider) onAwareness(m room.Message) {
	peer := m.Participant.ID
	if peer == p.self.ID {
		return
	}
	clients, err := awareness.DecodeClients(m.Data)
	if err != nil {
		p.logger.Warn("dropping malformed awareness update", "peer", peer, "error", err)
		return
	}
	known, ok := p.peerClients[peer]
	if !ok {
		known = make(map[uint64]struct{})
		p.peerClients[peer] = known
	}
	for _, id := range clients {
		known[id] = struct{}{}
	}
	if err := p.awareness.ApplyUpdate(m.Data, crdt.Remote(peer)); err != nil {
		p.logger.Warn("applying awareness update", "peer", peer, "error", err)
	}
}

func (p *Provider) markUnsynced() {
	p.synced.Store(false)
	if p.connected.Load() {
		p.setState(Handshaking)
	}
}

// maybeSynced flips to synced once no handshake reply is outstanding.
func (p *Provider) maybeSynced() {
	if !p.connected.Load() || len(p.pending) > 0 || p.synced.Load() {
		return
	}
	p.synced.Store(true)
	p.setState(Synced)
	p.stopTimer()
	p.events.Emit(EventStatus, StatusSynced)
	p.logger.Debug("synced", "peers", len(p.peers))
}

func (p *Provider) armTimer() {
	p.stopTimer()
	if p.handshakeTimeout <= 0 || len(p.pending) == 0 {
		return
	}
	round := p.round
	p.timer = time.AfterFunc(p.handshakeTimeout, func() {
		p.submit(func() { p.onHandshakeTimeout(round) })
	})
}

func (p *Provider) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Provider) onHandshakeTimeout(round uint64) {
	if p.State() == Destroyed || round != p.round || len(p.pending) == 0 {
		return
	}
	p.logger.Warn("handshake timed out, continuing without replies",
		"missing", slices.Sorted(maps.Keys(p.pending)))
	clear(p.pending)
	p.maybeSynced()
}

func (p *Provider) startTicker() {
	if p.tickerStop != nil || p.awarenessInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	p.tickerStop = stop
	go func() {
		ticker := time.NewTicker(p.awarenessInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.submit(p.sweepAwareness)
			case <-stop:
				return
			case <-p.quit:
				return
			}
		}
	}()
}

func (p *Provider) stopTicker() {
	if p.tickerStop != nil {
		close(p.tickerStop)
		p.tickerStop = nil
	}
}

func (p *Provider) sweepAwareness() {
	if p.State() == Destroyed {
		return
	}
	now := time.Now()
	p.awareness.RenewLocal(now)
	if removed := p.awareness.RemoveOutdated(now); len(removed) > 0 {
		p.logger.Debug("removed outdated awareness states", "clients", removed)
	}
}

func (p *Provider) broadcastAwareness(clients []uint64) {
	data, err := p.awareness.EncodeUpdate(clients)
	if err != nil {
		p.logger.Warn("encoding awareness", "error", err)
		return
	}
	p.emit(EventAwareness, data)
}

func (p *Provider) emitHandshake(event string, hs handshake) {
	data, err := codec.Marshal(hs)
	if err != nil {
		p.logger.Warn("encoding handshake", "event", event, "error", err)
		return
	}
	p.emit(event, data)
}

// emit broadcasts on the current room. Failures are logged and dropped:
// the next handshake round repairs whatever a lost message missed.
func (p *Provider) emit(event string, data []byte) {
	if p.room == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	if err := p.room.Emit(ctx, event, data); err != nil {
		p.logger.Warn("broadcast failed", "event", event, "error", err)
	}
}
