package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"collabtext/room"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
	sendBuffer   = 256
)

// session is one websocket attached to one backend room.
type session struct {
	server  *Server
	ws      *websocket.Conn
	channel string
	self    room.Participant
	logger  *slog.Logger
	limiter *rate.Limiter

	// mu orders frames into send; the member snapshot must go first.
	mu   sync.Mutex
	send chan []byte

	done     chan struct{}
	stopOnce sync.Once
}

func newSession(s *Server, ws *websocket.Conn, channel string, self room.Participant) *session {
	return &session{
		server:  s,
		ws:      ws,
		channel: channel,
		self:    self,
		logger:  s.logger.With("channel", channel, "participant", self.ID),
		limiter: rate.NewLimiter(s.limit, s.burst),
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
}

func (sess *session) shutdown() {
	sess.stopOnce.Do(func() {
		close(sess.done)
		sess.ws.Close()
	})
}

func (sess *session) serve(reqCtx context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(reqCtx))
	defer cancel()
	defer sess.shutdown()

	rm, err := sess.server.transport.Connect(ctx, sess.channel, sess.self)
	if err != nil {
		sess.logger.Error("opening backend room", "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "room unavailable")
		sess.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		return
	}
	defer func() {
		if err := rm.Disconnect(); err != nil {
			sess.logger.Warn("leaving backend room", "error", err)
		}
	}()

	sess.mu.Lock()
	rm.On(room.AnyEvent, func(m room.Message) {
		sess.forward(room.Frame{
			ID:        m.ID,
			Kind:      room.FrameEvent,
			Name:      m.Name,
			Data:      m.Data,
			From:      m.Participant,
			Timestamp: m.Timestamp.UnixMilli(),
		})
	})
	presence := rm.Presence()
	for event, kind := range map[room.PresenceEvent]room.FrameKind{
		room.PresenceJoined:  room.FramePresenceJoin,
		room.PresenceLeft:    room.FramePresenceLeave,
		room.PresenceUpdated: room.FramePresenceUpdate,
	} {
		presence.On(event, func(p room.Participant) {
			sess.forward(room.NewFrame(kind, p))
		})
	}
	snapshot := room.NewFrame(room.FramePresenceSync, sess.self)
	snapshot.Members = presence.Get()
	sess.enqueueLocked(snapshot)
	sess.mu.Unlock()

	go sess.writePump()
	sess.logger.Info("client connected", "members", len(snapshot.Members))
	sess.readPump(ctx, rm)
	sess.logger.Info("client disconnected")
}

// forward queues a frame for the client. A client that cannot keep up is
// dropped; it will redial and resynchronize.
func (sess *session) forward(f room.Frame) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.enqueueLocked(f)
}

func (sess *session) enqueueLocked(f room.Frame) {
	data, err := room.EncodeFrame(f)
	if err != nil {
		sess.logger.Warn("encoding frame for client", "error", err)
		return
	}
	select {
	case <-sess.done:
	case sess.send <- data:
	default:
		sess.logger.Warn("client too slow, dropping connection")
		go sess.shutdown()
	}
}

func (sess *session) writePump() {
	defer sess.shutdown()
	for {
		select {
		case <-sess.done:
			sess.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case data := <-sess.send:
			sess.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				sess.logger.Debug("writing to client", "error", err)
				return
			}
		}
	}
}

func (sess *session) readPump(ctx context.Context, rm room.Room) {
	sess.ws.SetReadLimit(maxFrameSize)
	for {
		_, data, err := sess.ws.ReadMessage()
		if err != nil {
			return
		}
		if err := sess.limiter.Wait(ctx); err != nil {
			return
		}
		f, err := room.DecodeFrame(data)
		if err != nil {
			sess.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		// The sender's identity is the one the connection was opened
		// with; f.From is not trusted.
		switch f.Kind {
		case room.FrameEvent:
			if sess.server.persists(f.Name) {
				if _, err := sess.server.store.Append(ctx, sess.channel, f.Data); err != nil {
					sess.logger.Error("persisting update", "error", err)
				}
			}
			if err := rm.Emit(ctx, f.Name, f.Data); err != nil {
				sess.logger.Warn("relaying event", "event", f.Name, "error", err)
			}
		case room.FramePresenceJoin:
			if err := rm.Presence().Join(ctx); err != nil {
				sess.logger.Warn("joining backend room", "error", err)
			}
		case room.FramePresenceUpdate:
			if err := rm.Presence().Update(ctx, f.From.Metadata); err != nil {
				sess.logger.Warn("updating presence", "error", err)
			}
		case room.FramePresenceLeave:
			return
		default:
			sess.logger.Warn("ignoring client frame", "kind", f.Kind)
		}
	}
}
