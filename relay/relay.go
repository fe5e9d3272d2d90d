// Package relay serves the websocket endpoint wsroom clients connect to.
// Each websocket becomes one participant of a backend room (Redis in
// production, the in-process hub in tests); frames are translated in both
// directions. Update events are appended to a history store, which is also
// served on GET /yjs/{channel} for late joiners.
package relay

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"collabtext/history"
	"collabtext/room"
)

const apiKeyQuery = "api_key"

// Server is an http.Handler for the relay routes.
type Server struct {
	transport room.Transport
	store     history.Store
	apiKey    string
	logger    *slog.Logger
	limit     rate.Limit
	burst     int
	persisted []string

	router   *mux.Router
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHistory persists update events to store and serves them on
// /yjs/{channel}.
func WithHistory(store history.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithAPIKey requires key on every request. Websocket clients may pass it
// in the api_key query parameter instead of the header.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithRateLimit bounds the frames each connection may send per second.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Server) { s.limit, s.burst = limit, burst }
}

// WithPersistedEvents replaces the set of event names written to history.
func WithPersistedEvents(names ...string) Option {
	return func(s *Server) { s.persisted = names }
}

func New(transport room.Transport, opts ...Option) *Server {
	s := &Server{
		transport: transport,
		logger:    slog.Default(),
		limit:     200,
		burst:     400,
		persisted: []string{"update"},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = mux.NewRouter()
	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/{channel}", s.serveWS).Methods(http.MethodGet)
	if s.store != nil {
		history.NewHandler(s.store, s.apiKey, s.logger).Register(s.router)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Connections returns the number of open websocket sessions.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CloseSessions drops every open websocket. Clients redial on their own.
func (s *Server) CloseSessions() {
	s.mu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		sess.shutdown()
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.Connections(),
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" {
		return true
	}
	key := r.Header.Get(history.APIKeyHeader)
	if key == "" {
		key = r.URL.Query().Get(apiKeyQuery)
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) == 1
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	if !s.authorized(r) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	self := room.Participant{ID: q.Get("id"), Name: q.Get("name")}
	if self.ID == "" {
		http.Error(w, "missing participant id", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "channel", channel, "error", err)
		return
	}

	sess := newSession(s, ws, channel, self)
	s.track(sess, true)
	defer s.track(sess, false)
	sess.serve(r.Context())
}

func (s *Server) track(sess *session, open bool) {
	s.mu.Lock()
	if open {
		s.sessions[sess] = struct{}{}
	} else {
		delete(s.sessions, sess)
	}
	n := len(s.sessions)
	s.mu.Unlock()
	s.logger.Debug("relay sessions", "open", n)
}

func (s *Server) persists(event string) bool {
	return s.store != nil && slices.Contains(s.persisted, event)
}
