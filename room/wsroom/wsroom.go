// Package wsroom implements room.Transport as a client of the collabtext
// relay. Each room is one websocket to /ws/{channel}; frames are the CBOR
// room.Frame encoding in binary messages.
//
// A dropped connection is redialed with exponential backoff. After a
// redial the relay sends a fresh member snapshot and, if the local
// participant had joined, the join is replayed so peers see it again.
package wsroom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"collabtext/room"
)

// APIKeyHeader carries the relay API key.
const APIKeyHeader = "sv-api-key"

const (
	writeWait     = 10 * time.Second
	handshakeWait = 10 * time.Second
	maxFrameSize  = 1 << 20
)

// ErrOffline is returned by Emit while the connection is being redialed.
var ErrOffline = errors.New("wsroom: relay connection lost")

var errRejected = errors.New("wsroom: relay rejected credentials")

// Transport dials the relay at URL (ws:// or wss://).
type Transport struct {
	URL    string
	APIKey string
	Dialer *websocket.Dialer
	Logger *slog.Logger
	// NewBackOff returns the redial policy. The default retries forever
	// with exponential delays capped at ten seconds.
	NewBackOff func() backoff.BackOff
}

var _ room.Transport = (*Transport)(nil)

func New(relayURL, apiKey string, logger *slog.Logger) *Transport {
	return &Transport{URL: relayURL, APIKey: apiKey, Logger: logger}
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

func (t *Transport) dialer() *websocket.Dialer {
	if t.Dialer == nil {
		return websocket.DefaultDialer
	}
	return t.Dialer
}

func (t *Transport) backOff() backoff.BackOff {
	if t.NewBackOff != nil {
		return t.NewBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func (t *Transport) endpoint(channel string, self room.Participant) (string, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return "", fmt.Errorf("wsroom: parsing relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + channel
	u.RawPath = ""
	q := u.Query()
	q.Set("id", self.ID)
	if self.Name != "" {
		q.Set("name", self.Name)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *Transport) Connect(ctx context.Context, channel string, self room.Participant) (room.Room, error) {
	endpoint, err := t.endpoint(channel, self)
	if err != nil {
		return nil, err
	}
	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		transport: t,
		endpoint:  endpoint,
		logger:    t.logger().With("channel", channel, "participant", self.ID),
		ctx:       connCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	ws, snapshot, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("wsroom: connecting to %s: %w", channel, err)
	}
	c.ws = ws
	c.link = room.NewLink(self, c.write, c.close)
	c.link.Deliver(snapshot)

	go c.run(ws)
	c.logger.Debug("connected to relay", "members", len(snapshot.Members))
	return c.link, nil
}

type conn struct {
	transport *Transport
	endpoint  string
	logger    *slog.Logger
	link      *room.Link

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

// dial opens the websocket and reads the relay's member snapshot, retrying
// until ctx ends or the relay refuses the credentials.
func (c *conn) dial(ctx context.Context) (*websocket.Conn, room.Frame, error) {
	header := http.Header{}
	if c.transport.APIKey != "" {
		header.Set(APIKeyHeader, c.transport.APIKey)
	}

	var ws *websocket.Conn
	var snapshot room.Frame
	operation := func() error {
		next, resp, err := c.transport.dialer().DialContext(ctx, c.endpoint, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return backoff.Permanent(errRejected)
			}
			return err
		}
		next.SetReadLimit(maxFrameSize)
		next.SetReadDeadline(time.Now().Add(handshakeWait))
		_, data, err := next.ReadMessage()
		if err != nil {
			next.Close()
			return fmt.Errorf("reading member snapshot: %w", err)
		}
		f, err := room.DecodeFrame(data)
		if err != nil {
			next.Close()
			return err
		}
		if f.Kind != room.FramePresenceSync {
			next.Close()
			return fmt.Errorf("expected %s frame, got %s", room.FramePresenceSync, f.Kind)
		}
		next.SetReadDeadline(time.Time{})
		ws, snapshot = next, f
		return nil
	}

	b := backoff.WithContext(c.transport.backOff(), ctx)
	err := backoff.RetryNotify(operation, b, func(err error, wait time.Duration) {
		c.logger.Warn("relay unavailable, retrying", "error", err, "wait", wait)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, room.Frame{}, ctxErr
		}
		return nil, room.Frame{}, err
	}
	return ws, snapshot, nil
}

func (c *conn) run(ws *websocket.Conn) {
	defer close(c.done)
	for {
		err := c.read(ws)
		c.detach(ws)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("relay connection lost, redialing", "error", err)

		next, snapshot, err := c.dial(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Error("giving up on relay", "error", err)
			}
			return
		}
		if !c.attach(next) {
			next.Close()
			return
		}
		ws = next
		c.link.Deliver(snapshot)
		if c.link.Joined() {
			if err := c.write(c.ctx, room.NewFrame(room.FramePresenceJoin, c.link.Self())); err != nil {
				c.logger.Warn("replaying join", "error", err)
			}
		}
		c.logger.Info("reconnected to relay")
	}
}

func (c *conn) read(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		f, err := room.DecodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		c.link.Deliver(f)
	}
}

func (c *conn) attach(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.ws = ws
	return true
}

func (c *conn) detach(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
	ws.Close()
}

func (c *conn) write(ctx context.Context, f room.Frame) error {
	data, err := room.EncodeFrame(f)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return room.ErrClosed
	}
	if c.ws == nil {
		return ErrOffline
	}
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("wsroom: writing %s frame: %w", f.Kind, err)
	}
	return nil
}

func (c *conn) close() error {
	c.mu.Lock()
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		ws.Close()
	}
	<-c.done
	return nil
}
