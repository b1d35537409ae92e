package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/inboxsync/internal/status"
)

var (
	// ErrNotConnected is returned when a frame that must not be dropped is
	// sent while no connection is open.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrBackpressure is returned when the outbound buffer is full.
	ErrBackpressure = errors.New("realtime: outbound buffer full")
)

const maxFrameSize = 64 * 1024

// Config tunes the realtime client.
type Config struct {
	URL                  string
	Token                string
	HandshakeTimeout     time.Duration
	WriteWait            time.Duration
	PongWait             time.Duration
	PingInterval         time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int // 0 means retry forever
	SendBuffer           int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:   10 * time.Second,
		WriteWait:          10 * time.Second,
		PongWait:           20 * time.Second,
		PingInterval:       18 * time.Second,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
		SendBuffer:         256,
	}
}

type handler struct {
	id int
	fn func(Frame)
}

type reconnectHook struct {
	id int
	fn func()
}

// Client maintains a single websocket connection to the realtime server,
// reconnecting with backoff until its context is cancelled.
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	machine *status.Machine
	recon   *reconnector
	logger  *zap.Logger

	mu       sync.Mutex
	conn     *connection
	active   int64
	joined   map[int64]bool
	handlers []handler
	hooks    []reconnectHook
	nextID   int
}

// NewClient creates a client. machine may be nil, in which case the client
// keeps a private state machine.
func NewClient(cfg Config, machine *status.Machine, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if machine == nil {
		machine = status.NewMachine(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		machine: machine,
		recon:   newReconnector(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay, cfg.MaxReconnectAttempts),
		logger:  logger,
		joined:  make(map[int64]bool),
	}
}

// State returns the current connection state.
func (c *Client) State() status.State {
	return c.machine.Current()
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	return c.machine.Current() == status.Connected
}

// Run connects and keeps the connection alive until ctx is cancelled or the
// reconnect attempts are exhausted.
func (c *Client) Run(ctx context.Context) error {
	if err := c.machine.Transition(status.Connecting); err != nil {
		return fmt.Errorf("start realtime client: %w", err)
	}

	for {
		err := c.serve(ctx)
		if ctx.Err() != nil {
			c.transition(status.Closed)
			return nil
		}
		if !c.recon.shouldReconnect() {
			c.transition(status.Disconnected)
			return fmt.Errorf("realtime: giving up reconnecting: %w", err)
		}

		c.transition(status.Reconnecting)
		delay := c.recon.nextDelay()
		c.logger.Info("realtime connection lost, reconnecting",
			zap.Error(err), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.transition(status.Closed)
			return nil
		}
		c.transition(status.Connecting)
	}
}

// serve dials once and blocks until the connection drops.
func (c *Client) serve(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	conn := newConnection(ws, c.cfg.SendBuffer)
	c.recon.markConnected()

	c.mu.Lock()
	c.conn = conn
	c.joined = make(map[int64]bool)
	if c.active != 0 {
		if err := c.enqueueLocked(TypeRoomJoin, RoomPayload{ConversationID: c.active}); err == nil {
			c.joined[c.active] = true
		}
	}
	c.mu.Unlock()

	c.transition(status.Connected)
	c.logger.Info("realtime connected", zap.String("url", c.cfg.URL))

	go c.writePump(conn)
	go func() {
		select {
		case <-ctx.Done():
			conn.close()
		case <-conn.done:
		}
	}()

	c.notifyReconnect()
	err = c.readPump(conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.joined = make(map[int64]bool)
	c.mu.Unlock()
	conn.close()
	return err
}

func (c *Client) readPump(conn *connection) error {
	ws := conn.ws
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("realtime read failed", zap.Error(err))
			}
			return err
		}
		_ = ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
			c.logger.Warn("dropping malformed realtime frame",
				zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) writePump(conn *connection) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.close()
	}()

	for {
		select {
		case <-conn.done:
			_ = conn.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteWait))
			return
		case f := <-conn.egress:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := conn.ws.WriteJSON(f); err != nil {
				c.logger.Warn("realtime write failed", zap.String("type", f.Type), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("realtime ping failed", zap.Error(err))
				return
			}
		}
	}
}

// Send queues a frame for delivery. Room membership frames are a no-op while
// disconnected since the active room is joined again on reconnect. Any other
// frame fails with ErrNotConnected instead of being dropped.
func (c *Client) Send(frameType string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		if isMembership(frameType) {
			return nil
		}
		return ErrNotConnected
	}
	return c.enqueueLocked(frameType, payload)
}

func (c *Client) enqueueLocked(frameType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	return c.conn.enqueue(Frame{Type: frameType, Payload: raw})
}

// SetActiveConversation leaves the previously active room and joins the new
// one, in that order. Passing 0 only leaves.
func (c *Client) SetActiveConversation(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.active
	if prev == id {
		return
	}
	c.active = id
	if c.conn == nil {
		return
	}
	if prev != 0 && c.joined[prev] {
		if err := c.enqueueLocked(TypeRoomLeave, RoomPayload{ConversationID: prev}); err != nil {
			c.logger.Warn("leave room", zap.Int64("conversation_id", prev), zap.Error(err))
		}
		delete(c.joined, prev)
	}
	if id != 0 {
		if err := c.enqueueLocked(TypeRoomJoin, RoomPayload{ConversationID: id}); err != nil {
			c.logger.Warn("join room", zap.Int64("conversation_id", id), zap.Error(err))
			return
		}
		c.joined[id] = true
	}
}

// ActiveConversation returns the conversation whose room should be joined.
func (c *Client) ActiveConversation() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Joined returns the rooms joined on the current connection.
func (c *Client) Joined() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// SendTyping is best-effort.
func (c *Client) SendTyping(conversationID int64, typing bool) {
	if err := c.Send(TypeTyping, TypingPayload{ConversationID: conversationID, IsTyping: typing}); err != nil {
		c.logger.Debug("typing not sent", zap.Error(err))
	}
}

// SendPresence is best-effort.
func (c *Client) SendPresence(state string) {
	if err := c.Send(TypePresence, PresencePayload{Status: state}); err != nil {
		c.logger.Debug("presence not sent", zap.Error(err))
	}
}

// Subscribe registers fn for every inbound frame. Handlers run on the read
// goroutine in arrival order. Returns an unsubscribe function.
func (c *Client) Subscribe(fn func(Frame)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers = append(c.handlers, handler{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.handlers = slices.DeleteFunc(c.handlers, func(h handler) bool { return h.id == id })
	}
}

// OnReconnect registers fn to run after every successful connection,
// including the first.
func (c *Client) OnReconnect(fn func()) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.hooks = append(c.hooks, reconnectHook{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.hooks = slices.DeleteFunc(c.hooks, func(h reconnectHook) bool { return h.id == id })
	}
}

func (c *Client) dispatch(f Frame) {
	c.mu.Lock()
	handlers := slices.Clone(c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		c.safely("frame handler", func() { h.fn(f) })
	}
}

func (c *Client) notifyReconnect() {
	c.mu.Lock()
	hooks := slices.Clone(c.hooks)
	c.mu.Unlock()

	for _, h := range hooks {
		c.safely("reconnect hook", h.fn)
	}
}

func (c *Client) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(what+" panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

func (c *Client) transition(to status.State) {
	if err := c.machine.Transition(to); err != nil {
		c.logger.Debug("realtime state", zap.Error(err))
	}
}

type connection struct {
	ws        *websocket.Conn
	egress    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(ws *websocket.Conn, buf int) *connection {
	return &connection{
		ws:     ws,
		egress: make(chan Frame, buf),
		done:   make(chan struct{}),
	}
}

func (c *connection) enqueue(f Frame) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	select {
	case c.egress <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		// Give the write pump a moment to send the close frame.
		time.AfterFunc(100*time.Millisecond, func() { _ = c.ws.Close() })
	})
}
