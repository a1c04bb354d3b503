package networking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"floatingspheres/broker/internal/events"
	"floatingspheres/broker/internal/input"
	"floatingspheres/broker/internal/logging"
	"floatingspheres/broker/internal/simulation"
)

const (
	writeWait    = 10 * time.Second
	frameBuffer  = 4
	textBuffer   = 64
	eventBuffer  = 64
	ackMessage   = "ack"
	helloMessage = "hello"
)

var (
	errHubClosed     = errors.New("hub is shutting down")
	errHubFull       = errors.New("client limit reached")
	errClientInUse   = errors.New("client id already connected")
	errInvalidClient = errors.New("client id contains unsupported characters")
)

// CommandSink accepts commands decoded from clients.
type CommandSink interface {
	Submit(cmd simulation.Command) error
}

// Options tunes connection handling.
type Options struct {
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxClients      int
	SendNeighbors   bool
}

// HubOption customises hub construction.
type HubOption func(*Hub)

// WithGate applies ordering and rate gating to client commands.
func WithGate(gate *input.Gate) HubOption { return func(h *Hub) { h.gate = gate } }

// WithValidator applies range checks and cooldowns to client commands.
func WithValidator(validator *input.Validator) HubOption {
	return func(h *Hub) { h.validator = validator }
}

// WithBandwidth overrides the per-client frame budget.
func WithBandwidth(regulator *BandwidthRegulator) HubOption {
	return func(h *Hub) {
		if regulator != nil {
			h.bandwidth = regulator
		}
	}
}

// WithEvents forwards lifecycle notifications to every client.
func WithEvents(stream *events.Stream) HubOption { return func(h *Hub) { h.events = stream } }

// WithHello replaces the greeting sent to each client after it connects.
func WithHello(hello func(clientID string) any) HubOption {
	return func(h *Hub) {
		if hello != nil {
			h.hello = hello
		}
	}
}

// HubStats summarises fan-out activity for monitoring endpoints.
type HubStats struct {
	Clients    int                   `json:"clients"`
	Broadcasts uint64                `json:"broadcasts"`
	FramesSent uint64                `json:"frames_sent"`
	Commands   uint64                `json:"commands"`
	Rejected   uint64                `json:"rejected"`
	Drops      map[DropReason]uint64 `json:"frame_drops,omitempty"`
	Bandwidth  BandwidthTotals       `json:"bandwidth"`
}

// Hub upgrades websocket clients, fans frames out to them and feeds their
// commands to the engine. Frames are lossy; events are delivered in order
// and replayed to a client that reconnects with the same client_id.
type Hub struct {
	opts      Options
	sink      CommandSink
	log       *logging.Logger
	gate      *input.Gate
	validator *input.Validator
	bandwidth *BandwidthRegulator
	events    *events.Stream
	metrics   *FrameMetrics
	hello     func(clientID string) any
	auth      Authenticator
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool

	nextID     atomic.Uint64
	broadcasts atomic.Uint64
	commands   atomic.Uint64
	rejected   atomic.Uint64
}

type client struct {
	id        string
	resumable bool
	conn      *websocket.Conn
	frames    chan []byte
	text      chan []byte
	done      chan struct{}
	once      sync.Once
}

func (c *client) close() { c.once.Do(func() { close(c.done) }) }

// enqueueText queues a best-effort reply without blocking the reader.
func (c *client) enqueueText(payload []byte) {
	select {
	case c.text <- payload:
	default:
	}
}

// NewHub constructs a hub that submits commands to sink.
func NewHub(opts Options, sink CommandSink, logger *logging.Logger, options ...HubOption) *Hub {
	if logger == nil {
		logger = logging.L()
	}
	hub := &Hub{
		opts:      opts,
		sink:      sink,
		log:       logger,
		bandwidth: NewBandwidthRegulator(DefaultBandwidthBytesPerSecond, DefaultBandwidthBurst, nil),
		metrics:   NewFrameMetrics(),
		clients:   make(map[string]*client),
		hello: func(clientID string) any {
			return map[string]any{"type": helloMessage, "client_id": clientID}
		},
	}
	for _, option := range options {
		if option != nil {
			option(hub)
		}
	}
	hub.upgrader = websocket.Upgrader{CheckOrigin: originChecker(opts.AllowedOrigins)}
	return hub
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if h.auth != nil {
		subject, err := h.auth.Authenticate(r)
		if err != nil {
			h.log.Warn("websocket authentication failed", logging.String("remote", r.RemoteAddr), logging.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		id = subject
	}
	resumable := id != ""
	if !resumable {
		id = fmt.Sprintf("ws-%d", h.nextID.Add(1))
	}
	c := &client{
		id:        id,
		resumable: resumable,
		frames:    make(chan []byte, frameBuffer),
		text:      make(chan []byte, textBuffer),
		done:      make(chan struct{}),
	}
	//1.- Reserve the slot before upgrading so limits hold under concurrent dials.
	if err := h.reserve(c); err != nil {
		status := http.StatusServiceUnavailable
		switch {
		case errors.Is(err, errClientInUse):
			status = http.StatusConflict
		case errors.Is(err, errInvalidClient):
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logging.String("remote", r.RemoteAddr), logging.Error(err))
		h.release(c, nil)
		return
	}
	c.conn = conn
	if h.opts.MaxPayloadBytes > 0 {
		conn.SetReadLimit(h.opts.MaxPayloadBytes)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := h.log.With(logging.String("client_id", id), logging.String("remote", r.RemoteAddr))

	var sub *events.Subscription
	if h.events != nil {
		sub, err = h.events.Subscribe(ctx, id, eventBuffer)
		if err != nil {
			logger.Warn("event subscription failed", logging.Error(err))
		}
	}
	//2.- Greet after subscribing so anything published later reaches this client.
	if greeting, err := json.Marshal(h.hello(id)); err == nil {
		c.enqueueText(greeting)
	}
	logger.Info("websocket client connected", logging.Bool("resumable", resumable))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writePump(c, logger)
	}()
	if sub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.eventPump(c, sub, logger)
		}()
	}

	h.readPump(c, sub, logger)
	c.close()
	cancel()
	wg.Wait()
	h.release(c, sub)
	logger.Info("websocket client disconnected")
}

func (h *Hub) reserve(c *client) error {
	for _, r := range c.id {
		if r < 0x21 || r > 0x7e {
			return errInvalidClient
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.closed:
		return errHubClosed
	case h.clients[c.id] != nil:
		return errClientInUse
	case h.opts.MaxClients > 0 && len(h.clients) >= h.opts.MaxClients:
		return errHubFull
	}
	h.clients[c.id] = c
	return nil
}

func (h *Hub) release(c *client, sub *events.Subscription) {
	h.mu.Lock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	h.gate.Forget(c.id)
	h.validator.Forget(c.id)
	h.bandwidth.Forget(c.id)
	h.metrics.ForgetClient(c.id)
	if sub != nil {
		sub.Close()
	}
	//1.- Generated ids can never reconnect, so their acknowledgement state is dropped.
	if h.events != nil && !c.resumable {
		h.events.Forget(c.id)
	}
}

func (h *Hub) readPump(c *client, sub *events.Subscription, logger *logging.Logger) {
	if ping := h.opts.PingInterval; ping > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * ping))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(2 * ping))
		})
	}
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read failed", logging.Error(err))
			}
			return
		}
		if !h.handleMessage(c, sub, kind, data, logger) {
			return
		}
	}
}

// handleMessage processes one inbound message and reports whether the
// client may stay connected.
func (h *Hub) handleMessage(c *client, sub *events.Subscription, kind int, data []byte, logger *logging.Logger) bool {
	if kind != websocket.TextMessage {
		return h.reject(c, h.validator.RejectMalformed(c.id), logger)
	}
	var probe struct {
		Type     string `json:"type"`
		Sequence uint64 `json:"sequence"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return h.reject(c, h.validator.RejectMalformed(c.id), logger)
	}
	if probe.Type == ackMessage {
		if sub != nil {
			if err := sub.Ack(probe.Sequence); err != nil {
				logger.Debug("event ack rejected", logging.Uint64("sequence", probe.Sequence), logging.Error(err))
			}
		}
		return true
	}

	cmd, err := simulation.ParseCommand(data)
	if err != nil {
		return h.reject(c, h.validator.RejectMalformed(c.id), logger)
	}
	cmd.ClientID = c.id
	if decision := h.validator.Validate(c.id, cmd); !decision.Accepted {
		return h.reject(c, decision, logger)
	}
	if decision := h.gate.Evaluate(input.FrameFor(c.id, cmd)); !decision.Accepted {
		h.rejected.Add(1)
		return true
	}
	if h.sink == nil {
		return true
	}
	if err := h.sink.Submit(cmd); err != nil {
		logger.Warn("command rejected by engine", logging.String("type", string(cmd.Kind)), logging.Error(err))
		return true
	}
	h.commands.Add(1)
	return true
}

func (h *Hub) reject(c *client, decision input.ValidationDecision, logger *logging.Logger) bool {
	h.rejected.Add(1)
	if decision.Warn || decision.Cooldown > 0 {
		notice := map[string]any{"type": "warning", "reason": string(decision.Reason)}
		if decision.Cooldown > 0 {
			notice["cooldown_ms"] = decision.Cooldown.Milliseconds()
		}
		if payload, err := json.Marshal(notice); err == nil {
			c.enqueueText(payload)
		}
	}
	if decision.Disconnect {
		logger.Warn("disconnecting client after repeated invalid commands", logging.String("reason", string(decision.Reason)))
		return false
	}
	return true
}

func (h *Hub) eventPump(c *client, sub *events.Subscription, logger *logging.Logger) {
	for {
		select {
		case <-c.done:
			return
		case envelope, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(envelope.Message())
			if err != nil {
				logger.Warn("encode event failed", logging.Uint64("sequence", envelope.Sequence), logging.Error(err))
				continue
			}
			//1.- Events are reliable, so wait for queue space instead of dropping.
			select {
			case c.text <- payload:
			case <-c.done:
				return
			}
		}
	}
}

func (h *Hub) writePump(c *client, logger *logging.Logger) {
	var ping <-chan time.Time
	if h.opts.PingInterval > 0 {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer c.conn.Close()

	write := func(kind int, payload []byte) bool {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(kind, payload); err != nil {
			logger.Debug("websocket write failed", logging.Error(err))
			c.close()
			return false
		}
		return true
	}
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case payload := <-c.frames:
			if !write(websocket.BinaryMessage, payload) {
				return
			}
		case payload := <-c.text:
			if !write(websocket.TextMessage, payload) {
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debug("websocket ping failed", logging.Error(err))
				c.close()
				return
			}
		}
	}
}

// Broadcast encodes the frame once and queues it for every client with
// budget and queue space. It returns how many clients received it.
func (h *Hub) Broadcast(frame simulation.Frame) int {
	if !h.opts.SendNeighbors {
		frame = frame.WithoutNeighbors()
	}
	payload := simulation.EncodeFrame(frame)
	h.broadcasts.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for id, c := range h.clients {
		if !h.bandwidth.Allow(id, len(payload)) {
			h.metrics.Drop(DropBandwidth)
			continue
		}
		select {
		case c.frames <- payload:
			h.metrics.Observe(id, len(payload))
			delivered++
		default:
			h.metrics.Drop(DropBackpressure)
		}
	}
	return delivered
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for _, c := range h.clients {
		c.close()
	}
	h.mu.Unlock()
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	clients := len(h.clients)
	h.mu.RUnlock()
	return HubStats{
		Clients:    clients,
		Broadcasts: h.broadcasts.Load(),
		FramesSent: h.metrics.Sent(),
		Commands:   h.commands.Load(),
		Rejected:   h.rejected.Load(),
		Drops:      h.metrics.DropCounts(),
		Bandwidth:  h.bandwidth.Totals(),
	}
}

// Gate exposes the command gate for metrics endpoints.
func (h *Hub) Gate() *input.Gate { return h.gate }

// Validator exposes the command validator for metrics endpoints.
func (h *Hub) Validator() *input.Validator { return h.validator }

// Bandwidth exposes the frame budget for metrics endpoints.
func (h *Hub) Bandwidth() *BandwidthRegulator { return h.bandwidth }

// originChecker allows requests without an Origin header, any origin when
// the list is empty or holds "*", and otherwise only listed origins.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			set[origin] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 {
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}
