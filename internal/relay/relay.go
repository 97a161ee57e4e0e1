// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jeranaias/kot-relay/internal/cloud"
	"github.com/jeranaias/kot-relay/internal/history"
	"github.com/jeranaias/kot-relay/internal/model"
	"github.com/jeranaias/kot-relay/internal/util"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultWindowSize is the number of stored messages sent upstream.
	DefaultWindowSize = 10

	// DefaultMaxEventBytes caps a single inbound frame.
	DefaultMaxEventBytes = 16 * 1024 * 1024

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// frameQueue is how many decoded frames may wait behind the one in progress.
	frameQueue = 16

	// BusyMessage answers a frame that arrives while the queue is full.
	BusyMessage = "Too many messages are waiting for a reply. Please wait and send again."

	// ImageWarning is sent when images go to a model outside the image allow-list.
	ImageWarning = "The selected model may not support image analysis. Consider a Claude 3 or GPT-4 Vision model."
)

// ============================================================================
// INTERFACES
// ============================================================================

// Completer is the upstream completion call. *cloud.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, model string, messages []cloud.ChatMessage) (string, error)
}

// Sender delivers outbound events to one client.
type Sender interface {
	Send(ev OutboundEvent) error
}

// ============================================================================
// RELAY
// ============================================================================

// Options configures a Relay.
type Options struct {
	SystemPrompt  string
	DefaultModel  string
	PublicBaseURL string
	WindowSize    int
	MaxEventBytes int64

	// AllowedOrigins restricts websocket upgrades. Empty or "*" allows any.
	AllowedOrigins []string

	// Files reads local image attachments for inlining.
	Files FileReader
}

// Relay owns websocket connections and turns their events into history
// mutations and upstream calls.
type Relay struct {
	history  *history.Store
	upstream Completer
	builder  RequestBuilder
	opts     Options
	upgrader websocket.Upgrader

	// ctx bounds upstream calls. Client disconnects do not cancel it.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
	wg     sync.WaitGroup
}

// New creates a relay over the shared history store.
func New(store *history.Store, upstream Completer, opts Options) *Relay {
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.MaxEventBytes <= 0 {
		opts.MaxEventBytes = DefaultMaxEventBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		history:  store,
		upstream: upstream,
		builder: RequestBuilder{
			SystemPrompt: opts.SystemPrompt,
			BaseURL:      opts.PublicBaseURL,
			Files:        opts.Files,
		},
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*conn),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	if len(r.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range r.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Connections returns the number of open websocket connections.
func (r *Relay) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// ============================================================================
// CONNECTION LIFECYCLE
// ============================================================================

// conn is one websocket client. Writes are serialized by writeMu;
// WriteControl is safe to call alongside them.
type conn struct {
	id     string
	remote string
	ws     *websocket.Conn

	writeMu sync.Mutex
	done    chan struct{}
}

// Send writes one event as a JSON text frame.
func (c *conn) Send(ev OutboundEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(ev)
}

// ServeWS upgrades the request and runs the connection until the client
// goes away or the relay is closed.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		log.Printf("WS_UPGRADE_FAILED | ip=%s error=%v", req.RemoteAddr, err)
		return
	}

	c := &conn{
		id:     uuid.NewString(),
		remote: req.RemoteAddr,
		ws:     ws,
		done:   make(chan struct{}),
	}
	if !r.register(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}
	log.Printf("WS_CONNECTED | conn=%s ip=%s", c.id, c.remote)

	// Resynchronize before reading anything.
	if err := c.Send(History(r.history.GetAll())); err != nil {
		log.Printf("WS_SEND_FAILED | conn=%s event=history error=%v", c.id, err)
	}

	frames := make(chan []byte, frameQueue)

	go r.process(c, frames)
	go r.keepalive(c)

	r.read(c, frames)

	close(c.done)
	close(frames)
	r.unregister(c)
	ws.Close()
	log.Printf("WS_DISCONNECTED | conn=%s ip=%s", c.id, c.remote)
}

func (r *Relay) register(c *conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conns[c.id] = c
	r.wg.Add(2)
	return true
}

func (r *Relay) unregister(c *conn) {
	r.mu.Lock()
	delete(r.conns, c.id)
	r.mu.Unlock()
}

// read pumps frames off the socket. It never waits on the queue, so pongs
// keep being read and the deadline only tracks client liveness. A frame
// that finds the queue full is answered with an error event.
func (r *Relay) read(c *conn, frames chan<- []byte) {
	c.ws.SetReadLimit(r.opts.MaxEventBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("WS_READ_ERROR | conn=%s error=%v", c.id, err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		select {
		case frames <- data:
		default:
			log.Printf("WS_QUEUE_FULL | conn=%s queued=%d", c.id, frameQueue)
			r.send(c, Error(BusyMessage))
		}
	}
}

// process handles frames one at a time, in arrival order.
func (r *Relay) process(c *conn, frames <-chan []byte) {
	defer r.wg.Done()
	defer recoverPanic("process", c.id)

	for data := range frames {
		select {
		case <-c.done:
			// Client left; drop whatever was still queued.
			return
		default:
		}
		r.HandleFrame(c, data)
	}
}

func (r *Relay) keepalive(c *conn) {
	defer r.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Close sends a going-away frame to every connection, waits for in-flight
// events until ctx expires, then aborts any upstream call still running.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.ws.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	defer r.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

// ============================================================================
// EVENT HANDLING
// ============================================================================

// HandleFrame decodes and handles one raw client frame. Decode failures are
// reported to the sender as error events.
func (r *Relay) HandleFrame(s Sender, data []byte) {
	ev, err := DecodeEvent(data)
	if err != nil {
		log.Printf("WS_BAD_EVENT | error=%v", err)
		r.send(s, Error(fmt.Sprintf("Could not process message: %v", err)))
		return
	}
	r.HandleEvent(s, ev)
}

// HandleEvent runs one inbound event to completion. A panic is logged and
// reported to the sender; it never reaches the connection.
func (r *Relay) HandleEvent(s Sender, ev InboundEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("PANIC_RECOVERED | where=event panic=%v\n%s", rec, debug.Stack())
			r.send(s, Error(fmt.Sprintf("Could not process message: %v", rec)))
		}
	}()

	switch e := ev.(type) {
	case SendMessage:
		r.handleMessage(s, e)
	case ClearHistory:
		r.history.Clear()
		log.Printf("HISTORY_CLEARED")
		r.send(s, Cleared())
	default:
		r.send(s, Error(fmt.Sprintf("Could not process message: %v", ErrUnknownEventType)))
	}
}

func (r *Relay) handleMessage(s Sender, e SendMessage) {
	modelID := e.Model
	if modelID == "" {
		modelID = r.opts.DefaultModel
	}

	userMsg := model.NewMessage(model.RoleUser, e.Content+model.DescribeAttachments(e.Files), e.Files)
	window := r.history.AppendWindow(userMsg, r.opts.WindowSize)
	request := r.builder.Build(window)

	if userMsg.HasImages() && !model.SupportsImages(modelID) {
		r.send(s, Warning(ImageWarning))
	}

	log.Printf("UPSTREAM_REQUEST | model=%s messages=%d preview=%q",
		modelID, len(request), util.TruncateRunes(util.SingleLine(e.Content), 60))

	reply, err := r.upstream.Complete(r.ctx, modelID, request)
	if err != nil {
		log.Printf("UPSTREAM_ERROR | model=%s error=%v", modelID, err)
		// The rollback must land before the error event is sent.
		if !r.history.Rollback(userMsg) {
			log.Printf("HISTORY_ROLLBACK_MISSED | model=%s", modelID)
		}
		r.send(s, Error(describeUpstreamError(err)))
		return
	}

	r.history.Append(model.NewMessage(model.RoleAssistant, reply, nil))
	r.send(s, Response(reply))
}

func (r *Relay) send(s Sender, ev OutboundEvent) {
	if err := s.Send(ev); err != nil {
		log.Printf("WS_SEND_FAILED | event=%s error=%v", ev.EventType(), err)
	}
}

func describeUpstreamError(err error) string {
	switch {
	case errors.Is(err, cloud.ErrNotConfigured):
		return "An error occurred while processing the request: the upstream API key is not set"
	case errors.Is(err, cloud.ErrTimeout):
		return "An error occurred while processing the request: the upstream service timed out"
	}
	return fmt.Sprintf("An error occurred while processing the request: %v", err)
}

func recoverPanic(where, connID string) {
	if rec := recover(); rec != nil {
		log.Printf("PANIC_RECOVERED | where=%s conn=%s panic=%v\n%s", where, connID, rec, debug.Stack())
	}
}
