// Package transport implements the persistent push channel to the chat
// server: connection lifecycle, inbound event normalization and
// request/acknowledgment correlation for sends and read receipts.
package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"github.com/matheus3301/chatsync/internal/wire"
)

const (
	defaultAckTimeout   = 5 * time.Second
	defaultReconnectMin = time.Second
	defaultReconnectMax = 30 * time.Second
	readLimit           = 4 << 20
	jitterDivisor       = 2
)

// Outgoing is a text message sent over the push channel. TempID travels as
// the client id so the server can correlate a repeated send.
type Outgoing struct {
	TempID     string
	ReceiverID string
	Content    string
}

// PushChannel is the persistent, low-latency link to the chat server.
type PushChannel interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
	Send(ctx context.Context, out Outgoing) (model.Message, error)
	MarkRead(ctx context.Context, convID string) (int, error)
}

// Options configures a WSChannel.
type Options struct {
	URL          string
	Token        string
	AckTimeout   time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

type envelope struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Data any    `json:"data,omitempty"`
}

type ack struct {
	data gjson.Result
	err  error
}

var errConnectionLost = errors.New("push connection lost")

// WSChannel is a PushChannel over a websocket. A supervisor goroutine keeps
// the connection alive, reconnecting with capped exponential backoff.
type WSChannel struct {
	opts    Options
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan ack
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ PushChannel = (*WSChannel)(nil)

// NewWSChannel creates a disconnected channel.
func NewWSChannel(opts Options, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *WSChannel {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = defaultReconnectMin
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = max(defaultReconnectMax, opts.ReconnectMin)
	}
	if machine == nil {
		machine = status.NewMachine(b)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSChannel{
		opts:    opts,
		bus:     b,
		machine: machine,
		logger:  logger,
		pending: make(map[string]chan ack),
	}
}

// Status returns the connection state machine.
func (c *WSChannel) Status() *status.Machine {
	return c.machine
}

// Connect starts the connection supervisor and waits for the first dial
// attempt. A failed first dial is returned, but the supervisor keeps
// retrying in the background until Disconnect.
func (c *WSChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	first := make(chan error, 1)
	go c.run(runCtx, done, first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops the supervisor and closes the connection.
func (c *WSChannel) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Connected reports whether a live connection exists.
func (c *WSChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *WSChannel) run(ctx context.Context, done chan struct{}, first chan<- error) {
	defer close(done)
	defer func() {
		if !c.machine.Is(status.Disconnected) {
			_ = c.machine.Transition(status.Disconnected)
		}
	}()

	var once sync.Once
	report := func(err error) {
		once.Do(func() { first <- err })
	}

	backoff := c.opts.ReconnectMin
	for {
		_ = c.machine.Transition(status.Connecting)
		conn, err := c.dial(ctx)
		if err != nil {
			report(err)
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("push dial failed", zap.Error(err), zap.Duration("backoff", backoff))
			_ = c.machine.Transition(status.Reconnecting)
		} else {
			backoff = c.opts.ReconnectMin
			c.attach(conn)
			report(nil)

			err = c.readLoop(ctx, conn)
			c.detach(conn)
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "bye")
				return
			}
			c.logger.Warn("push connection lost, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
			_ = c.machine.Transition(status.Reconnecting)
		}

		jitter := time.Duration(rand.Int64N(int64(backoff)/jitterDivisor + 1))
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, c.opts.ReconnectMax)
	}
}

func (c *WSChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, _, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{HTTPHeader: header}) //nolint:bodyclose // websocket.Dial closes the response body
	if err != nil {
		return nil, fmt.Errorf("dialing push channel: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

func (c *WSChannel) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	_ = c.machine.Transition(status.Connected)
	c.logger.Info("push channel connected", zap.String("url", c.opts.URL))
	c.bus.Emit(KindConnected.BusKind(), Event{Kind: KindConnected})
}

// detach drops the connection and fails every request still waiting for an
// acknowledgment.
func (c *WSChannel) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	waiting := c.pending
	c.pending = make(map[string]chan ack)
	c.mu.Unlock()

	for _, ch := range waiting {
		ch <- ack{err: errConnectionLost}
	}
	c.bus.Emit(KindDisconnected.BusKind(), Event{Kind: KindDisconnected})
}

func (c *WSChannel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		c.handleFrame(data)
	}
}

func (c *WSChannel) handleFrame(data []byte) {
	frameType := gjson.GetBytes(data, "type").String()
	if frameType == "ack" || frameType == "error" {
		id := gjson.GetBytes(data, "id").String()
		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("ack for unknown request", zap.String("request_id", id))
			return
		}
		if frameType == "error" {
			ch <- ack{err: errors.New(gjson.GetBytes(data, "error").String())}
		} else {
			ch <- ack{data: gjson.GetBytes(data, "data")}
		}
		return
	}

	evt, err := Normalize(data)
	if err != nil {
		c.logger.Warn("dropping push frame", zap.Error(err))
		return
	}
	c.bus.Emit(evt.Kind.BusKind(), evt)
}

// request writes one frame and waits for its acknowledgment, bounded by the
// ack timeout.
func (c *WSChannel) request(ctx context.Context, typ string, data any) (gjson.Result, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return gjson.Result{}, syncerr.ErrTransportUnavailable
	}
	id := uuid.NewString()
	ch := make(chan ack, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.opts.AckTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, conn, envelope{Type: typ, ID: id, Data: data}); err != nil {
		return gjson.Result{}, fmt.Errorf("writing %s frame: %w", typ, err)
	}

	select {
	case a := <-ch:
		return a.data, a.err
	case <-ctx.Done():
		return gjson.Result{}, ctx.Err()
	}
}

// Send delivers a text message and waits for the server's confirmation.
func (c *WSChannel) Send(ctx context.Context, out Outgoing) (model.Message, error) {
	data, err := c.request(ctx, "send_message", map[string]string{
		"client_id":   out.TempID,
		"receiver_id": out.ReceiverID,
		"content":     out.Content,
	})
	switch {
	case err == nil:
	case errors.Is(err, syncerr.ErrTransportUnavailable):
		return model.Message{}, err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, errConnectionLost):
		return model.Message{}, syncerr.SendTimeout(err)
	case ctx.Err() != nil:
		return model.Message{}, ctx.Err()
	default:
		return model.Message{}, syncerr.SendRejected(err)
	}

	if m := wire.Get(data, "message"); m.Exists() {
		data = m
	}
	msg, err := wire.Message(data)
	if err != nil {
		return model.Message{}, syncerr.SendRejected(fmt.Errorf("decoding ack: %w", err))
	}
	return msg, nil
}

// MarkRead asks the server to mark a conversation read and returns how many
// messages it marked.
func (c *WSChannel) MarkRead(ctx context.Context, convID string) (int, error) {
	data, err := c.request(ctx, "mark_read", map[string]string{"conversation_id": convID})
	if err != nil {
		return 0, fmt.Errorf("push mark read: %w", err)
	}
	return int(wire.Get(data, "marked_count", "markedCount").Int()), nil
}
