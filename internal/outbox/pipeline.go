// Package outbox implements optimistic message sending: a provisional entry
// is shown immediately, the message goes out over exactly one transport, and
// the entry is then confirmed or marked failed for an explicit retry.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"github.com/matheus3301/chatsync/internal/timeline"
	"github.com/matheus3301/chatsync/internal/transport"
)

const (
	DefaultPushTimeout        = 5 * time.Second
	DefaultMaxAttachmentBytes = 25 << 20
)

// PushSender is the push side of a send.
type PushSender interface {
	Connected() bool
	Send(ctx context.Context, out transport.Outgoing) (model.Message, error)
}

// RESTSender is the request/response side of a send.
type RESTSender interface {
	SendMessage(ctx context.Context, userID, content string, files []model.File) (model.Message, error)
}

// Directory receives optimistic and confirmed previews.
type Directory interface {
	RecordMessage(msg model.Message) (model.Conversation, bool)
}

// Journal persists failed sends so they survive a restart.
type Journal interface {
	SaveFailed(msg model.Message, reason string) error
	DeleteFailed(tempID string) error
	LoadFailed() ([]model.Message, error)
}

// Route is the transport a send went out on.
type Route string

const (
	RoutePush Route = "push"
	RouteREST Route = "rest"
)

// Draft is a message composed by the user.
type Draft struct {
	ConversationID string
	ReceiverID     string
	Content        string
	Files          []model.File
}

// Ack is the payload of bus.KindMessageSendAck.
type Ack struct {
	ConversationID string        `json:"conversation_id"`
	TempID         string        `json:"temp_id"`
	Message        model.Message `json:"message"`
	Route          Route         `json:"route"`
}

// Failure is the payload of bus.KindMessageSendFailed.
type Failure struct {
	ConversationID string       `json:"conversation_id"`
	TempID         string       `json:"temp_id"`
	Code           syncerr.Code `json:"code"`
	Error          string       `json:"error"`
	Retryable      bool         `json:"retryable"`
}

// Config holds the pipeline limits.
type Config struct {
	SelfID             string
	PushTimeout        time.Duration
	MaxAttachmentBytes int64
}

// Pipeline sends messages optimistically.
type Pipeline struct {
	cfg      Config
	timeline *timeline.Store
	dir      Directory
	push     PushSender
	rest     RESTSender
	journal  Journal
	bus      *bus.Bus
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[string]int
}

// New creates a pipeline. dir and journal may be nil.
func New(cfg Config, tl *timeline.Store, dir Directory, push PushSender, rest RESTSender, journal Journal, b *bus.Bus, logger *zap.Logger) *Pipeline {
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = DefaultPushTimeout
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:      cfg,
		timeline: tl,
		dir:      dir,
		push:     push,
		rest:     rest,
		journal:  journal,
		bus:      b,
		logger:   logger,
		now:      time.Now,
		inFlight: make(map[string]int),
	}
}

// Send validates the draft, shows it as pending and delivers it. On failure
// the returned message is the failed entry left in the timeline.
func (p *Pipeline) Send(ctx context.Context, d Draft) (model.Message, error) {
	if d.ConversationID == "" || d.ReceiverID == "" {
		return model.Message{}, syncerr.New(syncerr.CodeInvalidArgument, "conversation and receiver are required")
	}
	if strings.TrimSpace(d.Content) == "" && len(d.Files) == 0 {
		return model.Message{}, syncerr.New(syncerr.CodeInvalidArgument, "message is empty")
	}
	for _, f := range d.Files {
		if f.Size() > p.cfg.MaxAttachmentBytes {
			return model.Message{}, syncerr.AttachmentTooLarge(f.Name, f.Size(), p.cfg.MaxAttachmentBytes)
		}
	}

	tempID := NewTempID()
	msg := model.Message{
		ID:             tempID,
		ConversationID: d.ConversationID,
		SenderID:       p.cfg.SelfID,
		ReceiverID:     d.ReceiverID,
		Content:        d.Content,
		CreatedAt:      p.now(),
		Pending:        true,
		Files:          d.Files,
	}
	for _, f := range d.Files {
		msg.Attachments = append(msg.Attachments, model.Attachment{
			Filename: f.Name,
			URL:      "local://" + tempID + "/" + f.Name,
			MimeType: f.MimeType,
			Size:     f.Size(),
		})
	}

	p.begin(d.ConversationID)
	defer p.end(d.ConversationID)

	p.timeline.InsertProvisional(msg)
	if p.dir != nil {
		p.dir.RecordMessage(msg)
	}
	p.logger.Debug("provisional message inserted",
		zap.String("conversation_id", d.ConversationID),
		zap.String("temp_id", tempID),
		zap.Int("files", len(d.Files)),
	)
	return p.deliver(ctx, msg)
}

// Retry re-sends a failed message with its original temp id, content and
// files. Only failed messages can be retried.
func (p *Pipeline) Retry(ctx context.Context, convID, tempID string) (model.Message, error) {
	p.begin(convID)
	defer p.end(convID)

	msg, err := p.timeline.BeginRetry(convID, tempID)
	if err != nil {
		return model.Message{}, fmt.Errorf("retry %s: %w", tempID, err)
	}
	p.logger.Info("retrying send", zap.String("conversation_id", convID), zap.String("temp_id", tempID))
	return p.deliver(ctx, msg)
}

// Discard drops a failed message and its files.
func (p *Pipeline) Discard(convID, tempID string) error {
	if err := p.timeline.Discard(convID, tempID); err != nil {
		return fmt.Errorf("discard %s: %w", tempID, err)
	}
	p.forget(tempID)
	return nil
}

// InFlight reports whether a send is outstanding for convID.
func (p *Pipeline) InFlight(convID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight[convID] > 0
}

// Restore loads failed sends persisted by an earlier run back into the
// timeline.
func (p *Pipeline) Restore(ctx context.Context) (int, error) {
	if p.journal == nil {
		return 0, nil
	}
	msgs, err := p.journal.LoadFailed()
	if err != nil {
		return 0, fmt.Errorf("loading failed sends: %w", err)
	}
	for _, m := range msgs {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		p.timeline.RestoreFailed(m)
	}
	return len(msgs), nil
}

// deliver picks the transport once and applies the outcome. The choice is
// never revisited, even if the push channel reconnects mid-flight.
func (p *Pipeline) deliver(ctx context.Context, msg model.Message) (model.Message, error) {
	route := RouteREST
	if len(msg.Files) == 0 && p.push != nil && p.push.Connected() {
		route = RoutePush
	}

	var (
		confirmed model.Message
		err       error
	)
	if route == RoutePush {
		pushCtx, cancel := context.WithTimeout(ctx, p.cfg.PushTimeout)
		confirmed, err = p.push.Send(pushCtx, transport.Outgoing{
			TempID:     msg.ID,
			ReceiverID: msg.ReceiverID,
			Content:    msg.Content,
		})
		cancel()
		if syncerr.Is(err, syncerr.CodeTransportUnavailable) {
			// The channel dropped before anything was written.
			route = RouteREST
		} else if errors.Is(err, context.DeadlineExceeded) {
			err = syncerr.SendTimeout(err)
		}
	}
	if route == RouteREST {
		confirmed, err = p.rest.SendMessage(ctx, msg.ReceiverID, msg.Content, msg.Files)
	}

	if err != nil {
		return p.fail(msg, route, err)
	}
	return p.confirm(msg, route, confirmed), nil
}

func (p *Pipeline) confirm(msg model.Message, route Route, confirmed model.Message) model.Message {
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = msg.ConversationID
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = msg.CreatedAt
	}
	p.timeline.Confirm(msg.ConversationID, msg.ID, confirmed)
	if p.dir != nil {
		p.dir.RecordMessage(confirmed)
	}
	p.forget(msg.ID)

	p.logger.Info("message sent",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("temp_id", msg.ID),
		zap.String("message_id", confirmed.ID),
		zap.String("route", string(route)),
	)
	p.bus.Emit(bus.KindMessageSendAck, Ack{
		ConversationID: msg.ConversationID,
		TempID:         msg.ID,
		Message:        confirmed,
		Route:          route,
	})
	return confirmed
}

func (p *Pipeline) fail(msg model.Message, route Route, err error) (model.Message, error) {
	p.timeline.Fail(msg.ConversationID, msg)
	msg.Pending = false
	msg.Failed = true

	if p.journal != nil {
		if jerr := p.journal.SaveFailed(msg, err.Error()); jerr != nil {
			p.logger.Error("failed to persist failed send", zap.Error(jerr), zap.String("temp_id", msg.ID))
		}
	}

	p.logger.Warn("send failed",
		zap.Error(err),
		zap.String("conversation_id", msg.ConversationID),
		zap.String("temp_id", msg.ID),
		zap.String("route", string(route)),
	)
	p.bus.Emit(bus.KindMessageSendFailed, Failure{
		ConversationID: msg.ConversationID,
		TempID:         msg.ID,
		Code:           syncerr.CodeOf(err),
		Error:          err.Error(),
		Retryable:      syncerr.Retryable(err),
	})
	return msg, err
}

func (p *Pipeline) forget(tempID string) {
	if p.journal == nil {
		return
	}
	if err := p.journal.DeleteFailed(tempID); err != nil {
		p.logger.Error("failed to delete persisted send", zap.Error(err), zap.String("temp_id", tempID))
	}
}

func (p *Pipeline) begin(convID string) {
	p.mu.Lock()
	p.inFlight[convID]++
	p.mu.Unlock()
}

func (p *Pipeline) end(convID string) {
	p.mu.Lock()
	if p.inFlight[convID]--; p.inFlight[convID] <= 0 {
		delete(p.inFlight, convID)
	}
	p.mu.Unlock()
}

// NewTempID returns a time-ordered temporary message id.
func NewTempID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return model.TempIDPrefix + uuid.NewString()
	}
	return model.TempIDPrefix + id.String()
}
