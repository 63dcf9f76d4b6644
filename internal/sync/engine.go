// Package sync coordinates every state source of the chat client: initial
// load, periodic polls, push events and user actions all flow through the
// engine into the timeline, directory, unread and presence components.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/directory"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"github.com/matheus3301/chatsync/internal/timeline"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/unread"
)

// API is the request/response collaborator.
type API interface {
	FetchConversations(ctx context.Context) ([]model.Conversation, error)
	FetchMessages(ctx context.Context, convID string, p rest.Params) ([]model.Message, error)
	FetchMessagesWithUser(ctx context.Context, userID string) (model.Conversation, []model.Message, error)
	MarkRead(ctx context.Context, convID string) (int, error)
	SearchUsers(ctx context.Context, query string) ([]model.Candidate, error)
	FetchUnread(ctx context.Context) (model.UnreadSummary, error)
	FetchPresence(ctx context.Context) ([]model.PresenceEntry, error)
}

// Push is the part of the push channel the engine drives directly.
type Push interface {
	Connected() bool
	MarkRead(ctx context.Context, convID string) (int, error)
}

// Cache is the local persistence used for warm starts and local search.
type Cache interface {
	ListConversations() ([]model.Conversation, error)
	ReplaceConversations(convs []model.Conversation) error
	UpsertConversation(c model.Conversation) error
	ListMessages(convID string, before time.Time, limit int) ([]model.Message, error)
	ReplaceMessages(convID string, msgs []model.Message) error
	UpsertMessage(m model.Message) error
	SearchMessages(query, convID string, limit int) ([]store.SearchResult, error)
}

// Intervals are the polling periods.
type Intervals struct {
	Conversations  time.Duration
	Messages       time.Duration
	Presence       time.Duration
	UnreadFallback time.Duration
}

// DefaultIntervals returns the standard polling periods.
func DefaultIntervals() Intervals {
	return Intervals{
		Conversations:  3 * time.Second,
		Messages:       5 * time.Second,
		Presence:       30 * time.Second,
		UnreadFallback: 10 * time.Second,
	}
}

// Config configures the engine.
type Config struct {
	SelfID       string
	Intervals    Intervals
	FetchTimeout time.Duration
	MessageLimit int
}

// Components are the state owners the engine coordinates.
type Components struct {
	Timeline  *timeline.Store
	Directory *directory.Directory
	Unread    *unread.Reconciler
	Presence  *presence.Tracker
	Outbox    *outbox.Pipeline
}

// Snapshot is a point-in-time summary of the engine.
type Snapshot struct {
	ActiveConversation string
	PushConnected      bool
	Conversations      int
	UnreadTotal        int
	Online             []string
}

// Engine owns every timer, poller and in-flight flag of the sync subsystem.
type Engine struct {
	cfg    Config
	api    API
	push   Push
	cache  Cache
	c      Components
	bus    *bus.Bus
	logger *zap.Logger

	// switchMu orders conversation switches against snapshot application,
	// so a fetch for a conversation that is no longer open is never applied.
	switchMu stdsync.Mutex
	// opens collapses concurrent OpenWithUser calls for one user.
	opens singleflight.Group

	mu           stdsync.Mutex
	runCtx       context.Context
	cancel       context.CancelFunc
	stopped      bool
	active       string
	pollerCancel context.CancelFunc
	inFlight     map[string]bool
	wg           stdsync.WaitGroup
}

// NewEngine creates an engine. cache may be nil.
func NewEngine(cfg Config, api API, push Push, cache Cache, c Components, b *bus.Bus, logger *zap.Logger) *Engine {
	def := DefaultIntervals()
	if cfg.Intervals.Conversations <= 0 {
		cfg.Intervals.Conversations = def.Conversations
	}
	if cfg.Intervals.Messages <= 0 {
		cfg.Intervals.Messages = def.Messages
	}
	if cfg.Intervals.Presence <= 0 {
		cfg.Intervals.Presence = def.Presence
	}
	if cfg.Intervals.UnreadFallback <= 0 {
		cfg.Intervals.UnreadFallback = def.UnreadFallback
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.MessageLimit <= 0 {
		cfg.MessageLimit = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		api:      api,
		push:     push,
		cache:    cache,
		c:        c,
		bus:      b,
		logger:   logger,
		inFlight: make(map[string]bool),
	}
}

// Start seeds state from the cache, performs the initial load and starts
// the pollers and the push event loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.runCtx != nil {
		e.mu.Unlock()
		return errors.New("sync engine already started")
	}
	e.runCtx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Unlock()

	events, unsub := e.bus.Subscribe(256, "push.")

	e.warmStart()
	e.initialLoad(ctx)

	e.spawn(func(ctx context.Context) {
		defer unsub()
		e.eventLoop(ctx, events)
	})
	e.spawn(func(ctx context.Context) {
		e.every(ctx, e.cfg.Intervals.Conversations, func(ctx context.Context) {
			_ = e.pollConversations(ctx)
		})
	})
	e.spawn(func(ctx context.Context) {
		e.every(ctx, e.cfg.Intervals.UnreadFallback, func(ctx context.Context) {
			if !e.pushConnected() {
				_ = e.refreshUnread(ctx)
			}
		})
	})
	e.spawn(func(ctx context.Context) {
		e.every(ctx, e.cfg.Intervals.Presence, func(ctx context.Context) {
			if e.pushConnected() {
				_ = e.c.Presence.Refresh(ctx)
			}
		})
	})

	e.logger.Info("sync engine started",
		zap.Duration("conversation_poll", e.cfg.Intervals.Conversations),
		zap.Duration("message_poll", e.cfg.Intervals.Messages),
	)
	return nil
}

// Stop cancels every poller and waits for them to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped || e.cancel == nil {
		e.stopped = true
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("sync engine stopped")
}

// warmStart seeds the directory and timelines from the local cache.
func (e *Engine) warmStart() {
	if e.cache == nil {
		return
	}
	convs, err := e.cache.ListConversations()
	if err != nil {
		e.logger.Warn("cache warm start failed", zap.Error(err))
		return
	}
	if len(convs) == 0 {
		return
	}
	e.c.Directory.Refresh(convs)
	e.c.Unread.ApplyConversations(convs)
	for _, c := range convs {
		msgs, err := e.cache.ListMessages(c.ID, time.Time{}, e.cfg.MessageLimit)
		if err != nil {
			e.logger.Warn("cache read failed", zap.Error(err), zap.String("conversation_id", c.ID))
			continue
		}
		if len(msgs) > 0 {
			e.c.Timeline.Reconcile(c.ID, msgs)
		}
	}
	e.logger.Info("warm start from cache", zap.Int("conversations", len(convs)))
}

// initialLoad fetches conversations, unread counts and presence
// concurrently and restores persisted failed sends. Failures leave the
// cached state in place; the pollers retry.
func (e *Engine) initialLoad(ctx context.Context) {
	var g errgroup.Group
	g.Go(func() error { return e.pollConversations(ctx) })
	g.Go(func() error { return e.refreshUnread(ctx) })
	g.Go(func() error {
		fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
		defer cancel()
		return e.c.Presence.Refresh(fctx)
	})
	g.Go(func() error {
		n, err := e.c.Outbox.Restore(ctx)
		if n > 0 {
			e.logger.Info("restored failed sends", zap.Int("count", n))
		}
		return err
	})
	if err := g.Wait(); err != nil {
		e.logger.Warn("initial load incomplete", zap.Error(err))
	}
}

// spawn runs fn on a tracked goroutine bound to the engine lifetime.
func (e *Engine) spawn(fn func(ctx context.Context)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx == nil || e.stopped {
		return false
	}
	ctx := e.runCtx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
	return true
}

func (e *Engine) every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// acquire marks resource as being fetched. It returns false when a previous
// fetch of the same resource is still outstanding.
func (e *Engine) acquire(resource string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[resource] {
		return false
	}
	e.inFlight[resource] = true
	return true
}

func (e *Engine) release(resource string) {
	e.mu.Lock()
	delete(e.inFlight, resource)
	e.mu.Unlock()
}

func (e *Engine) pushConnected() bool {
	return e.push != nil && e.push.Connected()
}

// Active returns the open conversation id, or "".
func (e *Engine) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) pollConversations(ctx context.Context) error {
	if !e.acquire("conversations") {
		return nil
	}
	defer e.release("conversations")

	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	convs, err := e.api.FetchConversations(fctx)
	if err != nil {
		e.logger.Debug("conversation poll failed", zap.Error(err))
		return err
	}
	e.c.Directory.Refresh(convs)
	e.c.Unread.ApplyConversations(convs)
	e.forgetDropped(convs)

	if e.cache != nil {
		if err := e.cache.ReplaceConversations(convs); err != nil {
			e.logger.Warn("cache write failed", zap.Error(err))
		}
	}
	return nil
}

// forgetDropped releases the timelines of conversations the server no
// longer lists. The open conversation and conversations with a send in
// flight are kept.
func (e *Engine) forgetDropped(convs []model.Conversation) {
	listed := make(map[string]struct{}, len(convs))
	for _, c := range convs {
		listed[c.ID] = struct{}{}
	}
	active := e.Active()
	for _, id := range e.c.Timeline.Conversations() {
		if _, ok := listed[id]; ok || id == active || e.c.Outbox.InFlight(id) {
			continue
		}
		e.c.Timeline.Forget(id)
		e.logger.Debug("forgot dropped conversation", zap.String("conversation_id", id))
	}
}

func (e *Engine) refreshUnread(ctx context.Context) error {
	if !e.acquire("unread") {
		return nil
	}
	defer e.release("unread")

	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	summary, err := e.api.FetchUnread(fctx)
	if err != nil {
		e.logger.Debug("unread poll failed", zap.Error(err))
		return err
	}
	e.c.Unread.ApplySummary(summary)
	return nil
}

// pollMessages re-fetches the timeline of convID. It is skipped while a
// send is outstanding for the conversation, and its result is dropped when
// the conversation stopped being active during the fetch.
func (e *Engine) pollMessages(ctx context.Context, convID string) error {
	_, err := e.loadMessages(ctx, convID)
	if err != nil {
		e.logger.Debug("message poll failed", zap.Error(err), zap.String("conversation_id", convID))
	}
	return err
}

// loadMessages fetches and reconciles convID behind its in-flight guard.
// When a send or an earlier fetch is outstanding nothing is issued and the
// outstanding work applies its own result. It reports whether convID is
// still the active conversation.
func (e *Engine) loadMessages(ctx context.Context, convID string) (bool, error) {
	if e.c.Outbox.InFlight(convID) {
		return e.Active() == convID, nil
	}
	resource := "messages:" + convID
	if !e.acquire(resource) {
		return e.Active() == convID, nil
	}
	defer e.release(resource)

	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	msgs, err := e.api.FetchMessages(fctx, convID, rest.Params{Limit: e.cfg.MessageLimit})
	if err != nil {
		return false, err
	}
	return e.applySnapshot(convID, msgs), nil
}

// applySnapshot reconciles a fetched timeline unless convID is no longer
// the active conversation.
func (e *Engine) applySnapshot(convID string, msgs []model.Message) bool {
	e.switchMu.Lock()
	if e.Active() != convID {
		e.switchMu.Unlock()
		e.logger.Debug("dropping stale fetch", zap.String("conversation_id", convID))
		return false
	}
	merged := e.c.Timeline.Reconcile(convID, msgs)
	e.switchMu.Unlock()

	if e.cache != nil {
		if err := e.cache.ReplaceMessages(convID, merged); err != nil {
			e.logger.Warn("cache write failed", zap.Error(err), zap.String("conversation_id", convID))
		}
	}
	return true
}

// activate makes convID the open conversation and restarts the message
// poller for it.
func (e *Engine) activate(convID string) {
	e.switchMu.Lock()
	defer e.switchMu.Unlock()

	e.mu.Lock()
	if e.pollerCancel != nil {
		e.pollerCancel()
		e.pollerCancel = nil
	}
	e.active = convID
	if convID != "" && e.runCtx != nil && !e.stopped {
		ctx, cancel := context.WithCancel(e.runCtx)
		e.pollerCancel = cancel
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.every(ctx, e.cfg.Intervals.Messages, func(ctx context.Context) {
				_ = e.pollMessages(ctx, convID)
			})
		}()
	}
	e.mu.Unlock()

	e.c.Directory.SetActive(convID)
}

// Open switches to convID, loads its messages and marks it read.
func (e *Engine) Open(ctx context.Context, convID string) error {
	if convID == "" {
		return syncerr.New(syncerr.CodeInvalidArgument, "conversation id is required")
	}
	e.activate(convID)

	active, err := e.loadMessages(ctx, convID)
	if err != nil {
		return fmt.Errorf("open %s: %w", convID, err)
	}
	if !active {
		return nil
	}
	if _, err := e.MarkRead(ctx, convID); err != nil {
		e.logger.Warn("mark read on open failed", zap.Error(err), zap.String("conversation_id", convID))
	}
	return nil
}

// OpenWithUser opens the conversation held with userID, asking the server
// to create it when none exists yet.
func (e *Engine) OpenWithUser(ctx context.Context, userID string) (model.Conversation, error) {
	if userID == "" {
		return model.Conversation{}, syncerr.New(syncerr.CodeInvalidArgument, "user id is required")
	}
	if conv, ok := e.c.Directory.FindByParticipant(userID); ok {
		return conv, e.Open(ctx, conv.ID)
	}

	type opened struct {
		conv model.Conversation
		msgs []model.Message
	}
	v, err, _ := e.opens.Do(userID, func() (any, error) {
		fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
		defer cancel()
		conv, msgs, err := e.api.FetchMessagesWithUser(fctx, userID)
		return opened{conv: conv, msgs: msgs}, err
	})
	if err != nil {
		return model.Conversation{}, fmt.Errorf("open conversation with %s: %w", userID, err)
	}
	conv, msgs := v.(opened).conv, v.(opened).msgs
	e.c.Directory.Upsert(conv)
	e.activate(conv.ID)
	if e.applySnapshot(conv.ID, msgs) {
		if _, err := e.MarkRead(ctx, conv.ID); err != nil {
			e.logger.Warn("mark read on open failed", zap.Error(err), zap.String("conversation_id", conv.ID))
		}
	}
	return conv, nil
}

// Close deactivates the open conversation and stops its poller.
func (e *Engine) Close() {
	e.activate("")
}

// MarkRead clears the unread state of convID locally, then tells the
// server over the push channel, falling back to REST.
func (e *Engine) MarkRead(ctx context.Context, convID string) (int, error) {
	local := e.c.Unread.MarkRead(convID)
	e.c.Directory.ClearUnread(convID)
	e.c.Timeline.MarkRead(convID, e.cfg.SelfID)

	if e.pushConnected() {
		pctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
		n, err := e.push.MarkRead(pctx, convID)
		cancel()
		if err == nil {
			return n, nil
		}
		e.logger.Debug("push mark read failed, using rest", zap.Error(err), zap.String("conversation_id", convID))
	}

	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	n, err := e.api.MarkRead(fctx, convID)
	if err != nil {
		return local, fmt.Errorf("mark read %s: %w", convID, err)
	}
	return n, nil
}

func (e *Engine) eventLoop(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			e.handleEvent(ctx, evt)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	pe, ok := evt.Payload.(transport.Event)
	if !ok {
		return
	}
	switch pe.Kind {
	case transport.KindConnected:
		e.logger.Info("push connected, refreshing")
		e.spawn(func(ctx context.Context) { _ = e.c.Presence.Refresh(ctx) })
		e.spawn(func(ctx context.Context) {
			_ = e.pollConversations(ctx)
			if id := e.Active(); id != "" {
				_ = e.pollMessages(ctx, id)
			}
		})
	case transport.KindDisconnected:
		e.logger.Info("push disconnected, unread fallback polling active")
	case transport.KindInboundMessage:
		e.handleInbound(ctx, pe.Message)
	case transport.KindPresenceSnapshot:
		e.c.Presence.Apply(pe.Presence)
	case transport.KindPresenceChanged:
		e.spawn(func(ctx context.Context) { _ = e.c.Presence.Refresh(ctx) })
	case transport.KindUnreadSnapshot:
		e.c.Unread.ApplySummary(pe.Unread)
	}
}

// handleInbound applies a pushed message to the timeline and directory.
// Duplicate deliveries are ignored.
func (e *Engine) handleInbound(ctx context.Context, msg model.Message) {
	if msg.ConversationID == "" {
		peer := msg.SenderID
		if peer == e.cfg.SelfID {
			peer = msg.ReceiverID
		}
		conv, ok := e.c.Directory.FindByParticipant(peer)
		if !ok {
			e.logger.Info("pushed message for unknown conversation, refreshing", zap.String("message_id", msg.ID))
			e.spawn(func(ctx context.Context) { _ = e.pollConversations(ctx) })
			return
		}
		msg.ConversationID = conv.ID
	}

	if !e.c.Timeline.Apply(msg) {
		return
	}
	conv, counted := e.c.Directory.RecordMessage(msg)
	if counted {
		e.c.Unread.Increment(conv.ID)
	} else if msg.SenderID != e.cfg.SelfID && conv.ID == e.Active() {
		e.spawn(func(ctx context.Context) {
			if _, err := e.MarkRead(ctx, conv.ID); err != nil {
				e.logger.Debug("auto mark read failed", zap.Error(err))
			}
		})
	}

	if e.cache != nil {
		if err := e.cache.UpsertMessage(msg); err != nil {
			e.logger.Warn("cache write failed", zap.Error(err))
		}
		if err := e.cache.UpsertConversation(conv); err != nil {
			e.logger.Warn("cache write failed", zap.Error(err))
		}
	}
}

// Send composes a message to the participant of convID.
func (e *Engine) Send(ctx context.Context, convID, content string, files []model.File) (model.Message, error) {
	conv, ok := e.c.Directory.Get(convID)
	if !ok {
		return model.Message{}, syncerr.New(syncerr.CodeNotFound, "conversation "+convID+" not found")
	}
	return e.c.Outbox.Send(ctx, outbox.Draft{
		ConversationID: convID,
		ReceiverID:     conv.Participant.ID,
		Content:        content,
		Files:          files,
	})
}

// Retry re-sends a failed message.
func (e *Engine) Retry(ctx context.Context, convID, tempID string) (model.Message, error) {
	if err := e.checkUnconfirmed(convID, tempID); err != nil {
		return model.Message{}, err
	}
	return e.c.Outbox.Retry(ctx, convID, tempID)
}

// Discard drops a failed message.
func (e *Engine) Discard(convID, tempID string) error {
	if err := e.checkUnconfirmed(convID, tempID); err != nil {
		return err
	}
	return e.c.Outbox.Discard(convID, tempID)
}

// checkUnconfirmed rejects ids that cannot name a local provisional entry
// before the outbox marks the conversation busy.
func (e *Engine) checkUnconfirmed(convID, tempID string) error {
	if convID == "" || !model.IsTemporary(tempID) {
		return syncerr.New(syncerr.CodeInvalidArgument, fmt.Sprintf("%q is not a temporary message id", tempID))
	}
	m, ok := e.c.Timeline.Find(convID, tempID)
	if !ok {
		return syncerr.ErrMessageNotFound
	}
	if m.Confirmed() {
		return syncerr.ErrNotRetryable
	}
	return nil
}

// SearchUsers looks up users to start a conversation with.
func (e *Engine) SearchUsers(ctx context.Context, query string) ([]model.Candidate, error) {
	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	return e.api.SearchUsers(fctx, query)
}

// SearchMessages searches the local cache.
func (e *Engine) SearchMessages(query, convID string, limit int) ([]store.SearchResult, error) {
	if e.cache == nil {
		return nil, nil
	}
	return e.cache.SearchMessages(query, convID, limit)
}

// Conversations returns the directory, most recent first.
func (e *Engine) Conversations() []model.Conversation {
	return e.c.Directory.List()
}

// IsOnline reports the last known presence of userID.
func (e *Engine) IsOnline(userID string) bool {
	return e.c.Presence.IsOnline(userID)
}

// Messages returns the timeline of convID.
func (e *Engine) Messages(convID string) []model.Message {
	return e.c.Timeline.Messages(convID)
}

// Snapshot summarizes the engine state.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		ActiveConversation: e.Active(),
		PushConnected:      e.pushConnected(),
		Conversations:      len(e.c.Directory.List()),
		UnreadTotal:        e.c.Unread.Total(),
		Online:             e.c.Presence.Online(),
	}
}
