// Package api exposes the sync engine to local clients over gRPC on the
// profile's Unix socket.
package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/syncerr"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

const (
	defaultMessageLimit = 50
	defaultSearchLimit  = 20
)

// Engine is the part of the sync engine served over the API.
type Engine interface {
	Snapshot() intsync.Snapshot
	Conversations() []model.Conversation
	IsOnline(userID string) bool
	Messages(convID string) []model.Message
	Open(ctx context.Context, convID string) error
	OpenWithUser(ctx context.Context, userID string) (model.Conversation, error)
	Close()
	Send(ctx context.Context, convID, content string, files []model.File) (model.Message, error)
	Retry(ctx context.Context, convID, tempID string) (model.Message, error)
	Discard(convID, tempID string) error
	MarkRead(ctx context.Context, convID string) (int, error)
	SearchUsers(ctx context.Context, query string) ([]model.Candidate, error)
	SearchMessages(query, convID string, limit int) ([]store.SearchResult, error)
}

// StatsSource reports local cache counters.
type StatsSource interface {
	Stats() (store.Stats, error)
}

// Service implements the chatsync control service.
type Service struct {
	profile   string
	startedAt time.Time
	engine    Engine
	machine   *status.Machine
	stats     StatsSource
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewService creates the control service. stats may be nil.
func NewService(profile string, engine Engine, machine *status.Machine, stats StatsSource, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		profile:   profile,
		startedAt: time.Now(),
		engine:    engine,
		machine:   machine,
		stats:     stats,
		bus:       b,
		logger:    logger,
	}
}

// Register attaches the service to a gRPC server.
func (s *Service) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&serviceDesc, s)
}

func (s *Service) getStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snap := s.engine.Snapshot()
	st := Status{
		Profile:            s.profile,
		UptimeMs:           time.Since(s.startedAt).Milliseconds(),
		ActiveConversation: snap.ActiveConversation,
		Conversations:      snap.Conversations,
		UnreadTotal:        snap.UnreadTotal,
		Online:             snap.Online,
	}
	if s.machine != nil {
		st.PushState = string(s.machine.Current())
		st.PushStateSince = s.machine.Since()
	}
	if s.stats != nil {
		if cs, err := s.stats.Stats(); err == nil {
			st.Cache = &cs
		} else {
			s.logger.Warn("cache stats failed", zap.Error(err))
		}
	}
	return toStruct(st)
}

func (s *Service) listConversations(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	convs := s.engine.Conversations()
	infos := make([]ConversationInfo, len(convs))
	for i, conv := range convs {
		infos[i] = ConversationInfo{Conversation: conv, Online: s.engine.IsOnline(conv.Participant.ID)}
	}
	return toStruct(conversationsResponse{Conversations: infos})
}

func (s *Service) listMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req conversationRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	msgs := s.engine.Messages(req.ConversationID)
	resp := messagesResponse{Messages: msgs}
	if len(msgs) > limit {
		resp.Messages = msgs[len(msgs)-limit:]
		resp.HasMore = true
	}
	return toStruct(resp)
}

func (s *Service) openConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req conversationRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if req.UserID != "" {
		conv, err := s.engine.OpenWithUser(ctx, req.UserID)
		if err != nil {
			return nil, statusFor(err)
		}
		return toStruct(openResponse{Conversation: conv})
	}
	if err := s.engine.Open(ctx, req.ConversationID); err != nil {
		return nil, statusFor(err)
	}
	resp := openResponse{Conversation: model.Conversation{ID: req.ConversationID}}
	for _, c := range s.engine.Conversations() {
		if c.ID == req.ConversationID {
			resp.Conversation = c
			break
		}
	}
	return toStruct(resp)
}

func (s *Service) closeConversation(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.engine.Close()
	return &structpb.Struct{}, nil
}

func (s *Service) send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req sendRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	files := make([]model.File, 0, len(req.Files))
	for _, f := range req.Files {
		files = append(files, model.File{Name: f.Name, MimeType: f.MimeType, Data: f.Data})
	}
	msg, err := s.engine.Send(ctx, req.ConversationID, req.Content, files)
	return sendResult(msg, err)
}

func (s *Service) retry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req messageRef
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	msg, err := s.engine.Retry(ctx, req.ConversationID, req.TempID)
	return sendResult(msg, err)
}

// sendResult turns a delivery outcome into a response. Errors raised before
// a provisional entry existed, and errors a retry cannot fix, are RPC errors.
func sendResult(msg model.Message, err error) (*structpb.Struct, error) {
	if err != nil && (msg.ID == "" || !syncerr.Retryable(err)) {
		return nil, statusFor(err)
	}
	res := SendResult{Message: msg}
	if err != nil {
		res.ErrorCode = syncerr.CodeOf(err)
		res.Error = err.Error()
	}
	return toStruct(res)
}

func (s *Service) discard(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req messageRef
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := s.engine.Discard(req.ConversationID, req.TempID); err != nil {
		return nil, statusFor(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Service) markRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req conversationRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	n, err := s.engine.MarkRead(ctx, req.ConversationID)
	if err != nil {
		return nil, statusFor(err)
	}
	return toStruct(markReadResponse{Marked: n})
}

func (s *Service) searchUsers(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req searchRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	users, err := s.engine.SearchUsers(ctx, req.Query)
	if err != nil {
		return nil, statusFor(err)
	}
	return toStruct(candidatesResponse{Users: users})
}

func (s *Service) searchMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req searchRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	results, err := s.engine.SearchMessages(req.Query, req.ConversationID, limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "search messages: %v", err)
	}
	return toStruct(searchResponse{Results: results})
}

// watchEvents streams bus events matching the requested namespaces until
// the client goes away.
func (s *Service) watchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	var req watchRequest
	if err := decodeRequest(in, &req); err != nil {
		return err
	}
	namespaces := req.Namespaces
	if len(namespaces) == 0 {
		namespaces = []string{""}
	}
	ch, unsub := s.bus.Subscribe(256, namespaces...)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			env, err := s.envelope(evt)
			if err != nil {
				s.logger.Warn("skipping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *Service) envelope(evt bus.Event) (*structpb.Struct, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, err
	}
	return toStruct(Event{
		ID:         uuid.NewString(),
		Profile:    s.profile,
		Kind:       evt.Kind,
		OccurredAt: evt.Timestamp,
		Payload:    payload,
	})
}

func decodeRequest(in *structpb.Struct, v any) error {
	if err := fromStruct(in, v); err != nil {
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}
