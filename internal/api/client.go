package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/store"
)

// Client is a typed client of the control service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return fromStruct(out, resp)
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.call(ctx, MethodGetStatus, struct{}{}, &st)
	return st, err
}

// Conversations lists the conversation directory.
func (c *Client) Conversations(ctx context.Context) ([]ConversationInfo, error) {
	var resp conversationsResponse
	err := c.call(ctx, MethodListConversations, struct{}{}, &resp)
	return resp.Conversations, err
}

// Messages returns the newest limit messages of a conversation timeline.
func (c *Client) Messages(ctx context.Context, convID string, limit int) ([]model.Message, bool, error) {
	var resp messagesResponse
	err := c.call(ctx, MethodListMessages, conversationRequest{ConversationID: convID, Limit: limit}, &resp)
	return resp.Messages, resp.HasMore, err
}

// Open makes convID the active conversation.
func (c *Client) Open(ctx context.Context, convID string) (model.Conversation, error) {
	var resp openResponse
	err := c.call(ctx, MethodOpenConversation, conversationRequest{ConversationID: convID}, &resp)
	return resp.Conversation, err
}

// OpenWithUser opens (or starts) the conversation with userID.
func (c *Client) OpenWithUser(ctx context.Context, userID string) (model.Conversation, error) {
	var resp openResponse
	err := c.call(ctx, MethodOpenConversation, conversationRequest{UserID: userID}, &resp)
	return resp.Conversation, err
}

// CloseConversation deactivates the open conversation.
func (c *Client) CloseConversation(ctx context.Context) error {
	return c.call(ctx, MethodCloseConversation, struct{}{}, nil)
}

// Send sends a message to a conversation.
func (c *Client) Send(ctx context.Context, convID, content string, files []FileArg) (SendResult, error) {
	var res SendResult
	err := c.call(ctx, MethodSend, sendRequest{ConversationID: convID, Content: content, Files: files}, &res)
	return res, err
}

// Retry re-sends a failed message.
func (c *Client) Retry(ctx context.Context, convID, tempID string) (SendResult, error) {
	var res SendResult
	err := c.call(ctx, MethodRetry, messageRef{ConversationID: convID, TempID: tempID}, &res)
	return res, err
}

// Discard drops a failed message.
func (c *Client) Discard(ctx context.Context, convID, tempID string) error {
	return c.call(ctx, MethodDiscard, messageRef{ConversationID: convID, TempID: tempID}, nil)
}

// MarkRead marks a conversation read and returns the server's count.
func (c *Client) MarkRead(ctx context.Context, convID string) (int, error) {
	var resp markReadResponse
	err := c.call(ctx, MethodMarkRead, conversationRequest{ConversationID: convID}, &resp)
	return resp.Marked, err
}

// SearchUsers searches the server's user directory.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]model.Candidate, error) {
	var resp candidatesResponse
	err := c.call(ctx, MethodSearchUsers, searchRequest{Query: query}, &resp)
	return resp.Users, err
}

// SearchMessages searches the local message cache.
func (c *Client) SearchMessages(ctx context.Context, query, convID string, limit int) ([]store.SearchResult, error) {
	var resp searchResponse
	err := c.call(ctx, MethodSearchMessages, searchRequest{Query: query, ConversationID: convID, Limit: limit}, &resp)
	return resp.Results, err
}

// EventStream receives events from WatchEvents.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks until the next event arrives.
func (s *EventStream) Recv() (Event, error) {
	out := new(structpb.Struct)
	if err := s.stream.RecvMsg(out); err != nil {
		return Event{}, err
	}
	var evt Event
	err := fromStruct(out, &evt)
	return evt, err
}

var watchStreamDesc = &grpc.StreamDesc{StreamName: MethodWatchEvents, ServerStreams: true}

// Watch subscribes to daemon events under the given namespaces (all events
// when none are given). The stream ends when ctx is cancelled.
func (c *Client) Watch(ctx context.Context, namespaces ...string) (*EventStream, error) {
	stream, err := c.conn.NewStream(ctx, watchStreamDesc, fullMethod(MethodWatchEvents))
	if err != nil {
		return nil, err
	}
	in, err := toStruct(watchRequest{Namespaces: namespaces})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}
