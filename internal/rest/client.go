// Package rest is the request/response client for the chat server's HTTP
// API. It is the fallback path for sends and read receipts and the source of
// every polled snapshot.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"github.com/matheus3301/chatsync/internal/wire"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 8 << 20
)

// Params narrows a message fetch.
type Params struct {
	Limit  int
	Before string
}

// StatusError is a non-2xx response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Client talks to the chat server REST API.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *zap.Logger
}

// New creates a client for baseURL. A nil httpClient gets a default client
// with a 30s timeout.
func New(baseURL, token string, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing api base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api base url %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: u, token: token, http: httpClient, logger: logger}, nil
}

// FetchConversations returns the full conversation list.
func (c *Client) FetchConversations(ctx context.Context) ([]model.Conversation, error) {
	doc, err := c.get(ctx, "/conversations", nil)
	if err != nil {
		return nil, syncerr.FetchError("conversations", err)
	}
	convs, err := wire.Conversations(doc)
	if err != nil {
		return nil, syncerr.FetchError("conversations", err)
	}
	return convs, nil
}

// FetchMessages returns the server-ordered messages of a conversation.
func (c *Client) FetchMessages(ctx context.Context, convID string, p Params) ([]model.Message, error) {
	q := url.Values{}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Before != "" {
		q.Set("before", p.Before)
	}
	doc, err := c.get(ctx, "/conversations/"+url.PathEscape(convID)+"/messages", q)
	if err != nil {
		return nil, syncerr.FetchError("messages", err)
	}
	msgs, err := wire.Messages(doc)
	if err != nil {
		return nil, syncerr.FetchError("messages", err)
	}
	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = convID
		}
	}
	return msgs, nil
}

// FetchMessagesWithUser returns the conversation held with userID and its
// messages. The server creates the conversation when it does not exist.
func (c *Client) FetchMessagesWithUser(ctx context.Context, userID string) (model.Conversation, []model.Message, error) {
	doc, err := c.get(ctx, "/conversations/with/"+url.PathEscape(userID), nil)
	if err != nil {
		return model.Conversation{}, nil, syncerr.FetchError("conversation with user", err)
	}
	conv, err := wire.Conversation(wire.Get(doc, "conversation"))
	if err != nil {
		return model.Conversation{}, nil, syncerr.FetchError("conversation with user", err)
	}
	if conv.Participant.ID == "" {
		conv.Participant.ID = userID
	}
	msgs, err := wire.Messages(wire.Get(doc, "messages"))
	if err != nil {
		return model.Conversation{}, nil, syncerr.FetchError("conversation with user", err)
	}
	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = conv.ID
		}
	}
	return conv, msgs, nil
}

// SendMessage posts a message to userID, as multipart form data when files
// are attached. It is not idempotent and must only be called once per user
// action or explicit retry.
func (c *Client) SendMessage(ctx context.Context, userID, content string, files []model.File) (model.Message, error) {
	var (
		body        io.Reader
		contentType string
	)
	if len(files) == 0 {
		raw, err := json.Marshal(map[string]string{"content": content})
		if err != nil {
			return model.Message{}, fmt.Errorf("encoding message: %w", err)
		}
		body, contentType = bytes.NewReader(raw), "application/json"
	} else {
		buf, ct, err := multipartBody(content, files)
		if err != nil {
			return model.Message{}, fmt.Errorf("encoding multipart message: %w", err)
		}
		body, contentType = buf, ct
	}

	doc, err := c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(userID), nil, body, contentType)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status < 500 {
			return model.Message{}, syncerr.SendRejected(err)
		}
		return model.Message{}, syncerr.Wrap(syncerr.CodeUnknown, "rest send", err)
	}
	if m := wire.Get(doc, "message", "data"); m.IsObject() {
		doc = m
	}
	msg, err := wire.Message(doc)
	if err != nil {
		return model.Message{}, syncerr.SendRejected(fmt.Errorf("decoding send response: %w", err))
	}
	return msg, nil
}

// MarkRead marks every message of a conversation read and returns how many
// were marked.
func (c *Client) MarkRead(ctx context.Context, convID string) (int, error) {
	doc, err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(convID)+"/read", nil, nil, "")
	if err != nil {
		return 0, fmt.Errorf("rest mark read: %w", err)
	}
	return int(wire.Get(doc, "marked_count", "markedCount").Int()), nil
}

// SearchUsers returns users matching query.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]model.Candidate, error) {
	doc, err := c.get(ctx, "/users/search", url.Values{"q": {query}})
	if err != nil {
		return nil, syncerr.FetchError("user search", err)
	}
	return wire.Candidates(doc), nil
}

// FetchUnread returns the authoritative unread summary.
func (c *Client) FetchUnread(ctx context.Context) (model.UnreadSummary, error) {
	doc, err := c.get(ctx, "/messages/unread", nil)
	if err != nil {
		return model.UnreadSummary{}, syncerr.FetchError("unread counts", err)
	}
	return wire.Unread(doc), nil
}

// FetchPresence returns the presence list of known contacts.
func (c *Client) FetchPresence(ctx context.Context) ([]model.PresenceEntry, error) {
	doc, err := c.get(ctx, "/users/online", nil)
	if err != nil {
		return nil, syncerr.FetchError("presence", err)
	}
	return wire.Presence(doc), nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (gjson.Result, error) {
	return c.do(ctx, http.MethodGet, path, q, nil, "")
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body io.Reader, contentType string) (gjson.Result, error) {
	u := *c.base
	u.Path += path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("reading %s response: %w", path, err)
	}
	c.logger.Debug("rest call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode >= 300 {
		msg := gjson.GetBytes(raw, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return gjson.Result{}, &StatusError{Status: resp.StatusCode, Body: msg}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return gjson.Result{}, nil
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("%s %s: invalid json response", method, path)
	}
	return gjson.ParseBytes(raw), nil
}

func multipartBody(content string, files []model.File) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	if err := w.WriteField("content", content); err != nil {
		return nil, "", err
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, f.Name))
		ct := f.MimeType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}
