package gmail

import (
	"context"
	"fmt"
	"strings"

	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/teemow/handovermail/internal/google"
	"github.com/teemow/handovermail/internal/instrumentation"
	"github.com/teemow/handovermail/internal/retry"
	"github.com/teemow/handovermail/internal/thread"
)

const me = "me"

// Headers read from each message of a conversation.
var metadataHeaders = []string{"Subject", "Message-ID", "References"}

// Client wraps the Gmail Users service of one authenticated user.
type Client struct {
	svc      *gmail.UsersService
	settings google.Settings
}

// NewClient creates a Gmail client. Authentication comes from opts, usually
// option.WithHTTPClient with a client from google.ClientFactory.
func NewClient(ctx context.Context, settings google.Settings, opts ...option.ClientOption) (*Client, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Client{svc: svc.Users, settings: settings}, nil
}

// SearchThreads returns the ids of the conversations containing messages that
// match query, in the order their first match was returned.
func (c *Client) SearchThreads(ctx context.Context, query string, maxResults int64) ([]string, error) {
	res, err := google.Call(ctx, c.settings, instrumentation.ServiceGmail, instrumentation.OperationSearch, nil,
		func(ctx context.Context) (*gmail.ListMessagesResponse, error) {
			return c.svc.Messages.List(me).Q(query).MaxResults(maxResults).Context(ctx).Do()
		})
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}

	seen := make(map[string]bool, len(res.Messages))
	var ids []string
	for _, m := range res.Messages {
		if m.ThreadId == "" || seen[m.ThreadId] {
			continue
		}
		seen[m.ThreadId] = true
		ids = append(ids, m.ThreadId)
	}
	return ids, nil
}

// ThreadMessages returns the messages of a conversation in chronological
// order with their Subject, Message-ID and References headers.
func (c *Client) ThreadMessages(ctx context.Context, threadID string) ([]thread.Message, error) {
	t, err := google.Call(ctx, c.settings, instrumentation.ServiceGmail, instrumentation.OperationGet, nil,
		func(ctx context.Context) (*gmail.Thread, error) {
			return c.svc.Threads.Get(me, threadID).
				Format("metadata").
				MetadataHeaders(metadataHeaders...).
				Context(ctx).
				Do()
		})
	if err != nil {
		return nil, fmt.Errorf("failed to get thread %s: %w", threadID, err)
	}

	msgs := make([]thread.Message, 0, len(t.Messages))
	for _, m := range t.Messages {
		msgs = append(msgs, thread.Message{
			ID:         m.Id,
			Subject:    HeaderValue(m, "Subject"),
			MessageID:  HeaderValue(m, "Message-ID"),
			References: HeaderValue(m, "References"),
		})
	}
	return msgs, nil
}

// Send delivers a base64url encoded RFC 5322 message. A non-empty threadID
// files it into that conversation. It returns the id of the sent message.
func (c *Client) Send(ctx context.Context, raw, threadID string) (string, error) {
	msg := &gmail.Message{Raw: raw, ThreadId: threadID}

	sent, err := google.Call(ctx, c.settings, instrumentation.ServiceGmail, instrumentation.OperationSend, retry.IsRejected,
		func(ctx context.Context) (*gmail.Message, error) {
			return c.svc.Messages.Send(me, msg).Context(ctx).Do()
		})
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return sent.Id, nil
}

// HeaderValue returns the first header of m named header, compared
// case-insensitively, or "".
func HeaderValue(m *gmail.Message, header string) string {
	if m == nil || m.Payload == nil {
		return ""
	}
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, header) {
			return h.Value
		}
	}
	return ""
}
