package gmail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/teemow/handovermail/internal/google"
	"github.com/teemow/handovermail/internal/retry"
	"github.com/teemow/handovermail/internal/thread"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	settings := google.Settings{Retry: retry.Policy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}}
	c, err := NewClient(context.Background(), settings,
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSearchThreads_GroupsByThreadInFirstSeenOrder(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gmail/v1/users/me/messages", r.URL.Path)
		assert.Equal(t, `subject:"Handover HN-01"`, r.URL.Query().Get("q"))
		assert.Equal(t, "50", r.URL.Query().Get("maxResults"))

		writeJSON(w, http.StatusOK, &gmail.ListMessagesResponse{Messages: []*gmail.Message{
			{Id: "m3", ThreadId: "t2"},
			{Id: "m1", ThreadId: "t1"},
			{Id: "m4", ThreadId: "t2"},
			{Id: "m5", ThreadId: "t3"},
		}})
	}))

	ids, err := c.SearchThreads(context.Background(), `subject:"Handover HN-01"`, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t1", "t3"}, ids)
}

func TestSearchThreads_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": map[string]any{"code": 503, "message": "backend"}})
			return
		}
		writeJSON(w, http.StatusOK, &gmail.ListMessagesResponse{})
	}))

	ids, err := c.SearchThreads(context.Background(), "subject:x", 50)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, int32(2), calls.Load())
}

func TestThreadMessages(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gmail/v1/users/me/threads/t1", r.URL.Path)
		assert.Equal(t, "metadata", r.URL.Query().Get("format"))
		assert.ElementsMatch(t, []string{"Subject", "Message-ID", "References"}, r.URL.Query()["metadataHeaders"])

		writeJSON(w, http.StatusOK, &gmail.Thread{Id: "t1", Messages: []*gmail.Message{
			{Id: "m1", Payload: &gmail.MessagePart{Headers: []*gmail.MessagePartHeader{
				{Name: "Subject", Value: "Handover HN-01"},
				{Name: "Message-Id", Value: "<root@mail.example.com>"},
			}}},
			{Id: "m2", Payload: &gmail.MessagePart{Headers: []*gmail.MessagePartHeader{
				{Name: "Subject", Value: "Re: Handover HN-01"},
				{Name: "Message-ID", Value: "<reply@mail.example.com>"},
				{Name: "References", Value: "<root@mail.example.com>"},
			}}},
		}})
	}))

	msgs, err := c.ThreadMessages(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []thread.Message{
		{ID: "m1", Subject: "Handover HN-01", MessageID: "<root@mail.example.com>"},
		{ID: "m2", Subject: "Re: Handover HN-01", MessageID: "<reply@mail.example.com>", References: "<root@mail.example.com>"},
	}, msgs)
}

func TestThreadMessages_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"code": 404, "message": "not found"}})
	}))

	_, err := c.ThreadMessages(context.Background(), "gone")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSend(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/gmail/v1/users/me/messages/send", r.URL.Path)

		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": map[string]any{"code": 429, "message": "rate"}})
			return
		}

		var msg gmail.Message
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		assert.Equal(t, "cmF3", msg.Raw)
		assert.Equal(t, "t1", msg.ThreadId)
		writeJSON(w, http.StatusOK, &gmail.Message{Id: "sent-1", ThreadId: "t1"})
	}))

	id, err := c.Send(context.Background(), "cmF3", "t1")
	require.NoError(t, err)
	assert.Equal(t, "sent-1", id)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSend_ServerErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": map[string]any{"code": 500, "message": "boom"}})
	}))

	_, err := c.Send(context.Background(), "cmF3", "")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHeaderValue(t *testing.T) {
	m := &gmail.Message{Payload: &gmail.MessagePart{Headers: []*gmail.MessagePartHeader{
		{Name: "subject", Value: "first"},
		{Name: "Subject", Value: "second"},
	}}}

	assert.Equal(t, "first", HeaderValue(m, "Subject"))
	assert.Empty(t, HeaderValue(m, "References"))
	assert.Empty(t, HeaderValue(&gmail.Message{}, "Subject"))
	assert.Empty(t, HeaderValue(nil, "Subject"))
}
