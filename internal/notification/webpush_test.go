package notification

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vlog-backend/internal/apperr"
	"vlog-backend/internal/livestream"
	"vlog-backend/internal/model"
)

// mockPusher is a mock implementation of the Pusher interface.
type mockPusher struct {
	SendFunc func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

func (m *mockPusher) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return m.SendFunc(payload, sub, options)
}

type fakeSubs struct {
	mu      sync.Mutex
	subs    []model.PushSubscription
	deleted []string
	listErr error
}

func (f *fakeSubs) UpsertSubscription(_ context.Context, sub *model.PushSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, *sub)
	return nil
}

func (f *fakeSubs) DeleteSubscription(_ context.Context, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, endpoint)
	return nil
}

func (f *fakeSubs) ListSubscriptions(_ context.Context, userID string) ([]model.PushSubscription, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []model.PushSubscription
	for _, s := range f.subs {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func response(code int) *http.Response {
	return &http.Response{StatusCode: code, Body: io.NopCloser(bytes.NewBufferString(""))}
}

func newSender(subs *fakeSubs, p Pusher) *WebPushSender {
	s := NewWebPushSender(subs, &webpush.Options{TTL: 30}, zerolog.Nop())
	s.pusher = p
	return s
}

func testRequest() RecordRequest {
	return RecordRequest{
		RequestID:    "req-1",
		LivestreamID: "ls-1",
		UserID:       "u1",
		Connection: livestream.ConnectionDetails{
			IngestURL:   "rtmp://ingest.example.com/app",
			StreamName:  "abc",
			PlaybackURL: "https://play.example.com/abc.m3u8",
		},
		ResponseTimeout: 2 * time.Minute,
		ExpiresAt:       time.Date(2026, 3, 1, 8, 32, 0, 0, time.UTC),
	}
}

func TestWebPushSender_SendRecordRequest(t *testing.T) {
	t.Run("delivers payload to every device", func(t *testing.T) {
		subs := &fakeSubs{subs: []model.PushSubscription{
			{Endpoint: "https://push.example.com/a", UserID: "u1", P256DH: "k1", Auth: "a1"},
			{Endpoint: "https://push.example.com/b", UserID: "u1", P256DH: "k2", Auth: "a2"},
			{Endpoint: "https://push.example.com/c", UserID: "u2", P256DH: "k3", Auth: "a3"},
		}}
		var mu sync.Mutex
		var endpoints []string
		var last recordPayload
		p := &mockPusher{SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
			mu.Lock()
			defer mu.Unlock()
			endpoints = append(endpoints, sub.Endpoint)
			require.NoError(t, json.Unmarshal(payload, &last))
			assert.Equal(t, 30, options.TTL)
			return response(http.StatusCreated), nil
		}}

		outcome, err := newSender(subs, p).SendRecordRequest(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, Outcome{Delivered: 2}, outcome)
		assert.True(t, outcome.Reached())
		assert.ElementsMatch(t, []string{"https://push.example.com/a", "https://push.example.com/b"}, endpoints)
		assert.Equal(t, "record_request", last.Type)
		assert.Equal(t, "req-1", last.RequestID)
		assert.Equal(t, "rtmp://ingest.example.com/app", last.IngestURL)
		assert.Equal(t, 120, last.ResponseTimeoutSeconds)
		assert.Equal(t, "2026-03-01T08:32:00Z", last.ExpiresAt)
	})

	t.Run("no subscriptions is not an error", func(t *testing.T) {
		p := &mockPusher{SendFunc: func([]byte, *webpush.Subscription, *webpush.Options) (*http.Response, error) {
			t.Fatal("send should not be called")
			return nil, nil
		}}
		outcome, err := newSender(&fakeSubs{}, p).SendRecordRequest(context.Background(), testRequest())
		require.NoError(t, err)
		assert.False(t, outcome.Reached())
	})

	t.Run("gone subscription is deleted", func(t *testing.T) {
		subs := &fakeSubs{subs: []model.PushSubscription{
			{Endpoint: "https://push.example.com/gone", UserID: "u1"},
			{Endpoint: "https://push.example.com/ok", UserID: "u1"},
		}}
		p := &mockPusher{SendFunc: func(_ []byte, sub *webpush.Subscription, _ *webpush.Options) (*http.Response, error) {
			if sub.Endpoint == "https://push.example.com/gone" {
				return response(http.StatusGone), nil
			}
			return response(http.StatusCreated), nil
		}}
		outcome, err := newSender(subs, p).SendRecordRequest(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, Outcome{Delivered: 1, Expired: 1}, outcome)
		assert.Equal(t, []string{"https://push.example.com/gone"}, subs.deleted)
	})

	t.Run("all devices failing is a vendor error", func(t *testing.T) {
		subs := &fakeSubs{subs: []model.PushSubscription{
			{Endpoint: "https://push.example.com/a", UserID: "u1"},
			{Endpoint: "https://push.example.com/b", UserID: "u1"},
		}}
		p := &mockPusher{SendFunc: func(_ []byte, sub *webpush.Subscription, _ *webpush.Options) (*http.Response, error) {
			if sub.Endpoint == "https://push.example.com/a" {
				return nil, errors.New("connection refused")
			}
			return response(http.StatusInternalServerError), nil
		}}
		outcome, err := newSender(subs, p).SendRecordRequest(context.Background(), testRequest())
		require.Error(t, err)
		assert.True(t, apperr.IsVendor(err))
		assert.Equal(t, Outcome{Failed: 2}, outcome)
	})

	t.Run("subscription lookup failure", func(t *testing.T) {
		_, err := newSender(&fakeSubs{listErr: errors.New("db down")}, &mockPusher{}).
			SendRecordRequest(context.Background(), testRequest())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "db down")
	})
}
