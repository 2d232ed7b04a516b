package livestream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vlog-backend/config"
	"vlog-backend/internal/apperr"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *WowzaClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewWowzaClient(config.LivestreamConfig{
		BaseURL:   server.URL + "/api/v1.11/",
		APIKey:    "key",
		AccessKey: "access",
		Region:    "eu_germany",
		Timeout:   5 * time.Second,
	})
}

func TestWowzaClient_CreateStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1.11/live_streams", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("wsc-api-key"))
		assert.Equal(t, "access", r.Header.Get("wsc-access-key"))

		raw, _ := io.ReadAll(r.Body)
		var body liveStreamEnvelope
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "eu_germany", body.LiveStream.BroadcastLocation)
		assert.Equal(t, "push", body.LiveStream.DeliveryMethod)

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"live_stream":{"id":"wz-123","state":"stopped"}}`))
	})

	id, err := c.CreateStream(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wz-123", id)
}

func TestWowzaClient_Lifecycle(t *testing.T) {
	var calls []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.Write([]byte(`{"live_stream":{"state":"started"}}`))
	})
	ctx := context.Background()

	require.NoError(t, c.StartStream(ctx, "wz-1"))
	require.NoError(t, c.StopStream(ctx, "wz-1"))
	require.NoError(t, c.DeleteStream(ctx, "wz-1"))

	assert.Equal(t, []string{
		"PUT /api/v1.11/live_streams/wz-1/start",
		"PUT /api/v1.11/live_streams/wz-1/stop",
		"DELETE /api/v1.11/live_streams/wz-1",
	}, calls)
}

func TestWowzaClient_GetConnectionDetails(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1.11/live_streams/wz-1", r.URL.Path)
		w.Write([]byte(`{"live_stream":{"id":"wz-1",
			"source_connection_information":{"primary_server":"rtmp://ingest.example.com/app","host_port":1935,"stream_name":"abc","username":"u","password":"p"},
			"player_hls_playback_url":"https://cdn.example.com/abc/playlist.m3u8"}}`))
	})

	details, err := c.GetConnectionDetails(context.Background(), "wz-1")
	require.NoError(t, err)
	assert.Equal(t, ConnectionDetails{
		IngestURL:   "rtmp://ingest.example.com/app:1935",
		StreamName:  "abc",
		Username:    "u",
		Password:    "p",
		PlaybackURL: "https://cdn.example.com/abc/playlist.m3u8",
	}, details)
}

func TestWowzaClient_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		handler http.HandlerFunc
		call    func(c *WowzaClient) error
	}{
		{
			name: "non-2xx status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				w.Write([]byte(`{"meta":{"code":"ERR-422-InvalidInteraction"}}`))
			},
			call: func(c *WowzaClient) error { return c.StartStream(context.Background(), "wz-1") },
		},
		{
			name: "missing stream id",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"live_stream":{}}`))
			},
			call: func(c *WowzaClient) error { _, err := c.CreateStream(context.Background()); return err },
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{not json`))
			},
			call: func(c *WowzaClient) error {
				_, err := c.GetConnectionDetails(context.Background(), "wz-1")
				return err
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call(newTestClient(t, tc.handler))
			require.Error(t, err)
			assert.True(t, apperr.IsVendor(err))
		})
	}
}
