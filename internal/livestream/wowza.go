package livestream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"vlog-backend/config"
	"vlog-backend/internal/apperr"
)

// WowzaClient implements Client against a Wowza Streaming Cloud style REST API.
type WowzaClient struct {
	cfg    config.LivestreamConfig
	client *http.Client
}

// NewWowzaClient creates a REST client for the configured vendor endpoint.
func NewWowzaClient(cfg config.LivestreamConfig) *WowzaClient {
	return &WowzaClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type liveStreamEnvelope struct {
	LiveStream liveStream `json:"live_stream"`
}

type liveStream struct {
	ID                   string                `json:"id,omitempty"`
	Name                 string                `json:"name,omitempty"`
	State                string                `json:"state,omitempty"`
	BroadcastLocation    string                `json:"broadcast_location,omitempty"`
	Encoder              string                `json:"encoder,omitempty"`
	DeliveryMethod       string                `json:"delivery_method,omitempty"`
	TranscoderType       string                `json:"transcoder_type,omitempty"`
	BillingMode          string                `json:"billing_mode,omitempty"`
	AspectRatioWidth     int                   `json:"aspect_ratio_width,omitempty"`
	AspectRatioHeight    int                   `json:"aspect_ratio_height,omitempty"`
	SourceConnectionInfo *sourceConnectionInfo `json:"source_connection_information,omitempty"`
	PlayerHLSPlaybackURL string                `json:"player_hls_playback_url,omitempty"`
}

type sourceConnectionInfo struct {
	PrimaryServer string `json:"primary_server"`
	HostPort      int    `json:"host_port"`
	StreamName    string `json:"stream_name"`
	Username      string `json:"username"`
	Password      string `json:"password"`
}

// CreateStream provisions a new RTMP push livestream.
func (c *WowzaClient) CreateStream(ctx context.Context) (string, error) {
	body := liveStreamEnvelope{LiveStream: liveStream{
		Name:              "vlog-" + uuid.NewString()[:8],
		BroadcastLocation: c.cfg.Region,
		Encoder:           "other_rtmp",
		DeliveryMethod:    "push",
		TranscoderType:    "transcoded",
		BillingMode:       "pay_as_you_go",
		AspectRatioWidth:  1080,
		AspectRatioHeight: 1920,
	}}

	var resp liveStreamEnvelope
	if err := c.do(ctx, http.MethodPost, "/live_streams", body, &resp); err != nil {
		return "", apperr.Vendor("create_stream", "", err)
	}
	if resp.LiveStream.ID == "" {
		return "", apperr.Vendor("create_stream", "", fmt.Errorf("vendor returned no stream id"))
	}
	return resp.LiveStream.ID, nil
}

func (c *WowzaClient) StartStream(ctx context.Context, externalID string) error {
	return apperr.Vendor("start_stream", externalID, c.do(ctx, http.MethodPut, "/live_streams/"+externalID+"/start", nil, nil))
}

func (c *WowzaClient) StopStream(ctx context.Context, externalID string) error {
	return apperr.Vendor("stop_stream", externalID, c.do(ctx, http.MethodPut, "/live_streams/"+externalID+"/stop", nil, nil))
}

func (c *WowzaClient) DeleteStream(ctx context.Context, externalID string) error {
	return apperr.Vendor("delete_stream", externalID, c.do(ctx, http.MethodDelete, "/live_streams/"+externalID, nil, nil))
}

func (c *WowzaClient) GetConnectionDetails(ctx context.Context, externalID string) (ConnectionDetails, error) {
	var resp liveStreamEnvelope
	if err := c.do(ctx, http.MethodGet, "/live_streams/"+externalID, nil, &resp); err != nil {
		return ConnectionDetails{}, apperr.Vendor("get_connection_details", externalID, err)
	}
	info := resp.LiveStream.SourceConnectionInfo
	if info == nil {
		return ConnectionDetails{}, apperr.Vendor("get_connection_details", externalID, fmt.Errorf("vendor returned no connection information"))
	}

	ingest := info.PrimaryServer
	if info.HostPort > 0 && !strings.Contains(strings.TrimPrefix(ingest, "rtmp://"), ":") {
		ingest = fmt.Sprintf("%s:%d", ingest, info.HostPort)
	}
	return ConnectionDetails{
		IngestURL:   ingest,
		StreamName:  info.StreamName,
		Username:    info.Username,
		Password:    info.Password,
		PlaybackURL: resp.LiveStream.PlayerHLSPlaybackURL,
	}, nil
}

// do sends one request and decodes the JSON response into out when non-nil.
func (c *WowzaClient) do(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request payload: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("wsc-api-key", c.cfg.APIKey)
	req.Header.Set("wsc-access-key", c.cfg.AccessKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("received status code %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal vendor response: %w", err)
	}
	return nil
}
