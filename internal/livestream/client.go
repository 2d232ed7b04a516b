// Package livestream talks to the vendor livestreaming API.
package livestream

import "context"

// ConnectionDetails tell a client app where to push its stream and where it
// will be played back.
type ConnectionDetails struct {
	IngestURL   string `json:"ingestUrl"`
	StreamName  string `json:"streamName"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	PlaybackURL string `json:"playbackUrl"`
}

// Client is the vendor boundary. Implementations return errors wrapped as
// apperr.VendorCallError.
type Client interface {
	CreateStream(ctx context.Context) (externalID string, err error)
	StartStream(ctx context.Context, externalID string) error
	StopStream(ctx context.Context, externalID string) error
	DeleteStream(ctx context.Context, externalID string) error
	GetConnectionDetails(ctx context.Context, externalID string) (ConnectionDetails, error)
}
