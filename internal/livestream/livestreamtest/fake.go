// Package livestreamtest provides an in-memory vendor client for tests.
package livestreamtest

import (
	"context"
	"fmt"
	"sync"

	"vlog-backend/internal/apperr"
	"vlog-backend/internal/livestream"
)

// Fake records vendor calls. The Err fields, when set, fail the matching
// call; they are consulted on every call so tests can flip them mid-run.
type Fake struct {
	mu sync.Mutex

	CreateErr  func() error
	StartErr   func(externalID string) error
	StopErr    func(externalID string) error
	DeleteErr  func(externalID string) error
	DetailsErr func(externalID string) error

	seq     int
	Created []string
	Started []string
	Stopped []string
	Deleted []string
}

// NewFake returns a Fake that succeeds on every call.
func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) CreateStream(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		if err := f.CreateErr(); err != nil {
			return "", apperr.Vendor("create_stream", "", err)
		}
	}
	f.seq++
	id := fmt.Sprintf("ext-%d", f.seq)
	f.Created = append(f.Created, id)
	return id, nil
}

func (f *Fake) StartStream(_ context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		if err := f.StartErr(externalID); err != nil {
			return apperr.Vendor("start_stream", externalID, err)
		}
	}
	f.Started = append(f.Started, externalID)
	return nil
}

func (f *Fake) StopStream(_ context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StopErr != nil {
		if err := f.StopErr(externalID); err != nil {
			return apperr.Vendor("stop_stream", externalID, err)
		}
	}
	f.Stopped = append(f.Stopped, externalID)
	return nil
}

func (f *Fake) DeleteStream(_ context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		if err := f.DeleteErr(externalID); err != nil {
			return apperr.Vendor("delete_stream", externalID, err)
		}
	}
	f.Deleted = append(f.Deleted, externalID)
	return nil
}

func (f *Fake) GetConnectionDetails(_ context.Context, externalID string) (livestream.ConnectionDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DetailsErr != nil {
		if err := f.DetailsErr(externalID); err != nil {
			return livestream.ConnectionDetails{}, apperr.Vendor("get_connection_details", externalID, err)
		}
	}
	return livestream.ConnectionDetails{
		IngestURL:   "rtmp://ingest.test/app",
		StreamName:  externalID,
		PlaybackURL: "https://play.test/" + externalID + ".m3u8",
	}, nil
}

// Calls returns copies of the recorded call lists.
func (f *Fake) Calls() (created, started, stopped, deleted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Created...),
		append([]string(nil), f.Started...),
		append([]string(nil), f.Stopped...),
		append([]string(nil), f.Deleted...)
}
