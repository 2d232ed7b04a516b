package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"vlog-backend/internal/apperr"
	"vlog-backend/internal/clock"
	"vlog-backend/internal/model"
)

// RequestStore persists vlog requests.
type RequestStore interface {
	// CreateIfAbsent creates the request for (userID, triggerMinute). When one
	// already exists it is returned with created == false.
	CreateIfAbsent(ctx context.Context, userID string, triggerMinute time.Time) (req *model.VlogRequest, created bool, err error)
	// MarkState moves a request to state to if its current state permits it.
	MarkState(ctx context.Context, id string, to model.RequestState) error
	AttachLivestream(ctx context.Context, id, livestreamID string) error
	GetRequest(ctx context.Context, id string) (*model.VlogRequest, error)
	GetRequestByLivestream(ctx context.Context, livestreamID string) (*model.VlogRequest, error)
}

// LivestreamStore persists livestream resources. Every state-changing method
// is a conditional update guarded by the caller's view of the record; it
// reports false when the guard no longer holds, and on success updates ls in place.
type LivestreamStore interface {
	InsertLivestream(ctx context.Context, ls *model.Livestream) error
	GetLivestream(ctx context.Context, id string) (*model.Livestream, error)
	GetAvailable(ctx context.Context, limit int) ([]model.Livestream, error)
	GetOwnedByUser(ctx context.Context, userID string) ([]model.Livestream, error)
	ListByStates(ctx context.Context, states ...model.LivestreamState) ([]model.Livestream, error)
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Livestream, error)
	CountAvailable(ctx context.Context) (int, error)
	CountByState(ctx context.Context) (map[model.LivestreamState]int, error)

	Claim(ctx context.Context, ls *model.Livestream, userID string) (bool, error)
	Unclaim(ctx context.Context, ls *model.Livestream) (bool, error)
	Transition(ctx context.Context, ls *model.Livestream, to model.LivestreamState) (bool, error)
	ForceTerminal(ctx context.Context, ls *model.Livestream, to model.LivestreamState) (bool, error)
	MarkVendorReleased(ctx context.Context, ls *model.Livestream) (bool, error)
	ClearVendorReleased(ctx context.Context, ls *model.Livestream) error
	DeleteLivestream(ctx context.Context, id string) error
}

// SubscriptionStore persists push subscriptions.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error
	DeleteSubscription(ctx context.Context, endpoint string) error
	ListSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error)
}

// Store defines the interface for all database operations.
type Store interface {
	RequestStore
	LivestreamStore
	SubscriptionStore
	Ping(ctx context.Context) error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db    *gorm.DB
	clock clock.Clock
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB, clk clock.Clock) Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &gormStore{db: db, clock: clk}
}

func (s *gormStore) now() time.Time {
	return s.clock.Now().UTC()
}

// Ping checks the database connection.
func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.ErrNotFound
	}
	return err
}

// activeOwnerConflict reports whether err is a violation of the one active
// livestream per user index.
func activeOwnerConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == model.ActiveOwnerIndex
	}
	// sqlite names the indexed column rather than the index.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: livestreams.owner_user_id")
}
