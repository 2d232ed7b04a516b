package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vlog-backend/internal/apperr"
	"vlog-backend/internal/model"
)

// CreateIfAbsent inserts the request, relying on the (user_id, trigger_minute)
// unique index to deduplicate concurrent or repeated cycles.
func (s *gormStore) CreateIfAbsent(ctx context.Context, userID string, triggerMinute time.Time) (*model.VlogRequest, bool, error) {
	now := s.now()
	req := &model.VlogRequest{
		ID:            uuid.NewString(),
		UserID:        userID,
		TriggerMinute: triggerMinute.UTC(),
		State:         model.RequestCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "trigger_minute"}},
		DoNothing: true,
	}).Create(req)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return nil, false, apperr.ErrDuplicateRequest
		}
		return nil, false, fmt.Errorf("failed to create vlog request for user %s: %w", userID, res.Error)
	}
	if res.RowsAffected > 0 {
		return req, true, nil
	}

	var existing model.VlogRequest
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND trigger_minute = ?", userID, triggerMinute.UTC()).
		First(&existing).Error; err != nil {
		return nil, false, fmt.Errorf("%w: lookup failed: %v", apperr.ErrDuplicateRequest, err)
	}
	return &existing, false, nil
}

// MarkState performs a conditional update keyed on the permitted predecessor states.
func (s *gormStore) MarkState(ctx context.Context, id string, to model.RequestState) error {
	from := to.Predecessors()
	if len(from) == 0 {
		return &apperr.InvalidTransitionError{Entity: "vlog request", ID: id, Event: string(to)}
	}

	res := s.db.WithContext(ctx).Model(&model.VlogRequest{}).
		Where("id = ? AND state IN ?", id, from).
		Updates(map[string]any{"state": to, "updated_at": s.now()})
	if res.Error != nil {
		return fmt.Errorf("failed to mark vlog request %s %s: %w", id, to, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	current, err := s.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	return &apperr.InvalidTransitionError{Entity: "vlog request", ID: id, From: string(current.State), Event: string(to)}
}

// AttachLivestream records the livestream reserved for a request.
func (s *gormStore) AttachLivestream(ctx context.Context, id, livestreamID string) error {
	res := s.db.WithContext(ctx).Model(&model.VlogRequest{}).
		Where("id = ?", id).
		Updates(map[string]any{"livestream_id": livestreamID, "updated_at": s.now()})
	if res.Error != nil {
		return fmt.Errorf("failed to attach livestream %s to request %s: %w", livestreamID, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (s *gormStore) GetRequest(ctx context.Context, id string) (*model.VlogRequest, error) {
	var req model.VlogRequest
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&req).Error; err != nil {
		return nil, notFound(err)
	}
	return &req, nil
}

func (s *gormStore) GetRequestByLivestream(ctx context.Context, livestreamID string) (*model.VlogRequest, error) {
	var req model.VlogRequest
	if err := s.db.WithContext(ctx).Where("livestream_id = ?", livestreamID).First(&req).Error; err != nil {
		return nil, notFound(err)
	}
	return &req, nil
}
