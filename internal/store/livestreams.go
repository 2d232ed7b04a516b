package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"vlog-backend/internal/apperr"
	"vlog-backend/internal/model"
)

func (s *gormStore) InsertLivestream(ctx context.Context, ls *model.Livestream) error {
	now := s.now()
	if ls.CreatedAt.IsZero() {
		ls.CreatedAt = now
	}
	if ls.StateChangedAt.IsZero() {
		ls.StateChangedAt = now
	}
	if ls.Version == 0 {
		ls.Version = 1
	}
	if err := s.db.WithContext(ctx).Create(ls).Error; err != nil {
		if activeOwnerConflict(err) {
			return apperr.ErrUserHasActiveLivestream
		}
		return fmt.Errorf("failed to insert livestream %s: %w", ls.ExternalID, err)
	}
	return nil
}

func (s *gormStore) GetLivestream(ctx context.Context, id string) (*model.Livestream, error) {
	var ls model.Livestream
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&ls).Error; err != nil {
		return nil, notFound(err)
	}
	return &ls, nil
}

func (s *gormStore) available(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Model(&model.Livestream{}).
		Where("state = ? AND owner_user_id IS NULL", model.LivestreamCreated)
}

// GetAvailable returns up to limit unowned livestreams, oldest first.
func (s *gormStore) GetAvailable(ctx context.Context, limit int) ([]model.Livestream, error) {
	var out []model.Livestream
	if err := s.available(ctx).Order("created_at").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list available livestreams: %w", err)
	}
	return out, nil
}

// GetOwnedByUser returns the non-terminal livestreams owned by userID.
func (s *gormStore) GetOwnedByUser(ctx context.Context, userID string) ([]model.Livestream, error) {
	var out []model.Livestream
	if err := s.db.WithContext(ctx).
		Where("owner_user_id = ? AND state NOT IN ?", userID, model.TerminalLivestreamStates).
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list livestreams owned by %s: %w", userID, err)
	}
	return out, nil
}

func (s *gormStore) ListByStates(ctx context.Context, states ...model.LivestreamState) ([]model.Livestream, error) {
	var out []model.Livestream
	if err := s.db.WithContext(ctx).Where("state IN ?", states).Order("state_changed_at").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list livestreams by state: %w", err)
	}
	return out, nil
}

func (s *gormStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Livestream, error) {
	var out []model.Livestream
	if err := s.db.WithContext(ctx).
		Where("state IN ? AND state_changed_at < ?", model.TerminalLivestreamStates, cutoff.UTC()).
		Order("state_changed_at").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list terminal livestreams: %w", err)
	}
	return out, nil
}

func (s *gormStore) CountAvailable(ctx context.Context) (int, error) {
	var n int64
	if err := s.available(ctx).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count available livestreams: %w", err)
	}
	return int(n), nil
}

func (s *gormStore) CountByState(ctx context.Context) (map[model.LivestreamState]int, error) {
	type row struct {
		State model.LivestreamState
		N     int
	}
	var rows []row
	if err := s.db.WithContext(ctx).Model(&model.Livestream{}).
		Select("state, COUNT(*) AS n").
		Group("state").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count livestreams by state: %w", err)
	}
	out := make(map[model.LivestreamState]int, len(rows))
	for _, r := range rows {
		out[r.State] = r.N
	}
	return out, nil
}

// Claim assigns an available livestream to userID. The update only matches
// while the row is still unowned at the version the caller read, and while
// userID owns no other non-terminal livestream. A concurrent claim that slips
// past that check fails on the active owner index with
// apperr.ErrUserHasActiveLivestream.
func (s *gormStore) Claim(ctx context.Context, ls *model.Livestream, userID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Livestream{}).
		Where("id = ? AND version = ? AND state = ? AND owner_user_id IS NULL", ls.ID, ls.Version, model.LivestreamCreated).
		Where("NOT EXISTS (SELECT 1 FROM livestreams owned WHERE owned.owner_user_id = ? AND owned.state NOT IN ?)", userID, model.TerminalLivestreamStates).
		Updates(map[string]any{"owner_user_id": userID, "version": gorm.Expr("version + 1")})
	if res.Error != nil {
		if activeOwnerConflict(res.Error) {
			return false, apperr.ErrUserHasActiveLivestream
		}
		return false, fmt.Errorf("failed to claim livestream %s: %w", ls.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	owner := userID
	ls.OwnerUserID = &owner
	ls.Version++
	return true, nil
}

// Unclaim returns a still-created livestream to the pool.
func (s *gormStore) Unclaim(ctx context.Context, ls *model.Livestream) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Livestream{}).
		Where("id = ? AND version = ? AND state = ?", ls.ID, ls.Version, model.LivestreamCreated).
		Updates(map[string]any{"owner_user_id": gorm.Expr("NULL"), "version": gorm.Expr("version + 1")})
	if res.Error != nil {
		return false, fmt.Errorf("failed to unclaim livestream %s: %w", ls.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	ls.OwnerUserID = nil
	ls.Version++
	return true, nil
}

// Transition moves ls to state to, guarded on its current state and version.
func (s *gormStore) Transition(ctx context.Context, ls *model.Livestream, to model.LivestreamState) (bool, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&model.Livestream{}).
		Where("id = ? AND state = ? AND version = ?", ls.ID, ls.State, ls.Version).
		Updates(map[string]any{"state": to, "version": gorm.Expr("version + 1"), "state_changed_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("failed to move livestream %s to %s: %w", ls.ID, to, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	ls.State = to
	ls.Version++
	ls.StateChangedAt = now
	return true, nil
}

// ForceTerminal moves any non-terminal livestream to the terminal state to.
func (s *gormStore) ForceTerminal(ctx context.Context, ls *model.Livestream, to model.LivestreamState) (bool, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&model.Livestream{}).
		Where("id = ? AND state NOT IN ?", ls.ID, model.TerminalLivestreamStates).
		Updates(map[string]any{"state": to, "version": gorm.Expr("version + 1"), "state_changed_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("failed to force livestream %s to %s: %w", ls.ID, to, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	ls.State = to
	ls.Version++
	ls.StateChangedAt = now
	return true, nil
}

// MarkVendorReleased flags the vendor stream as stopped. Only one caller wins.
func (s *gormStore) MarkVendorReleased(ctx context.Context, ls *model.Livestream) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Livestream{}).
		Where("id = ? AND vendor_released = ?", ls.ID, false).
		Update("vendor_released", true)
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark livestream %s vendor-released: %w", ls.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	ls.VendorReleased = true
	return true, nil
}

func (s *gormStore) ClearVendorReleased(ctx context.Context, ls *model.Livestream) error {
	if err := s.db.WithContext(ctx).Model(&model.Livestream{}).
		Where("id = ?", ls.ID).
		Update("vendor_released", false).Error; err != nil {
		return fmt.Errorf("failed to clear vendor-released on livestream %s: %w", ls.ID, err)
	}
	ls.VendorReleased = false
	return nil
}

func (s *gormStore) DeleteLivestream(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Livestream{}).Error; err != nil {
		return fmt.Errorf("failed to delete livestream %s: %w", id, err)
	}
	return nil
}
