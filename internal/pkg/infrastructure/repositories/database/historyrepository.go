package database

import (
	"context"
	"errors"
	"time"

	"github.com/diwise/iot-module-control/pkg/types"
	"gorm.io/gorm"
)

type HistoryRepository interface {
	Latest(ctx context.Context) (types.EmergencyHistoryEntry, error)
	// Append stores entry and purges every entry with a timestamp at or before
	// purgeBefore. Both happen in the same transaction.
	Append(ctx context.Context, entry types.EmergencyHistoryEntry, purgeBefore time.Time) error
	Between(ctx context.Context, from, to time.Time) ([]types.EmergencyHistoryEntry, error)
}

type historyRepository struct {
	db *gorm.DB
}

func (h *historyRepository) Latest(ctx context.Context) (types.EmergencyHistoryEntry, error) {
	var row EmergencyHistoryEntry

	result := h.db.WithContext(ctx).
		Order("recorded_at desc").
		Order("id desc").
		First(&row)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return types.EmergencyHistoryEntry{}, ErrNoHistory
		}
		return types.EmergencyHistoryEntry{}, repositoryError(ctx, result.Error)
	}

	return row.toType(), nil
}

func (h *historyRepository) Append(ctx context.Context, entry types.EmergencyHistoryEntry, purgeBefore time.Time) error {
	modules := entry.Modules
	if modules == nil {
		modules = []types.EmergencyModule{}
	}

	row := EmergencyHistoryEntry{
		Timestamp: entry.Timestamp.UTC(),
		EventType: entry.EventType,
		Count:     entry.Count,
		Modules:   modules,
	}

	return h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Create(&row); result.Error != nil {
			return repositoryError(ctx, result.Error)
		}

		result := tx.Where("recorded_at <= ?", purgeBefore.UTC()).Delete(&EmergencyHistoryEntry{})
		if result.Error != nil {
			return repositoryError(ctx, result.Error)
		}

		return nil
	})
}

func (h *historyRepository) Between(ctx context.Context, from, to time.Time) ([]types.EmergencyHistoryEntry, error) {
	var rows []EmergencyHistoryEntry

	result := h.db.WithContext(ctx).
		Where("recorded_at >= ? AND recorded_at <= ?", from.UTC(), to.UTC()).
		Order("recorded_at").
		Order("id").
		Find(&rows)

	if result.Error != nil {
		return nil, repositoryError(ctx, result.Error)
	}

	entries := make([]types.EmergencyHistoryEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toType())
	}

	return entries, nil
}
