package database

import (
	"context"
	"errors"
	"time"

	"github.com/diwise/iot-module-control/pkg/types"
	"gorm.io/gorm"
)

type ReadingRepository interface {
	Add(ctx context.Context, reading types.Reading) error
	// Latest returns the reading with the greatest timestamp, ties broken by
	// insertion order.
	Latest(ctx context.Context, moduleID string) (types.Reading, error)
	LatestForModules(ctx context.Context, moduleIDs []string) (map[string]types.Reading, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

type readingRepository struct {
	db *gorm.DB
}

func (r *readingRepository) Add(ctx context.Context, reading types.Reading) error {
	if reading.ModuleID == "" {
		return ErrNoID
	}

	fields := reading.Fields
	if fields == nil {
		fields = map[string]any{}
	}

	row := Reading{
		ModuleID:  reading.ModuleID,
		Timestamp: reading.Timestamp.UTC(),
		Fields:    fields,
	}

	if result := r.db.WithContext(ctx).Create(&row); result.Error != nil {
		return repositoryError(ctx, result.Error)
	}

	return nil
}

func (r *readingRepository) Latest(ctx context.Context, moduleID string) (types.Reading, error) {
	var row Reading

	result := r.db.WithContext(ctx).
		Where("module_id = ?", moduleID).
		Order("observed_at desc").
		Order("id desc").
		First(&row)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return types.Reading{}, ErrReadingNotFound
		}
		return types.Reading{}, repositoryError(ctx, result.Error)
	}

	return row.toType(), nil
}

func (r *readingRepository) LatestForModules(ctx context.Context, moduleIDs []string) (map[string]types.Reading, error) {
	latest := make(map[string]types.Reading, len(moduleIDs))

	for _, id := range moduleIDs {
		reading, err := r.Latest(ctx, id)
		if errors.Is(err, ErrReadingNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		latest[id] = reading
	}

	return latest, nil
}

func (r *readingRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("observed_at < ?", before.UTC()).
		Delete(&Reading{})

	if result.Error != nil {
		return 0, repositoryError(ctx, result.Error)
	}

	return result.RowsAffected, nil
}
