package database

import (
	"context"
	"errors"

	"github.com/diwise/iot-module-control/pkg/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MappingRepository interface {
	GetAll(ctx context.Context) ([]types.CutoffMapping, error)
	GetBySourceID(ctx context.Context, sourceModuleID string) (types.CutoffMapping, error)
	// Upsert stores at most one mapping per source, the last write wins.
	Upsert(ctx context.Context, sourceModuleID, cutoffModuleID string) (types.CutoffMapping, error)
	Delete(ctx context.Context, sourceModuleID string) error
}

type mappingRepository struct {
	db *gorm.DB
}

func (m *mappingRepository) GetAll(ctx context.Context) ([]types.CutoffMapping, error) {
	var rows []CutoffMapping

	result := m.db.WithContext(ctx).Order("source_module_id").Find(&rows)
	if result.Error != nil {
		return nil, repositoryError(ctx, result.Error)
	}

	mappings := make([]types.CutoffMapping, 0, len(rows))
	for _, row := range rows {
		mappings = append(mappings, row.toType())
	}

	return mappings, nil
}

func (m *mappingRepository) GetBySourceID(ctx context.Context, sourceModuleID string) (types.CutoffMapping, error) {
	var row CutoffMapping

	result := m.db.WithContext(ctx).
		Where("source_module_id = ?", sourceModuleID).
		First(&row)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return types.CutoffMapping{}, ErrMappingNotFound
		}
		return types.CutoffMapping{}, repositoryError(ctx, result.Error)
	}

	return row.toType(), nil
}

func (m *mappingRepository) Upsert(ctx context.Context, sourceModuleID, cutoffModuleID string) (types.CutoffMapping, error) {
	if sourceModuleID == "" || cutoffModuleID == "" {
		return types.CutoffMapping{}, ErrNoID
	}

	row := CutoffMapping{
		SourceModuleID: sourceModuleID,
		CutoffModuleID: cutoffModuleID,
	}

	result := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_module_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"cutoff_module_id", "updated_at"}),
	}).Create(&row)

	if result.Error != nil {
		return types.CutoffMapping{}, repositoryError(ctx, result.Error)
	}

	return m.GetBySourceID(ctx, sourceModuleID)
}

func (m *mappingRepository) Delete(ctx context.Context, sourceModuleID string) error {
	result := m.db.WithContext(ctx).
		Where("source_module_id = ?", sourceModuleID).
		Delete(&CutoffMapping{})

	if result.Error != nil {
		return repositoryError(ctx, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrMappingNotFound
	}

	return nil
}
