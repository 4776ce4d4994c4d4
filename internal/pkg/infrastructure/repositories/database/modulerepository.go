package database

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-module-control/pkg/types"
	"gorm.io/gorm"
)

type ModuleRepository interface {
	GetAll(ctx context.Context) ([]types.Module, error)
	GetByModuleID(ctx context.Context, moduleID string) (types.Module, error)

	Register(ctx context.Context, module types.Module) error
	SetTriggers(ctx context.Context, moduleID string, rules map[string]types.TriggerRule) (types.Module, error)

	// Touch moves lastSeen forward to ts (never backwards) and, when
	// countReading is set, increments the reading counter.
	Touch(ctx context.Context, moduleID string, ts time.Time, countReading bool) (types.Module, error)

	UpdateStatus(ctx context.Context, moduleID, status string) error
	UpdateCutoff(ctx context.Context, moduleID string, state CutoffState) error

	Seed(ctx context.Context, reader io.Reader) error
}

type CutoffState struct {
	Active        bool
	ActivatedBy   string
	ActiveSources []string
	ChangedAt     time.Time
}

type moduleRepository struct {
	db *gorm.DB
}

func (m *moduleRepository) GetAll(ctx context.Context) ([]types.Module, error) {
	var modules []Module

	result := m.db.WithContext(ctx).Order("module_id").Find(&modules)
	if result.Error != nil {
		return nil, repositoryError(ctx, result.Error)
	}

	all := make([]types.Module, 0, len(modules))
	for _, mod := range modules {
		all = append(all, mod.toType())
	}

	return all, nil
}

func (m *moduleRepository) GetByModuleID(ctx context.Context, moduleID string) (types.Module, error) {
	mod, err := m.get(ctx, m.db, moduleID)
	if err != nil {
		return types.Module{}, err
	}
	return mod.toType(), nil
}

func (m *moduleRepository) get(ctx context.Context, db *gorm.DB, moduleID string) (Module, error) {
	var mod Module

	result := db.WithContext(ctx).Where(&Module{ModuleID: moduleID}).First(&mod)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return Module{}, ErrModuleNotFound
		}
		return Module{}, repositoryError(ctx, result.Error)
	}

	return mod, nil
}

func (m *moduleRepository) Register(ctx context.Context, module types.Module) error {
	if module.ModuleID == "" {
		return ErrNoID
	}

	_, err := m.get(ctx, m.db, module.ModuleID)
	if err == nil {
		return ErrAlreadyExist
	}
	if !errors.Is(err, ErrModuleNotFound) {
		return err
	}

	status := module.Status
	if status == "" {
		status = types.StatusUnknown
	}

	mod := Module{
		ModuleID:       module.ModuleID,
		Kind:           module.Kind,
		TypeComponents: module.TypeComponents,
		LastSeen:       module.LastSeen,
		Triggers:       module.Triggers,
		IsCutoffRelay:  module.IsCutoffRelay,
		Status:         status,
	}

	if mod.Triggers == nil {
		mod.Triggers = map[string]types.TriggerRule{}
	}

	result := m.db.WithContext(ctx).Create(&mod)
	if result.Error != nil {
		return repositoryError(ctx, result.Error)
	}

	log := logging.GetLoggerFromContext(ctx)
	log.Debug().Str("moduleID", module.ModuleID).Msg("module registered")

	return nil
}

func (m *moduleRepository) SetTriggers(ctx context.Context, moduleID string, rules map[string]types.TriggerRule) (types.Module, error) {
	if rules == nil {
		rules = map[string]types.TriggerRule{}
	}

	var updated Module

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := m.get(ctx, tx, moduleID)
		if err != nil {
			return err
		}

		result := tx.Model(&Module{}).
			Where("module_id = ?", moduleID).
			Select("triggers").
			Updates(&Module{Triggers: rules})
		if result.Error != nil {
			return repositoryError(ctx, result.Error)
		}

		updated, err = m.get(ctx, tx, moduleID)
		return err
	})
	if err != nil {
		return types.Module{}, err
	}

	return updated.toType(), nil
}

func (m *moduleRepository) Touch(ctx context.Context, moduleID string, ts time.Time, countReading bool) (types.Module, error) {
	ts = ts.UTC()

	var touched Module

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := m.get(ctx, tx, moduleID); err != nil {
			return err
		}

		// increments are applied in SQL, not read-modify-write
		if countReading {
			result := tx.Model(&Module{}).
				Where("module_id = ?", moduleID).
				Update("reading_count", gorm.Expr("reading_count + 1"))
			if result.Error != nil {
				return repositoryError(ctx, result.Error)
			}
		}

		result := tx.Model(&Module{}).
			Where("module_id = ? AND (last_seen IS NULL OR last_seen < ?)", moduleID, ts).
			Update("last_seen", ts)
		if result.Error != nil {
			return repositoryError(ctx, result.Error)
		}

		mod, err := m.get(ctx, tx, moduleID)
		if err != nil {
			return err
		}

		touched = mod
		return nil
	})
	if err != nil {
		return types.Module{}, err
	}

	return touched.toType(), nil
}

func (m *moduleRepository) UpdateStatus(ctx context.Context, moduleID, status string) error {
	result := m.db.WithContext(ctx).Model(&Module{}).
		Where("module_id = ?", moduleID).
		Update("status", status)

	if result.Error != nil {
		return repositoryError(ctx, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrModuleNotFound
	}

	return nil
}

func (m *moduleRepository) UpdateCutoff(ctx context.Context, moduleID string, state CutoffState) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mod, err := m.get(ctx, tx, moduleID)
		if err != nil {
			return err
		}
		if !mod.IsCutoffRelay {
			return ErrNotCutoffRelay
		}

		activatedBy := ""
		if state.Active {
			activatedBy = state.ActivatedBy
		}

		sources := state.ActiveSources
		if !state.Active {
			sources = nil
		}

		columns := []string{"cutoff_active", "activated_by", "active_sources"}
		update := Module{
			CutoffActive:  state.Active,
			ActivatedBy:   activatedBy,
			ActiveSources: sources,
		}

		if mod.CutoffActive != state.Active {
			changedAt := state.ChangedAt.UTC()
			update.LastTriggeredAt = &changedAt
			columns = append(columns, "last_triggered_at")
		}

		// only the cutoff columns, so a concurrent Touch is not overwritten
		result := tx.Model(&Module{}).
			Where("module_id = ?", moduleID).
			Select(columns).
			Updates(&update)
		if result.Error != nil {
			return repositoryError(ctx, result.Error)
		}

		return nil
	})
}
