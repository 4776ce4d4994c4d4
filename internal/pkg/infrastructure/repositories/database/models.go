package database

import (
	"time"

	"github.com/diwise/iot-module-control/pkg/types"
	"gorm.io/gorm"
)

type Module struct {
	gorm.Model
	ModuleID       string   `gorm:"uniqueIndex;column:module_id;<-:create"`
	Kind           string   `gorm:"index"`
	TypeComponents []string `gorm:"serializer:json"`

	LastSeen     *time.Time
	ReadingCount int

	Triggers map[string]types.TriggerRule `gorm:"serializer:json"`

	IsCutoffRelay   bool `gorm:"<-:create"`
	CutoffActive    bool
	ActivatedBy     string
	ActiveSources   []string `gorm:"serializer:json"`
	LastTriggeredAt *time.Time

	Status string
}

type Reading struct {
	// ID doubles as insertion sequence when two readings share a timestamp
	ID        uint           `gorm:"primarykey"`
	ModuleID  string         `gorm:"index:idx_reading_module_ts;column:module_id"`
	Timestamp time.Time      `gorm:"index:idx_reading_module_ts;column:observed_at"`
	Fields    map[string]any `gorm:"serializer:json"`
}

type CutoffMapping struct {
	SourceModuleID string `gorm:"primaryKey;column:source_module_id"`
	CutoffModuleID string `gorm:"index;column:cutoff_module_id"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type EmergencyHistoryEntry struct {
	ID        uint      `gorm:"primarykey"`
	Timestamp time.Time `gorm:"index;column:recorded_at"`
	EventType string
	Count     int
	Modules   []types.EmergencyModule `gorm:"serializer:json"`
}

func (m Module) toType() types.Module {
	t := types.Module{
		ModuleID:        m.ModuleID,
		Kind:            m.Kind,
		TypeComponents:  m.TypeComponents,
		RegisteredAt:    m.CreatedAt.UTC(),
		LastSeen:        utc(m.LastSeen),
		ReadingCount:    m.ReadingCount,
		Triggers:        m.Triggers,
		IsCutoffRelay:   m.IsCutoffRelay,
		CutoffActive:    m.CutoffActive,
		ActivatedBy:     m.ActivatedBy,
		ActiveSources:   m.ActiveSources,
		LastTriggeredAt: utc(m.LastTriggeredAt),
		Status:          m.Status,
	}

	if t.Triggers == nil {
		t.Triggers = map[string]types.TriggerRule{}
	}
	if t.Status == "" {
		t.Status = types.StatusUnknown
	}

	return t
}

func (r Reading) toType() types.Reading {
	return types.Reading{
		ModuleID:  r.ModuleID,
		Timestamp: r.Timestamp.UTC(),
		Fields:    r.Fields,
	}
}

func (c CutoffMapping) toType() types.CutoffMapping {
	return types.CutoffMapping{
		SourceModuleID: c.SourceModuleID,
		CutoffModuleID: c.CutoffModuleID,
		CreatedAt:      c.CreatedAt.UTC(),
		UpdatedAt:      c.UpdatedAt.UTC(),
	}
}

func (e EmergencyHistoryEntry) toType() types.EmergencyHistoryEntry {
	modules := e.Modules
	if modules == nil {
		modules = []types.EmergencyModule{}
	}

	return types.EmergencyHistoryEntry{
		Timestamp: e.Timestamp.UTC(),
		EventType: e.EventType,
		Count:     e.Count,
		Modules:   modules,
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
