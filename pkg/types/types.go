package types

import (
	"time"
)

const (
	StatusUnknown   string = "unknown"
	StatusActive    string = "active"
	StatusInactive  string = "inactive"
	StatusOffline   string = "offline"
	StatusEmergency string = "emergency"
)

const (
	ConditionAbove string = "ABOVE"
	ConditionBelow string = "BELOW"
)

type Module struct {
	ModuleID       string   `json:"id"`
	Kind           string   `json:"kind"`
	TypeComponents []string `json:"typeComponents,omitempty"`

	RegisteredAt time.Time  `json:"registeredAt"`
	LastSeen     *time.Time `json:"lastSeen,omitempty"`
	ReadingCount int        `json:"readingCount"`

	Triggers map[string]TriggerRule `json:"triggers"`

	IsCutoffRelay   bool       `json:"isCutoffRelay"`
	CutoffActive    bool       `json:"cutoffActive"`
	ActivatedBy     string     `json:"activatedBy,omitempty"`
	ActiveSources   []string   `json:"activeSources,omitempty"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`

	Status    string     `json:"status"`
	Liveness  string     `json:"liveness,omitempty"`
	Emergency *Emergency `json:"emergency,omitempty"`
}

type TriggerRule struct {
	Enabled   bool    `json:"enabled" yaml:"enabled"`
	Condition string  `json:"condition" yaml:"condition"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

type TriggeredCondition struct {
	Field     string  `json:"field"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Condition string  `json:"condition"`
}

type Emergency struct {
	Alarmed             bool                 `json:"isEmergency"`
	TriggeredConditions []TriggeredCondition `json:"triggeredFields"`
	DataTimestamp       time.Time            `json:"dataTimestamp,omitempty"`
}

type Reading struct {
	ModuleID  string         `json:"moduleID"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"data"`
}

type CutoffMapping struct {
	SourceModuleID string    `json:"sourceModuleID"`
	CutoffModuleID string    `json:"cutoffModuleID"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

const (
	EventStarted string = "started"
	EventEnded   string = "ended"
	EventChanged string = "changed"
	EventUpdate  string = "update"
)

type EmergencyHistoryEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"eventType"`
	Count     int               `json:"count"`
	Modules   []EmergencyModule `json:"modules"`
}

type EmergencyModule struct {
	ModuleID       string    `json:"id"`
	Kind           string    `json:"kind"`
	TriggeredCount int       `json:"triggeredCount"`
	DataTimestamp  time.Time `json:"dataTimestamp,omitempty"`
}

type EmergencySummary struct {
	IsActive   bool              `json:"isActive"`
	Count      int               `json:"count"`
	Modules    []EmergencyModule `json:"modules"`
	LastUpdate *time.Time        `json:"lastUpdate,omitempty"`
}

type TriggerStatistics struct {
	Kind           string `json:"moduleType"`
	TotalTriggers  int    `json:"totalTriggers"`
	ActiveTriggers int    `json:"activeTriggers"`
	ModuleCount    int    `json:"moduleCount"`
}
