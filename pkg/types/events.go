package types

import (
	"encoding/json"
	"time"
)

type ModuleStatusChanged struct {
	ModuleID       string    `json:"moduleID"`
	PreviousStatus string    `json:"previousStatus"`
	Status         string    `json:"status"`
	Liveness       string    `json:"liveness"`
	Timestamp      time.Time `json:"timestamp"`
}

func (m *ModuleStatusChanged) ContentType() string {
	return "application/json"
}
func (m *ModuleStatusChanged) TopicName() string {
	return "module.statusChanged"
}
func (m *ModuleStatusChanged) EntityID() string {
	return m.ModuleID
}
func (m *ModuleStatusChanged) Body() []byte {
	b, _ := json.Marshal(m)
	return b
}

type EmergencyEvent struct {
	EventType string            `json:"eventType"`
	Count     int               `json:"count"`
	Modules   []EmergencyModule `json:"modules"`
	Timestamp time.Time         `json:"timestamp"`
}

func (e *EmergencyEvent) ContentType() string {
	return "application/json"
}
func (e *EmergencyEvent) TopicName() string {
	return "emergency." + e.EventType
}
func (e *EmergencyEvent) EntityID() string {
	return ""
}
func (e *EmergencyEvent) Body() []byte {
	b, _ := json.Marshal(e)
	return b
}

type CutoffChanged struct {
	CutoffModuleID string    `json:"cutoffModuleID"`
	Active         bool      `json:"active"`
	ActivatedBy    string    `json:"activatedBy,omitempty"`
	TriggeredBy    string    `json:"triggeredBy"`
	Timestamp      time.Time `json:"timestamp"`
}

func (c *CutoffChanged) ContentType() string {
	return "application/json"
}
func (c *CutoffChanged) TopicName() string {
	return "cutoff.changed"
}
func (c *CutoffChanged) EntityID() string {
	return c.CutoffModuleID
}
func (c *CutoffChanged) Body() []byte {
	b, _ := json.Marshal(c)
	return b
}

type ActivityLogged struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	ModuleID  string    `json:"moduleID,omitempty"`
	RawData   any       `json:"rawData,omitempty"`
	Timestamp time.Time `json:"createdAt"`
}

func (a *ActivityLogged) ContentType() string {
	return "application/json"
}
func (a *ActivityLogged) TopicName() string {
	return "activity.logged"
}
func (a *ActivityLogged) EntityID() string {
	return a.ModuleID
}
func (a *ActivityLogged) Body() []byte {
	b, _ := json.Marshal(a)
	return b
}
