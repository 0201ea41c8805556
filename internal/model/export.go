package model

import "time"

// StateExport is the JSON structure printed by the export command.
type StateExport struct {
	Namespace string        `json:"namespace"`
	Entries   []ExportEntry `json:"entries"`
}

// ExportEntry is one stored document. State is nil when the raw value is not a readable document.
type ExportEntry struct {
	Key       string    `json:"key"`
	UpdatedAt time.Time `json:"updated_at"`
	Bytes     int       `json:"bytes"`
	State     *State    `json:"state,omitempty"`
	Error     string    `json:"error,omitempty"`
}
