// Package plugin discovers external action plugins and runs them when a
// pattern completes.
//
// A plugin is a directory holding a plugin.json manifest and an executable.
// The executable receives one Request as JSON on stdin and must write one
// Response as JSON to stdout.
package plugin

import "encoding/json"

// Manifest describes a plugin's metadata and capabilities.
type Manifest struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Description  string          `json:"description"`
	Executable   string          `json:"executable"`
	Actions      []string        `json:"actions"`
	ConfigSchema json.RawMessage `json:"configSchema,omitempty"`
}

// Request is sent to a plugin for one completed pattern.
type Request struct {
	Action      string          `json:"action"`
	Pattern     string          `json:"pattern"`
	DisplayName string          `json:"display_name,omitempty"`
	Sequence    []string        `json:"sequence,omitempty"`
	Effects     json.RawMessage `json:"effects,omitempty"`
	Params      json.RawMessage `json:"params"`
}

// Response represents the response from a plugin execution.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Plugin represents a discovered plugin with its manifest and location.
type Plugin struct {
	Manifest   Manifest `json:"manifest"`
	Path       string   `json:"path"`
	Executable string   `json:"executable"`
}

// HasAction reports whether the manifest declares action. A manifest without
// an action list accepts any action.
func (p *Plugin) HasAction(action string) bool {
	if len(p.Manifest.Actions) == 0 {
		return true
	}
	for _, a := range p.Manifest.Actions {
		if a == action {
			return true
		}
	}
	return false
}
