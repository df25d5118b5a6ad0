package eventbus

import "slices"

// Built-in event types emitted by platform components and by the bus itself.
const (
	ComponentLoading        = "Component.Loading"
	ComponentLoaded         = "Component.Loaded"
	ComponentTemplateUpdate = "Component.TemplateUpdate"
	SourceRegistered        = "EventSource.Registered"
	SourceUnregistered      = "EventSource.Unregistered"
)

// Event is a single notification flowing through the bus.
type Event struct {
	Type    string   `json:"eventType"`
	Source  string   `json:"source,omitempty"`
	Targets []string `json:"targets,omitempty"`
	Data    any      `json:"data,omitempty"`
}

// Filter selects events. Empty fields match anything.
type Filter struct {
	EventType string `json:"eventType,omitempty"`
	Source    string `json:"source,omitempty"`
	Target    string `json:"target,omitempty"`
}

// Matches reports whether evt satisfies every populated field of f. An event without
// targets never matches a filter that names one.
func (f Filter) Matches(evt Event) bool {
	if f.EventType != "" && f.EventType != evt.Type {
		return false
	}
	if f.Source != "" && f.Source != evt.Source {
		return false
	}
	if f.Target != "" && !slices.Contains(evt.Targets, f.Target) {
		return false
	}
	return true
}

// EventSource announces that a component emits events of a given type.
type EventSource struct {
	Source    string `json:"source"`
	EventType string `json:"eventType"`
}
