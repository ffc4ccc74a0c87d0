package renderer

import "encoding/json"

// Event stream types emitted by the rendering backend, one event per
// completed graph node, in order.
const (
	EventProgress  = "progress"
	EventExecuting = "executing"
	EventExecuted  = "executed"
	EventError     = "execution_error"
)

// Event is one entry on the renderer's ordered event stream.
type Event struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	NodeID        string          `json:"node_id,omitempty"`
	Value         json.RawMessage `json:"value,omitempty"`
}

// Terminal reports whether the event ends a job (successfully or not).
func (e Event) Terminal() bool {
	return e.Type == EventExecuted || e.Type == EventError
}

// QueueStatus is the renderer's current queue snapshot.
type QueueStatus struct {
	Running []string `json:"running"`
	Pending []string `json:"pending"`
}

// Output is one file produced by a finished job.
type Output struct {
	Kind     string `json:"kind"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// History is the recorded outcome of one correlation id.
type History struct {
	CorrelationID string   `json:"correlation_id"`
	Outputs       []Output `json:"outputs"`
}

// submitRequest is the submission payload: the opaque parameter graph plus
// the client identity used to route stream events back to us.
type submitRequest struct {
	Graph    map[string]any `json:"prompt"`
	ClientID string         `json:"client_id"`
}

type submitResponse struct {
	CorrelationID string `json:"correlation_id"`
}
