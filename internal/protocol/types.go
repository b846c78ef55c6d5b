// Package protocol defines the JSON envelopes exchanged with the external
// simulation engine. One request is written to the engine's stdin and one
// response is read from its stdout.
package protocol

// Version is the only protocol version the engine speaks.
const Version = 1

// Engine commands.
const (
	CommandRun = "run"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is sent to the engine.
type Request struct {
	Protocol    int            `json:"protocol"`
	JobID       string         `json:"job_id"`
	Command     string         `json:"command"`
	DataPackage DataPackage    `json:"data_package"`
	Scenarios   int            `json:"scenarios,omitempty"`
	Seed        *int64         `json:"seed,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	OutputDir   string         `json:"output_dir"`
}

// DataPackage names the domain data the engine loads.
type DataPackage struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Response is returned by the engine once the run has finished.
type Response struct {
	Status   string            `json:"status"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Logs     []LogEntry        `json:"logs,omitempty"`
}

// LogEntry is a log line emitted by the engine.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// OK reports whether the engine finished successfully.
func (r *Response) OK() bool {
	return r != nil && r.Status == StatusOK
}
