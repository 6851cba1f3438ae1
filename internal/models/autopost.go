package models

import "time"

// AutopostTool is which publish operation a job drives.
type AutopostTool string

const (
	ToolPublishOffer AutopostTool = "publish-offer"
	ToolPublishRFQ   AutopostTool = "publish-rfq"
)

func (t AutopostTool) Valid() bool {
	return t == ToolPublishOffer || t == ToolPublishRFQ
}

// AutopostJob is in-memory only (§3 "Autopost job"): it dies on process
// exit and is never persisted.
type AutopostJob struct {
	Name           string
	Tool           AutopostTool
	IntervalSec    int64
	TTLSec         int64
	ValidUntilUnix int64 // fixed at job start, never extended
	Args           map[string]any

	Runs        int64
	StartedAt   time.Time
	LastRunAt   time.Time
	LastOK      bool
	LastError   string
}

// Status is the read-only snapshot returned by the scheduler's status()
// operation (§4.5).
type AutopostStatus struct {
	Name           string       `json:"name"`
	Tool           AutopostTool `json:"tool"`
	IntervalSec    int64        `json:"interval_sec"`
	TTLSec         int64        `json:"ttl_sec"`
	ValidUntilUnix int64        `json:"valid_until_unix"`
	Args           map[string]any `json:"args"`
	Runs           int64        `json:"runs"`
	StartedAt      time.Time    `json:"started_at"`
	LastRunAt      time.Time    `json:"last_run_at"`
	LastOK         bool         `json:"last_ok"`
	LastError      string       `json:"last_error,omitempty"`
}

func (j *AutopostJob) Status() AutopostStatus {
	return AutopostStatus{
		Name:           j.Name,
		Tool:           j.Tool,
		IntervalSec:    j.IntervalSec,
		TTLSec:         j.TTLSec,
		ValidUntilUnix: j.ValidUntilUnix,
		Args:           cloneArgs(j.Args),
		Runs:           j.Runs,
		StartedAt:      j.StartedAt,
		LastRunAt:      j.LastRunAt,
		LastOK:         j.LastOK,
		LastError:      j.LastError,
	}
}

// cloneArgs deep-clones a JSON-shaped args map so the scheduler's frozen
// snapshot can never be mutated through a caller's reference to it.
func cloneArgs(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	return cloneValue(src).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// CloneArgs is the exported form used by the scheduler to freeze a job's
// args at start() time.
func CloneArgs(src map[string]any) map[string]any {
	return cloneArgs(src)
}
