// Package sink implements the audit sink abstraction of §4.8: a single
// capability {Init, LogAccess, LogTokens} with a file-backed implementation
// and a GORM-backed relational implementation parameterized by dialect.
package sink

import "time"

// AccessLog is the wire/row shape of an Access Record (§3).
type AccessLog struct {
	Timestamp       time.Time         `json:"timestamp"`
	RayID           string            `json:"ray_id"`
	User            *string           `json:"user,omitempty"`
	Method          *string           `json:"method,omitempty"`
	URI             *string           `json:"uri,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            *string           `json:"body,omitempty"`
	ResponseStatus  *int              `json:"response_status,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    *string           `json:"response_body,omitempty"`
}

// TokenUsage is the usage triple carried by a Token-Usage Record (§3).
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// TokenUsageLog is the wire/row shape of a Token-Usage Record (§3).
type TokenUsageLog struct {
	Timestamp   time.Time  `json:"timestamp"`
	User        *string    `json:"user,omitempty"`
	RayID       string     `json:"ray_id"`
	Model       string     `json:"model"`
	Usage       TokenUsage `json:"usage"`
	IsEstimated bool       `json:"is_estimated"`
}

// Sink is the abstract audit destination capability of §4.8. All
// implementations must swallow their own write errors (§7): LogAccess and
// LogTokens return nothing because, per the spec, sink failures are logged
// internally and never surfaced to the caller.
type Sink interface {
	Init() error
	LogAccess(rec AccessLog)
	LogTokens(rec TokenUsageLog)
}
