// Package pulse watches the dead letter queue and keeps a short history of
// what landed there.
package pulse

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event severities
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// SourceDLQ marks events read from the dead letter queue
const SourceDLQ = "rabbitmq_dlq"

const maxDetailLength = 500

// Event is a system event observed by the listener
type Event struct {
	Source    string                 `json:"source"`
	Severity  string                 `json:"severity"`
	Title     string                 `json:"title"`
	Detail    string                 `json:"detail"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// PromptText formats the event for an agent's input
func (e *Event) PromptText() string {
	meta, _ := json.Marshal(e.Metadata)
	return fmt.Sprintf("[SYSTEM EVENT - %s]\nSource: %s\nTime: %s\nTitle: %s\nDetail: %s\nMetadata: %s",
		strings.ToUpper(e.Severity), e.Source, e.Timestamp.Format(time.RFC3339), e.Title, e.Detail, meta)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
