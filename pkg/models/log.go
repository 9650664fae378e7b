package models

import (
	"strings"
	"time"
)

// Level is the severity assigned to a log line by classification
type Level string

const (
	LevelInfo    Level = "INFO"
	LevelWarn    Level = "WARN"
	LevelError   Level = "ERROR"
	LevelDebug   Level = "DEBUG"
	LevelUnknown Level = "UNKNOWN"
)

// ParseLevel normalizes a level reported by the classifier.
// Anything it does not recognize becomes LevelUnknown.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INFO", "INFORMATION", "NOTICE":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR", "ERR", "FATAL", "CRITICAL", "CRIT":
		return LevelError
	case "DEBUG", "TRACE":
		return LevelDebug
	default:
		return LevelUnknown
	}
}

// Classification is the structured result attached to a raw log line
type Classification struct {
	Level         Level   `json:"level" bson:"level"`
	Service       string  `json:"service" bson:"service"`
	Message       string  `json:"message" bson:"message"`
	Anomaly       bool    `json:"anomaly" bson:"anomaly"`
	AnomalyReason *string `json:"anomalyReason" bson:"anomaly_reason,omitempty"`
}

// LogEntry represents a single ingested log line.
// Cleaned stays nil until classification completes or falls back.
type LogEntry struct {
	ID           string          `json:"id" bson:"_id"`
	Timestamp    time.Time       `json:"timestamp" bson:"timestamp"`
	Raw          string          `json:"raw" bson:"raw"`
	Cleaned      *Classification `json:"cleaned" bson:"cleaned,omitempty"`
	AISuggestion *string         `json:"aiSuggestion,omitempty" bson:"ai_suggestion,omitempty"`
	AIError      bool            `json:"aiError,omitempty" bson:"ai_error,omitempty"`
}

// Classified reports whether the entry has a classification attached
func (e LogEntry) Classified() bool {
	return e.Cleaned != nil
}

// Level returns the classified level, or LevelUnknown for a provisional entry
func (e LogEntry) Level() Level {
	if e.Cleaned == nil {
		return LevelUnknown
	}
	return e.Cleaned.Level
}

// Summary renders the entry as a single line for prompts
func (e LogEntry) Summary() string {
	if e.Cleaned == nil {
		return e.Raw
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Cleaned.Level))
	b.WriteString("] ")
	if e.Cleaned.Service != "" && e.Cleaned.Service != "unknown" {
		b.WriteString(e.Cleaned.Service)
		b.WriteString(": ")
	}
	b.WriteString(e.Cleaned.Message)
	return b.String()
}

// AutoFixConfig is the per-instance desired auto-fix state pushed to agents
type AutoFixConfig struct {
	Enabled bool   `json:"enabled" bson:"enabled" mapstructure:"enabled"`
	Command string `json:"command" bson:"command" mapstructure:"command"`
}

// Armed reports whether an ERROR should dispatch the command
func (c AutoFixConfig) Armed() bool {
	return c.Enabled && strings.TrimSpace(c.Command) != ""
}
