// Package protocol defines the JSON frames exchanged over the hub websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oicur0t/logpulse/pkg/models"
)

// Client -> hub message types
const (
	TypeAgentRegister = "agent_register"
	TypeSubscribe     = "subscribe"
	TypeLogLine       = "log_line"
	TypeFixStarted    = "fix_started"
	TypeFixResult     = "fix_result"
	TypeFixSkipped    = "fix_skipped"
	TypePing          = "ping"
)

// Hub -> client message types
const (
	TypeConnected        = "connected"
	TypeRegistered       = "registered"
	TypeSubscribed       = "subscribed"
	TypeConfigUpdate     = "config_update"
	TypeRunFix           = "run_fix"
	TypeNewLog           = "new_log"
	TypeAIFix            = "ai_fix"
	TypeAutofixTriggered = "autofix_triggered"
	TypeAutofixConfig    = "autofix_config"
	TypeAgentOnline      = "agent_online"
	TypeAgentOffline     = "agent_offline"
	TypeFixTimedOut      = "fix_timed_out"
	TypePong             = "pong"
	TypeError            = "error"
)

// ErrMalformed is returned for frames that cannot be acted on
var ErrMalformed = errors.New("malformed message")

// Message is a single websocket frame. Only the fields relevant to Type are set.
type Message struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId,omitempty"`
	Message    string `json:"message,omitempty"`

	// log_line
	Text string `json:"text,omitempty"`

	// run_fix and fix reports
	FixID       string     `json:"fixId,omitempty"`
	Command     string     `json:"command,omitempty"`
	TriggeredBy string     `json:"triggeredBy,omitempty"`
	Success     *bool      `json:"success,omitempty"`
	Stdout      string     `json:"stdout,omitempty"`
	Stderr      string     `json:"stderr,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`

	Entry   *models.LogEntry      `json:"entry,omitempty"`
	Fix     *models.FixRecord     `json:"fix,omitempty"`
	AutoFix *models.AutoFixConfig `json:"autoFix,omitempty"`

	// subscribed snapshot
	AgentOnline  *bool             `json:"agentOnline,omitempty"`
	ExistingLogs []models.LogEntry  `json:"existingLogs,omitempty"`
	FixHistory   []models.FixRecord `json:"fixHistory,omitempty"`
}

// MarshalJSON always writes the snapshot arrays of a subscribed frame, empty or not
func (m Message) MarshalJSON() ([]byte, error) {
	type frame Message
	if m.Type != TypeSubscribed {
		return json.Marshal(frame(m))
	}

	logs, fixes := m.ExistingLogs, m.FixHistory
	if logs == nil {
		logs = []models.LogEntry{}
	}
	if fixes == nil {
		fixes = []models.FixRecord{}
	}
	return json.Marshal(struct {
		frame
		ExistingLogs []models.LogEntry  `json:"existingLogs"`
		FixHistory   []models.FixRecord `json:"fixHistory"`
	}{frame(m), logs, fixes})
}

// FixReport is the outcome of a fix as reported by an agent
type FixReport struct {
	FixID      string
	Success    bool
	Stdout     string
	Stderr     string
	FinishedAt time.Time
}

// Decode parses and validates a client frame
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate checks that a client frame carries the fields its type requires.
// Empty log_line text is left to the ingestion pipeline to reject.
func (m Message) Validate() error {
	switch m.Type {
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	case TypePing:
		return nil
	case TypeAgentRegister, TypeSubscribe, TypeLogLine:
		if m.InstanceID == "" {
			return fmt.Errorf("%w: %s requires instanceId", ErrMalformed, m.Type)
		}
	case TypeFixStarted, TypeFixSkipped:
		if m.InstanceID == "" || m.FixID == "" {
			return fmt.Errorf("%w: %s requires instanceId and fixId", ErrMalformed, m.Type)
		}
	case TypeFixResult:
		if m.InstanceID == "" || m.FixID == "" || m.Success == nil {
			return fmt.Errorf("%w: fix_result requires instanceId, fixId and success", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	return nil
}

// Report converts a fix_result frame into a FixReport.
// A missing finishedAt is stamped with now.
func (m Message) Report(now time.Time) FixReport {
	r := FixReport{
		FixID:      m.FixID,
		Success:    m.Success != nil && *m.Success,
		Stdout:     m.Stdout,
		Stderr:     m.Stderr,
		FinishedAt: now,
	}
	if m.FinishedAt != nil {
		r.FinishedAt = *m.FinishedAt
	}
	return r
}

func Connected() Message {
	return Message{
		Type:    TypeConnected,
		Message: `Send {"type":"subscribe","instanceId":"<id>"} to watch an instance or {"type":"agent_register","instanceId":"<id>"} to act as its agent`,
	}
}

func Registered(instanceID string) Message {
	return Message{Type: TypeRegistered, InstanceID: instanceID}
}

func Subscribed(instanceID string, logs []models.LogEntry, cfg models.AutoFixConfig, agentOnline bool, fixes []models.FixRecord) Message {
	if logs == nil {
		logs = []models.LogEntry{}
	}
	if fixes == nil {
		fixes = []models.FixRecord{}
	}
	return Message{
		Type:         TypeSubscribed,
		InstanceID:   instanceID,
		ExistingLogs: logs,
		AutoFix:      &cfg,
		AgentOnline:  &agentOnline,
		FixHistory:   fixes,
	}
}

func ConfigUpdate(cfg models.AutoFixConfig) Message {
	return Message{Type: TypeConfigUpdate, AutoFix: &cfg}
}

func AutofixConfig(instanceID string, cfg models.AutoFixConfig) Message {
	return Message{Type: TypeAutofixConfig, InstanceID: instanceID, AutoFix: &cfg}
}

func RunFix(instanceID string, rec models.FixRecord) Message {
	return Message{
		Type:        TypeRunFix,
		InstanceID:  instanceID,
		FixID:       rec.FixID,
		Command:     rec.Command,
		TriggeredBy: rec.TriggeredBy,
	}
}

func NewLog(instanceID string, entry models.LogEntry) Message {
	return Message{Type: TypeNewLog, InstanceID: instanceID, Entry: &entry}
}

func AIFix(instanceID string, entry models.LogEntry) Message {
	return Message{Type: TypeAIFix, InstanceID: instanceID, Entry: &entry}
}

func AutofixTriggered(instanceID string, rec models.FixRecord) Message {
	return Message{Type: TypeAutofixTriggered, InstanceID: instanceID, Fix: &rec}
}

func FixTimedOut(instanceID string, rec models.FixRecord) Message {
	return Message{Type: TypeFixTimedOut, InstanceID: instanceID, Fix: &rec}
}

func AgentOnline(instanceID string) Message {
	return Message{Type: TypeAgentOnline, InstanceID: instanceID}
}

func AgentOffline(instanceID string) Message {
	return Message{Type: TypeAgentOffline, InstanceID: instanceID}
}

func Pong() Message {
	return Message{Type: TypePong}
}

func Error(msg string) Message {
	return Message{Type: TypeError, Message: msg}
}
