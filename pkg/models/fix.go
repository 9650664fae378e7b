package models

import "time"

// FixStatus tracks a remote command dispatch through its lifecycle
type FixStatus string

const (
	FixSent         FixStatus = "sent"
	FixAgentOffline FixStatus = "agent_offline"
	FixSuccess      FixStatus = "success"
	FixFailed       FixStatus = "failed"
	FixSkipped      FixStatus = "skipped"
	FixTimedOut     FixStatus = "timed_out"
)

// TriggeredManually marks a fix started by an operator instead of a log entry
const TriggeredManually = "manual"

// fixTransitions lists the statuses each status may move to.
// agent_offline, success, failed and skipped are terminal.
var fixTransitions = map[FixStatus][]FixStatus{
	FixSent:     {FixSuccess, FixFailed, FixSkipped, FixTimedOut},
	FixTimedOut: {FixSuccess, FixFailed},
}

// CanTransition reports whether a record in status s may move to next
func (s FixStatus) CanTransition(next FixStatus) bool {
	for _, allowed := range fixTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible
func (s FixStatus) Terminal() bool {
	return len(fixTransitions[s]) == 0
}

// FixRecord is one attempted or completed remote-command dispatch
type FixRecord struct {
	FixID       string     `json:"fixId" bson:"_id"`
	TriggeredBy string     `json:"triggeredBy" bson:"triggered_by"`
	Command     string     `json:"command" bson:"command"`
	TriggeredAt time.Time  `json:"triggeredAt" bson:"triggered_at"`
	Status      FixStatus  `json:"status" bson:"status"`
	Stdout      string     `json:"stdout,omitempty" bson:"stdout,omitempty"`
	Stderr      string     `json:"stderr,omitempty" bson:"stderr,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty" bson:"finished_at,omitempty"`
}
