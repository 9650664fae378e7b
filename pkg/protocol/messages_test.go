package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/oicur0t/logpulse/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr bool
	}{
		{"subscribe", `{"type":"subscribe","instanceId":"i-1"}`, false},
		{"agent register", `{"type":"agent_register","instanceId":"i-1"}`, false},
		{"log line with empty text", `{"type":"log_line","instanceId":"i-1","text":""}`, false},
		{"fix result", `{"type":"fix_result","instanceId":"i-1","fixId":"f-1","success":false}`, false},
		{"ping", `{"type":"ping"}`, false},
		{"not json", `{type`, true},
		{"missing type", `{"instanceId":"i-1"}`, true},
		{"unknown type", `{"type":"explode","instanceId":"i-1"}`, true},
		{"subscribe without instance", `{"type":"subscribe"}`, true},
		{"fix started without fix id", `{"type":"fix_started","instanceId":"i-1"}`, true},
		{"fix result without success", `{"type":"fix_result","instanceId":"i-1","fixId":"f-1"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestReport(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	m, err := Decode([]byte(`{"type":"fix_result","instanceId":"i-1","fixId":"f-1","success":true,"stdout":"ok"}`))
	require.NoError(t, err)
	r := m.Report(now)
	assert.Equal(t, "f-1", r.FixID)
	assert.True(t, r.Success)
	assert.Equal(t, "ok", r.Stdout)
	assert.Equal(t, now, r.FinishedAt)

	m, err = Decode([]byte(`{"type":"fix_result","instanceId":"i-1","fixId":"f-1","success":false,"finishedAt":"2026-03-01T09:00:00Z"}`))
	require.NoError(t, err)
	r = m.Report(now)
	assert.False(t, r.Success)
	assert.Equal(t, now.Add(-time.Hour), r.FinishedAt)
}

func TestSubscribedWireShape(t *testing.T) {
	msg := Subscribed("i-1", nil, models.AutoFixConfig{Enabled: true, Command: "pm2 restart all"}, false, nil)

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "subscribed", wire["type"])
	assert.Equal(t, false, wire["agentOnline"])
	assert.Equal(t, map[string]any{"enabled": true, "command": "pm2 restart all"}, wire["autoFix"])
	assert.Equal(t, []any{}, wire["existingLogs"])
	assert.Equal(t, []any{}, wire["fixHistory"])

	// a zero-value frame of the same type still carries both arrays
	data, err = json.Marshal(Message{Type: TypeSubscribed, InstanceID: "fresh"})
	require.NoError(t, err)
	wire = nil
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Contains(t, wire, "existingLogs")
	assert.Contains(t, wire, "fixHistory")

	// other frames leave them out
	data, err = json.Marshal(Pong())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(data))
}
