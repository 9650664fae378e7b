package classifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oicur0t/logpulse/pkg/models"
)

// flexBool accepts true, "true", "yes" and 1 as true
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.ToLower(strings.Trim(string(data), `" `)) {
	case "true", "yes", "1":
		*b = true
	default:
		*b = false
	}
	return nil
}

type rawClassification struct {
	Level         string   `json:"level"`
	Service       string   `json:"service"`
	Message       string   `json:"message"`
	Anomaly       flexBool `json:"anomaly"`
	AnomalyReason *string  `json:"anomalyReason"`
}

// ParseClassification extracts the JSON object from a model reply and
// normalizes it. Models often wrap the object in prose or code fences, so the
// outermost {...} span is used.
func ParseClassification(reply, raw string) (models.Classification, error) {
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end <= start {
		return models.Classification{}, fmt.Errorf("%w: no JSON object in reply", ErrMalformedResponse)
	}

	var parsed rawClassification
	dec := json.NewDecoder(bytes.NewReader([]byte(reply[start : end+1])))
	if err := dec.Decode(&parsed); err != nil {
		return models.Classification{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	c := models.Classification{
		Level:   models.ParseLevel(parsed.Level),
		Service: strings.TrimSpace(parsed.Service),
		Message: strings.TrimSpace(parsed.Message),
		Anomaly: bool(parsed.Anomaly),
	}
	if c.Service == "" {
		c.Service = "unknown"
	}
	if c.Message == "" {
		c.Message = raw
	}
	if c.Anomaly && parsed.AnomalyReason != nil {
		reason := strings.TrimSpace(*parsed.AnomalyReason)
		if reason != "" && !strings.EqualFold(reason, "null") {
			c.AnomalyReason = &reason
		}
	}
	return c, nil
}
