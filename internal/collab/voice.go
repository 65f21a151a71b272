package collab

import (
	"context"

	"github.com/carewire/handoff/internal/config"
	"github.com/carewire/handoff/internal/observability"
)

// Voice places automated outbound calls: bed confirmations, pickup
// scheduling, social-worker outreach.
type Voice struct {
	c *Client
}

// NewVoice builds the voice call client.
func NewVoice(cfg config.CollaboratorConfig, metrics *observability.Metrics) *Voice {
	return &Voice{c: NewClient(config.CollaboratorVoice, cfg, metrics)}
}

// Call outcome values reported by the voice service.
const (
	CallConfirmed = "confirmed"
	CallDeclined  = "declined"
	CallNoAnswer  = "no_answer"
	CallVoicemail = "voicemail"
)

// CallRequest describes one automated outbound call.
type CallRequest struct {
	To      string         `json:"to"`
	Script  string         `json:"script"`
	Context map[string]any `json:"context,omitempty"`
}

// CallResult is the outcome of a completed call, transcript included.
type CallResult struct {
	Outcome         string   `json:"outcome"`
	Transcript      []string `json:"transcript,omitempty"`
	DurationSeconds int      `json:"duration_seconds"`
}

// Call places the call and waits for its outcome.
func (v *Voice) Call(ctx context.Context, req CallRequest) (*CallResult, error) {
	var out CallResult
	if err := v.c.postJSON(ctx, "/v1/calls", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
