package collab

import (
	"context"

	"github.com/carewire/handoff/internal/config"
	"github.com/carewire/handoff/internal/observability"
)

// Extract pulls structured fields out of free text: demographics during
// parse, care-plan fields during coordination, coverage fields during the
// eligibility check.
type Extract struct {
	c *Client
}

// NewExtract builds the field extraction client.
func NewExtract(cfg config.CollaboratorConfig, metrics *observability.Metrics) *Extract {
	return &Extract{c: NewClient(config.CollaboratorExtract, cfg, metrics)}
}

// ExtractResult carries the structured fields pulled from a text.
type ExtractResult struct {
	Fields     map[string]any `json:"fields"`
	Confidence float64        `json:"confidence"`
}

type extractRequest struct {
	Text   string   `json:"text"`
	Fields []string `json:"fields"`
}

// Extract requests the named fields from the given text.
func (e *Extract) Extract(ctx context.Context, text string, fields []string) (*ExtractResult, error) {
	var out ExtractResult
	req := extractRequest{Text: text, Fields: fields}
	if err := e.c.postJSON(ctx, "/v1/extract", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
