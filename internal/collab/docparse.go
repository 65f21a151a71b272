package collab

import (
	"context"

	"github.com/carewire/handoff/internal/config"
	"github.com/carewire/handoff/internal/observability"
)

// Docparse extracts text from discharge paperwork submitted with a case.
type Docparse struct {
	c *Client
}

// NewDocparse builds the document parsing client.
func NewDocparse(cfg config.CollaboratorConfig, metrics *observability.Metrics) *Docparse {
	return &Docparse{c: NewClient(config.CollaboratorDocparse, cfg, metrics)}
}

// ParseResult is the text extraction outcome for one submission.
type ParseResult struct {
	Text     string   `json:"text"`
	Pages    int      `json:"pages"`
	Warnings []string `json:"warnings,omitempty"`
}

// Parse submits the raw intake payload for document text extraction.
func (d *Docparse) Parse(ctx context.Context, submission map[string]any) (*ParseResult, error) {
	var out ParseResult
	if err := d.c.postJSON(ctx, "/v1/parse", submission, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
