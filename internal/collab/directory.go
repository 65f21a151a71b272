package collab

import (
	"context"
	"net/url"

	"github.com/carewire/handoff/internal/config"
	"github.com/carewire/handoff/internal/observability"
)

// Directory looks up community facilities: shelters, transport providers,
// pharmacies, and general assistance resources.
type Directory struct {
	c *Client
}

// NewDirectory builds the resource directory client.
func NewDirectory(cfg config.CollaboratorConfig, metrics *observability.Metrics) *Directory {
	return &Directory{c: NewClient(config.CollaboratorDirectory, cfg, metrics)}
}

// Facility is one directory listing.
type Facility struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Phone   string            `json:"phone,omitempty"`
	Address string            `json:"address,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

type facilityList struct {
	Facilities []Facility `json:"facilities"`
}

// Shelters returns shelters matching the query, best match first.
func (d *Directory) Shelters(ctx context.Context, query map[string]string) ([]Facility, error) {
	return d.lookup(ctx, "/v1/shelters", query)
}

// Transport returns medical transport providers matching the query.
func (d *Directory) Transport(ctx context.Context, query map[string]string) ([]Facility, error) {
	return d.lookup(ctx, "/v1/transport", query)
}

// Pharmacies returns pharmacies matching the query.
func (d *Directory) Pharmacies(ctx context.Context, query map[string]string) ([]Facility, error) {
	return d.lookup(ctx, "/v1/pharmacies", query)
}

// Resources returns general assistance programs matching the query.
func (d *Directory) Resources(ctx context.Context, query map[string]string) ([]Facility, error) {
	return d.lookup(ctx, "/v1/resources", query)
}

func (d *Directory) lookup(ctx context.Context, path string, query map[string]string) ([]Facility, error) {
	vals := url.Values{}
	for k, v := range query {
		vals.Set(k, v)
	}
	var out facilityList
	if err := d.c.getJSON(ctx, path, vals, &out); err != nil {
		return nil, err
	}
	return out.Facilities, nil
}
