package collab

import (
	"fmt"

	"github.com/carewire/handoff/internal/config"
	"github.com/carewire/handoff/internal/observability"
)

// Services bundles the four collaborator clients built from config.
type Services struct {
	Docparse  *Docparse
	Extract   *Extract
	Voice     *Voice
	Directory *Directory
}

// NewServices builds every collaborator client. Each of the four services
// must be present in the config map; Validate enforces this before startup,
// so a missing entry here indicates a wiring bug.
func NewServices(cfgs map[string]config.CollaboratorConfig, metrics *observability.Metrics) (*Services, error) {
	for _, name := range []string{
		config.CollaboratorDocparse,
		config.CollaboratorExtract,
		config.CollaboratorVoice,
		config.CollaboratorDirectory,
	} {
		if _, ok := cfgs[name]; !ok {
			return nil, fmt.Errorf("collab: collaborator %q not configured", name)
		}
	}
	return &Services{
		Docparse:  NewDocparse(cfgs[config.CollaboratorDocparse], metrics),
		Extract:   NewExtract(cfgs[config.CollaboratorExtract], metrics),
		Voice:     NewVoice(cfgs[config.CollaboratorVoice], metrics),
		Directory: NewDirectory(cfgs[config.CollaboratorDirectory], metrics),
	}, nil
}
