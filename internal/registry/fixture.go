package registry

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"

	"github.com/sells-group/newshound/internal/model"
)

// LoadDefinitionsFromFile reads a JSON array of source definitions. Stats in
// the file are ignored.
func LoadDefinitionsFromFile(path string) ([]model.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read source definitions")
	}

	var defs []model.Source
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal source definitions")
	}
	for i := range defs {
		if defs[i].ID == "" {
			return nil, eris.Errorf("registry: definition %d has no id", i)
		}
		defs[i].Stats = model.SourceStats{Status: model.SourceStatusActive}
	}
	return defs, nil
}
