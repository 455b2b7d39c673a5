package searchparam

import (
	"bytes"
	_ "embed"
	"fmt"
)

//go:embed embedded.json
var embeddedBundle []byte

// LoadEmbedded parses the bundle of base FHIR SearchParameter definitions
// shipped with this module, tagged source embedded.
func LoadEmbedded() ([]*Definition, error) {
	defs, err := LoadJSON(bytes.NewReader(embeddedBundle), SourceEmbedded)
	if err != nil {
		return nil, fmt.Errorf("searchparam: load embedded bundle: %w", err)
	}

	return defs, nil
}
