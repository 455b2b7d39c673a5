package searchparam

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
)

// wireDefinition is the JSON shape both the embedded bundle and the
// operator config file use, mirroring a trimmed FHIR SearchParameter
// resource.
type wireDefinition struct {
	URL         string   `json:"url"`
	Code        string   `json:"code"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Type        string   `json:"type"`
	Expression  string   `json:"expression"`
	Base        []string `json:"base"`
	Target      []string `json:"target"`
	Status      string   `json:"status"`
	Modifiers   []string `json:"modifier"`
	Component   []struct {
		Definition string `json:"definition"`
		Expression string `json:"expression"`
	} `json:"component"`
}

func (w wireDefinition) toDefinition(source Source) (*Definition, error) {
	if w.URL == "" || w.Code == "" || w.Expression == "" {
		return nil, fmt.Errorf("searchparam: definition missing url/code/expression: %+v", w)
	}

	status := StatusActive
	if w.Status != "" {
		status = Status(w.Status)
	}

	d := &Definition{
		URL:         w.URL,
		Code:        w.Code,
		Name:        w.Name,
		Description: w.Description,
		Type:        fhirmodel.ParamType(w.Type),
		Expression:  w.Expression,
		Base:        w.Base,
		Target:      w.Target,
		Status:      status,
		Source:      source,
		Modifiers:   w.Modifiers,
	}

	for _, c := range w.Component {
		d.Component = append(d.Component, CompositeComponent{Definition: c.Definition, Expression: c.Expression})
	}

	return d, nil
}

// LoadJSON parses a JSON array of SearchParameter-shaped definitions from
// r, tagging each with source. Used for both the embedded bundle (source
// embedded) and an operator-provided config file (source config), part of
// the registry's three-source bootstrap.
func LoadJSON(r io.Reader, source Source) ([]*Definition, error) {
	var wire []wireDefinition
	if err := json.NewDecoder(r).Decode(&wire); err != nil {
		return nil, fmt.Errorf("searchparam: decode %s definitions: %w", source, err)
	}

	defs := make([]*Definition, 0, len(wire))

	for _, w := range wire {
		d, err := w.toDefinition(source)
		if err != nil {
			return nil, err
		}

		defs = append(defs, d)
	}

	return defs, nil
}

// FromStoredResources converts SearchParameter resources persisted in a
// tenant's own storage (source stored) into Definitions.
func FromStoredResources(resources []fhirmodel.StoredResource) ([]*Definition, error) {
	defs := make([]*Definition, 0, len(resources))

	for _, r := range resources {
		var w wireDefinition

		raw, err := marshalContent(r)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("searchparam: decode stored SearchParameter %s: %w", r.ID, err)
		}

		d, err := w.toDefinition(SourceStored)
		if err != nil {
			return nil, err
		}

		defs = append(defs, d)
	}

	return defs, nil
}
