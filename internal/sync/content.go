package sync

import (
	"encoding/json"

	"github.com/heliosfhir/fhirstore/internal/fhircontent"
)

func marshalContent(n fhircontent.Node) (json.RawMessage, error) {
	if n == nil {
		return nil, nil
	}

	raw, err := fhircontent.Marshal(n)
	if err != nil {
		return nil, err
	}

	return json.RawMessage(raw), nil
}
