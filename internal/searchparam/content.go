package searchparam

import (
	"github.com/heliosfhir/fhirstore/internal/fhircontent"
	"github.com/heliosfhir/fhirstore/internal/fhirmodel"
)

func marshalContent(r fhirmodel.StoredResource) ([]byte, error) {
	return fhircontent.Marshal(r.Content)
}
