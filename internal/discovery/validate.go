package discovery

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"

	"github.com/sells-group/entity-collector/internal/model"
)

const recordSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["entity_type", "name"],
  "properties": {
    "entity_type": {"enum": ["builder", "community", "property", "representative"]},
    "name":        {"type": "string", "pattern": "\\S", "maxLength": 500},
    "city":        {"type": "string", "maxLength": 200},
    "state":       {"type": "string", "maxLength": 100},
    "source_url":  {"type": "string", "maxLength": 2000},
    "fields": {
      "type": ["object", "null"],
      "additionalProperties": {"type": "string", "maxLength": 4000}
    }
  }
}`

var loadSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(recordSchema))
})

// ValidateRecords checks a collaborator result before reconciliation. An
// empty result or any malformed record fails the whole batch with
// model.ErrDiscoveryFailure. Records without an entity type take want.
func ValidateRecords(records []model.DiscoveredRecord, want model.EntityType) ([]model.DiscoveredRecord, error) {
	if len(records) == 0 {
		return nil, eris.Wrap(model.ErrDiscoveryFailure, "no records returned")
	}
	schema, err := loadSchema()
	if err != nil {
		return nil, eris.Wrap(err, "discovery: load record schema")
	}

	out := make([]model.DiscoveredRecord, len(records))
	var problems []string
	for i, rec := range records {
		if rec.EntityType == "" {
			rec.EntityType = want
		}
		if rec.EntityType != want {
			problems = append(problems, fmt.Sprintf("record %d: entity_type %q, want %q", i, rec.EntityType, want))
		}
		res, err := schema.Validate(gojsonschema.NewGoLoader(rec))
		if err != nil {
			return nil, eris.Wrapf(model.ErrDiscoveryFailure, "record %d: %v", i, err)
		}
		for _, e := range res.Errors() {
			problems = append(problems, fmt.Sprintf("record %d: %s: %s", i, e.Field(), e.Description()))
		}
		out[i] = rec
	}
	if len(problems) > 0 {
		return nil, eris.Wrapf(model.ErrDiscoveryFailure, "malformed records: %s", strings.Join(problems, "; "))
	}
	return out, nil
}
