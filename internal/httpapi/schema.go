package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBase = "https://accountsync.local/schemas/"

const syncRequestSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "batchSize": {"type": "integer", "minimum": 1, "maximum": 500},
    "offset": {"type": "integer", "minimum": 0},
    "cursor": {"type": "string"},
    "emailFieldCode": {"type": "string", "minLength": 1},
    "query": {"type": "string"},
    "singleUser": {"type": "string"},
    "processAll": {"type": "boolean"},
    "maxBatches": {"type": "integer", "minimum": 1, "maximum": 100},
    "deleteOrphanedUsers": {"type": "boolean"},
    "dryRun": {"type": "boolean"},
    "resume": {"type": "boolean"}
  }
}`

const deleteAllRequestSchema = `{
  "type": "object",
  "required": ["confirm"],
  "properties": {
    "confirm": {"type": "boolean"},
    "dryRun": {"type": "boolean"}
  }
}`

const webhookRequestSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "app": {"type": "object"},
    "record": {"type": "object"},
    "recordId": {"type": ["string", "integer"]}
  }
}`

type schemaSet struct {
	sync      *jsonschema.Schema
	deleteAll *jsonschema.Schema
	webhook   *jsonschema.Schema
}

func compileSchemas() (*schemaSet, error) {
	compiler := jsonschema.NewCompiler()
	sources := map[string]string{
		"sync.json":       syncRequestSchema,
		"delete-all.json": deleteAllRequestSchema,
		"webhook.json":    webhookRequestSchema,
	}
	for name, text := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := compiler.AddResource(schemaBase+name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	set := &schemaSet{}
	targets := []struct {
		name string
		dst  **jsonschema.Schema
	}{
		{"sync.json", &set.sync},
		{"delete-all.json", &set.deleteAll},
		{"webhook.json", &set.webhook},
	}
	for _, target := range targets {
		schema, err := compiler.Compile(schemaBase + target.name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", target.name, err)
		}
		*target.dst = schema
	}
	return set, nil
}

// validateBody checks body against schema. An empty body validates as {}.
func validateBody(schema *jsonschema.Schema, body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}
