// ABOUTME: JSON schema validation of discovery documents
// ABOUTME: Reports every missing or malformed field by name

package discovery

import (
	"fmt"
	"slices"

	"github.com/xeipuuv/gojsonschema"
)

const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": [
    "agentgate_version",
    "service_name",
    "registration_endpoint",
    "auth_endpoint",
    "scopes_available",
    "auth_methods"
  ],
  "properties": {
    "agentgate_version": {"type": "string", "minLength": 1},
    "service_name": {"type": "string", "minLength": 1},
    "service_description": {"type": "string"},
    "registration_endpoint": {"type": "string", "minLength": 1},
    "verify_endpoint": {"type": "string"},
    "auth_endpoint": {"type": "string", "minLength": 1},
    "scopes_available": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "price": {"type": "string"},
          "rate_limit": {"$ref": "#/definitions/rateLimit"}
        }
      }
    },
    "auth_methods": {"type": "array", "minItems": 1, "items": {"type": "string"}},
    "signature_algorithms": {"type": "array", "items": {"type": "string"}},
    "rate_limits": {
      "type": "object",
      "properties": {
        "registration": {"$ref": "#/definitions/rateLimit"},
        "default": {"$ref": "#/definitions/rateLimit"}
      }
    },
    "companion_protocols": {"type": "object", "additionalProperties": {"type": "string"}},
    "payment": {
      "type": "object",
      "required": ["protocol", "currency"],
      "properties": {
        "protocol": {"type": "string"},
        "version": {"type": "string"},
        "networks": {"type": "array", "items": {"type": "string"}},
        "currency": {"type": "string"},
        "facilitator": {"type": "string"},
        "deferred": {"type": "boolean"}
      }
    },
    "docs_url": {"type": "string"},
    "support_email": {"type": "string"}
  },
  "definitions": {
    "rateLimit": {
      "type": "object",
      "required": ["requests", "window"],
      "properties": {
        "requests": {"type": "integer", "minimum": 0},
        "window": {"type": "string"}
      }
    }
  }
}`

var schema = gojsonschema.NewStringLoader(documentSchema)

// Validate checks raw against the discovery document schema. It returns the
// name of every missing or invalid field; an empty result means the document
// is valid. err is set only when raw is not JSON.
func Validate(raw []byte) ([]string, error) {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("validating discovery document: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}

	var fields []string
	for _, e := range result.Errors() {
		field := e.Field()
		if e.Type() == "required" {
			if prop, ok := e.Details()["property"].(string); ok {
				if field == "(root)" || field == "" {
					field = prop
				} else {
					field = field + "." + prop
				}
			}
		}
		if !slices.Contains(fields, field) {
			fields = append(fields, field)
		}
	}
	slices.Sort(fields)
	return fields, nil
}
