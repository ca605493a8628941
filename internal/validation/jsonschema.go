package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/leadflow/pkg/schema"
)

const criteriaSchemaURL = "https://leadflow.dev/schemas/criteria.json"

// criteriaSchemaJSON is the JSON Schema for seed search criteria.
const criteriaSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://leadflow.dev/schemas/criteria.json",
  "type": "object",
  "required": ["businessType", "location", "targetLeadCount"],
  "properties": {
    "businessType": {
      "type": "string",
      "minLength": 1,
      "maxLength": 200
    },
    "location": {
      "type": "string",
      "minLength": 1,
      "maxLength": 200
    },
    "targetLeadCount": {
      "type": "integer",
      "minimum": 1,
      "maximum": 500
    },
    "constraints": { "$ref": "#/$defs/constraints" }
  },
  "additionalProperties": false,
  "$defs": {
    "constraints": {
      "type": "object",
      "properties": {
        "minRating": {
          "type": "number",
          "minimum": 0,
          "maximum": 5
        },
        "minReviews": {
          "type": "integer",
          "minimum": 0
        },
        "maxReviews": {
          "type": "integer",
          "minimum": 0
        },
        "priceRange": {
          "type": "string",
          "pattern": "^\\${1,4}$"
        },
        "keywords": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "hours": { "type": "string" },
        "filter": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements Validator using JSON Schema Draft 2020-12
// followed by semantic checks. It is safe for concurrent use.
type JSONSchemaValidator struct {
	criteriaSchema *jsonschema.Schema

	// mu guards the cache of dynamically compiled input schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the criteria schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newInputCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(criteriaSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal criteria schema: %w", err)
	}
	if err := c.AddResource(criteriaSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add criteria schema resource: %w", err)
	}
	compiled, err := c.Compile(criteriaSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile criteria schema: %w", err)
	}

	return &JSONSchemaValidator{
		criteriaSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateCriteria validates seed criteria structurally and semantically.
// Warnings never fail validation.
func (v *JSONSchemaValidator) ValidateCriteria(criteria map[string]any) error {
	if criteria == nil {
		return schema.NewError(schema.ErrCodeValidation, "criteria are nil")
	}

	doc, err := toJSONValue(criteria)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize criteria").WithCause(err)
	}
	if err := v.criteriaSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}

	return validateSemantic(criteria).ToError()
}

// Check runs the full pipeline and returns every issue, warnings included.
func (v *JSONSchemaValidator) Check(criteria map[string]any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if criteria == nil {
		result.AddError("/", schema.ErrCodeValidation, "criteria are nil")
		return result
	}
	doc, err := toJSONValue(criteria)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "failed to serialize criteria")
		return result
	}
	if err := v.criteriaSchema.Validate(doc); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			for _, violation := range collectViolations(verr) {
				result.AddError(violationPath(violation), schema.ErrCodeValidation, violation)
			}
		} else {
			result.AddError("/", schema.ErrCodeValidation, err.Error())
		}
		return result
	}
	result.Merge(validateSemantic(criteria))
	return result
}

// ValidateInput validates input against a JSON Schema given as raw bytes.
// The schema is compiled and cached for subsequent calls with the same schema.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// A fresh compiler per schema keeps resource URLs from colliding.
	url := fmt.Sprintf("leadflow://input-schema/%d", len(v.cache))
	c := newInputCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newInputCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so that numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError whose
// details list every violation with its instance location.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// prefixed with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

func violationPath(violation string) string {
	if i := strings.Index(violation, ": "); i > 0 {
		return violation[:i]
	}
	return "/"
}

var _ Validator = (*JSONSchemaValidator)(nil)
