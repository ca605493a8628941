package validation

// Validator checks search criteria and step payloads before they enter a run.
// Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateCriteria(criteria map[string]any) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
