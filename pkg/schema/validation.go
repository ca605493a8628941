package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity separates issues that reject criteria from ones that
// are only reported.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in search criteria. Path is a JSON
// pointer into the criteria document, e.g. "/constraints/minRating".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	field := strings.TrimPrefix(i.Path, "/")
	if field == "" {
		return i.Message
	}
	return field + ": " + i.Message
}

// ValidationResult collects the issues of the structural and semantic checks.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether the criteria can seed a run. Warnings do not count.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends the issues of other. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns nil for valid criteria, otherwise a VALIDATION_ERROR naming
// the offending fields. The issues are kept in Details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].String()
	if len(r.Errors) > 1 {
		fields := make([]string, 0, len(r.Errors))
		for _, issue := range r.Errors {
			if f := strings.TrimPrefix(issue.Path, "/"); f != "" {
				fields = append(fields, f)
			}
		}
		msg = fmt.Sprintf("invalid criteria: %d errors", len(r.Errors))
		if len(fields) > 0 {
			msg += " (" + strings.Join(fields, ", ") + ")"
		}
	}

	details := map[string]any{"errors": r.Errors}
	if len(r.Warnings) > 0 {
		details["warnings"] = r.Warnings
	}
	return NewError(ErrCodeValidation, msg).WithDetails(details)
}
