package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	schemasassets "github.com/3leaps/audioshelf/internal/assets/schemas"
	"github.com/fulmenhq/gofulmen/schema"

	"github.com/3leaps/audioshelf/pkg/jobregistry"
)

// SchemaID is the schema identifier for job requests.
const SchemaID = "audioshelf/v1.0.0/job-request"

// Validation errors
var (
	// ErrSchemaNotFound indicates the schema file could not be located.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed indicates the request failed schema validation.
	// It wraps jobregistry.ErrValidation so transports map it to a 400.
	ErrValidationFailed = fmt.Errorf("%w: job request failed schema validation", jobregistry.ErrValidation)
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g. "/payload/asins").
	Path string

	// Message describes the validation failure.
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("job request validation failed with ")
	b.WriteString(fmt.Sprintf("%d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Details returns the failures keyed by JSON pointer, for error envelopes.
func (e ValidationErrors) Details() map[string]any {
	out := make(map[string]any, len(e))
	for _, v := range e {
		key := v.Path
		if key == "" {
			key = "/"
		}
		out[key] = v.Message
	}
	return out
}

// Validate checks a decoded manifest. Unknown fields are already lost at
// this point; use ValidateRaw on the original document for strict checks.
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize job request for validation: %w", err)
	}
	return ValidateRaw(data)
}

// ValidateRaw checks a JSON document against the embedded job-request schema.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	if len(diags) == 0 {
		return nil
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{
				Path:    d.Pointer,
				Message: d.Message,
			})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.JobRequestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded job-request schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.JobRequestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile job-request schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
