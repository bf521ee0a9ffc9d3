// LOCATION: internal/errors/errors.go
//
// This file provides:
// - Sentinel errors for the ingestion pipeline taxonomy
// - Error category checking functions
// - Process exit code mapping
// - Error wrapping utilities

package errors

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Process exit codes - used by the CLI to classify run outcomes
// ============================================================================

const (
	ExitSuccess = 0
	ExitFatal   = 1
	ExitPartial = 2
)

// ============================================================================
// Sentinel errors for the pipeline taxonomy
// ============================================================================

var (
	// Locator errors
	ErrOutOfRange = errors.New("window outside provider retention horizon")

	// Fetch errors
	ErrIntegrity        = errors.New("staged file failed integrity check")
	ErrTransient        = errors.New("transient provider failure")
	ErrRateLimited      = errors.New("provider rate limit")
	ErrTimeout          = errors.New("timeout")
	ErrConnectionFailed = errors.New("connection failed")

	// Parser errors
	ErrDecode            = errors.New("raw file decode failed")
	ErrUnsupportedFormat = errors.New("unsupported raw format")

	// Normalizer errors
	ErrSchemaMismatch = errors.New("raw variable has no canonical mapping")

	// Store errors
	ErrStoreWrite      = errors.New("chunk write failed")
	ErrCorruptManifest = errors.New("ingestion manifest corrupt")
	ErrStoreClosed     = errors.New("store is closed")

	// Orchestrator errors
	ErrPartialIngestion = errors.New("failed units exceed tolerance")

	// Lookup errors
	ErrNotFound = errors.New("not found")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsRetriable returns true if the error is worth another fetch attempt.
// Integrity failures are deliberately excluded: a mismatched download is
// treated as a provider contract problem, not a flaky network.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed)
}

// IsUnitFailure returns true if err fails a single (provider, init_time)
// unit without aborting the rest of the run.
func IsUnitFailure(err error) bool {
	return errors.Is(err, ErrIntegrity) ||
		errors.Is(err, ErrDecode) ||
		errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrSchemaMismatch) ||
		errors.Is(err, ErrStoreWrite)
}

// IsFatal returns true if err must abort the whole run immediately.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrCorruptManifest) ||
		errors.Is(err, ErrStoreClosed)
}

// IsValidation returns true if err is a configuration validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// ============================================================================
// Error to exit code mapping
// ============================================================================

// ErrorToExitCode maps a run outcome to the process exit code.
func ErrorToExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case Is(err, ErrPartialIngestion):
		return ExitPartial
	default:
		return ExitFatal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewOutOfRange creates an out-of-range error naming the offending window.
func NewOutOfRange(provider string, start time.Time, horizon time.Duration) error {
	return fmt.Errorf("provider %s: window start %s is older than retention %s: %w",
		provider, start.UTC().Format(time.RFC3339), horizon, ErrOutOfRange)
}

// NewIntegrity creates an integrity error with the observed mismatch.
func NewIntegrity(name string, wantBytes, gotBytes int64) error {
	return fmt.Errorf("%s: expected %d bytes, staged %d: %w", name, wantBytes, gotBytes, ErrIntegrity)
}

// NewDecode creates a decode error for a staged file.
func NewDecode(path, reason string) error {
	return fmt.Errorf("%s: %s: %w", path, reason, ErrDecode)
}

// NewSchemaMismatch creates a schema mismatch error naming the raw variable.
func NewSchemaMismatch(provider, rawName string) error {
	return fmt.Errorf("provider %s: raw variable %q: %w", provider, rawName, ErrSchemaMismatch)
}

// NewStoreWrite creates a store write error for a chunk.
func NewStoreWrite(chunk string, cause error) error {
	return fmt.Errorf("chunk %s: %v: %w", chunk, cause, ErrStoreWrite)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ============================================================================
// Partial ingestion summary
// ============================================================================

// PartialIngestion reports a run that exceeded its failure tolerance while
// keeping every chunk that did merge.
type PartialIngestion struct {
	Succeeded int
	Failed    int
	Units     []string
}

// Error implements the error interface.
func (p *PartialIngestion) Error() string {
	msg := fmt.Sprintf("partial ingestion: %d merged, %d failed", p.Succeeded, p.Failed)
	for _, u := range p.Units {
		msg += "\n  - " + u
	}
	return msg
}

// Unwrap supports errors.Is(err, ErrPartialIngestion).
func (p *PartialIngestion) Unwrap() error {
	return ErrPartialIngestion
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
