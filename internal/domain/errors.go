package domain

import (
	"errors"
	"fmt"
)

// Base error types (sentinel errors).
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrUnsupported  = errors.New("unsupported operation")
	ErrInternal     = errors.New("internal error")
	ErrUnavailable  = errors.New("service unavailable")
)

// Specific errors.
var (
	ErrLayerNotFound        = fmt.Errorf("layer: %w", ErrNotFound)
	ErrFieldNotFound        = fmt.Errorf("field: %w", ErrNotFound)
	ErrNoVisibleExtent      = fmt.Errorf("visible extent: %w", ErrNotFound)
	ErrDuplicateLayerName   = fmt.Errorf("layer name already loaded: %w", ErrConflict)
	ErrNoGeoreference       = fmt.Errorf("archive contains no .prj file: %w", ErrInvalidInput)
	ErrEmptyOrUnparseable   = fmt.Errorf("no valid features: %w", ErrInvalidInput)
	ErrInvalidValue         = fmt.Errorf("field value: %w", ErrInvalidInput)
	ErrNoSelection          = fmt.Errorf("no selected features: %w", ErrInvalidInput)
	ErrConfirmationRequired = fmt.Errorf("empty value needs confirmation: %w", ErrInvalidInput)
	ErrNoExportableFeatures = fmt.Errorf("no exportable features: %w", ErrInvalidInput)
	ErrUnsupportedFormat    = fmt.Errorf("format: %w", ErrInvalidInput)
	ErrInvalidCoordinate    = fmt.Errorf("coordinate: %w", ErrInvalidInput)
	ErrInvalidArchive       = fmt.Errorf("generated archive: %w", ErrInternal)
	ErrPartialEdit          = fmt.Errorf("partial edit: %w", ErrInternal)
	ErrStorageReadOnly      = fmt.Errorf("storage is read-only: %w", ErrUnsupported)
	ErrNotReady             = fmt.Errorf("service not ready: %w", ErrUnavailable)
	ErrStorageUnavailable   = fmt.Errorf("storage: %w", ErrUnavailable)
)

// ValidationError represents a detailed validation error.
type ValidationError struct {
	Field      string      // Field that failed validation
	Value      interface{} // The invalid value
	Constraint string      // The constraint that was violated
	Message    string      // Human-readable message
	Kind       error       // Sentinel the error unwraps to (defaults to ErrInvalidInput)
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s (value: %v, constraint: %s)",
		e.Field, e.Message, e.Value, e.Constraint)
}

// Unwrap returns the underlying error type.
func (e *ValidationError) Unwrap() error {
	if e.Kind != nil {
		return e.Kind
	}
	return ErrInvalidInput
}

// ExternalCallError represents a failed call into the map engine, the codec
// or another collaborator on behalf of a layer.
type ExternalCallError struct {
	Operation string  // Operation that failed (query, highlight, apply-edits, ...)
	LayerID   LayerID // Affected layer, zero if none
	Err       error   // Underlying error
}

// Error implements the error interface.
func (e *ExternalCallError) Error() string {
	if e.LayerID != 0 {
		return fmt.Sprintf("%s failed for layer %d: %v", e.Operation, e.LayerID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExternalCallError) Unwrap() error {
	return e.Err
}

// StorageError represents an error during storage operations.
type StorageError struct {
	Operation string // Operation that failed (read, list, upload, etc.)
	Key       string // Object key
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage error during %s for %s: %v",
			e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("storage error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string // Configuration field
	Message string // Error message
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidInput
}
