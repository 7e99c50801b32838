package domain

import (
	"fmt"
	"time"
)

// LayerSelection is the selection state of one layer after an operation.
type LayerSelection struct {
	LayerID LayerID
	Name    string
	Count   int
}

// LayerFailure records a layer whose query failed during a selection. The
// layer kept its previous selection.
type LayerFailure struct {
	LayerID LayerID
	Name    string
	Err     error
}

// SelectionResult is returned by every selection operation.
type SelectionResult struct {
	Total    int              // Global selection count after the operation
	Layers   []LayerSelection // Per-layer counts of the layers touched
	Failed   []LayerFailure   // Layers whose query failed
	Duration time.Duration    // Processing time
}

// HasFailures returns true if at least one layer query failed.
func (r *SelectionResult) HasFailures() bool {
	return len(r.Failed) > 0
}

// SelectionSummary describes the session-wide selection.
type SelectionSummary struct {
	Total               int
	HasPolygonSelection bool
	MultiSelect         bool
	Layers              []LayerSelection
}

// FeatureEditFailure is a feature the engine refused to update.
type FeatureEditFailure struct {
	OID ObjectID
	Err error
}

// EditReport summarises a batch attribute edit.
type EditReport struct {
	LayerID   LayerID
	Field     string
	Value     FieldValue
	Requested int                  // Selected features the edit was sent for
	Updated   int                  // Features the engine reported as updated
	Verified  int                  // Selected features holding the new value afterwards
	Failures  []FeatureEditFailure // Per-feature failures
}

// Err returns an error wrapping ErrPartialEdit if some features failed.
func (r *EditReport) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return &PartialEditError{LayerID: r.LayerID, Failed: len(r.Failures), Requested: r.Requested}
}

// PartialEditError reports that some features of a batch edit were not updated.
type PartialEditError struct {
	LayerID   LayerID
	Failed    int
	Requested int
}

// Error implements the error interface.
func (e *PartialEditError) Error() string {
	return fmt.Sprintf("batch edit on layer %d: %d of %d features failed",
		e.LayerID, e.Failed, e.Requested)
}

// Unwrap returns ErrPartialEdit.
func (e *PartialEditError) Unwrap() error {
	return ErrPartialEdit
}

// ExportFormat is a layer export encoding.
type ExportFormat string

// Export formats.
const (
	FormatShapefile ExportFormat = "shapefile"
	FormatGeoJSON   ExportFormat = "geojson"
)

// ParseExportFormat validates a format name. Empty defaults to shapefile.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case "", FormatShapefile:
		return FormatShapefile, nil
	case FormatGeoJSON:
		return FormatGeoJSON, nil
	}
	return "", &ValidationError{
		Field:      "format",
		Value:      s,
		Constraint: "shapefile|geojson",
		Message:    "unknown export format",
		Kind:       ErrUnsupportedFormat,
	}
}

// Extension returns the file extension for the format.
func (f ExportFormat) Extension() string {
	if f == FormatGeoJSON {
		return ".geojson"
	}
	return ".zip"
}

// ContentType returns the MIME type for the format.
func (f ExportFormat) ContentType() string {
	if f == FormatGeoJSON {
		return "application/geo+json"
	}
	return "application/zip"
}

// ExportPayload is an exported layer held fully in memory.
type ExportPayload struct {
	FileName    string
	ContentType string
	Data        []byte
	Features    int
}

// BatchEditRequest asks to set one field on every selected feature of a layer.
type BatchEditRequest struct {
	LayerID      LayerID
	Field        string
	Value        string // Raw user input, parsed by the field type
	ConfirmEmpty bool   // Caller confirmed writing an empty text value
}

// PointerEvent is a pointer interaction on the view.
type PointerEvent struct {
	Screen ScreenPoint
	Button int  // 0 = primary
	Shift  bool // Shift modifier
	Ctrl   bool // Ctrl modifier
}

// DragAction is a phase of a drag gesture.
type DragAction string

// Drag phases.
const (
	DragStart  DragAction = "start"
	DragUpdate DragAction = "update"
	DragEnd    DragAction = "end"
)
