package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/jobrunner/shapeview/internal/application"
	"github.com/jobrunner/shapeview/internal/domain"
)

// multipartMemory is the part of a multipart upload kept in memory.
const multipartMemory = 32 << 20

// editRequest is the body of a batch attribute edit.
type editRequest struct {
	Field        string `json:"field"`
	Value        string `json:"value"`
	ConfirmEmpty bool   `json:"confirm_empty"`
}

// dragRequest is one phase of a drag-box gesture.
type dragRequest struct {
	Action string  `json:"action"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Button int     `json:"button"`
	Shift  bool    `json:"shift"`
}

// clickRequest is a click on the view.
type clickRequest struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Ctrl bool    `json:"ctrl"`
}

// modeRequest switches the touch multi-select mode.
type modeRequest struct {
	MultiSelect bool `json:"multi_select"`
}

// handleHealth returns detailed health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := s.health.GetHealthDetails(r.Context())

	status := http.StatusOK
	if !details.Healthy {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":         boolToStatus(details.Healthy),
		"ready":          details.Ready,
		"layers_loaded":  details.LayersLoaded,
		"layers_ready":   details.LayersReady,
		"selected_total": details.SelectedTotal,
		"components":     details.Components,
	})
}

// handleLiveness returns liveness status.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsHealthy(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

// handleReadiness returns readiness status.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsReady(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

// handleListLayers returns all layers in load order.
func (s *Server) handleListLayers(w http.ResponseWriter, r *http.Request) {
	layers := s.layers.ListLayers(r.Context())

	response := make([]map[string]interface{}, len(layers))
	for i := range layers {
		response[i] = formatLayer(&layers[i])
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"layers":         response,
		"count":          len(layers),
		"total_selected": s.selection.Summary(r.Context()).Total,
	})
}

// handleLoadLayer loads an uploaded archive. The body is either the raw file
// with ?name=<file> or a multipart form with a "file" part.
func (s *Server) handleLoadLayer(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)

	name, data, err := readUpload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	layer, err := s.layers.LoadLayer(r.Context(), name, data)
	if err != nil {
		s.handleServiceError(w, "load layer", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, formatLayer(layer))
}

func readUpload(r *http.Request) (string, []byte, error) {
	name := r.URL.Query().Get("name")

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return "", nil, err
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return "", nil, errors.New("missing file part")
		}
		defer file.Close()
		if name == "" {
			name = header.Filename
		}
		data, err := io.ReadAll(file)
		return name, data, err
	}

	if name == "" {
		return "", nil, errors.New("missing name parameter")
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return "", nil, err
	}
	if len(data) == 0 {
		return "", nil, errors.New("empty request body")
	}
	return name, data, nil
}

// handleClearLayers removes every layer.
func (s *Server) handleClearLayers(w http.ResponseWriter, r *http.Request) {
	if err := s.layers.ClearLayers(r.Context()); err != nil {
		s.handleServiceError(w, "clear layers", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetLayer returns a specific layer.
func (s *Server) handleGetLayer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.layerID(w, r)
	if !ok {
		return
	}

	layer, err := s.layers.GetLayer(r.Context(), id)
	if err != nil {
		s.handleServiceError(w, "get layer", err)
		return
	}

	s.writeJSON(w, http.StatusOK, formatLayer(layer))
}

// handleRemoveLayer removes a layer.
func (s *Server) handleRemoveLayer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.layerID(w, r)
	if !ok {
		return
	}

	if err := s.layers.RemoveLayer(r.Context(), id); err != nil {
		s.handleServiceError(w, "remove layer", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleToggleVisibility flips a layer's visibility.
func (s *Server) handleToggleVisibility(w http.ResponseWriter, r *http.Request) {
	id, ok := s.layerID(w, r)
	if !ok {
		return
	}

	layer, err := s.layers.ToggleVisibility(r.Context(), id)
	if err != nil {
		s.handleServiceError(w, "toggle visibility", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"layer":          formatLayer(layer),
		"total_selected": s.selection.Summary(r.Context()).Total,
	})
}

// handleBatchEdit sets a field on every selected feature of a layer.
func (s *Server) handleBatchEdit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.layerID(w, r)
	if !ok {
		return
	}

	var body editRequest
	if !s.decodeJSON(w, r, &body) {
		return
	}

	report, err := s.layers.BatchEdit(r.Context(), domain.BatchEditRequest{
		LayerID:      id,
		Field:        body.Field,
		Value:        body.Value,
		ConfirmEmpty: body.ConfirmEmpty,
	})
	if err != nil {
		s.handleServiceError(w, "batch edit", err)
		return
	}

	// Partial failures are reported with the per-feature details.
	status := http.StatusOK
	if report.Err() != nil {
		status = http.StatusMultiStatus
	}
	s.writeJSON(w, status, formatEditReport(report))
}

// handleExport streams an exported layer.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id, format, ok := s.exportParams(w, r)
	if !ok {
		return
	}

	payload, err := s.layers.Export(r.Context(), id, format)
	if err != nil {
		s.handleServiceError(w, "export", err)
		return
	}

	w.Header().Set("Content-Type", payload.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": payload.FileName}))
	w.Header().Set("Content-Length", strconv.Itoa(len(payload.Data)))
	w.Header().Set("X-Feature-Count", strconv.Itoa(payload.Features))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload.Data)
}

// handleExportToStorage uploads an exported layer to the storage backend.
func (s *Server) handleExportToStorage(w http.ResponseWriter, r *http.Request) {
	id, format, ok := s.exportParams(w, r)
	if !ok {
		return
	}

	key, err := s.layers.ExportToStorage(r.Context(), id, format)
	if err != nil {
		s.handleServiceError(w, "export to storage", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"layer_id": id,
		"format":   format,
		"key":      key,
	})
}

// handleCenterView fits the view to the visible layers.
func (s *Server) handleCenterView(w http.ResponseWriter, r *http.Request) {
	ext, err := s.layers.CenterView(r.Context())
	if err != nil {
		s.handleServiceError(w, "center view", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"extent": formatExtent(ext)})
}

// handleSelectionSummary describes the current selection.
func (s *Server) handleSelectionSummary(w http.ResponseWriter, r *http.Request) {
	summary := s.selection.Summary(r.Context())

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":                 summary.Total,
		"has_polygon_selection": summary.HasPolygonSelection,
		"multi_select":          summary.MultiSelect,
		"layers":                formatLayerSelections(summary.Layers),
	})
}

// handleDeselectAll clears every selection.
func (s *Server) handleDeselectAll(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, formatSelectionResult(s.selection.DeselectAll(r.Context())))
}

// handleDrag forwards one phase of a drag-box gesture.
func (s *Server) handleDrag(w http.ResponseWriter, r *http.Request) {
	var body dragRequest
	if !s.decodeJSON(w, r, &body) {
		return
	}

	action := domain.DragAction(body.Action)
	switch action {
	case domain.DragStart, domain.DragUpdate, domain.DragEnd:
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown drag action %q", body.Action))
		return
	}

	ev := domain.PointerEvent{
		Screen: domain.ScreenPoint{X: body.X, Y: body.Y},
		Button: body.Button,
		Shift:  body.Shift,
	}
	result, handled, err := s.selection.HandleDrag(r.Context(), action, ev)
	if err != nil {
		s.handleServiceError(w, "drag selection", err)
		return
	}

	s.writeSelection(w, handled, result)
}

// handleClick toggles the feature under a click.
func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	var body clickRequest
	if !s.decodeJSON(w, r, &body) {
		return
	}

	ev := domain.PointerEvent{
		Screen: domain.ScreenPoint{X: body.X, Y: body.Y},
		Ctrl:   body.Ctrl,
	}
	result, handled, err := s.selection.PointSelect(r.Context(), ev)
	if err != nil {
		s.handleServiceError(w, "point selection", err)
		return
	}

	s.writeSelection(w, handled, result)
}

// handleSelectionMode switches the touch multi-select mode.
func (s *Server) handleSelectionMode(w http.ResponseWriter, r *http.Request) {
	var body modeRequest
	if !s.decodeJSON(w, r, &body) {
		return
	}

	s.selection.SetMultiSelectMode(body.MultiSelect)
	s.writeJSON(w, http.StatusOK, map[string]bool{"multi_select": body.MultiSelect})
}

// handleSync handles the sync trigger endpoint.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.sync.TriggerSync(r.Context())
	if err != nil {
		if errors.Is(err, application.ErrRateLimited) {
			w.Header().Set("Retry-After", "30")
			s.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Try again in 30 seconds.")
			return
		}
		s.handleServiceError(w, "sync", err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleOpenAPI returns the OpenAPI specification.
func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	spec, err := getOpenAPIJSON()
	if err != nil {
		s.logger.Error("failed to get OpenAPI spec", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load OpenAPI specification")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(spec)
}

// handleOpenAPIYAML returns the OpenAPI specification as written.
func (s *Server) handleOpenAPIYAML(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(openAPIYAML)
}

// layerID parses the layerId route variable.
func (s *Server) layerID(w http.ResponseWriter, r *http.Request) (domain.LayerID, bool) {
	n, err := strconv.ParseInt(mux.Vars(r)["layerId"], 10, 64)
	if err != nil || n <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid layer id")
		return 0, false
	}
	return domain.LayerID(n), true
}

func (s *Server) exportParams(w http.ResponseWriter, r *http.Request) (domain.LayerID, domain.ExportFormat, bool) {
	id, ok := s.layerID(w, r)
	if !ok {
		return 0, "", false
	}
	format, err := domain.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return 0, "", false
	}
	return id, format, true
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeSelection(w http.ResponseWriter, handled bool, result *domain.SelectionResult) {
	response := map[string]interface{}{"handled": handled}
	if result != nil {
		response["result"] = formatSelectionResult(result)
	}
	s.writeJSON(w, http.StatusOK, response)
}

// handleServiceError maps application errors to HTTP status codes.
func (s *Server) handleServiceError(w http.ResponseWriter, op string, err error) {
	status := statusForError(err)

	message := err.Error()
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		message = validationErr.Message
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", "error", err)
	} else {
		s.logger.Debug(op+" rejected", "error", err)
	}
	s.writeError(w, status, message)
}

func statusForError(err error) int {
	var extErr *domain.ExternalCallError
	var storageErr *domain.StorageError

	switch {
	case errors.As(err, &extErr):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &storageErr):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func boolToStatus(b bool) string {
	if b {
		return "ok"
	}
	return "unhealthy"
}

func formatLayer(l *domain.Layer) map[string]interface{} {
	fields := make([]map[string]string, len(l.Fields))
	for i, f := range l.Fields {
		fields[i] = map[string]string{"name": f.Name, "type": string(f.Type)}
	}

	selected := l.Selected
	if selected == nil {
		selected = []domain.ObjectID{}
	}

	m := map[string]interface{}{
		"id":             l.ID,
		"name":           l.Name,
		"source":         l.Source,
		"visible":        l.Visible,
		"status":         l.Status(),
		"geometry_kind":  l.GeometryKind,
		"feature_count":  l.FeatureCount,
		"selected_count": l.SelectedCount(),
		"selected":       selected,
		"fields":         fields,
		"color": map[string]interface{}{
			"hex": l.Color.Hex(),
			"rgb": []uint8{l.Color.R, l.Color.G, l.Color.B},
		},
		"loaded_at": l.LoadedAt.UTC().Format(time.RFC3339),
	}
	if l.Extent != nil {
		m["extent"] = formatExtent(l.Extent)
	}
	return m
}

func formatExtent(e *domain.Extent) map[string]interface{} {
	if e == nil {
		return nil
	}
	return map[string]interface{}{
		"min_x": e.MinX,
		"min_y": e.MinY,
		"max_x": e.MaxX,
		"max_y": e.MaxY,
		"srid":  e.SRID,
	}
}

func formatLayerSelections(layers []domain.LayerSelection) []map[string]interface{} {
	out := make([]map[string]interface{}, len(layers))
	for i, l := range layers {
		out[i] = map[string]interface{}{
			"layer_id": l.LayerID,
			"name":     l.Name,
			"count":    l.Count,
		}
	}
	return out
}

func formatSelectionResult(r *domain.SelectionResult) map[string]interface{} {
	failed := make([]map[string]interface{}, len(r.Failed))
	for i, f := range r.Failed {
		failed[i] = map[string]interface{}{
			"layer_id": f.LayerID,
			"name":     f.Name,
			"error":    errString(f.Err),
		}
	}

	return map[string]interface{}{
		"total":       r.Total,
		"layers":      formatLayerSelections(r.Layers),
		"failed":      failed,
		"duration_ms": r.Duration.Milliseconds(),
	}
}

func formatEditReport(r *domain.EditReport) map[string]interface{} {
	failures := make([]map[string]interface{}, len(r.Failures))
	for i, f := range r.Failures {
		failures[i] = map[string]interface{}{
			"oid":   f.OID,
			"error": errString(f.Err),
		}
	}

	return map[string]interface{}{
		"layer_id":  r.LayerID,
		"field":     r.Field,
		"value":     domain.FormatFieldValue(r.Value),
		"requested": r.Requested,
		"updated":   r.Updated,
		"verified":  r.Verified,
		"failures":  failures,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
