package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	accessevents "dorm-access/internal/accessevents/domain"
	"dorm-access/internal/observability/metrics"
)

const (
	timeLayout = time.RFC3339

	exportLimit = 5000
)

// EventsHandler serves stored access event queries and exports.
type EventsHandler struct {
	repo   accessevents.EventRepository
	logger *zap.Logger
}

// NewEventsHandler constructs an EventsHandler.
func NewEventsHandler(repo accessevents.EventRepository, logger *zap.Logger) (*EventsHandler, error) {
	if repo == nil {
		return nil, errors.New("events handler: nil repository")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{repo: repo, logger: logger}, nil
}

type listResponse struct {
	Total int                        `json:"total"`
	Items []accessevents.AccessEvent `json:"items"`
}

// List handles GET /access-events.
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter = filter.Normalize()

	total, err := h.repo.Count(r.Context(), filter)
	if err != nil {
		h.logger.Error("count access events failed", zap.Error(err))
		http.Error(w, "query access events error", http.StatusInternalServerError)
		return
	}
	items, err := h.repo.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list access events failed", zap.Error(err))
		http.Error(w, "query access events error", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []accessevents.AccessEvent{}
	}
	writeJSON(w, http.StatusOK, listResponse{Total: total, Items: items})
}

// ExportXLSX handles GET /access-events/export.xlsx.
func (h *EventsHandler) ExportXLSX(w http.ResponseWriter, r *http.Request) {
	h.export(w, r, "xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", BuildEventsXLSX)
}

// ExportPDF handles GET /access-events/export.pdf.
func (h *EventsHandler) ExportPDF(w http.ResponseWriter, r *http.Request) {
	h.export(w, r, "pdf", "application/pdf", BuildEventsPDF)
}

func (h *EventsHandler) export(w http.ResponseWriter, r *http.Request, format, contentType string, build func(ExportMeta, []accessevents.AccessEvent) ([]byte, error)) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		metrics.ObserveExport(format, metrics.ResultError)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter.Limit = exportLimit
	filter.Offset = 0
	filter = filter.Normalize()

	items, err := h.repo.List(r.Context(), filter)
	if err != nil {
		metrics.ObserveExport(format, metrics.ResultError)
		h.logger.Error("export query failed", zap.String("format", format), zap.Error(err))
		http.Error(w, "query access events error", http.StatusInternalServerError)
		return
	}
	meta := ExportMeta{Filter: filter, GeneratedAt: time.Now().UTC()}
	data, err := build(meta, items)
	if err != nil {
		metrics.ObserveExport(format, metrics.ResultError)
		h.logger.Error("export render failed", zap.String("format", format), zap.Error(err))
		http.Error(w, "export error", http.StatusInternalServerError)
		return
	}
	metrics.ObserveExport(format, metrics.ResultSuccess)

	filename := fmt.Sprintf("access-events-%s.%s", meta.GeneratedAt.Format("20060102-150405"), format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func parseFilter(r *http.Request) (accessevents.EventFilter, error) {
	query := r.URL.Query()
	filter := accessevents.EventFilter{
		DoorID:     strings.TrimSpace(query.Get("doorId")),
		PersonName: strings.TrimSpace(query.Get("personName")),
	}
	var err error
	if filter.EventType, err = parseIntQuery(query.Get("eventType"), "eventType"); err != nil {
		return filter, err
	}
	if filter.Limit, err = parseIntQuery(query.Get("limit"), "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = parseIntQuery(query.Get("offset"), "offset"); err != nil {
		return filter, err
	}
	if filter.From, err = parseTimeQuery(query.Get("from"), "from"); err != nil {
		return filter, err
	}
	if filter.To, err = parseTimeQuery(query.Get("to"), "to"); err != nil {
		return filter, err
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		return filter, errors.New("to must be after from")
	}
	return filter, nil
}

func parseIntQuery(value, name string) (int, error) {
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return parsed, nil
}

func parseTimeQuery(value, name string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s", name)
	}
	return parsed.UTC(), nil
}
