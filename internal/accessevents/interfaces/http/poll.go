package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"dorm-access/internal/accessevents/application"
	accessevents "dorm-access/internal/accessevents/domain"
	"dorm-access/internal/audit"
	"dorm-access/internal/auth"
)

const maxStartBody = 64 << 10

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// PollController is the poller surface used by the handlers.
type PollController interface {
	Start(ctx context.Context, cfg accessevents.PollConfig) (accessevents.PollConfig, error)
	Stop()
	Status() application.Status
}

type startRequest struct {
	DoorIDs    []string `json:"doorIds" validate:"required,min=1,dive,required"`
	EventTypes []int    `json:"eventTypes" validate:"omitempty,dive,gt=0"`
	IntervalMs int      `json:"intervalMs" validate:"omitempty,gt=0"`
	PersonName string   `json:"personName" validate:"omitempty,max=64"`
}

type startResponse struct {
	Success bool                     `json:"success"`
	Config  *accessevents.PollConfig `json:"config,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

// PollHandler serves poller control endpoints.
type PollHandler struct {
	poller PollController
	audit  audit.Logger
	logger *zap.Logger
}

// NewPollHandler constructs a PollHandler. auditLogger may be nil.
func NewPollHandler(poller PollController, auditLogger audit.Logger, logger *zap.Logger) (*PollHandler, error) {
	if poller == nil {
		return nil, errors.New("poll handler: nil poller")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollHandler{poller: poller, audit: auditLogger, logger: logger}, nil
}

// Start handles POST /poll/start.
func (h *PollHandler) Start(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxStartBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, startResponse{Error: "read body error"})
		return
	}
	var req startRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, startResponse{Error: "invalid json"})
		return
	}
	if err := requestValidator().Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, startResponse{Error: validationMessage(err)})
		return
	}

	cfg, err := h.poller.Start(r.Context(), accessevents.PollConfig{
		DoorIDs:    req.DoorIDs,
		EventTypes: req.EventTypes,
		IntervalMs: req.IntervalMs,
		PersonName: req.PersonName,
	})
	if err != nil {
		if errors.Is(err, accessevents.ErrInvalidConfig) {
			writeJSON(w, http.StatusBadRequest, startResponse{Error: err.Error()})
			return
		}
		h.logger.Error("start poller failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, startResponse{Error: "start poller error"})
		return
	}

	metadata, _ := json.Marshal(cfg)
	h.record(r, audit.ActionPollStart, metadata, body)
	h.logger.Info("poller started",
		zap.Strings("door_ids", cfg.DoorIDs),
		zap.Ints("event_types", cfg.EventTypes),
		zap.Int("interval_ms", cfg.IntervalMs),
	)
	writeJSON(w, http.StatusOK, startResponse{Success: true, Config: &cfg})
}

// Stop handles POST /poll/stop.
func (h *PollHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.poller.Stop()
	h.record(r, audit.ActionPollStop, nil, nil)
	h.logger.Info("poller stopped")
	writeJSON(w, http.StatusOK, startResponse{Success: true})
}

// Status handles GET /poll/status.
func (h *PollHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.poller.Status())
}

func (h *PollHandler) record(r *http.Request, action string, metadata json.RawMessage, payload []byte) {
	if h.audit == nil {
		return
	}
	ctx := r.Context()
	entry := audit.Entry{
		Actor:         auth.SubjectFromContext(ctx),
		Role:          string(auth.RoleFromContext(ctx)),
		Action:        action,
		ResourceType:  "poller",
		ResourceID:    "access-events",
		Metadata:      metadata,
		PayloadDigest: audit.DigestJSON(payload),
		IP:            audit.ClientIP(r),
		UserAgent:     audit.UserAgent(r),
	}
	if err := h.audit.Log(ctx, entry); err != nil {
		h.logger.Warn("audit poll action failed", zap.String("action", action), zap.Error(err))
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fieldName(fe.Namespace())+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}

// fieldName maps startRequest.DoorIDs[0] to doorIds[0].
func fieldName(namespace string) string {
	if idx := strings.IndexByte(namespace, '.'); idx >= 0 {
		namespace = namespace[idx+1:]
	}
	for goName, jsonName := range map[string]string{
		"DoorIDs":    "doorIds",
		"EventTypes": "eventTypes",
		"IntervalMs": "intervalMs",
		"PersonName": "personName",
	} {
		if strings.HasPrefix(namespace, goName) {
			return jsonName + strings.TrimPrefix(namespace, goName)
		}
	}
	return namespace
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
