// Package api exposes the engine over HTTP: medication CRUD, dose
// recording, contact registration, and the maintenance surface for the
// offline sync queue.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dosemind/dosemind/internal/account"
	"github.com/dosemind/dosemind/internal/engine"
	"github.com/dosemind/dosemind/internal/medication"
	"github.com/dosemind/dosemind/internal/notify"
	"github.com/dosemind/dosemind/internal/queue"
	"github.com/dosemind/dosemind/internal/schedule"
)

// MedicationRequest is the incoming create/update body.
type MedicationRequest struct {
	Name            string   `json:"name"`
	Times           []string `json:"times"`
	Quantity        int      `json:"quantity"`
	DoseAmount      int      `json:"dose_amount"`
	RefillThreshold int      `json:"refill_threshold"`
}

// DoseRequest names the schedule slot a dose was taken for.
type DoseRequest struct {
	Slot string `json:"slot"`
}

// ContactRequest registers where an account's notifications go.
type ContactRequest struct {
	Channel    string `json:"channel"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	engine   *engine.Engine
	contacts *account.Contacts
	queue    *queue.Queue
	notifier *notify.Store
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, eng *engine.Engine, contacts *account.Contacts, q *queue.Queue, notifier *notify.Store) *Handler {
	return &Handler{
		logger:   logger,
		engine:   eng,
		contacts: contacts,
		queue:    q,
		notifier: notifier,
	}
}

// Routes mounts all v1 routes on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Post("/medications", h.CreateMedication)
		r.Get("/medications", h.ListMedications)
		r.Get("/medications/{id}", h.GetMedication)
		r.Put("/medications/{id}", h.UpdateMedication)
		r.Delete("/medications/{id}", h.DeleteMedication)
		r.Post("/medications/{id}/doses", h.TakeDose)

		r.Put("/contact", h.PutContact)
		r.Get("/schedule", h.ListSchedule)

		r.Post("/refresh", h.Refresh)
		r.Post("/reconcile", h.Reconcile)
		r.Post("/sync", h.Sync)

		r.Get("/queue", h.ListQueue)
		r.Get("/dlq", h.ListDeadLetters)
		r.Post("/dlq/{actionID}/retry", h.RetryDeadLetter)
		r.Post("/dlq/{actionID}/discard", h.DiscardDeadLetter)
	})
}

func (h *Handler) accountID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid account ID", "account ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) medicationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid medication ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decodeMedication(w http.ResponseWriter, r *http.Request, accountID, medID uuid.UUID) (medication.Medication, bool) {
	var req MedicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return medication.Medication{}, false
	}

	times := make([]schedule.TimeOfDay, 0, len(req.Times))
	for _, raw := range req.Times {
		t, err := schedule.ParseTimeOfDay(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid schedule time", err.Error())
			return medication.Medication{}, false
		}
		times = append(times, t)
	}

	return medication.Medication{
		ID:              medID,
		AccountID:       accountID,
		Name:            req.Name,
		Times:           times,
		Quantity:        req.Quantity,
		DoseAmount:      req.DoseAmount,
		RefillThreshold: req.RefillThreshold,
	}, true
}

// CreateMedication handles POST /v1/accounts/{accountID}/medications
func (h *Handler) CreateMedication(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	med, ok := h.decodeMedication(w, r, accountID, uuid.Nil)
	if !ok {
		return
	}

	created, err := h.engine.UpsertMedication(r.Context(), med)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid medication", err.Error())
		return
	}

	h.logger.Info("medication created",
		zap.String("id", created.ID.String()),
		zap.String("account_id", accountID.String()),
	)
	h.writeJSON(w, http.StatusCreated, created)
}

// UpdateMedication handles PUT /v1/accounts/{accountID}/medications/{id}
func (h *Handler) UpdateMedication(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	medID, ok := h.medicationID(w, r)
	if !ok {
		return
	}
	med, ok := h.decodeMedication(w, r, accountID, medID)
	if !ok {
		return
	}

	updated, err := h.engine.UpsertMedication(r.Context(), med)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid medication", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// ListMedications handles GET /v1/accounts/{accountID}/medications
func (h *Handler) ListMedications(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	meds, err := h.engine.ListMedications(r.Context(), accountID)
	if err != nil {
		h.logger.Error("failed to list medications", zap.Error(err), zap.String("account_id", accountID.String()))
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to list medications", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  meds,
		"count": len(meds),
	})
}

// GetMedication handles GET /v1/accounts/{accountID}/medications/{id}
func (h *Handler) GetMedication(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	medID, ok := h.medicationID(w, r)
	if !ok {
		return
	}

	med, err := h.engine.GetMedication(r.Context(), accountID, medID)
	if errors.Is(err, engine.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Medication not found", "")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to read medication", "")
		return
	}
	h.writeJSON(w, http.StatusOK, med)
}

// DeleteMedication handles DELETE /v1/accounts/{accountID}/medications/{id}
func (h *Handler) DeleteMedication(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	medID, ok := h.medicationID(w, r)
	if !ok {
		return
	}

	err := h.engine.DeleteMedication(r.Context(), accountID, medID)
	if errors.Is(err, engine.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Medication not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to delete medication", zap.Error(err), zap.String("id", medID.String()))
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to delete medication", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TakeDose handles POST /v1/accounts/{accountID}/medications/{id}/doses
func (h *Handler) TakeDose(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	medID, ok := h.medicationID(w, r)
	if !ok {
		return
	}

	var req DoseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	slot, err := schedule.ParseTimeOfDay(req.Slot)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid slot", err.Error())
		return
	}

	med, err := h.engine.MarkDoseTaken(r.Context(), accountID, medID, slot)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Medication not found", "")
		return
	case errors.Is(err, engine.ErrUnknownSlot):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown slot",
			"slot is not part of the medication schedule")
		return
	case errors.Is(err, engine.ErrAlreadyTaken):
		h.writeError(w, http.StatusConflict, "already_taken", "Dose already recorded",
			"this slot is already recorded as taken today")
		return
	case err != nil:
		h.logger.Error("failed to record dose", zap.Error(err), zap.String("id", medID.String()))
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to record dose", "")
		return
	}

	h.writeJSON(w, http.StatusOK, med)
}

// PutContact handles PUT /v1/accounts/{accountID}/contact
func (h *Handler) PutContact(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req ContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	contact := account.Contact{
		Channel:    req.Channel,
		Email:      req.Email,
		Phone:      req.Phone,
		WebhookURL: req.WebhookURL,
	}
	if err := h.contacts.Put(r.Context(), accountID, contact); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid contact", err.Error())
		return
	}

	h.logger.Info("contact registered",
		zap.String("account_id", accountID.String()),
		zap.String("channel", req.Channel),
	)
	h.writeJSON(w, http.StatusOK, contact)
}

// ListSchedule handles GET /v1/accounts/{accountID}/schedule
func (h *Handler) ListSchedule(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	ids, err := h.notifier.ListScheduled(r.Context(), accountID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to list schedule", "")
		return
	}

	entries := make([]string, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, id.String())
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  entries,
		"count": len(entries),
	})
}

// Refresh handles POST /v1/accounts/{accountID}/refresh, the login path:
// drain, pull, reconcile, stock sweep.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	if err := h.engine.Refresh(r.Context(), accountID); err != nil {
		h.logger.Error("refresh failed", zap.Error(err), zap.String("account_id", accountID.String()))
		h.writeError(w, http.StatusInternalServerError, "refresh_error", "Refresh failed", "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// Reconcile handles POST /v1/accounts/{accountID}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	if err := h.engine.Reconcile(r.Context(), accountID); err != nil {
		h.logger.Error("reconcile failed", zap.Error(err), zap.String("account_id", accountID.String()))
		h.writeError(w, http.StatusInternalServerError, "reconcile_error", "Reconciliation failed", "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
}

// Sync handles POST /v1/accounts/{accountID}/sync
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	result, err := h.engine.Sync(r.Context(), accountID)
	if err != nil {
		h.logger.Error("sync failed", zap.Error(err), zap.String("account_id", accountID.String()))
		h.writeError(w, http.StatusInternalServerError, "sync_error", "Queue drain failed", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"processed":     result.Processed,
		"dead_lettered": result.DeadLettered,
		"remaining":     len(result.Remaining),
	})
}

// ListQueue handles GET /v1/accounts/{accountID}/queue
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	actions, err := h.queue.Pending(r.Context(), accountID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to list queue", "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  actions,
		"count": len(actions),
	})
}

// ListDeadLetters handles GET /v1/accounts/{accountID}/dlq
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	actions, err := h.queue.DeadLetters(r.Context(), accountID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to list dead letters", "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  actions,
		"count": len(actions),
	})
}

// RetryDeadLetter handles POST /v1/accounts/{accountID}/dlq/{actionID}/retry
func (h *Handler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	actionID, err := uuid.Parse(chi.URLParam(r, "actionID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid action ID", "ID must be a valid UUID")
		return
	}

	if err := h.queue.RetryDeadLetter(r.Context(), accountID, actionID); err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Dead letter not found", err.Error())
		return
	}

	h.logger.Info("dead letter requeued",
		zap.String("account_id", accountID.String()),
		zap.String("action_id", actionID.String()),
	)
	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     actionID.String(),
		"status": "requeued",
	})
}

// DiscardDeadLetter handles POST /v1/accounts/{accountID}/dlq/{actionID}/discard
func (h *Handler) DiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	actionID, err := uuid.Parse(chi.URLParam(r, "actionID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid action ID", "ID must be a valid UUID")
		return
	}

	if err := h.queue.DiscardDeadLetter(r.Context(), accountID, actionID); err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Dead letter not found", err.Error())
		return
	}

	h.logger.Info("dead letter discarded",
		zap.String("account_id", accountID.String()),
		zap.String("action_id", actionID.String()),
	)
	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     actionID.String(),
		"status": "discarded",
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
