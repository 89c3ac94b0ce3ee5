// Package api provides HTTP handlers for the wagate API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/wagate/wagate/internal/domain"
	"github.com/wagate/wagate/internal/session"
	"github.com/wagate/wagate/internal/store"
)

type contextKey string

const ownerKey contextKey = "owner_id"

const defaultDeviceLifeDays = 30

// Handler serves the gateway's REST surface.
type Handler struct {
	repo     store.Repository
	sessions *session.Manager
	location *time.Location
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, sessions *session.Manager, location *time.Location) *Handler {
	return &Handler{
		repo:     repo,
		sessions: sessions,
		location: location,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes mounts the authenticated v1 API.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(h.Auth)

		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{deviceKey}", h.GetSession)
		r.Post("/sessions/{deviceKey}", h.ConnectSession)
		r.Delete("/sessions/{deviceKey}", h.RemoveSession)
		r.Delete("/devices/{deviceKey}", h.DeleteDevice)

		r.Post("/messages", h.EnqueueMessage)
		r.Get("/messages", h.ListMessages)
		r.Post("/messages/{id}/retry", h.RetryMessage)

		r.Post("/autoreplies", h.CreateAutoReply)
	})
}

// Auth resolves the X-API-Key header to an owner and stores it in the
// request context.
func (h *Handler) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			Error(w, http.StatusUnauthorized, "missing API key")
			return
		}

		ownerID, err := h.repo.GetOwnerIDByAPIKey(r.Context(), apiKey)
		if err != nil {
			Error(w, http.StatusInternalServerError, "authentication lookup failed")
			return
		}
		if ownerID == "" {
			Error(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey, ownerID)))
	})
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey).(string)
	return owner
}

// loadOwnedDevice fetches the device and enforces ownership. A device owned
// by someone else looks identical to a missing one.
func (h *Handler) loadOwnedDevice(w http.ResponseWriter, r *http.Request) *domain.Device {
	deviceKey := chi.URLParam(r, "deviceKey")
	device, err := h.repo.GetDevice(r.Context(), deviceKey)
	if err != nil {
		Error(w, http.StatusInternalServerError, "device lookup failed")
		return nil
	}
	if device == nil || device.OwnerID != ownerFrom(r.Context()) {
		Error(w, http.StatusNotFound, "device not found")
		return nil
	}
	return device
}

type deviceView struct {
	*domain.Device
	Session *session.Session `json:"session,omitempty"`
}

// ListSessions returns the owner's devices with live session state attached.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	devices, err := h.repo.ListDevicesByOwner(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		Error(w, http.StatusInternalServerError, "device listing failed")
		return
	}

	views := make([]deviceView, 0, len(devices))
	for _, device := range devices {
		view := deviceView{Device: device}
		if snap, ok := h.sessions.GetSession(device.DeviceKey); ok {
			view.Session = snap
		}
		views = append(views, view)
	}
	JSON(w, http.StatusOK, views)
}

// GetSession returns one device with its live session state.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	device := h.loadOwnedDevice(w, r)
	if device == nil {
		return
	}

	view := deviceView{Device: device}
	if snap, ok := h.sessions.GetSession(device.DeviceKey); ok {
		view.Session = snap
	}
	JSON(w, http.StatusOK, view)
}

// ConnectSession creates (or recreates) the session for a device. An
// unknown device key registers a new device slot for the owner first.
func (h *Handler) ConnectSession(w http.ResponseWriter, r *http.Request) {
	deviceKey := chi.URLParam(r, "deviceKey")
	owner := ownerFrom(r.Context())

	device, err := h.repo.GetDevice(r.Context(), deviceKey)
	if err != nil {
		Error(w, http.StatusInternalServerError, "device lookup failed")
		return
	}
	if device != nil && device.OwnerID != owner {
		Error(w, http.StatusNotFound, "device not found")
		return
	}
	if device == nil {
		device = &domain.Device{
			OwnerID:   owner,
			DeviceKey: deviceKey,
			Status:    domain.DeviceDisconnected,
			LifeTime:  defaultDeviceLifeDays,
		}
		if err := h.repo.CreateDevice(r.Context(), device); err != nil {
			Error(w, http.StatusInternalServerError, "device registration failed")
			return
		}
	}

	err = h.sessions.CreateSession(r.Context(), deviceKey)
	switch {
	case errors.Is(err, session.ErrCreateInProgress):
		Error(w, http.StatusConflict, "session creation already in progress")
		return
	case errors.Is(err, session.ErrDeviceInactive):
		Error(w, http.StatusGone, "device is no longer active")
		return
	case err != nil:
		Error(w, http.StatusBadGateway, "session connect failed: "+err.Error())
		return
	}

	snap, _ := h.sessions.GetSession(deviceKey)
	JSON(w, http.StatusAccepted, snap)
}

// RemoveSession disconnects a device's session. With ?purge=true the device
// is also unlinked and its credentials deleted.
func (h *Handler) RemoveSession(w http.ResponseWriter, r *http.Request) {
	device := h.loadOwnedDevice(w, r)
	if device == nil {
		return
	}

	purge := r.URL.Query().Get("purge") == "true"
	if err := h.sessions.RemoveSession(r.Context(), device.DeviceKey, purge, domain.DeviceDisconnected); err != nil {
		Error(w, http.StatusInternalServerError, "session removal failed")
		return
	}
	if purge {
		if err := h.repo.ClearDeviceIdentity(r.Context(), device.DeviceKey); err != nil {
			Error(w, http.StatusInternalServerError, "device identity clear failed")
			return
		}
	}
	JSON(w, http.StatusOK, map[string]any{"device_key": device.DeviceKey, "purged": purge})
}

// DeleteDevice marks the device deleted; maintenance erases its data and
// credentials asynchronously.
func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	device := h.loadOwnedDevice(w, r)
	if device == nil {
		return
	}

	if err := h.sessions.RemoveSession(r.Context(), device.DeviceKey, false, domain.DeviceDeleted); err != nil {
		Error(w, http.StatusInternalServerError, "session removal failed")
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"device_key": device.DeviceKey, "status": domain.DeviceDeleted})
}

type enqueueRequest struct {
	DeviceKey string `json:"device_key"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	Group     bool   `json:"group"`
	Tags      string `json:"tags"`
}

// EnqueueMessage queues an outbound message for dispatch. The class is
// inferred: group flag wins, multiple recipients make it bulk.
func (h *Handler) EnqueueMessage(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message cannot be empty")
		return
	}

	owner := ownerFrom(r.Context())
	device, err := h.repo.GetDevice(r.Context(), req.DeviceKey)
	if err != nil {
		Error(w, http.StatusInternalServerError, "device lookup failed")
		return
	}
	if device == nil || device.OwnerID != owner {
		Error(w, http.StatusNotFound, "device not found")
		return
	}

	msg := &domain.Message{
		OwnerID:   owner,
		DeviceID:  device.ID,
		Class:     domain.ClassifyRecipient(req.Recipient, req.Group),
		Recipient: req.Recipient,
		Body:      req.Message,
		Status:    domain.StatusPending,
		Tags:      req.Tags,
	}

	recipients := msg.Recipients()
	if len(recipients) == 0 {
		Error(w, http.StatusBadRequest, "recipient cannot be empty")
		return
	}
	if !req.Group {
		for _, recipient := range recipients {
			if !domain.ValidPhoneNumber(recipient) {
				Error(w, http.StatusBadRequest, "invalid recipient: "+recipient)
				return
			}
		}
	}

	if err := h.repo.EnqueueMessage(r.Context(), msg); err != nil {
		Error(w, http.StatusInternalServerError, "message enqueue failed")
		return
	}
	JSON(w, http.StatusCreated, msg)
}

// ListMessages returns today's messages for the owner with status counts.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	now := time.Now().In(h.location)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, h.location)

	msgs, err := h.repo.ListMessagesByOwner(r.Context(), ownerFrom(r.Context()), dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		Error(w, http.StatusInternalServerError, "message listing failed")
		return
	}

	counts := map[string]int{}
	for _, msg := range msgs {
		counts[msg.Status]++
	}
	JSON(w, http.StatusOK, map[string]any{"messages": msgs, "counts": counts})
}

type autoReplyRequest struct {
	DeviceKey string `json:"device_key"`
	Keyword   string `json:"keyword"`
	Response  string `json:"response"`
}

// CreateAutoReply registers a keyword responder rule on one of the owner's
// devices. The session manager picks it up on its next cache refresh.
func (h *Handler) CreateAutoReply(w http.ResponseWriter, r *http.Request) {
	var req autoReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Keyword) == "" || strings.TrimSpace(req.Response) == "" {
		Error(w, http.StatusBadRequest, "keyword and response cannot be empty")
		return
	}

	owner := ownerFrom(r.Context())
	device, err := h.repo.GetDevice(r.Context(), req.DeviceKey)
	if err != nil {
		Error(w, http.StatusInternalServerError, "device lookup failed")
		return
	}
	if device == nil || device.OwnerID != owner {
		Error(w, http.StatusNotFound, "device not found")
		return
	}

	rule := &domain.AutoReply{
		OwnerID:  owner,
		DeviceID: device.ID,
		Keyword:  strings.TrimSpace(req.Keyword),
		Response: req.Response,
		Active:   true,
	}
	if err := h.repo.CreateAutoReply(r.Context(), rule); err != nil {
		Error(w, http.StatusInternalServerError, "autoreply creation failed")
		return
	}
	JSON(w, http.StatusCreated, rule)
}

// RetryMessage moves one of the owner's failed messages back to pending.
func (h *Handler) RetryMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid message id")
		return
	}

	msg, err := h.repo.GetMessage(r.Context(), id)
	if err != nil {
		Error(w, http.StatusInternalServerError, "message lookup failed")
		return
	}
	if msg == nil || msg.OwnerID != ownerFrom(r.Context()) {
		Error(w, http.StatusNotFound, "message not found")
		return
	}

	if err := h.repo.RetryMessage(r.Context(), id); err != nil {
		Error(w, http.StatusConflict, "message is not retryable")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"id": id, "status": domain.StatusPending})
}
