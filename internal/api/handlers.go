package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"payverify/internal/buildinfo"
	"payverify/internal/model"
	"payverify/internal/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Get()})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// EventTypesHandler lists the event catalog.
func (s *Server) EventTypesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": model.EventTypes()})
}

// CreateSubscriptionHandler handles POST /v1/webhooks. The secret is only
// ever returned here and on rotation.
func (s *Server) CreateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	var req model.SubscriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := s.Registry.Create(r.Context(), principal(r).MerchantID, req)
	if err != nil {
		writeError(w, r, "Create subscription failed", err)
		return
	}
	w.Header().Set("Location", "/v1/webhooks/"+sub.ID)
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) ListSubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error(), r.URL.Path)
		return
	}
	items, next, err := s.Registry.List(r.Context(), principal(r).MerchantID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, r, "List subscriptions failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) GetSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	sub, err := s.Registry.Get(r.Context(), principal(r).MerchantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "Get subscription failed", err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) UpdateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	var patch model.SubscriptionPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	sub, err := s.Registry.Update(r.Context(), principal(r).MerchantID, chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, "Update subscription failed", err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// DeleteSubscriptionHandler removes the subscription and its delivery history.
func (s *Server) DeleteSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Registry.Delete(r.Context(), principal(r).MerchantID, id); err != nil {
		writeError(w, r, "Delete subscription failed", err)
		return
	}
	if s.Dispatcher != nil {
		s.Dispatcher.Forget(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) RegenerateSecretHandler(w http.ResponseWriter, r *http.Request) {
	sub, err := s.Registry.RegenerateSecret(r.Context(), principal(r).MerchantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "Rotate secret failed", err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) SubscriptionDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Registry.Get(r.Context(), principal(r).MerchantID, id); err != nil {
		writeError(w, r, "List deliveries failed", err)
		return
	}
	s.listDeliveries(w, r, id)
}

// DeliveriesHandler lists delivery history across the merchant's subscriptions.
func (s *Server) DeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	s.listDeliveries(w, r, r.URL.Query().Get("subscriptionId"))
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request, subscriptionID string) {
	q := r.URL.Query()
	limit, err := queryLimit(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error(), r.URL.Path)
		return
	}
	status := model.DeliveryStatus(q.Get("status"))
	switch status {
	case "", model.DeliveryPending, model.DeliveryDelivered, model.DeliveryFailed:
	default:
		writeProblem(w, http.StatusBadRequest, "Invalid query", "status must be pending, delivered or failed", r.URL.Path)
		return
	}
	items, next, err := s.Ledger.History(r.Context(), store.DeliveryFilter{
		MerchantID:     principal(r).MerchantID,
		SubscriptionID: subscriptionID,
		Status:         status,
		Cursor:         q.Get("cursor"),
		Limit:          limit,
	})
	if err != nil {
		writeError(w, r, "List deliveries failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// TriggerEventHandler handles POST /v1/events. Delivery happens in the
// background; the response only acknowledges the event.
func (s *Server) TriggerEventHandler(w http.ResponseWriter, r *http.Request) {
	var req model.EventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validate.Struct(req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid event", err.Error(), r.URL.Path)
		return
	}
	t, err := model.ParseEventType(req.Type)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid event", err.Error(), r.URL.Path)
		return
	}
	ev := s.Pub.NotifyAsync(r.Context(), principal(r).MerchantID, t, req.Data)
	writeJSON(w, http.StatusAccepted, map[string]any{"id": ev.ID, "type": ev.Type, "created": ev.Created})
}

// SweepHandler runs a retry sweep immediately (admin).
func (s *Server) SweepHandler(w http.ResponseWriter, r *http.Request) {
	if !principal(r).IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	if s.Worker == nil {
		writeProblem(w, http.StatusServiceUnavailable, "Retry worker disabled", "", r.URL.Path)
		return
	}
	stats, err := s.Worker.Sweep(r.Context())
	if err != nil {
		writeError(w, r, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
