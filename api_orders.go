package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"printfarm/server/storage"
)

type createOrderRequest struct {
	UserID    string `json:"user_id"`
	PrinterID *int64 `json:"printer_id,omitempty"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	user, err := s.store.GetUser(r.Context(), req.UserID)
	if err != nil {
		s.log.Error("Failed to get user", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get user")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user %s not found", req.UserID)
		return
	}

	order := &storage.Order{UserID: req.UserID, PrinterID: req.PrinterID}
	if err := s.store.CreateOrder(r.Context(), order); err != nil {
		s.log.Error("Failed to create order", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create order")
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	orders, err := s.store.UserOrders(r.Context(), userID)
	if err != nil {
		s.log.Error("Failed to list orders", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	if orders == nil {
		orders = []*storage.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	order, err := s.store.GetOrder(r.Context(), id)
	if err != nil {
		s.log.Error("Failed to get order", "order_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get order")
		return
	}
	if order == nil {
		writeError(w, http.StatusNotFound, "order %d not found", id)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// handleOrderAction dispatches "{id}:approve" and "{id}:cancel".
func (s *Server) handleOrderAction(w http.ResponseWriter, r *http.Request) {
	idStr, action, ok := strings.Cut(r.PathValue("idAction"), ":")
	if !ok {
		writeError(w, http.StatusBadRequest, "expected {id}:{action}")
		return
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	order, err := s.store.GetOrder(r.Context(), id)
	if err != nil {
		s.log.Error("Failed to get order", "order_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get order")
		return
	}
	if order == nil {
		writeError(w, http.StatusNotFound, "order %d not found", id)
		return
	}

	switch action {
	case "approve":
		if err := s.store.ApproveOrder(r.Context(), order); err != nil {
			s.log.Error("Failed to approve order", "order_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to approve order")
			return
		}
	case "cancel":
		if order.Cancelled {
			writeJSON(w, http.StatusAccepted, order)
			return
		}
		if err := s.store.CancelOrder(r.Context(), order); err != nil {
			s.log.Error("Failed to cancel order", "order_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to cancel order")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown action %q", action)
		return
	}
	writeJSON(w, http.StatusAccepted, order)
}

type createUserRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Permission string `json:"permission"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required")
		return
	}
	if req.Permission == "" {
		req.Permission = "user"
	}

	user := &storage.User{ID: req.ID, Name: req.Name, Permission: req.Permission}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		s.log.Error("Failed to create user", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		s.log.Error("Failed to get user", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get user")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}
