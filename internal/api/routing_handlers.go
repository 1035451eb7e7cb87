package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/provision"
	"github.com/voicebridge/voicebridge/internal/store/models"
)

// routingRuleRequest is the JSON body for creating or updating a rule.
type routingRuleRequest struct {
	Name          string          `json:"name"`
	Priority      int             `json:"priority"`
	Enabled       bool            `json:"enabled"`
	CallerPattern string          `json:"caller_pattern,omitempty"`
	CalleePattern string          `json:"callee_pattern,omitempty"`
	TimeRange     *call.TimeRange `json:"time_range,omitempty"`
	Action        string          `json:"action"`
	Target        string          `json:"target,omitempty"`
	TimeoutS      int             `json:"timeout,omitempty"`
	QueueName     string          `json:"queue_name,omitempty"`
	QueuePriority string          `json:"queue_priority,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

func (req *routingRuleRequest) validate() string {
	if msg := validateRequiredStringLen("name", req.Name, maxNameLen); msg != "" {
		return msg
	}
	if msg := validateOptionalPattern("caller_pattern", req.CallerPattern); msg != "" {
		return msg
	}
	if msg := validateOptionalPattern("callee_pattern", req.CalleePattern); msg != "" {
		return msg
	}
	switch req.Action {
	case call.DecisionAccept, call.DecisionReject, call.DecisionQueue, call.DecisionForward:
	default:
		return "action must be \"accept\", \"reject\", \"queue\" or \"forward\""
	}
	if req.Action == call.DecisionForward && req.Target == "" {
		return "target is required for the forward action"
	}
	if req.Action == call.DecisionQueue && req.QueueName == "" {
		return "queue_name is required for the queue action"
	}
	return ""
}

// toModel converts the request into a store row. The time range is
// kept as a JSON text column.
func (req *routingRuleRequest) toModel() (*models.RoutingRule, error) {
	row := &models.RoutingRule{
		Name:          req.Name,
		Priority:      req.Priority,
		Enabled:       req.Enabled,
		CallerPattern: req.CallerPattern,
		CalleePattern: req.CalleePattern,
		Action:        req.Action,
		Target:        req.Target,
		TimeoutS:      req.TimeoutS,
		QueueName:     req.QueueName,
		QueuePriority: req.QueuePriority,
		Reason:        req.Reason,
	}
	if req.TimeRange != nil {
		doc, err := json.Marshal(req.TimeRange)
		if err != nil {
			return nil, err
		}
		row.TimeRange = string(doc)
	}
	return row, nil
}

// routingRuleResponse is one stored rule.
type routingRuleResponse struct {
	ID int64 `json:"id"`
	routingRuleRequest
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toRoutingRuleResponse(row *models.RoutingRule) routingRuleResponse {
	resp := routingRuleResponse{
		ID: row.ID,
		routingRuleRequest: routingRuleRequest{
			Name:          row.Name,
			Priority:      row.Priority,
			Enabled:       row.Enabled,
			CallerPattern: row.CallerPattern,
			CalleePattern: row.CalleePattern,
			Action:        row.Action,
			Target:        row.Target,
			TimeoutS:      row.TimeoutS,
			QueueName:     row.QueueName,
			QueuePriority: row.QueuePriority,
			Reason:        row.Reason,
		},
		CreatedAt: row.CreatedAt.Format(time.RFC3339),
		UpdatedAt: row.UpdatedAt.Format(time.RFC3339),
	}
	if row.TimeRange != "" {
		var tr call.TimeRange
		if err := json.Unmarshal([]byte(row.TimeRange), &tr); err == nil {
			resp.TimeRange = &tr
		}
	}
	return resp
}

// handleListRoutingRules returns all stored rules.
func (s *Server) handleListRoutingRules(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Provision.RoutingRules.List(r.Context())
	if err != nil {
		slog.Error("list routing rules: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	items := make([]routingRuleResponse, len(rows))
	for i := range rows {
		items[i] = toRoutingRuleResponse(&rows[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": items, "count": len(items)})
}

// handleCreateRoutingRule stores a rule and reloads the live router.
func (s *Server) handleCreateRoutingRule(w http.ResponseWriter, r *http.Request) {
	var req routingRuleRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	row, err := req.toModel()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid time range")
		return
	}
	// Prove the rule compiles before it is stored; a bad row would
	// poison every subsequent reload.
	if _, err := provision.RoutingRuleFromModel(row); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if existing, err := s.deps.Provision.RoutingRules.GetByName(r.Context(), req.Name); err != nil {
		slog.Error("create routing rule: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	} else if existing != nil {
		writeError(w, http.StatusConflict, "a rule with this name already exists")
		return
	}

	if err := s.deps.Provision.RoutingRules.Create(r.Context(), row); err != nil {
		slog.Error("create routing rule: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !s.reloadRouting(w, r, "create routing rule") {
		return
	}
	slog.Info("created routing rule", "name", req.Name, "action", req.Action)
	writeJSON(w, http.StatusCreated, toRoutingRuleResponse(row))
}

// handleUpdateRoutingRule replaces a stored rule and reloads the live
// router.
func (s *Server) handleUpdateRoutingRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	var req routingRuleRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	existing, err := s.deps.Provision.RoutingRules.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("update routing rule: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "routing rule not found")
		return
	}

	row, err := req.toModel()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid time range")
		return
	}
	row.ID = id
	if _, err := provision.RoutingRuleFromModel(row); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Provision.RoutingRules.Update(r.Context(), row); err != nil {
		slog.Error("update routing rule: failed to update", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !s.reloadRouting(w, r, "update routing rule") {
		return
	}
	writeJSON(w, http.StatusOK, toRoutingRuleResponse(row))
}

// handleDeleteRoutingRule removes a stored rule and reloads the live
// router, which drops the rule from the active table.
func (s *Server) handleDeleteRoutingRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	existing, err := s.deps.Provision.RoutingRules.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("delete routing rule: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "routing rule not found")
		return
	}

	if err := s.deps.Provision.RoutingRules.Delete(r.Context(), id); err != nil {
		slog.Error("delete routing rule: failed to delete", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !s.reloadRouting(w, r, "delete routing rule") {
		return
	}
	slog.Info("deleted routing rule", "name", existing.Name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "name": existing.Name})
}

// reloadRouting pushes the stored rule set into the live router. The
// store write has already succeeded, so a reload failure is a 500 the
// operator must look at.
func (s *Server) reloadRouting(w http.ResponseWriter, r *http.Request, op string) bool {
	err := provision.LoadRoutingRules(r.Context(), s.deps.Provision.RoutingRules, s.deps.Registries.Router)
	if err != nil {
		slog.Error("failed to reload routing rules", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "rule stored but live reload failed")
		return false
	}
	return true
}

// number list handlers

type numberEntry struct {
	Number string `json:"number"`
	Note   string `json:"note,omitempty"`
	Added  string `json:"added_at,omitempty"`
}

func (s *Server) handleListBlacklist(w http.ResponseWriter, r *http.Request) {
	s.listNumbers(w, r, models.ListBlacklist)
}

func (s *Server) handleListWhitelist(w http.ResponseWriter, r *http.Request) {
	s.listNumbers(w, r, models.ListWhitelist)
}

func (s *Server) listNumbers(w http.ResponseWriter, r *http.Request, kind string) {
	rows, err := s.deps.Provision.NumberLists.List(r.Context(), kind)
	if err != nil {
		slog.Error("list numbers: failed to query", "error", err, "kind", kind)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	items := make([]numberEntry, len(rows))
	for i, row := range rows {
		items[i] = numberEntry{
			Number: row.Number,
			Note:   row.Note,
			Added:  row.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"numbers": items, "count": len(items)})
}

func (s *Server) handleAddBlacklist(w http.ResponseWriter, r *http.Request) {
	s.addNumber(w, r, models.ListBlacklist)
}

func (s *Server) handleAddWhitelist(w http.ResponseWriter, r *http.Request) {
	s.addNumber(w, r, models.ListWhitelist)
}

// addNumber stores a list entry and applies it to the live router
// immediately; blacklisting takes effect on the next incoming call.
func (s *Server) addNumber(w http.ResponseWriter, r *http.Request, kind string) {
	var req numberEntry
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateNumber("number", req.Number); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateStringLen("note", req.Note, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	entry := &models.NumberListEntry{Kind: kind, Number: req.Number, Note: req.Note}
	if err := s.deps.Provision.NumberLists.Add(r.Context(), entry); err != nil {
		slog.Error("add number: failed to insert", "error", err, "kind", kind)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	switch kind {
	case models.ListBlacklist:
		s.deps.Registries.Router.Blacklist(req.Number)
	case models.ListWhitelist:
		s.deps.Registries.Router.Whitelist(req.Number)
	}
	slog.Info("added number to list", "kind", kind, "number", req.Number)
	writeJSON(w, http.StatusCreated, map[string]string{"number": req.Number, "list": kind})
}

func (s *Server) handleRemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	s.removeNumber(w, r, models.ListBlacklist)
}

func (s *Server) handleRemoveWhitelist(w http.ResponseWriter, r *http.Request) {
	s.removeNumber(w, r, models.ListWhitelist)
}

func (s *Server) removeNumber(w http.ResponseWriter, r *http.Request, kind string) {
	number := chi.URLParam(r, "number")
	if msg := validateNumber("number", number); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	removed, err := s.deps.Provision.NumberLists.Remove(r.Context(), kind, number)
	if err != nil {
		slog.Error("remove number: failed to delete", "error", err, "kind", kind)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "number not on list")
		return
	}

	switch kind {
	case models.ListBlacklist:
		s.deps.Registries.Router.Unblacklist(number)
	case models.ListWhitelist:
		s.deps.Registries.Router.Unwhitelist(number)
	}
	writeJSON(w, http.StatusOK, map[string]string{"number": number, "list": kind, "status": "removed"})
}
