package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/voicebridge/voicebridge/internal/ivr"
	"github.com/voicebridge/voicebridge/internal/provision"
	"github.com/voicebridge/voicebridge/internal/store/models"
)

// ivrItemBody is one digit mapping in a menu request or response.
type ivrItemBody struct {
	Digit       string         `json:"digit"`
	Action      string         `json:"action"`
	Description string         `json:"description,omitempty"`
	Target      string         `json:"target,omitempty"`
	PromptRef   string         `json:"prompt,omitempty"`
	GotoMenuID  string         `json:"goto_menu,omitempty"`
	Handler     string         `json:"handler,omitempty"`
	AIContext   map[string]any `json:"ai_context,omitempty"`
	MaxDigits   int            `json:"max_digits,omitempty"`
	Terminator  string         `json:"terminator,omitempty"`
}

// ivrMenuRequest is the JSON body for creating or updating a menu.
type ivrMenuRequest struct {
	MenuID        string        `json:"menu_id"`
	Name          string        `json:"name"`
	WelcomePrompt string        `json:"welcome_prompt,omitempty"`
	InvalidPrompt string        `json:"invalid_prompt,omitempty"`
	TimeoutPrompt string        `json:"timeout_prompt,omitempty"`
	TimeoutS      int           `json:"timeout,omitempty"`
	MaxRetries    int           `json:"max_retries,omitempty"`
	Interruptible bool          `json:"interruptible"`
	TimeoutAction *ivrItemBody  `json:"timeout_action,omitempty"`
	Items         []ivrItemBody `json:"items"`
}

// validIVRActions are the item actions a menu may reference.
var validIVRActions = map[string]bool{
	ivr.ActionTransfer:     true,
	ivr.ActionHangup:       true,
	ivr.ActionPlayPrompt:   true,
	ivr.ActionGotoMenu:     true,
	ivr.ActionRepeatMenu:   true,
	ivr.ActionPreviousMenu: true,
	ivr.ActionForwardToAI:  true,
	ivr.ActionCollectInput: true,
	ivr.ActionCustom:       true,
}

func (req *ivrMenuRequest) validate() string {
	if msg := validateRequiredStringLen("menu_id", req.MenuID, maxNameLen); msg != "" {
		return msg
	}
	if msg := validateRequiredStringLen("name", req.Name, maxNameLen); msg != "" {
		return msg
	}
	if len(req.Items) == 0 {
		return "items must contain at least one digit mapping"
	}
	seen := make(map[string]bool, len(req.Items))
	for i, item := range req.Items {
		field := "items[" + strconv.Itoa(i) + "]"
		if msg := validateDigit(field+".digit", item.Digit); msg != "" {
			return msg
		}
		if seen[item.Digit] {
			return field + " duplicates digit " + strconv.Quote(item.Digit)
		}
		seen[item.Digit] = true
		if !validIVRActions[item.Action] {
			return field + " has unknown action " + strconv.Quote(item.Action)
		}
	}
	if req.TimeoutAction != nil && !validIVRActions[req.TimeoutAction.Action] {
		return "timeout_action has unknown action " + strconv.Quote(req.TimeoutAction.Action)
	}
	return ""
}

// toModel splits the request into a menu row and its item rows.
func (req *ivrMenuRequest) toModel() (*models.IVRMenu, []models.IVRMenuItem, error) {
	row := &models.IVRMenu{
		MenuID:        req.MenuID,
		Name:          req.Name,
		WelcomePrompt: req.WelcomePrompt,
		InvalidPrompt: req.InvalidPrompt,
		TimeoutPrompt: req.TimeoutPrompt,
		TimeoutS:      req.TimeoutS,
		MaxRetries:    req.MaxRetries,
		Interruptible: req.Interruptible,
	}
	if req.TimeoutAction != nil {
		doc, err := json.Marshal(req.TimeoutAction)
		if err != nil {
			return nil, nil, err
		}
		row.TimeoutAction = string(doc)
	}

	items := make([]models.IVRMenuItem, len(req.Items))
	for i, item := range req.Items {
		items[i] = models.IVRMenuItem{
			MenuID:      req.MenuID,
			Digit:       item.Digit,
			Action:      item.Action,
			Description: item.Description,
			Target:      item.Target,
			PromptRef:   item.PromptRef,
			GotoMenuID:  item.GotoMenuID,
			Handler:     item.Handler,
			MaxDigits:   item.MaxDigits,
			Terminator:  item.Terminator,
		}
		if len(item.AIContext) > 0 {
			doc, err := json.Marshal(item.AIContext)
			if err != nil {
				return nil, nil, err
			}
			items[i].AIContext = string(doc)
		}
	}
	return row, items, nil
}

// ivrMenuResponse is one stored menu with its items.
type ivrMenuResponse struct {
	ivrMenuRequest
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toIVRMenuResponse(row *models.IVRMenu, items []models.IVRMenuItem) ivrMenuResponse {
	resp := ivrMenuResponse{
		ivrMenuRequest: ivrMenuRequest{
			MenuID:        row.MenuID,
			Name:          row.Name,
			WelcomePrompt: row.WelcomePrompt,
			InvalidPrompt: row.InvalidPrompt,
			TimeoutPrompt: row.TimeoutPrompt,
			TimeoutS:      row.TimeoutS,
			MaxRetries:    row.MaxRetries,
			Interruptible: row.Interruptible,
			Items:         make([]ivrItemBody, 0, len(items)),
		},
		CreatedAt: row.CreatedAt.Format(time.RFC3339),
		UpdatedAt: row.UpdatedAt.Format(time.RFC3339),
	}
	if row.TimeoutAction != "" {
		var body ivrItemBody
		if err := json.Unmarshal([]byte(row.TimeoutAction), &body); err == nil {
			resp.TimeoutAction = &body
		}
	}
	for _, ir := range items {
		body := ivrItemBody{
			Digit:       ir.Digit,
			Action:      ir.Action,
			Description: ir.Description,
			Target:      ir.Target,
			PromptRef:   ir.PromptRef,
			GotoMenuID:  ir.GotoMenuID,
			Handler:     ir.Handler,
			MaxDigits:   ir.MaxDigits,
			Terminator:  ir.Terminator,
		}
		if ir.AIContext != "" {
			json.Unmarshal([]byte(ir.AIContext), &body.AIContext) //nolint:errcheck
		}
		resp.Items = append(resp.Items, body)
	}
	return resp
}

// handleListIVRMenus returns all stored menus without their items.
func (s *Server) handleListIVRMenus(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Provision.IVRMenus.List(r.Context())
	if err != nil {
		slog.Error("list ivr menus: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	type menuSummary struct {
		MenuID    string `json:"menu_id"`
		Name      string `json:"name"`
		UpdatedAt string `json:"updated_at"`
	}
	items := make([]menuSummary, len(rows))
	for i, row := range rows {
		items[i] = menuSummary{
			MenuID:    row.MenuID,
			Name:      row.Name,
			UpdatedAt: row.UpdatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"menus": items, "count": len(items)})
}

// handleGetIVRMenu returns one menu with its digit items.
func (s *Server) handleGetIVRMenu(w http.ResponseWriter, r *http.Request) {
	menuID := chi.URLParam(r, "menuID")
	row, items, err := s.deps.Provision.IVRMenus.GetByMenuID(r.Context(), menuID)
	if err != nil {
		slog.Error("get ivr menu: failed to query", "error", err, "menu_id", menuID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "ivr menu not found")
		return
	}
	writeJSON(w, http.StatusOK, toIVRMenuResponse(row, items))
}

// handleCreateIVRMenu stores a menu and reloads the live engine.
func (s *Server) handleCreateIVRMenu(w http.ResponseWriter, r *http.Request) {
	var req ivrMenuRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	existing, _, err := s.deps.Provision.IVRMenus.GetByMenuID(r.Context(), req.MenuID)
	if err != nil {
		slog.Error("create ivr menu: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "a menu with this id already exists")
		return
	}

	row, items, err := req.toModel()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid menu payload")
		return
	}
	// The engine validates item wiring (goto targets, collect bounds)
	// at registration; run it against a copy before the store write.
	if _, err := provision.IVRMenuFromModel(row, items); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Provision.IVRMenus.Create(r.Context(), row, items); err != nil {
		slog.Error("create ivr menu: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !s.reloadIVR(w, r, "create ivr menu") {
		return
	}
	slog.Info("created ivr menu", "menu_id", req.MenuID, "items", len(items))
	writeJSON(w, http.StatusCreated, toIVRMenuResponse(row, items))
}

// handleUpdateIVRMenu replaces a stored menu and its items, then
// reloads the live engine.
func (s *Server) handleUpdateIVRMenu(w http.ResponseWriter, r *http.Request) {
	menuID := chi.URLParam(r, "menuID")
	var req ivrMenuRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	req.MenuID = menuID
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	existing, _, err := s.deps.Provision.IVRMenus.GetByMenuID(r.Context(), menuID)
	if err != nil {
		slog.Error("update ivr menu: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "ivr menu not found")
		return
	}

	row, items, err := req.toModel()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid menu payload")
		return
	}
	row.ID = existing.ID
	if _, err := provision.IVRMenuFromModel(row, items); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Provision.IVRMenus.Update(r.Context(), row, items); err != nil {
		slog.Error("update ivr menu: failed to update", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !s.reloadIVR(w, r, "update ivr menu") {
		return
	}
	writeJSON(w, http.StatusOK, toIVRMenuResponse(row, items))
}

// handleDeleteIVRMenu removes a stored menu and reloads the live
// engine. Sessions currently inside the menu run to their next digit,
// which will fail to resolve and end the session.
func (s *Server) handleDeleteIVRMenu(w http.ResponseWriter, r *http.Request) {
	menuID := chi.URLParam(r, "menuID")
	removed, err := s.deps.Provision.IVRMenus.Delete(r.Context(), menuID)
	if err != nil {
		slog.Error("delete ivr menu: failed to delete", "error", err, "menu_id", menuID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "ivr menu not found")
		return
	}
	if !s.reloadIVR(w, r, "delete ivr menu") {
		return
	}
	slog.Info("deleted ivr menu", "menu_id", menuID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "menu_id": menuID})
}

func (s *Server) reloadIVR(w http.ResponseWriter, r *http.Request, op string) bool {
	err := provision.LoadIVRMenus(r.Context(), s.deps.Provision.IVRMenus, s.deps.Registries.Menus)
	if err != nil {
		slog.Error("failed to reload ivr menus", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "menu stored but live reload failed")
		return false
	}
	return true
}
