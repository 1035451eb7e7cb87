package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/voicebridge/voicebridge/internal/provision"
	"github.com/voicebridge/voicebridge/internal/sms"
	"github.com/voicebridge/voicebridge/internal/store"
	"github.com/voicebridge/voicebridge/internal/store/models"
)

// handleSendSMS queues an outbound message.
func (s *Server) handleSendSMS(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From       string `json:"from"`
		To         string `json:"to"`
		Body       string `json:"body"`
		Priority   string `json:"priority,omitempty"`
		WebhookURL string `json:"webhook_url,omitempty"`
	}
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateNumber("from", req.From); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateNumber("to", req.To); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateRequiredStringLen("body", req.Body, maxBodyLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	message, err := s.deps.Messages.Send(req.From, req.To, req.Body, sms.SendOptions{
		Priority:   sms.ParsePriority(req.Priority),
		WebhookURL: req.WebhookURL,
	})
	if err != nil {
		slog.Warn("sms send rejected", "from", req.From, "to", req.To, "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, message)
}

// handleSMSHistory lists archived messages with pagination and optional
// filters. Query params: limit, offset, search, direction, status,
// start_date, end_date.
func (s *Server) handleSMSHistory(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	q := r.URL.Query()
	if msg := validateDirection(q.Get("direction")); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	filter := store.SMSArchiveFilter{
		Limit:     pg.Limit,
		Offset:    pg.Offset,
		Search:    q.Get("search"),
		Direction: q.Get("direction"),
		Status:    q.Get("status"),
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}

	recs, total, err := s.deps.Archive.List(r.Context(), filter)
	if err != nil {
		slog.Error("sms history: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]smsRecordResponse, len(recs))
	for i := range recs {
		items[i] = toSMSRecordResponse(&recs[i])
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// smsRecordResponse is one archived message.
type smsRecordResponse struct {
	MessageID      string  `json:"message_id"`
	Direction      string  `json:"direction"`
	FromNumber     string  `json:"from_number"`
	ToNumber       string  `json:"to_number"`
	Body           string  `json:"body"`
	Status         string  `json:"status"`
	Encoding       string  `json:"encoding"`
	Segments       int     `json:"segments"`
	ConversationID string  `json:"conversation_id,omitempty"`
	RetryCount     int     `json:"retry_count"`
	LastError      string  `json:"last_error,omitempty"`
	CreatedAt      string  `json:"created_at"`
	SentAt         *string `json:"sent_at,omitempty"`
	DeliveredAt    *string `json:"delivered_at,omitempty"`
}

func toSMSRecordResponse(rec *models.SMSRecord) smsRecordResponse {
	return smsRecordResponse{
		MessageID:      rec.MessageID,
		Direction:      rec.Direction,
		FromNumber:     rec.FromNumber,
		ToNumber:       rec.ToNumber,
		Body:           rec.Body,
		Status:         rec.Status,
		Encoding:       rec.Encoding,
		Segments:       rec.Segments,
		ConversationID: rec.ConversationID,
		RetryCount:     rec.RetryCount,
		LastError:      rec.LastError,
		CreatedAt:      rec.CreatedAt.Format(time.RFC3339),
		SentAt:         formatTimePtr(rec.SentAt),
		DeliveredAt:    formatTimePtr(rec.DeliveredAt),
	}
}

// handleGetSMS returns one message, live if the manager still tracks
// it, otherwise from the archive.
func (s *Server) handleGetSMS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if message, ok := s.deps.Messages.Get(id); ok {
		writeJSON(w, http.StatusOK, message)
		return
	}

	rec, err := s.deps.Archive.GetByMessageID(r.Context(), id)
	if err != nil {
		slog.Error("get sms: failed to query archive", "error", err, "message_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, toSMSRecordResponse(rec))
}

// handleCancelSMS cancels a message that has not left the queue.
func (s *Server) handleCancelSMS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deps.Messages.Cancel(id) {
		writeError(w, http.StatusConflict, "message is not cancellable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": id, "status": "cancelled"})
}

// smsRuleRequest is the JSON body for creating or updating a message
// rule.
type smsRuleRequest struct {
	RuleID          string          `json:"rule_id,omitempty"`
	Name            string          `json:"name"`
	Pattern         string          `json:"pattern"`
	Action          string          `json:"action"`
	Priority        int             `json:"priority"`
	Enabled         bool            `json:"enabled"`
	MatchContent    bool            `json:"match_content"`
	MatchSender     bool            `json:"match_sender"`
	CaseSensitive   bool            `json:"case_sensitive"`
	ReplyTemplate   string          `json:"reply_template,omitempty"`
	ForwardTo       string          `json:"forward_to,omitempty"`
	AIContext       map[string]any  `json:"ai_context,omitempty"`
	Handler         string          `json:"handler,omitempty"`
	Window          *sms.TimeWindow `json:"window,omitempty"`
	SenderWhitelist []string        `json:"sender_whitelist,omitempty"`
	SenderBlacklist []string        `json:"sender_blacklist,omitempty"`
}

func (req *smsRuleRequest) validate() string {
	if msg := validateRequiredStringLen("name", req.Name, maxNameLen); msg != "" {
		return msg
	}
	if msg := validatePattern("pattern", req.Pattern); msg != "" {
		return msg
	}
	switch sms.Action(req.Action) {
	case sms.ActionForwardAI, sms.ActionAutoReply, sms.ActionForwardNumber,
		sms.ActionBlockSender, sms.ActionTriggerCall, sms.ActionStoreOnly,
		sms.ActionCustom:
	default:
		return "unknown action " + strconv.Quote(req.Action)
	}
	switch sms.Action(req.Action) {
	case sms.ActionAutoReply:
		if req.ReplyTemplate == "" {
			return "reply_template is required for auto_reply"
		}
	case sms.ActionForwardNumber:
		if msg := validateNumber("forward_to", req.ForwardTo); msg != "" {
			return msg
		}
	case sms.ActionCustom:
		if req.Handler == "" {
			return "handler is required for custom"
		}
	}
	return ""
}

func (req *smsRuleRequest) toModel() (*models.SMSRule, error) {
	row := &models.SMSRule{
		RuleID:        req.RuleID,
		Name:          req.Name,
		Pattern:       req.Pattern,
		Action:        req.Action,
		Priority:      req.Priority,
		Enabled:       req.Enabled,
		MatchContent:  req.MatchContent,
		MatchSender:   req.MatchSender,
		CaseSensitive: req.CaseSensitive,
		ReplyTemplate: req.ReplyTemplate,
		ForwardTo:     req.ForwardTo,
		Handler:       req.Handler,
	}
	for _, field := range []struct {
		value any
		dst   *string
		skip  bool
	}{
		{req.AIContext, &row.AIContext, len(req.AIContext) == 0},
		{req.Window, &row.TimeWindow, req.Window == nil},
		{req.SenderWhitelist, &row.SenderWhitelist, len(req.SenderWhitelist) == 0},
		{req.SenderBlacklist, &row.SenderBlacklist, len(req.SenderBlacklist) == 0},
	} {
		if field.skip {
			continue
		}
		doc, err := json.Marshal(field.value)
		if err != nil {
			return nil, err
		}
		*field.dst = string(doc)
	}
	return row, nil
}

// smsRuleResponse is one stored message rule.
type smsRuleResponse struct {
	smsRuleRequest
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toSMSRuleResponse(row *models.SMSRule) smsRuleResponse {
	resp := smsRuleResponse{
		smsRuleRequest: smsRuleRequest{
			RuleID:        row.RuleID,
			Name:          row.Name,
			Pattern:       row.Pattern,
			Action:        row.Action,
			Priority:      row.Priority,
			Enabled:       row.Enabled,
			MatchContent:  row.MatchContent,
			MatchSender:   row.MatchSender,
			CaseSensitive: row.CaseSensitive,
			ReplyTemplate: row.ReplyTemplate,
			ForwardTo:     row.ForwardTo,
			Handler:       row.Handler,
		},
		CreatedAt: row.CreatedAt.Format(time.RFC3339),
		UpdatedAt: row.UpdatedAt.Format(time.RFC3339),
	}
	if row.AIContext != "" {
		json.Unmarshal([]byte(row.AIContext), &resp.AIContext) //nolint:errcheck
	}
	if row.TimeWindow != "" {
		var window sms.TimeWindow
		if err := json.Unmarshal([]byte(row.TimeWindow), &window); err == nil {
			resp.Window = &window
		}
	}
	if row.SenderWhitelist != "" {
		json.Unmarshal([]byte(row.SenderWhitelist), &resp.SenderWhitelist) //nolint:errcheck
	}
	if row.SenderBlacklist != "" {
		json.Unmarshal([]byte(row.SenderBlacklist), &resp.SenderBlacklist) //nolint:errcheck
	}
	return resp
}

// handleListSMSRules returns all stored message rules.
func (s *Server) handleListSMSRules(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Provision.SMSRules.List(r.Context())
	if err != nil {
		slog.Error("list sms rules: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	items := make([]smsRuleResponse, len(rows))
	for i := range rows {
		items[i] = toSMSRuleResponse(&rows[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": items, "count": len(items)})
}

// handleCreateSMSRule stores a rule and reloads the live processor.
func (s *Server) handleCreateSMSRule(w http.ResponseWriter, r *http.Request) {
	var req smsRuleRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.RuleID == "" {
		req.RuleID = "rule_" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}

	existing, err := s.deps.Provision.SMSRules.GetByRuleID(r.Context(), req.RuleID)
	if err != nil {
		slog.Error("create sms rule: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "a rule with this id already exists")
		return
	}

	row, err := req.toModel()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule payload")
		return
	}
	if _, err := provision.SMSRuleFromModel(row); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Provision.SMSRules.Create(r.Context(), row); err != nil {
		slog.Error("create sms rule: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !s.reloadSMSRules(w, r, "create sms rule") {
		return
	}
	slog.Info("created sms rule", "rule_id", req.RuleID, "action", req.Action)
	writeJSON(w, http.StatusCreated, toSMSRuleResponse(row))
}

// handleUpdateSMSRule replaces a stored rule and reloads the live
// processor.
func (s *Server) handleUpdateSMSRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleID")
	var req smsRuleRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	req.RuleID = ruleID
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	existing, err := s.deps.Provision.SMSRules.GetByRuleID(r.Context(), ruleID)
	if err != nil {
		slog.Error("update sms rule: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "sms rule not found")
		return
	}

	row, err := req.toModel()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule payload")
		return
	}
	row.ID = existing.ID
	if _, err := provision.SMSRuleFromModel(row); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Provision.SMSRules.Update(r.Context(), row); err != nil {
		slog.Error("update sms rule: failed to update", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !s.reloadSMSRules(w, r, "update sms rule") {
		return
	}
	writeJSON(w, http.StatusOK, toSMSRuleResponse(row))
}

// handleDeleteSMSRule removes a stored rule and reloads the live
// processor.
func (s *Server) handleDeleteSMSRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleID")
	removed, err := s.deps.Provision.SMSRules.Delete(r.Context(), ruleID)
	if err != nil {
		slog.Error("delete sms rule: failed to delete", "error", err, "rule_id", ruleID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "sms rule not found")
		return
	}
	if !s.reloadSMSRules(w, r, "delete sms rule") {
		return
	}
	slog.Info("deleted sms rule", "rule_id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "rule_id": ruleID})
}

func (s *Server) reloadSMSRules(w http.ResponseWriter, r *http.Request, op string) bool {
	err := provision.LoadSMSRules(r.Context(), s.deps.Provision.SMSRules, s.deps.Registries.Messages)
	if err != nil {
		slog.Error("failed to reload sms rules", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "rule stored but live reload failed")
		return false
	}
	return true
}

// template handlers

// handleListSMSTemplates returns all stored auto-reply templates.
func (s *Server) handleListSMSTemplates(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Provision.SMSTemplates.List(r.Context())
	if err != nil {
		slog.Error("list sms templates: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	type templateEntry struct {
		Name      string `json:"name"`
		Text      string `json:"text"`
		UpdatedAt string `json:"updated_at"`
	}
	items := make([]templateEntry, len(rows))
	for i, row := range rows {
		items[i] = templateEntry{
			Name:      row.Name,
			Text:      row.Text,
			UpdatedAt: row.UpdatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": items, "count": len(items)})
}

// handleSetSMSTemplate creates or replaces a named template. Templates
// support {from}, {to} and {body} placeholders.
func (s *Server) handleSetSMSTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if msg := validateRequiredStringLen("name", name, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateRequiredStringLen("text", req.Text, maxBodyLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateNoControlChars("text", req.Text); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := s.deps.Provision.SMSTemplates.Set(r.Context(), name, req.Text); err != nil {
		slog.Error("set sms template: failed to upsert", "error", err, "name", name)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.deps.Registries.Messages.AddTemplate(name, req.Text)
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "stored"})
}

// handleDeleteSMSTemplate removes a template from the store and the
// live processor. Rules referencing it fall back to echoing the
// template name.
func (s *Server) handleDeleteSMSTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	removed, err := s.deps.Provision.SMSTemplates.Delete(r.Context(), name)
	if err != nil {
		slog.Error("delete sms template: failed to delete", "error", err, "name", name)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}
	s.deps.Registries.Messages.RemoveTemplate(name)
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "deleted"})
}

// blocked sender handlers

// handleListBlockedSenders returns all blocked numbers.
func (s *Server) handleListBlockedSenders(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Provision.BlockedSenders.List(r.Context())
	if err != nil {
		slog.Error("list blocked senders: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	type blockedEntry struct {
		Number  string `json:"number"`
		Reason  string `json:"reason,omitempty"`
		AddedAt string `json:"added_at"`
	}
	items := make([]blockedEntry, len(rows))
	for i, row := range rows {
		items[i] = blockedEntry{
			Number:  row.Number,
			Reason:  row.Reason,
			AddedAt: row.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked": items, "count": len(items)})
}

// handleBlockSender bars a number from the messaging plane, effective
// immediately.
func (s *Server) handleBlockSender(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Number string `json:"number"`
		Reason string `json:"reason,omitempty"`
	}
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateNumber("number", req.Number); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateStringLen("reason", req.Reason, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := s.deps.Provision.BlockedSenders.Add(r.Context(), req.Number, req.Reason); err != nil {
		slog.Error("block sender: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.deps.Registries.Messages.Block(req.Number)
	slog.Info("blocked sender", "number", req.Number)
	writeJSON(w, http.StatusCreated, map[string]string{"number": req.Number, "status": "blocked"})
}

// handleUnblockSender removes a messaging block.
func (s *Server) handleUnblockSender(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	removed, err := s.deps.Provision.BlockedSenders.Remove(r.Context(), number)
	if err != nil {
		slog.Error("unblock sender: failed to delete", "error", err, "number", number)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "number is not blocked")
		return
	}
	s.deps.Registries.Messages.Unblock(number)
	writeJSON(w, http.StatusOK, map[string]string{"number": number, "status": "unblocked"})
}
