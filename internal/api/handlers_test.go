package api

import (
	"net/http"
	"strconv"
	"testing"
)

// Provisioning endpoints must land in both the store and the live
// registries; these tests assert convergence after each write.

func TestRoutingRuleCreateAppliesLive(t *testing.T) {
	s := newTestServer(t)
	token := adminToken(t)

	rec := do(t, s, http.MethodPost, "/api/v1/routing/rules", token, map[string]any{
		"name":           "block-spam",
		"priority":       10,
		"enabled":        true,
		"caller_pattern": `^\+1900`,
		"action":         "reject",
		"reason":         "premium_rate",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created routingRuleResponse
	decodeData(t, rec, &created)
	if created.ID == 0 {
		t.Fatal("create returned no id")
	}

	found := false
	for _, rule := range s.deps.Registries.Router.Rules() {
		if rule.Name == "block-spam" {
			found = true
		}
	}
	if !found {
		t.Fatal("rule not in live router after create")
	}

	// Duplicate name is rejected.
	rec = do(t, s, http.MethodPost, "/api/v1/routing/rules", token, map[string]any{
		"name": "block-spam", "action": "accept", "enabled": true,
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate create: status = %d, want 409", rec.Code)
	}

	rec = do(t, s, http.MethodDelete, "/api/v1/routing/rules/"+strconv.FormatInt(created.ID, 10), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d, body %s", rec.Code, rec.Body.String())
	}
	for _, rule := range s.deps.Registries.Router.Rules() {
		if rule.Name == "block-spam" {
			t.Fatal("rule still in live router after delete")
		}
	}
}

func TestRoutingRuleBadRegexRejected(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/routing/rules", adminToken(t), map[string]any{
		"name": "broken", "action": "accept", "enabled": true, "caller_pattern": "(",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestBlacklistAppliesLive(t *testing.T) {
	s := newTestServer(t)
	token := adminToken(t)

	rec := do(t, s, http.MethodPost, "/api/v1/routing/blacklist", token, map[string]string{
		"number": "+15559990000", "reason": "abuse",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add: status = %d, body %s", rec.Code, rec.Body.String())
	}
	if d := s.deps.Registries.Router.Route("+15559990000", "+15550000001"); d.Action != "reject" {
		t.Errorf("blacklisted caller routed %q, want reject", d.Action)
	}

	rec = do(t, s, http.MethodDelete, "/api/v1/routing/blacklist/+15559990000", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("remove: status = %d", rec.Code)
	}
	if d := s.deps.Registries.Router.Route("+15559990000", "+15550000001"); d.Action != "accept" {
		t.Errorf("caller routed %q after unblacklist, want accept", d.Action)
	}
}

func TestDTMFPatternCreateAppliesLive(t *testing.T) {
	s := newTestServer(t)
	token := adminToken(t)

	rec := do(t, s, http.MethodPost, "/api/v1/dtmf/patterns", token, map[string]any{
		"pattern":         "*0",
		"action":          "transfer_call",
		"enabled":         true,
		"transfer_target": "sip:operator@example.com",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created dtmfPatternResponse
	decodeData(t, rec, &created)

	found := false
	for _, p := range s.deps.Registries.Patterns.Patterns() {
		if p.Pattern == "*0" {
			found = true
		}
	}
	if !found {
		t.Fatal("pattern not in live processor after create")
	}

	// Missing action parameter is rejected before anything is stored.
	rec = do(t, s, http.MethodPost, "/api/v1/dtmf/patterns", token, map[string]any{
		"pattern": "*1", "action": "transfer_call", "enabled": true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("transfer without target: status = %d, want 400", rec.Code)
	}

	rec = do(t, s, http.MethodDelete, "/api/v1/dtmf/patterns/"+strconv.FormatInt(created.ID, 10), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	for _, p := range s.deps.Registries.Patterns.Patterns() {
		if p.Pattern == "*0" {
			t.Fatal("pattern still live after delete")
		}
	}
}

func TestIVRMenuCreateAppliesLive(t *testing.T) {
	s := newTestServer(t)
	token := adminToken(t)

	body := map[string]any{
		"menu_id":        "main",
		"name":           "Main Menu",
		"welcome_prompt": "welcome",
		"items": []map[string]any{
			{"digit": "1", "action": "forward_to_ai"},
			{"digit": "2", "action": "transfer_call", "target": "sip:sales@example.com"},
			{"digit": "0", "action": "hangup_call"},
		},
	}
	rec := do(t, s, http.MethodPost, "/api/v1/ivr/menus", token, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", rec.Code, rec.Body.String())
	}

	found := false
	for _, id := range s.deps.Registries.Menus.MenuIDs() {
		if id == "main" {
			found = true
		}
	}
	if !found {
		t.Fatal("menu not in live engine after create")
	}

	rec = do(t, s, http.MethodGet, "/api/v1/ivr/menus/main", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}

	// Duplicate digit in one menu is invalid.
	body["menu_id"] = "dup"
	body["items"] = []map[string]any{
		{"digit": "1", "action": "forward_to_ai"},
		{"digit": "1", "action": "hangup_call"},
	}
	rec = do(t, s, http.MethodPost, "/api/v1/ivr/menus", token, body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("duplicate digit: status = %d, want 400", rec.Code)
	}

	rec = do(t, s, http.MethodDelete, "/api/v1/ivr/menus/main", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	for _, id := range s.deps.Registries.Menus.MenuIDs() {
		if id == "main" {
			t.Fatal("menu still live after delete")
		}
	}
}

func TestSMSRuleCreateAppliesLive(t *testing.T) {
	s := newTestServer(t)
	token := adminToken(t)

	rec := do(t, s, http.MethodPost, "/api/v1/sms/rules", token, map[string]any{
		"name":           "auto-ack",
		"pattern":        "(?i)help",
		"action":         "auto_reply",
		"enabled":        true,
		"match_content":  true,
		"reply_template": "support_ack",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", rec.Code, rec.Body.String())
	}

	rules := s.deps.Registries.Messages.Rules()
	found := ""
	for _, rule := range rules {
		if rule.Name == "auto-ack" {
			found = rule.ID
		}
	}
	if found == "" {
		t.Fatal("rule not in live processor after create")
	}

	rec = do(t, s, http.MethodDelete, "/api/v1/sms/rules/"+found, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d, body %s", rec.Code, rec.Body.String())
	}
	for _, rule := range s.deps.Registries.Messages.Rules() {
		if rule.Name == "auto-ack" {
			t.Fatal("rule still live after delete")
		}
	}
}

func TestSMSTemplateSetAndDelete(t *testing.T) {
	s := newTestServer(t)
	token := adminToken(t)

	rec := do(t, s, http.MethodPut, "/api/v1/sms/templates/support_ack", token, map[string]string{
		"text": "Thanks {from}, an agent will reply shortly.",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("set: status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/api/v1/sms/templates", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var data struct {
		Count int `json:"count"`
	}
	decodeData(t, rec, &data)
	if data.Count != 1 {
		t.Errorf("template count = %d, want 1", data.Count)
	}

	rec = do(t, s, http.MethodDelete, "/api/v1/sms/templates/support_ack", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	rec = do(t, s, http.MethodDelete, "/api/v1/sms/templates/support_ack", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete missing: status = %d, want 404", rec.Code)
	}
}

func TestBlockedSenderAppliesLive(t *testing.T) {
	s := newTestServer(t)
	token := adminToken(t)

	rec := do(t, s, http.MethodPost, "/api/v1/sms/blocked", token, map[string]string{
		"number": "+15558887777", "reason": "spam",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("block: status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !s.deps.Registries.Messages.Blocked("+15558887777") {
		t.Fatal("number not blocked in live processor")
	}

	rec = do(t, s, http.MethodDelete, "/api/v1/sms/blocked/+15558887777", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unblock: status = %d", rec.Code)
	}
	if s.deps.Registries.Messages.Blocked("+15558887777") {
		t.Fatal("number still blocked after unblock")
	}
}

func TestMohSourceCreateAppliesLive(t *testing.T) {
	s := newTestServer(t)
	token := adminToken(t)

	rec := do(t, s, http.MethodPost, "/api/v1/moh/sources", token, map[string]any{
		"source_id":    "hold-tone",
		"name":         "Hold Tone",
		"type":         "generated",
		"generator":    "tone",
		"frequency_hz": 440,
		"loop":         true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !s.deps.Music.HasSource("hold-tone") {
		t.Fatal("source not registered after create")
	}

	// A file source pointing nowhere fails audio load and must not be
	// stored.
	rec = do(t, s, http.MethodPost, "/api/v1/moh/sources", token, map[string]any{
		"source_id": "ghost",
		"name":      "Ghost",
		"type":      "file",
		"location":  "/nonexistent/audio.wav",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad file source: status = %d, want 422", rec.Code)
	}
	if s.deps.Music.HasSource("ghost") {
		t.Error("failed source left registered")
	}

	rec = do(t, s, http.MethodDelete, "/api/v1/moh/sources/hold-tone", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	if s.deps.Music.HasSource("hold-tone") {
		t.Fatal("source still registered after delete")
	}
}

func TestSendSMSQueued(t *testing.T) {
	s := newTestServer(t)
	token := adminToken(t)

	rec := do(t, s, http.MethodPost, "/api/v1/sms", token, map[string]string{
		"from": "+15550001111", "to": "+15552220000", "body": "hello",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("send: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var msg struct {
		ID string `json:"message_id"`
	}
	decodeData(t, rec, &msg)
	if msg.ID == "" {
		t.Fatal("send returned no message id")
	}

	rec = do(t, s, http.MethodGet, "/api/v1/sms/"+msg.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/sms/"+msg.ID+"/cancel", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestSystemReload(t *testing.T) {
	s := newTestServer(t)
	token := adminToken(t)

	// Seed one rule through the API, wipe the live router, then reload.
	rec := do(t, s, http.MethodPost, "/api/v1/routing/rules", token, map[string]any{
		"name": "survivor", "action": "accept", "enabled": true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", rec.Code)
	}
	s.deps.Registries.Router.RemoveRule("survivor")

	rec = do(t, s, http.MethodPost, "/api/v1/system/reload", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reload: status = %d, body %s", rec.Code, rec.Body.String())
	}
	found := false
	for _, rule := range s.deps.Registries.Router.Rules() {
		if rule.Name == "survivor" {
			found = true
		}
	}
	if !found {
		t.Fatal("rule not restored by reload")
	}
}
