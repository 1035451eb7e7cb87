package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]string{"hello": "world"})

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var env struct {
		Data  map[string]string `json:"data"`
		Error string            `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Data["hello"] != "world" {
		t.Errorf("data = %v", env.Data)
	}
	if env.Error != "" {
		t.Errorf("error = %q, want empty", env.Error)
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusNotFound, "not found")

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	var env struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error != "not found" {
		t.Errorf("error = %q", env.Error)
	}
}

func TestReadJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"valid", `{"name":"a"}`, ""},
		{"empty body", ``, "request body must not be empty"},
		{"malformed", `{"name":`, "malformed json"},
		{"wrong type", `{"name":7}`, `invalid value for field "name"`},
		{"unknown field", `{"nope":"x"}`, `unknown field "nope"`},
		{"trailing content", `{"name":"a"}{"name":"b"}`, "request body must contain a single json object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst payload
			if msg := readJSON(req, &dst); msg != tt.wantMsg {
				t.Errorf("readJSON(%q) = %q, want %q", tt.body, msg, tt.wantMsg)
			}
		})
	}
}

func TestReadJSONTooLarge(t *testing.T) {
	big := `{"name":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))
	var dst struct {
		Name string `json:"name"`
	}
	if msg := readJSON(req, &dst); msg != "request body too large" {
		t.Errorf("readJSON = %q, want too-large error", msg)
	}
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    pagination
		wantMsg string
	}{
		{"defaults", "", pagination{Limit: defaultLimit}, ""},
		{"explicit", "limit=5&offset=10", pagination{Limit: 5, Offset: 10}, ""},
		{"clamped", "limit=5000", pagination{Limit: maxLimit}, ""},
		{"zero limit", "limit=0", pagination{Limit: defaultLimit}, "limit must be a positive integer"},
		{"negative offset", "offset=-1", pagination{Limit: defaultLimit}, "offset must be a non-negative integer"},
		{"garbage limit", "limit=abc", pagination{Limit: defaultLimit}, "limit must be a positive integer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			p, msg := parsePagination(req)
			if msg != tt.wantMsg {
				t.Fatalf("msg = %q, want %q", msg, tt.wantMsg)
			}
			if msg == "" && p != tt.want {
				t.Errorf("pagination = %+v, want %+v", p, tt.want)
			}
		})
	}
}

func TestPaginatedResponseShape(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, PaginatedResponse{
		Items:  []string{"a", "b"},
		Total:  12,
		Limit:  2,
		Offset: 0,
	})

	var env struct {
		Data struct {
			Items  []string `json:"items"`
			Total  int      `json:"total"`
			Limit  int      `json:"limit"`
			Offset int      `json:"offset"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(env.Data.Items) != 2 || env.Data.Total != 12 {
		t.Errorf("paginated payload = %+v", env.Data)
	}
}
