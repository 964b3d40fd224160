package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/logging"
)

const handlerSecret = "handler-secret"

func newTestServer(t *testing.T, env *testEnv) *httptest.Server {
	t.Helper()
	h := NewHandler(env.db, env.orch, env.orch.router.Health(), handlerSecret)
	m := auth.NewMiddleware(env.db, handlerSecret)

	r := chi.NewRouter()
	r.Use(logging.RequestID)
	h.PublicRoutes(r)
	h.AdminRoutes(r)
	r.Group(func(r chi.Router) {
		r.Use(m.Authenticate)
		h.Routes(r)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, bearer string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorType(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decode(t, resp, &body)
	return body.Error.Type
}

func TestGenerateEndpoint(t *testing.T) {
	env := newTestEnv(t, decimal.NewFromInt(1000))
	srv := newTestServer(t, env)

	resp := postJSON(t, srv.URL+"/v1/generate", "sk-test", GenerateRequest{
		Model: "test-model", Prompt: "hello there", MaxTokens: 100,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get(logging.HeaderRequestID) == "" {
		t.Error("missing X-Request-ID header")
	}

	var body GenerateResponse
	decode(t, resp, &body)
	if body.Content != "ok from a" || body.Provider != "a" {
		t.Errorf("unexpected body: %+v", body)
	}
	if body.CreditsUsed != "0.5" {
		t.Errorf("credits_used = %s, want 0.5", body.CreditsUsed)
	}
}

func TestGenerateEndpoint_RequiresAuth(t *testing.T) {
	env := newTestEnv(t, decimal.NewFromInt(1000))
	srv := newTestServer(t, env)

	resp := postJSON(t, srv.URL+"/v1/generate", "", GenerateRequest{Model: "test-model", Prompt: "hi"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGenerateEndpoint_InsufficientCredits(t *testing.T) {
	env := newTestEnv(t, decimal.NewFromInt(1))
	srv := newTestServer(t, env)

	resp := postJSON(t, srv.URL+"/v1/generate", "sk-test", GenerateRequest{Model: "test-model", Prompt: "hi"})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
	if got := errorType(t, resp); got != CodeInsufficientCredits {
		t.Errorf("error type = %s, want %s", got, CodeInsufficientCredits)
	}
}

func TestTokenExchange(t *testing.T) {
	env := newTestEnv(t, decimal.NewFromInt(1000))
	srv := newTestServer(t, env)

	resp := postJSON(t, srv.URL+"/auth/token", "", map[string]string{"license_key": "sk-test"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	decode(t, resp, &body)
	if body.AccessToken == "" || body.TokenType != "Bearer" {
		t.Fatalf("unexpected token body: %+v", body)
	}

	// The issued token must work for generate.
	resp = postJSON(t, srv.URL+"/v1/generate", body.AccessToken, GenerateRequest{
		Model: "test-model", Prompt: "hello", MaxTokens: 100,
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("generate with token: status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTokenExchange_UnknownKey(t *testing.T) {
	env := newTestEnv(t, decimal.NewFromInt(1000))
	srv := newTestServer(t, env)

	resp := postJSON(t, srv.URL+"/auth/token", "", map[string]string{"license_key": "sk-unknown"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestModelsEndpoint(t *testing.T) {
	env := newTestEnv(t, decimal.NewFromInt(1000))
	srv := newTestServer(t, env)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/models", nil)
	req.Header.Set("Authorization", "Bearer sk-test")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Models []struct {
			Model      string `json:"model"`
			Provider   string `json:"provider"`
			PricePer1K string `json:"price_per_1k"`
		} `json:"models"`
	}
	decode(t, resp, &body)
	if len(body.Models) != 2 {
		t.Fatalf("got %d models, want 2", len(body.Models))
	}
	if body.Models[0].Model != "test-model" || body.Models[0].PricePer1K != "5" {
		t.Errorf("unexpected first model: %+v", body.Models[0])
	}
}

func TestModelsEndpoint_HonorsTenantPolicy(t *testing.T) {
	env := newTestEnv(t, decimal.NewFromInt(1000))
	srv := newTestServer(t, env)

	// Restrict the tenant to provider b only.
	if err := env.db.Model(env.id.Tenant).Update("allowed_providers", `["b"]`).Error; err != nil {
		t.Fatalf("update tenant: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/models", nil)
	req.Header.Set("Authorization", "Bearer sk-test")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	var body struct {
		Models []struct {
			Provider string `json:"provider"`
		} `json:"models"`
	}
	decode(t, resp, &body)
	if len(body.Models) != 1 || body.Models[0].Provider != "b" {
		t.Errorf("models = %+v, want only provider b", body.Models)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, decimal.NewFromInt(1000))
	srv := newTestServer(t, env)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	decode(t, resp, &body)
	if body.Status != "ok" {
		t.Errorf("status field = %s, want ok", body.Status)
	}
}

func TestTopUpEndpoint(t *testing.T) {
	env := newTestEnv(t, decimal.NewFromInt(10))
	srv := newTestServer(t, env)

	resp := postJSON(t, srv.URL+"/admin/credits/topup", "", map[string]string{
		"tenant_id": env.id.Tenant.ID,
		"amount":    "250",
		"note":      "manual top-up",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		CreditsRemaining string `json:"credits_remaining"`
	}
	decode(t, resp, &body)
	if body.CreditsRemaining != "260" {
		t.Errorf("credits_remaining = %s, want 260", body.CreditsRemaining)
	}
}

func TestTopUpEndpoint_RejectsBadAmount(t *testing.T) {
	env := newTestEnv(t, decimal.NewFromInt(10))
	srv := newTestServer(t, env)

	for _, amount := range []string{"", "-5", "abc"} {
		resp := postJSON(t, srv.URL+"/admin/credits/topup", "", map[string]string{
			"tenant_id": env.id.Tenant.ID,
			"amount":    amount,
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("amount %q: status = %d, want 400", amount, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestUsageEndpoint(t *testing.T) {
	env := newTestEnv(t, decimal.NewFromInt(1000))
	srv := newTestServer(t, env)

	resp := postJSON(t, srv.URL+"/v1/generate", "sk-test", GenerateRequest{
		Model: "test-model", Prompt: "hello", MaxTokens: 100,
	})
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/admin/usage")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Stats struct {
			TotalRequests int64 `json:"total_requests"`
			SuccessCount  int64 `json:"success_count"`
		} `json:"stats"`
		Entries []json.RawMessage `json:"entries"`
	}
	decode(t, resp, &body)
	if body.Stats.TotalRequests != 1 || body.Stats.SuccessCount != 1 {
		t.Errorf("stats = %+v, want one successful request", body.Stats)
	}
	if len(body.Entries) != 1 {
		t.Errorf("entries = %d, want 1", len(body.Entries))
	}
}
