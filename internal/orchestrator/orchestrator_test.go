package orchestrator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mindweave/mindweave/ai-core/internal/aiconfig"
	"github.com/mindweave/mindweave/ai-core/internal/aiservice"
	"github.com/mindweave/mindweave/ai-core/internal/kv"
	"github.com/mindweave/mindweave/ai-core/internal/orchestrator"
	"github.com/mindweave/mindweave/ai-core/pkg/models"
)

const validKey = "sk-test0123456789abcdefghij"

// fakeBackend serves the OpenAI-compatible surface the facade expects:
// GET /models for health checks and POST /chat/completions for generation.
func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /models", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	})
	mux.HandleFunc("POST /chat/completions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-1",
			"model": "gpt-4o",
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": "pong"},
				"finish_reason": "stop",
			}},
			"usage": map[string]int64{"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newOrchestrator(t *testing.T, baseURL string) (*orchestrator.Orchestrator, *aiconfig.Store) {
	t.Helper()
	backing := kv.NewMemoryStore("")
	t.Cleanup(func() { backing.Close() })
	store := aiconfig.NewStore(backing)
	o := orchestrator.New(context.Background(), store, aiservice.Options{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	})
	t.Cleanup(o.Close)
	return o, store
}

// ─── Initialization ──────────────────────────────────────────

func TestInitialize_MalformedCredential(t *testing.T) {
	o, store := newOrchestrator(t, "http://unused")

	if o.Initialize(context.Background(), "bad-key") {
		t.Fatal("Initialize() = true for malformed credential")
	}
	if o.IsInitialized() {
		t.Error("IsInitialized() = true after rejected credential")
	}

	last := o.LastError()
	if last == nil || last.Code != models.ErrCodeInvalidAPIKey {
		t.Errorf("LastError() = %+v, want invalid_api_key", last)
	}

	// The rejected credential never reached the store.
	if _, ok := store.Current(); ok {
		t.Error("configuration present after rejected credential")
	}
	if status := o.ConfigurationStatus(); status.Configured {
		t.Errorf("ConfigurationStatus() = %+v", status)
	}
}

func TestInitialize_Success(t *testing.T) {
	backend := fakeBackend(t)
	o, store := newOrchestrator(t, backend.URL)

	if !o.Initialize(context.Background(), validKey) {
		t.Fatalf("Initialize() = false, LastError = %+v", o.LastError())
	}
	if !o.IsInitialized() {
		t.Error("IsInitialized() = false after successful setup")
	}
	if _, ok := store.Current(); !ok {
		t.Error("credential not committed to the configuration store")
	}

	resp, err := o.Generate(context.Background(), models.GenerateRequest{
		Action:   models.ActionChat,
		Messages: []models.ChatMessage{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Content != "pong" {
		t.Errorf("Content = %q", resp.Content)
	}
	if stats := o.UsageStats(); stats.TotalRequests != 1 {
		t.Errorf("TotalRequests = %d, want 1", stats.TotalRequests)
	}
}

func TestInitialize_BackendUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	o, _ := newOrchestrator(t, dead.URL)

	if o.Initialize(context.Background(), validKey) {
		t.Fatal("Initialize() = true with unreachable backend")
	}
	if o.IsInitialized() {
		t.Error("IsInitialized() = true after failed health check")
	}
	last := o.LastError()
	if last == nil || last.Code != models.ErrCodeNetwork {
		t.Errorf("LastError() = %+v, want network_error", last)
	}
}

func TestUninitialized_GenerateFails(t *testing.T) {
	o, _ := newOrchestrator(t, "http://unused")

	_, err := o.Generate(context.Background(), models.GenerateRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "ping"}},
	})
	if err == nil {
		t.Fatal("Generate() succeeded without initialization")
	}

	// Safe no-ops and sensible fallbacks while uninitialized.
	o.Cancel("anything")
	if got := o.ActiveRequestCount(); got != 0 {
		t.Errorf("ActiveRequestCount() = %d", got)
	}
	if got := o.SelectOptimalModel(models.ActionChat); got == "" {
		t.Error("SelectOptimalModel() empty without a facade")
	}
}

// ─── Hydration ───────────────────────────────────────────────

func TestNew_HydratesFromStorage(t *testing.T) {
	backend := fakeBackend(t)

	backing := kv.NewMemoryStore("")
	t.Cleanup(func() { backing.Close() })
	seed := aiconfig.NewStore(backing)
	if !seed.SetAPIKey(context.Background(), validKey) {
		t.Fatal("seed SetAPIKey() failed")
	}

	store := aiconfig.NewStore(backing)
	o := orchestrator.New(context.Background(), store, aiservice.Options{BaseURL: backend.URL})
	t.Cleanup(o.Close)

	if !o.IsInitialized() {
		t.Fatal("IsInitialized() = false after hydration from storage")
	}
	if _, err := o.Generate(context.Background(), models.GenerateRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "ping"}},
	}); err != nil {
		t.Errorf("Generate() error = %v", err)
	}
}

// ─── Live configuration ──────────────────────────────────────

func TestConfigUpdate_AppliedToLiveFacade(t *testing.T) {
	backend := fakeBackend(t)
	o, _ := newOrchestrator(t, backend.URL)
	o.Initialize(context.Background(), validKey)

	statsBefore := o.UsageStats()

	if !o.ApplyPreset(context.Background(), "quality") {
		t.Fatal("ApplyPreset(quality) = false")
	}
	if got := o.SelectOptimalModel("untyped_action"); got != "gpt-4o" {
		t.Errorf("model after preset = %q, want %q", got, "gpt-4o")
	}

	// Same credential: the facade survives and keeps its counters.
	if stats := o.UsageStats(); stats.Since != statsBefore.Since {
		t.Error("usage statistics reset by a non-credential update")
	}
}

func TestCredentialChange_ReplacesFacade(t *testing.T) {
	backend := fakeBackend(t)
	o, _ := newOrchestrator(t, backend.URL)
	o.Initialize(context.Background(), validKey)

	if _, err := o.Generate(context.Background(), models.GenerateRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "ping"}},
	}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if stats := o.UsageStats(); stats.TotalRequests != 1 {
		t.Fatalf("TotalRequests = %d", stats.TotalRequests)
	}

	if !o.Initialize(context.Background(), "sk-other9876543210zyxwvuts") {
		t.Fatalf("re-Initialize failed, LastError = %+v", o.LastError())
	}
	if stats := o.UsageStats(); stats.TotalRequests != 0 {
		t.Errorf("TotalRequests = %d after credential replacement, want 0", stats.TotalRequests)
	}
}

func TestUpdateConfig_InvalidPatchRejected(t *testing.T) {
	backend := fakeBackend(t)
	o, _ := newOrchestrator(t, backend.URL)
	o.Initialize(context.Background(), validKey)

	badTemp := -1.0
	if o.UpdateConfig(context.Background(), models.ConfigurationPatch{Temperature: &badTemp}) {
		t.Fatal("UpdateConfig() accepted an out-of-range temperature")
	}
	if !o.IsInitialized() {
		t.Error("rejected update disturbed the live facade")
	}
}

// ─── Latched errors ──────────────────────────────────────────

func TestLastError_LatchAndClear(t *testing.T) {
	o, _ := newOrchestrator(t, "http://unused")

	if o.LastError() != nil {
		t.Fatal("fresh orchestrator has a latched error")
	}

	o.Initialize(context.Background(), "nope")
	if o.LastError() == nil {
		t.Fatal("failure did not latch an error")
	}

	// Nothing clears the latch implicitly.
	o.ActiveRequestCount()
	o.ConfigurationStatus()
	if o.LastError() == nil {
		t.Error("passive reads cleared the latched error")
	}

	o.ClearError()
	if o.LastError() != nil {
		t.Error("ClearError() left the latch set")
	}
}

// ─── Events ──────────────────────────────────────────────────

func TestSubscribeEvents_LifecyclePush(t *testing.T) {
	backend := fakeBackend(t)
	o, _ := newOrchestrator(t, backend.URL)
	o.Initialize(context.Background(), validKey)

	events, unsubscribe := o.SubscribeEvents()
	defer unsubscribe()

	if _, err := o.Generate(context.Background(), models.GenerateRequest{
		RequestID: "evt-1",
		Messages:  []models.ChatMessage{{Role: "user", Content: "ping"}},
	}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	var got []models.RequestEvent
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("received %d events, want 2", len(got))
		}
	}

	if got[0].State != models.RequestIssued || got[0].RequestID != "evt-1" {
		t.Errorf("first event = %+v, want issued evt-1", got[0])
	}
	if got[0].ActiveRequests != 1 {
		t.Errorf("ActiveRequests on issue = %d, want 1", got[0].ActiveRequests)
	}
	if got[1].State != models.RequestCompleted || got[1].ActiveRequests != 0 {
		t.Errorf("second event = %+v, want completed with 0 active", got[1])
	}
}

func TestSubscribeEvents_UnsubscribeClosesChannel(t *testing.T) {
	o, _ := newOrchestrator(t, "http://unused")

	events, unsubscribe := o.SubscribeEvents()
	unsubscribe()
	unsubscribe() // idempotent

	if _, open := <-events; open {
		t.Error("channel still open after unsubscribe")
	}
}

// ─── Clear ───────────────────────────────────────────────────

func TestClear_DropsFacade(t *testing.T) {
	backend := fakeBackend(t)
	o, store := newOrchestrator(t, backend.URL)
	o.Initialize(context.Background(), validKey)

	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if o.IsInitialized() {
		t.Error("IsInitialized() = true after configuration clear")
	}
	if _, err := o.Generate(context.Background(), models.GenerateRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "ping"}},
	}); err == nil {
		t.Error("Generate() succeeded after configuration clear")
	}
}
