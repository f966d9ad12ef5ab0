package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"troupe/internal/adapter/backend"
	"troupe/internal/adapter/store"
	"troupe/internal/domain"
	"troupe/internal/infra/config"
	"troupe/internal/usecase/multiagent"
)

func testCast() multiagent.CastSpec {
	return multiagent.CastSpec{
		Characters: []multiagent.CharacterSpec{
			{Identity: domain.AgentIdentity{ID: "det", Name: "Detective", Description: "solves"}, SpeakingWillingness: 5},
			{Identity: domain.AgentIdentity{ID: "sus", Name: "Suspect", Description: "hides"}, SpeakingWillingness: 3},
			{Identity: domain.AgentIdentity{ID: "wit", Name: "Witness", Description: "saw"}, SpeakingWillingness: 7},
		},
		UserDispatcher:      domain.AgentIdentity{ID: "ud", Name: "UserDetector"},
		CharacterDispatcher: domain.AgentIdentity{ID: "cd", Name: "CharDetector"},
	}
}

type apiHarness struct {
	srv     *httptest.Server
	client  *http.Client
	backend *backend.ScriptedBackend
}

func newHarness(t *testing.T, b domain.ConversationalBackend) *apiHarness {
	t.Helper()
	factory, err := multiagent.NewCastFactory(testCast(), b, nil)
	if err != nil {
		t.Fatalf("NewCastFactory: %v", err)
	}
	svc := multiagent.NewService(multiagent.NewRegistry(factory, nil), store.NewMemoryTokenStore(), multiagent.ServiceConfig{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := NewHTTPServer(svc, config.HTTPConfig{
		CookieName: "sid",
		RateLimit:  config.RateLimitConfig{Enabled: true, RequestsPerMinute: 600, Burst: 100},
	}, nil)
	srv := httptest.NewServer(h.Handler(ctx))
	t.Cleanup(srv.Close)

	jar, _ := cookiejar.New(nil)
	harness := &apiHarness{srv: srv, client: &http.Client{Jar: jar}}
	if sb, ok := b.(*backend.ScriptedBackend); ok {
		harness.backend = sb
	}
	return harness
}

func newScriptedHarness(t *testing.T) *apiHarness {
	return newHarness(t, backend.NewScripted(nil, nil))
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(v)
	default:
		b, _ := json.Marshal(v)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func decodeInto(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func TestHTTP_Health(t *testing.T) {
	h := newScriptedHarness(t)
	resp, data := h.do(t, http.MethodGet, "/api/v1/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(data), `"ok"`) {
		t.Errorf("body = %s", data)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestHTTP_AgentsIssuesSessionCookieOnce(t *testing.T) {
	h := newScriptedHarness(t)

	resp, data := h.do(t, http.MethodGet, "/api/v1/agents", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	if len(resp.Cookies()) != 1 || resp.Cookies()[0].Name != "sid" {
		t.Fatalf("cookies = %v, want one sid cookie", resp.Cookies())
	}
	if !resp.Cookies()[0].HttpOnly {
		t.Error("session cookie should be HttpOnly")
	}

	var view multiagent.AgentsView
	decodeInto(t, data, &view)
	if len(view.Agents) != 3 || view.Agents[0].ID != "det" || view.Agents[2].SpeakingWillingness != 7 {
		t.Errorf("agents = %+v", view.Agents)
	}
	if view.Dispatcher.ID != "ud" || view.CharacterDispatcher.ID != "cd" {
		t.Errorf("dispatchers = %+v / %+v", view.Dispatcher, view.CharacterDispatcher)
	}

	resp, _ = h.do(t, http.MethodGet, "/api/v1/agents", nil)
	if len(resp.Cookies()) != 0 {
		t.Errorf("second request re-issued cookie: %v", resp.Cookies())
	}
}

func TestHTTP_Dispatch(t *testing.T) {
	h := newScriptedHarness(t)
	h.backend.Enqueue("ud", "Suspect")

	resp, data := h.do(t, http.MethodPost, "/api/v1/dispatch", map[string]string{"message": "who did it?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	var out struct {
		SelectedAgent *domain.AgentInfo `json:"selected_agent"`
		Analysis      string            `json:"dispatcher_analysis"`
	}
	decodeInto(t, data, &out)
	if out.SelectedAgent == nil || out.SelectedAgent.ID != "sus" {
		t.Fatalf("selected = %+v, want sus", out.SelectedAgent)
	}
	if out.Analysis != "已选择「Suspect」回答您的问题" {
		t.Errorf("analysis = %q", out.Analysis)
	}
}

func TestHTTP_DispatchRequiresMessage(t *testing.T) {
	h := newScriptedHarness(t)
	resp, data := h.do(t, http.MethodPost, "/api/v1/dispatch", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var e errorResponse
	decodeInto(t, data, &e)
	if e.Code != domain.CodeInvalidInput {
		t.Errorf("code = %q", e.Code)
	}
}

func TestHTTP_DispatchNextSpeaker(t *testing.T) {
	h := newScriptedHarness(t)
	h.backend.Enqueue("cd", "Witness")

	resp, data := h.do(t, http.MethodPost, "/api/v1/dispatch_next_speaker", map[string]string{
		"character_name":     "Detective",
		"character_message":  "Witness, what did you see?",
		"current_speaker_id": "det",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	var out nextSpeakerResponse
	decodeInto(t, data, &out)
	if out.NextSpeaker == nil || out.NextSpeaker.ID != "wit" || out.NextSpeaker.Type != domain.SpeakerAgent {
		t.Fatalf("next speaker = %+v", out.NextSpeaker)
	}
	if out.Analysis != "下一个发言者将是「Witness」" {
		t.Errorf("analysis = %q", out.Analysis)
	}
	if out.DebugInfo.FullResponse != "Witness" {
		t.Errorf("full_response = %q", out.DebugInfo.FullResponse)
	}
	if out.DebugInfo.CurrentSpeaker == nil || out.DebugInfo.CurrentSpeaker.ID != "det" {
		t.Errorf("current_speaker = %+v", out.DebugInfo.CurrentSpeaker)
	}
	if out.DebugInfo.InputMessage == nil || out.DebugInfo.InputMessage.CharacterName != "Detective" {
		t.Errorf("input_message = %+v", out.DebugInfo.InputMessage)
	}
}

func TestHTTP_DispatchNextSpeakerUnknownCurrent(t *testing.T) {
	h := newScriptedHarness(t)
	h.backend.Enqueue("cd", "用户")

	resp, data := h.do(t, http.MethodPost, "/api/v1/dispatch_next_speaker", map[string]string{
		"character_name":     "Detective",
		"character_message":  "any questions?",
		"current_speaker_id": "nobody",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	var out nextSpeakerResponse
	decodeInto(t, data, &out)
	if out.NextSpeaker == nil || out.NextSpeaker.ID != multiagent.UserSpeakerID || out.NextSpeaker.Type != domain.SpeakerUser {
		t.Errorf("next speaker = %+v, want user", out.NextSpeaker)
	}
	if out.DebugInfo.CurrentSpeaker != nil {
		t.Errorf("current_speaker = %+v, want null", out.DebugInfo.CurrentSpeaker)
	}
}

func TestHTTP_ChatWithAutoContinue(t *testing.T) {
	h := newScriptedHarness(t)
	h.backend.Enqueue("sus", "I was home all night.")
	h.backend.Enqueue("cd", "用户")

	resp, data := h.do(t, http.MethodPost, "/api/v1/chat", chatRequest{
		Message:      "where were you?",
		AgentID:      "sus",
		AutoContinue: true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	var out chatResponse
	decodeInto(t, data, &out)
	if out.Response != "I was home all night." || out.Agent.ID != "sus" {
		t.Errorf("reply = %q from %q", out.Response, out.Agent.ID)
	}
	if out.NextSpeaker == nil || out.NextSpeaker.Type != domain.SpeakerUser || out.NextSpeaker.Name != "用户" {
		t.Errorf("next speaker = %+v", out.NextSpeaker)
	}
	if out.Analysis == nil || *out.Analysis != "用户将进行下一轮发言" {
		t.Errorf("analysis = %v", out.Analysis)
	}
}

func TestHTTP_ChatDefaultsToFirstCharacter(t *testing.T) {
	h := newScriptedHarness(t)

	resp, data := h.do(t, http.MethodPost, "/api/v1/chat", chatRequest{Message: "hello", AgentID: "ghost"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	var out chatResponse
	decodeInto(t, data, &out)
	if out.Agent.ID != "det" || out.Response != "hello" {
		t.Errorf("got %q from %q, want echo from det", out.Response, out.Agent.ID)
	}
	if out.NextSpeaker != nil || out.Analysis != nil {
		t.Errorf("unexpected next-speaker decision: %+v", out)
	}
}

func TestHTTP_ChatSmartModePlaceholder(t *testing.T) {
	h := newScriptedHarness(t)

	resp, data := h.do(t, http.MethodPost, "/api/v1/chat", chatRequest{SmartMode: true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	var out chatResponse
	decodeInto(t, data, &out)
	if out.Response != multiagent.SmartModePlaceholder || out.Agent.ID != multiagent.SystemAgentID {
		t.Errorf("got %+v", out)
	}
}

func TestHTTP_Reset(t *testing.T) {
	h := newScriptedHarness(t)

	resp, data := h.do(t, http.MethodPost, "/api/v1/reset_conversation", resetRequest{ResetAll: true})
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), `"success":true`) {
		t.Fatalf("reset_all: %d %s", resp.StatusCode, data)
	}

	resp, _ = h.do(t, http.MethodPost, "/api/v1/reset_conversation", resetRequest{AgentID: "ud"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset dispatcher: %d", resp.StatusCode)
	}

	resp, _ = h.do(t, http.MethodPost, "/api/v1/reset_conversation", resetRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty reset status = %d, want 400", resp.StatusCode)
	}
}

func TestHTTP_BadBodies(t *testing.T) {
	h := newScriptedHarness(t)

	resp, data := h.do(t, http.MethodPost, "/api/v1/chat", "{not json")
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(data), "invalid JSON") {
		t.Errorf("malformed: %d %s", resp.StatusCode, data)
	}

	big := fmt.Sprintf(`{"message":%q}`, strings.Repeat("a", maxRequestBody+10))
	resp, data = h.do(t, http.MethodPost, "/api/v1/chat", big)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(data), "too large") {
		t.Errorf("oversized: %d %s", resp.StatusCode, data)
	}

	resp, _ = h.do(t, http.MethodGet, "/api/v1/chat", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /chat status = %d, want 405", resp.StatusCode)
	}
}

type downBackend struct{}

func (downBackend) Name() string { return "down" }

func (downBackend) Stream(context.Context, domain.StreamRequest) (<-chan domain.StreamEvent, error) {
	return nil, fmt.Errorf("%w: API error 503: unavailable", domain.ErrProviderError)
}

func TestHTTP_BackendFailureIsBadGateway(t *testing.T) {
	h := newHarness(t, downBackend{})

	resp, data := h.do(t, http.MethodPost, "/api/v1/chat", chatRequest{Message: "hi"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	var e errorResponse
	decodeInto(t, data, &e)
	if e.Code != domain.CodeProviderError {
		t.Errorf("code = %q", e.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&domain.ValidationError{Field: "x"}, http.StatusBadRequest},
		{domain.NewDomainError("op", domain.ErrAgentNotFound, ""), http.StatusNotFound},
		{domain.ErrSessionNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{domain.ErrBackendStream, http.StatusBadGateway},
		{errors.New("boom"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestHTTPServer_StartStop(t *testing.T) {
	factory, err := multiagent.NewCastFactory(testCast(), backend.NewScripted(nil, nil), nil)
	if err != nil {
		t.Fatalf("NewCastFactory: %v", err)
	}
	svc := multiagent.NewService(multiagent.NewRegistry(factory, nil), store.NewMemoryTokenStore(), multiagent.ServiceConfig{}, nil)
	h := NewHTTPServer(svc, config.HTTPConfig{Addr: "127.0.0.1:0"}, nil)

	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + h.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
