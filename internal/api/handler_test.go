package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/cpf-advisor/internal/advisor"
	"github.com/ashureev/cpf-advisor/internal/auth"
	"github.com/ashureev/cpf-advisor/internal/completion"
	"github.com/ashureev/cpf-advisor/internal/config"
	"github.com/ashureev/cpf-advisor/internal/content"
	"github.com/ashureev/cpf-advisor/internal/domain"
	"github.com/ashureev/cpf-advisor/internal/identity"
	"github.com/ashureev/cpf-advisor/internal/store"
)

type testEnv struct {
	srv    *httptest.Server
	client *http.Client
	stub   *completion.Stub
}

func newTestEnv(t *testing.T, authCfg config.AuthConfig, replies ...completion.StubReply) *testEnv {
	t.Helper()

	cfg := &config.Config{
		FeedbackSubmitReturns: true,
		Completion:            config.CompletionConfig{Model: "gpt-3.5-turbo"},
		RateLimit:             config.RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute},
		Auth:                  authCfg,
	}
	pages, err := content.Load()
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stub := completion.NewStub(replies...)
	repo := store.NewMemory()
	svc := advisor.NewService(cfg, repo, stub, pages, nil, logger)
	t.Cleanup(svc.Close)

	h, err := NewHandler(svc, auth.NewGate(authCfg, false), nil, cfg)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(identity.Middleware(true))
	NewHealthHandler(repo, nil).RegisterHealth(r)
	h.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &testEnv{srv: srv, client: &http.Client{Jar: jar}, stub: stub}
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := e.client.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (e *testEnv) post(t *testing.T, path string, form url.Values) (*http.Response, string) {
	t.Helper()
	resp, err := e.client.PostForm(e.srv.URL+path, form)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (e *testEnv) session(t *testing.T, sid string) sessionResponse {
	t.Helper()
	resp, body := e.get(t, "/api/session?session_id="+sid)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	var out sessionResponse
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	return out
}

func TestIndexRedirectsToNewSession(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{})

	resp, body := env.get(t, "/")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	sid := resp.Request.URL.Query().Get(identity.SessionParamName)
	assert.NotEmpty(t, sid)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Contains(t, body, "Retirement Advisor")
	assert.Contains(t, body, `data-session-id="`+sid+`"`)
	assert.Contains(t, body, `action="/profile"`)
}

func TestProfileAndChatOverForms(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{}, completion.StubReply{Content: "It is $XXX as of 2024."})

	_, body := env.post(t, "/profile", url.Values{
		"session_id":        {"tab1"},
		"gender":            {"Female"},
		"age":               {"30"},
		"employment_status": {"Employed"},
		"topic":             {"Enquiry"},
	})
	assert.Contains(t, body, "Thank you for providing your information!")
	assert.NotContains(t, body, `action="/profile"`)

	_, body = env.post(t, "/chat", url.Values{
		"session_id": {"tab1"},
		"message":    {"What is the Full Retirement Sum?"},
	})
	assert.Contains(t, body, "What is the Full Retirement Sum?")
	assert.Contains(t, body, "It is $XXX as of 2024.")
	assert.NotContains(t, body, "Gender: Female")

	s := env.session(t, "tab1")
	require.Len(t, s.Messages, 2)
	assert.Equal(t, domain.RoleUser, s.Messages[0].Role)
	assert.Equal(t, "What is the Full Retirement Sum?", s.Messages[0].Content)
	assert.Equal(t, "It is $XXX as of 2024.", s.Messages[1].Content)
	require.NotNil(t, s.Profile)
	assert.Equal(t, "30", s.Profile.Age)
}

func TestInvalidAgeShowsNoticeOnce(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{})

	_, body := env.post(t, "/profile", url.Values{
		"session_id": {"tab1"},
		"age":        {"thirty"},
	})
	assert.Contains(t, body, "Please enter a valid number for your age.")
	assert.Contains(t, body, `action="/profile"`)

	_, body = env.get(t, "/?session_id=tab1")
	assert.NotContains(t, body, "Please enter a valid number for your age.")
}

func TestFeedbackTopicRoutesToFeedbackPage(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{})

	_, body := env.post(t, "/profile", url.Values{"session_id": {"tab1"}, "topic": {"Compliments"}})
	assert.Contains(t, body, `action="/feedback"`)

	_, body = env.post(t, "/navigate", url.Values{"session_id": {"tab1"}, "page": {"About Us"}})
	assert.Contains(t, body, `action="/feedback"`)

	_, body = env.post(t, "/feedback", url.Values{
		"session_id": {"tab1"},
		"type":       {"Compliments"},
		"message":    {"Great bot"},
		"rating":     {"5"},
	})
	assert.NotContains(t, body, `action="/feedback"`)
	assert.Equal(t, domain.PageChatbot, env.session(t, "tab1").Page)
}

func TestNavigateAndReturn(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{})

	_, body := env.post(t, "/navigate", url.Values{"session_id": {"tab1"}, "page": {"Methodology"}})
	assert.Contains(t, body, "<h1>Methodology</h1>")

	_, body = env.post(t, "/navigate", url.Values{"session_id": {"tab1"}, "page": {"Feedback"}})
	assert.Contains(t, body, "<h1>Methodology</h1>")

	env.post(t, "/return", url.Values{"session_id": {"tab1"}})
	s := env.session(t, "tab1")
	assert.Equal(t, domain.PageChatbot, s.Page)
	assert.Nil(t, s.Profile)
	assert.Empty(t, s.Messages)
}

func TestAPIChat(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{}, completion.StubReply{Content: "Hello."})

	resp, err := env.client.Post(env.srv.URL+"/api/chat?session_id=api1", "application/json",
		strings.NewReader(`{"message":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg messageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	assert.Equal(t, messageResponse{Role: domain.RoleAssistant, Content: "Hello."}, msg)

	assert.Len(t, env.session(t, "api1").Messages, 2)
}

func TestAPIChatErrors(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{}, completion.StubReply{Err: assert.AnError})

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{name: "malformed", body: `{`, status: http.StatusBadRequest},
		{name: "empty message", body: `{"message":"  "}`, status: http.StatusBadRequest},
		{name: "completion failure", body: `{"message":"hi"}`, status: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := env.client.Post(env.srv.URL+"/api/chat?session_id=err1", "application/json",
				strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	assert.Empty(t, env.session(t, "err1").Messages)
}

func TestAPIChatRejectsOversizedBody(t *testing.T) {
	cfg := &config.Config{
		Completion: config.CompletionConfig{Model: "m"},
		RateLimit:  config.RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute},
	}
	pages, err := content.Load()
	require.NoError(t, err)
	svc := advisor.NewService(cfg, store.NewMemory(), completion.NewStub(), pages, nil, nil)
	t.Cleanup(svc.Close)
	h, err := NewHandler(svc, auth.NewGate(config.AuthConfig{}, false), nil, cfg)
	require.NoError(t, err)

	body := `{"message":"` + strings.Repeat("a", defaultMaxRequestBodySize) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req = req.WithContext(identity.WithIdentity(req.Context(), "anon_test", "tab1"))
	rec := httptest.NewRecorder()

	h.APIChat(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestLoginGate(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{Password: "letmein", Secret: "test-secret"},
		completion.StubReply{Content: "Hello."})

	_, body := env.get(t, "/?session_id=tab1")
	assert.Contains(t, body, `action="/login"`)
	assert.NotContains(t, body, `id="chat-form"`)

	resp, err := env.client.Post(env.srv.URL+"/api/chat?session_id=tab1", "application/json",
		strings.NewReader(`{"message":"hi"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, body = env.post(t, "/login", url.Values{"session_id": {"tab1"}, "password": {"wrong"}})
	assert.Contains(t, body, "Password incorrect")
	assert.Contains(t, body, `action="/login"`)

	_, body = env.post(t, "/login", url.Values{"session_id": {"tab1"}, "password": {"letmein"}})
	assert.Contains(t, body, `id="chat-form"`)

	resp, err = env.client.Post(env.srv.URL+"/api/chat?session_id=tab1", "application/json",
		strings.NewReader(`{"message":"hi"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionsAreIsolatedPerTab(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{}, completion.StubReply{Content: "One."})

	resp, err := env.client.Post(env.srv.URL+"/api/chat?session_id=tabA", "application/json",
		strings.NewReader(`{"message":"hi"}`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Len(t, env.session(t, "tabA").Messages, 2)
	assert.Empty(t, env.session(t, "tabB").Messages)
}

func TestChatSocketRoundTrip(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{}, completion.StubReply{Content: "Over the socket."})
	env.session(t, "ws1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/chat?session_id=ws1"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: env.client})
	require.NoError(t, err)
	defer conn.CloseNow()

	exchange := func(msg string) socketReply {
		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(msg)))
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var reply socketReply
		require.NoError(t, json.Unmarshal(data, &reply))
		return reply
	}

	assert.Equal(t, socketReply{Type: "pong"}, exchange(`{"type":"ping"}`))
	assert.Equal(t, socketReply{Type: "reply", Role: "assistant", Content: "Over the socket."},
		exchange(`{"type":"chat","content":"hi"}`))

	empty := exchange(`{"type":"chat","content":""}`)
	assert.Equal(t, "error", empty.Type)
	assert.Equal(t, http.StatusBadRequest, empty.Status)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	assert.Len(t, env.session(t, "ws1").Messages, 2)
}

func TestChatSocketRequiresLogin(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{Password: "letmein", Secret: "test-secret"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/chat?session_id=ws1"
	_, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: env.client})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestReadyHealth(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{})

	resp, body := env.get(t, "/health/ready")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"healthy"`)

	resp, _ = env.get(t, "/health/upstream")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStaticAssets(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{})

	resp, body := env.get(t, "/static/chat.js")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "WebSocket")

	resp, _ = env.get(t, "/static/missing.js")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatRefusedOffChatbotPage(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{}, completion.StubReply{Content: "unused"})

	env.post(t, "/navigate", url.Values{"session_id": {"tab1"}, "page": {"About Us"}})

	resp, err := env.client.Post(env.srv.URL+"/api/chat?session_id=tab1", "application/json",
		strings.NewReader(`{"message":"hi"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/chat?session_id=tab1"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: env.client})
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"chat","content":"hi"}`)))
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var reply socketReply
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, "error", reply.Type)
	assert.Equal(t, http.StatusConflict, reply.Status)

	assert.Empty(t, env.stub.Requests())
	assert.Empty(t, env.session(t, "tab1").Messages)
}
