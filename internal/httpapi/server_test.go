package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrelay/internal/assistants"
	"agentrelay/internal/auth"
	"agentrelay/internal/crypto"
	"agentrelay/internal/ghl"
	"agentrelay/internal/metrics"
	"agentrelay/internal/queue"
	"agentrelay/internal/relay"
	"agentrelay/internal/storage"
	"agentrelay/internal/webhooklog"
)

type stubAssistants struct {
	mu      sync.Mutex
	threads int
	fail    error
}

func (s *stubAssistants) CreateThread(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads++
	return fmt.Sprintf("thread_%d", s.threads), nil
}

func (s *stubAssistants) SendMessage(_ context.Context, _, _, _, text string) (string, error) {
	if s.fail != nil {
		return "", s.fail
	}
	return "reply to " + text, nil
}

func (s *stubAssistants) CreateAssistant(context.Context, string, assistants.AssistantSettings) (string, error) {
	return "asst_created", nil
}

func (s *stubAssistants) UpdateAssistant(context.Context, string, string, assistants.AssistantSettings) error {
	return nil
}

func (s *stubAssistants) DeleteAssistant(context.Context, string, string) error {
	return nil
}

type harness struct {
	e      *echo.Echo
	store  *storage.Store
	ai     *stubAssistants
	rdb    *redis.Client
	logs   *webhooklog.Ring
	agent  storage.Agent
	stream string
}

func newHarness(t *testing.T, opts ...func(*relay.Config)) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := storage.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "api.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ring, err := crypto.NewKeyring("k1", map[string][]byte{"k1": make([]byte, 32)})
	require.NoError(t, err)

	user, err := st.CreateUser(ctx, storage.User{Email: "owner@example.com", Name: "jane", PasswordHash: "x"})
	require.NoError(t, err)
	agent, err := st.CreateAgent(ctx, storage.Agent{
		UserID:        user.ID,
		Name:          "Sales Bot",
		Config:        `{"model":"gpt-4o","prompt":"sell","assistantId":"asst_live"}`,
		WebhookSecret: "s3cret",
	})
	require.NoError(t, err)

	ai := &stubAssistants{}
	logs := webhooklog.NewRing(webhooklog.DefaultCapacity)
	h := &harness{store: st, ai: ai, rdb: rdb, logs: logs, agent: agent, stream: "test:webhooks"}
	rc := relay.Config{Store: st, Assistants: ai, WebhookURL: "http://localhost/api/webhook"}
	for _, opt := range opts {
		opt(&rc)
	}
	h.e = New(Config{
		Relay:      relay.New(rc),
		Accounts:   auth.New(auth.Config{Store: st, Keyring: ring, JWTSecret: "jwt-secret"}),
		WebhookLog: logs,
		Queue:      queue.NewStreamQueue(rdb, h.stream, "g", "c", time.Millisecond),
		Dedupe:     queue.NewDeduplicator(rdb, time.Hour),
		Metrics:    metrics.New(),
		Logger:     zerolog.Nop(),
	})
	return h
}

func (h *harness) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestWebhookLogs(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		rec := h.do(t, http.MethodPost, "/api/webhook-logs", fmt.Sprintf(`{"n":%d}`, i), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	}

	rec := h.do(t, http.MethodGet, "/api/webhook-logs", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []webhooklog.Entry
	decode(t, rec, &entries)
	require.Len(t, entries, 3)
	assert.JSONEq(t, `{"n":2}`, string(entries[0].Payload))
	assert.JSONEq(t, `{"n":0}`, string(entries[2].Payload))

	rec = h.do(t, http.MethodDelete, "/api/webhook-logs", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.JSONEq(t, `{"error":"Method not allowed"}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/api/webhook-logs", `{broken`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLeadWebhook(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/webhook", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.JSONEq(t, `{"error":"Method not allowed"}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/api/webhook", `{"app email":"owner@example.com"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Missing required fields"}`, rec.Body.String())

	logged, err := h.logs.List(context.Background())
	require.NoError(t, err)
	require.Len(t, logged, 1, "payload is logged before validation")

	body := `{"Lead Response":"hello","app email":"owner@example.com","Active Assistant ID":"asst_live"}`
	rec = h.do(t, http.MethodPost, "/api/webhook", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var reply map[string]string
	decode(t, rec, &reply)
	assert.Equal(t, "reply to hello", reply["response"])
	assert.Equal(t, "thread_1", reply["threadId"])

	chat, err := h.store.FindChatByThread(context.Background(), h.agent.ID, "thread_1")
	require.NoError(t, err)
	assert.JSONEq(t, body, chat.Metadata)

	rec = h.do(t, http.MethodPost, "/api/webhook",
		`{"Lead Response":"again","app email":"owner@example.com","Active Assistant ID":"asst_live","Assistant Memory Id":"thread_404"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Chat session not found"}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/api/webhook",
		`{"Lead Response":"x","app email":"ghost@example.com","Active Assistant ID":"asst_live"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"User not found"}`, rec.Body.String())
}

func TestLeadWebhookInternalErrorDetails(t *testing.T) {
	h := newHarness(t)
	h.ai.fail = errors.New("run failed")

	rec := h.do(t, http.MethodPost, "/api/webhook",
		`{"Lead Response":"hello","app email":"owner@example.com","Active Assistant ID":"asst_live"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error","details":"run failed"}`, rec.Body.String())
}

func TestSecretWebhook(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/webhook/s3cret", `{"field1":"Jane","field2":"wants a demo"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var reply relay.Reply
	decode(t, rec, &reply)
	assert.Equal(t, "reply to field1: Jane\nfield2: wants a demo", reply.Response)
	assert.NotEmpty(t, reply.ChatID)

	rec = h.do(t, http.MethodPost, "/api/webhook/nope", `{"field1":"x"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid webhook secret"}`, rec.Body.String())
}

func TestSecretWebhookAsync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hdr := map[string]string{"Idempotency-Key": "delivery-1"}

	rec := h.do(t, http.MethodPost, "/api/webhook/s3cret?async=true", `{"field1":"hi"}`, hdr)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var accepted map[string]string
	decode(t, rec, &accepted)
	assert.NotEmpty(t, accepted["jobId"])

	rec = h.do(t, http.MethodPost, "/api/webhook/s3cret?async=true", `{"field1":"hi"}`, hdr)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"duplicate":true}`, rec.Body.String())

	assert.EqualValues(t, 1, h.rdb.XLen(ctx, h.stream).Val(), "duplicate must not be enqueued")

	rec = h.do(t, http.MethodPost, "/api/webhook/s3cret?async=true", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodPost, "/api/webhook/unknown?async=true", `{"field1":"hi"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func register(t *testing.T, h *harness, email string) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/auth/register",
		fmt.Sprintf(`{"email":%q,"name":"Someone","password":"long enough"}`, email), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sess sessionResponse
	decode(t, rec, &sess)
	require.NotEmpty(t, sess.Token)
	return "Bearer " + sess.Token
}

func TestAccountsAndAgents(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = h.do(t, http.MethodGet, "/api/me", "", map[string]string{"Authorization": "Bearer junk"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := register(t, h, "new@example.com")
	authz := map[string]string{"Authorization": token}

	rec = h.do(t, http.MethodPost, "/api/auth/register", `{"email":"new@example.com","name":"x","password":"long enough"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = h.do(t, http.MethodPost, "/api/auth/register", `{"email":"bad","name":"x","password":"long enough"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPut, "/api/me/openai-key", `{"apiKey":"sk-123"}`, authz)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rec = h.do(t, http.MethodGet, "/api/me", "", authz)
	require.Equal(t, http.StatusOK, rec.Code)
	var me userPayload
	decode(t, rec, &me)
	assert.True(t, me.HasOpenAIKey)
	assert.Equal(t, "new@example.com", me.Email)

	rec = h.do(t, http.MethodPost, "/api/agents", `{"name":"Helper","prompt":"help","model":"gpt-4o"}`, authz)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created agentPayload
	decode(t, rec, &created)
	assert.Equal(t, "asst_created", created.Config.AssistantID)
	assert.Equal(t, "helper", created.Slug)
	assert.NotEmpty(t, created.WebhookSecret)

	rec = h.do(t, http.MethodPost, "/api/agents", `{"name":"NoModel"}`, authz)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/agents/"+h.agent.ID, "", authz)
	assert.Equal(t, http.StatusNotFound, rec.Code, "other users' agents are hidden")

	rec = h.do(t, http.MethodPut, "/api/agents/"+created.ID, `{"name":"Helper 2","prompt":"help more","model":"gpt-4o-mini"}`, authz)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated agentPayload
	decode(t, rec, &updated)
	assert.Equal(t, "gpt-4o-mini", updated.Config.Model)
	assert.Equal(t, "asst_created", updated.Config.AssistantID)

	rec = h.do(t, http.MethodGet, "/api/agents", "", authz)
	var list []agentPayload
	decode(t, rec, &list)
	require.Len(t, list, 1)

	rec = h.do(t, http.MethodPost, "/api/agents/"+created.ID+"/chats", "", authz)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var chat map[string]string
	decode(t, rec, &chat)

	rec = h.do(t, http.MethodPost, "/api/chats/"+chat["chatId"]+"/messages", `{"message":"ping"}`, authz)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"response":"reply to ping"}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/api/chats/"+chat["chatId"]+"/messages", "", authz)
	var msgs []messagePayload
	decode(t, rec, &msgs)
	require.Len(t, msgs, 2)
	assert.Equal(t, storage.RoleAssistant, msgs[1].Role)

	rec = h.do(t, http.MethodPost, "/api/chats/"+chat["chatId"]+"/feedback", `{"rating":9}`, authz)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodPost, "/api/chats/"+chat["chatId"]+"/feedback", `{"rating":4,"comment":"ok"}`, authz)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = h.do(t, http.MethodGet, "/api/agents/"+created.ID+"/feedback", "", authz)
	var fb []feedbackPayload
	decode(t, rec, &fb)
	require.Len(t, fb, 1)
	assert.Equal(t, 4, fb[0].Rating)

	rec = h.do(t, http.MethodPost, "/api/agents/"+created.ID+"/webhook-secret", "", authz)
	require.Equal(t, http.StatusOK, rec.Code)
	var rotated map[string]string
	decode(t, rec, &rotated)
	assert.NotEqual(t, created.WebhookSecret, rotated["webhookSecret"])

	rec = h.do(t, http.MethodDelete, "/api/agents/"+created.ID, "", authz)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodGet, "/api/agents/"+created.ID, "", authz)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublicChat(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/public/JANE/sales-bot/threads", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var thread relay.PublicThread
	decode(t, rec, &thread)
	assert.Equal(t, "Sales Bot", thread.AgentName)

	rec = h.do(t, http.MethodPost, "/api/public/jane/sales-bot/messages",
		fmt.Sprintf(`{"threadId":%q,"message":"hi"}`, thread.ThreadID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"response":"reply to hi"}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/api/public/jane/other-bot/threads", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndUnknownRoute(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/nothing-here", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Not found"}`, rec.Body.String())
}

func TestSetupGHLReportsAPIError(t *testing.T) {
	crm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Invalid API key"}`))
	}))
	t.Cleanup(crm.Close)

	h := newHarness(t, func(rc *relay.Config) {
		rc.CRM = ghl.New(ghl.Config{BaseURL: crm.URL, HTTPClient: crm.Client(), Metrics: metrics.New(), Logger: zerolog.Nop()})
	})
	authz := map[string]string{"Authorization": register(t, h, "crm@example.com")}

	rec := h.do(t, http.MethodPost, "/api/agents", `{"name":"Closer","prompt":"close","model":"gpt-4o"}`, authz)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created agentPayload
	decode(t, rec, &created)

	rec = h.do(t, http.MethodPost, "/api/agents/"+created.ID+"/ghl", `{"apiKey":"bad","locationId":"loc","openingMessage":"Hi"}`, authz)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"GHL API Error: Invalid API key"}`, rec.Body.String())
}
