package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-workshop-backend/internal/ai"
	"github.com/tbourn/go-workshop-backend/internal/auth"
	"github.com/tbourn/go-workshop-backend/internal/domain"
	"github.com/tbourn/go-workshop-backend/internal/http/middleware"
	"github.com/tbourn/go-workshop-backend/internal/repo"
	"github.com/tbourn/go-workshop-backend/internal/services"
)

type fakeProvider struct {
	completion *ai.Completion
	err        error
	calls      int
}

func (f *fakeProvider) Complete(context.Context, []ai.Message) (*ai.Completion, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.completion, nil
}

type testEnv struct {
	router   *gin.Engine
	db       *gorm.DB
	verifier *auth.Verifier
	workshop *domain.Workshop
	provider *fakeProvider
}

func newEnv(t *testing.T, limit int64) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:h_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	w, err := repo.CreateWorkshop(context.Background(), db, "Garage", limit, 1)
	if err != nil {
		t.Fatalf("create workshop: %v", err)
	}

	provider := &fakeProvider{completion: &ai.Completion{
		Content:          "Check the coil pack.",
		Model:            "gpt-4o-mini",
		PromptTokens:     100,
		CompletionTokens: 50,
	}}

	sessions := services.NewSessionManager(db)
	sequencer := services.NewMessageSequencer(db)
	account := services.NewTokenAccounting(db)
	turns := services.NewTurnService(db, sessions, sequencer, account, provider)
	h := New(sessions, sequencer, turns, account, services.NewNotificationService(account))

	verifier := auth.NewVerifier("test-secret", "")
	r := gin.New()
	api := r.Group("/api/v1", middleware.Authenticate(verifier))
	{
		api.POST("/threads", h.CreateThread)
		api.GET("/threads", h.ListThreads)
		api.GET("/threads/:id", h.GetThread)
		api.PATCH("/threads/:id", h.UpdateThread)
		api.DELETE("/threads/:id", h.DeleteThread)
		api.POST("/threads/:id/resolve", h.ResolveThread)
		api.POST("/threads/:id/archive", h.ArchiveThread)
		api.GET("/threads/:id/messages", h.ListMessages)
		api.POST("/threads/:id/messages", h.PostMessage)
		api.PATCH("/threads/:id/messages/:messageID", h.EditMessage)
		api.GET("/tokens", h.GetQuota)
		api.GET("/tokens/usage", h.GetUsage)
		api.GET("/tokens/notifications", h.GetNotifications)
	}

	return &testEnv{router: r, db: db, verifier: verifier, workshop: w, provider: provider}
}

func (e *testEnv) addMember(t *testing.T, userID, role string) {
	t.Helper()
	if _, err := repo.AddMember(context.Background(), e.db, e.workshop.ID, userID, role); err != nil {
		t.Fatalf("add member: %v", err)
	}
}

func (e *testEnv) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := e.verifier.Sign(userID, e.workshop.ID, role, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response: %v\nbody: %s", err, rec.Body.String())
	}
}

func (e *testEnv) createThread(t *testing.T, token string) *domain.ChatThread {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/threads", token,
		CreateThreadRequest{LicensePlate: "ABC-1234"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create thread: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp ThreadResponse
	decodeJSON(t, rec, &resp)
	return resp.Thread
}

func TestAPI_RequiresBearerToken(t *testing.T) {
	env := newEnv(t, 10_000)

	rec := env.do(t, http.MethodGet, "/api/v1/threads", "", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("missing WWW-Authenticate header")
	}

	rec = env.do(t, http.MethodGet, "/api/v1/threads", "not-a-jwt", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status = %d, want 401", rec.Code)
	}
}

func TestCreateThread(t *testing.T) {
	env := newEnv(t, 10_000)
	env.addMember(t, "u1", domain.RoleTechnician)
	tok := env.token(t, "u1", domain.RoleTechnician)

	th := env.createThread(t, tok)
	if th.LicensePlate != "ABC1234" {
		t.Fatalf("plate not normalized: %q", th.LicensePlate)
	}
	if th.WorkshopID != env.workshop.ID {
		t.Fatalf("workshop scope must come from the token")
	}

	// Missing plate is a 400.
	rec := env.do(t, http.MethodPost, "/api/v1/threads", tok, map[string]any{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateThread_ViewerForbidden(t *testing.T) {
	env := newEnv(t, 10_000)
	env.addMember(t, "v1", domain.RoleViewer)
	tok := env.token(t, "v1", domain.RoleViewer)

	rec := env.do(t, http.MethodPost, "/api/v1/threads", tok,
		CreateThreadRequest{LicensePlate: "ABC-1234"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403; body %s", rec.Code, rec.Body.String())
	}
	var er ErrorResponse
	decodeJSON(t, rec, &er)
	if er.Code != ErrCodeForbidden {
		t.Fatalf("code = %q, want %q", er.Code, ErrCodeForbidden)
	}
}

func TestGetThread_InvalidAndMissingID(t *testing.T) {
	env := newEnv(t, 10_000)
	env.addMember(t, "u1", domain.RoleTechnician)
	tok := env.token(t, "u1", domain.RoleTechnician)

	rec := env.do(t, http.MethodGet, "/api/v1/threads/not-a-uuid", tok, nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("non-uuid id: status = %d, want 400", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/threads/"+uuid.NewString(), tok, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing thread: status = %d, want 404", rec.Code)
	}
}

func TestUpdateThread_VersionConflict(t *testing.T) {
	env := newEnv(t, 10_000)
	env.addMember(t, "u1", domain.RoleTechnician)
	tok := env.token(t, "u1", domain.RoleTechnician)
	th := env.createThread(t, tok)

	title := "brakes"
	rec := env.do(t, http.MethodPatch, "/api/v1/threads/"+th.ID, tok,
		UpdateThreadRequest{Version: th.Version, Title: &title}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPatch, "/api/v1/threads/"+th.ID, tok,
		UpdateThreadRequest{Version: th.Version, Title: &title}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("stale version: status = %d, want 409", rec.Code)
	}
	var er ErrorResponse
	decodeJSON(t, rec, &er)
	if er.Code != ErrCodeVersionConflict {
		t.Fatalf("code = %q, want %q", er.Code, ErrCodeVersionConflict)
	}
}

func TestTransitions(t *testing.T) {
	env := newEnv(t, 10_000)
	env.addMember(t, "u1", domain.RoleTechnician)
	tok := env.token(t, "u1", domain.RoleTechnician)
	th := env.createThread(t, tok)

	rec := env.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/resolve", tok,
		TransitionRequest{Version: th.Version}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp ThreadResponse
	decodeJSON(t, rec, &resp)
	if resp.Thread.Status != domain.ThreadStatusCompleted {
		t.Fatalf("status = %q, want completed", resp.Thread.Status)
	}

	// completed -> completed draws invalid_transition.
	rec = env.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/resolve", tok,
		TransitionRequest{Version: resp.Thread.Version}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("re-resolve: status = %d, want 409", rec.Code)
	}
	var er ErrorResponse
	decodeJSON(t, rec, &er)
	if er.Code != ErrCodeInvalidTransition {
		t.Fatalf("code = %q, want %q", er.Code, ErrCodeInvalidTransition)
	}
}

func TestDeleteThread(t *testing.T) {
	env := newEnv(t, 10_000)
	env.addMember(t, "u1", domain.RoleTechnician)
	env.addMember(t, "u2", domain.RoleTechnician)
	tok1 := env.token(t, "u1", domain.RoleTechnician)
	tok2 := env.token(t, "u2", domain.RoleTechnician)
	th := env.createThread(t, tok1)

	rec := env.do(t, http.MethodDelete, "/api/v1/threads/"+th.ID, tok2, nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-creator delete: status = %d, want 403", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/api/v1/threads/"+th.ID, tok1, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("creator delete: status = %d, want 204", rec.Code)
	}
}

func TestPostMessage_FullTurn(t *testing.T) {
	env := newEnv(t, 10_000)
	env.addMember(t, "u1", domain.RoleTechnician)
	tok := env.token(t, "u1", domain.RoleTechnician)
	th := env.createThread(t, tok)

	rec := env.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/messages", tok,
		PostMessageRequest{Content: "P0301, rough idle\r\n\r\n\r\n\r\nwhen cold"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("post: status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp PostMessageResponse
	decodeJSON(t, rec, &resp)
	if resp.UserMessage == nil || resp.AssistantMessage == nil {
		t.Fatalf("both messages expected: %+v", resp)
	}
	if resp.UserMessage.Content != "P0301, rough idle\n\nwhen cold" {
		t.Fatalf("content not sanitized: %q", resp.UserMessage.Content)
	}
	if resp.Quota == nil || resp.Quota.Used != 150 {
		t.Fatalf("quota snapshot wrong: %+v", resp.Quota)
	}
}

func TestPostMessage_IdempotentReplay(t *testing.T) {
	env := newEnv(t, 10_000)
	env.addMember(t, "u1", domain.RoleTechnician)
	tok := env.token(t, "u1", domain.RoleTechnician)
	th := env.createThread(t, tok)
	headers := map[string]string{"Idempotency-Key": "retry-1"}

	rec := env.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/messages", tok,
		PostMessageRequest{Content: "same turn"}, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("first: status = %d", rec.Code)
	}
	if rec.Header().Get("Idempotency-Replayed") != "" {
		t.Fatalf("first call must not be a replay")
	}

	rec = env.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/messages", tok,
		PostMessageRequest{Content: "same turn"}, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: status = %d", rec.Code)
	}
	if rec.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay header missing")
	}
	if env.provider.calls != 1 {
		t.Fatalf("provider called %d times, want 1", env.provider.calls)
	}
}

func TestPostMessage_QuotaExceededReturns429(t *testing.T) {
	env := newEnv(t, 10) // estimate always exceeds 10
	env.addMember(t, "u1", domain.RoleTechnician)
	tok := env.token(t, "u1", domain.RoleTechnician)
	th := env.createThread(t, tok)

	rec := env.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/messages", tok,
		PostMessageRequest{Content: "hello"}, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429; body %s", rec.Code, rec.Body.String())
	}
	var er ErrorResponse
	decodeJSON(t, rec, &er)
	if er.Code != ErrCodeQuotaExceeded {
		t.Fatalf("code = %q, want %q", er.Code, ErrCodeQuotaExceeded)
	}
}

func TestPostMessage_UpstreamFailureReturns502(t *testing.T) {
	env := newEnv(t, 10_000)
	env.provider.err = errors.New("provider down")
	env.addMember(t, "u1", domain.RoleTechnician)
	tok := env.token(t, "u1", domain.RoleTechnician)
	th := env.createThread(t, tok)

	rec := env.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/messages", tok,
		PostMessageRequest{Content: "hello"}, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	var er ErrorResponse
	decodeJSON(t, rec, &er)
	if er.Code != ErrCodeAIUnavailable {
		t.Fatalf("code = %q, want %q", er.Code, ErrCodeAIUnavailable)
	}
}

func TestListMessages_Paginated(t *testing.T) {
	env := newEnv(t, 100_000)
	env.addMember(t, "u1", domain.RoleTechnician)
	tok := env.token(t, "u1", domain.RoleTechnician)
	th := env.createThread(t, tok)

	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/messages", tok,
			PostMessageRequest{Content: fmt.Sprintf("turn %d", i)}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("turn %d: status %d", i, rec.Code)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/v1/threads/"+th.ID+"/messages?page=1&page_size=4", tok, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var resp ListMessagesResponse
	decodeJSON(t, rec, &resp)
	if resp.Pagination.Total != 6 || len(resp.Messages) != 4 {
		t.Fatalf("want total 6 page of 4, got total %d len %d", resp.Pagination.Total, len(resp.Messages))
	}
	for i, m := range resp.Messages {
		if m.SequenceNumber != i+1 {
			t.Fatalf("ordering broken at %d: seq %d", i, m.SequenceNumber)
		}
	}
}

func TestGetQuotaAndUsage(t *testing.T) {
	env := newEnv(t, 10_000)
	env.addMember(t, "u1", domain.RoleTechnician)
	tok := env.token(t, "u1", domain.RoleTechnician)
	th := env.createThread(t, tok)

	rec := env.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/messages", tok,
		PostMessageRequest{Content: "hi"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("turn: status %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/tokens", tok, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("quota: status = %d", rec.Code)
	}
	var qr QuotaResponse
	decodeJSON(t, rec, &qr)
	if qr.Quota.Used != 150 || qr.Quota.Remaining != 9850 {
		t.Fatalf("quota wrong: %+v", qr.Quota)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/tokens/usage", tok, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("usage: status = %d", rec.Code)
	}
	var ur UsageResponse
	decodeJSON(t, rec, &ur)
	if ur.Usage.TotalTokensToday != 150 {
		t.Fatalf("usage wrong: %+v", ur.Usage)
	}
}

func TestGetNotifications(t *testing.T) {
	env := newEnv(t, 1000)
	env.addMember(t, "u1", domain.RoleTechnician)
	tok := env.token(t, "u1", domain.RoleTechnician)

	rec := env.do(t, http.MethodGet, "/api/v1/tokens/notifications", tok, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var nr NotificationsResponse
	decodeJSON(t, rec, &nr)
	if !nr.Notifications.Empty() {
		t.Fatalf("fresh workshop must not alert: %+v", nr.Notifications)
	}

	// Burn the pool down to 100 of 1000: critical territory.
	th := env.createThread(t, tok)
	env.provider.completion.PromptTokens = 500
	env.provider.completion.CompletionTokens = 400
	rec = env.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/messages", tok,
		PostMessageRequest{Content: "misfire on 3"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("turn: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/v1/tokens/notifications", tok, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	nr = NotificationsResponse{}
	decodeJSON(t, rec, &nr)
	if nr.Notifications == nil || len(nr.Notifications.Workshop) != 1 {
		t.Fatalf("expected one workshop alert: %+v", nr.Notifications)
	}
	if nr.Notifications.Workshop[0].Level != services.NotifyCritical {
		t.Fatalf("level = %q, want critical", nr.Notifications.Workshop[0].Level)
	}
}

func TestPostMessage_LowBalanceCarriesNotifications(t *testing.T) {
	env := newEnv(t, 1000)
	env.provider.completion.PromptTokens = 400
	env.provider.completion.CompletionTokens = 450
	env.addMember(t, "u1", domain.RoleTechnician)
	tok := env.token(t, "u1", domain.RoleTechnician)
	th := env.createThread(t, tok)

	rec := env.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/messages", tok,
		PostMessageRequest{Content: "rough idle"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp PostMessageResponse
	decodeJSON(t, rec, &resp)
	// 150 of 1000 left after the debit.
	if resp.Notifications == nil || len(resp.Notifications.Workshop) != 1 {
		t.Fatalf("expected a workshop warning in the response: %+v", resp.Notifications)
	}
	if resp.Notifications.Workshop[0].Level != services.NotifyWarning {
		t.Fatalf("level = %q, want warning", resp.Notifications.Workshop[0].Level)
	}
}

func TestEditMessage(t *testing.T) {
	env := newEnv(t, 10_000)
	env.addMember(t, "u1", domain.RoleTechnician)
	env.addMember(t, "u2", domain.RoleTechnician)
	tok1 := env.token(t, "u1", domain.RoleTechnician)
	tok2 := env.token(t, "u2", domain.RoleTechnician)
	th := env.createThread(t, tok1)

	rec := env.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/messages", tok1,
		PostMessageRequest{Content: "tpyo in question"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("turn: status %d", rec.Code)
	}
	var pm PostMessageResponse
	decodeJSON(t, rec, &pm)

	path := "/api/v1/threads/" + th.ID + "/messages/" + pm.UserMessage.ID
	rec = env.do(t, http.MethodPatch, path, tok2, EditMessageRequest{Content: "hijack"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign edit: status = %d, want 403", rec.Code)
	}
	rec = env.do(t, http.MethodPatch, path, tok1, EditMessageRequest{Content: "typo fixed"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("own edit: status = %d body %s", rec.Code, rec.Body.String())
	}
	var mr MessageResponse
	decodeJSON(t, rec, &mr)
	if mr.Message.Content != "typo fixed" || !mr.Message.IsEdited {
		t.Fatalf("edit not applied: %+v", mr.Message)
	}
}

func TestListThreads_FiltersAndPagination(t *testing.T) {
	env := newEnv(t, 10_000)
	env.addMember(t, "u1", domain.RoleTechnician)
	tok := env.token(t, "u1", domain.RoleTechnician)
	env.createThread(t, tok)
	env.createThread(t, tok)

	rec := env.do(t, http.MethodGet, "/api/v1/threads?page=1&page_size=1", tok, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var resp ListThreadsResponse
	decodeJSON(t, rec, &resp)
	if resp.Pagination.Total != 2 || len(resp.Threads) != 1 {
		t.Fatalf("want total 2 page of 1, got %+v", resp.Pagination)
	}
	if resp.Pagination.TotalPages != 2 {
		t.Fatalf("total pages = %d, want 2", resp.Pagination.TotalPages)
	}
}
