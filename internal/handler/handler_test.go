package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"adsinsight-go/internal/consumer"
	"adsinsight-go/internal/middleware"
	"adsinsight-go/internal/model"
	"adsinsight-go/internal/relay"
	"adsinsight-go/internal/repository"
	"adsinsight-go/internal/service"
	"adsinsight-go/pkg/gemini"
	"adsinsight-go/pkg/secret"
	"adsinsight-go/pkg/streamproto"
	"adsinsight-go/pkg/tasks"
	"adsinsight-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

type fakeUpstream struct {
	body string
	err  error
}

func (f *fakeUpstream) StreamGenerateContent(context.Context, string, string, *gemini.GenerateRequest) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func newRelayRouter(up relay.Upstream) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/v1/analyze-ads", NewRelayHandler(relay.NewTranslator(up, "")).AnalyzeAds)
	return r
}

func postJSON(r http.Handler, method, path, body, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRelayHandler_MissingKey(t *testing.T) {
	w := postJSON(newRelayRouter(&fakeUpstream{}), http.MethodPost, "/api/v1/analyze-ads", `{"messages":[],"apiKey":""}`, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", w.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["error"] == "" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestRelayHandler_UpstreamStatus(t *testing.T) {
	cases := map[int]int{429: 429, 401: 401, 403: 500, 503: 500}
	for upstream, want := range cases {
		up := &fakeUpstream{err: &gemini.StatusError{StatusCode: upstream, Body: "nope"}}
		w := postJSON(newRelayRouter(up), http.MethodPost, "/api/v1/analyze-ads", `{"apiKey":"k"}`, "")
		if w.Code != want {
			t.Errorf("upstream %d: code = %d, want %d", upstream, w.Code, want)
		}
		if strings.Contains(w.Body.String(), "data:") {
			t.Errorf("upstream %d: error must not be streamed: %s", upstream, w.Body.String())
		}
	}
}

func TestRelayHandler_StreamsNormalizedEvents(t *testing.T) {
	up := &fakeUpstream{body: `data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Hi"},{"text":" there"}]}}]}` + "\n\n"}
	w := postJSON(newRelayRouter(up), http.MethodPost, "/api/v1/analyze-ads",
		`{"messages":[{"role":"user","content":"hello"}],"campaignData":null,"apiKey":"k","model":""}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	want := string(streamproto.EncodeDelta("Hi there")) + string(streamproto.DoneFrame)
	if w.Body.String() != want {
		t.Fatalf("body = %q, want %q", w.Body.String(), want)
	}
}

type apiFixture struct {
	router   *gin.Engine
	jwt      *token.JWTManager
	sessions service.SessionService
	settings service.AISettingsService
}

func newAPIFixture(t *testing.T, rel consumer.Relay, persist consumer.Persister) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&model.ChatSession{}, &model.ChatMessage{}, &model.AISettings{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	f := &apiFixture{
		jwt:      token.NewJWTManager("secret", 1),
		sessions: service.NewSessionService(repository.NewSessionRepository(db), repository.NewMessageRepository(db), nil, nil),
		settings: service.NewAISettingsService(repository.NewAISettingsRepository(db), secret.NewBox("k")),
	}
	r := gin.New()
	api := r.Group("/api/v1", middleware.AuthMiddleware(f.jwt))
	sh := NewSessionHandler(f.sessions, "transcripts")
	api.GET("/sessions", sh.ListSessions)
	api.POST("/sessions", sh.CreateSession)
	api.GET("/sessions/:id/messages", sh.ListMessages)
	api.POST("/sessions/:id/messages", sh.AppendMessage)
	api.PUT("/sessions/:id/title", sh.RenameSession)
	api.POST("/sessions/:id/archive", sh.ArchiveSession)
	api.DELETE("/sessions/:id", sh.DeleteSession)
	ah := NewAISettingsHandler(f.settings)
	api.GET("/ai-settings", ah.Get)
	api.PUT("/ai-settings", ah.Save)
	ch := NewChatHandler(f.sessions, f.settings, rel, persist, consumer.Options{}, f.jwt)
	api.GET("/chat/websocket-token", ch.GetWebsocketToken)
	r.GET("/chat/:token", ch.Handle)
	f.router = r
	return f
}

func (f *apiFixture) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := f.jwt.GenerateToken(userID, userID, "user")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return tok
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var e envelope
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return e
}

func TestSessionHandler_Lifecycle(t *testing.T) {
	f := newAPIFixture(t, nil, nil)
	alice := f.token(t, "alice")

	w := postJSON(f.router, http.MethodPost, "/api/v1/sessions", `{"accountId":"acc","title":"Budget"}`, alice)
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var s model.ChatSession
	_ = json.Unmarshal(decode(t, w).Data, &s)

	w = postJSON(f.router, http.MethodPost, "/api/v1/sessions/"+s.ID+"/messages", `{"role":"user","content":"hi"}`, alice)
	if w.Code != http.StatusOK {
		t.Fatalf("append: %d %s", w.Code, w.Body.String())
	}
	w = postJSON(f.router, http.MethodPost, "/api/v1/sessions/"+s.ID+"/messages", `{"role":"system","content":"x"}`, alice)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid role: %d", w.Code)
	}

	w = postJSON(f.router, http.MethodGet, "/api/v1/sessions/"+s.ID+"/messages", "", alice)
	var msgs []model.ChatMessage
	_ = json.Unmarshal(decode(t, w).Data, &msgs)
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Fatalf("messages = %+v", msgs)
	}

	// 其他用户看不到这个会话
	bob := f.token(t, "bob")
	if w := postJSON(f.router, http.MethodGet, "/api/v1/sessions/"+s.ID+"/messages", "", bob); w.Code != http.StatusNotFound {
		t.Fatalf("foreign session: code = %d", w.Code)
	}

	if w := postJSON(f.router, http.MethodPut, "/api/v1/sessions/"+s.ID+"/title", `{"title":"Renamed"}`, alice); w.Code != http.StatusOK {
		t.Fatalf("rename: %d", w.Code)
	}
	w = postJSON(f.router, http.MethodGet, "/api/v1/sessions?accountId=acc", "", alice)
	var list []model.ChatSession
	_ = json.Unmarshal(decode(t, w).Data, &list)
	if len(list) != 1 || list[0].Title != "Renamed" {
		t.Fatalf("list = %+v", list)
	}

	if w := postJSON(f.router, http.MethodPost, "/api/v1/sessions/"+s.ID+"/archive", "", alice); w.Code != http.StatusOK {
		t.Fatalf("archive: %d", w.Code)
	}
	w = postJSON(f.router, http.MethodGet, "/api/v1/sessions?accountId=acc", "", alice)
	list = nil
	_ = json.Unmarshal(decode(t, w).Data, &list)
	if len(list) != 0 {
		t.Fatalf("archived session listed: %+v", list)
	}

	if w := postJSON(f.router, http.MethodDelete, "/api/v1/sessions/"+s.ID, "", alice); w.Code != http.StatusOK {
		t.Fatalf("delete: %d", w.Code)
	}
	if w := postJSON(f.router, http.MethodGet, "/api/v1/sessions/"+s.ID+"/messages", "", alice); w.Code != http.StatusNotFound {
		t.Fatalf("deleted session: code = %d", w.Code)
	}
}

func TestAISettingsHandler(t *testing.T) {
	f := newAPIFixture(t, nil, nil)
	tok := f.token(t, "alice")

	w := postJSON(f.router, http.MethodGet, "/api/v1/ai-settings", "", tok)
	if !strings.Contains(w.Body.String(), `"hasKey":false`) {
		t.Fatalf("initial settings = %s", w.Body.String())
	}
	if w := postJSON(f.router, http.MethodPut, "/api/v1/ai-settings", `{"apiKey":""}`, tok); w.Code != http.StatusBadRequest {
		t.Fatalf("empty key: %d", w.Code)
	}
	w = postJSON(f.router, http.MethodPut, "/api/v1/ai-settings", `{"apiKey":"AIzaSyA-1234567890","model":"claude"}`, tok)
	if w.Code != http.StatusOK {
		t.Fatalf("save: %d %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if strings.Contains(body, "1234567890") || !strings.Contains(body, `"model":"gemini-2.5-flash"`) {
		t.Fatalf("save response leaks key or keeps bad model: %s", body)
	}
}

type chunkRelay struct{ body string }

func (r chunkRelay) Open(context.Context, consumer.RelayRequest) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(r.body)), nil
}

type memPersister struct {
	mu    sync.Mutex
	tasks []tasks.PersistTask
}

func (p *memPersister) Enqueue(task tasks.PersistTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
	return nil
}

type wsMessage struct {
	Type         string          `json:"type"`
	State        string          `json:"state"`
	ConnectionID string          `json:"connectionId"`
	CanSend      bool            `json:"canSend"`
	Event        *consumer.Event `json:"event"`
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(wsMessage) bool) wsMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var m wsMessage
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("read websocket: %v", err)
		}
		if match(m) {
			return m
		}
	}
}

func TestChatHandler_WebsocketFlow(t *testing.T) {
	persist := &memPersister{}
	body := string(streamproto.EncodeDelta("CTR is 2%.")) + string(streamproto.DoneFrame)
	f := newAPIFixture(t, chunkRelay{body: body}, persist)
	if _, err := f.settings.SaveUserAISettings(context.Background(), "alice", "AIza-key-123", ""); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	w := postJSON(f.router, http.MethodGet, "/api/v1/chat/websocket-token", "", f.token(t, "alice"))
	var data struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(decode(t, w).Data, &data)
	if data.Token == "" {
		t.Fatalf("token response = %s", w.Body.String())
	}

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/chat/"+data.Token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ready := readUntil(t, conn, func(m wsMessage) bool { return m.Type == "ready" })
	if ready.ConnectionID == "" || !ready.CanSend {
		t.Fatalf("ready = %+v", ready)
	}

	_ = conn.WriteJSON(ChatCommand{Type: "select_account", Account: &consumer.Account{ID: "acc", Name: "Shoes"}})
	reset := readUntil(t, conn, func(m wsMessage) bool { return m.Type == "view" && m.Event.Type == consumer.EventReset })
	if len(reset.Event.Messages) != 1 || !strings.Contains(reset.Event.Messages[0].Content, "Shoes") {
		t.Fatalf("welcome = %+v", reset.Event)
	}

	_ = conn.WriteJSON(ChatCommand{Type: "send", Text: "How is CTR?"})
	readUntil(t, conn, func(m wsMessage) bool { return m.Type == "state" && m.State == "completed" })

	persist.mu.Lock()
	defer persist.mu.Unlock()
	if len(persist.tasks) != 2 || persist.tasks[1].Content != "CTR is 2%." {
		t.Fatalf("persisted = %+v", persist.tasks)
	}
}

func TestChatHandler_RejectsBadToken(t *testing.T) {
	f := newAPIFixture(t, nil, nil)
	w := postJSON(f.router, http.MethodGet, "/chat/not-a-token", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d", w.Code)
	}
}
