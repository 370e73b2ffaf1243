package consumer

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"adsinsight-go/internal/model"
	"adsinsight-go/internal/pipeline"
	"adsinsight-go/internal/relay"
	"adsinsight-go/internal/repository"
	"adsinsight-go/internal/service"
	"adsinsight-go/pkg/secret"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type coordFixture struct {
	store    service.SessionService
	settings service.AISettingsService
	queue    *pipeline.Queue
	relay    *fakeRelay
	view     *Conversation
	notices  *noticeLog
	consumer *Consumer
	coord    *Coordinator
}

func newCoordFixture(t *testing.T, withKey bool, opens ...openFunc) *coordFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "coord.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&model.ChatSession{}, &model.ChatMessage{}, &model.AISettings{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	f := &coordFixture{
		store:    service.NewSessionService(repository.NewSessionRepository(db), repository.NewMessageRepository(db), nil, nil),
		settings: service.NewAISettingsService(repository.NewAISettingsRepository(db), secret.NewBox("test")),
		relay:    &fakeRelay{opens: opens},
		view:     NewConversation(nil),
		notices:  &noticeLog{},
	}
	if withKey {
		if _, err := f.settings.SaveUserAISettings(context.Background(), "u1", "AIza-test-key", "gemini-2.5-pro"); err != nil {
			t.Fatalf("save settings: %v", err)
		}
	}
	f.queue = pipeline.NewQueue(pipeline.NewProcessor(f.store), pipeline.QueueConfig{Workers: 2, QueueSize: 32})
	t.Cleanup(func() { f.queue.Close(context.Background()) })
	f.consumer = New(f.relay, f.queue, f.view, f.notices, Options{TitleMaxLen: 20})
	f.coord = NewCoordinator("u1", f.store, f.settings, f.consumer, f.view, f.notices)
	return f
}

// drain 等待队列中的任务全部写入存储。
func (f *coordFixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.queue.Close(ctx); err != nil {
		t.Fatalf("drain queue: %v", err)
	}
}

func TestCoordinator_SendRequiresAccount(t *testing.T) {
	f := newCoordFixture(t, true)
	if _, err := f.coord.Send(context.Background(), "hi"); !errors.Is(err, ErrAccountRequired) {
		t.Fatalf("err = %v", err)
	}
	if n := f.notices.all(); len(n) != 1 || n[0].Title != "Select an account" {
		t.Fatalf("notifications = %+v", n)
	}
	if len(f.relay.reqs) != 0 {
		t.Fatalf("relay must not be called")
	}
}

func TestCoordinator_SendRequiresCredential(t *testing.T) {
	f := newCoordFixture(t, false)
	ctx := context.Background()
	if err := f.coord.SelectAccount(ctx, Account{ID: "acc", Name: "Shoes"}); err != nil {
		t.Fatalf("SelectAccount: %v", err)
	}
	if f.coord.CanSend(ctx) {
		t.Fatalf("CanSend without key")
	}
	if _, err := f.coord.Send(ctx, "hi"); !errors.Is(err, relay.ErrCredentialMissing) {
		t.Fatalf("err = %v", err)
	}
	if n := f.notices.all(); len(n) != 1 || n[0].Title != "Gemini key missing" {
		t.Fatalf("notifications = %+v", n)
	}
	sessions, _ := f.store.ListSessions(ctx, "u1", "acc")
	if len(sessions) != 0 {
		t.Fatalf("no session may be created before a send is possible")
	}
}

func TestCoordinator_LazySessionAndPersistence(t *testing.T) {
	f := newCoordFixture(t, true, bodyOf(chunks(deltas("CPA rose 8%.\n\n", "Bids went up."))))
	ctx := context.Background()

	if err := f.coord.SelectAccount(ctx, Account{ID: "acc", Name: "Shoes"}); err != nil {
		t.Fatalf("SelectAccount: %v", err)
	}
	msgs := f.view.Snapshot()
	if len(msgs) != 1 || !msgs[0].Ephemeral || msgs[0].Content != WelcomeText(&Account{Name: "Shoes"}) {
		t.Fatalf("welcome view = %+v", msgs)
	}
	if sessions, _ := f.store.ListSessions(ctx, "u1", "acc"); len(sessions) != 0 {
		t.Fatalf("account switch must not create a session")
	}

	f.coord.SetContext([]byte(`{"campaigns":[{"name":"Brand"}]}`))
	if _, err := f.coord.Send(ctx, "Why did   CPA rise this week?"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	f.consumer.Wait()
	f.drain(t)

	sessions, err := f.store.ListSessions(ctx, "u1", "acc")
	if err != nil || len(sessions) != 1 {
		t.Fatalf("sessions = %+v, %v", sessions, err)
	}
	if sessions[0].Title != "Why did CPA rise thi..." {
		t.Fatalf("title = %q", sessions[0].Title)
	}
	if f.coord.SessionID() != sessions[0].ID {
		t.Fatalf("active session not set")
	}

	stored, err := f.store.ListMessages(ctx, sessions[0].ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	want := []string{"user:Why did   CPA rise this week?", "assistant:CPA rose 8%.", "assistant:Bids went up."}
	if len(stored) != len(want) {
		t.Fatalf("stored = %+v", stored)
	}
	for i, m := range stored {
		if m.Role+":"+m.Content != want[i] {
			t.Fatalf("stored[%d] = %s:%s, want %s", i, m.Role, m.Content, want[i])
		}
	}

	req := f.relay.reqs[0]
	if req.Model != "gemini-2.5-pro" || req.APIKey != "AIza-test-key" || string(req.CampaignData) == "" {
		t.Fatalf("relay request = %+v", req)
	}
	if len(req.Messages) != 1 {
		t.Fatalf("welcome text must not reach the relay: %+v", req.Messages)
	}
}

func TestCoordinator_SwitchingSessionCancelsStream(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	f := newCoordFixture(t, true, bodyOf(pr))
	ctx := context.Background()

	other, err := f.store.CreateSession(ctx, "u1", "acc", "older")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := f.store.AppendMessage(ctx, other.ID, model.RoleUser, "old question"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := f.coord.SelectAccount(ctx, Account{ID: "acc", Name: "Shoes"}); err != nil {
		t.Fatalf("SelectAccount: %v", err)
	}
	if _, err := f.coord.NewChat(ctx); err != nil {
		t.Fatalf("NewChat: %v", err)
	}
	if _, err := f.coord.Send(ctx, "new question"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, func() bool { return len(f.view.Snapshot()) == 3 }) // 欢迎语、用户消息、占位气泡

	if err := f.coord.SelectSession(ctx, other.ID); err != nil {
		t.Fatalf("SelectSession: %v", err)
	}
	if f.consumer.State() != StateCancelled {
		t.Fatalf("state = %v", f.consumer.State())
	}
	msgs := f.view.Snapshot()
	if len(msgs) != 1 || msgs[0].Content != "old question" {
		t.Fatalf("view = %+v", msgs)
	}
}

func TestCoordinator_SelectAccountOpensLatestSession(t *testing.T) {
	f := newCoordFixture(t, true)
	ctx := context.Background()
	s, _ := f.store.CreateSession(ctx, "u1", "acc", "budget")
	_ = f.store.AppendMessage(ctx, s.ID, model.RoleUser, "budget?")
	_ = f.store.AppendMessage(ctx, s.ID, model.RoleAssistant, "on track")

	if err := f.coord.SelectAccount(ctx, Account{ID: "acc", Name: "Shoes"}); err != nil {
		t.Fatalf("SelectAccount: %v", err)
	}
	if f.coord.SessionID() != s.ID {
		t.Fatalf("active session = %q", f.coord.SessionID())
	}
	if g := roles(f.view.Snapshot()); len(g) != 2 || g[1] != "assistant:on track" {
		t.Fatalf("view = %q", g)
	}
}

func TestCoordinator_ArchiveActiveResetsToWelcome(t *testing.T) {
	f := newCoordFixture(t, true)
	ctx := context.Background()
	if err := f.coord.SelectAccount(ctx, Account{ID: "acc", Name: "Shoes"}); err != nil {
		t.Fatalf("SelectAccount: %v", err)
	}
	s, err := f.coord.NewChat(ctx)
	if err != nil {
		t.Fatalf("NewChat: %v", err)
	}
	if s.Title != "New Chat" {
		t.Fatalf("title = %q", s.Title)
	}

	if err := f.coord.Archive(ctx, s.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if f.coord.SessionID() != "" {
		t.Fatalf("archived session still active")
	}
	if msgs := f.view.Snapshot(); len(msgs) != 1 || !msgs[0].Ephemeral {
		t.Fatalf("view = %+v", msgs)
	}
	if sessions, _ := f.store.ListSessions(ctx, "u1", "acc"); len(sessions) != 0 {
		t.Fatalf("archived session still listed")
	}

	s2, _ := f.coord.NewChat(ctx)
	if err := f.coord.Delete(ctx, s2.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.store.GetSession(ctx, s2.ID); err == nil {
		t.Fatalf("deleted session still readable")
	}
}

func TestCoordinator_RejectsForeignSessions(t *testing.T) {
	f := newCoordFixture(t, true)
	ctx := context.Background()
	foreign, err := f.store.CreateSession(ctx, "u2", "acc", "private")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := f.store.AppendMessage(ctx, foreign.ID, model.RoleUser, "u2 secret"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	otherAccount, _ := f.store.CreateSession(ctx, "u1", "acc-2", "elsewhere")
	if err := f.coord.SelectAccount(ctx, Account{ID: "acc", Name: "Shoes"}); err != nil {
		t.Fatalf("SelectAccount: %v", err)
	}

	for _, id := range []string{foreign.ID, otherAccount.ID} {
		if err := f.coord.SelectSession(ctx, id); !errors.Is(err, repository.ErrSessionNotFound) {
			t.Fatalf("SelectSession(%s) err = %v", id, err)
		}
	}
	if f.coord.SessionID() != "" {
		t.Fatalf("active session = %q", f.coord.SessionID())
	}
	for _, m := range f.view.Snapshot() {
		if m.Content == "u2 secret" {
			t.Fatalf("foreign message loaded into view")
		}
	}

	if err := f.coord.Archive(ctx, foreign.ID); !errors.Is(err, repository.ErrSessionNotFound) {
		t.Fatalf("Archive err = %v", err)
	}
	if err := f.coord.Delete(ctx, foreign.ID); !errors.Is(err, repository.ErrSessionNotFound) {
		t.Fatalf("Delete err = %v", err)
	}
	got, err := f.store.GetSession(ctx, foreign.ID)
	if err != nil || got.Archived {
		t.Fatalf("foreign session changed: %+v, %v", got, err)
	}
	if sessions, _ := f.store.ListSessions(ctx, "u2", "acc"); len(sessions) != 1 {
		t.Fatalf("foreign session list = %d", len(sessions))
	}
}
