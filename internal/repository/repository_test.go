package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"adsinsight-go/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&model.ChatSession{}, &model.ChatMessage{}, &model.AISettings{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestSessionRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	sessions := NewSessionRepository(db)
	messages := NewMessageRepository(db)

	s1 := &model.ChatSession{ID: "s1", UserID: "u", AccountID: "a", Title: "first"}
	s2 := &model.ChatSession{ID: "s2", UserID: "u", AccountID: "a", Title: "second"}
	other := &model.ChatSession{ID: "s3", UserID: "u", AccountID: "b", Title: "other account"}
	for _, s := range []*model.ChatSession{s1, s2, other} {
		if err := sessions.Create(ctx, s); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	list, err := sessions.ListActive(ctx, "u", "a")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListActive = %d sessions, want 2", len(list))
	}

	if err := sessions.Archive(ctx, "s1"); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	list, _ = sessions.ListActive(ctx, "u", "a")
	if len(list) != 1 || list[0].ID != "s2" {
		t.Fatalf("archived session still listed: %+v", list)
	}

	if err := sessions.UpdateTitle(ctx, "s2", "renamed"); err != nil {
		t.Fatalf("UpdateTitle: %v", err)
	}
	got, _ := sessions.FindByID(ctx, "s2")
	if got.Title != "renamed" {
		t.Fatalf("title = %q", got.Title)
	}

	_ = messages.Append(ctx, &model.ChatMessage{ID: "m1", SessionID: "s2", Role: model.RoleUser, Content: "hi", CreatedAt: time.Now()})
	if err := sessions.Delete(ctx, "s2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := sessions.FindByID(ctx, "s2"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("FindByID after delete: %v", err)
	}
	msgs, _ := messages.ListBySession(ctx, "s2")
	if len(msgs) != 0 {
		t.Fatalf("messages survived session delete: %d", len(msgs))
	}

	if err := sessions.Archive(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Archive(missing) = %v", err)
	}
}

func TestMessageRepository_OrdersByCreatedAtThenSeq(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository(newTestDB(t))
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	// 写入顺序被打乱，读取顺序由 created_at 与 seq 决定
	rows := []model.ChatMessage{
		{ID: "c", SessionID: "s", Role: model.RoleAssistant, Content: "third", CreatedAt: base, Seq: 3},
		{ID: "a", SessionID: "s", Role: model.RoleUser, Content: "first", CreatedAt: base.Add(-time.Second), Seq: 1},
		{ID: "b", SessionID: "s", Role: model.RoleAssistant, Content: "second", CreatedAt: base, Seq: 2},
	}
	for i := range rows {
		if err := repo.Append(ctx, &rows[i]); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	msgs, err := repo.ListBySession(ctx, "s")
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	var order []string
	for _, m := range msgs {
		order = append(order, m.Content)
	}
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("order = %v", order)
	}
}

func TestAISettingsRepository_Upsert(t *testing.T) {
	ctx := context.Background()
	repo := NewAISettingsRepository(newTestDB(t))

	if _, err := repo.Get(ctx, "u"); !errors.Is(err, ErrSettingsNotFound) {
		t.Fatalf("Get before upsert: %v", err)
	}
	if err := repo.Upsert(ctx, &model.AISettings{UserID: "u", EncryptedAPIKey: []byte{1}, Model: "gemini-2.5-flash"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := repo.Upsert(ctx, &model.AISettings{UserID: "u", EncryptedAPIKey: []byte{2}, Model: "gemini-2.5-pro"}); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	s, err := repo.Get(ctx, "u")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Model != "gemini-2.5-pro" || len(s.EncryptedAPIKey) != 1 || s.EncryptedAPIKey[0] != 2 {
		t.Fatalf("unexpected settings %+v", s)
	}
}

func TestMessageCache_DisabledWithoutRedis(t *testing.T) {
	c := NewMessageCache(nil, 0)
	if stored, err := c.Set(context.Background(), "s", 0, []model.ChatMessage{{Content: "x"}}); stored || err != nil {
		t.Fatalf("Set: %v %v", stored, err)
	}
	if _, ok, err := c.Get(context.Background(), "s"); ok || err != nil {
		t.Fatalf("disabled cache returned a hit: %v %v", ok, err)
	}
}

func newRedisCache(t *testing.T) MessageCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewMessageCache(client, time.Minute)
}

func TestMessageCache_SetSkipsStaleGeneration(t *testing.T) {
	ctx := context.Background()
	c := newRedisCache(t)
	stale := []model.ChatMessage{{Content: "q1"}}

	gen, err := c.Generation(ctx, "s")
	if err != nil {
		t.Fatalf("Generation: %v", err)
	}
	// 查库之后、回填之前有一条新消息写入
	if err := c.Invalidate(ctx, "s"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if stored, err := c.Set(ctx, "s", gen, stale); stored || err != nil {
		t.Fatalf("stale Set stored=%v err=%v", stored, err)
	}
	if _, ok, err := c.Get(ctx, "s"); ok || err != nil {
		t.Fatalf("stale list cached: %v %v", ok, err)
	}

	fresh := []model.ChatMessage{{Content: "q1"}, {Content: "a1"}}
	gen, _ = c.Generation(ctx, "s")
	if stored, err := c.Set(ctx, "s", gen, fresh); !stored || err != nil {
		t.Fatalf("Set stored=%v err=%v", stored, err)
	}
	got, ok, err := c.Get(ctx, "s")
	if !ok || err != nil || len(got) != 2 || got[1].Content != "a1" {
		t.Fatalf("Get = %+v %v %v", got, ok, err)
	}

	if err := c.Invalidate(ctx, "s"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "s"); ok {
		t.Fatalf("invalidated list still cached")
	}
}
