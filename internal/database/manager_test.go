package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"relay/pkg/database"
	"relay/pkg/interfaces"
	"relay/pkg/types"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()

	config := database.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(config)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	if err := database.NewMigrationManager(manager.GetDB()).ApplyMigrations(); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	return manager
}

func seedThread(t *testing.T, m *Manager, threadID string, members ...string) {
	t.Helper()
	ctx := context.Background()

	for _, id := range members {
		user := types.UserSummary{ID: id, DisplayName: "User " + id, AvatarURL: "https://img/" + id}
		if err := m.UpsertUser(ctx, user, "device-"+id); err != nil {
			t.Fatalf("UpsertUser(%s) failed: %v", id, err)
		}
	}
	if err := m.CreateThread(ctx, threadID, members); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
}

func TestManager_ImplementsInterface(t *testing.T) {
	var _ interfaces.DatabaseManager = (*Manager)(nil)
}

func TestNewManager_InvalidConfig(t *testing.T) {
	config := database.DefaultConfig()
	config.DatabasePath = ""

	if _, err := NewManager(config); err == nil {
		t.Error("Expected error for empty database path")
	}
}

func TestManager_Membership(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	seedThread(t, m, "t1", "alice", "bob")
	seedThread(t, m, "t2", "alice")

	threads, err := m.ListThreadsForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("ListThreadsForUser failed: %v", err)
	}
	if len(threads) != 2 || threads[0] != "t1" || threads[1] != "t2" {
		t.Errorf("Expected [t1 t2], got %v", threads)
	}

	threads, err = m.ListThreadsForUser(ctx, "nobody")
	if err != nil {
		t.Fatalf("ListThreadsForUser failed: %v", err)
	}
	if len(threads) != 0 {
		t.Errorf("Expected no threads, got %v", threads)
	}

	ok, err := m.IsMember(ctx, "t1", "bob")
	if err != nil || !ok {
		t.Errorf("Expected bob to be a member of t1, got %v, %v", ok, err)
	}
	ok, err = m.IsMember(ctx, "t2", "bob")
	if err != nil || ok {
		t.Errorf("Expected bob not to be a member of t2, got %v, %v", ok, err)
	}

	members, err := m.ListMembers(ctx, "t1")
	if err != nil {
		t.Fatalf("ListMembers failed: %v", err)
	}
	if len(members) != 2 || members[0] != "alice" || members[1] != "bob" {
		t.Errorf("Expected [alice bob], got %v", members)
	}

	if err := m.RemoveMember(ctx, "t1", "bob"); err != nil {
		t.Fatalf("RemoveMember failed: %v", err)
	}
	ok, _ = m.IsMember(ctx, "t1", "bob")
	if ok {
		t.Error("Expected bob to be removed from t1")
	}
}

func TestManager_CreateAndGetMessage(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	seedThread(t, m, "t1", "alice", "bob")

	msg, err := m.CreateMessage(ctx, "t1", "alice", "hi")
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	if msg.ID == "" {
		t.Error("Expected generated message id")
	}
	if msg.CreatedAt.IsZero() {
		t.Error("Expected creation timestamp")
	}
	if msg.Sender == nil || msg.Sender.DisplayName != "User alice" {
		t.Errorf("Expected sender summary, got %+v", msg.Sender)
	}

	got, err := m.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got.Content != "hi" || got.ThreadID != "t1" || got.SenderID != "alice" {
		t.Errorf("Unexpected message: %+v", got)
	}
	if got.Sender.AvatarURL != "https://img/alice" {
		t.Errorf("Expected avatar url, got %q", got.Sender.AvatarURL)
	}
	if !got.CreatedAt.Equal(msg.CreatedAt) {
		t.Errorf("Expected created_at %v, got %v", msg.CreatedAt, got.CreatedAt)
	}

	if _, err := m.GetMessage(ctx, "missing"); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestManager_CreateMessage_UnknownThread(t *testing.T) {
	m := setupTestDB(t)
	seedThread(t, m, "t1", "alice")

	if _, err := m.CreateMessage(context.Background(), "nope", "alice", "hi"); err == nil {
		t.Error("Expected foreign key failure for unknown thread")
	}
}

func TestManager_CreateMessage_SenderLookupFailureStoresNothing(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	seedThread(t, m, "t1", "alice", "bob")

	if _, err := m.GetDB().Exec(`ALTER TABLE users DROP COLUMN avatar_url`); err != nil {
		t.Fatalf("Failed to alter users table: %v", err)
	}

	msg, err := m.CreateMessage(ctx, "t1", "alice", "hi")
	if err == nil {
		t.Fatalf("Expected sender lookup error, got message %+v", msg)
	}

	var stored int
	if err := m.GetDB().QueryRow(`SELECT COUNT(*) FROM messages WHERE thread_id = ?`, "t1").Scan(&stored); err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if stored != 0 {
		t.Errorf("A failed CreateMessage must not leave a stored row, found %d", stored)
	}
}

func TestManager_CreateMessage_CancelledContext(t *testing.T) {
	m := setupTestDB(t)
	seedThread(t, m, "t1", "alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.CreateMessage(ctx, "t1", "alice", "hi"); err == nil {
		t.Fatal("Expected error for cancelled context")
	}

	var stored int
	if err := m.GetDB().QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&stored); err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if stored != 0 {
		t.Errorf("Expected no stored messages, found %d", stored)
	}
}

func TestManager_SetLastMessage(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	seedThread(t, m, "t1", "alice")

	msg, err := m.CreateMessage(ctx, "t1", "alice", "hi")
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	if err := m.SetLastMessage(ctx, "t1", msg.ID); err != nil {
		t.Fatalf("SetLastMessage failed: %v", err)
	}

	last, err := m.LastMessageID(ctx, "t1")
	if err != nil {
		t.Fatalf("LastMessageID failed: %v", err)
	}
	if last != msg.ID {
		t.Errorf("Expected last message %s, got %s", msg.ID, last)
	}

	if err := m.SetLastMessage(ctx, "missing", msg.ID); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown thread, got %v", err)
	}
}

func TestManager_UpsertRead_Idempotent(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	seedThread(t, m, "t1", "alice", "bob")

	msg, err := m.CreateMessage(ctx, "t1", "alice", "hi")
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	first := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Minute)

	if err := m.UpsertRead(ctx, msg.ID, "bob", first); err != nil {
		t.Fatalf("UpsertRead failed: %v", err)
	}
	if err := m.UpsertRead(ctx, msg.ID, "bob", second); err != nil {
		t.Fatalf("Second UpsertRead failed: %v", err)
	}

	receipts, err := m.ReadReceipts(ctx, msg.ID)
	if err != nil {
		t.Fatalf("ReadReceipts failed: %v", err)
	}
	if len(receipts) != 1 {
		t.Fatalf("Expected 1 receipt, got %d", len(receipts))
	}
	if !receipts[0].ReadAt.Equal(second) {
		t.Errorf("Expected read_at %v, got %v", second, receipts[0].ReadAt)
	}
}

func TestManager_DeviceTokens(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	seedThread(t, m, "t1", "bob")

	token, err := m.DeviceToken(ctx, "bob")
	if err != nil || token != "device-bob" {
		t.Fatalf("Expected device-bob, got %q, %v", token, err)
	}

	// A stale token must not clear a newer one.
	if err := m.ClearDeviceToken(ctx, "bob", "old-token"); err != nil {
		t.Fatalf("ClearDeviceToken failed: %v", err)
	}
	token, _ = m.DeviceToken(ctx, "bob")
	if token != "device-bob" {
		t.Errorf("Expected token to survive mismatched clear, got %q", token)
	}

	if err := m.ClearDeviceToken(ctx, "bob", "device-bob"); err != nil {
		t.Fatalf("ClearDeviceToken failed: %v", err)
	}
	token, _ = m.DeviceToken(ctx, "bob")
	if token != "" {
		t.Errorf("Expected cleared token, got %q", token)
	}

	token, err = m.DeviceToken(ctx, "unknown")
	if err != nil || token != "" {
		t.Errorf("Expected empty token for unknown user, got %q, %v", token, err)
	}
}

func TestManager_TokensValidAfter(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	seedThread(t, m, "t1", "alice")

	after, err := m.TokensValidAfter(ctx, "alice")
	if err != nil || !after.IsZero() {
		t.Fatalf("Expected zero time, got %v, %v", after, err)
	}

	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := m.RevokeTokens(ctx, "alice", cutoff); err != nil {
		t.Fatalf("RevokeTokens failed: %v", err)
	}

	after, err = m.TokensValidAfter(ctx, "alice")
	if err != nil {
		t.Fatalf("TokensValidAfter failed: %v", err)
	}
	if !after.Equal(cutoff) {
		t.Errorf("Expected %v, got %v", cutoff, after)
	}
}

func TestManager_ConcurrentWrites(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	seedThread(t, m, "t1", "alice")

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.CreateMessage(ctx, "t1", "alice", fmt.Sprintf("msg %d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Concurrent write failed: %v", err)
	}

	var count int
	if err := m.GetDB().QueryRow("SELECT COUNT(*) FROM messages").Scan(&count); err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != n {
		t.Errorf("Expected %d messages, got %d", n, count)
	}
}

func TestManager_HealthCheckAndClose(t *testing.T) {
	m := setupTestDB(t)

	if err := m.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}

	err := m.UpsertRead(context.Background(), "m", "u", time.Now())
	if !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Expected ErrManagerClosed after close, got %v", err)
	}
}
