package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	dbconfig "relay/pkg/database"
	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// Manager implements interfaces.DatabaseManager on SQLite.
// Reads run concurrently on the pool; writes are funnelled through a single
// goroutine so SQLite never sees competing writers.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// busyRetryDelay is the pause before the single retry of a write that hit
// SQLITE_BUSY.
var busyRetryDelay = 250 * time.Millisecond

// NewManager opens the database and starts the writer goroutine.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if isBusy(err) {
				zap.S().Warnw("database busy, retrying write",
					"error", err,
				)
				time.Sleep(busyRetryDelay)
				err = op.operation(m.db)
			}
			op.result <- err

		case <-m.shutdown:
			zap.S().Debug("database write loop shutting down")
			return
		}
	}
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timeout.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// ListThreadsForUser returns the ids of every thread the user belongs to.
func (m *Manager) ListThreadsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT thread_id FROM thread_members WHERE user_id = ? ORDER BY thread_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query user threads: %w", err)
	}
	return scanIDs(rows)
}

// IsMember reports whether userID belongs to threadID.
func (m *Manager) IsMember(ctx context.Context, threadID, userID string) (bool, error) {
	var one int
	err := m.db.QueryRowContext(ctx,
		`SELECT 1 FROM thread_members WHERE thread_id = ? AND user_id = ?`,
		threadID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query membership: %w", err)
	}
	return true, nil
}

// ListMembers returns every member of a thread.
func (m *Manager) ListMembers(ctx context.Context, threadID string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT user_id FROM thread_members WHERE thread_id = ? ORDER BY user_id`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query thread members: %w", err)
	}
	return scanIDs(rows)
}

// CreateMessage stores a message with a server-generated id and timestamp.
// The sender summary is resolved first, so a returned error means nothing
// was stored.
func (m *Manager) CreateMessage(ctx context.Context, threadID, senderID, content string) (*types.Message, error) {
	sender, err := m.userSummary(ctx, senderID)
	if err != nil {
		return nil, err
	}

	message := &types.Message{
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		SenderID:  senderID,
		Sender:    sender,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	err = m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO messages (id, thread_id, sender_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			message.ID, message.ThreadID, message.SenderID, message.Content, message.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return message, nil
}

// SetLastMessage points the thread at its newest message.
func (m *Manager) SetLastMessage(ctx context.Context, threadID, messageID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE threads SET last_message_id = ?, updated_at = ? WHERE id = ?`,
			messageID, time.Now().UTC(), threadID,
		)
		if err != nil {
			return fmt.Errorf("failed to update last message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrNotFound
		}
		return nil
	})
}

// GetMessage loads a message and its sender summary.
func (m *Manager) GetMessage(ctx context.Context, messageID string) (*types.Message, error) {
	var (
		message     types.Message
		displayName string
		avatarURL   sql.NullString
	)

	err := m.db.QueryRowContext(ctx, `
		SELECT m.id, m.thread_id, m.sender_id, m.content, m.created_at, u.display_name, u.avatar_url
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.id = ?
	`, messageID).Scan(
		&message.ID,
		&message.ThreadID,
		&message.SenderID,
		&message.Content,
		&message.CreatedAt,
		&displayName,
		&avatarURL,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}

	message.Sender = &types.UserSummary{
		ID:          message.SenderID,
		DisplayName: displayName,
		AvatarURL:   avatarURL.String,
	}

	return &message, nil
}

// UpsertRead records a read receipt; a repeat only moves read_at.
func (m *Manager) UpsertRead(ctx context.Context, messageID, userID string, readAt time.Time) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO message_reads (message_id, user_id, read_at) VALUES (?, ?, ?)
			ON CONFLICT (message_id, user_id) DO UPDATE SET read_at = excluded.read_at
		`, messageID, userID, readAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to upsert read receipt: %w", err)
		}
		return nil
	})
}

// ReadReceipts returns the receipts recorded for a message.
func (m *Manager) ReadReceipts(ctx context.Context, messageID string) ([]types.ReadReceipt, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT message_id, user_id, read_at FROM message_reads WHERE message_id = ? ORDER BY user_id`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query read receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var receipts []types.ReadReceipt
	for rows.Next() {
		var r types.ReadReceipt
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.ReadAt); err != nil {
			return nil, fmt.Errorf("failed to scan read receipt: %w", err)
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// DeviceToken returns the push token stored on the user's profile.
func (m *Manager) DeviceToken(ctx context.Context, userID string) (string, error) {
	var token sql.NullString
	err := m.db.QueryRowContext(ctx,
		`SELECT device_token FROM users WHERE id = ?`, userID,
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query device token: %w", err)
	}
	return token.String, nil
}

// ClearDeviceToken drops a token the provider reported as permanently invalid.
func (m *Manager) ClearDeviceToken(ctx context.Context, userID, token string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE users SET device_token = NULL WHERE id = ? AND device_token = ?`,
			userID, token,
		)
		if err != nil {
			return fmt.Errorf("failed to clear device token: %w", err)
		}
		return nil
	})
}

// TokensValidAfter returns the user's revocation cut-off, or the zero time
// if none is set.
func (m *Manager) TokensValidAfter(ctx context.Context, userID string) (time.Time, error) {
	var after sql.NullTime
	err := m.db.QueryRowContext(ctx,
		`SELECT tokens_valid_after FROM users WHERE id = ?`, userID,
	).Scan(&after)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query revocation time: %w", err)
	}
	return after.Time, nil
}

// UpsertUser creates or updates a user profile.
func (m *Manager) UpsertUser(ctx context.Context, user types.UserSummary, deviceToken string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (id, display_name, avatar_url, device_token) VALUES (?, ?, ?, NULLIF(?, ''))
			ON CONFLICT (id) DO UPDATE SET
				display_name = excluded.display_name,
				avatar_url = excluded.avatar_url,
				device_token = excluded.device_token
		`, user.ID, user.DisplayName, user.AvatarURL, deviceToken)
		if err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}
		return nil
	})
}

// RevokeTokens sets the user's revocation cut-off to at.
func (m *Manager) RevokeTokens(ctx context.Context, userID string, at time.Time) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE users SET tokens_valid_after = ? WHERE id = ?`, at.UTC(), userID,
		)
		if err != nil {
			return fmt.Errorf("failed to revoke tokens: %w", err)
		}
		return nil
	})
}

// CreateThread creates a thread with the given members.
func (m *Manager) CreateThread(ctx context.Context, threadID string, memberIDs []string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `INSERT INTO threads (id) VALUES (?)`, threadID); err != nil {
			return fmt.Errorf("failed to insert thread: %w", err)
		}

		for _, userID := range memberIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO thread_members (thread_id, user_id) VALUES (?, ?)`,
				threadID, userID,
			); err != nil {
				return fmt.Errorf("failed to insert thread member %s: %w", userID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit thread creation: %w", err)
		}
		return nil
	})
}

// RemoveMember removes a user from a thread.
func (m *Manager) RemoveMember(ctx context.Context, threadID, userID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`DELETE FROM thread_members WHERE thread_id = ? AND user_id = ?`, threadID, userID,
		)
		if err != nil {
			return fmt.Errorf("failed to remove thread member: %w", err)
		}
		return nil
	})
}

// LastMessageID returns the thread's last-message pointer.
func (m *Manager) LastMessageID(ctx context.Context, threadID string) (string, error) {
	var id sql.NullString
	err := m.db.QueryRowContext(ctx,
		`SELECT last_message_id FROM threads WHERE id = ?`, threadID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", interfaces.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query thread: %w", err)
	}
	return id.String, nil
}

func (m *Manager) userSummary(ctx context.Context, userID string) (*types.UserSummary, error) {
	var (
		summary   = types.UserSummary{ID: userID}
		avatarURL sql.NullString
	)
	err := m.db.QueryRowContext(ctx,
		`SELECT display_name, avatar_url FROM users WHERE id = ?`, userID,
	).Scan(&summary.DisplayName, &avatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return &summary, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	summary.AvatarURL = avatarURL.String
	return &summary, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the database. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	return nil
}
