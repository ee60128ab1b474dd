// Package sqlite is the embedded mailbox backend. All state lives in a
// single database file; migrations are applied automatically on open, so a
// standalone deployment needs no external database and no separate migration
// step.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/pelicanmail/pelican/config"
	"github.com/pelicanmail/pelican/consts"
	"github.com/pelicanmail/pelican/logger"
	"github.com/pelicanmail/pelican/pkg/metrics"
	"github.com/pelicanmail/pelican/provider"
	"github.com/pelicanmail/pelican/server/idgen"
	"github.com/pelicanmail/pelican/storage"
)

//go:embed migrations
var MigrationsFS embed.FS

const backendName = "sqlite"

// Provider serves mailboxes from a SQLite database file. When a blob store
// is attached, message bodies are offloaded to S3 under their content hash
// and only metadata stays local.
type Provider struct {
	db    *sql.DB
	blobs *storage.BlobStore

	mu       sync.RWMutex
	callback provider.ActivityCallback
}

// New opens the database file, applies pending migrations and returns the
// provider. blobs may be nil to store bodies inline.
func New(ctx context.Context, cfg config.SQLiteConfig, blobs *storage.BlobStore) (*Provider, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", cfg.Path, err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("sqlite provider ready", "path", cfg.Path, "s3_offload", blobs != nil)
	return &Provider{db: db, blobs: blobs}, nil
}

func runMigrations(db *sql.DB) error {
	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source driver: %w", err)
	}
	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the database file.
func (p *Provider) Close() error {
	return p.db.Close()
}

func (p *Provider) Name() string {
	return backendName
}

func (p *Provider) RegisterActivityCallback(fn provider.ActivityCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callback = fn
}

func (p *Provider) fireActivity(username string) {
	p.mu.RLock()
	fn := p.callback
	p.mu.RUnlock()
	if fn != nil {
		fn(username)
	}
}

func (p *Provider) observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.ProviderOperationsTotal.WithLabelValues(backendName, operation, status).Inc()
	metrics.ProviderOperationDuration.WithLabelValues(backendName, operation).Observe(time.Since(start).Seconds())
}

// Authenticate verifies credentials against the users table. Unknown users
// and wrong passwords are indistinguishable to the caller.
func (p *Provider) Authenticate(ctx context.Context, info provider.ConnectionInfo, username, password string) (provider.Mailbox, error) {
	start := time.Now()

	var userID int64
	var passwordHash string
	err := p.db.QueryRowContext(ctx,
		"SELECT id, password_hash FROM users WHERE username = ?", username).
		Scan(&userID, &passwordHash)
	if errors.Is(err, sql.ErrNoRows) {
		provider.MitigateTiming(password)
		p.observe("authenticate", start, consts.ErrAuthenticationFailed)
		return nil, consts.ErrAuthenticationFailed
	}
	if err != nil {
		p.observe("authenticate", start, err)
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if err := provider.VerifyPassword(passwordHash, password); err != nil {
		logger.Debug("authentication rejected", "backend", backendName,
			"user", username, "session_id", info.SessionID, "remote", info.RemoteAddr)
		p.observe("authenticate", start, consts.ErrAuthenticationFailed)
		return nil, consts.ErrAuthenticationFailed
	}

	p.observe("authenticate", start, nil)
	return &mailbox{provider: p, userID: userID, username: username}, nil
}

// CreateAccount adds a user with a bcrypt-hashed password.
func (p *Provider) CreateAccount(ctx context.Context, username, password string) error {
	start := time.Now()
	hash, err := provider.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		"INSERT INTO users (username, password_hash) VALUES (?, ?)", username, hash)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		err = consts.ErrUserExists
	}
	p.observe("create_account", start, err)
	if err != nil && !errors.Is(err, consts.ErrUserExists) {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return err
}

// UpdateAccountPassword replaces the stored password hash.
func (p *Provider) UpdateAccountPassword(ctx context.Context, username, password string) error {
	start := time.Now()
	hash, err := provider.HashPassword(password)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx,
		"UPDATE users SET password_hash = ? WHERE username = ?", hash, username)
	if err != nil {
		p.observe("update_account", start, err)
		return fmt.Errorf("failed to update account: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		p.observe("update_account", start, consts.ErrUserNotFound)
		return consts.ErrUserNotFound
	}
	p.observe("update_account", start, nil)
	return nil
}

// DeleteAccount removes the user, their messages and any message bodies
// that end up unreferenced.
func (p *Provider) DeleteAccount(ctx context.Context, username string) error {
	start := time.Now()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		p.observe("delete_account", start, err)
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback()

	var userID int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM users WHERE username = ?", username).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		p.observe("delete_account", start, consts.ErrUserNotFound)
		return consts.ErrUserNotFound
	}
	if err != nil {
		p.observe("delete_account", start, err)
		return fmt.Errorf("failed to look up user: %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT content_hash FROM messages WHERE user_id = ?", userID)
	if err != nil {
		p.observe("delete_account", start, err)
		return fmt.Errorf("failed to list message bodies: %w", err)
	}
	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			rows.Close()
			p.observe("delete_account", start, err)
			return err
		}
		hashes = append(hashes, hash)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		p.observe("delete_account", start, err)
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE user_id = ?", userID); err != nil {
		p.observe("delete_account", start, err)
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	orphaned, err := releaseBodies(ctx, tx, hashes)
	if err != nil {
		p.observe("delete_account", start, err)
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = ?", userID); err != nil {
		p.observe("delete_account", start, err)
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		p.observe("delete_account", start, err)
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}

	p.deleteOrphanedBlobs(ctx, orphaned)
	p.observe("delete_account", start, nil)
	return nil
}

// ListAccounts returns all accounts with message statistics.
func (p *Provider) ListAccounts(ctx context.Context) ([]provider.Account, error) {
	start := time.Now()
	rows, err := p.db.QueryContext(ctx, `
		SELECT u.username, u.created_at, COUNT(m.id), COALESCE(SUM(m.size), 0)
		FROM users u
		LEFT JOIN messages m ON m.user_id = u.id
		GROUP BY u.id
		ORDER BY u.username`)
	if err != nil {
		p.observe("list_accounts", start, err)
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []provider.Account
	for rows.Next() {
		var acc provider.Account
		if err := rows.Scan(&acc.Username, &acc.CreatedAt, &acc.MessageCount, &acc.TotalSize); err != nil {
			p.observe("list_accounts", start, err)
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		p.observe("list_accounts", start, err)
		return nil, err
	}
	p.observe("list_accounts", start, nil)
	return accounts, nil
}

// ListContentHashes returns the content hashes of all referenced message
// bodies.
func (p *Provider) ListContentHashes(ctx context.Context) ([]string, error) {
	start := time.Now()
	rows, err := p.db.QueryContext(ctx, "SELECT content_hash FROM message_bodies")
	if err != nil {
		p.observe("list_content_hashes", start, err)
		return nil, fmt.Errorf("failed to list content hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			p.observe("list_content_hashes", start, err)
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	if err := rows.Err(); err != nil {
		p.observe("list_content_hashes", start, err)
		return nil, err
	}
	p.observe("list_content_hashes", start, nil)
	return hashes, nil
}

// InsertMessage delivers a raw message body into the user's mailbox and
// returns the assigned unique-ID. Identical bodies share one stored copy.
func (p *Provider) InsertMessage(ctx context.Context, username string, body []byte) (string, error) {
	start := time.Now()
	uid := idgen.New()
	hash := storage.ContentHash(body)
	size := provider.WireSize(body)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		p.observe("insert_message", start, err)
		return "", fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback()

	var userID int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM users WHERE username = ?", username).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		p.observe("insert_message", start, consts.ErrUserNotFound)
		return "", consts.ErrUserNotFound
	}
	if err != nil {
		p.observe("insert_message", start, err)
		return "", fmt.Errorf("failed to look up user: %w", err)
	}

	var stored []byte
	if p.blobs == nil {
		stored = body
	}
	var refCount int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO message_bodies (content_hash, body, ref_count) VALUES (?, ?, 1)
		ON CONFLICT (content_hash) DO UPDATE SET ref_count = ref_count + 1
		RETURNING ref_count`, hash, stored).Scan(&refCount)
	if err != nil {
		p.observe("insert_message", start, err)
		return "", fmt.Errorf("failed to store message body: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO messages (user_id, uid, size, content_hash) VALUES (?, ?, ?, ?)",
		userID, uid, size, hash); err != nil {
		p.observe("insert_message", start, err)
		return "", fmt.Errorf("failed to insert message: %w", err)
	}

	// Upload before commit so a failed upload rolls the row back.
	if p.blobs != nil && refCount == 1 {
		if err := p.blobs.Put(ctx, hash, bytes.NewReader(body), int64(len(body))); err != nil {
			p.observe("insert_message", start, err)
			return "", fmt.Errorf("%w: %v", consts.ErrS3UploadFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		p.observe("insert_message", start, err)
		return "", fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}

	p.observe("insert_message", start, nil)
	p.fireActivity(username)
	return uid, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// releaseBodies drops one reference per hash and deletes bodies that reach
// zero. It returns the hashes whose rows were removed so the caller can
// clean up the blob store after commit.
func releaseBodies(ctx context.Context, tx execer, hashes []string) ([]string, error) {
	var orphaned []string
	for _, hash := range hashes {
		var refCount int64
		err := tx.QueryRowContext(ctx, `
			UPDATE message_bodies SET ref_count = ref_count - 1
			WHERE content_hash = ?
			RETURNING ref_count`, hash).Scan(&refCount)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to release message body: %w", err)
		}
		if refCount <= 0 {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM message_bodies WHERE content_hash = ?", hash); err != nil {
				return nil, fmt.Errorf("failed to delete message body: %w", err)
			}
			orphaned = append(orphaned, hash)
		}
	}
	return orphaned, nil
}

// deleteOrphanedBlobs is best effort; a leaked blob is found again by the
// admin tool's orphan scan.
func (p *Provider) deleteOrphanedBlobs(ctx context.Context, hashes []string) {
	if p.blobs == nil {
		return
	}
	for _, hash := range hashes {
		if err := p.blobs.Delete(ctx, hash); err != nil {
			logger.Warn("failed to delete orphaned blob", "hash", hash, "error", err)
		}
	}
}
