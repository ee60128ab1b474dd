// Package postgres is the shared-database mailbox backend for deployments
// where several services read and write the same mail store. Schema
// migrations are managed out of band with the admin tool, not at server
// startup.
package postgres

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

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

const backendName = "postgres"

const uniqueViolationCode = "23505"

// Provider serves mailboxes from a PostgreSQL database through a pgx
// connection pool. When a blob store is attached, message bodies are
// offloaded to S3 under their content hash and only metadata stays in the
// database.
type Provider struct {
	pool  *pgxpool.Pool
	blobs *storage.BlobStore

	mu       sync.RWMutex
	callback provider.ActivityCallback
}

// New connects the pool and pings the database. blobs may be nil to store
// bodies inline.
func New(ctx context.Context, cfg config.PostgresConfig, blobs *storage.BlobStore) (*Provider, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("postgres provider ready", "host", cfg.Host, "database", cfg.Name, "s3_offload", blobs != nil)
	return &Provider{pool: pool, blobs: blobs}, nil
}

// Close releases the connection pool.
func (p *Provider) Close() error {
	p.pool.Close()
	return nil
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// Authenticate verifies credentials against the users table. Unknown users
// and wrong passwords are indistinguishable to the caller.
func (p *Provider) Authenticate(ctx context.Context, info provider.ConnectionInfo, username, password string) (provider.Mailbox, error) {
	start := time.Now()

	var userID int64
	var passwordHash string
	err := p.pool.QueryRow(ctx,
		"SELECT id, password_hash FROM users WHERE username = $1", username).
		Scan(&userID, &passwordHash)
	if errors.Is(err, pgx.ErrNoRows) {
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
	_, err = p.pool.Exec(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2)", username, hash)
	if isUniqueViolation(err) {
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
	tag, err := p.pool.Exec(ctx,
		"UPDATE users SET password_hash = $1 WHERE username = $2", hash, username)
	if err != nil {
		p.observe("update_account", start, err)
		return fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
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

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		p.observe("delete_account", start, err)
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	var userID int64
	err = tx.QueryRow(ctx, "SELECT id FROM users WHERE username = $1", username).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		p.observe("delete_account", start, consts.ErrUserNotFound)
		return consts.ErrUserNotFound
	}
	if err != nil {
		p.observe("delete_account", start, err)
		return fmt.Errorf("failed to look up user: %w", err)
	}

	hashes, err := collectStrings(tx.Query(ctx,
		"SELECT content_hash FROM messages WHERE user_id = $1", userID))
	if err != nil {
		p.observe("delete_account", start, err)
		return fmt.Errorf("failed to list message bodies: %w", err)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM messages WHERE user_id = $1", userID); err != nil {
		p.observe("delete_account", start, err)
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	orphaned, err := releaseBodies(ctx, tx, hashes)
	if err != nil {
		p.observe("delete_account", start, err)
		return err
	}
	if _, err := tx.Exec(ctx, "DELETE FROM users WHERE id = $1", userID); err != nil {
		p.observe("delete_account", start, err)
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
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
	rows, err := p.pool.Query(ctx, `
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
	hashes, err := collectStrings(p.pool.Query(ctx, "SELECT content_hash FROM message_bodies"))
	p.observe("list_content_hashes", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list content hashes: %w", err)
	}
	return hashes, nil
}

// InsertMessage delivers a raw message body into the user's mailbox and
// returns the assigned unique-ID. Identical bodies share one stored copy.
func (p *Provider) InsertMessage(ctx context.Context, username string, body []byte) (string, error) {
	start := time.Now()
	uid := idgen.New()
	hash := storage.ContentHash(body)
	size := provider.WireSize(body)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		p.observe("insert_message", start, err)
		return "", fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	var userID int64
	err = tx.QueryRow(ctx, "SELECT id FROM users WHERE username = $1", username).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
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
	err = tx.QueryRow(ctx, `
		INSERT INTO message_bodies (content_hash, body, ref_count) VALUES ($1, $2, 1)
		ON CONFLICT (content_hash) DO UPDATE SET ref_count = message_bodies.ref_count + 1
		RETURNING ref_count`, hash, stored).Scan(&refCount)
	if err != nil {
		p.observe("insert_message", start, err)
		return "", fmt.Errorf("failed to store message body: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO messages (user_id, uid, size, content_hash) VALUES ($1, $2, $3, $4)",
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

	if err := tx.Commit(ctx); err != nil {
		p.observe("insert_message", start, err)
		return "", fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}

	p.observe("insert_message", start, nil)
	p.fireActivity(username)
	return uid, nil
}

func collectStrings(rows pgx.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// releaseBodies drops one reference per hash and deletes bodies that reach
// zero. It returns the hashes whose rows were removed so the caller can
// clean up the blob store after commit.
func releaseBodies(ctx context.Context, tx pgx.Tx, hashes []string) ([]string, error) {
	var orphaned []string
	for _, hash := range hashes {
		var refCount int64
		err := tx.QueryRow(ctx, `
			UPDATE message_bodies SET ref_count = ref_count - 1
			WHERE content_hash = $1
			RETURNING ref_count`, hash).Scan(&refCount)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to release message body: %w", err)
		}
		if refCount <= 0 {
			if _, err := tx.Exec(ctx,
				"DELETE FROM message_bodies WHERE content_hash = $1", hash); err != nil {
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
