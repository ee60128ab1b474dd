package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pelicanmail/pelican/consts"
	"github.com/pelicanmail/pelican/provider"
)

// mailbox is one authenticated session's view of a user's messages. It
// holds no state of its own; every call goes through the shared pool.
type mailbox struct {
	provider *Provider
	userID   int64
	username string
}

func (m *mailbox) ListUniqueIDs(ctx context.Context) ([]string, error) {
	start := time.Now()
	uids, err := collectStrings(m.provider.pool.Query(ctx,
		"SELECT uid FROM messages WHERE user_id = $1 ORDER BY id", m.userID))
	m.provider.observe("list_uids", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return uids, nil
}

func (m *mailbox) MessageExists(ctx context.Context, uid string) (bool, error) {
	start := time.Now()
	var exists bool
	err := m.provider.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM messages WHERE user_id = $1 AND uid = $2)",
		m.userID, uid).Scan(&exists)
	m.provider.observe("message_exists", start, err)
	if err != nil {
		return false, fmt.Errorf("failed to check message: %w", err)
	}
	return exists, nil
}

func (m *mailbox) MessageSize(ctx context.Context, uid string) (int64, error) {
	start := time.Now()
	var size int64
	err := m.provider.pool.QueryRow(ctx,
		"SELECT size FROM messages WHERE user_id = $1 AND uid = $2",
		m.userID, uid).Scan(&size)
	if errors.Is(err, pgx.ErrNoRows) {
		m.provider.observe("message_size", start, nil)
		return 0, consts.ErrMessageNotFound
	}
	m.provider.observe("message_size", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to read message size: %w", err)
	}
	return size, nil
}

func (m *mailbox) MessageContent(ctx context.Context, uid string) (provider.MessageContent, error) {
	start := time.Now()
	var hash string
	var body []byte
	err := m.provider.pool.QueryRow(ctx, `
		SELECT b.content_hash, b.body
		FROM messages m
		JOIN message_bodies b ON b.content_hash = m.content_hash
		WHERE m.user_id = $1 AND m.uid = $2`,
		m.userID, uid).Scan(&hash, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		m.provider.observe("message_content", start, nil)
		return nil, consts.ErrMessageNotFound
	}
	if err != nil {
		m.provider.observe("message_content", start, err)
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	if body == nil {
		if m.provider.blobs == nil {
			m.provider.observe("message_content", start, consts.ErrMessageNotAvailable)
			return nil, fmt.Errorf("%w: body offloaded but no blob store configured", consts.ErrMessageNotAvailable)
		}
		body, err = m.provider.blobs.GetBytes(ctx, hash)
		if err != nil {
			m.provider.observe("message_content", start, err)
			return nil, fmt.Errorf("%w: %v", consts.ErrMessageNotAvailable, err)
		}
	}

	m.provider.observe("message_content", start, nil)
	return provider.NewBytesContent(body), nil
}

func (m *mailbox) DeleteMessages(ctx context.Context, uids []string) (int, error) {
	start := time.Now()
	if len(uids) == 0 {
		return 0, nil
	}

	tx, err := m.provider.pool.Begin(ctx)
	if err != nil {
		m.provider.observe("delete_messages", start, err)
		return 0, fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	deleted := 0
	var hashes []string
	for _, uid := range uids {
		var hash string
		err := tx.QueryRow(ctx, `
			DELETE FROM messages WHERE user_id = $1 AND uid = $2
			RETURNING content_hash`, m.userID, uid).Scan(&hash)
		if errors.Is(err, pgx.ErrNoRows) {
			// Already gone; deletion skips missing unique-IDs.
			continue
		}
		if err != nil {
			m.provider.observe("delete_messages", start, err)
			return 0, fmt.Errorf("failed to delete message: %w", err)
		}
		deleted++
		hashes = append(hashes, hash)
	}

	orphaned, err := releaseBodies(ctx, tx, hashes)
	if err != nil {
		m.provider.observe("delete_messages", start, err)
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		m.provider.observe("delete_messages", start, err)
		return 0, fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}

	m.provider.deleteOrphanedBlobs(ctx, orphaned)
	m.provider.observe("delete_messages", start, nil)
	return deleted, nil
}

func (m *mailbox) Close() error {
	// The pool is shared across sessions.
	return nil
}
