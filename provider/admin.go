package provider

import (
	"context"
	"time"
)

// Account is a summary row for the administrative account listing.
type Account struct {
	Username     string
	CreatedAt    time.Time
	MessageCount int64
	TotalSize    int64
}

// AccountStore is the administrative surface of the persistent backends.
// The admin tool works against this interface so the same subcommands serve
// both SQL backends.
type AccountStore interface {
	// CreateAccount adds a user with a bcrypt-hashed password. Returns
	// consts.ErrUserExists when the username is taken.
	CreateAccount(ctx context.Context, username, password string) error

	// UpdateAccountPassword replaces the stored hash. Returns
	// consts.ErrUserNotFound for unknown usernames.
	UpdateAccountPassword(ctx context.Context, username, password string) error

	// DeleteAccount removes the user and all their messages. Returns
	// consts.ErrUserNotFound for unknown usernames.
	DeleteAccount(ctx context.Context, username string) error

	// ListAccounts returns all accounts with message statistics.
	ListAccounts(ctx context.Context) ([]Account, error)

	// InsertMessage delivers a raw message body into the user's mailbox
	// and returns the assigned unique-ID.
	InsertMessage(ctx context.Context, username string, body []byte) (string, error)

	// ListContentHashes returns the content hashes of all referenced
	// message bodies, for blob store orphan scans.
	ListContentHashes(ctx context.Context) ([]string, error)
}
