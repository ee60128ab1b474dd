// Package provider defines the contract between the POP3 protocol engine and
// the mailbox backends that store messages. The engine calls into a Provider
// to authenticate users and into the returned Mailbox to list, read and
// delete messages; everything about sequence numbering, deletion flags and
// snapshot lifetimes stays on the engine's side of this boundary.
//
// All unique-IDs crossing this interface are printable ASCII (0x21 to 0x7E)
// with no whitespace, so they can appear verbatim in UIDL listings and as
// command parameters.
package provider

import "context"

// ConnectionInfo describes the client connection on whose behalf an
// authentication attempt is made. Backends may use it for logging or for
// policy decisions; the engine fills it in before calling Authenticate.
type ConnectionInfo struct {
	// SessionID is the engine's identifier for this connection, for log
	// correlation.
	SessionID string
	// RemoteAddr is the client's network address.
	RemoteAddr string
	// TLS reports whether the connection is secured, either from the
	// implicit-TLS listener or after an STLS upgrade.
	TLS bool
}

// ActivityCallback is invoked by a backend whenever a mailbox it serves
// receives new mail or otherwise changes outside the POP3 session. The
// engine uses it for observability only; connected clients always discover
// changes through their own refresh points.
type ActivityCallback func(username string)

// Provider authenticates users and opens their mailboxes.
//
// Implementations must be safe for concurrent use; the engine calls
// Authenticate from many session goroutines at once.
type Provider interface {
	// Name identifies the backend in logs and metrics ("sqlite",
	// "postgres", "memory").
	Name() string

	// Authenticate verifies the credentials and returns the user's
	// mailbox. It must return consts.ErrAuthenticationFailed for bad
	// credentials and for unknown users alike, so the engine cannot leak
	// which usernames exist.
	Authenticate(ctx context.Context, info ConnectionInfo, username, password string) (Mailbox, error)

	// RegisterActivityCallback installs fn to be called on out-of-band
	// mailbox changes. Passing nil removes the callback. Backends that
	// cannot observe external changes may ignore the registration.
	RegisterActivityCallback(fn ActivityCallback)
}

// Mailbox is an authenticated user's view of their stored messages. A
// Mailbox belongs to exactly one session; the engine calls Close when the
// session ends, whatever the reason.
//
// The engine may call Mailbox methods at any time during the session, not
// just at snapshot refresh points. In particular MessageExists and
// MessageSize are consulted for messages addressed by unique-ID that lie
// outside the current snapshot.
type Mailbox interface {
	// ListUniqueIDs returns the unique-IDs of all messages currently in
	// the mailbox, in the backend's stable listing order.
	ListUniqueIDs(ctx context.Context) ([]string, error)

	// MessageExists reports whether a message with the given unique-ID is
	// currently present.
	MessageExists(ctx context.Context, uid string) (bool, error)

	// MessageSize returns the size in octets of the message's on-the-wire
	// form, counting CRLF line endings. It returns
	// consts.ErrMessageNotFound if no such message exists.
	MessageSize(ctx context.Context, uid string) (int64, error)

	// MessageContent opens the message text for reading. The caller must
	// Close the returned content. It returns consts.ErrMessageNotFound if
	// no such message exists.
	MessageContent(ctx context.Context, uid string) (MessageContent, error)

	// DeleteMessages permanently removes the given messages, skipping
	// unique-IDs that no longer exist, and returns the number actually
	// removed.
	DeleteMessages(ctx context.Context, uids []string) (int, error)

	// Close releases any resources held for this session.
	Close() error
}

// MessageContent streams a message line by line. NextLine returns each line
// without its trailing CRLF and io.EOF after the final line. Lines may carry
// leading dots and arbitrary content; the engine applies dot-stuffing when
// writing them to the wire.
type MessageContent interface {
	NextLine() (string, error)
	Close() error
}
