// Package memory implements an in-memory mailbox provider. It holds no
// persistent state and exists for development and for exercising the
// protocol engine in tests; messages can be added and removed while
// sessions are connected to simulate concurrent delivery.
package memory

import (
	"context"
	"io"
	"sync"

	"github.com/pelicanmail/pelican/consts"
	"github.com/pelicanmail/pelican/provider"
)

type account struct {
	password string
	order    []string
	messages map[string][]string
}

// Provider is a concurrency-safe in-memory provider.Provider.
type Provider struct {
	mu       sync.RWMutex
	accounts map[string]*account
	callback provider.ActivityCallback
}

func New() *Provider {
	return &Provider{
		accounts: make(map[string]*account),
	}
}

func (p *Provider) Name() string {
	return "memory"
}

// AddUser creates or replaces an account with the given plaintext password.
func (p *Provider) AddUser(username, password string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[username] = &account{
		password: password,
		messages: make(map[string][]string),
	}
}

// AddMessage stores a message for the user as a slice of lines without CRLF
// terminators. It fires the activity callback, so a connected session's next
// refresh point reports the new arrival.
func (p *Provider) AddMessage(username, uid string, lines []string) {
	p.mu.Lock()
	acct, ok := p.accounts[username]
	if ok {
		if _, exists := acct.messages[uid]; !exists {
			acct.order = append(acct.order, uid)
		}
		acct.messages[uid] = lines
	}
	cb := p.callback
	p.mu.Unlock()

	if ok && cb != nil {
		cb(username)
	}
}

// RemoveMessage deletes a message out-of-band, as an external agent would.
func (p *Provider) RemoveMessage(username, uid string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.accounts[username]
	if !ok {
		return false
	}
	if _, exists := acct.messages[uid]; !exists {
		return false
	}
	delete(acct.messages, uid)
	for i, id := range acct.order {
		if id == uid {
			acct.order = append(acct.order[:i], acct.order[i+1:]...)
			break
		}
	}
	return true
}

func (p *Provider) Authenticate(ctx context.Context, info provider.ConnectionInfo, username, password string) (provider.Mailbox, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	acct, ok := p.accounts[username]
	if !ok || acct.password != password {
		return nil, consts.ErrAuthenticationFailed
	}
	return &mailbox{provider: p, username: username}, nil
}

func (p *Provider) RegisterActivityCallback(fn provider.ActivityCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callback = fn
}

type mailbox struct {
	provider *Provider
	username string
}

func (m *mailbox) account() (*account, bool) {
	acct, ok := m.provider.accounts[m.username]
	return acct, ok
}

func (m *mailbox) ListUniqueIDs(ctx context.Context) ([]string, error) {
	m.provider.mu.RLock()
	defer m.provider.mu.RUnlock()
	acct, ok := m.account()
	if !ok {
		return nil, consts.ErrMailboxNotFound
	}
	uids := make([]string, len(acct.order))
	copy(uids, acct.order)
	return uids, nil
}

func (m *mailbox) MessageExists(ctx context.Context, uid string) (bool, error) {
	m.provider.mu.RLock()
	defer m.provider.mu.RUnlock()
	acct, ok := m.account()
	if !ok {
		return false, consts.ErrMailboxNotFound
	}
	_, exists := acct.messages[uid]
	return exists, nil
}

func (m *mailbox) MessageSize(ctx context.Context, uid string) (int64, error) {
	m.provider.mu.RLock()
	defer m.provider.mu.RUnlock()
	acct, ok := m.account()
	if !ok {
		return 0, consts.ErrMailboxNotFound
	}
	lines, exists := acct.messages[uid]
	if !exists {
		return 0, consts.ErrMessageNotFound
	}
	var size int64
	for _, line := range lines {
		size += int64(len(line)) + 2
	}
	return size, nil
}

func (m *mailbox) MessageContent(ctx context.Context, uid string) (provider.MessageContent, error) {
	m.provider.mu.RLock()
	defer m.provider.mu.RUnlock()
	acct, ok := m.account()
	if !ok {
		return nil, consts.ErrMailboxNotFound
	}
	lines, exists := acct.messages[uid]
	if !exists {
		return nil, consts.ErrMessageNotFound
	}
	// Copy so a concurrent RemoveMessage cannot disturb an open reader.
	copied := make([]string, len(lines))
	copy(copied, lines)
	return &content{lines: copied}, nil
}

func (m *mailbox) DeleteMessages(ctx context.Context, uids []string) (int, error) {
	deleted := 0
	for _, uid := range uids {
		if m.provider.RemoveMessage(m.username, uid) {
			deleted++
		}
	}
	return deleted, nil
}

func (m *mailbox) Close() error {
	return nil
}

type content struct {
	lines []string
	pos   int
}

func (c *content) NextLine() (string, error) {
	if c.pos >= len(c.lines) {
		return "", io.EOF
	}
	line := c.lines[c.pos]
	c.pos++
	return line, nil
}

func (c *content) Close() error {
	return nil
}
