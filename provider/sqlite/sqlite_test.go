package sqlite

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanmail/pelican/config"
	"github.com/pelicanmail/pelican/consts"
	"github.com/pelicanmail/pelican/provider"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	cfg := config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "pelican.db")}
	p, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func readAllLines(t *testing.T, content provider.MessageContent) []string {
	t.Helper()
	defer content.Close()
	var lines []string
	for {
		line, err := content.NextLine()
		if err == io.EOF {
			return lines
		}
		require.NoError(t, err)
		lines = append(lines, line)
	}
}

func TestCreateAndAuthenticate(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.CreateAccount(ctx, "alice", "secret"))
	assert.ErrorIs(t, p.CreateAccount(ctx, "alice", "other"), consts.ErrUserExists)

	mbox, err := p.Authenticate(ctx, provider.ConnectionInfo{}, "alice", "secret")
	require.NoError(t, err)
	require.NoError(t, mbox.Close())

	_, err = p.Authenticate(ctx, provider.ConnectionInfo{}, "alice", "wrong")
	assert.ErrorIs(t, err, consts.ErrAuthenticationFailed)

	// An unknown user fails the same way as a wrong password.
	_, err = p.Authenticate(ctx, provider.ConnectionInfo{}, "nobody", "secret")
	assert.ErrorIs(t, err, consts.ErrAuthenticationFailed)
}

func TestUpdateAccountPassword(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.CreateAccount(ctx, "alice", "old"))
	require.NoError(t, p.UpdateAccountPassword(ctx, "alice", "new"))

	_, err := p.Authenticate(ctx, provider.ConnectionInfo{}, "alice", "old")
	assert.ErrorIs(t, err, consts.ErrAuthenticationFailed)
	_, err = p.Authenticate(ctx, provider.ConnectionInfo{}, "alice", "new")
	assert.NoError(t, err)

	assert.ErrorIs(t, p.UpdateAccountPassword(ctx, "nobody", "x"), consts.ErrUserNotFound)
}

func TestMessageRoundTrip(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	require.NoError(t, p.CreateAccount(ctx, "alice", "secret"))

	body := []byte("Subject: hello\r\n\r\nfirst line\r\n.leading dot\r\n")
	uid, err := p.InsertMessage(ctx, "alice", body)
	require.NoError(t, err)
	require.NotEmpty(t, uid)

	mbox, err := p.Authenticate(ctx, provider.ConnectionInfo{}, "alice", "secret")
	require.NoError(t, err)
	defer mbox.Close()

	uids, err := mbox.ListUniqueIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{uid}, uids)

	exists, err := mbox.MessageExists(ctx, uid)
	require.NoError(t, err)
	assert.True(t, exists)

	size, err := mbox.MessageSize(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, provider.WireSize(body), size)

	content, err := mbox.MessageContent(ctx, uid)
	require.NoError(t, err)
	lines := readAllLines(t, content)
	assert.Equal(t, []string{"Subject: hello", "", "first line", ".leading dot"}, lines)

	_, err = mbox.MessageSize(ctx, "no-such-uid")
	assert.ErrorIs(t, err, consts.ErrMessageNotFound)
	_, err = mbox.MessageContent(ctx, "no-such-uid")
	assert.ErrorIs(t, err, consts.ErrMessageNotFound)
}

func TestListingOrderIsDeliveryOrder(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	require.NoError(t, p.CreateAccount(ctx, "alice", "secret"))

	var want []string
	for _, text := range []string{"one", "two", "three"} {
		uid, err := p.InsertMessage(ctx, "alice", []byte("Body: "+text+"\r\n"))
		require.NoError(t, err)
		want = append(want, uid)
	}

	mbox, err := p.Authenticate(ctx, provider.ConnectionInfo{}, "alice", "secret")
	require.NoError(t, err)
	defer mbox.Close()

	uids, err := mbox.ListUniqueIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, uids)
}

func TestBodyDeduplication(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	require.NoError(t, p.CreateAccount(ctx, "alice", "secret"))
	require.NoError(t, p.CreateAccount(ctx, "bob", "secret"))

	body := []byte("Subject: shared\r\n\r\nsame for both\r\n")
	uidAlice, err := p.InsertMessage(ctx, "alice", body)
	require.NoError(t, err)
	uidBob, err := p.InsertMessage(ctx, "bob", body)
	require.NoError(t, err)
	assert.NotEqual(t, uidAlice, uidBob, "unique-IDs are per message, not per body")

	var bodies int
	require.NoError(t, p.db.QueryRow("SELECT COUNT(*) FROM message_bodies").Scan(&bodies))
	assert.Equal(t, 1, bodies, "identical bodies share one stored copy")

	alice, err := p.Authenticate(ctx, provider.ConnectionInfo{}, "alice", "secret")
	require.NoError(t, err)
	defer alice.Close()
	n, err := alice.DeleteMessages(ctx, []string{uidAlice})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Bob's copy survives the shared body's reference drop.
	bob, err := p.Authenticate(ctx, provider.ConnectionInfo{}, "bob", "secret")
	require.NoError(t, err)
	defer bob.Close()
	content, err := bob.MessageContent(ctx, uidBob)
	require.NoError(t, err)
	assert.Len(t, readAllLines(t, content), 3)

	n, err = bob.DeleteMessages(ctx, []string{uidBob})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, p.db.QueryRow("SELECT COUNT(*) FROM message_bodies").Scan(&bodies))
	assert.Equal(t, 0, bodies, "last reference removes the body")
}

func TestDeleteMessagesSkipsMissing(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	require.NoError(t, p.CreateAccount(ctx, "alice", "secret"))

	uid, err := p.InsertMessage(ctx, "alice", []byte("Body: x\r\n"))
	require.NoError(t, err)

	mbox, err := p.Authenticate(ctx, provider.ConnectionInfo{}, "alice", "secret")
	require.NoError(t, err)
	defer mbox.Close()

	n, err := mbox.DeleteMessages(ctx, []string{"missing", uid, uid})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = mbox.DeleteMessages(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteAccount(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	require.NoError(t, p.CreateAccount(ctx, "alice", "secret"))
	_, err := p.InsertMessage(ctx, "alice", []byte("Body: x\r\n"))
	require.NoError(t, err)

	require.NoError(t, p.DeleteAccount(ctx, "alice"))
	assert.ErrorIs(t, p.DeleteAccount(ctx, "alice"), consts.ErrUserNotFound)

	_, err = p.Authenticate(ctx, provider.ConnectionInfo{}, "alice", "secret")
	assert.ErrorIs(t, err, consts.ErrAuthenticationFailed)

	var bodies int
	require.NoError(t, p.db.QueryRow("SELECT COUNT(*) FROM message_bodies").Scan(&bodies))
	assert.Zero(t, bodies)
}

func TestListAccounts(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	require.NoError(t, p.CreateAccount(ctx, "bob", "x"))
	require.NoError(t, p.CreateAccount(ctx, "alice", "x"))

	body := []byte("Subject: s\r\n\r\nb\r\n")
	_, err := p.InsertMessage(ctx, "alice", body)
	require.NoError(t, err)
	_, err = p.InsertMessage(ctx, "alice", []byte("Body: other\r\n"))
	require.NoError(t, err)

	accounts, err := p.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "alice", accounts[0].Username)
	assert.Equal(t, int64(2), accounts[0].MessageCount)
	assert.Equal(t, provider.WireSize(body)+provider.WireSize([]byte("Body: other\r\n")), accounts[0].TotalSize)
	assert.Equal(t, "bob", accounts[1].Username)
	assert.Zero(t, accounts[1].MessageCount)
}

func TestActivityCallbackOnDelivery(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	require.NoError(t, p.CreateAccount(ctx, "alice", "secret"))

	var notified []string
	p.RegisterActivityCallback(func(username string) {
		notified = append(notified, username)
	})

	_, err := p.InsertMessage(ctx, "alice", []byte("Body: x\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, notified)

	p.RegisterActivityCallback(nil)
	_, err = p.InsertMessage(ctx, "alice", []byte("Body: y\r\n"))
	require.NoError(t, err)
	assert.Len(t, notified, 1)
}
